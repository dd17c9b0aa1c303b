package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lfelipediniz/B3Notifier/config"
	"github.com/lfelipediniz/B3Notifier/controllers"
	"github.com/lfelipediniz/B3Notifier/logging"
	"github.com/lfelipediniz/B3Notifier/middleware"
	"github.com/lfelipediniz/B3Notifier/models"
	"github.com/lfelipediniz/B3Notifier/routes"
	"github.com/lfelipediniz/B3Notifier/scheduler"
	"github.com/lfelipediniz/B3Notifier/services/notifier"
	"github.com/lfelipediniz/B3Notifier/services/quote"
	"github.com/lfelipediniz/B3Notifier/services/refresh"
	"github.com/lfelipediniz/B3Notifier/services/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// shutdownTimeout bounds draining the refresh queue and open requests
const shutdownTimeout = 20 * time.Second

func main() {
	boot, err := logging.New(os.Getenv("ENVIRONMENT"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(boot)
	if err != nil {
		boot.Fatal("config load failed", zap.Error(err))
	}

	log, err := logging.New(cfg.Environment)
	if err != nil {
		boot.Fatal("logger build failed", zap.Error(err))
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("B3Notifier stopped with error", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	log.Info("B3Notifier starting", zap.String("environment", cfg.Environment))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := config.InitDB(cfg, log)
	if err != nil {
		return err
	}
	log.Info("running database migrations")
	if err := models.MigrateInstrumentModels(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	st := store.New(db)
	quotes := quote.NewAlphaVantage(cfg.AlphaVantageBaseURL, cfg.AlphaVantageAPIKey, cfg.Refresh.QuoteRatePerMinute, log)

	hub := notifier.NewHub(log)
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go hub.Run(hubCtx)

	var mail notifier.Notifier = notifier.NewLogNotifier(log)
	if cfg.ResendAPIKey != "" {
		mail = notifier.NewMailNotifier(cfg.ResendBaseURL, cfg.ResendAPIKey, cfg.MailFrom)
	} else {
		log.Warn("RESEND_API_KEY not set, breach e-mails are only logged")
	}

	var mirror notifier.MultiRecorder
	if cfg.MongoDBURI != "" {
		mongoRec, err := notifier.NewMongoRecorder(ctx, cfg.MongoDBURI)
		if err != nil {
			log.Warn("MongoDB alert mirror disabled", zap.Error(err))
		} else {
			mirror = append(mirror, mongoRec)
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = mongoRec.Close(closeCtx)
			}()
			log.Info("MongoDB alert mirror enabled")
		}
	}
	recorder := append(notifier.MultiRecorder{notifier.RecorderFunc(st.RecordAlert)}, mirror...)

	worker := refresh.NewWorker(st, quotes, notifier.Multi{mail, hub}, recorder, log, refresh.Options{
		QuoteTimeout:  cfg.Refresh.QuoteTimeout,
		NotifyTimeout: cfg.Refresh.NotifyTimeout,
	})
	jobScheduler := scheduler.NewScheduler(st, worker, log, scheduler.Options{
		TickInterval: cfg.Refresh.TickInterval,
		Workers:      cfg.Refresh.Workers,
		QueueSize:    cfg.Refresh.QueueSize,
	})

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.CORSMiddleware())

	limiter := middleware.NewRateLimiter(cfg.APIWritesPerMinute, 5)
	limiter.StartCleanup(ctx)

	routes.SetupRoutes(router, routes.Dependencies{
		Instruments: controllers.NewInstrumentController(st, quotes, recorder, cfg.Refresh.QuoteTimeout, log),
		Alerts:      controllers.NewAlertController(st, mirror, hub, cfg.Location(), log),
		JWTSecret:   cfg.JWTSecret,
		RateLimiter: limiter,
		Ready: func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	})

	server := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	if err := jobScheduler.Start(context.Background()); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, shutting down gracefully")
		err = nil
	case err = <-serverErr:
		log.Error("server error", zap.Error(err))
	}

	gracefulShutdown(log, server, jobScheduler, db)
	return err
}

// gracefulShutdown stops the tick, drains the refresh queue, then closes
// the HTTP server and the database
func gracefulShutdown(log *zap.Logger, server *http.Server, jobScheduler *scheduler.Scheduler, db *gorm.DB) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := jobScheduler.Stop(ctx); err != nil {
		log.Warn("refresh queue not drained", zap.Error(err))
	}

	if err := server.Shutdown(ctx); err != nil {
		log.Warn("server forced to shutdown", zap.Error(err))
	}

	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
		log.Info("database connection closed")
	}

	log.Info("server shutdown completed")
}
