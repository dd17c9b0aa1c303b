package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/lfelipediniz/B3Notifier/logging"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Config struct {
	Port        string
	Environment string

	DBDriver   string // postgres or sqlite
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	SQLitePath string

	JWTSecret          string
	APIWritesPerMinute int

	// Timezone is used to read and display alert dates
	Timezone string

	AlphaVantageAPIKey  string
	AlphaVantageBaseURL string

	ResendAPIKey  string
	ResendBaseURL string
	MailFrom      string

	MongoDBURI string

	Refresh RefreshConfig
}

// RefreshConfig tunes the periodic re-pricing loop
type RefreshConfig struct {
	TickInterval       time.Duration `yaml:"tick_interval"`
	QuoteTimeout       time.Duration `yaml:"quote_timeout"`
	NotifyTimeout      time.Duration `yaml:"notify_timeout"`
	Workers            int           `yaml:"workers"`
	QueueSize          int           `yaml:"queue_size"`
	QuoteRatePerMinute int           `yaml:"quote_rate_per_minute"`
}

type fileConfig struct {
	Refresh *RefreshConfig `yaml:"refresh"`
}

// LoadConfig loads environment variables, then overlays the refresh section
// of the YAML file named by CONFIG_FILE when it is set
func LoadConfig(log *zap.Logger) (*Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Debug("no .env file found, using environment variables")
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "development"),

		DBDriver:   getEnv("DB_DRIVER", "postgres"),
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", ""),
		DBName:     getEnv("DB_NAME", "b3notifier"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),
		SQLitePath: getEnv("SQLITE_PATH", "data/b3notifier.db"),

		JWTSecret:          getEnv("JWT_SECRET", ""),
		APIWritesPerMinute: getEnvInt("API_WRITES_PER_MINUTE", 30),
		Timezone:           getEnv("TIMEZONE", "America/Sao_Paulo"),

		AlphaVantageAPIKey:  getEnv("ALPHA_VANTAGE_API_KEY", ""),
		AlphaVantageBaseURL: getEnv("ALPHA_VANTAGE_BASE_URL", "https://www.alphavantage.co"),

		ResendAPIKey:  getEnv("RESEND_API_KEY", ""),
		ResendBaseURL: getEnv("RESEND_BASE_URL", "https://api.resend.com"),
		MailFrom:      getEnv("MAIL_FROM", "no-reply@b3notifier.me"),

		MongoDBURI: getEnv("MONGODB_URI", ""),

		Refresh: RefreshConfig{
			TickInterval:       getEnvDuration("REFRESH_TICK_INTERVAL", time.Minute),
			QuoteTimeout:       getEnvDuration("REFRESH_QUOTE_TIMEOUT", 15*time.Second),
			NotifyTimeout:      getEnvDuration("REFRESH_NOTIFY_TIMEOUT", 10*time.Second),
			Workers:            getEnvInt("REFRESH_WORKERS", 8),
			QueueSize:          getEnvInt("REFRESH_QUEUE_SIZE", 256),
			QuoteRatePerMinute: getEnvInt("QUOTE_RATE_PER_MINUTE", 5),
		},
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	if fc.Refresh == nil {
		return nil
	}

	r := fc.Refresh
	if r.TickInterval > 0 {
		c.Refresh.TickInterval = r.TickInterval
	}
	if r.QuoteTimeout > 0 {
		c.Refresh.QuoteTimeout = r.QuoteTimeout
	}
	if r.NotifyTimeout > 0 {
		c.Refresh.NotifyTimeout = r.NotifyTimeout
	}
	if r.Workers > 0 {
		c.Refresh.Workers = r.Workers
	}
	if r.QueueSize > 0 {
		c.Refresh.QueueSize = r.QueueSize
	}
	if r.QuoteRatePerMinute > 0 {
		c.Refresh.QuoteRatePerMinute = r.QuoteRatePerMinute
	}
	return nil
}

// Validate rejects settings the refresh loop cannot run with
func (c *Config) Validate() error {
	if c.DBDriver != "postgres" && c.DBDriver != "sqlite" {
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}
	if c.Environment == "production" && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required in production")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid TIMEZONE %q: %w", c.Timezone, err)
	}
	if c.Refresh.TickInterval <= 0 {
		return fmt.Errorf("refresh tick interval must be positive")
	}
	if c.Refresh.QuoteTimeout <= 0 {
		return fmt.Errorf("quote timeout must be positive")
	}
	if c.Refresh.Workers <= 0 {
		return fmt.Errorf("refresh workers must be positive")
	}
	if c.Refresh.QueueSize <= 0 {
		return fmt.Errorf("refresh queue size must be positive")
	}
	return nil
}

// Location returns the configured timezone
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// InitDB opens the configured database and verifies the connection
func InitDB(cfg *Config, log *zap.Logger) (*gorm.DB, error) {
	logLevel := logger.Info
	if cfg.Environment == "production" {
		logLevel = logger.Error
	}
	gormCfg := &gorm.Config{Logger: logging.NewGormLogger(log, logLevel)}

	var dialector gorm.Dialector
	switch cfg.DBDriver {
	case "sqlite":
		log.Info("opening sqlite database", zap.String("path", cfg.SQLitePath))
		dialector = sqlite.Open(cfg.SQLitePath + "?_busy_timeout=5000")
	default:
		log.Info("connecting to database",
			zap.String("host", maskHost(cfg.DBHost)),
			zap.String("port", cfg.DBPort),
			zap.String("user", cfg.DBUser),
			zap.String("dbname", cfg.DBName),
		)
		dsn := fmt.Sprintf(
			"host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=America/Sao_Paulo",
			cfg.DBHost, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPort, cfg.DBSSLMode,
		)
		dialector = postgres.Open(dsn)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database: %w", err)
	}
	if cfg.DBDriver == "sqlite" {
		// sqlite allows a single writer
		sqlDB.SetMaxOpenConns(1)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	log.Info("database connection verified")
	return db, nil
}

// maskHost masks host for logging, preserving domain structure
func maskHost(host string) string {
	if len(host) <= 3 {
		return "***"
	}
	if len(host) <= 15 {
		return host[:3] + "***"
	}
	return host[:8] + "***" + host[len(host)-10:]
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	value, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}
