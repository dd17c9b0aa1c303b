package routes

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lfelipediniz/B3Notifier/controllers"
	"github.com/lfelipediniz/B3Notifier/middleware"
)

// Dependencies are the handlers and guards the route table is built from
type Dependencies struct {
	Instruments *controllers.InstrumentController
	Alerts      *controllers.AlertController
	JWTSecret   string
	RateLimiter *middleware.RateLimiter
	// Ready reports whether the database answers
	Ready func(ctx context.Context) error
}

// SetupRoutes sets up all API routes
func SetupRoutes(router *gin.Engine, deps Dependencies) {
	// Liveness: always returns OK if server is running
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Readiness: checks the database connection
	router.GET("/ready", func(c *gin.Context) {
		if deps.Ready != nil {
			if err := deps.Ready(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":  "not_ready",
					"message": "Database ping failed",
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	api := router.Group("/api/v1")
	api.Use(middleware.JWTAuthMiddleware(deps.JWTSecret))
	if deps.RateLimiter != nil {
		api.Use(middleware.RateLimitMiddleware(deps.RateLimiter))
	}
	{
		// Tracked instrument routes
		instruments := api.Group("/instruments")
		{
			instruments.GET("", deps.Instruments.ListInstruments)
			instruments.POST("", deps.Instruments.CreateInstrument)
			instruments.GET("/last-refresh", deps.Instruments.LastRefresh)
			instruments.GET("/:id", deps.Instruments.GetInstrument)
			instruments.PUT("/:id", deps.Instruments.UpdateInstrument)
			instruments.DELETE("/:id", deps.Instruments.DeleteInstrument)
			instruments.PATCH("/:id/synthetic", deps.Instruments.SetSynthetic)
			instruments.PUT("/:id/price", deps.Instruments.SetPrice)
		}

		// Quote routes
		api.GET("/quotes/:symbol/preview", deps.Instruments.PreviewQuote)

		// Alert history routes
		alerts := api.Group("/alerts")
		{
			alerts.GET("", deps.Alerts.ListAlerts)
			alerts.POST("", deps.Alerts.CreateAlert)
		}

		// Live alert stream
		api.GET("/ws/alerts", deps.Alerts.StreamAlerts)
	}
}
