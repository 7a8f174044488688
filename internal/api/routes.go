package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jonesrussell/north-cloud/session-tracker/internal/handler"
	"github.com/jonesrussell/north-cloud/session-tracker/internal/middleware"
)

// RouteConfig carries what SetupRoutes needs beyond the handler.
type RouteConfig struct {
	ServiceName     string
	ServiceVersion  string
	MaxRequests     int
	RateLimitWindow time.Duration
	HealthChecks    map[string]HealthChecker
	// Gatherer backs /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
	// Done stops the rate limiter's cleanup goroutine.
	Done <-chan struct{}
}

// SetupRoutes registers health, metrics and page routes.
func SetupRoutes(router *gin.Engine, pages *handler.PageHandler, cfg RouteConfig) {
	RegisterHealthRoutes(router, cfg.ServiceName, cfg.ServiceVersion, cfg.HealthChecks)

	if cfg.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := router.Group("/v1")
	v1.Use(middleware.RateLimiter(cfg.MaxRequests, cfg.RateLimitWindow, cfg.Done))

	v1.POST("/pages", middleware.BotFilter(), pages.CreatePage)
	v1.GET("/pages/:id", pages.GetPage)
	v1.DELETE("/pages/:id", pages.DeletePage)
	v1.POST("/pages/:id/position", pages.ReportPosition)
	v1.POST("/pages/:id/events", pages.RecordEvent)
}
