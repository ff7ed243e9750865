// Package routes wires the gin transport adapter named out of core scope
// by §1: every handler here does request binding, principal extraction,
// and error-to-status mapping, then delegates straight into
// internal/orchestrator.
package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/pytake/orchestrator/internal/apikey"
	"github.com/pytake/orchestrator/internal/config"
	"github.com/pytake/orchestrator/internal/health"
	"github.com/pytake/orchestrator/internal/logger"
	"github.com/pytake/orchestrator/internal/middleware"
	"github.com/pytake/orchestrator/internal/orchestrator"
	"github.com/pytake/orchestrator/internal/realtime"
)

// SetupRoutes configures every route group the orchestration service
// exposes: jobs, flows, schedules, webhooks, API keys, the real-time
// WebSocket upgrade, health probes, and Prometheus scraping.
func SetupRoutes(router *gin.RouterGroup, db *gorm.DB, rdb *redis.Client, cfg *config.Config, log *logger.Logger, orch *orchestrator.Orchestrator, hub *realtime.Hub, keys *apikey.Service) {
	router.GET("/", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "orchestrator API", "version": cfg.AppName})
	})

	healthHandler := health.NewHandler(db, rdb, log)
	router.GET("/health", healthHandler.GetHealth)
	router.GET("/health/live", healthHandler.GetLiveness)
	router.GET("/health/ready", healthHandler.GetReadiness)

	if cfg.Monitoring.MetricsEnabled {
		path := cfg.Monitoring.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		router.GET(path, gin.WrapH(promhttp.Handler()))
	}

	a := &api{orch: orch, hub: hub, log: log}

	protected := router.Group("/")
	protected.Use(middleware.RequirePrincipal(keys))
	{
		jobs := protected.Group("/queues/:queue/jobs")
		jobs.Use(middleware.NoCache(), middleware.SecureJSON())
		{
			jobs.POST("", a.submitJob)
			jobs.GET("", a.listJobs)
			jobs.GET("/:id", a.getJob)
			jobs.DELETE("/:id", a.deleteJob)
		}

		schedules := protected.Group("/schedules")
		{
			schedules.POST("", a.createSchedule)
			schedules.GET("", a.listSchedules)
			schedules.GET("/:id", a.getSchedule)
			schedules.DELETE("/:id", a.deleteSchedule)
		}

		flows := protected.Group("/flows")
		flows.Use(middleware.NoCache())
		{
			flows.POST("", a.createFlow)
			flows.GET("", a.listFlows)
			flows.GET("/:id", a.getFlow)
			flows.DELETE("/:id", a.deleteFlow)
			flows.POST("/:id/run", a.runFlow)
		}

		webhooks := protected.Group("/webhooks")
		{
			webhooks.POST("", a.createWebhook)
			webhooks.GET("", a.listWebhooks)
			webhooks.PUT("/:id", a.updateWebhook)
			webhooks.DELETE("/:id", a.deleteWebhook)
		}

		apiKeys := protected.Group("/api-keys")
		apiKeys.Use(middleware.StrictSecurityHeaders(), middleware.NoCache())
		{
			apiKeys.POST("", a.createApiKey)
			apiKeys.GET("", a.listApiKeys)
			apiKeys.PUT("/:id", a.updateApiKey)
			apiKeys.DELETE("/:id", a.revokeApiKey)
		}

		protected.GET("/ws", a.serveWebSocket)
	}
}
