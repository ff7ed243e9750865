package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pytake/orchestrator/internal/apikey"
	"github.com/pytake/orchestrator/internal/config"
	"github.com/pytake/orchestrator/internal/database"
	"github.com/pytake/orchestrator/internal/eventbus"
	"github.com/pytake/orchestrator/internal/flow"
	"github.com/pytake/orchestrator/internal/handlers"
	"github.com/pytake/orchestrator/internal/logger"
	"github.com/pytake/orchestrator/internal/middleware"
	"github.com/pytake/orchestrator/internal/orchestrator"
	"github.com/pytake/orchestrator/internal/queue"
	"github.com/pytake/orchestrator/internal/realtime"
	"github.com/pytake/orchestrator/internal/redisconn"
	"github.com/pytake/orchestrator/internal/registry"
	"github.com/pytake/orchestrator/internal/routes"
	"github.com/pytake/orchestrator/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Log.Level)
	log.Info("starting orchestrator", "env", cfg.AppEnv)

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatal("failed to connect to database", "error", err)
	}
	if err := database.Migrate(db); err != nil {
		log.Fatal("failed to run migrations", "error", err)
	}

	rdb, err := redisconn.Connect(cfg)
	if err != nil {
		log.Fatal("failed to connect to broker", "error", err)
	}

	broker := queue.NewRedisBroker(rdb, cfg.Broker.KeyPrefix, log)

	httpClient := &http.Client{Timeout: time.Duration(cfg.Webhook.TimeoutMs) * time.Millisecond}
	deliveryHandler := webhook.DeliveryHandlerFunc(httpClient)

	reg := registry.New(func() (map[string]queue.HandlerFunc, error) {
		loaded, err := handlers.LoadDirectories(cfg.Handlers.Directories)
		if err != nil {
			return nil, err
		}
		loaded[webhook.DeliveryHandler] = deliveryHandler
		return loaded, nil
	}, cfg.Handlers.Disabled, cfg.Handlers.DebounceMs, log)
	if err := reg.LoadOnce(); err != nil {
		log.Fatal("failed to load handlers", "error", err)
	}
	if err := reg.Watch(cfg.Handlers.Directories); err != nil {
		log.Warn("handler hot-reload watch failed, continuing without it", "error", err)
	}
	defer reg.Stop()

	hub := realtime.NewHub(cfg.Realtime.SendBufferSize, cfg.Realtime.PingInterval, cfg.Realtime.PongWait, log)

	coordinator := flow.NewCoordinator(db, broker, hub, log)
	dispatcher := webhook.NewDispatcher(db, broker, log)

	keys := apikey.NewService(db)

	scheduler := queue.NewScheduler(broker, log)
	orch := orchestrator.New(broker, scheduler, reg, coordinator, dispatcher, keys, cfg, log)

	pool := queue.NewPool(broker, reg, cfg.Queues.Concurrency, log)
	pool.OnFlowTerminal = func(ctx context.Context, flowID, jobID string, update queue.FlowUpdate) {
		err := orch.UpdateFlowProgress(ctx, flowID, jobID, flow.JobUpdate{
			Status:      update.Status,
			Result:      update.Result,
			Error:       update.Error,
			HandlerName: update.HandlerName,
			QueueName:   update.QueueName,
		})
		if err != nil {
			log.Error("failed to update flow progress", "flowId", flowID, "jobId", jobID, "error", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	defer pool.Stop()

	if err := scheduler.Start(ctx); err != nil {
		log.Fatal("failed to start scheduler", "error", err)
	}
	defer scheduler.Stop()

	bus := eventbus.New(log)

	for _, queueName := range cfg.Queues.Allowed {
		go bus.Pump(broker, queueName)
	}

	webhookEvents := bus.Subscribe("webhook-dispatch")
	go func() {
		for ev := range webhookEvents {
			if err := dispatcher.Dispatch(ctx, ev); err != nil {
				log.Error("webhook dispatch failed", "jobId", ev.JobID, "error", err)
			}
		}
	}()

	realtimeEvents := bus.Subscribe("realtime-fanout")
	go func() {
		for ev := range realtimeEvents {
			hub.Publish(ev)
		}
	}()

	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.SecurityHeaders(middleware.SecurityHeadersForEnvironment(cfg.AppEnv, cfg.AppEnv == "production")))
	router.Use(middleware.CORS(cfg))
	if cfg.RateLimit.Enabled {
		router.Use(middleware.RateLimiter(rdb, cfg))
	}

	api := router.Group("/api/v1")
	routes.SetupRoutes(api, db, rdb, cfg, log, orch, hub, keys)

	httpServer := &http.Server{
		Addr:           fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:        router,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start server", "error", err)
		}
	}()
	log.Info("server started", "addr", httpServer.Addr)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", "error", err)
	}

	log.Info("server exited")
}
