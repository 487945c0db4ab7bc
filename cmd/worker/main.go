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

	"github.com/carouselio/broadcast-api/internal/app"
	"github.com/carouselio/broadcast-api/internal/config"
	"github.com/carouselio/broadcast-api/internal/handler"
	"github.com/carouselio/broadcast-api/internal/middleware"
	"github.com/carouselio/broadcast-api/internal/service/broadcast"
	"github.com/carouselio/broadcast-api/internal/worker"
	"github.com/carouselio/broadcast-api/pkg/logger"
	pkgworker "github.com/carouselio/broadcast-api/pkg/worker"
)

func main() {
	loader := config.NewLoader()
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := app.NewLogger(cfg.Log).WithFields(map[string]interface{}{"worker_id": workerID()})
	if cfg.Dispatch.Mode != "broker" {
		log.Warn("dispatch.mode is local; the API drives jobs itself and this worker only sees triggers published by other processes")
	}
	if err := run(loader, cfg, log); err != nil {
		log.Fatal(err, "Worker failed")
	}
}

func run(loader *config.Loader, cfg *config.Config, log *logger.Logger) error {
	app.WatchLogLevel(loader, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error(err, "Failed to release resources")
		}
	}()

	// Resumed jobs run here, next to the consumer, instead of going back
	// through the broker.
	local := broadcast.NewLocalDispatcher(a.Coordinator, log)
	defer local.Close()

	if cfg.Sweeper.Enabled {
		sweeper, err := worker.NewStalledSweeper(a.Broadcasts, local, worker.StalledSweeperConfig{
			Schedule:   cfg.Sweeper.Schedule,
			StaleAfter: cfg.Sweeper.StaleAfter,
			BatchLimit: cfg.Sweeper.BatchLimit,
		}, log)
		if err != nil {
			return err
		}
		if err := sweeper.Start(ctx); err != nil {
			return err
		}
		defer sweeper.Stop()
	}

	consumer, err := pkgworker.NewTriggerConsumer(a.Broker, a.Coordinator, pkgworker.TriggerConsumerConfig{
		Topic:         cfg.Dispatch.Topic,
		Concurrency:   cfg.Worker.Concurrency,
		RetryAttempts: cfg.Worker.RetryAttempts,
		RetryDelay:    cfg.Worker.RetryDelay,
	}, log, a.Metrics)
	if err != nil {
		return err
	}

	health := healthServer(cfg, a)
	go func() {
		if err := health.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(err, "Health check server failed")
			stop()
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = health.Shutdown(shutdownCtx)
	}()

	err = consumer.Start(ctx)
	log.Info("Shutting down...")
	return err
}

func healthServer(cfg *config.Config, a *app.App) *http.Server {
	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	}
	engine := gin.New()
	engine.Use(middleware.Recovery())
	h := handler.NewHandler(a.Registry, a.Checks)
	h.RegisterRoutes(engine)
	if cfg.Metrics.Enabled {
		engine.GET(cfg.Metrics.Path, h.MetricsHandler())
	}
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Worker.HealthPort),
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func workerID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}
