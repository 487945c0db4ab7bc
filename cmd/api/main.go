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

	"golang.org/x/time/rate"

	"github.com/carouselio/broadcast-api/internal/app"
	"github.com/carouselio/broadcast-api/internal/config"
	"github.com/carouselio/broadcast-api/internal/handler"
	broadcastHandler "github.com/carouselio/broadcast-api/internal/handler/broadcast"
	"github.com/carouselio/broadcast-api/internal/handler/prometheus"
	"github.com/carouselio/broadcast-api/internal/middleware"
	"github.com/carouselio/broadcast-api/internal/router"
	"github.com/carouselio/broadcast-api/internal/worker"
	"github.com/carouselio/broadcast-api/pkg/auth"
	"github.com/carouselio/broadcast-api/pkg/logger"
)

func main() {
	loader := config.NewLoader()
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := app.NewLogger(cfg.Log)
	if err := run(loader, cfg, log); err != nil {
		log.Fatal(err, "API server failed")
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

	dispatcher := a.Dispatcher()
	svc := a.Service(dispatcher)

	// With local dispatch this process drives jobs, so it also recovers them.
	if cfg.Dispatch.Mode == "local" && cfg.Sweeper.Enabled {
		sweeper, err := worker.NewStalledSweeper(a.Broadcasts, dispatcher, worker.StalledSweeperConfig{
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

	tokens, err := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.Issuer)
	if err != nil {
		return err
	}

	var httpMetrics *prometheus.Handler
	if cfg.Metrics.Enabled {
		httpMetrics, err = prometheus.New(cfg.Metrics.Namespace, a.Registry)
		if err != nil {
			return err
		}
	}

	r, err := router.NewRouter(
		middleware.NewAuthMiddleware(tokens),
		handler.NewHandler(a.Registry, a.Checks),
		httpMetrics,
		router.RouterConfig{
			Mode:           cfg.Server.Mode,
			RateEnabled:    cfg.RateLimit.Enabled,
			RateLimit:      rate.Limit(cfg.RateLimit.RequestsPerSecond),
			RateBurst:      cfg.RateLimit.Burst,
			CORSOrigins:    cfg.Server.CORSOrigins,
			MetricsEnabled: cfg.Metrics.Enabled,
			MetricsPath:    cfg.Metrics.Path,
		},
		broadcastHandler.NewHandler(svc, time.Second),
	)
	if err != nil {
		return err
	}
	r.Setup()

	// WriteTimeout stays unset by default so progress streams are not cut off.
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           r.Engine(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("API server listening", "addr", srv.Addr, "storage", cfg.Storage.Driver, "dispatch", cfg.Dispatch.Mode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
	case <-ctx.Done():
	}
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("Server exited properly")
	return nil
}
