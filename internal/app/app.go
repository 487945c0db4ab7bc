// Package app wires the components shared by the API server and the worker.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/carouselio/broadcast-api/internal/channel"
	"github.com/carouselio/broadcast-api/internal/config"
	"github.com/carouselio/broadcast-api/internal/email"
	"github.com/carouselio/broadcast-api/internal/handler"
	"github.com/carouselio/broadcast-api/internal/model"
	"github.com/carouselio/broadcast-api/internal/repository"
	"github.com/carouselio/broadcast-api/internal/repository/memory"
	"github.com/carouselio/broadcast-api/internal/repository/postgres"
	"github.com/carouselio/broadcast-api/internal/service/audience"
	"github.com/carouselio/broadcast-api/internal/service/audit"
	"github.com/carouselio/broadcast-api/internal/service/broadcast"
	"github.com/carouselio/broadcast-api/internal/service/notification"
	"github.com/carouselio/broadcast-api/pkg/logger"
	"github.com/carouselio/broadcast-api/pkg/messaging"
	"github.com/carouselio/broadcast-api/pkg/messaging/redis"
	"github.com/carouselio/broadcast-api/pkg/metrics"
)

type App struct {
	Config   *config.Config
	Log      *logger.Logger
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry

	DB     *sqlx.DB
	Broker messaging.Broker

	Broadcasts    repository.BroadcastRepository
	Audience      repository.AudienceRepository
	Audit         repository.AuditRepository
	Notifications repository.NotificationRepository

	Plans       *audience.PlanCatalog
	Coordinator *broadcast.Coordinator
	// Checks are the dependencies the readiness probe pings.
	Checks map[string]handler.Pinger

	closers []func() error
}

// NewLogger builds the process logger from config and installs it as the
// global zerolog logger used by the HTTP middleware. The level is applied
// globally so WatchLogLevel can change it later.
func NewLogger(cfg config.LogConfig) *logger.Logger {
	zerolog.SetGlobalLevel(logger.ParseLevel(cfg.Level))
	lc := &logger.Config{
		Level:  zerolog.TraceLevel,
		Format: cfg.Format,
	}
	if cfg.File != "" {
		lc.File = &logger.FileConfig{
			Path:       cfg.File,
			MaxSizeMB:  cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAgeDays: cfg.MaxAgeDays,
		}
	}
	l := logger.NewLogger(lc)
	log.Logger = *l.Zerolog()
	return l
}

// WatchLogLevel applies log.level edits to the running process.
func WatchLogLevel(loader *config.Loader, l *logger.Logger) {
	loader.Watch(func(cfg *config.Config) {
		level := logger.ParseLevel(cfg.Log.Level)
		zerolog.SetGlobalLevel(level)
		l.Info("Log level reloaded", "level", level.String())
	}, func(err error) {
		l.Error(err, "Ignoring invalid config change")
	})
}

// New opens storage and the broker and builds the coordinator. Close releases
// everything New opened.
func New(ctx context.Context, cfg *config.Config, l *logger.Logger) (*App, error) {
	if l == nil {
		l = logger.Nop()
	}
	a := &App{
		Config:   cfg,
		Log:      l,
		Registry: prometheus.NewRegistry(),
		Checks:   map[string]handler.Pinger{},
	}

	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Metrics = metrics.New(cfg.Metrics.Namespace)
	if err := a.Metrics.Register(a.Registry); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	if err := a.openStorage(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	if err := a.openBroker(); err != nil {
		_ = a.Close()
		return nil, err
	}

	a.Plans = audience.NewPlanCatalog(a.Audience, cfg.Audience.PlanCacheTTL)
	a.Coordinator = broadcast.NewCoordinator(a.Broadcasts, audience.NewResolver(a.Audience), a.channels(), broadcast.CoordinatorOptions{
		StaleAfter:  cfg.Sweeper.StaleAfter,
		MaxInFlight: cfg.Delivery.MaxInFlight,
		Publisher:   a.Broker,
		Metrics:     a.Metrics,
		Logger:      l,
	})
	return a, nil
}

func (a *App) openStorage(ctx context.Context) error {
	switch a.Config.Storage.Driver {
	case "postgres":
		db, err := postgres.NewDB(a.Config.Database)
		if err != nil {
			return err
		}
		a.DB = db
		a.closers = append(a.closers, db.Close)
		a.Checks["postgres"] = db

		if a.Config.Database.AutoMigrate {
			if err := postgres.Migrate(ctx, db); err != nil {
				return err
			}
		}
		base := postgres.NewBaseRepository(db)
		a.Broadcasts = postgres.NewBroadcastRepository(base, a.Metrics)
		a.Audience = postgres.NewAudienceRepository(base)
		a.Audit = postgres.NewAuditRepository(base)
		a.Notifications = postgres.NewNotificationRepository(base)
	case "memory":
		a.Log.Warn("Using in-memory storage; jobs are lost on restart")
		a.Broadcasts = memory.NewBroadcastRepository()
		a.Audience = memory.NewAudienceRepository()
		a.Audit = memory.NewAuditRepository()
		a.Notifications = memory.NewNotificationRepository()
	default:
		return fmt.Errorf("unknown storage driver %q", a.Config.Storage.Driver)
	}
	return nil
}

func (a *App) openBroker() error {
	if !a.Config.Redis.Enabled {
		b := messaging.NewInProcBroker()
		a.Broker = b
		a.closers = append(a.closers, b.Close)
		return nil
	}
	b, err := redis.NewRedisBroker(redis.Config{
		URL:          a.Config.Redis.URL,
		MaxRetries:   a.Config.Redis.MaxRetries,
		RetryBackoff: a.Config.Redis.RetryBackoff,
		PoolSize:     a.Config.Redis.PoolSize,
		MinIdleConns: a.Config.Redis.MinIdleConns,
	}, a.Log.Zerolog())
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	a.Broker = b
	a.closers = append(a.closers, b.Close)
	a.Checks["redis"] = handler.PingFunc(b.Ping)
	return nil
}

func (a *App) channels() channel.Set {
	inbox := notification.NewService(a.Notifications, a.Broker, a.Log)
	smtp := email.NewSMTPService(a.Config.SMTP)
	return channel.Set{
		Notification: channel.Guard(channel.NewNotification(inbox), channel.GuardOptions{
			Channel:   model.ChannelNotification,
			Timeout:   a.Config.Delivery.SendTimeout,
			PerSecond: a.Config.Delivery.NotificationPerSec,
			Metrics:   a.Metrics,
		}),
		Email: channel.Guard(channel.NewEmail(smtp), channel.GuardOptions{
			Channel:   model.ChannelEmail,
			Timeout:   a.Config.Delivery.SendTimeout,
			PerSecond: a.Config.Delivery.EmailPerSec,
			Metrics:   a.Metrics,
		}),
	}
}

// Dispatcher returns where triggers go. A LocalDispatcher is registered for
// Close so passes stop at their next checkpoint on shutdown.
func (a *App) Dispatcher() broadcast.Dispatcher {
	if a.Config.Dispatch.Mode == "broker" {
		return broadcast.NewBrokerDispatcher(a.Broker, a.Config.Dispatch.Topic)
	}
	d := broadcast.NewLocalDispatcher(a.Coordinator, a.Log)
	a.closers = append(a.closers, func() error {
		d.Close()
		return nil
	})
	return d
}

// Service builds the job API on top of dispatcher.
func (a *App) Service(dispatcher broadcast.Dispatcher) broadcast.Service {
	return broadcast.NewService(
		a.Broadcasts,
		a.Plans,
		dispatcher,
		broadcast.NewRetryCoordinator(a.Broadcasts, dispatcher, a.Metrics, a.Log),
		audit.NewService(a.Audit),
		broadcast.ServiceOptions{
			Defaults: map[model.Channel]broadcast.Pacing{
				model.ChannelNotification: {
					BatchSize:    a.Config.Pacing.Notification.BatchSize,
					BatchDelayMs: a.Config.Pacing.Notification.BatchDelayMs,
				},
				model.ChannelEmail: {
					BatchSize:    a.Config.Pacing.Email.BatchSize,
					BatchDelayMs: a.Config.Pacing.Email.BatchDelayMs,
				},
			},
			Logger: a.Log,
		},
	)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
