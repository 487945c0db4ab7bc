package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/carouselio/broadcast-api/internal/repository"
	"github.com/carouselio/broadcast-api/internal/service/broadcast"
	"github.com/carouselio/broadcast-api/pkg/logger"
)

type StalledSweeperConfig struct {
	// Schedule is a cron expression or an @every descriptor.
	Schedule   string
	StaleAfter time.Duration
	BatchLimit int
}

// StalledSweeper periodically finds jobs nobody is driving and dispatches a
// resume trigger for each: processing jobs with an old heartbeat and pending
// jobs whose start trigger was lost.
type StalledSweeper struct {
	repo       repository.BroadcastRepository
	dispatcher broadcast.Dispatcher
	config     StalledSweeperConfig
	log        *logger.Logger
	now        func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

func NewStalledSweeper(
	repo repository.BroadcastRepository,
	dispatcher broadcast.Dispatcher,
	config StalledSweeperConfig,
	log *logger.Logger,
) (*StalledSweeper, error) {
	if config.StaleAfter <= 0 {
		return nil, errors.New("stale after must be positive")
	}
	if config.Schedule == "" {
		config.Schedule = "@every 1m"
	}
	if config.BatchLimit <= 0 {
		config.BatchLimit = 20
	}
	if log == nil {
		log = logger.Nop()
	}
	return &StalledSweeper{
		repo:       repo,
		dispatcher: dispatcher,
		config:     config,
		log:        log,
		now:        time.Now,
	}, nil
}

// Start schedules Sweep until ctx is done. Overlapping runs are skipped.
func (w *StalledSweeper) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cron != nil {
		return errors.New("sweeper already started")
	}

	c := cron.New(cron.WithChain(
		cron.Recover(w.log),
		cron.SkipIfStillRunning(w.log),
	))
	if _, err := c.AddFunc(w.config.Schedule, func() {
		if _, err := w.Sweep(ctx); err != nil && ctx.Err() == nil {
			w.log.Error(err, "Stalled job sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("invalid sweeper schedule %q: %w", w.config.Schedule, err)
	}
	w.cron = c
	c.Start()
	w.log.Info("Stalled job sweeper started", "schedule", w.config.Schedule, "stale_after", w.config.StaleAfter.String())

	go func() {
		<-ctx.Done()
		w.Stop()
	}()
	return nil
}

// Stop stops scheduling and waits for a running sweep to return.
func (w *StalledSweeper) Stop() {
	w.mu.Lock()
	c := w.cron
	w.cron = nil
	w.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	w.log.Info("Stalled job sweeper stopped")
}

// Sweep dispatches one resume trigger per stalled job and returns how many
// were dispatched.
func (w *StalledSweeper) Sweep(ctx context.Context) (int, error) {
	staleBefore := w.now().Add(-w.config.StaleAfter)
	jobs, err := w.repo.ListStalled(ctx, staleBefore, w.config.BatchLimit)
	if err != nil {
		return 0, fmt.Errorf("failed to list stalled jobs: %w", err)
	}

	dispatched := 0
	var errs []error
	for _, job := range jobs {
		if err := w.dispatcher.Dispatch(ctx, broadcast.Trigger{JobID: job.ID, Kind: broadcast.TriggerResume}); err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", job.ID, err))
			continue
		}
		dispatched++
		w.log.Warn("Dispatched resume for stalled job",
			"job_id", job.ID.String(),
			"status", string(job.Status),
			"processed", job.ProcessedCount,
			"total", job.TotalRecipients)
	}
	return dispatched, errors.Join(errs...)
}
