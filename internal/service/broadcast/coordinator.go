// Package broadcast drives broadcast jobs: it claims a job, resolves its audience
// once, paces delivery in batches, and finalizes the job from the persisted ledger.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carouselio/broadcast-api/internal/channel"
	"github.com/carouselio/broadcast-api/internal/model"
	"github.com/carouselio/broadcast-api/internal/repository"
	"github.com/carouselio/broadcast-api/internal/service/audience"
	"github.com/carouselio/broadcast-api/pkg/logger"
	"github.com/carouselio/broadcast-api/pkg/messaging"
	"github.com/carouselio/broadcast-api/pkg/metrics"
)

type CoordinatorOptions struct {
	// StaleAfter is how old a heartbeat must be before Resume may take the job over.
	StaleAfter time.Duration
	// MaxInFlight caps concurrent sends within a batch. Zero means batch_size.
	MaxInFlight int
	// Publisher receives a progress snapshot after every checkpoint. Optional.
	Publisher messaging.Publisher
	Metrics   *metrics.Metrics
	Logger    *logger.Logger
	Now       func() time.Time
}

// Coordinator owns the job state machine. At most one pass runs per job: the
// in-process active set rejects re-entry early and the run token fences passes
// across processes.
type Coordinator struct {
	repo     repository.BroadcastRepository
	resolver audience.Resolver
	channels channel.Set
	opts     CoordinatorOptions
	log      *logger.Logger

	mu     sync.Mutex
	active map[uuid.UUID]struct{}
}

func NewCoordinator(repo repository.BroadcastRepository, resolver audience.Resolver, channels channel.Set, opts CoordinatorOptions) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 5 * time.Minute
	}
	return &Coordinator{
		repo:     repo,
		resolver: resolver,
		channels: channels,
		opts:     opts,
		log:      opts.Logger,
		active:   make(map[uuid.UUID]struct{}),
	}
}

var _ Runner = (*Coordinator)(nil)

// Run executes a trigger and blocks until the pass stops.
func (c *Coordinator) Run(ctx context.Context, t Trigger) error {
	if err := t.Validate(); err != nil {
		return err
	}
	switch t.Kind {
	case TriggerDrive:
		return c.Drive(ctx, t.JobID, *t.Token)
	case TriggerResume:
		return c.Resume(ctx, t.JobID)
	default:
		return c.Start(ctx, t.JobID)
	}
}

// Start claims a pending job, resolves its audience and delivers it.
func (c *Coordinator) Start(ctx context.Context, id uuid.UUID) error {
	if !c.acquire(id) {
		return fmt.Errorf("%w: %s", ErrJobBusy, id)
	}
	defer c.release(id)

	token := uuid.New()
	job, err := c.repo.ClaimPending(ctx, id, token, c.opts.Now())
	if err != nil {
		return c.claimError(ctx, id, err)
	}
	c.log.Info("Broadcast job started", "job_id", id.String(), "channel", string(job.Channel))
	return c.drive(ctx, job, token)
}

// Drive continues a job that reprocess reopened under expected.
func (c *Coordinator) Drive(ctx context.Context, id, expected uuid.UUID) error {
	if !c.acquire(id) {
		return fmt.Errorf("%w: %s", ErrJobBusy, id)
	}
	defer c.release(id)

	token := uuid.New()
	job, err := c.repo.ClaimRun(ctx, id, expected, token, c.opts.Now())
	if err != nil {
		return c.claimError(ctx, id, err)
	}
	c.log.Info("Broadcast job reprocessing", "job_id", id.String(), "pending", job.Remaining())
	return c.drive(ctx, job, token)
}

// Resume takes over a job whose driver stopped heartbeating. A pending job is
// started instead, a finished one is left alone.
func (c *Coordinator) Resume(ctx context.Context, id uuid.UUID) error {
	job, err := c.repo.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		return fmt.Errorf("failed to load job: %w", err)
	}
	switch {
	case job.Status == model.JobStatusPending:
		return c.Start(ctx, id)
	case job.Status.IsTerminal():
		return nil
	}

	if !c.acquire(id) {
		return fmt.Errorf("%w: %s", ErrJobBusy, id)
	}
	defer c.release(id)

	now := c.opts.Now()
	token := uuid.New()
	job, err = c.repo.ClaimStale(ctx, id, now.Add(-c.opts.StaleAfter), token, now)
	if err != nil {
		return c.claimError(ctx, id, err)
	}
	if c.opts.Metrics != nil {
		c.opts.Metrics.ResumedJobsTotal.Inc()
	}
	c.log.Warn("Resuming stalled broadcast job", "job_id", id.String(), "pending", job.Remaining())
	return c.drive(ctx, job, token)
}

// drive runs one pass for a job held under token.
func (c *Coordinator) drive(ctx context.Context, job *model.BroadcastJob, token uuid.UUID) error {
	if c.opts.Metrics != nil {
		c.opts.Metrics.ActiveDrives.Inc()
		defer c.opts.Metrics.ActiveDrives.Dec()
	}

	if job.AudienceResolvedAt == nil {
		var err error
		job, err = c.materialize(ctx, job, token)
		if err != nil || job == nil {
			return err
		}
	}
	return c.pace(ctx, job, token)
}

// materialize resolves the audience and writes the ledger. A nil job with a nil
// error means the pass lost its claim and must stop quietly.
func (c *Coordinator) materialize(ctx context.Context, job *model.BroadcastJob, token uuid.UUID) (*model.BroadcastJob, error) {
	recipients, err := c.resolver.Resolve(ctx, job.Channel, audience.Target{
		AllUsers: job.TargetAllUsers,
		Plans:    job.TargetPlans,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		failed, failErr := c.repo.FailJob(ctx, job.ID, token, err.Error(), c.opts.Now())
		if failErr != nil && !errors.Is(failErr, repository.ErrStatusConflict) {
			return nil, fmt.Errorf("failed to mark job failed: %w", failErr)
		}
		if failed != nil {
			c.finished(ctx, failed)
		}
		c.log.Error(err, "Audience resolution failed", "job_id", job.ID.String())
		return nil, fmt.Errorf("failed to resolve audience for job %s: %w", job.ID, err)
	}

	resolved, err := c.repo.MaterializeAudience(ctx, job.ID, token, recipients, c.opts.Now())
	if err != nil {
		if errors.Is(err, repository.ErrStatusConflict) {
			c.log.Warn("Broadcast job claim lost before materialization", "job_id", job.ID.String())
			return nil, nil
		}
		return nil, fmt.Errorf("failed to materialize audience: %w", err)
	}
	c.log.Info("Audience resolved", "job_id", job.ID.String(), "recipients", resolved.TotalRecipients)
	c.publishProgress(ctx, resolved)
	return resolved, nil
}

func (c *Coordinator) claimError(ctx context.Context, id uuid.UUID, err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if !errors.Is(err, repository.ErrStatusConflict) {
		return fmt.Errorf("failed to claim job: %w", err)
	}
	current, getErr := c.repo.GetJob(ctx, id)
	if getErr != nil {
		return fmt.Errorf("failed to load job: %w", getErr)
	}
	if current.Status == model.JobStatusProcessing {
		return fmt.Errorf("%w: %s", ErrJobBusy, id)
	}
	return fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, id, current.Status)
}

func (c *Coordinator) acquire(id uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.active[id]; busy {
		return false
	}
	c.active[id] = struct{}{}
	return true
}

func (c *Coordinator) release(id uuid.UUID) {
	c.mu.Lock()
	delete(c.active, id)
	c.mu.Unlock()
}

func (c *Coordinator) finished(ctx context.Context, job *model.BroadcastJob) {
	if c.opts.Metrics != nil {
		c.opts.Metrics.JobsFinished.WithLabelValues(string(job.Channel), string(job.Status)).Inc()
	}
	c.log.Info("Broadcast job finished",
		"job_id", job.ID.String(),
		"status", string(job.Status),
		"total", job.TotalRecipients,
		"sent", job.SuccessCount,
		"failed", job.FailedCount,
	)
	c.publishProgress(ctx, job)
}

func (c *Coordinator) publishProgress(ctx context.Context, job *model.BroadcastJob) {
	if c.opts.Publisher == nil {
		return
	}
	if err := c.opts.Publisher.Publish(ctx, messaging.TopicBroadcastProgress, job.Progress()); err != nil {
		c.log.Warn("Failed to publish progress", "job_id", job.ID.String(), "error", err.Error())
	}
}
