package broadcast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/carouselio/broadcast-api/internal/model"
	"github.com/carouselio/broadcast-api/internal/repository"
	"github.com/carouselio/broadcast-api/pkg/logger"
	"github.com/carouselio/broadcast-api/pkg/metrics"
)

// RetryCoordinator re-admits failed recipients of a finished job. Sent rows are
// never touched, so a reprocess cannot reach a recipient twice.
type RetryCoordinator struct {
	repo       repository.BroadcastRepository
	dispatcher Dispatcher
	metrics    *metrics.Metrics
	log        *logger.Logger
	now        func() time.Time
}

func NewRetryCoordinator(repo repository.BroadcastRepository, dispatcher Dispatcher, m *metrics.Metrics, log *logger.Logger) *RetryCoordinator {
	if log == nil {
		log = logger.Nop()
	}
	return &RetryCoordinator{
		repo:       repo,
		dispatcher: dispatcher,
		metrics:    m,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Reprocess requeues every failed recipient and dispatches a drive for the job.
// A job without failures is returned unchanged with zero requeued.
func (r *RetryCoordinator) Reprocess(ctx context.Context, id uuid.UUID) (*model.BroadcastJob, int, error) {
	token := uuid.New()
	job, n, err := r.repo.RequeueFailed(ctx, id, token, r.now())
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return nil, 0, fmt.Errorf("%w: %s", ErrJobNotFound, id)
		case errors.Is(err, repository.ErrStatusConflict) && job != nil && job.Status == model.JobStatusProcessing:
			return job, 0, fmt.Errorf("%w: %s", ErrJobBusy, id)
		case errors.Is(err, repository.ErrStatusConflict) && job != nil:
			return job, 0, fmt.Errorf("%w: cannot reprocess a %s job", ErrInvalidTransition, job.Status)
		}
		return nil, 0, fmt.Errorf("failed to requeue failed recipients: %w", err)
	}
	if n == 0 {
		return job, 0, nil
	}

	if r.metrics != nil {
		r.metrics.RequeuedTotal.Add(float64(n))
	}
	r.log.Info("Failed recipients requeued", "job_id", id.String(), "requeued", n)

	if err := r.dispatcher.Dispatch(ctx, Trigger{JobID: id, Kind: TriggerDrive, Token: &token}); err != nil {
		// The job is processing with a fresh heartbeat; the sweeper resumes it once stale.
		r.log.Warn("Failed to dispatch reprocess", "job_id", id.String(), "error", err.Error())
	}
	return job, n, nil
}
