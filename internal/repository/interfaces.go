package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/carouselio/broadcast-api/internal/model"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrStatusConflict means a conditional update matched no row in the expected status.
	ErrStatusConflict = errors.New("status conflict")
)

// All repository interfaces in one file
type (
	// BroadcastRepository persists jobs and their recipient ledger. Every status
	// transition is a conditional update so concurrent drivers cannot both win.
	BroadcastRepository interface {
		CreateJob(ctx context.Context, job *model.BroadcastJob) error
		GetJob(ctx context.Context, id uuid.UUID) (*model.BroadcastJob, error)
		ListJobs(ctx context.Context, filter model.JobFilter) ([]*model.BroadcastJob, int, error)

		// ClaimPending moves a pending job to processing under token.
		ClaimPending(ctx context.Context, id, token uuid.UUID, now time.Time) (*model.BroadcastJob, error)
		// ClaimStale takes over a processing job whose heartbeat is older than staleBefore.
		ClaimStale(ctx context.Context, id uuid.UUID, staleBefore time.Time, token uuid.UUID, now time.Time) (*model.BroadcastJob, error)
		// ClaimRun swaps the run token of a processing job from expected to token.
		ClaimRun(ctx context.Context, id, expected, token uuid.UUID, now time.Time) (*model.BroadcastJob, error)
		// ListStalled returns processing jobs with an old heartbeat and pending jobs created before staleBefore.
		ListStalled(ctx context.Context, staleBefore time.Time, limit int) ([]*model.BroadcastJob, error)

		// MaterializeAudience writes the ledger and fixes total_recipients. It is a no-op
		// for a job whose audience was already resolved.
		MaterializeAudience(ctx context.Context, id, token uuid.UUID, recipients []model.Recipient, now time.Time) (*model.BroadcastJob, error)
		FailJob(ctx context.Context, id, token uuid.UUID, reason string, now time.Time) (*model.BroadcastJob, error)

		NextPending(ctx context.Context, jobID uuid.UUID, limit int) ([]*model.RecipientRecord, error)
		ListRecipients(ctx context.Context, filter model.RecipientFilter) ([]*model.RecipientRecord, int, error)
		// RecordOutcome marks a pending recipient and bumps the job counters in one transaction.
		RecordOutcome(ctx context.Context, outcome model.DeliveryOutcome) error
		// Checkpoint refreshes the heartbeat while token holds the job and returns its current state.
		Checkpoint(ctx context.Context, id, token uuid.UUID, now time.Time) (*model.BroadcastJob, error)
		// Finalize moves a held job with no pending recipients to completed or failed.
		Finalize(ctx context.Context, id, token uuid.UUID, now time.Time) (*model.BroadcastJob, error)
		// RequeueFailed resets failed recipients to pending and reopens a failed job under token.
		// A job without failures is returned unchanged with zero requeued.
		RequeueFailed(ctx context.Context, id, token uuid.UUID, now time.Time) (*model.BroadcastJob, int, error)
		CancelJob(ctx context.Context, id uuid.UUID, now time.Time) (*model.BroadcastJob, error)
	}

	// AudienceRepository reads the identity store.
	AudienceRepository interface {
		ActiveSubscribers(ctx context.Context) ([]model.Subscriber, error)
		// SubscribersByPlans may return a user once per matching plan.
		SubscribersByPlans(ctx context.Context, plans []string) ([]model.Subscriber, error)
		ListPlans(ctx context.Context) ([]model.Plan, error)
	}

	NotificationRepository interface {
		Create(ctx context.Context, notification *model.UserNotification) error
		ListByUser(ctx context.Context, userID uuid.UUID, page model.Pagination) ([]*model.UserNotification, error)
	}

	AuditRepository interface {
		Create(ctx context.Context, log *model.AuditLog) error
		List(ctx context.Context, filter model.AuditLogFilter) ([]*model.AuditLog, error)
	}
)
