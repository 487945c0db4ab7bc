package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/carouselio/broadcast-api/internal/model"
	"github.com/carouselio/broadcast-api/internal/repository"
	"github.com/carouselio/broadcast-api/pkg/metrics"
)

const jobColumns = `id, channel, target_all_users, target_plans, payload, batch_size, batch_delay_ms,
	status, total_recipients, processed_count, success_count, failed_count, last_error, created_by,
	created_at, updated_at, started_at, heartbeat_at, audience_resolved_at, completed_at, run_token`

const recipientColumns = `id, job_id, address, locale, status, error_message, attempt_count, attempted_at, created_at`

type broadcastRepository struct {
	BaseRepository
	metrics *metrics.Metrics
}

func NewBroadcastRepository(base BaseRepository, m *metrics.Metrics) repository.BroadcastRepository {
	return &broadcastRepository{BaseRepository: base, metrics: m}
}

func (r *broadcastRepository) observe(op string, err error) {
	if r.metrics == nil {
		return
	}
	status := "success"
	if err != nil && !errors.Is(err, repository.ErrNotFound) && !errors.Is(err, repository.ErrStatusConflict) {
		status = "error"
	}
	r.metrics.DatabaseOperations.WithLabelValues(op, status).Inc()
}

func (r *broadcastRepository) CreateJob(ctx context.Context, job *model.BroadcastJob) (err error) {
	defer func() { r.observe("create_job", err) }()
	if job == nil {
		return fmt.Errorf("job cannot be nil")
	}

	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	job.UpdatedAt = job.CreatedAt
	if job.Status == "" {
		job.Status = model.JobStatusPending
	}
	if job.TargetPlans == nil {
		job.TargetPlans = pq.StringArray{}
	}

	query := `
		INSERT INTO broadcast_jobs (
			id, channel, target_all_users, target_plans, payload, batch_size, batch_delay_ms,
			status, created_by, created_at, updated_at
		) VALUES (
			:id, :channel, :target_all_users, :target_plans, :payload, :batch_size, :batch_delay_ms,
			:status, :created_by, :created_at, :updated_at
		)
	`
	if _, err := r.db.NamedExecContext(ctx, query, job); err != nil {
		return fmt.Errorf("failed to create broadcast job: %w", err)
	}
	return nil
}

func (r *broadcastRepository) GetJob(ctx context.Context, id uuid.UUID) (*model.BroadcastJob, error) {
	var job model.BroadcastJob
	err := r.db.GetContext(ctx, &job, `SELECT `+jobColumns+` FROM broadcast_jobs WHERE id = $1`, id)
	r.observe("get_job", err)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get broadcast job: %w", err)
	}
	return &job, nil
}

func (r *broadcastRepository) ListJobs(ctx context.Context, filter model.JobFilter) ([]*model.BroadcastJob, int, error) {
	baseQuery := `FROM broadcast_jobs WHERE 1=1`
	var args []interface{}

	if filter.Status != "" {
		args = append(args, filter.Status)
		baseQuery += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.Channel != "" {
		args = append(args, filter.Channel)
		baseQuery += fmt.Sprintf(" AND channel = $%d", len(args))
	}

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) "+baseQuery, args...); err != nil {
		r.observe("list_jobs", err)
		return nil, 0, fmt.Errorf("failed to count broadcast jobs: %w", err)
	}

	args = append(args, filter.Limit(), filter.Offset())
	query := "SELECT " + jobColumns + " " + baseQuery +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	var jobs []*model.BroadcastJob
	err := r.db.SelectContext(ctx, &jobs, query, args...)
	r.observe("list_jobs", err)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list broadcast jobs: %w", err)
	}
	return jobs, total, nil
}

func (r *broadcastRepository) ClaimPending(ctx context.Context, id, token uuid.UUID, now time.Time) (*model.BroadcastJob, error) {
	query := `
		UPDATE broadcast_jobs
		SET status = 'processing',
			run_token = $2,
			started_at = COALESCE(started_at, $3),
			heartbeat_at = $3,
			updated_at = $3
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + jobColumns
	return r.conditionalUpdate(ctx, "claim_pending", id, query, id, token, now)
}

func (r *broadcastRepository) ClaimStale(ctx context.Context, id uuid.UUID, staleBefore time.Time, token uuid.UUID, now time.Time) (*model.BroadcastJob, error) {
	query := `
		UPDATE broadcast_jobs
		SET run_token = $3, heartbeat_at = $4, updated_at = $4
		WHERE id = $1
		AND status = 'processing'
		AND (heartbeat_at IS NULL OR heartbeat_at < $2)
		RETURNING ` + jobColumns
	return r.conditionalUpdate(ctx, "claim_stale", id, query, id, staleBefore, token, now)
}

func (r *broadcastRepository) ClaimRun(ctx context.Context, id, expected, token uuid.UUID, now time.Time) (*model.BroadcastJob, error) {
	query := `
		UPDATE broadcast_jobs
		SET run_token = $3, heartbeat_at = $4, updated_at = $4
		WHERE id = $1 AND status = 'processing' AND run_token = $2
		RETURNING ` + jobColumns
	return r.conditionalUpdate(ctx, "claim_run", id, query, id, expected, token, now)
}

func (r *broadcastRepository) ListStalled(ctx context.Context, staleBefore time.Time, limit int) ([]*model.BroadcastJob, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM broadcast_jobs
		WHERE (status = 'processing' AND (heartbeat_at IS NULL OR heartbeat_at < $1))
		OR (status = 'pending' AND created_at < $1)
		ORDER BY created_at ASC
		LIMIT $2
	`
	var jobs []*model.BroadcastJob
	err := r.db.SelectContext(ctx, &jobs, query, staleBefore, limit)
	r.observe("list_stalled", err)
	if err != nil {
		return nil, fmt.Errorf("failed to list stalled jobs: %w", err)
	}
	return jobs, nil
}

func (r *broadcastRepository) MaterializeAudience(ctx context.Context, id, token uuid.UUID, recipients []model.Recipient, now time.Time) (*model.BroadcastJob, error) {
	var out model.BroadcastJob
	err := r.WithTx(ctx, func(tx *sqlx.Tx) error {
		job, err := lockJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if job.AudienceResolvedAt != nil {
			out = *job
			return nil
		}
		if !job.HeldBy(token) {
			return repository.ErrStatusConflict
		}

		if len(recipients) > 0 {
			ids := make(pq.StringArray, len(recipients))
			addresses := make(pq.StringArray, len(recipients))
			locales := make(pq.StringArray, len(recipients))
			for i, rc := range recipients {
				ids[i] = uuid.NewString()
				addresses[i] = rc.Address
				locales[i] = rc.Locale
				if locales[i] == "" {
					locales[i] = model.DefaultLocale
				}
			}
			insert := `
				INSERT INTO broadcast_recipients (id, job_id, address, locale, status, created_at)
				SELECT unnest($1::uuid[]), $2::uuid, unnest($3::text[]), unnest($4::text[]), 'pending', $5::timestamptz
				ON CONFLICT (job_id, address) DO NOTHING
			`
			if _, err := tx.ExecContext(ctx, insert, ids, id, addresses, locales, now); err != nil {
				return fmt.Errorf("failed to insert recipients: %w", err)
			}
		}

		update := `
			UPDATE broadcast_jobs
			SET total_recipients = (SELECT COUNT(*) FROM broadcast_recipients WHERE job_id = $1),
				audience_resolved_at = $2,
				heartbeat_at = $2,
				updated_at = $2
			WHERE id = $1
			RETURNING ` + jobColumns
		return tx.GetContext(ctx, &out, update, id, now)
	})
	r.observe("materialize_audience", err)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *broadcastRepository) FailJob(ctx context.Context, id, token uuid.UUID, reason string, now time.Time) (*model.BroadcastJob, error) {
	query := `
		UPDATE broadcast_jobs
		SET status = 'failed', last_error = $3, completed_at = $4, updated_at = $4
		WHERE id = $1 AND status = 'processing' AND run_token = $2
		RETURNING ` + jobColumns
	return r.conditionalUpdate(ctx, "fail_job", id, query, id, token, reason, now)
}

func (r *broadcastRepository) Checkpoint(ctx context.Context, id, token uuid.UUID, now time.Time) (*model.BroadcastJob, error) {
	query := `
		UPDATE broadcast_jobs
		SET heartbeat_at = $3, updated_at = $3
		WHERE id = $1 AND status = 'processing' AND run_token = $2
		RETURNING ` + jobColumns
	job, err := r.conditionalUpdate(ctx, "checkpoint", id, query, id, token, now)
	if errors.Is(err, repository.ErrStatusConflict) {
		// Cancelled or taken over: hand back the current state so the caller can stop.
		return r.GetJob(ctx, id)
	}
	return job, err
}

func (r *broadcastRepository) Finalize(ctx context.Context, id, token uuid.UUID, now time.Time) (*model.BroadcastJob, error) {
	query := `
		UPDATE broadcast_jobs
		SET status = CASE WHEN failed_count > 0 THEN 'failed' ELSE 'completed' END,
			completed_at = $3,
			updated_at = $3
		WHERE id = $1
		AND status = 'processing'
		AND run_token = $2
		AND NOT EXISTS (
			SELECT 1 FROM broadcast_recipients WHERE job_id = $1 AND status = 'pending'
		)
		RETURNING ` + jobColumns
	job, err := r.conditionalUpdate(ctx, "finalize", id, query, id, token, now)
	if errors.Is(err, repository.ErrStatusConflict) {
		current, getErr := r.GetJob(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return current, err
	}
	return job, err
}

func (r *broadcastRepository) RequeueFailed(ctx context.Context, id, token uuid.UUID, now time.Time) (*model.BroadcastJob, int, error) {
	var (
		out model.BroadcastJob
		n   int
	)
	err := r.WithTx(ctx, func(tx *sqlx.Tx) error {
		job, err := lockJob(ctx, tx, id)
		if err != nil {
			return err
		}
		out = *job
		if job.Status == model.JobStatusProcessing {
			return repository.ErrStatusConflict
		}
		if job.FailedCount == 0 {
			return nil
		}
		if job.Status != model.JobStatusFailed {
			return repository.ErrStatusConflict
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE broadcast_recipients
			SET status = 'pending', error_message = NULL
			WHERE job_id = $1 AND status = 'failed'
		`, id)
		if err != nil {
			return fmt.Errorf("failed to requeue recipients: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		n = int(affected)

		update := `
			UPDATE broadcast_jobs
			SET status = 'processing',
				processed_count = processed_count - $2,
				failed_count = failed_count - $2,
				last_error = NULL,
				completed_at = NULL,
				run_token = $3,
				heartbeat_at = $4,
				updated_at = $4
			WHERE id = $1
			RETURNING ` + jobColumns
		return tx.GetContext(ctx, &out, update, id, n, token, now)
	})
	r.observe("requeue_failed", err)
	if err != nil {
		if errors.Is(err, repository.ErrStatusConflict) {
			return &out, 0, err
		}
		return nil, 0, err
	}
	return &out, n, nil
}

func (r *broadcastRepository) CancelJob(ctx context.Context, id uuid.UUID, now time.Time) (*model.BroadcastJob, error) {
	query := `
		UPDATE broadcast_jobs
		SET status = 'cancelled', completed_at = $2, updated_at = $2
		WHERE id = $1 AND status IN ('pending', 'processing')
		RETURNING ` + jobColumns
	job, err := r.conditionalUpdate(ctx, "cancel_job", id, query, id, now)
	if errors.Is(err, repository.ErrStatusConflict) {
		current, getErr := r.GetJob(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return current, err
	}
	return job, err
}

// conditionalUpdate runs an UPDATE ... RETURNING and distinguishes a missing job
// from one that was not in the expected status.
func (r *broadcastRepository) conditionalUpdate(ctx context.Context, op string, id uuid.UUID, query string, args ...interface{}) (*model.BroadcastJob, error) {
	var job model.BroadcastJob
	err := r.db.GetContext(ctx, &job, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		err = r.missingOrConflict(ctx, r.db, "broadcast_jobs", id)
	}
	r.observe(op, err)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) || errors.Is(err, repository.ErrStatusConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to %s: %w", strings.ReplaceAll(op, "_", " "), err)
	}
	return &job, nil
}

func (r *broadcastRepository) missingOrConflict(ctx context.Context, q sqlx.QueryerContext, table string, id uuid.UUID) error {
	var exists bool
	if err := sqlx.GetContext(ctx, q, &exists, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id); err != nil {
		return err
	}
	if !exists {
		return repository.ErrNotFound
	}
	return repository.ErrStatusConflict
}

func lockJob(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) (*model.BroadcastJob, error) {
	var job model.BroadcastJob
	err := tx.GetContext(ctx, &job, `SELECT `+jobColumns+` FROM broadcast_jobs WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock broadcast job: %w", err)
	}
	return &job, nil
}
