package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/carouselio/broadcast-api/internal/model"
	"github.com/carouselio/broadcast-api/internal/repository"
)

func (r *broadcastRepository) NextPending(ctx context.Context, jobID uuid.UUID, limit int) ([]*model.RecipientRecord, error) {
	query := `
		SELECT ` + recipientColumns + `
		FROM broadcast_recipients
		WHERE job_id = $1 AND status = 'pending'
		ORDER BY address ASC
		LIMIT $2
	`
	var records []*model.RecipientRecord
	err := r.db.SelectContext(ctx, &records, query, jobID, limit)
	r.observe("next_pending", err)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pending recipients: %w", err)
	}
	return records, nil
}

func (r *broadcastRepository) ListRecipients(ctx context.Context, filter model.RecipientFilter) ([]*model.RecipientRecord, int, error) {
	baseQuery := `FROM broadcast_recipients WHERE job_id = $1`
	args := []interface{}{filter.JobID}
	if filter.Status != "" {
		args = append(args, filter.Status)
		baseQuery += fmt.Sprintf(" AND status = $%d", len(args))
	}

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) "+baseQuery, args...); err != nil {
		r.observe("list_recipients", err)
		return nil, 0, fmt.Errorf("failed to count recipients: %w", err)
	}

	args = append(args, filter.Limit(), filter.Offset())
	query := "SELECT " + recipientColumns + " " + baseQuery +
		fmt.Sprintf(" ORDER BY address ASC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	var records []*model.RecipientRecord
	err := r.db.SelectContext(ctx, &records, query, args...)
	r.observe("list_recipients", err)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list recipients: %w", err)
	}
	return records, total, nil
}

func (r *broadcastRepository) RecordOutcome(ctx context.Context, outcome model.DeliveryOutcome) error {
	var (
		sent, failed int
		errMsg       *string
	)
	switch outcome.Status {
	case model.RecipientStatusSent:
		sent = 1
	case model.RecipientStatusFailed:
		failed = 1
		msg := outcome.Error
		errMsg = &msg
	default:
		return fmt.Errorf("invalid delivery outcome status: %s", outcome.Status)
	}

	err := r.WithTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE broadcast_recipients
			SET status = $3,
				error_message = $4,
				attempted_at = $5,
				attempt_count = attempt_count + 1
			WHERE id = $1 AND job_id = $2 AND status = 'pending'
		`, outcome.RecipientID, outcome.JobID, outcome.Status, errMsg, outcome.AttemptedAt)
		if err != nil {
			return fmt.Errorf("failed to update recipient: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return r.missingOrConflict(ctx, tx, "broadcast_recipients", outcome.RecipientID)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE broadcast_jobs
			SET processed_count = processed_count + 1,
				success_count = success_count + $2,
				failed_count = failed_count + $3,
				updated_at = $4
			WHERE id = $1
		`, outcome.JobID, sent, failed, outcome.AttemptedAt)
		if err != nil {
			return fmt.Errorf("failed to update job counters: %w", err)
		}
		return nil
	})
	r.observe("record_outcome", err)
	if err != nil && !errors.Is(err, repository.ErrStatusConflict) && !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("failed to record delivery outcome: %w", err)
	}
	return err
}
