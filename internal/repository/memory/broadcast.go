// Package memory implements the repositories in process. It mirrors the postgres
// semantics, including conditional status transitions, and backs dev mode and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carouselio/broadcast-api/internal/model"
	"github.com/carouselio/broadcast-api/internal/repository"
)

type broadcastRepository struct {
	mu         sync.Mutex
	jobs       map[uuid.UUID]*model.BroadcastJob
	recipients map[uuid.UUID][]*model.RecipientRecord
}

func NewBroadcastRepository() repository.BroadcastRepository {
	return &broadcastRepository{
		jobs:       make(map[uuid.UUID]*model.BroadcastJob),
		recipients: make(map[uuid.UUID][]*model.RecipientRecord),
	}
}

func (r *broadcastRepository) CreateJob(ctx context.Context, job *model.BroadcastJob) error {
	if job == nil {
		return fmt.Errorf("job cannot be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if _, exists := r.jobs[job.ID]; exists {
		return fmt.Errorf("failed to create broadcast job: duplicate id %s", job.ID)
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = job.CreatedAt
	if job.Status == "" {
		job.Status = model.JobStatusPending
	}
	r.jobs[job.ID] = job.Clone()
	return nil
}

func (r *broadcastRepository) GetJob(ctx context.Context, id uuid.UUID) (*model.BroadcastJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return job.Clone(), nil
}

func (r *broadcastRepository) ListJobs(ctx context.Context, filter model.JobFilter) ([]*model.BroadcastJob, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []*model.BroadcastJob
	for _, job := range r.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.Channel != "" && job.Channel != filter.Channel {
			continue
		}
		matched = append(matched, job)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	page := paginate(len(matched), filter.Pagination)
	out := make([]*model.BroadcastJob, 0, page.end-page.start)
	for _, job := range matched[page.start:page.end] {
		out = append(out, job.Clone())
	}
	return out, total, nil
}

func (r *broadcastRepository) ClaimPending(ctx context.Context, id, token uuid.UUID, now time.Time) (*model.BroadcastJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if job.Status != model.JobStatusPending {
		return nil, repository.ErrStatusConflict
	}
	job.Status = model.JobStatusProcessing
	job.StartedAt = &now
	job.HeartbeatAt = &now
	job.RunToken = &token
	job.UpdatedAt = now
	return job.Clone(), nil
}

func (r *broadcastRepository) ClaimStale(ctx context.Context, id uuid.UUID, staleBefore time.Time, token uuid.UUID, now time.Time) (*model.BroadcastJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if job.Status != model.JobStatusProcessing || !heartbeatBefore(job, staleBefore) {
		return nil, repository.ErrStatusConflict
	}
	job.HeartbeatAt = &now
	job.RunToken = &token
	job.UpdatedAt = now
	return job.Clone(), nil
}

func (r *broadcastRepository) ClaimRun(ctx context.Context, id, expected, token uuid.UUID, now time.Time) (*model.BroadcastJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if !job.HeldBy(expected) {
		return nil, repository.ErrStatusConflict
	}
	job.HeartbeatAt = &now
	job.RunToken = &token
	job.UpdatedAt = now
	return job.Clone(), nil
}

func (r *broadcastRepository) ListStalled(ctx context.Context, staleBefore time.Time, limit int) ([]*model.BroadcastJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*model.BroadcastJob
	for _, job := range r.jobs {
		switch {
		case job.Status == model.JobStatusProcessing && heartbeatBefore(job, staleBefore):
		case job.Status == model.JobStatusPending && job.CreatedAt.Before(staleBefore):
		default:
			continue
		}
		out = append(out, job.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *broadcastRepository) MaterializeAudience(ctx context.Context, id, token uuid.UUID, recipients []model.Recipient, now time.Time) (*model.BroadcastJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if job.AudienceResolvedAt != nil {
		return job.Clone(), nil
	}
	if !job.HeldBy(token) {
		return nil, repository.ErrStatusConflict
	}

	seen := make(map[string]struct{}, len(recipients))
	rows := make([]*model.RecipientRecord, 0, len(recipients))
	for _, rc := range recipients {
		if _, dup := seen[rc.Address]; dup {
			continue
		}
		seen[rc.Address] = struct{}{}
		rows = append(rows, &model.RecipientRecord{
			ID:        uuid.New(),
			JobID:     id,
			Address:   rc.Address,
			Locale:    rc.Locale,
			Status:    model.RecipientStatusPending,
			CreatedAt: now,
		})
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Address < rows[j].Address })

	r.recipients[id] = rows
	job.TotalRecipients = len(rows)
	job.AudienceResolvedAt = &now
	job.HeartbeatAt = &now
	job.UpdatedAt = now
	return job.Clone(), nil
}

func (r *broadcastRepository) FailJob(ctx context.Context, id, token uuid.UUID, reason string, now time.Time) (*model.BroadcastJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if !job.HeldBy(token) {
		return nil, repository.ErrStatusConflict
	}
	job.Status = model.JobStatusFailed
	job.LastError = &reason
	job.CompletedAt = &now
	job.UpdatedAt = now
	return job.Clone(), nil
}

func (r *broadcastRepository) NextPending(ctx context.Context, jobID uuid.UUID, limit int) ([]*model.RecipientRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*model.RecipientRecord
	for _, rec := range r.recipients[jobID] {
		if rec.Status != model.RecipientStatusPending {
			continue
		}
		out = append(out, rec.Clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *broadcastRepository) ListRecipients(ctx context.Context, filter model.RecipientFilter) ([]*model.RecipientRecord, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []*model.RecipientRecord
	for _, rec := range r.recipients[filter.JobID] {
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		matched = append(matched, rec)
	}

	page := paginate(len(matched), filter.Pagination)
	out := make([]*model.RecipientRecord, 0, page.end-page.start)
	for _, rec := range matched[page.start:page.end] {
		out = append(out, rec.Clone())
	}
	return out, len(matched), nil
}

func (r *broadcastRepository) RecordOutcome(ctx context.Context, outcome model.DeliveryOutcome) error {
	if outcome.Status != model.RecipientStatusSent && outcome.Status != model.RecipientStatusFailed {
		return fmt.Errorf("invalid delivery outcome status: %s", outcome.Status)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[outcome.JobID]
	if !ok {
		return repository.ErrNotFound
	}
	var rec *model.RecipientRecord
	for _, candidate := range r.recipients[outcome.JobID] {
		if candidate.ID == outcome.RecipientID {
			rec = candidate
			break
		}
	}
	if rec == nil {
		return repository.ErrNotFound
	}
	if rec.Status != model.RecipientStatusPending {
		return repository.ErrStatusConflict
	}

	at := outcome.AttemptedAt
	rec.Status = outcome.Status
	rec.AttemptedAt = &at
	rec.AttemptCount++
	rec.ErrorMessage = nil
	if outcome.Status == model.RecipientStatusFailed {
		msg := outcome.Error
		rec.ErrorMessage = &msg
		job.FailedCount++
	} else {
		job.SuccessCount++
	}
	job.ProcessedCount++
	job.UpdatedAt = at
	return nil
}

func (r *broadcastRepository) Checkpoint(ctx context.Context, id, token uuid.UUID, now time.Time) (*model.BroadcastJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if job.HeldBy(token) {
		job.HeartbeatAt = &now
		job.UpdatedAt = now
	}
	return job.Clone(), nil
}

func (r *broadcastRepository) Finalize(ctx context.Context, id, token uuid.UUID, now time.Time) (*model.BroadcastJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if !job.HeldBy(token) {
		return job.Clone(), repository.ErrStatusConflict
	}
	for _, rec := range r.recipients[id] {
		if rec.Status == model.RecipientStatusPending {
			return job.Clone(), repository.ErrStatusConflict
		}
	}

	job.Status = model.JobStatusCompleted
	if job.FailedCount > 0 {
		job.Status = model.JobStatusFailed
	}
	job.CompletedAt = &now
	job.UpdatedAt = now
	return job.Clone(), nil
}

func (r *broadcastRepository) RequeueFailed(ctx context.Context, id, token uuid.UUID, now time.Time) (*model.BroadcastJob, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, 0, repository.ErrNotFound
	}
	if job.Status == model.JobStatusProcessing {
		return job.Clone(), 0, repository.ErrStatusConflict
	}
	if job.FailedCount == 0 {
		return job.Clone(), 0, nil
	}
	if job.Status != model.JobStatusFailed {
		return job.Clone(), 0, repository.ErrStatusConflict
	}

	n := 0
	for _, rec := range r.recipients[id] {
		if rec.Status != model.RecipientStatusFailed {
			continue
		}
		rec.Status = model.RecipientStatusPending
		rec.ErrorMessage = nil
		n++
	}

	job.Status = model.JobStatusProcessing
	job.ProcessedCount -= n
	job.FailedCount -= n
	job.LastError = nil
	job.CompletedAt = nil
	job.HeartbeatAt = &now
	job.RunToken = &token
	job.UpdatedAt = now
	return job.Clone(), n, nil
}

func (r *broadcastRepository) CancelJob(ctx context.Context, id uuid.UUID, now time.Time) (*model.BroadcastJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if job.Status != model.JobStatusPending && job.Status != model.JobStatusProcessing {
		return job.Clone(), repository.ErrStatusConflict
	}
	job.Status = model.JobStatusCancelled
	job.CompletedAt = &now
	job.UpdatedAt = now
	return job.Clone(), nil
}

func heartbeatBefore(job *model.BroadcastJob, t time.Time) bool {
	return job.HeartbeatAt == nil || job.HeartbeatAt.Before(t)
}

type window struct{ start, end int }

func paginate(n int, p model.Pagination) window {
	p = p.Normalize()
	start := (p.Page - 1) * p.PageSize
	if start > n {
		start = n
	}
	end := start + p.PageSize
	if end > n {
		end = n
	}
	return window{start: start, end: end}
}
