package broadcast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/carouselio/broadcast-api/internal/model"
	"github.com/carouselio/broadcast-api/internal/repository"
	"github.com/carouselio/broadcast-api/internal/service/audit"
	"github.com/carouselio/broadcast-api/pkg/logger"
	"github.com/carouselio/broadcast-api/pkg/validator"
)

// CreateJobRequest is the admin input for a new broadcast. Omitted pacing falls
// back to the channel default.
type CreateJobRequest struct {
	Channel        model.Channel `json:"channel" validate:"required,channel"`
	Payload        model.Payload `json:"payload" validate:"required,min=1"`
	TargetAllUsers bool          `json:"target_all_users"`
	TargetPlans    []string      `json:"target_plans" validate:"omitempty,max=50,dive,plan_tier"`
	BatchSize      *int          `json:"batch_size,omitempty" validate:"omitempty,gt=0,max=10000"`
	BatchDelayMs   *int          `json:"batch_delay_ms,omitempty" validate:"omitempty,gte=0,max=3600000"`
}

// Pacing is a channel's default batch size and delay.
type Pacing struct {
	BatchSize    int
	BatchDelayMs int
}

// PlanChecker reports which plan ids are not known tiers.
type PlanChecker interface {
	Unknown(ctx context.Context, plans []string) ([]string, error)
}

type TriggerResult string

const (
	TriggerDispatched TriggerResult = "dispatched"
	// TriggerNoop means the job is already finished.
	TriggerNoop TriggerResult = "noop"
)

// Service is the admin facade over the broadcast engine.
type Service interface {
	CreateJob(ctx context.Context, actor model.Actor, req CreateJobRequest) (*model.BroadcastJob, error)
	GetJob(ctx context.Context, id uuid.UUID) (*model.BroadcastJob, error)
	ListJobs(ctx context.Context, filter model.JobFilter) ([]*model.BroadcastJob, int, error)
	ListRecipients(ctx context.Context, filter model.RecipientFilter) ([]*model.RecipientRecord, int, error)
	Progress(ctx context.Context, id uuid.UUID) (model.Progress, error)
	WatchProgress(ctx context.Context, id uuid.UUID, interval time.Duration) (<-chan model.Progress, error)
	Trigger(ctx context.Context, actor model.Actor, id uuid.UUID) (*model.BroadcastJob, TriggerResult, error)
	Reprocess(ctx context.Context, actor model.Actor, id uuid.UUID) (*model.BroadcastJob, int, error)
	Cancel(ctx context.Context, actor model.Actor, id uuid.UUID) (*model.BroadcastJob, error)
	AuditTrail(ctx context.Context, id uuid.UUID, page model.Pagination) ([]*model.AuditLog, error)
}

type ServiceOptions struct {
	Defaults map[model.Channel]Pacing
	Logger   *logger.Logger
}

type service struct {
	repo       repository.BroadcastRepository
	plans      PlanChecker
	dispatcher Dispatcher
	retry      *RetryCoordinator
	progress   *ProgressReporter
	audit      *audit.Service
	validator  validator.Validator
	defaults   map[model.Channel]Pacing
	log        *logger.Logger
}

func NewService(
	repo repository.BroadcastRepository,
	plans PlanChecker,
	dispatcher Dispatcher,
	retry *RetryCoordinator,
	auditService *audit.Service,
	opts ServiceOptions,
) Service {
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	return &service{
		repo:       repo,
		plans:      plans,
		dispatcher: dispatcher,
		retry:      retry,
		progress:   NewProgressReporter(repo),
		audit:      auditService,
		validator:  validator.New(),
		defaults:   opts.Defaults,
		log:        opts.Logger,
	}
}

func (s *service) CreateJob(ctx context.Context, actor model.Actor, req CreateJobRequest) (*model.BroadcastJob, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if !req.TargetAllUsers && len(req.TargetPlans) == 0 {
		return nil, fmt.Errorf("%w: select target plans or all users", ErrValidation)
	}
	if err := req.Payload.Validate(req.Channel); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	plans := req.TargetPlans
	if req.TargetAllUsers {
		plans = nil
	}
	if len(plans) > 0 && s.plans != nil {
		unknown, err := s.plans.Unknown(ctx, plans)
		if err != nil {
			return nil, fmt.Errorf("failed to check target plans: %w", err)
		}
		if len(unknown) > 0 {
			return nil, fmt.Errorf("%w: unknown plans %v", ErrValidation, unknown)
		}
	}

	pacing := s.defaults[req.Channel]
	if req.BatchSize != nil {
		pacing.BatchSize = *req.BatchSize
	}
	if req.BatchDelayMs != nil {
		pacing.BatchDelayMs = *req.BatchDelayMs
	}
	if pacing.BatchSize <= 0 {
		return nil, fmt.Errorf("%w: batch_size must be greater than 0", ErrValidation)
	}
	if pacing.BatchDelayMs < 0 {
		return nil, fmt.Errorf("%w: batch_delay_ms must not be negative", ErrValidation)
	}

	job := &model.BroadcastJob{
		ID:             uuid.New(),
		Channel:        req.Channel,
		TargetAllUsers: req.TargetAllUsers,
		TargetPlans:    pq.StringArray(dedupe(plans)),
		Payload:        req.Payload,
		BatchSize:      pacing.BatchSize,
		BatchDelayMs:   pacing.BatchDelayMs,
		Status:         model.JobStatusPending,
		CreatedBy:      actor.Email,
	}
	if err := s.repo.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create broadcast job: %w", err)
	}
	s.record(ctx, actor, model.AuditActionCreate, job.ID, map[string]interface{}{
		"channel":          job.Channel,
		"target_all_users": job.TargetAllUsers,
		"target_plans":     job.TargetPlans,
		"batch_size":       job.BatchSize,
		"batch_delay_ms":   job.BatchDelayMs,
	})

	if err := s.dispatcher.Dispatch(ctx, Trigger{JobID: job.ID, Kind: TriggerStart}); err != nil {
		// The job stays pending; the sweeper dispatches it once it is older than stale_after.
		s.log.Warn("Failed to dispatch new broadcast job", "job_id", job.ID.String(), "error", err.Error())
	}
	return job, nil
}

func (s *service) GetJob(ctx context.Context, id uuid.UUID) (*model.BroadcastJob, error) {
	job, err := s.repo.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		return nil, fmt.Errorf("failed to get broadcast job: %w", err)
	}
	return job, nil
}

func (s *service) ListJobs(ctx context.Context, filter model.JobFilter) ([]*model.BroadcastJob, int, error) {
	if filter.Status != "" && !filter.Status.IsValid() {
		return nil, 0, fmt.Errorf("%w: unknown status %q", ErrValidation, filter.Status)
	}
	if filter.Channel != "" && !filter.Channel.IsValid() {
		return nil, 0, fmt.Errorf("%w: unknown channel %q", ErrValidation, filter.Channel)
	}
	filter.Pagination = filter.Pagination.Normalize()
	jobs, total, err := s.repo.ListJobs(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list broadcast jobs: %w", err)
	}
	return jobs, total, nil
}

func (s *service) ListRecipients(ctx context.Context, filter model.RecipientFilter) ([]*model.RecipientRecord, int, error) {
	if filter.Status != "" && !filter.Status.IsValid() {
		return nil, 0, fmt.Errorf("%w: unknown recipient status %q", ErrValidation, filter.Status)
	}
	if _, err := s.GetJob(ctx, filter.JobID); err != nil {
		return nil, 0, err
	}
	filter.Pagination = filter.Pagination.Normalize()
	records, total, err := s.repo.ListRecipients(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list recipients: %w", err)
	}
	return records, total, nil
}

func (s *service) Progress(ctx context.Context, id uuid.UUID) (model.Progress, error) {
	return s.progress.Snapshot(ctx, id)
}

func (s *service) WatchProgress(ctx context.Context, id uuid.UUID, interval time.Duration) (<-chan model.Progress, error) {
	return s.progress.Watch(ctx, id, interval)
}

// Trigger dispatches a start for a pending job. It is idempotent for finished
// jobs and rejects a job that is already processing.
func (s *service) Trigger(ctx context.Context, actor model.Actor, id uuid.UUID) (*model.BroadcastJob, TriggerResult, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, "", err
	}
	switch {
	case job.Status == model.JobStatusProcessing:
		return job, "", fmt.Errorf("%w: %s", ErrJobBusy, id)
	case job.Status.IsTerminal():
		return job, TriggerNoop, nil
	}

	if err := s.dispatcher.Dispatch(ctx, Trigger{JobID: id, Kind: TriggerStart}); err != nil {
		return nil, "", fmt.Errorf("failed to dispatch trigger: %w", err)
	}
	s.record(ctx, actor, model.AuditActionTrigger, id, nil)
	return job, TriggerDispatched, nil
}

func (s *service) Reprocess(ctx context.Context, actor model.Actor, id uuid.UUID) (*model.BroadcastJob, int, error) {
	job, n, err := s.retry.Reprocess(ctx, id)
	if err != nil {
		return job, 0, err
	}
	if n > 0 {
		s.record(ctx, actor, model.AuditActionReprocess, id, map[string]interface{}{"requeued": n})
	}
	return job, n, nil
}

func (s *service) Cancel(ctx context.Context, actor model.Actor, id uuid.UUID) (*model.BroadcastJob, error) {
	job, err := s.repo.CancelJob(ctx, id, time.Now().UTC())
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
		case errors.Is(err, repository.ErrStatusConflict):
			status := model.JobStatus("unknown")
			if job != nil {
				status = job.Status
			}
			return job, fmt.Errorf("%w: cannot cancel a %s job", ErrInvalidTransition, status)
		}
		return nil, fmt.Errorf("failed to cancel broadcast job: %w", err)
	}
	s.record(ctx, actor, model.AuditActionCancel, id, map[string]interface{}{"processed_count": job.ProcessedCount})
	return job, nil
}

func (s *service) AuditTrail(ctx context.Context, id uuid.UUID, page model.Pagination) ([]*model.AuditLog, error) {
	if _, err := s.GetJob(ctx, id); err != nil {
		return nil, err
	}
	if s.audit == nil {
		return []*model.AuditLog{}, nil
	}
	logs, err := s.audit.ForEntity(ctx, model.AuditEntityBroadcastJob, id, page)
	if err != nil {
		return nil, fmt.Errorf("failed to load audit trail: %w", err)
	}
	return logs, nil
}

// record writes an audit entry. Audit failures never fail the admin action.
func (s *service) record(ctx context.Context, actor model.Actor, action string, id uuid.UUID, changes map[string]interface{}) {
	if s.audit == nil {
		return
	}
	var opts *audit.LogOptions
	if changes != nil {
		opts = &audit.LogOptions{Changes: changes}
	}
	if err := s.audit.Log(ctx, actor, action, model.AuditEntityBroadcastJob, id, opts); err != nil {
		s.log.Warn("Failed to write audit log", "job_id", id.String(), "action", action, "error", err.Error())
	}
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
