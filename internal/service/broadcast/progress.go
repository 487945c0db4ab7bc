package broadcast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/carouselio/broadcast-api/internal/model"
	"github.com/carouselio/broadcast-api/internal/repository"
)

// ProgressReporter reads job progress from the store, never from a running pass.
type ProgressReporter struct {
	repo repository.BroadcastRepository
}

func NewProgressReporter(repo repository.BroadcastRepository) *ProgressReporter {
	return &ProgressReporter{repo: repo}
}

func (p *ProgressReporter) Snapshot(ctx context.Context, id uuid.UUID) (model.Progress, error) {
	job, err := p.repo.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.Progress{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		return model.Progress{}, fmt.Errorf("failed to load job progress: %w", err)
	}
	return job.Progress(), nil
}

// Watch polls the job every interval and emits a snapshot whenever it changes.
// The first snapshot is emitted immediately. The channel closes after a terminal
// snapshot, when ctx is done, or when the store fails.
func (p *ProgressReporter) Watch(ctx context.Context, id uuid.UUID, interval time.Duration) (<-chan model.Progress, error) {
	first, err := p.Snapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = time.Second
	}

	out := make(chan model.Progress, 1)
	go func() {
		defer close(out)
		last := first
		if !p.emit(ctx, out, last) || last.Status.IsTerminal() {
			return
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			next, err := p.Snapshot(ctx, id)
			if err != nil {
				return
			}
			if !changed(last, next) {
				continue
			}
			last = next
			if !p.emit(ctx, out, last) || last.Status.IsTerminal() {
				return
			}
		}
	}()
	return out, nil
}

func (p *ProgressReporter) emit(ctx context.Context, out chan<- model.Progress, snap model.Progress) bool {
	select {
	case out <- snap:
		return true
	case <-ctx.Done():
		return false
	}
}

func changed(a, b model.Progress) bool {
	return a.Status != b.Status ||
		a.ProcessedCount != b.ProcessedCount ||
		a.TotalRecipients != b.TotalRecipients ||
		a.SuccessCount != b.SuccessCount ||
		a.FailedCount != b.FailedCount
}
