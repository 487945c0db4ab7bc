package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/carouselio/broadcast-api/internal/channel"
	"github.com/carouselio/broadcast-api/internal/model"
	"github.com/carouselio/broadcast-api/internal/repository"
)

// BatchReport summarizes one dispatched group.
type BatchReport struct {
	Index    int
	Size     int
	Sent     int
	Failed   int
	Duration time.Duration
}

// pace sends pending recipients in groups of batch_size, sleeping batch_delay
// between groups. Before every group it checkpoints and stops once the job is
// no longer held by token, which covers cancellation and takeover.
func (c *Coordinator) pace(ctx context.Context, job *model.BroadcastJob, token uuid.UUID) error {
	sender, err := c.channels.For(job.Channel)
	if err != nil {
		failed, failErr := c.repo.FailJob(ctx, job.ID, token, err.Error(), c.opts.Now())
		if failErr == nil {
			c.finished(ctx, failed)
		}
		return err
	}

	for index := 0; ; index++ {
		batch, err := c.repo.NextPending(ctx, job.ID, job.BatchSize)
		if err != nil {
			return fmt.Errorf("failed to load next batch: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		if index > 0 {
			held, err := c.pause(ctx, job, token)
			if err != nil {
				return err
			}
			if !held {
				return nil
			}
		}
		job, err = c.repo.Checkpoint(ctx, job.ID, token, c.opts.Now())
		if err != nil {
			return fmt.Errorf("failed to checkpoint job: %w", err)
		}
		if !job.HeldBy(token) {
			c.stopped(job)
			return nil
		}

		report, err := c.dispatchBatch(ctx, job, sender, batch, index)
		if err != nil {
			return err
		}
		c.observeBatch(job, report)

		job, err = c.repo.Checkpoint(ctx, job.ID, token, c.opts.Now())
		if err != nil {
			return fmt.Errorf("failed to checkpoint job: %w", err)
		}
		c.publishProgress(ctx, job)
		if !job.HeldBy(token) {
			c.stopped(job)
			return nil
		}
	}

	done, err := c.repo.Finalize(ctx, job.ID, token, c.opts.Now())
	if err != nil {
		if errors.Is(err, repository.ErrStatusConflict) && done != nil && !done.HeldBy(token) {
			c.stopped(done)
			return nil
		}
		return fmt.Errorf("failed to finalize job: %w", err)
	}
	c.finished(ctx, done)
	return nil
}

// dispatchBatch sends every member of batch concurrently and records each
// outcome as it resolves. It returns once every member is sent or failed.
func (c *Coordinator) dispatchBatch(ctx context.Context, job *model.BroadcastJob, sender channel.Sender, batch []*model.RecipientRecord, index int) (BatchReport, error) {
	start := time.Now()
	limit := len(batch)
	if c.opts.MaxInFlight > 0 && limit > c.opts.MaxInFlight {
		limit = c.opts.MaxInFlight
	}

	var sent, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, rec := range batch {
		rec := rec
		g.Go(func() error {
			sendErr := safeSend(gctx, sender, channel.Delivery{
				JobID:   job.ID,
				Address: rec.Address,
				Locale:  rec.Locale,
				Payload: job.Payload,
			})
			if gctx.Err() != nil {
				// Shutting down: the row stays pending for the next pass.
				return nil
			}

			outcome := model.DeliveryOutcome{
				JobID:       job.ID,
				RecipientID: rec.ID,
				Status:      model.RecipientStatusSent,
				AttemptedAt: c.opts.Now(),
			}
			if sendErr != nil {
				outcome.Status = model.RecipientStatusFailed
				outcome.Error = sendErr.Error()
				c.log.Debug("Delivery failed", "job_id", job.ID.String(), "recipient", rec.Address, "error", sendErr.Error())
			}
			if err := c.repo.RecordOutcome(gctx, outcome); err != nil {
				if errors.Is(err, repository.ErrStatusConflict) {
					c.log.Warn("Recipient already resolved", "job_id", job.ID.String(), "recipient", rec.Address)
					return nil
				}
				return fmt.Errorf("failed to record outcome for %s: %w", rec.Address, err)
			}
			if sendErr != nil {
				failed.Add(1)
			} else {
				sent.Add(1)
			}
			return nil
		})
	}

	report := BatchReport{Index: index, Size: len(batch)}
	err := g.Wait()
	report.Sent = int(sent.Load())
	report.Failed = int(failed.Load())
	report.Duration = time.Since(start)
	if err == nil {
		err = ctx.Err()
	}
	return report, err
}

func (c *Coordinator) observeBatch(job *model.BroadcastJob, report BatchReport) {
	if c.opts.Metrics != nil {
		ch := string(job.Channel)
		c.opts.Metrics.BatchesTotal.WithLabelValues(ch).Inc()
		c.opts.Metrics.BatchDuration.WithLabelValues(ch).Observe(report.Duration.Seconds())
	}
	c.log.Info("Batch dispatched",
		"job_id", job.ID.String(),
		"batch", report.Index,
		"size", report.Size,
		"sent", report.Sent,
		"failed", report.Failed,
		"duration_ms", report.Duration.Milliseconds(),
	)
}

func (c *Coordinator) stopped(job *model.BroadcastJob) {
	if job.Status == model.JobStatusCancelled {
		c.log.Info("Broadcast job cancelled", "job_id", job.ID.String(), "processed", job.ProcessedCount)
		return
	}
	c.log.Warn("Broadcast job taken over by another driver", "job_id", job.ID.String(), "status", string(job.Status))
}

func safeSend(ctx context.Context, s channel.Sender, d channel.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sender panic: %v", r)
		}
	}()
	return s.Send(ctx, d)
}

// pause sleeps batch_delay in slices short enough to keep the heartbeat fresher
// than StaleAfter, so a long delay never looks like a dead driver. It reports
// false once the job is no longer held by token.
func (c *Coordinator) pause(ctx context.Context, job *model.BroadcastJob, token uuid.UUID) (bool, error) {
	remaining := job.BatchDelay()
	slice := c.opts.StaleAfter / 3
	if slice <= 0 {
		slice = remaining
	}
	for remaining > 0 {
		step := remaining
		if step > slice {
			step = slice
		}
		if err := sleep(ctx, step); err != nil {
			return false, err
		}
		remaining -= step
		if remaining <= 0 {
			break
		}
		current, err := c.repo.Checkpoint(ctx, job.ID, token, c.opts.Now())
		if err != nil {
			return false, fmt.Errorf("failed to checkpoint job: %w", err)
		}
		if !current.HeldBy(token) {
			c.stopped(current)
			return false, nil
		}
	}
	return true, ctx.Err()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
