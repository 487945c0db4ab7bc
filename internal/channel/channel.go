// Package channel sends one broadcast message to one recipient. A job uses exactly
// one variant, picked from a closed Set by the job's channel.
package channel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/carouselio/broadcast-api/internal/model"
	"github.com/carouselio/broadcast-api/pkg/metrics"
)

var (
	ErrUnsupportedChannel = errors.New("unsupported channel")
	ErrSendTimeout        = errors.New("send timed out")
	ErrNoContent          = errors.New("payload has no content")
)

// Delivery is one message to one recipient.
type Delivery struct {
	JobID   uuid.UUID
	Address string
	Locale  string
	Payload model.Payload
}

// Sender delivers a single message. A nil error means the provider accepted it.
type Sender interface {
	Send(ctx context.Context, d Delivery) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, d Delivery) error

func (f SenderFunc) Send(ctx context.Context, d Delivery) error { return f(ctx, d) }

// Set holds one sender per channel variant.
type Set struct {
	Notification Sender
	Email        Sender
}

func (s Set) For(ch model.Channel) (Sender, error) {
	var sender Sender
	switch ch {
	case model.ChannelNotification:
		sender = s.Notification
	case model.ChannelEmail:
		sender = s.Email
	}
	if sender == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedChannel, ch)
	}
	return sender, nil
}

type GuardOptions struct {
	Channel model.Channel
	// Timeout bounds a single send. Zero disables it.
	Timeout time.Duration
	// PerSecond caps sends per second across all jobs. Zero means unlimited.
	PerSecond float64
	Metrics   *metrics.Metrics
}

// Guard wraps a sender with a shared rate limit, a bounded timeout and metrics.
// A send that outlives the timeout is reported as failed even if the underlying
// transport cannot be interrupted.
func Guard(next Sender, opts GuardOptions) Sender {
	g := &guarded{next: next, opts: opts}
	if opts.PerSecond > 0 {
		burst := int(opts.PerSecond)
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(opts.PerSecond), burst)
	}
	return g
}

type guarded struct {
	next    Sender
	opts    GuardOptions
	limiter *rate.Limiter
}

func (g *guarded) Send(ctx context.Context, d Delivery) error {
	// Throttling is not a delivery outcome: the timeout starts once a token is
	// granted, and an interrupted wait returns ctx.Err() without touching metrics.
	if err := g.wait(ctx); err != nil {
		return err
	}
	if g.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("sender panic: %v", r)
			}
		}()
		done <- g.next.Send(ctx, d)
	}()

	select {
	case err := <-done:
		return g.finish(start, err)
	case <-ctx.Done():
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s", ErrSendTimeout, g.opts.Timeout)
		}
		return g.finish(start, err)
	}
}

func (g *guarded) wait(ctx context.Context) error {
	if g.limiter == nil {
		return ctx.Err()
	}
	r := g.limiter.Reserve()
	delay := r.Delay()
	if delay == 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}

func (g *guarded) finish(start time.Time, err error) error {
	if g.opts.Metrics != nil {
		status := "sent"
		if err != nil {
			status = "failed"
		}
		ch := string(g.opts.Channel)
		g.opts.Metrics.DeliveriesTotal.WithLabelValues(ch, status).Inc()
		g.opts.Metrics.DeliveryLatency.WithLabelValues(ch).Observe(time.Since(start).Seconds())
	}
	return err
}
