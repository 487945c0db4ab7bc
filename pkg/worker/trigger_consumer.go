package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/carouselio/broadcast-api/internal/service/broadcast"
	"github.com/carouselio/broadcast-api/pkg/logger"
	"github.com/carouselio/broadcast-api/pkg/messaging"
	"github.com/carouselio/broadcast-api/pkg/metrics"
)

type TriggerConsumerConfig struct {
	Topic         string
	Concurrency   int
	RetryAttempts int
	RetryDelay    time.Duration
}

// TriggerConsumer runs the job triggers published by BrokerDispatcher.
type TriggerConsumer struct {
	broker  messaging.Broker
	runner  broadcast.Runner
	config  TriggerConsumerConfig
	logger  *logger.Logger
	metrics *metrics.Metrics
}

func NewTriggerConsumer(
	broker messaging.Broker,
	runner broadcast.Runner,
	config TriggerConsumerConfig,
	logger *logger.Logger,
	metrics *metrics.Metrics,
) (*TriggerConsumer, error) {
	if config.Topic == "" {
		config.Topic = messaging.TopicBroadcastTriggers
	}
	if config.Concurrency <= 0 {
		return nil, errors.New("concurrency must be greater than 0")
	}
	if config.RetryAttempts <= 0 {
		return nil, errors.New("retry attempts must be greater than 0")
	}
	if config.RetryDelay < 0 {
		return nil, errors.New("retry delay must not be negative")
	}

	return &TriggerConsumer{
		broker:  broker,
		runner:  runner,
		config:  config,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// Start consumes triggers until ctx is done or the subscription closes, then
// waits for the runs in flight. At most Concurrency jobs run at once.
func (p *TriggerConsumer) Start(ctx context.Context) error {
	messages, err := p.broker.Subscribe(ctx, p.config.Topic)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", p.config.Topic, err)
	}

	p.logger.Info("Starting trigger consumer", "topic", p.config.Topic, "concurrency", p.config.Concurrency)

	var g errgroup.Group
	g.SetLimit(p.config.Concurrency)
	defer func() {
		_ = g.Wait()
		p.logger.Info("Trigger consumer stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-messages:
			if !ok {
				return nil
			}
			t, err := decodeTrigger(raw)
			if err != nil {
				p.observe("unknown", "invalid")
				p.logger.Error(err, "Dropping malformed trigger")
				continue
			}
			g.Go(func() error {
				p.handle(ctx, t)
				return nil
			})
		}
	}
}

func (p *TriggerConsumer) handle(ctx context.Context, t broadcast.Trigger) {
	err := retry(ctx, p.config.RetryAttempts, p.config.RetryDelay, func() error {
		return p.runner.Run(ctx, t)
	})

	switch {
	case err == nil:
		p.observe(string(t.Kind), "success")
	case skippable(err):
		p.observe(string(t.Kind), "skipped")
		p.logger.Debug("Trigger skipped", "job_id", t.JobID.String(), "kind", string(t.Kind), "reason", err.Error())
	case ctx.Err() != nil:
		p.observe(string(t.Kind), "interrupted")
	default:
		p.observe(string(t.Kind), "error")
		p.logger.Error(err, "Failed to run trigger",
			"job_id", t.JobID.String(),
			"kind", string(t.Kind))
	}
}

func (p *TriggerConsumer) observe(kind, status string) {
	if p.metrics != nil {
		p.metrics.TriggersConsumed.WithLabelValues(kind, status).Inc()
	}
}

func decodeTrigger(raw []byte) (broadcast.Trigger, error) {
	var t broadcast.Trigger
	if err := json.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("failed to decode trigger: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, err
	}
	return t, nil
}

// skippable errors mean another driver owns the job or nothing is left to do.
// Retrying cannot change the outcome.
func skippable(err error) bool {
	return errors.Is(err, broadcast.ErrJobBusy) ||
		errors.Is(err, broadcast.ErrInvalidTransition) ||
		errors.Is(err, broadcast.ErrJobNotFound)
}

func retry(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil || skippable(err) {
			return err
		}
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return err
			case <-time.After(delay):
			}
		}
	}
	return err
}
