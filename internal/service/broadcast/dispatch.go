package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/carouselio/broadcast-api/pkg/logger"
	"github.com/carouselio/broadcast-api/pkg/messaging"
)

type TriggerKind string

const (
	// TriggerStart claims a pending job.
	TriggerStart TriggerKind = "start"
	// TriggerDrive continues a job reopened by reprocess. Token is the run token it was reopened under.
	TriggerDrive TriggerKind = "drive"
	// TriggerResume reclaims a processing job whose heartbeat went stale.
	TriggerResume TriggerKind = "resume"
)

// Trigger asks a worker to run a delivery pass for a job.
type Trigger struct {
	JobID uuid.UUID   `json:"job_id"`
	Kind  TriggerKind `json:"kind"`
	Token *uuid.UUID  `json:"token,omitempty"`
}

func (t Trigger) Validate() error {
	if t.JobID == uuid.Nil {
		return fmt.Errorf("trigger has no job id")
	}
	switch t.Kind {
	case TriggerStart, TriggerResume:
	case TriggerDrive:
		if t.Token == nil {
			return fmt.Errorf("drive trigger for job %s has no token", t.JobID)
		}
	default:
		return fmt.Errorf("unknown trigger kind %q", t.Kind)
	}
	return nil
}

// Runner executes a trigger. The Coordinator implements it.
type Runner interface {
	Run(ctx context.Context, t Trigger) error
}

// Dispatcher hands a trigger to whatever drives jobs. Dispatch returns once the
// trigger is accepted, never after the pass finishes.
type Dispatcher interface {
	Dispatch(ctx context.Context, t Trigger) error
}

// ErrDispatcherClosed is returned by Dispatch after Close.
var ErrDispatcherClosed = errors.New("dispatcher closed")

// LocalDispatcher runs triggers on goroutines of the current process.
type LocalDispatcher struct {
	runner Runner
	log    *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// mu orders wg.Add in Dispatch against Close.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewLocalDispatcher(runner Runner, log *logger.Logger) *LocalDispatcher {
	if log == nil {
		log = logger.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalDispatcher{runner: runner, log: log, ctx: ctx, cancel: cancel}
}

func (d *LocalDispatcher) Dispatch(_ context.Context, t Trigger) error {
	if err := t.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		if err := d.runner.Run(d.ctx, t); err != nil {
			d.log.Error(err, "Broadcast run failed", "job_id", t.JobID.String(), "kind", string(t.Kind))
		}
	}()
	return nil
}

// Close stops running passes at their next checkpoint and waits for them.
func (d *LocalDispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancel()
	d.wg.Wait()
}

// Wait blocks until every dispatched pass has returned.
func (d *LocalDispatcher) Wait() {
	d.wg.Wait()
}

// BrokerDispatcher publishes triggers for cmd/worker to consume.
type BrokerDispatcher struct {
	publisher messaging.Publisher
	topic     string
}

func NewBrokerDispatcher(publisher messaging.Publisher, topic string) *BrokerDispatcher {
	if topic == "" {
		topic = messaging.TopicBroadcastTriggers
	}
	return &BrokerDispatcher{publisher: publisher, topic: topic}
}

func (d *BrokerDispatcher) Dispatch(ctx context.Context, t Trigger) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if err := d.publisher.Publish(ctx, d.topic, t); err != nil {
		return fmt.Errorf("failed to publish trigger: %w", err)
	}
	return nil
}
