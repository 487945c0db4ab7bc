package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carouselio/broadcast-api/internal/service/broadcast"
	"github.com/carouselio/broadcast-api/pkg/logger"
	"github.com/carouselio/broadcast-api/pkg/messaging"
	"github.com/carouselio/broadcast-api/pkg/metrics"
)

// readyBroker closes ready once the consumer has subscribed.
type readyBroker struct {
	*messaging.InProcBroker
	ready chan struct{}
	once  sync.Once
}

func newReadyBroker() *readyBroker {
	return &readyBroker{InProcBroker: messaging.NewInProcBroker(), ready: make(chan struct{})}
}

func (b *readyBroker) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch, err := b.InProcBroker.Subscribe(ctx, channel)
	b.once.Do(func() { close(b.ready) })
	return ch, err
}

type fakeRunner struct {
	mu       sync.Mutex
	runs     map[uuid.UUID]int
	results  map[uuid.UUID][]error
	inFlight int32
	maxSeen  int32
	hold     time.Duration
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{runs: map[uuid.UUID]int{}, results: map[uuid.UUID][]error{}}
}

func (r *fakeRunner) Run(ctx context.Context, t broadcast.Trigger) error {
	n := atomic.AddInt32(&r.inFlight, 1)
	defer atomic.AddInt32(&r.inFlight, -1)
	for {
		seen := atomic.LoadInt32(&r.maxSeen)
		if n <= seen || atomic.CompareAndSwapInt32(&r.maxSeen, seen, n) {
			break
		}
	}
	if r.hold > 0 {
		time.Sleep(r.hold)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[t.JobID]++
	if queue := r.results[t.JobID]; len(queue) > 0 {
		err := queue[0]
		r.results[t.JobID] = queue[1:]
		return err
	}
	return nil
}

func (r *fakeRunner) count(id uuid.UUID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs[id]
}

func counter(t *testing.T, m *metrics.Metrics, kind, status string) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, m.TriggersConsumed.WithLabelValues(kind, status).Write(&out))
	return out.GetCounter().GetValue()
}

func startConsumer(t *testing.T, runner broadcast.Runner, cfg TriggerConsumerConfig, m *metrics.Metrics) (*readyBroker, context.CancelFunc, <-chan error) {
	t.Helper()
	broker := newReadyBroker()
	consumer, err := NewTriggerConsumer(broker, runner, cfg, logger.Nop(), m)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Start(ctx) }()
	select {
	case <-broker.ready:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer never subscribed")
	}
	return broker, cancel, done
}

func TestConsumerRunsTriggersAndRetriesTransientErrors(t *testing.T) {
	m := metrics.New("test")
	runner := newFakeRunner()
	flaky := uuid.New()
	steady := uuid.New()
	runner.results[flaky] = []error{errors.New("database is restarting")}

	broker, cancel, done := startConsumer(t, runner, TriggerConsumerConfig{
		Concurrency:   2,
		RetryAttempts: 3,
		RetryDelay:    10 * time.Millisecond,
	}, m)
	defer cancel()

	ctx := context.Background()
	require.NoError(t, broker.Publish(ctx, messaging.TopicBroadcastTriggers, broadcast.Trigger{JobID: flaky, Kind: broadcast.TriggerStart}))
	require.NoError(t, broker.Publish(ctx, messaging.TopicBroadcastTriggers, broadcast.Trigger{JobID: steady, Kind: broadcast.TriggerResume}))

	assert.Eventually(t, func() bool {
		return counter(t, m, "start", "success") == 1 && counter(t, m, "resume", "success") == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, runner.count(flaky))
	assert.Equal(t, 1, runner.count(steady))

	cancel()
	assert.NoError(t, <-done)
}

func TestConsumerDoesNotRetrySkippableErrors(t *testing.T) {
	m := metrics.New("test")
	runner := newFakeRunner()
	busy := uuid.New()
	runner.results[busy] = []error{fmt.Errorf("%w: %s", broadcast.ErrJobBusy, busy)}

	broker, cancel, _ := startConsumer(t, runner, TriggerConsumerConfig{
		Concurrency:   1,
		RetryAttempts: 5,
		RetryDelay:    time.Millisecond,
	}, m)
	defer cancel()

	token := uuid.New()
	require.NoError(t, broker.Publish(context.Background(), messaging.TopicBroadcastTriggers,
		broadcast.Trigger{JobID: busy, Kind: broadcast.TriggerDrive, Token: &token}))

	assert.Eventually(t, func() bool {
		return counter(t, m, "drive", "skipped") == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, runner.count(busy))
}

func TestConsumerDropsMalformedTriggers(t *testing.T) {
	m := metrics.New("test")
	runner := newFakeRunner()
	broker, cancel, _ := startConsumer(t, runner, TriggerConsumerConfig{Concurrency: 1, RetryAttempts: 1}, m)
	defer cancel()

	ctx := context.Background()
	require.NoError(t, broker.Publish(ctx, messaging.TopicBroadcastTriggers, map[string]string{"kind": "start"}))
	require.NoError(t, broker.Publish(ctx, messaging.TopicBroadcastTriggers, broadcast.Trigger{JobID: uuid.New(), Kind: broadcast.TriggerDrive}))

	assert.Eventually(t, func() bool {
		return counter(t, m, "unknown", "invalid") == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConsumerBoundsConcurrency(t *testing.T) {
	m := metrics.New("test")
	runner := newFakeRunner()
	runner.hold = 30 * time.Millisecond
	broker, cancel, _ := startConsumer(t, runner, TriggerConsumerConfig{Concurrency: 2, RetryAttempts: 1}, m)
	defer cancel()

	for i := 0; i < 6; i++ {
		require.NoError(t, broker.Publish(context.Background(), messaging.TopicBroadcastTriggers,
			broadcast.Trigger{JobID: uuid.New(), Kind: broadcast.TriggerStart}))
	}

	assert.Eventually(t, func() bool {
		return counter(t, m, "start", "success") == 6
	}, 3*time.Second, 10*time.Millisecond)
	assert.LessOrEqual(t, atomic.LoadInt32(&runner.maxSeen), int32(2))
}

func TestNewTriggerConsumerValidatesConfig(t *testing.T) {
	_, err := NewTriggerConsumer(messaging.NewInProcBroker(), newFakeRunner(), TriggerConsumerConfig{RetryAttempts: 1}, logger.Nop(), nil)
	assert.Error(t, err)
	_, err = NewTriggerConsumer(messaging.NewInProcBroker(), newFakeRunner(), TriggerConsumerConfig{Concurrency: 1}, logger.Nop(), nil)
	assert.Error(t, err)
}
