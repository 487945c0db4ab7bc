package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carouselio/broadcast-api/internal/model"
	"github.com/carouselio/broadcast-api/pkg/messaging"
)

func TestLocalDispatcherRunsJobInBackground(t *testing.T) {
	h := newHarness(t)
	h.addUsers(3, "pro")
	job := h.createJob(t, model.ChannelEmail, 2, 0, "pro")

	d := NewLocalDispatcher(h.coord, nil)
	require.NoError(t, d.Dispatch(context.Background(), Trigger{JobID: job.ID, Kind: TriggerStart}))
	d.Wait()

	assert.Equal(t, model.JobStatusCompleted, h.job(t, job.ID).Status)

	d.Close()
	assert.Error(t, d.Dispatch(context.Background(), Trigger{JobID: job.ID, Kind: TriggerStart}))
}

func TestLocalDispatcherCloseStopsPass(t *testing.T) {
	h := newHarness(t)
	h.addUsers(3, "pro")
	job := h.createJob(t, model.ChannelEmail, 1, int(time.Hour/time.Millisecond), "pro")

	d := NewLocalDispatcher(h.coord, nil)
	require.NoError(t, d.Dispatch(context.Background(), Trigger{JobID: job.ID, Kind: TriggerStart}))
	require.Eventually(t, func() bool {
		current, err := h.repo.GetJob(context.Background(), job.ID)
		return err == nil && current.ProcessedCount == 1
	}, time.Second, 5*time.Millisecond)

	d.Close()
	got := h.job(t, job.ID)
	assert.Equal(t, model.JobStatusProcessing, got.Status)
	assert.Equal(t, 1, got.ProcessedCount)
}

func TestBrokerDispatcherPublishesTrigger(t *testing.T) {
	broker := messaging.NewInProcBroker()
	defer broker.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs, err := broker.Subscribe(ctx, messaging.TopicBroadcastTriggers)
	require.NoError(t, err)

	token := uuid.New()
	want := Trigger{JobID: uuid.New(), Kind: TriggerDrive, Token: &token}
	require.NoError(t, NewBrokerDispatcher(broker, "").Dispatch(ctx, want))

	select {
	case raw := <-msgs:
		var got Trigger
		require.NoError(t, json.Unmarshal(raw, &got))
		assert.Equal(t, want, got)
	case <-time.After(time.Second):
		t.Fatal("trigger not published")
	}
}

func TestTriggerValidate(t *testing.T) {
	assert.Error(t, Trigger{Kind: TriggerStart}.Validate())
	assert.Error(t, Trigger{JobID: uuid.New(), Kind: "explode"}.Validate())
	assert.Error(t, Trigger{JobID: uuid.New(), Kind: TriggerDrive}.Validate())
	assert.NoError(t, Trigger{JobID: uuid.New(), Kind: TriggerResume}.Validate())
}

type runnerFunc func(ctx context.Context, t Trigger) error

func (f runnerFunc) Run(ctx context.Context, t Trigger) error { return f(ctx, t) }

func TestLocalDispatcherCloseRacesDispatch(t *testing.T) {
	var running, afterClose atomic.Int32
	var closed atomic.Bool
	d := NewLocalDispatcher(runnerFunc(func(ctx context.Context, _ Trigger) error {
		if closed.Load() {
			afterClose.Add(1)
		}
		running.Add(1)
		defer running.Add(-1)
		<-ctx.Done()
		return ctx.Err()
	}), nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := d.Dispatch(context.Background(), Trigger{JobID: uuid.New(), Kind: TriggerStart})
			if err != nil {
				assert.ErrorIs(t, err, ErrDispatcherClosed)
			}
		}()
	}
	d.Close()
	closed.Store(true)
	assert.Zero(t, running.Load())
	wg.Wait()

	assert.ErrorIs(t, d.Dispatch(context.Background(), Trigger{JobID: uuid.New(), Kind: TriggerStart}), ErrDispatcherClosed)
	assert.Zero(t, afterClose.Load())
	assert.Zero(t, running.Load())
}
