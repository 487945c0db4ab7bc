package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/carouselio/broadcast-api/internal/channel"
	"github.com/carouselio/broadcast-api/internal/model"
	"github.com/carouselio/broadcast-api/internal/repository"
	"github.com/carouselio/broadcast-api/internal/repository/memory"
	"github.com/carouselio/broadcast-api/internal/service/audience"
	"github.com/carouselio/broadcast-api/pkg/metrics"
)

type sendCall struct {
	Address string
	Start   time.Time
	End     time.Time
}

// scriptedSender fails the addresses in fail and records every call.
type scriptedSender struct {
	mu    sync.Mutex
	fail  map[string]bool
	calls []sendCall
	delay time.Duration
	hook  func(d channel.Delivery)
}

func newScriptedSender() *scriptedSender {
	return &scriptedSender{fail: make(map[string]bool)}
}

func (s *scriptedSender) Send(ctx context.Context, d channel.Delivery) error {
	start := time.Now()
	s.mu.Lock()
	hook, delay, fail := s.hook, s.delay, s.fail[d.Address]
	s.mu.Unlock()

	if hook != nil {
		hook(d)
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	s.calls = append(s.calls, sendCall{Address: d.Address, Start: start, End: time.Now()})
	s.mu.Unlock()
	if fail {
		return fmt.Errorf("provider rejected %s", d.Address)
	}
	return nil
}

func (s *scriptedSender) setFail(addrs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = make(map[string]bool, len(addrs))
	for _, a := range addrs {
		s.fail[a] = true
	}
}

func (s *scriptedSender) callsFor(addr string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Address == addr {
			n++
		}
	}
	return n
}

func (s *scriptedSender) call(addr string) sendCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.calls {
		if c.Address == addr {
			return c
		}
	}
	return sendCall{}
}

func (s *scriptedSender) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// recordingDispatcher remembers triggers without running them.
type recordingDispatcher struct {
	mu       sync.Mutex
	triggers []Trigger
	err      error
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, t Trigger) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.triggers = append(d.triggers, t)
	return nil
}

func (d *recordingDispatcher) last() (Trigger, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.triggers) == 0 {
		return Trigger{}, false
	}
	return d.triggers[len(d.triggers)-1], true
}

type failingAudience struct{}

func (failingAudience) ActiveSubscribers(ctx context.Context) ([]model.Subscriber, error) {
	return nil, errors.New("connection refused")
}

func (failingAudience) SubscribersByPlans(ctx context.Context, plans []string) ([]model.Subscriber, error) {
	return nil, errors.New("connection refused")
}

func (failingAudience) ListPlans(ctx context.Context) ([]model.Plan, error) {
	return nil, errors.New("connection refused")
}

type harness struct {
	repo     repository.BroadcastRepository
	audience *memory.AudienceRepository
	sender   *scriptedSender
	metrics  *metrics.Metrics
	coord    *Coordinator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		repo:     memory.NewBroadcastRepository(),
		audience: memory.NewAudienceRepository(),
		sender:   newScriptedSender(),
		metrics:  metrics.New("test"),
	}
	h.audience.AddPlan("pro", "Pro")
	h.audience.AddPlan("team", "Team")
	h.coord = h.newCoordinator(CoordinatorOptions{})
	return h
}

func (h *harness) newCoordinator(opts CoordinatorOptions) *Coordinator {
	opts.Metrics = h.metrics
	return NewCoordinator(h.repo, audience.NewResolver(h.audience), channel.Set{
		Notification: h.sender,
		Email:        h.sender,
	}, opts)
}

// addUsers seeds n active users on plan and returns their email addresses in sorted order.
func (h *harness) addUsers(n int, plan string) []string {
	addrs := make([]string, 0, n)
	for i := 0; i < n; i++ {
		addr := fmt.Sprintf("user%03d@carousel.test", i)
		h.audience.AddSubscriber(model.Subscriber{Email: addr, Locale: "en"}, true, plan)
		addrs = append(addrs, addr)
	}
	return addrs
}

func (h *harness) createJob(t *testing.T, ch model.Channel, batchSize, delayMs int, plans ...string) *model.BroadcastJob {
	t.Helper()
	job := &model.BroadcastJob{
		Channel:        ch,
		TargetAllUsers: len(plans) == 0,
		TargetPlans:    plans,
		Payload: model.Payload{"en": {
			Title:   "New carousel templates",
			Message: "Turn your latest episode into slides",
			Subject: "New carousel templates",
			Body:    "Turn your latest episode into slides",
		}},
		BatchSize:    batchSize,
		BatchDelayMs: delayMs,
	}
	require.NoError(t, h.repo.CreateJob(context.Background(), job))
	return job
}

func (h *harness) job(t *testing.T, id uuid.UUID) *model.BroadcastJob {
	t.Helper()
	job, err := h.repo.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}
