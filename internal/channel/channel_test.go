package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carouselio/broadcast-api/internal/model"
	"github.com/carouselio/broadcast-api/internal/repository/memory"
	"github.com/carouselio/broadcast-api/internal/service/notification"
	"github.com/carouselio/broadcast-api/pkg/metrics"
)

func TestSetFor(t *testing.T) {
	noop := SenderFunc(func(context.Context, Delivery) error { return nil })
	set := Set{Notification: noop}

	s, err := set.For(model.ChannelNotification)
	require.NoError(t, err)
	assert.NotNil(t, s)

	_, err = set.For(model.ChannelEmail)
	assert.ErrorIs(t, err, ErrUnsupportedChannel)

	_, err = set.For(model.Channel("sms"))
	assert.ErrorIs(t, err, ErrUnsupportedChannel)
}

func TestGuardTimesOutStuckSender(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	stuck := SenderFunc(func(ctx context.Context, d Delivery) error {
		<-release
		return nil
	})

	g := Guard(stuck, GuardOptions{Channel: model.ChannelEmail, Timeout: 20 * time.Millisecond})
	start := time.Now()
	err := g.Send(context.Background(), Delivery{Address: "a@example.com"})

	assert.ErrorIs(t, err, ErrSendTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestGuardRecoversPanics(t *testing.T) {
	boom := SenderFunc(func(context.Context, Delivery) error { panic("provider sdk bug") })
	err := Guard(boom, GuardOptions{Channel: model.ChannelEmail}).Send(context.Background(), Delivery{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider sdk bug")
}

func TestGuardRecordsMetrics(t *testing.T) {
	m := metrics.New("test")
	calls := 0
	flaky := SenderFunc(func(context.Context, Delivery) error {
		calls++
		if calls == 2 {
			return errors.New("rejected")
		}
		return nil
	})
	g := Guard(flaky, GuardOptions{Channel: model.ChannelNotification, Metrics: m})

	assert.NoError(t, g.Send(context.Background(), Delivery{}))
	assert.Error(t, g.Send(context.Background(), Delivery{}))

	assert.Equal(t, 1.0, counterValue(t, m.DeliveriesTotal.WithLabelValues("notification", "sent")))
	assert.Equal(t, 1.0, counterValue(t, m.DeliveriesTotal.WithLabelValues("notification", "failed")))
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestGuardRateLimits(t *testing.T) {
	var mu sync.Mutex
	var stamps []time.Time
	rec := SenderFunc(func(context.Context, Delivery) error {
		mu.Lock()
		stamps = append(stamps, time.Now())
		mu.Unlock()
		return nil
	})
	g := Guard(rec, GuardOptions{Channel: model.ChannelEmail, PerSecond: 20})

	for i := 0; i < 25; i++ {
		require.NoError(t, g.Send(context.Background(), Delivery{}))
	}
	require.Len(t, stamps, 25)
	// Burst of 20, then 5 more at 20/s.
	assert.GreaterOrEqual(t, stamps[24].Sub(stamps[0]), 200*time.Millisecond)
}

type fakeEmail struct {
	to      string
	content model.Content
}

func (f *fakeEmail) SendCustom(ctx context.Context, to, subject, content string) error {
	return nil
}

func (f *fakeEmail) SendBroadcast(ctx context.Context, to string, c model.Content) error {
	f.to, f.content = to, c
	return nil
}

func TestEmailPicksRecipientLocale(t *testing.T) {
	svc := &fakeEmail{}
	e := NewEmail(svc)
	err := e.Send(context.Background(), Delivery{
		Address: "ana@example.com",
		Locale:  "pt",
		Payload: model.Payload{
			"en": {Subject: "News", Body: "b"},
			"pt": {Subject: "Novidades", Body: "c"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "ana@example.com", svc.to)
	assert.Equal(t, "Novidades", svc.content.Subject)

	assert.ErrorIs(t, e.Send(context.Background(), Delivery{Address: "x@example.com"}), ErrNoContent)
}

func TestNotificationDeliversToInbox(t *testing.T) {
	repo := memory.NewNotificationRepository()
	n := NewNotification(notification.NewService(repo, nil, nil))
	userID := uuid.New()

	err := n.Send(context.Background(), Delivery{
		JobID:   uuid.New(),
		Address: userID.String(),
		Locale:  "de",
		Payload: model.Payload{"en": {Title: "Hi", Message: "There"}},
	})
	require.NoError(t, err)

	inbox, err := repo.ListByUser(context.Background(), userID, model.Pagination{})
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, "en", inbox[0].Locale)

	err = n.Send(context.Background(), Delivery{Address: "not-a-uuid", Payload: model.Payload{"en": {Title: "t", Message: "m"}}})
	assert.Error(t, err)
}

func TestGuardThrottlingIsNotAFailure(t *testing.T) {
	m := metrics.New("test")
	var mu sync.Mutex
	reached := 0
	provider := SenderFunc(func(context.Context, Delivery) error {
		mu.Lock()
		reached++
		mu.Unlock()
		return nil
	})
	g := Guard(provider, GuardOptions{
		Channel:   model.ChannelEmail,
		Timeout:   100 * time.Millisecond,
		PerSecond: 4,
		Metrics:   m,
	})

	errs := make([]error, 8)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = g.Send(context.Background(), Delivery{Address: "a@example.com"})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 8, reached)
	assert.Equal(t, 8.0, counterValue(t, m.DeliveriesTotal.WithLabelValues("email", "sent")))
	assert.Zero(t, counterValue(t, m.DeliveriesTotal.WithLabelValues("email", "failed")))
}

func TestGuardThrottledSendHonoursCallerContext(t *testing.T) {
	m := metrics.New("test")
	calls := 0
	provider := SenderFunc(func(context.Context, Delivery) error {
		calls++
		return nil
	})
	g := Guard(provider, GuardOptions{Channel: model.ChannelEmail, PerSecond: 1, Metrics: m})
	require.NoError(t, g.Send(context.Background(), Delivery{}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := g.Send(ctx, Delivery{})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, calls)
	assert.Zero(t, counterValue(t, m.DeliveriesTotal.WithLabelValues("email", "failed")))
}
