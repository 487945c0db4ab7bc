package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carouselio/broadcast-api/internal/model"
)

type user struct {
	model.Subscriber
	active bool
	plans  []string
}

// AudienceRepository is a seeded in-process identity store.
type AudienceRepository struct {
	mu    sync.RWMutex
	users map[uuid.UUID]*user
	plans map[string]model.Plan
}

func NewAudienceRepository() *AudienceRepository {
	return &AudienceRepository{
		users: make(map[uuid.UUID]*user),
		plans: make(map[string]model.Plan),
	}
}

func (r *AudienceRepository) AddPlan(id, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plans[id] = model.Plan{ID: id, Name: name, Active: true, CreatedAt: time.Now().UTC()}
}

// AddSubscriber registers a user subscribed to plans. An inactive user is never resolved.
func (r *AudienceRepository) AddSubscriber(sub model.Subscriber, active bool, plans ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub.UserID == uuid.Nil {
		sub.UserID = uuid.New()
	}
	r.users[sub.UserID] = &user{Subscriber: sub, active: active, plans: plans}
}

func (r *AudienceRepository) ActiveSubscribers(ctx context.Context) ([]model.Subscriber, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.Subscriber, 0, len(r.users))
	for _, u := range r.users {
		if u.active {
			out = append(out, u.Subscriber)
		}
	}
	sortSubscribers(out)
	return out, nil
}

func (r *AudienceRepository) SubscribersByPlans(ctx context.Context, plans []string) ([]model.Subscriber, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	wanted := make(map[string]struct{}, len(plans))
	for _, p := range plans {
		wanted[p] = struct{}{}
	}

	var out []model.Subscriber
	for _, u := range r.users {
		if !u.active {
			continue
		}
		for _, p := range u.plans {
			if _, ok := wanted[p]; ok {
				sub := u.Subscriber
				sub.PlanID = p
				out = append(out, sub)
			}
		}
	}
	sortSubscribers(out)
	return out, nil
}

func (r *AudienceRepository) ListPlans(ctx context.Context) ([]model.Plan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.Plan, 0, len(r.plans))
	for _, p := range r.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func sortSubscribers(subs []model.Subscriber) {
	sort.Slice(subs, func(i, j int) bool {
		if subs[i].Email != subs[j].Email {
			return subs[i].Email < subs[j].Email
		}
		return subs[i].PlanID < subs[j].PlanID
	})
}
