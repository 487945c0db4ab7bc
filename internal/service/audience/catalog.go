package audience

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/carouselio/broadcast-api/internal/repository"
)

const plansKey = "plans"

// PlanCatalog answers which plan tiers exist, caching the identity store's plan list.
type PlanCatalog struct {
	repo  repository.AudienceRepository
	cache *cache.Cache
}

func NewPlanCatalog(repo repository.AudienceRepository, ttl time.Duration) *PlanCatalog {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &PlanCatalog{
		repo:  repo,
		cache: cache.New(ttl, 2*ttl),
	}
}

// Active returns the ids of active plans.
func (c *PlanCatalog) Active(ctx context.Context) (map[string]struct{}, error) {
	if cached, found := c.cache.Get(plansKey); found {
		return cached.(map[string]struct{}), nil
	}

	plans, err := c.repo.ListPlans(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIdentityStore, err)
	}
	active := make(map[string]struct{}, len(plans))
	for _, p := range plans {
		if p.Active {
			active[p.ID] = struct{}{}
		}
	}
	c.cache.Set(plansKey, active, cache.DefaultExpiration)
	return active, nil
}

// Unknown returns the ids in plans that are not active tiers, sorted.
func (c *PlanCatalog) Unknown(ctx context.Context, plans []string) ([]string, error) {
	active, err := c.Active(ctx)
	if err != nil {
		return nil, err
	}
	var unknown []string
	for _, p := range plans {
		if _, ok := active[p]; !ok {
			unknown = append(unknown, p)
		}
	}
	sort.Strings(unknown)
	return unknown, nil
}

// Invalidate drops the cached plan list.
func (c *PlanCatalog) Invalidate() {
	c.cache.Delete(plansKey)
}
