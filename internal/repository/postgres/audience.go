package postgres

import (
	"context"
	"fmt"

	"github.com/lib/pq"

	"github.com/carouselio/broadcast-api/internal/model"
	"github.com/carouselio/broadcast-api/internal/repository"
)

type audienceRepository struct {
	BaseRepository
}

func NewAudienceRepository(base BaseRepository) repository.AudienceRepository {
	return &audienceRepository{base}
}

func (r *audienceRepository) ActiveSubscribers(ctx context.Context) ([]model.Subscriber, error) {
	query := `
		SELECT id AS user_id, email, locale, '' AS plan_id
		FROM users
		WHERE active = TRUE
		ORDER BY email ASC
	`
	var subs []model.Subscriber
	if err := r.db.SelectContext(ctx, &subs, query); err != nil {
		return nil, fmt.Errorf("failed to list active users: %w", err)
	}
	return subs, nil
}

func (r *audienceRepository) SubscribersByPlans(ctx context.Context, plans []string) ([]model.Subscriber, error) {
	query := `
		SELECT u.id AS user_id, u.email, u.locale, s.plan_id
		FROM users u
		JOIN subscriptions s ON s.user_id = u.id
		WHERE u.active = TRUE
		AND s.status = 'active'
		AND s.plan_id = ANY($1)
		ORDER BY u.email ASC, s.plan_id ASC
	`
	var subs []model.Subscriber
	if err := r.db.SelectContext(ctx, &subs, query, pq.Array(plans)); err != nil {
		return nil, fmt.Errorf("failed to list plan subscribers: %w", err)
	}
	return subs, nil
}

func (r *audienceRepository) ListPlans(ctx context.Context) ([]model.Plan, error) {
	var plans []model.Plan
	if err := r.db.SelectContext(ctx, &plans, `SELECT id, name, active, created_at FROM plans ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	return plans, nil
}
