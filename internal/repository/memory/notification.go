package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carouselio/broadcast-api/internal/model"
	"github.com/carouselio/broadcast-api/internal/repository"
)

type notificationRepository struct {
	mu    sync.Mutex
	items []*model.UserNotification
}

func NewNotificationRepository() repository.NotificationRepository {
	return &notificationRepository{}
}

func (r *notificationRepository) Create(ctx context.Context, n *model.UserNotification) error {
	if n == nil {
		return fmt.Errorf("notification cannot be nil")
	}
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	cp := *n
	r.mu.Lock()
	r.items = append(r.items, &cp)
	r.mu.Unlock()
	return nil
}

func (r *notificationRepository) ListByUser(ctx context.Context, userID uuid.UUID, page model.Pagination) ([]*model.UserNotification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []*model.UserNotification
	for _, n := range r.items {
		if n.UserID == userID {
			cp := *n
			matched = append(matched, &cp)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	w := paginate(len(matched), page)
	return matched[w.start:w.end], nil
}
