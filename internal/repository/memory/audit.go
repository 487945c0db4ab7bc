package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carouselio/broadcast-api/internal/model"
	"github.com/carouselio/broadcast-api/internal/repository"
)

type auditRepository struct {
	mu   sync.Mutex
	logs []*model.AuditLog
}

func NewAuditRepository() repository.AuditRepository {
	return &auditRepository{}
}

func (r *auditRepository) Create(ctx context.Context, log *model.AuditLog) error {
	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	cp := *log
	r.mu.Lock()
	r.logs = append(r.logs, &cp)
	r.mu.Unlock()
	return nil
}

func (r *auditRepository) List(ctx context.Context, filter model.AuditLogFilter) ([]*model.AuditLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []*model.AuditLog
	for _, l := range r.logs {
		if filter.EntityType != "" && l.EntityType != filter.EntityType {
			continue
		}
		if filter.EntityID != uuid.Nil && l.EntityID != filter.EntityID {
			continue
		}
		if filter.Action != "" && l.Action != filter.Action {
			continue
		}
		if filter.StartTime != nil && l.CreatedAt.Before(*filter.StartTime) {
			continue
		}
		if filter.EndTime != nil && l.CreatedAt.After(*filter.EndTime) {
			continue
		}
		cp := *l
		matched = append(matched, &cp)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	w := paginate(len(matched), filter.Pagination)
	return matched[w.start:w.end], nil
}
