package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/carouselio/broadcast-api/internal/model"
	"github.com/carouselio/broadcast-api/internal/repository"
)

type Service struct {
	repo repository.AuditRepository
}

func NewService(repo repository.AuditRepository) *Service {
	return &Service{repo: repo}
}

type LogOptions struct {
	Changes   interface{}
	IPAddress string
	UserAgent string
}

// Log creates an audit log entry
func (s *Service) Log(ctx context.Context, actor model.Actor, action, entityType string, entityID uuid.UUID, opts *LogOptions) error {
	var changes json.RawMessage
	if opts != nil && opts.Changes != nil {
		raw, err := json.Marshal(opts.Changes)
		if err != nil {
			return err
		}
		changes = raw
	}

	ipAddress, userAgent := actor.IPAddress, actor.UserAgent
	if opts != nil && opts.IPAddress != "" {
		ipAddress = opts.IPAddress
	}
	if opts != nil && opts.UserAgent != "" {
		userAgent = opts.UserAgent
	}

	var userID *uuid.UUID
	if actor.ID != uuid.Nil {
		id := actor.ID
		userID = &id
	}

	log := &model.AuditLog{
		ID:         uuid.New(),
		UserID:     userID,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Changes:    changes,
		IPAddress:  ipAddress,
		UserAgent:  userAgent,
		CreatedAt:  time.Now().UTC(),
	}

	return s.repo.Create(ctx, log)
}

// ForEntity returns the newest entries for one entity first.
func (s *Service) ForEntity(ctx context.Context, entityType string, entityID uuid.UUID, page model.Pagination) ([]*model.AuditLog, error) {
	return s.repo.List(ctx, model.AuditLogFilter{
		EntityType: entityType,
		EntityID:   entityID,
		Pagination: page,
	})
}
