package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/carouselio/broadcast-api/internal/model"
	"github.com/carouselio/broadcast-api/internal/repository"
	"github.com/carouselio/broadcast-api/pkg/logger"
	"github.com/carouselio/broadcast-api/pkg/messaging"
)

const eventTypeInApp = "in_app_notification"

type Service interface {
	// Deliver stores an in-app notification for userID and pushes it to live clients.
	Deliver(ctx context.Context, userID uuid.UUID, jobID *uuid.UUID, locale string, content model.Content) error
}

type service struct {
	repo   repository.NotificationRepository
	broker messaging.Publisher
	log    *logger.Logger
}

// NewService wires the inbox store with an optional publisher; a nil broker
// skips the live push.
func NewService(repo repository.NotificationRepository, broker messaging.Publisher, log *logger.Logger) Service {
	if log == nil {
		log = logger.Nop()
	}
	return &service{
		repo:   repo,
		broker: broker,
		log:    log,
	}
}

func (s *service) Deliver(ctx context.Context, userID uuid.UUID, jobID *uuid.UUID, locale string, content model.Content) error {
	if userID == uuid.Nil {
		return fmt.Errorf("user ID is required")
	}
	if content.Title == "" || content.Message == "" {
		return fmt.Errorf("title and message are required")
	}

	n := &model.UserNotification{
		ID:        uuid.New(),
		UserID:    userID,
		JobID:     jobID,
		Title:     content.Title,
		Message:   content.Message,
		Locale:    locale,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.repo.Create(ctx, n); err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}

	if s.broker == nil {
		return nil
	}
	event := &model.NotificationEvent{
		ID:        n.ID,
		UserID:    n.UserID,
		Type:      eventTypeInApp,
		Title:     n.Title,
		Message:   n.Message,
		CreatedAt: n.CreatedAt,
	}
	// The inbox row is the delivery; a missed live push is picked up on the next inbox read.
	if err := s.broker.Publish(ctx, messaging.TopicNotifications, event); err != nil {
		s.log.Warn("failed to publish notification event", "user_id", userID.String(), "error", err.Error())
	}
	return nil
}
