package channel

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/carouselio/broadcast-api/internal/service/notification"
)

// Notification delivers to a user's in-app inbox. The address is the user id.
type Notification struct {
	svc notification.Service
}

func NewNotification(svc notification.Service) *Notification {
	return &Notification{svc: svc}
}

func (n *Notification) Send(ctx context.Context, d Delivery) error {
	userID, err := uuid.Parse(d.Address)
	if err != nil {
		return fmt.Errorf("invalid user id %q: %w", d.Address, err)
	}
	content, locale, ok := d.Payload.For(d.Locale)
	if !ok {
		return ErrNoContent
	}
	jobID := d.JobID
	return n.svc.Deliver(ctx, userID, &jobID, locale, content)
}
