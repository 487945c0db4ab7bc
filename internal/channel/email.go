package channel

import (
	"context"

	"github.com/carouselio/broadcast-api/internal/email"
)

// Email delivers through the SMTP service. The address is the email address.
type Email struct {
	svc email.Service
}

func NewEmail(svc email.Service) *Email {
	return &Email{svc: svc}
}

func (e *Email) Send(ctx context.Context, d Delivery) error {
	content, _, ok := d.Payload.For(d.Locale)
	if !ok {
		return ErrNoContent
	}
	return e.svc.SendBroadcast(ctx, d.Address, content)
}
