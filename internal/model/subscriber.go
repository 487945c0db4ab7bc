package model

import (
	"time"

	"github.com/google/uuid"
)

// Subscriber is a recipient identity as read from the identity store.
type Subscriber struct {
	UserID uuid.UUID `db:"user_id" json:"user_id"`
	Email  string    `db:"email" json:"email"`
	Locale string    `db:"locale" json:"locale"`
	PlanID string    `db:"plan_id" json:"plan_id,omitempty"`
}

// Recipient is a resolved, deduplicated delivery target for one channel.
type Recipient struct {
	Address string
	Locale  string
}

// Plan is a subscription tier.
type Plan struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Active    bool      `db:"active" json:"active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
