package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type target struct {
	Channel string   `json:"channel" validate:"required,channel"`
	Plans   []string `json:"target_plans" validate:"dive,plan_tier"`
	Batch   int      `json:"batch_size" validate:"gt=0,max=1000"`
}

func TestValidate(t *testing.T) {
	v := New()

	assert.NoError(t, v.Validate(target{Channel: "email", Plans: []string{"pro", "team_2024"}, Batch: 20}))

	tests := []struct {
		name string
		in   target
		want string
	}{
		{"missing channel", target{Batch: 1}, "channel is required"},
		{"unknown channel", target{Channel: "sms", Batch: 1}, "channel must be notification or email"},
		{"bad plan", target{Channel: "email", Plans: []string{"Pro Plan"}, Batch: 1}, "contains an invalid plan id"},
		{"zero batch", target{Channel: "email"}, "batch_size must be greater than 0"},
		{"huge batch", target{Channel: "email", Batch: 5000}, "batch_size must not exceed 1000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.in)
			if assert.Error(t, err) {
				assert.Contains(t, err.Error(), tt.want)
			}
		})
	}
}

func TestValidateJoinsMessages(t *testing.T) {
	err := New().Validate(target{Channel: "fax"})
	if assert.Error(t, err) {
		assert.Contains(t, err.Error(), "; ")
	}
}
