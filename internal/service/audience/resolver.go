package audience

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/carouselio/broadcast-api/internal/model"
	"github.com/carouselio/broadcast-api/internal/repository"
)

// ErrIdentityStore means the identity store could not be read. The job fails as a whole.
var ErrIdentityStore = errors.New("identity store unavailable")

// Target is who a job is addressed to.
type Target struct {
	AllUsers bool
	Plans    []string
}

type Resolver interface {
	Resolve(ctx context.Context, channel model.Channel, target Target) ([]model.Recipient, error)
}

type resolver struct {
	repo repository.AudienceRepository
}

func NewResolver(repo repository.AudienceRepository) Resolver {
	return &resolver{repo: repo}
}

// Resolve returns the deduplicated recipients for target, addressed for channel:
// user ids for notifications, lowercased emails for email. Plans combine with OR.
func (r *resolver) Resolve(ctx context.Context, channel model.Channel, target Target) ([]model.Recipient, error) {
	var (
		subs []model.Subscriber
		err  error
	)
	switch {
	case target.AllUsers:
		subs, err = r.repo.ActiveSubscribers(ctx)
	case len(target.Plans) > 0:
		subs, err = r.repo.SubscribersByPlans(ctx, target.Plans)
	default:
		return nil, fmt.Errorf("target has neither all users nor plans")
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIdentityStore, err)
	}

	seen := make(map[string]struct{}, len(subs))
	out := make([]model.Recipient, 0, len(subs))
	for _, sub := range subs {
		addr, ok := address(channel, sub)
		if !ok {
			continue
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		locale := sub.Locale
		if locale == "" {
			locale = model.DefaultLocale
		}
		out = append(out, model.Recipient{Address: addr, Locale: locale})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

func address(channel model.Channel, sub model.Subscriber) (string, bool) {
	switch channel {
	case model.ChannelEmail:
		email := strings.ToLower(strings.TrimSpace(sub.Email))
		return email, email != ""
	case model.ChannelNotification:
		if sub.UserID == uuid.Nil {
			return "", false
		}
		return sub.UserID.String(), true
	}
	return "", false
}
