package messaging

import (
	"context"
)

// Topics used across the service.
const (
	TopicBroadcastTriggers = "broadcast.triggers"
	TopicBroadcastProgress = "broadcast.progress"
	TopicNotifications     = "notifications"
)

// Broker defines the interface for message brokers
type Broker interface {
	Publish(ctx context.Context, channel string, message interface{}) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	Close() error
}

// Publisher defines the interface for publishing messages
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) error
}

type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}
