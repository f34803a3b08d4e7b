// Package realtime fans notification payloads out to per-user channels.
//
// Delivery is at-most-once and non-durable: a payload published to a channel with no
// subscriber is dropped.
package realtime

import (
	"context"
	"errors"
	"strings"
)

var ErrClosed = errors.New("realtime broker closed")

// Publisher is the "publish to a user's channel" primitive handed to the notification dispatcher.
type Publisher interface {
	Publish(ctx context.Context, userID string, payload []byte) error
}

type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

// Broker is a Publisher that sessions can also subscribe to.
type Broker interface {
	Publisher
	Subscribe(ctx context.Context, userID string) (Subscription, error)
	Close() error
}

// Channel names the logical channel of a user.
func Channel(userID string) string {
	return "user-" + strings.TrimSpace(userID)
}
