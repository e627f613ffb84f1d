// Package notify carries best-effort "new mail" events from ingestion to
// live subscribers. Delivery is fire-and-forget and lossy: an event
// published while nobody listens is gone, and subscribers only see events
// published after they subscribed. Nothing here is ever a durability layer.
package notify

import (
	"context"

	"github.com/mailvault/mailvault/internal/models"
)

// Publisher emits a notification. Implementations must be safe for
// concurrent use; errors are advisory and callers may drop them.
type Publisher interface {
	Publish(ctx context.Context, n models.Notification) error
}

// Subscriber delivers notifications for one recipient address. The returned
// channel is closed when ctx is cancelled. Events that arrive faster than
// the consumer drains them are dropped.
type Subscriber interface {
	Subscribe(ctx context.Context, recipient string) (<-chan models.Notification, error)
}

// NoopPublisher drops every event. Used in tests and when live updates are
// disabled.
type NoopPublisher struct{}

func (NoopPublisher) Publish(_ context.Context, _ models.Notification) error {
	return nil
}
