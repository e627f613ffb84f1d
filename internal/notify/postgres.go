package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mailvault/mailvault/internal/models"
)

// channelName is the single NOTIFY channel all events flow through; the
// recipient filter is applied subscriber-side since Postgres channel names
// cannot carry arbitrary addresses.
const channelName = "mailvault_events"

const subscriberBuffer = 16

// PGNotifier implements Publisher and Subscriber over Postgres
// NOTIFY/LISTEN. Publish rides the shared connection pool; each subscriber
// holds its own listener connection.
type PGNotifier struct {
	db       *sql.DB
	conninfo string
}

func NewPGNotifier(db *sql.DB, conninfo string) *PGNotifier {
	return &PGNotifier{db: db, conninfo: conninfo}
}

func (p *PGNotifier) Publish(ctx context.Context, n models.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, channelName, string(payload)); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

func (p *PGNotifier) Subscribe(ctx context.Context, recipient string) (<-chan models.Notification, error) {
	listener := pq.NewListener(p.conninfo, 10*time.Second, time.Minute, func(_ pq.ListenerEventType, err error) {
		if err != nil {
			slog.Warn("notification listener event", "error", err)
		}
	})
	if err := listener.Listen(channelName); err != nil {
		listener.Close()
		return nil, fmt.Errorf("listen on %s: %w", channelName, err)
	}

	recipient = strings.ToLower(strings.TrimSpace(recipient))
	out := make(chan models.Notification, subscriberBuffer)

	go func() {
		defer close(out)
		defer listener.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-listener.Notify:
				if ev == nil {
					// Reconnect marker; events in between are lost, which
					// is within the at-most-once contract.
					continue
				}
				var n models.Notification
				if err := json.Unmarshal([]byte(ev.Extra), &n); err != nil {
					slog.Warn("dropping undecodable notification", "error", err)
					continue
				}
				if recipient != "" && !strings.EqualFold(n.Recipient, recipient) {
					continue
				}
				select {
				case out <- n:
				default:
					// Slow consumer; drop rather than block the listener.
				}
			}
		}
	}()

	return out, nil
}
