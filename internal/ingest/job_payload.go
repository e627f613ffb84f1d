package ingest

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobPayload is what one accepted SMTP transaction puts on the queue: the
// pre-generated message id, the envelope, and the raw MIME bytes. The id is
// fixed at ingestion time so redelivered jobs persist to the same row.
type JobPayload struct {
	MessageID  uuid.UUID `json:"message_id"`
	Sender     string    `json:"sender"`
	Recipient  string    `json:"recipient"`
	Raw        []byte    `json:"raw"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

func (p *JobPayload) Normalize() {
	p.Sender = strings.ToLower(strings.TrimSpace(p.Sender))
	p.Recipient = strings.ToLower(strings.TrimSpace(p.Recipient))
	if p.EnqueuedAt.IsZero() {
		p.EnqueuedAt = time.Now().UTC()
	}
}

// IsUsable reports whether the payload carries enough to persist anything at
// all. A payload without an id or recipient cannot even become a stub.
func (p JobPayload) IsUsable() bool {
	return p.MessageID != uuid.Nil && p.Recipient != ""
}
