// Package store defines the persistence contracts for the mail store and
// the job queue. The mail store exclusively owns message and token state;
// the job store owns in-flight ingestion jobs.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mailvault/mailvault/internal/models"
)

// MessageStore persists encrypted messages and their blind search index.
// Implementations report missing rows with sql.ErrNoRows.
type MessageStore interface {
	// InsertEncryptedMessage writes the message row and all of its token
	// entries in a single transaction: both land or neither does. A second
	// insert with the same id is a no-op, which is what makes redelivered
	// queue jobs safe.
	InsertEncryptedMessage(ctx context.Context, msg *models.EncryptedMessage, tokens []models.TokenEntry) error

	GetMessageByID(ctx context.Context, id uuid.UUID) (*models.EncryptedMessage, error)

	// SearchMessages applies token and metadata predicates and returns one
	// page ordered by received_at descending with an id tie-break, plus the
	// total match count.
	SearchMessages(ctx context.Context, params models.SearchParams) ([]models.EncryptedMessage, int, error)

	SetMessageRead(ctx context.Context, id uuid.UUID, read bool) error

	// DeleteMessage destructively removes the message and its token entries.
	DeleteMessage(ctx context.Context, id uuid.UUID) error

	// CountMessages returns total and unread message counts.
	CountMessages(ctx context.Context) (total int, unread int, err error)
}

// JobStore is the durable hand-off queue between SMTP ingestion and the
// storage worker. Delivery is at-least-once: a claimed job that is neither
// acked nor nacked becomes claimable again once the visibility window
// elapses.
type JobStore interface {
	EnqueueJob(ctx context.Context, payload []byte, maxAttempts int) (*models.QueueJob, error)

	// ClaimNextJob returns the next available job, or nil when the queue is
	// empty. Claiming locks the job for the given visibility window.
	ClaimNextJob(ctx context.Context, visibility time.Duration) (*models.QueueJob, error)

	// AckJob removes the job from the fabric. Called only after a durable
	// write (or a deliberate poison-message stub).
	AckJob(ctx context.Context, jobID int64) error

	// NackJob returns the job to the queue for redelivery at nextAvailableAt.
	NackJob(ctx context.Context, jobID int64, nextAvailableAt time.Time, lastError string) error
}
