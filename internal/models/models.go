package models

import (
	"time"

	"github.com/google/uuid"
)

// Message is the decrypted view of a captured email. Subject, bodies and
// attachment metadata exist only transiently in this form; at rest they are
// held as ciphertext in EncryptedMessage.
type Message struct {
	ID          uuid.UUID
	Sender      string
	Recipient   string
	ReceivedAt  time.Time
	SizeBytes   int64
	IsRead      bool
	Tags        []string
	Subject     string
	TextBody    string
	HTMLBody    string
	Attachments []AttachmentMeta
}

// AttachmentMeta describes an attachment without carrying its content.
type AttachmentMeta struct {
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
}

// EncryptedMessage is the persisted shape of a message. Envelope fields and
// mutable flags are plaintext columns; content fields are ciphertext blobs
// that are written once and never partially updated.
type EncryptedMessage struct {
	ID             uuid.UUID
	Sender         string
	Recipient      string
	ReceivedAt     time.Time
	SizeBytes      int64
	IsRead         bool
	Tags           []string
	SubjectEnc     []byte
	TextBodyEnc    []byte
	HTMLBodyEnc    []byte
	AttachmentsEnc []byte
}

// TokenEntry maps a blind-index token hash to the owning message.
type TokenEntry struct {
	TokenHash string
	Source    string
}

// MessageSummary is the list-view projection returned by search.
type MessageSummary struct {
	ID          uuid.UUID `json:"id"`
	Sender      string    `json:"sender"`
	Recipient   string    `json:"recipient"`
	ReceivedAt  time.Time `json:"received_at"`
	SizeBytes   int64     `json:"size_bytes"`
	IsRead      bool      `json:"is_read"`
	Tags        []string  `json:"tags"`
	Subject     string    `json:"subject"`
	BodySnippet string    `json:"body_snippet"`
}

// MessagePage is one page of search results with pagination totals.
type MessagePage struct {
	Items      []MessageSummary `json:"items"`
	TotalItems int              `json:"total_items"`
	TotalPages int              `json:"total_pages"`
	Page       int              `json:"page"`
	PageSize   int              `json:"page_size"`
}

// SearchParams are the store-level predicates a search expression compiles
// to. Each element of TokenGroups is a set of acceptable token hashes for a
// single term; a message must match at least one hash from every group.
type SearchParams struct {
	TokenGroups [][]string
	Sender      string
	Recipient   string
	IsRead      *bool
	Since       *time.Time
	Until       *time.Time
	Limit       int
	Offset      int
}

// QueueJob is an in-flight ingestion job owned by the queue fabric. A job is
// removed on ack; one left locked beyond the visibility window is redelivered.
type QueueJob struct {
	ID          int64
	Payload     []byte
	Attempts    int
	MaxAttempts int
	AvailableAt time.Time
	LockedAt    *time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Notification is the best-effort live-update event published when a message
// is accepted. It has no persistence and is lost if nobody is subscribed.
type Notification struct {
	MessageID  uuid.UUID `json:"message_id"`
	Sender     string    `json:"sender"`
	Recipient  string    `json:"recipient"`
	Subject    string    `json:"subject"`
	ReceivedAt time.Time `json:"received_at"`
}
