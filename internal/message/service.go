// Package message is the application service over captured mail: accepting
// raw messages into the queue, searching, reading and deleting them.
package message

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mailvault/mailvault/internal/crypto"
	"github.com/mailvault/mailvault/internal/index"
	"github.com/mailvault/mailvault/internal/ingest"
	"github.com/mailvault/mailvault/internal/models"
	"github.com/mailvault/mailvault/internal/notify"
	"github.com/mailvault/mailvault/internal/search"
	"github.com/mailvault/mailvault/internal/store"
)

// ErrNotFound is returned when a message id does not exist.
var ErrNotFound = errors.New("message not found")

const (
	defaultPageSize = 20
	maxPageSize     = 100
	snippetRunes    = 100
)

// Service provides message business logic. Submit is the write path used by
// SMTP ingestion; the remaining methods back the admin API.
type Service struct {
	messages    store.MessageStore
	jobs        store.JobStore
	tokenizer   *index.Tokenizer
	codec       *crypto.Codec
	publisher   notify.Publisher
	maxAttempts int
}

func NewService(messages store.MessageStore, jobs store.JobStore, tokenizer *index.Tokenizer, codec *crypto.Codec, publisher notify.Publisher, maxAttempts int) *Service {
	if publisher == nil {
		publisher = notify.NoopPublisher{}
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Service{
		messages:    messages,
		jobs:        jobs,
		tokenizer:   tokenizer,
		codec:       codec,
		publisher:   publisher,
		maxAttempts: maxAttempts,
	}
}

// Submit accepts one raw message for the given envelope and enqueues it for
// the storage worker. The message id is generated here, before the queue
// write, so redelivered jobs converge on the same row. Success means the job
// is durable, not that the message is stored yet.
//
// Notification is fire-and-forget: errors are logged but not returned.
func (s *Service) Submit(ctx context.Context, sender, recipient string, raw []byte) (uuid.UUID, error) {
	payload := ingest.JobPayload{
		MessageID:  uuid.New(),
		Sender:     sender,
		Recipient:  recipient,
		Raw:        raw,
		EnqueuedAt: time.Now().UTC(),
	}
	payload.Normalize()
	if !payload.IsUsable() {
		return uuid.Nil, ingest.ErrPayloadUnusable
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("encoding job payload: %w", err)
	}
	if _, err := s.jobs.EnqueueJob(ctx, encoded, s.maxAttempts); err != nil {
		return uuid.Nil, fmt.Errorf("enqueueing message: %w", err)
	}

	go func() {
		notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		parsed := ingest.ParseRaw(payload.Raw)
		notification := models.Notification{
			MessageID:  payload.MessageID,
			Sender:     payload.Sender,
			Recipient:  payload.Recipient,
			Subject:    parsed.Subject,
			ReceivedAt: payload.EnqueuedAt,
		}
		if notifyErr := s.publisher.Publish(notifyCtx, notification); notifyErr != nil {
			slog.Error("failed to publish new-message notification",
				"message_id", payload.MessageID,
				"recipient", payload.Recipient,
				"error", notifyErr,
			)
		}
	}()

	return payload.MessageID, nil
}

// Query runs a search expression and returns one page of decrypted
// summaries. An empty expression lists everything, newest first.
func (s *Service) Query(ctx context.Context, expression string, page, pageSize int) (*models.MessagePage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	params := s.compile(search.Parse(expression))
	params.Limit = pageSize
	params.Offset = (page - 1) * pageSize

	rows, total, err := s.messages.SearchMessages(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("searching messages: %w", err)
	}

	items := make([]models.MessageSummary, 0, len(rows))
	for i := range rows {
		summary, err := s.summarize(&rows[i])
		if err != nil {
			// One undecryptable row must not take down the whole page.
			slog.Error("skipping undecryptable message in search results",
				"message_id", rows[i].ID, "error", err)
			continue
		}
		items = append(items, summary)
	}

	totalPages := (total + pageSize - 1) / pageSize
	return &models.MessagePage{
		Items:      items,
		TotalItems: total,
		TotalPages: totalPages,
		Page:       page,
		PageSize:   pageSize,
	}, nil
}

// Get returns the fully decrypted message.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Message, error) {
	row, err := s.messages.GetMessageByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("loading message: %w", err)
	}
	return s.decrypt(row)
}

// SetReadState marks a message read or unread.
func (s *Service) SetReadState(ctx context.Context, id uuid.UUID, read bool) error {
	if err := s.messages.SetMessageRead(ctx, id, read); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("updating read state: %w", err)
	}
	return nil
}

// Stats reports total and unread message counts.
func (s *Service) Stats(ctx context.Context) (total int, unread int, err error) {
	total, unread, err = s.messages.CountMessages(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("counting messages: %w", err)
	}
	return total, unread, nil
}

// Delete destroys the message and its index entries.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.messages.DeleteMessage(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("deleting message: %w", err)
	}
	return nil
}

// compile lowers a parsed query onto store predicates. Every bare term
// becomes one token group whose hashes span all indexed sources; a message
// must match some hash from every group. Subject and body clauses pin the
// group to a single source; from and to filter the plaintext envelope
// columns, last clause wins.
func (s *Service) compile(q search.Query) models.SearchParams {
	params := models.SearchParams{
		IsRead: q.IsRead,
		Since:  q.Since,
		Until:  q.Until,
	}

	for _, term := range q.Terms {
		var group []string
		for _, token := range index.Normalize(term) {
			group = append(group, s.tokenizer.HashAcross(index.AllSources(), token)...)
		}
		if len(group) > 0 {
			params.TokenGroups = append(params.TokenGroups, group)
		}
	}

	for _, field := range q.Fields {
		switch field.Field {
		case search.FieldFrom:
			params.Sender = field.Value
		case search.FieldTo:
			params.Recipient = field.Value
		case search.FieldSubject:
			if group := s.tokenizer.HashField(index.SourceSubject, field.Value); len(group) > 0 {
				params.TokenGroups = append(params.TokenGroups, group)
			}
		case search.FieldBody:
			if group := s.tokenizer.HashField(index.SourceBody, field.Value); len(group) > 0 {
				params.TokenGroups = append(params.TokenGroups, group)
			}
		}
	}

	return params
}

func (s *Service) summarize(row *models.EncryptedMessage) (models.MessageSummary, error) {
	subject, err := s.codec.Decrypt(row.SubjectEnc)
	if err != nil {
		return models.MessageSummary{}, fmt.Errorf("decrypting subject: %w", err)
	}
	body, err := s.codec.Decrypt(row.TextBodyEnc)
	if err != nil {
		return models.MessageSummary{}, fmt.Errorf("decrypting body: %w", err)
	}

	tags := row.Tags
	if tags == nil {
		tags = []string{}
	}

	return models.MessageSummary{
		ID:          row.ID,
		Sender:      row.Sender,
		Recipient:   row.Recipient,
		ReceivedAt:  row.ReceivedAt,
		SizeBytes:   row.SizeBytes,
		IsRead:      row.IsRead,
		Tags:        tags,
		Subject:     string(subject),
		BodySnippet: snippet(string(body)),
	}, nil
}

func (s *Service) decrypt(row *models.EncryptedMessage) (*models.Message, error) {
	subject, err := s.codec.Decrypt(row.SubjectEnc)
	if err != nil {
		return nil, fmt.Errorf("decrypting subject: %w", err)
	}
	textBody, err := s.codec.Decrypt(row.TextBodyEnc)
	if err != nil {
		return nil, fmt.Errorf("decrypting text body: %w", err)
	}
	htmlBody, err := s.codec.Decrypt(row.HTMLBodyEnc)
	if err != nil {
		return nil, fmt.Errorf("decrypting html body: %w", err)
	}

	var attachments []models.AttachmentMeta
	if len(row.AttachmentsEnc) > 0 {
		attachmentsJSON, err := s.codec.Decrypt(row.AttachmentsEnc)
		if err != nil {
			return nil, fmt.Errorf("decrypting attachments: %w", err)
		}
		if err := json.Unmarshal(attachmentsJSON, &attachments); err != nil {
			return nil, fmt.Errorf("decoding attachments: %w", err)
		}
	}

	tags := row.Tags
	if tags == nil {
		tags = []string{}
	}

	return &models.Message{
		ID:          row.ID,
		Sender:      row.Sender,
		Recipient:   row.Recipient,
		ReceivedAt:  row.ReceivedAt,
		SizeBytes:   row.SizeBytes,
		IsRead:      row.IsRead,
		Tags:        tags,
		Subject:     string(subject),
		TextBody:    string(textBody),
		HTMLBody:    string(htmlBody),
		Attachments: attachments,
	}, nil
}

// snippet collapses whitespace and truncates to a preview length.
func snippet(body string) string {
	collapsed := strings.Join(strings.Fields(body), " ")
	runes := []rune(collapsed)
	if len(runes) <= snippetRunes {
		return collapsed
	}
	return strings.TrimSpace(string(runes[:snippetRunes])) + "…"
}
