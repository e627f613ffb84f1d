package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mailvault/mailvault/internal/crypto"
	"github.com/mailvault/mailvault/internal/index"
	"github.com/mailvault/mailvault/internal/models"
	"github.com/mailvault/mailvault/internal/store"
)

var (
	// ErrPayloadUnusable marks a job that cannot be persisted even as a
	// stub. Permanent: redelivery cannot fix it.
	ErrPayloadUnusable = errors.New("job payload is unusable")

	// ErrContent marks a message whose content could not be tokenized or
	// encrypted. Permanent; the stub path applies.
	ErrContent = errors.New("message content cannot be processed")
)

// Prepared is a message ready to commit: the encrypted row plus its blind
// index. Building it is pure computation; Commit performs the only I/O.
type Prepared struct {
	Message *models.EncryptedMessage
	Tokens  []models.TokenEntry
	Stub    bool
}

// Service turns queue jobs into durable encrypted messages.
type Service struct {
	messages  store.MessageStore
	tokenizer *index.Tokenizer
	codec     *crypto.Codec
}

func NewService(messages store.MessageStore, tokenizer *index.Tokenizer, codec *crypto.Codec) *Service {
	return &Service{
		messages:  messages,
		tokenizer: tokenizer,
		codec:     codec,
	}
}

// Prepare parses, tokenizes and encrypts one job payload. Errors from
// Prepare are permanent: the raw bytes will not parse or encrypt any better
// on redelivery.
func (s *Service) Prepare(payload JobPayload) (*Prepared, error) {
	payload.Normalize()
	if !payload.IsUsable() {
		return nil, ErrPayloadUnusable
	}

	parsed := ParseRaw(payload.Raw)
	sender := firstNonEmpty(payload.Sender, parsed.Sender)
	recipient := firstNonEmpty(payload.Recipient, parsed.Recipient)

	bodyText := parsed.TextBody
	if bodyText == "" && parsed.HTMLBody != "" {
		bodyText = stripTags(parsed.HTMLBody)
	}

	tokens := make([]models.TokenEntry, 0, 64)
	appendTokens := func(source, text string) {
		for _, hash := range s.tokenizer.HashField(source, text) {
			tokens = append(tokens, models.TokenEntry{TokenHash: hash, Source: source})
		}
	}
	appendTokens(index.SourceSubject, parsed.Subject)
	appendTokens(index.SourceBody, bodyText)
	appendTokens(index.SourceSender, sender)
	appendTokens(index.SourceRecipient, recipient)

	subjectEnc, err := s.codec.Encrypt([]byte(parsed.Subject))
	if err != nil {
		return nil, fmt.Errorf("%w: encrypt subject: %v", ErrContent, err)
	}
	textEnc, err := s.codec.Encrypt([]byte(parsed.TextBody))
	if err != nil {
		return nil, fmt.Errorf("%w: encrypt text body: %v", ErrContent, err)
	}
	htmlEnc, err := s.codec.Encrypt([]byte(parsed.HTMLBody))
	if err != nil {
		return nil, fmt.Errorf("%w: encrypt html body: %v", ErrContent, err)
	}

	var attachmentsEnc []byte
	if len(parsed.Attachments) > 0 {
		attachmentsJSON, err := json.Marshal(parsed.Attachments)
		if err != nil {
			return nil, fmt.Errorf("%w: marshal attachments: %v", ErrContent, err)
		}
		attachmentsEnc, err = s.codec.Encrypt(attachmentsJSON)
		if err != nil {
			return nil, fmt.Errorf("%w: encrypt attachments: %v", ErrContent, err)
		}
	}

	return &Prepared{
		Message: &models.EncryptedMessage{
			ID:             payload.MessageID,
			Sender:         sender,
			Recipient:      recipient,
			ReceivedAt:     payload.EnqueuedAt,
			SizeBytes:      int64(len(payload.Raw)),
			Tags:           []string{},
			SubjectEnc:     subjectEnc,
			TextBodyEnc:    textEnc,
			HTMLBodyEnc:    htmlEnc,
			AttachmentsEnc: attachmentsEnc,
		},
		Tokens: tokens,
	}, nil
}

// PrepareStub builds the poison-message escape valve: a minimal record with
// envelope and timestamp only, so the job can still be acknowledged instead
// of looping through redelivery forever.
func (s *Service) PrepareStub(payload JobPayload) *Prepared {
	payload.Normalize()
	return &Prepared{
		Message: &models.EncryptedMessage{
			ID:         payload.MessageID,
			Sender:     payload.Sender,
			Recipient:  payload.Recipient,
			ReceivedAt: payload.EnqueuedAt,
			SizeBytes:  int64(len(payload.Raw)),
			Tags:       []string{},
		},
		Stub: true,
	}
}

// Commit durably writes the message row and its index in one transaction.
// Errors are transient from the worker's perspective: the job stays
// unacknowledged and the idempotent insert makes the retry safe.
func (s *Service) Commit(ctx context.Context, prepared *Prepared) error {
	if prepared == nil || prepared.Message == nil {
		return ErrPayloadUnusable
	}
	if err := s.messages.InsertEncryptedMessage(ctx, prepared.Message, prepared.Tokens); err != nil {
		return fmt.Errorf("persist message %s: %w", prepared.Message.ID, err)
	}
	return nil
}
