package message

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mailvault/mailvault/internal/crypto"
	"github.com/mailvault/mailvault/internal/index"
	"github.com/mailvault/mailvault/internal/ingest"
	"github.com/mailvault/mailvault/internal/models"
)

type fakeMessageStore struct {
	rows       []models.EncryptedMessage
	total      int
	lastParams models.SearchParams

	byID map[uuid.UUID]*models.EncryptedMessage

	readCalls   []uuid.UUID
	deleteCalls []uuid.UUID
	rowErr      error
}

func newFakeMessageStore() *fakeMessageStore {
	return &fakeMessageStore{byID: map[uuid.UUID]*models.EncryptedMessage{}}
}

func (f *fakeMessageStore) InsertEncryptedMessage(context.Context, *models.EncryptedMessage, []models.TokenEntry) error {
	return nil
}

func (f *fakeMessageStore) GetMessageByID(_ context.Context, id uuid.UUID) (*models.EncryptedMessage, error) {
	if msg, ok := f.byID[id]; ok {
		return msg, nil
	}
	return nil, sql.ErrNoRows
}

func (f *fakeMessageStore) SearchMessages(_ context.Context, params models.SearchParams) ([]models.EncryptedMessage, int, error) {
	f.lastParams = params
	return f.rows, f.total, nil
}

func (f *fakeMessageStore) SetMessageRead(_ context.Context, id uuid.UUID, _ bool) error {
	if f.rowErr != nil {
		return f.rowErr
	}
	f.readCalls = append(f.readCalls, id)
	return nil
}

func (f *fakeMessageStore) DeleteMessage(_ context.Context, id uuid.UUID) error {
	if f.rowErr != nil {
		return f.rowErr
	}
	f.deleteCalls = append(f.deleteCalls, id)
	return nil
}

func (f *fakeMessageStore) CountMessages(context.Context) (int, int, error) {
	return f.total, 0, nil
}

type fakeJobStore struct {
	payloads [][]byte
	err      error
}

func (f *fakeJobStore) EnqueueJob(_ context.Context, payload []byte, maxAttempts int) (*models.QueueJob, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.payloads = append(f.payloads, payload)
	return &models.QueueJob{ID: int64(len(f.payloads)), Payload: payload, MaxAttempts: maxAttempts}, nil
}

func (f *fakeJobStore) ClaimNextJob(context.Context, time.Duration) (*models.QueueJob, error) {
	return nil, nil
}

func (f *fakeJobStore) AckJob(context.Context, int64) error { return nil }

func (f *fakeJobStore) NackJob(context.Context, int64, time.Time, string) error { return nil }

type capturePublisher struct {
	events chan models.Notification
}

func (c *capturePublisher) Publish(_ context.Context, n models.Notification) error {
	c.events <- n
	return nil
}

func newTestService(t *testing.T, messages *fakeMessageStore, jobs *fakeJobStore, publisher *capturePublisher) (*Service, *crypto.Codec, *index.Tokenizer) {
	t.Helper()
	codec, err := crypto.NewCodec(bytes.Repeat([]byte{0x11}, crypto.KeySize))
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	tokenizer := index.NewTokenizer(codec.TokenKey())
	if publisher == nil {
		return NewService(messages, jobs, tokenizer, codec, nil, 5), codec, tokenizer
	}
	return NewService(messages, jobs, tokenizer, codec, publisher, 5), codec, tokenizer
}

func encryptedRow(t *testing.T, codec *crypto.Codec, subject, body string) models.EncryptedMessage {
	t.Helper()
	subjectEnc, err := codec.Encrypt([]byte(subject))
	if err != nil {
		t.Fatalf("encrypt subject: %v", err)
	}
	bodyEnc, err := codec.Encrypt([]byte(body))
	if err != nil {
		t.Fatalf("encrypt body: %v", err)
	}
	return models.EncryptedMessage{
		ID:          uuid.New(),
		Sender:      "alice@example.com",
		Recipient:   "inbox@vault.example.com",
		ReceivedAt:  time.Date(2026, 8, 10, 9, 0, 0, 0, time.UTC),
		SizeBytes:   512,
		SubjectEnc:  subjectEnc,
		TextBodyEnc: bodyEnc,
	}
}

func TestSubmitEnqueuesDurableJob(t *testing.T) {
	jobs := &fakeJobStore{}
	publisher := &capturePublisher{events: make(chan models.Notification, 1)}
	svc, _, _ := newTestService(t, newFakeMessageStore(), jobs, publisher)

	raw := []byte("From: a@x.com\r\nSubject: Queued\r\n\r\nbody")
	id, err := svc.Submit(context.Background(), "Alice@Example.com ", "Inbox@Vault.example.com", raw)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id == uuid.Nil {
		t.Fatalf("expected a message id")
	}
	if len(jobs.payloads) != 1 {
		t.Fatalf("expected one enqueued job, got %d", len(jobs.payloads))
	}

	var payload ingest.JobPayload
	if err := json.Unmarshal(jobs.payloads[0], &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.MessageID != id {
		t.Fatalf("payload id %s does not match returned id %s", payload.MessageID, id)
	}
	if payload.Sender != "alice@example.com" || payload.Recipient != "inbox@vault.example.com" {
		t.Fatalf("envelope not normalized: %q -> %q", payload.Sender, payload.Recipient)
	}
	if !bytes.Equal(payload.Raw, raw) {
		t.Fatalf("raw bytes altered in transit")
	}

	select {
	case event := <-publisher.events:
		if event.MessageID != id || event.Recipient != "inbox@vault.example.com" {
			t.Fatalf("unexpected notification: %+v", event)
		}
		if event.Subject != "Queued" {
			t.Fatalf("notification subject: %q", event.Subject)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("notification never published")
	}
}

func TestSubmitRejectsEmptyRecipient(t *testing.T) {
	svc, _, _ := newTestService(t, newFakeMessageStore(), &fakeJobStore{}, nil)
	if _, err := svc.Submit(context.Background(), "a@x.com", "  ", []byte("raw")); !errors.Is(err, ingest.ErrPayloadUnusable) {
		t.Fatalf("expected ErrPayloadUnusable, got %v", err)
	}
}

func TestSubmitPropagatesQueueError(t *testing.T) {
	jobs := &fakeJobStore{err: errors.New("queue unavailable")}
	svc, _, _ := newTestService(t, newFakeMessageStore(), jobs, nil)
	if _, err := svc.Submit(context.Background(), "a@x.com", "b@x.com", []byte("raw")); !errors.Is(err, jobs.err) {
		t.Fatalf("expected queue error, got %v", err)
	}
}

func TestQueryCompilesExpression(t *testing.T) {
	messages := newFakeMessageStore()
	svc, _, tokenizer := newTestService(t, messages, &fakeJobStore{}, nil)

	if _, err := svc.Query(context.Background(), "invoice from:alice is_read:false subject:urgent", 2, 10); err != nil {
		t.Fatalf("Query: %v", err)
	}

	params := messages.lastParams
	if params.Sender != "alice" {
		t.Fatalf("sender filter not compiled: %q", params.Sender)
	}
	if params.IsRead == nil || *params.IsRead {
		t.Fatalf("is_read filter not compiled: %v", params.IsRead)
	}
	if len(params.TokenGroups) != 2 {
		t.Fatalf("expected 2 token groups, got %d", len(params.TokenGroups))
	}
	// Bare keywords span every source; field clauses pin one source.
	if len(params.TokenGroups[0]) != len(index.AllSources()) {
		t.Fatalf("bare keyword group size: %d", len(params.TokenGroups[0]))
	}
	if want := tokenizer.Hash(index.SourceSubject, "urgent"); params.TokenGroups[1][0] != want {
		t.Fatalf("subject clause hash mismatch")
	}
	if params.Limit != 10 || params.Offset != 10 {
		t.Fatalf("pagination not compiled: limit=%d offset=%d", params.Limit, params.Offset)
	}
}

func TestQueryDecryptsSummaries(t *testing.T) {
	messages := newFakeMessageStore()
	svc, codec, _ := newTestService(t, messages, &fakeJobStore{}, nil)

	messages.rows = []models.EncryptedMessage{
		encryptedRow(t, codec, "Invoice 42", "please   pay\nthe invoice promptly"),
	}
	messages.total = 41

	page, err := svc.Query(context.Background(), "", 1, 20)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if page.TotalItems != 41 || page.TotalPages != 3 || page.Page != 1 || page.PageSize != 20 {
		t.Fatalf("unexpected pagination: %+v", page)
	}
	if len(page.Items) != 1 {
		t.Fatalf("expected one item, got %d", len(page.Items))
	}
	item := page.Items[0]
	if item.Subject != "Invoice 42" {
		t.Fatalf("subject not decrypted: %q", item.Subject)
	}
	if item.BodySnippet != "please pay the invoice promptly" {
		t.Fatalf("snippet not collapsed: %q", item.BodySnippet)
	}
}

func TestQuerySkipsUndecryptableRows(t *testing.T) {
	messages := newFakeMessageStore()
	svc, codec, _ := newTestService(t, messages, &fakeJobStore{}, nil)

	good := encryptedRow(t, codec, "Readable", "body")
	bad := encryptedRow(t, codec, "Broken", "body")
	bad.SubjectEnc = []byte("corrupted ciphertext")
	messages.rows = []models.EncryptedMessage{bad, good}
	messages.total = 2

	page, err := svc.Query(context.Background(), "", 1, 20)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].Subject != "Readable" {
		t.Fatalf("expected the readable row only, got %+v", page.Items)
	}
}

func TestQueryClampsPagination(t *testing.T) {
	messages := newFakeMessageStore()
	svc, _, _ := newTestService(t, messages, &fakeJobStore{}, nil)

	if _, err := svc.Query(context.Background(), "", -3, 10_000); err != nil {
		t.Fatalf("Query: %v", err)
	}
	if messages.lastParams.Limit != maxPageSize || messages.lastParams.Offset != 0 {
		t.Fatalf("pagination not clamped: %+v", messages.lastParams)
	}
}

func TestGetDecryptsFullMessage(t *testing.T) {
	messages := newFakeMessageStore()
	svc, codec, _ := newTestService(t, messages, &fakeJobStore{}, nil)

	row := encryptedRow(t, codec, "Full view", "text body")
	htmlEnc, err := codec.Encrypt([]byte("<p>html body</p>"))
	if err != nil {
		t.Fatalf("encrypt html: %v", err)
	}
	row.HTMLBodyEnc = htmlEnc
	attachmentsJSON, _ := json.Marshal([]models.AttachmentMeta{{FileName: "a.pdf", ContentType: "application/pdf", SizeBytes: 1234}})
	row.AttachmentsEnc, err = codec.Encrypt(attachmentsJSON)
	if err != nil {
		t.Fatalf("encrypt attachments: %v", err)
	}
	messages.byID[row.ID] = &row

	msg, err := svc.Get(context.Background(), row.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if msg.Subject != "Full view" || msg.TextBody != "text body" || msg.HTMLBody != "<p>html body</p>" {
		t.Fatalf("content not decrypted: %+v", msg)
	}
	if len(msg.Attachments) != 1 || msg.Attachments[0].FileName != "a.pdf" {
		t.Fatalf("attachments not decoded: %+v", msg.Attachments)
	}
}

func TestGetNotFound(t *testing.T) {
	svc, _, _ := newTestService(t, newFakeMessageStore(), &fakeJobStore{}, nil)
	if _, err := svc.Get(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSetReadStateNotFound(t *testing.T) {
	messages := newFakeMessageStore()
	messages.rowErr = sql.ErrNoRows
	svc, _, _ := newTestService(t, messages, &fakeJobStore{}, nil)
	if err := svc.SetReadState(context.Background(), uuid.New(), true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteNotFound(t *testing.T) {
	messages := newFakeMessageStore()
	messages.rowErr = sql.ErrNoRows
	svc, _, _ := newTestService(t, messages, &fakeJobStore{}, nil)
	if err := svc.Delete(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSnippetTruncates(t *testing.T) {
	long := strings.Repeat("word ", 50)
	got := snippet(long)
	if len([]rune(got)) > snippetRunes+1 {
		t.Fatalf("snippet too long: %d runes", len([]rune(got)))
	}
	if !strings.HasSuffix(got, "…") {
		t.Fatalf("long snippet must be marked truncated: %q", got)
	}
}
