package ingest

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mailvault/mailvault/internal/crypto"
	"github.com/mailvault/mailvault/internal/index"
	"github.com/mailvault/mailvault/internal/models"
)

type insertCall struct {
	msg    *models.EncryptedMessage
	tokens []models.TokenEntry
}

// mockMessageStore mimics the idempotent insert of the real store: a second
// insert for a known id is a silent no-op.
type mockMessageStore struct {
	inserts   []insertCall
	known     map[uuid.UUID]bool
	insertErr error

	failInsert bool
	// failIndexed only rejects inserts that carry token entries, letting
	// envelope-only stubs through.
	failIndexed bool
}

func newMockMessageStore() *mockMessageStore {
	return &mockMessageStore{known: map[uuid.UUID]bool{}}
}

func (m *mockMessageStore) InsertEncryptedMessage(_ context.Context, msg *models.EncryptedMessage, tokens []models.TokenEntry) error {
	if m.failInsert {
		return m.insertErr
	}
	if m.failIndexed && len(tokens) > 0 {
		return m.insertErr
	}
	if m.known[msg.ID] {
		return nil
	}
	m.known[msg.ID] = true
	m.inserts = append(m.inserts, insertCall{msg: msg, tokens: tokens})
	return nil
}

func (m *mockMessageStore) GetMessageByID(context.Context, uuid.UUID) (*models.EncryptedMessage, error) {
	return nil, sql.ErrNoRows
}

func (m *mockMessageStore) SearchMessages(context.Context, models.SearchParams) ([]models.EncryptedMessage, int, error) {
	return nil, 0, nil
}

func (m *mockMessageStore) SetMessageRead(context.Context, uuid.UUID, bool) error {
	return sql.ErrNoRows
}

func (m *mockMessageStore) DeleteMessage(context.Context, uuid.UUID) error {
	return sql.ErrNoRows
}

func (m *mockMessageStore) CountMessages(context.Context) (int, int, error) {
	return len(m.inserts), 0, nil
}

func testService(t *testing.T, messages *mockMessageStore) (*Service, *crypto.Codec, *index.Tokenizer) {
	t.Helper()
	key := bytes.Repeat([]byte{0x42}, crypto.KeySize)
	codec, err := crypto.NewCodec(key)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	tokenizer := index.NewTokenizer(codec.TokenKey())
	return NewService(messages, tokenizer, codec), codec, tokenizer
}

func testPayload(raw string) JobPayload {
	return JobPayload{
		MessageID:  uuid.New(),
		Sender:     "alice@example.com",
		Recipient:  "inbox@vault.example.com",
		Raw:        []byte(raw),
		EnqueuedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestPrepareEncryptsContent(t *testing.T) {
	svc, codec, _ := testService(t, newMockMessageStore())

	raw := "From: Alice <alice@example.com>\r\nTo: inbox@vault.example.com\r\nSubject: Invoice 42\r\n\r\nPlease pay promptly"
	prepared, err := svc.Prepare(testPayload(raw))
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if prepared.Stub {
		t.Fatalf("expected a full record, got a stub")
	}

	msg := prepared.Message
	if msg.Sender != "alice@example.com" || msg.Recipient != "inbox@vault.example.com" {
		t.Fatalf("unexpected envelope: %q -> %q", msg.Sender, msg.Recipient)
	}
	if msg.SizeBytes != int64(len(raw)) {
		t.Fatalf("unexpected size: %d", msg.SizeBytes)
	}
	if bytes.Contains(msg.SubjectEnc, []byte("Invoice")) {
		t.Fatalf("subject stored in plaintext")
	}

	subject, err := codec.Decrypt(msg.SubjectEnc)
	if err != nil {
		t.Fatalf("decrypt subject: %v", err)
	}
	if string(subject) != "Invoice 42" {
		t.Fatalf("subject round-trip: %q", subject)
	}
	body, err := codec.Decrypt(msg.TextBodyEnc)
	if err != nil {
		t.Fatalf("decrypt body: %v", err)
	}
	if string(body) != "Please pay promptly" {
		t.Fatalf("body round-trip: %q", body)
	}
}

func TestPrepareBuildsTokenIndex(t *testing.T) {
	svc, _, tokenizer := testService(t, newMockMessageStore())

	raw := "From: alice@example.com\r\nSubject: Invoice 42\r\n\r\nPlease pay promptly"
	prepared, err := svc.Prepare(testPayload(raw))
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	have := map[string]bool{}
	for _, entry := range prepared.Tokens {
		have[entry.Source+"/"+entry.TokenHash] = true
	}

	wantHashes := []struct{ source, token string }{
		{index.SourceSubject, "invoice"},
		{index.SourceSubject, "42"},
		{index.SourceBody, "pay"},
		{index.SourceBody, "promptly"},
		{index.SourceSender, "alice@example.com"},
		{index.SourceSender, "example.com"},
		{index.SourceRecipient, "inbox@vault.example.com"},
	}
	for _, want := range wantHashes {
		key := want.source + "/" + tokenizer.Hash(want.source, want.token)
		if !have[key] {
			t.Fatalf("missing token %s:%s", want.source, want.token)
		}
	}
}

func TestPrepareMalformedMIMEKeepsEnvelope(t *testing.T) {
	svc, codec, _ := testService(t, newMockMessageStore())

	payload := testPayload("this is not a mime message at all")
	prepared, err := svc.Prepare(payload)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if prepared.Message.Sender != "alice@example.com" {
		t.Fatalf("envelope sender lost: %q", prepared.Message.Sender)
	}
	subject, err := codec.Decrypt(prepared.Message.SubjectEnc)
	if err != nil {
		t.Fatalf("decrypt subject: %v", err)
	}
	if len(subject) != 0 {
		t.Fatalf("expected empty subject, got %q", subject)
	}
}

func TestPrepareRejectsUnusablePayload(t *testing.T) {
	svc, _, _ := testService(t, newMockMessageStore())

	payload := testPayload("body")
	payload.Recipient = "  "
	if _, err := svc.Prepare(payload); !errors.Is(err, ErrPayloadUnusable) {
		t.Fatalf("expected ErrPayloadUnusable, got %v", err)
	}

	payload = testPayload("body")
	payload.MessageID = uuid.Nil
	if _, err := svc.Prepare(payload); !errors.Is(err, ErrPayloadUnusable) {
		t.Fatalf("expected ErrPayloadUnusable, got %v", err)
	}
}

func TestPrepareStub(t *testing.T) {
	svc, _, _ := testService(t, newMockMessageStore())

	payload := testPayload("\xff\xfe broken")
	stub := svc.PrepareStub(payload)
	if !stub.Stub {
		t.Fatalf("expected stub flag")
	}
	if stub.Message.ID != payload.MessageID {
		t.Fatalf("stub must keep the message id")
	}
	if stub.Message.Recipient != payload.Recipient {
		t.Fatalf("stub must keep the envelope recipient")
	}
	if len(stub.Tokens) != 0 {
		t.Fatalf("stub must not be indexed, got %d tokens", len(stub.Tokens))
	}
	if stub.Message.SubjectEnc != nil {
		t.Fatalf("stub must carry no content ciphertext")
	}
}

func TestCommitIsIdempotent(t *testing.T) {
	messages := newMockMessageStore()
	svc, _, _ := testService(t, messages)

	prepared, err := svc.Prepare(testPayload("From: a@x.com\r\nSubject: Once\r\n\r\nbody text"))
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	if err := svc.Commit(context.Background(), prepared); err != nil {
		t.Fatalf("first Commit: %v", err)
	}
	if err := svc.Commit(context.Background(), prepared); err != nil {
		t.Fatalf("redelivered Commit: %v", err)
	}
	if len(messages.inserts) != 1 {
		t.Fatalf("expected one stored message, got %d", len(messages.inserts))
	}
}

func TestCommitWrapsStoreError(t *testing.T) {
	messages := newMockMessageStore()
	messages.failInsert = true
	messages.insertErr = errors.New("connection reset")
	svc, _, _ := testService(t, messages)

	prepared, err := svc.Prepare(testPayload("From: a@x.com\r\n\r\nbody"))
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := svc.Commit(context.Background(), prepared); !errors.Is(err, messages.insertErr) {
		t.Fatalf("expected wrapped store error, got %v", err)
	}
}
