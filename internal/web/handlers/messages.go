// Package handlers implements the admin HTTP API over captured mail.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mailvault/mailvault/internal/message"
	"github.com/mailvault/mailvault/internal/models"
)

// MessageService is the application surface the handlers depend on.
type MessageService interface {
	Query(ctx context.Context, expression string, page, pageSize int) (*models.MessagePage, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Message, error)
	SetReadState(ctx context.Context, id uuid.UUID, read bool) error
	Delete(ctx context.Context, id uuid.UUID) error
	Stats(ctx context.Context) (total int, unread int, err error)
}

type MessageHandler struct {
	messages MessageService
}

func NewMessageHandler(messages MessageService) *MessageHandler {
	return &MessageHandler{messages: messages}
}

// HandleListMessages serves GET /api/messages.
//
// Query parameters:
//
//	q          (optional) search expression
//	page       (optional) 1-based page number
//	page_size  (optional) items per page
func (h *MessageHandler) HandleListMessages(w http.ResponseWriter, r *http.Request) {
	page := intQueryParam(r, "page", 1)
	pageSize := intQueryParam(r, "page_size", 0)

	result, err := h.messages.Query(r.Context(), r.URL.Query().Get("q"), page, pageSize)
	if err != nil {
		slog.Error("failed to search messages", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleGetMessage serves GET /api/messages/{id} with the full decrypted
// message.
func (h *MessageHandler) HandleGetMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := messageID(w, r)
	if !ok {
		return
	}

	msg, err := h.messages.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, message.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "message not found")
			return
		}
		slog.Error("failed to load message", "message_id", id, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, messageResponse(msg))
}

// HandleSetRead serves PATCH /api/messages/{id}/read.
//
// Body: {"is_read": bool}; an empty body defaults to marking read.
func (h *MessageHandler) HandleSetRead(w http.ResponseWriter, r *http.Request) {
	id, ok := messageID(w, r)
	if !ok {
		return
	}

	body := struct {
		IsRead *bool `json:"is_read"`
	}{}
	// An empty body defaults to marking read; malformed JSON is rejected.
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	read := true
	if body.IsRead != nil {
		read = *body.IsRead
	}

	if err := h.messages.SetReadState(r.Context(), id, read); err != nil {
		if errors.Is(err, message.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "message not found")
			return
		}
		slog.Error("failed to update read state", "message_id", id, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "is_read": read})
}

// HandleDeleteMessage serves DELETE /api/messages/{id}.
func (h *MessageHandler) HandleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := messageID(w, r)
	if !ok {
		return
	}

	if err := h.messages.Delete(r.Context(), id); err != nil {
		if errors.Is(err, message.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "message not found")
			return
		}
		slog.Error("failed to delete message", "message_id", id, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// HandleStats serves GET /api/stats with mailbox totals.
func (h *MessageHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	total, unread, err := h.messages.Stats(r.Context())
	if err != nil {
		slog.Error("failed to count messages", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"total_messages":  total,
		"unread_messages": unread,
	})
}

func messageID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "message id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func messageResponse(msg *models.Message) map[string]any {
	attachments := msg.Attachments
	if attachments == nil {
		attachments = []models.AttachmentMeta{}
	}
	return map[string]any{
		"id":          msg.ID,
		"sender":      msg.Sender,
		"recipient":   msg.Recipient,
		"received_at": msg.ReceivedAt,
		"size_bytes":  msg.SizeBytes,
		"is_read":     msg.IsRead,
		"tags":        msg.Tags,
		"subject":     msg.Subject,
		"text_body":   msg.TextBody,
		"html_body":   msg.HTMLBody,
		"attachments": attachments,
	}
}

func intQueryParam(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

// writeJSON serialises v as JSON and writes it to w with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
