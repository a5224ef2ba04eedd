package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/schedule"
)

// CreateMessageRequest is the body of POST /v1/messages
type CreateMessageRequest struct {
	schedule.Input
	Activate  bool   `json:"activate"`
	CreatedBy string `json:"created_by"`
}

// ListResponse wraps a page of results
type ListResponse struct {
	Data   interface{} `json:"data"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
	Count  int         `json:"count"`
}

// CreateMessage handles POST /v1/messages
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) CreateMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	idempotencyKey := r.Header.Get("Idempotency-Key")
	const scope = "create"
	if h.replay(w, r, scope, idempotencyKey) {
		return
	}

	createdBy := req.CreatedBy
	if createdBy == "" {
		createdBy = r.Header.Get("X-Operator")
	}

	m, err := h.messages.Create(ctx, req.Input, createdBy, req.Activate)
	if err != nil {
		h.forget(ctx, scope, idempotencyKey)
		h.writeServiceError(w, err, "Failed to create message", zap.String("channel", req.Channel))
		return
	}

	h.remember(ctx, scope, idempotencyKey, m.ID.String(), http.StatusCreated, m)
	h.writeJSON(w, http.StatusCreated, m)
}

// ListMessages handles GET /v1/messages?status=active&limit=20&offset=0
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	status := db.MessageStatus(r.URL.Query().Get("status"))
	switch status {
	case "", db.MessageDraft, db.MessageActive, db.MessagePaused, db.MessageCompleted, db.MessageCancelled:
	default:
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status",
			"status must be one of: draft, active, paused, completed, cancelled")
		return
	}

	messages, err := h.messages.List(r.Context(), db.MessageFilter{Status: status, Limit: limit, Offset: offset})
	if err != nil {
		h.writeServiceError(w, err, "Failed to list messages")
		return
	}

	h.writeJSON(w, http.StatusOK, ListResponse{Data: messages, Limit: limit, Offset: offset, Count: len(messages)})
}

// GetMessage handles GET /v1/messages/{id}
func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "message")
	if !ok {
		return
	}

	m, err := h.messages.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "Failed to get message", zap.String("message_id", id.String()))
		return
	}
	h.writeJSON(w, http.StatusOK, m)
}

// UpdateMessage handles PUT /v1/messages/{id}
func (h *Handler) UpdateMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "message")
	if !ok {
		return
	}

	var in schedule.Input
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	m, err := h.messages.Update(r.Context(), id, in)
	if err != nil {
		h.writeServiceError(w, err, "Failed to update message", zap.String("message_id", id.String()))
		return
	}
	h.writeJSON(w, http.StatusOK, m)
}

// DeleteMessage handles DELETE /v1/messages/{id}
func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "message")
	if !ok {
		return
	}

	if err := h.messages.Delete(r.Context(), id); err != nil {
		h.writeServiceError(w, err, "Failed to delete message", zap.String("message_id", id.String()))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ActivateMessage handles POST /v1/messages/{id}/activate
func (h *Handler) ActivateMessage(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "activate", h.messages.Activate)
}

// PauseMessage handles POST /v1/messages/{id}/pause
func (h *Handler) PauseMessage(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "pause", h.messages.Pause)
}

// ResumeMessage handles POST /v1/messages/{id}/resume
func (h *Handler) ResumeMessage(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "resume", h.messages.Resume)
}

// CancelMessage handles POST /v1/messages/{id}/cancel
func (h *Handler) CancelMessage(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "cancel", h.messages.Cancel)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, op string, fn func(ctx context.Context, id uuid.UUID) (*db.ScheduledMessage, error)) {
	id, ok := h.pathID(w, r, "message")
	if !ok {
		return
	}

	m, err := fn(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "Failed to "+op+" message",
			zap.String("message_id", id.String()),
			zap.String("operation", op),
		)
		return
	}

	h.logger.Info("message "+op+" requested",
		zap.String("message_id", id.String()),
		zap.String("status", string(m.Status)),
	)
	h.writeJSON(w, http.StatusOK, m)
}

// TriggerMessage handles POST /v1/messages/{id}/trigger
// Starts a manual execution now. Supports the Idempotency-Key header.
func (h *Handler) TriggerMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := h.pathID(w, r, "message")
	if !ok {
		return
	}

	m, err := h.messages.Get(ctx, id)
	if err != nil {
		h.writeServiceError(w, err, "Failed to trigger message", zap.String("message_id", id.String()))
		return
	}
	if m.Status != db.MessageActive && m.Status != db.MessagePaused {
		h.writeError(w, http.StatusConflict, "invalid_state", "Failed to trigger message",
			"only active or paused messages can be triggered, message is "+string(m.Status))
		return
	}

	idempotencyKey := r.Header.Get("Idempotency-Key")
	scope := "trigger:" + id.String()
	if h.replay(w, r, scope, idempotencyKey) {
		return
	}

	exec, err := h.processor.Trigger(ctx, id)
	if err != nil {
		h.forget(ctx, scope, idempotencyKey)
		h.writeServiceError(w, err, "Failed to trigger message", zap.String("message_id", id.String()))
		return
	}

	h.logger.Info("manual execution started",
		zap.String("message_id", id.String()),
		zap.String("execution_id", exec.ID.String()),
	)
	h.remember(ctx, scope, idempotencyKey, exec.ID.String(), http.StatusAccepted, exec)
	h.writeJSON(w, http.StatusAccepted, exec)
}
