package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/stats"
)

// ListExecutions handles GET /v1/executions?message_id=xxx&status=failed&limit=20&offset=0
func (h *Handler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	f := db.ExecutionFilter{Limit: limit, Offset: offset}

	if idStr := r.URL.Query().Get("message_id"); idStr != "" {
		id, err := uuid.Parse(idStr)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid message_id", "message_id must be a valid UUID")
			return
		}
		f.MessageID = &id
	}

	status := db.ExecutionStatus(r.URL.Query().Get("status"))
	switch status {
	case "", db.ExecutionPending, db.ExecutionRunning, db.ExecutionCompleted,
		db.ExecutionFailed, db.ExecutionPartial, db.ExecutionCancelled:
		f.Status = status
	default:
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status",
			"status must be one of: pending, running, completed, failed, partial, cancelled")
		return
	}

	executions, err := h.executions.ListExecutions(r.Context(), f)
	if err != nil {
		h.writeServiceError(w, err, "Failed to list executions")
		return
	}

	h.writeJSON(w, http.StatusOK, ListResponse{Data: executions, Limit: limit, Offset: offset, Count: len(executions)})
}

// GetExecution handles GET /v1/executions/{id}
func (h *Handler) GetExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "execution")
	if !ok {
		return
	}

	e, err := h.executions.GetExecution(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "Failed to get execution", zap.String("execution_id", id.String()))
		return
	}
	h.writeJSON(w, http.StatusOK, e)
}

// CancelExecution handles POST /v1/executions/{id}/cancel
// The flag is stored so whichever instance runs the execution sees it on its
// next heartbeat; a run in this process is cancelled at once.
func (h *Handler) CancelExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "execution")
	if !ok {
		return
	}

	e, err := h.executions.RequestCancel(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "Failed to cancel execution", zap.String("execution_id", id.String()))
		return
	}

	local := h.processor.CancelRun(id)
	h.logger.Info("execution cancel requested",
		zap.String("execution_id", id.String()),
		zap.Bool("local", local),
	)
	h.writeJSON(w, http.StatusAccepted, e)
}

// ListRecipients handles GET /v1/executions/{id}/recipients?status=failed&limit=20&offset=0
func (h *Handler) ListRecipients(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := h.pathID(w, r, "execution")
	if !ok {
		return
	}

	status := db.RecipientStatus(r.URL.Query().Get("status"))
	switch status {
	case "", db.RecipientPending, db.RecipientSent, db.RecipientFailed, db.RecipientSkipped:
	default:
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status",
			"status must be one of: pending, sent, failed, skipped")
		return
	}

	if _, err := h.executions.GetExecution(ctx, id); err != nil {
		h.writeServiceError(w, err, "Failed to list recipients", zap.String("execution_id", id.String()))
		return
	}

	limit, offset := pagination(r)
	recipients, err := h.executions.ListRecipients(ctx, id, db.RecipientFilter{Status: status, Limit: limit, Offset: offset})
	if err != nil {
		h.writeServiceError(w, err, "Failed to list recipients", zap.String("execution_id", id.String()))
		return
	}

	h.writeJSON(w, http.StatusOK, ListResponse{Data: recipients, Limit: limit, Offset: offset, Count: len(recipients)})
}

// GlobalStats handles GET /v1/stats?from=RFC3339&to=RFC3339&bucket=hour
func (h *Handler) GlobalStats(w http.ResponseWriter, r *http.Request) {
	q, ok := h.statsQuery(w, r)
	if !ok {
		return
	}

	report, err := h.stats.Global(r.Context(), q)
	if err != nil {
		h.writeServiceError(w, err, "Failed to compute stats")
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

// MessageStats handles GET /v1/messages/{id}/stats
func (h *Handler) MessageStats(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "message")
	if !ok {
		return
	}
	q, ok := h.statsQuery(w, r)
	if !ok {
		return
	}

	report, err := h.stats.ForMessage(r.Context(), id, q)
	if err != nil {
		h.writeServiceError(w, err, "Failed to compute stats", zap.String("message_id", id.String()))
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

// statsQuery reads from, to and bucket. from defaults to 24 hours before to.
func (h *Handler) statsQuery(w http.ResponseWriter, r *http.Request) (stats.Query, bool) {
	var q stats.Query
	params := r.URL.Query()

	if v := params.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid to", "to must be an RFC3339 timestamp")
			return q, false
		}
		q.To = t
	}

	if v := params.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid from", "from must be an RFC3339 timestamp")
			return q, false
		}
		q.From = t
	} else {
		end := q.To
		if end.IsZero() {
			end = time.Now()
		}
		q.From = end.Add(-24 * time.Hour)
	}

	q.Bucket = params.Get("bucket")
	return q, true
}
