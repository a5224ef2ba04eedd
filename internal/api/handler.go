package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/circuitbreaker"
	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/metrics"
	"github.com/lalithlochan/herald/internal/processor"
	"github.com/lalithlochan/herald/internal/redis"
	"github.com/lalithlochan/herald/internal/schedule"
	"github.com/lalithlochan/herald/internal/stats"
)

// idempotencyTTL is how long a completed request can be replayed.
const idempotencyTTL = 24 * time.Hour

// MessageService defines the scheduled message lifecycle operations
type MessageService interface {
	Create(ctx context.Context, in schedule.Input, createdBy string, activate bool) (*db.ScheduledMessage, error)
	Get(ctx context.Context, id uuid.UUID) (*db.ScheduledMessage, error)
	List(ctx context.Context, f db.MessageFilter) ([]*db.ScheduledMessage, error)
	Update(ctx context.Context, id uuid.UUID, in schedule.Input) (*db.ScheduledMessage, error)
	Activate(ctx context.Context, id uuid.UUID) (*db.ScheduledMessage, error)
	Pause(ctx context.Context, id uuid.UUID) (*db.ScheduledMessage, error)
	Resume(ctx context.Context, id uuid.UUID) (*db.ScheduledMessage, error)
	Cancel(ctx context.Context, id uuid.UUID) (*db.ScheduledMessage, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// ExecutionRepository defines the execution history reads and cancel requests
type ExecutionRepository interface {
	GetExecution(ctx context.Context, id uuid.UUID) (*db.Execution, error)
	ListExecutions(ctx context.Context, f db.ExecutionFilter) ([]*db.Execution, error)
	ListRecipients(ctx context.Context, executionID uuid.UUID, f db.RecipientFilter) ([]*db.Recipient, error)
	RequestCancel(ctx context.Context, id uuid.UUID) (*db.Execution, error)
}

// StatsService computes delivery statistics
type StatsService interface {
	Global(ctx context.Context, q stats.Query) (*stats.Report, error)
	ForMessage(ctx context.Context, messageID uuid.UUID, q stats.Query) (*stats.Report, error)
}

// ProcessorControl is the local scheduler
type ProcessorControl interface {
	Trigger(ctx context.Context, messageID uuid.UUID) (*db.Execution, error)
	CancelRun(executionID uuid.UUID) bool
	Pause()
	Resume()
	Status() processor.Status
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	messages    MessageService
	executions  ExecutionRepository
	stats       StatsService
	processor   ProcessorControl
	idempotency *redis.IdempotencyService // nil if Redis not configured
	breakers    map[string]*circuitbreaker.CircuitBreaker
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, messages MessageService, executions ExecutionRepository, st StatsService, proc ProcessorControl) *Handler {
	return &Handler{
		logger:     logger,
		messages:   messages,
		executions: executions,
		stats:      st,
		processor:  proc,
	}
}

// NewHandlerWithIdempotency creates a handler with idempotency support
func NewHandlerWithIdempotency(logger *zap.Logger, messages MessageService, executions ExecutionRepository, st StatsService, proc ProcessorControl, idempotency *redis.IdempotencyService) *Handler {
	h := NewHandler(logger, messages, executions, st, proc)
	h.idempotency = idempotency
	return h
}

// WithBreakers exposes provider circuit breakers under /v1/gateways.
func (h *Handler) WithBreakers(breakers ...*circuitbreaker.CircuitBreaker) *Handler {
	h.breakers = make(map[string]*circuitbreaker.CircuitBreaker, len(breakers))
	for _, b := range breakers {
		h.breakers[b.Name()] = b
	}
	return h
}

// Routes mounts the /v1 admin API.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/messages", func(r chi.Router) {
		r.Post("/", h.CreateMessage)
		r.Get("/", h.ListMessages)
		r.Get("/{id}", h.GetMessage)
		r.Put("/{id}", h.UpdateMessage)
		r.Delete("/{id}", h.DeleteMessage)
		r.Post("/{id}/activate", h.ActivateMessage)
		r.Post("/{id}/pause", h.PauseMessage)
		r.Post("/{id}/resume", h.ResumeMessage)
		r.Post("/{id}/cancel", h.CancelMessage)
		r.Post("/{id}/trigger", h.TriggerMessage)
		r.Get("/{id}/stats", h.MessageStats)
	})

	r.Get("/executions", h.ListExecutions)
	r.Get("/executions/{id}", h.GetExecution)
	r.Post("/executions/{id}/cancel", h.CancelExecution)
	r.Get("/executions/{id}/recipients", h.ListRecipients)

	r.Get("/stats", h.GlobalStats)

	r.Get("/processor", h.ProcessorStatus)
	r.Post("/processor/pause", h.PauseProcessor)
	r.Post("/processor/resume", h.ResumeProcessor)

	r.Get("/gateways", h.ListGateways)
	r.Post("/gateways/{name}/reset", h.ResetGateway)
}

// writeJSON writes v with the given status code.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("failed to encode response", zap.Error(err))
	}
}

// writeError writes an error response in problem+json format
func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// writeServiceError maps domain errors onto HTTP responses. Anything it does
// not recognize is logged and reported as a 500.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error, title string, fields ...zap.Field) {
	var verr *schedule.ValidationError
	switch {
	case errors.As(err, &verr):
		h.writeError(w, http.StatusBadRequest, "validation_error", title, verr.Error())
	case errors.Is(err, stats.ErrInvalidQuery):
		h.writeError(w, http.StatusBadRequest, "invalid_request", title, err.Error())
	case errors.Is(err, db.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", title, "resource not found")
	case errors.Is(err, schedule.ErrInvalidState), errors.Is(err, db.ErrInvalidTransition):
		h.writeError(w, http.StatusConflict, "invalid_state", title, err.Error())
	case errors.Is(err, db.ErrStale):
		h.writeError(w, http.StatusConflict, "conflict", title, "resource was modified concurrently, retry")
	case errors.Is(err, db.ErrClaimConflict):
		h.writeError(w, http.StatusConflict, "already_running", title, "an execution of this message is already in progress")
	case errors.Is(err, processor.ErrPaused), errors.Is(err, processor.ErrStopped):
		h.writeError(w, http.StatusServiceUnavailable, "processor_unavailable", title, err.Error())
	default:
		h.logger.Error(title, append(fields, zap.Error(err))...)
		h.writeError(w, http.StatusInternalServerError, "internal_error", title, "")
	}
}

// pathID parses the {id} URL parameter, writing a 400 when it is not a UUID.
func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, what string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid "+what+" ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// pagination parses limit and offset, defaulting to 20 and 0.
func pagination(r *http.Request) (limit, offset int) {
	limit = 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}
	return limit, offset
}

// replay writes a stored idempotent response. It returns true when the
// request was answered, either with the replay or a conflict.
func (h *Handler) replay(w http.ResponseWriter, r *http.Request, scope, key string) bool {
	if key == "" || h.idempotency == nil {
		return false
	}

	cached, err := h.idempotency.CheckOrReserve(r.Context(), scope, key)
	if err != nil {
		if errors.Is(err, redis.ErrDuplicateRequest) {
			h.writeError(w, http.StatusConflict, "duplicate_request",
				"Request is already being processed",
				"Another request with this idempotency key is in progress")
			return true
		}
		h.logger.Warn("idempotency check failed, proceeding",
			zap.Error(err),
			zap.String("idempotency_key", key),
		)
		return false
	}
	if cached == nil {
		return false
	}

	metrics.RecordIdempotencyHit()
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Idempotency-Replayed", "true")
	w.WriteHeader(cached.StatusCode)
	_, _ = w.Write(cached.Body)
	return true
}

// remember stores a successful response for replay.
func (h *Handler) remember(ctx context.Context, scope, key, resourceID string, status int, body interface{}) {
	if key == "" || h.idempotency == nil {
		return
	}
	data, err := json.Marshal(body)
	if err != nil {
		h.logger.Warn("failed to encode idempotency result", zap.Error(err))
		return
	}
	result := &redis.IdempotencyResult{
		ResourceID: resourceID,
		StatusCode: status,
		Body:       data,
	}
	if err := h.idempotency.Store(context.WithoutCancel(ctx), scope, key, result, idempotencyTTL); err != nil {
		h.logger.Warn("failed to store idempotency result",
			zap.Error(err),
			zap.String("idempotency_key", key),
		)
	}
}

// forget drops the reservation of a failed request so the client can retry.
func (h *Handler) forget(ctx context.Context, scope, key string) {
	if key == "" || h.idempotency == nil {
		return
	}
	if err := h.idempotency.Release(context.WithoutCancel(ctx), scope, key); err != nil {
		h.logger.Warn("failed to release idempotency key",
			zap.Error(err),
			zap.String("idempotency_key", key),
		)
	}
}
