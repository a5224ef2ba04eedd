package api

import (
	"context"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/circuitbreaker"
)

// ProcessorStatus handles GET /v1/processor
func (h *Handler) ProcessorStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.processor.Status())
}

// PauseProcessor handles POST /v1/processor/pause
// Stops claiming due messages on this instance; runs in flight finish.
func (h *Handler) PauseProcessor(w http.ResponseWriter, r *http.Request) {
	h.processor.Pause()
	h.writeJSON(w, http.StatusOK, h.processor.Status())
}

// ResumeProcessor handles POST /v1/processor/resume
func (h *Handler) ResumeProcessor(w http.ResponseWriter, r *http.Request) {
	h.processor.Resume()
	h.writeJSON(w, http.StatusOK, h.processor.Status())
}

// ListGateways handles GET /v1/gateways
func (h *Handler) ListGateways(w http.ResponseWriter, r *http.Request) {
	out := make([]circuitbreaker.Stats, 0, len(h.breakers))
	for _, b := range h.breakers {
		out = append(out, b.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"data": out})
}

// ResetGateway handles POST /v1/gateways/{name}/reset
// Closes the provider's breaker so sends resume at once.
func (h *Handler) ResetGateway(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	b, ok := h.breakers[name]
	if !ok {
		h.writeError(w, http.StatusNotFound, "not_found", "Gateway not found", "no gateway named "+name)
		return
	}
	b.Reset()
	h.logger.Info("gateway circuit reset", zap.String("gateway", name))
	h.writeJSON(w, http.StatusOK, b.Stats())
}

// Pinger checks a backing dependency.
type Pinger interface {
	Health(ctx context.Context) error
}

// HealthHandler reports 200 when the store answers and the processor is
// healthy, 503 otherwise.
func HealthHandler(store Pinger, proc ProcessorControl) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := store.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("store unavailable"))
			return
		}
		if status := proc.Status(); !status.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("processor unhealthy: " + status.LastError))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}
}
