package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	schedulerTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_scheduler_ticks_total",
			Help: "Scheduler ticks by result",
		},
		[]string{"result"},
	)

	schedulerTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "herald_scheduler_tick_duration_seconds",
			Help:    "Time spent finding and claiming due messages per tick",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		},
	)

	claims = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_claims_total",
			Help: "Claim attempts by outcome (won, conflict, error)",
		},
		[]string{"outcome"},
	)

	executionsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_executions_finished_total",
			Help: "Finished executions by terminal status and trigger",
		},
		[]string{"status", "trigger"},
	)

	executionsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "herald_executions_in_flight",
			Help: "Executions currently dispatching in this process",
		},
	)

	orphansRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_orphaned_executions_recovered_total",
			Help: "Executions cancelled by crash recovery",
		},
	)

	deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_deliveries_total",
			Help: "Recipient deliveries by channel and final status",
		},
		[]string{"channel", "status"},
	)

	deliveryRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_delivery_retries_total",
			Help: "Transient send failures that were retried",
		},
		[]string{"channel"},
	)

	deliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_delivery_latency_seconds",
			Help:    "Time from first attempt to final outcome per recipient",
			Buckets: []float64{.05, .1, .5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"channel"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "herald_circuit_breaker_state",
			Help: "Gateway circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"gateway"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_idempotency_hits_total",
			Help: "Requests served from idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"scope"},
	)

	eventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_events_published_total",
			Help: "Execution events published to SQS by result",
		},
		[]string{"result"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "herald_db_connections_active",
			Help: "Active database connections",
		},
	)

	redisConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "herald_redis_connections_active",
			Help: "Active Redis connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordTick records one scheduler tick. result is "ok" or "error".
func RecordTick(result string, duration time.Duration) {
	schedulerTicks.WithLabelValues(result).Inc()
	schedulerTickDuration.Observe(duration.Seconds())
}

// RecordClaim records the outcome of a claim attempt
func RecordClaim(outcome string) {
	claims.WithLabelValues(outcome).Inc()
}

// RecordExecutionFinished records an execution reaching a terminal status
func RecordExecutionFinished(status, trigger string) {
	executionsFinished.WithLabelValues(status, trigger).Inc()
}

// SetExecutionsInFlight sets the number of running executions in this process
func SetExecutionsInFlight(count int) {
	executionsInFlight.Set(float64(count))
}

// RecordOrphansRecovered adds n executions cancelled by reconciliation
func RecordOrphansRecovered(n int) {
	orphansRecovered.Add(float64(n))
}

// RecordDelivery records the final outcome of one recipient
func RecordDelivery(channel, status string, latency time.Duration) {
	deliveries.WithLabelValues(channel, status).Inc()
	deliveryLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

// RecordDeliveryRetry records a retried transient failure
func RecordDeliveryRetry(channel string) {
	deliveryRetries.WithLabelValues(channel).Inc()
}

// SetBreakerState exports a circuit breaker state as a number
func SetBreakerState(gateway string, state int) {
	breakerState.WithLabelValues(gateway).Set(float64(state))
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(scope string) {
	rateLimitRejections.WithLabelValues(scope).Inc()
}

// RecordEventPublished records an SQS publish attempt. result is "ok" or "error".
func RecordEventPublished(result string) {
	eventsPublished.WithLabelValues(result).Inc()
}

// SetDBConnections sets active database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// SetRedisConnections sets active Redis connection count
func SetRedisConnections(count int) {
	redisConnectionsActive.Set(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics.
// Requests are labelled by chi route pattern so ids do not explode cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, routePattern(r), wrapped.status, time.Since(start))
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}
