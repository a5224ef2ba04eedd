package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRecordRequest(t *testing.T) {
	RecordRequest("GET", "/test", 200, 100*time.Millisecond)
	RecordRequest("POST", "/test", 201, 50*time.Millisecond)
	RecordRequest("GET", "/test", 404, 10*time.Millisecond)
}

func TestRecordTick(t *testing.T) {
	RecordTick("ok", 20*time.Millisecond)
	RecordTick("error", time.Millisecond)
}

func TestRecordClaim(t *testing.T) {
	RecordClaim("won")
	RecordClaim("conflict")
}

func TestRecordExecutionFinished(t *testing.T) {
	RecordExecutionFinished("completed", "schedule")
	RecordExecutionFinished("partial", "manual")
}

func TestSetExecutionsInFlight(t *testing.T) {
	SetExecutionsInFlight(3)
	SetExecutionsInFlight(0)
}

func TestRecordOrphansRecovered(t *testing.T) {
	RecordOrphansRecovered(2)
}

func TestRecordDelivery(t *testing.T) {
	RecordDelivery("sms", "sent", 200*time.Millisecond)
	RecordDelivery("email", "failed", time.Second)
	RecordDeliveryRetry("sms")
}

func TestSetBreakerState(t *testing.T) {
	SetBreakerState("sns", 1)
	SetBreakerState("sns", 0)
}

func TestRecordIdempotencyHit(t *testing.T) {
	RecordIdempotencyHit()
	RecordIdempotencyHit()
}

func TestRecordRateLimitRejection(t *testing.T) {
	RecordRateLimitRejection("api")
}

func TestRecordEventPublished(t *testing.T) {
	RecordEventPublished("ok")
	RecordEventPublished("error")
}

func TestSetDBConnections(t *testing.T) {
	SetDBConnections(10)
	SetDBConnections(20)
}

func TestSetRedisConnections(t *testing.T) {
	SetRedisConnections(5)
	SetRedisConnections(10)
}

func TestHandler(t *testing.T) {
	handler := Handler()
	if handler == nil {
		t.Error("Handler should not return nil")
	}

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}

	body := rec.Body.String()
	if len(body) == 0 {
		t.Error("metrics response should not be empty")
	}
}

func TestMiddleware(t *testing.T) {
	innerCalled := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		innerCalled = true
		w.WriteHeader(http.StatusCreated)
	})

	handler := Middleware(inner)
	req := httptest.NewRequest("POST", "/test", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if !innerCalled {
		t.Error("inner handler should have been called")
	}

	if rec.Code != http.StatusCreated {
		t.Errorf("expected status 201, got %d", rec.Code)
	}
}

func TestRoutePattern_FallsBackToPath(t *testing.T) {
	req := httptest.NewRequest("GET", "/v1/messages/abc", nil)
	if got := routePattern(req); got != "/v1/messages/abc" {
		t.Errorf("expected raw path without chi context, got %s", got)
	}
}

func TestResponseWriter_DefaultStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	rw.Write([]byte("test"))

	if rw.status != http.StatusOK {
		t.Errorf("expected default status 200, got %d", rw.status)
	}
}

func TestResponseWriter_ExplicitStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	rw.WriteHeader(http.StatusNotFound)

	if rw.status != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rw.status)
	}
}
