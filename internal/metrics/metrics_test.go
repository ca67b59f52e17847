package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestReadyHandler_TogglesWithSetReady(t *testing.T) {
	r := New()
	mux := r.Mux()

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before ready, got %d", rec.Code)
	}

	r.SetReady(true)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 after ready, got %d", rec.Code)
	}
}

func TestHealthHandler_AlwaysOK(t *testing.T) {
	r := New()
	mux := r.Mux()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestMetricsHandler_ExposesRegisteredMetric(t *testing.T) {
	r := New()
	r.MessagesTotal.WithLabelValues("kalshi", "0", "data").Inc()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "ingestcore_messages_total") {
		t.Errorf("expected metrics output to contain ingestcore_messages_total, got:\n%s", body)
	}
}
