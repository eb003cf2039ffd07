package healthcheck

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(handler gin.HandlerFunc, path string) *httptest.ResponseRecorder {
	router := gin.New()
	router.GET(path, handler)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthHandlerHealthy(t *testing.T) {
	tracker := NewTracker()
	tracker.RecordCycle("gen-1", 150*time.Millisecond, 4, 1)

	rec := serve(HealthHandler(tracker, 5*time.Second), "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var payload Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.LastCycleTime == nil {
		t.Fatalf("expected last cycle time to be set")
	}
	if payload.ServicesProbed != 4 || payload.ServicesUnhealthy != 1 {
		t.Fatalf("unexpected counts %+v", payload)
	}
	if payload.CycleDurationMS != 150 {
		t.Fatalf("expected duration 150ms, got %d", payload.CycleDurationMS)
	}
	if payload.Generation != "gen-1" {
		t.Fatalf("expected generation gen-1, got %q", payload.Generation)
	}
}

func TestHealthHandlerUnhealthyWhenStale(t *testing.T) {
	tracker := NewTracker()
	tracker.now = func() time.Time { return time.Now().Add(-10 * time.Second) }
	tracker.RecordCycle("gen-1", 10*time.Millisecond, 1, 0)

	rec := serve(HealthHandler(tracker, 3*time.Second), "/healthz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestReadyHandler(t *testing.T) {
	tracker := NewTracker()

	rec := serve(ReadyHandler(tracker), "/readyz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before ready, got %d", rec.Code)
	}

	tracker.RecordCycle("gen-1", 5*time.Millisecond, 1, 0)
	rec = serve(ReadyHandler(tracker), "/readyz")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 after ready, got %d", rec.Code)
	}
}

func TestNilTrackerIsUnavailable(t *testing.T) {
	var tracker *Tracker
	if rec := serve(HealthHandler(tracker, time.Second), "/healthz"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for nil tracker, got %d", rec.Code)
	}
}
