package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecordCounts(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewWithRegisterer(registry, Config{ServiceName: "muse", Environment: "test"})

	m.RecordGrant("TRIAL")
	m.RecordGrant("trial")
	m.RecordConsume("PAYGO", "ai-image")
	m.RecordRefund()
	m.RecordInsufficient("ai-video")
	m.RecordRaceConflict("subscription")
	m.RecordExpiredGrants(3)
	m.RecordExpiredGrants(0)

	if got := testutil.ToFloat64(m.grants.WithLabelValues("trial")); got != 2 {
		t.Fatalf("expected 2 trial grants, got %v", got)
	}
	if got := testutil.ToFloat64(m.consumes.WithLabelValues("paygo", "ai-image")); got != 1 {
		t.Fatalf("expected 1 paygo consume, got %v", got)
	}
	if got := testutil.ToFloat64(m.refunds); got != 1 {
		t.Fatalf("expected 1 refund, got %v", got)
	}
	if got := testutil.ToFloat64(m.insufficient.WithLabelValues("ai-video")); got != 1 {
		t.Fatalf("expected 1 insufficient, got %v", got)
	}
	if got := testutil.ToFloat64(m.raceConflicts.WithLabelValues("subscription")); got != 1 {
		t.Fatalf("expected 1 race conflict, got %v", got)
	}
	if got := testutil.ToFloat64(m.expiredGrants); got != 3 {
		t.Fatalf("expected 3 expired grants, got %v", got)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.RecordGrant("trial")
	m.RecordConsume("paygo", "ai-image")
	m.RecordRefund()
	m.RecordInsufficient("ai-chat")
	m.RecordRaceConflict("trial")
	m.RecordExpiredGrants(1)
}

func TestHTTPMiddlewareRecordsRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)

	registry := prometheus.NewRegistry()
	m := NewHTTPMetricsWithRegisterer(registry, Config{ServiceName: "muse", Environment: "test"})

	engine := gin.New()
	engine.Use(GinMiddleware(m))
	engine.GET("/v1/ping", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/ping", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if got := testutil.ToFloat64(m.requests.WithLabelValues("/v1/ping", http.MethodGet, "204")); got != 1 {
		t.Fatalf("expected 1 request observation, got %v", got)
	}
}
