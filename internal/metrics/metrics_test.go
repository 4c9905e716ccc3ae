package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerServesRegisteredCollectors(t *testing.T) {
	ConnectionsAccepted.Inc()
	QueueDepth.Set(3)
	DispatchOutcomes.WithLabelValues("accepted").Inc()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "enrolld_connections_accepted_total") {
		t.Fatalf("expected connections_accepted_total in output, got:\n%s", body)
	}
	if !strings.Contains(body, "enrolld_dispatch_outcomes_total") {
		t.Fatalf("expected dispatch_outcomes_total in output")
	}
}

func TestTimerObservesDuration(t *testing.T) {
	timer := NewTimer()
	timer.ObserveDuration(DispatchDuration)
	if timer.Duration() < 0 {
		t.Fatalf("expected non-negative duration")
	}
}
