package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordersAndExposition(t *testing.T) {
	t.Parallel()
	m := New()

	m.ObserveHTTPRequest("/chat", "POST", 402, 20*time.Millisecond)
	m.ObserveHTTPRequest("/chat", "POST", 503, time.Second)
	m.ObservePaymentVerdict("confirmed")
	m.ObserveTransition("AWAITING_PAYMENT", "CONFIRMED")
	m.ObserveJob("complete")
	done := m.StreamOpened()

	if got := testutil.ToFloat64(m.errors.WithLabelValues("/chat", "POST")); got != 1 {
		t.Fatalf("expected 1 server error, got %v", got)
	}
	if got := testutil.ToFloat64(m.streams); got != 1 {
		t.Fatalf("expected one open stream, got %v", got)
	}
	done()
	if got := testutil.ToFloat64(m.streams); got != 0 {
		t.Fatalf("expected no open streams, got %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`openclaw_http_requests_total{code="402",handler="/chat",method="POST"} 1`,
		`openclaw_payment_verdicts_total{verdict="confirmed"} 1`,
		`openclaw_session_transitions_total{from="AWAITING_PAYMENT",to="CONFIRMED"} 1`,
		`openclaw_job_outcomes_total{status="complete"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("exposition missing %q", want)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()
	var m *Metrics
	m.ObserveHTTPRequest("/health", "GET", 200, time.Millisecond)
	m.ObservePaymentVerdict("not_found")
	m.ObserveTransition("a", "b")
	m.ObserveJob("failed")
	m.StreamOpened()()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Fatalf("expected 404 from nil handler, got %d", rec.Code)
	}
}
