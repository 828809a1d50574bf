package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape status = %d, want %d", rec.Code, http.StatusOK)
	}
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestCounters(t *testing.T) {
	m := New()
	m.GenerationStarted()
	m.GenerationFinished(true, 3*time.Second)
	m.GenerationFinished(false, time.Second)
	m.GenerationRefunded()
	m.CreditsPurchased(3)
	m.Webhook("credited")
	m.Backup(errors.New("boom"))

	out := scrape(t, m)
	for _, want := range []string{
		`virtualtours_generation_total{outcome="started"} 1`,
		`virtualtours_generation_total{outcome="ready"} 1`,
		`virtualtours_generation_total{outcome="failed"} 1`,
		`virtualtours_generation_total{outcome="refunded"} 1`,
		`virtualtours_ledger_credits_total{direction="purchase"} 3`,
		`virtualtours_checkout_webhooks_total{outcome="credited"} 1`,
		`virtualtours_backup_runs_total{result="error"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("scrape missing %q", want)
		}
	}
}

func TestInstrumentHandler(t *testing.T) {
	m := New()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /generations/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	h := m.InstrumentHandler(mux)

	for _, id := range []string{"1", "2"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/generations/"+id, nil))
	}

	out := scrape(t, m)
	want := `virtualtours_http_requests_total{method="GET",route="GET /generations/{id}",status="202"} 2`
	if !strings.Contains(out, want) {
		t.Errorf("scrape missing %q\n%s", want, out)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.GenerationStarted()
	m.GenerationFinished(true, time.Second)
	m.Webhook("duplicate")
	m.Backup(nil)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	if h := m.InstrumentHandler(next); h == nil {
		t.Error("nil metrics should pass the handler through")
	}
}
