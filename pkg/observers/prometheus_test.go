package observers

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/harunnryd/siavoice/pkg/metrics"
)

func TestPrometheusObserverCounts(t *testing.T) {
	obs := NewPrometheusObserver("siavoice_test", nil)
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventUtteranceSent, Value: 8000})
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventUtteranceDiscarded})
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventStateChange, Tags: map[string]string{"to": "LISTENING"}})
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventConnection, Value: 1})

	if got := testutil.ToFloat64(obs.Utterances.WithLabelValues("sent")); got != 1 {
		t.Fatalf("expected 1 sent utterance, got %v", got)
	}
	if got := testutil.ToFloat64(obs.Utterances.WithLabelValues("discarded")); got != 1 {
		t.Fatalf("expected 1 discarded utterance, got %v", got)
	}
	if got := testutil.ToFloat64(obs.Connected); got != 1 {
		t.Fatalf("expected connected gauge 1, got %v", got)
	}

	rec := httptest.NewRecorder()
	obs.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `siavoice_test_state_transitions_total{to="LISTENING"} 1`) {
		t.Fatalf("expected transition counter in exposition, got %s", body)
	}
}
