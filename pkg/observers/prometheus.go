package observers

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/harunnryd/siavoice/pkg/metrics"
)

// PrometheusObserver maps conversation metrics events onto Prometheus instruments.
type PrometheusObserver struct {
	gatherer prometheus.Gatherer

	Transitions       *prometheus.CounterVec
	Utterances        *prometheus.CounterVec
	MalformedFrames   prometheus.Counter
	Connected         prometheus.Gauge
	FirstReplyLatency prometheus.Histogram
	TurnDuration      prometheus.Histogram
	UtteranceBytes    prometheus.Histogram
}

// NewPrometheusObserver registers instruments on reg. A nil reg uses a private registry.
func NewPrometheusObserver(namespace string, reg *prometheus.Registry) *PrometheusObserver {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &PrometheusObserver{
		gatherer: reg,
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Conversation state transitions by target state.",
		}, []string{"to"}),
		Utterances: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "utterances_total",
			Help:      "Utterances by outcome (sent, failed, discarded).",
		}, []string{"outcome"}),
		MalformedFrames: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_frames_total",
			Help:      "Inbound frames dropped because they were not valid JSON.",
		}),
		Connected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected",
			Help:      "1 while the realtime session is connected.",
		}),
		FirstReplyLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_reply_latency_ms",
			Help:      "Latency from utterance sent to first reply event in milliseconds.",
			Buckets:   []float64{200, 400, 700, 1000, 1500, 2500, 4000, 8000},
		}),
		TurnDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_ms",
			Help:      "Duration from utterance ready to listening again in milliseconds.",
			Buckets:   []float64{1000, 2000, 4000, 8000, 15000, 30000},
		}),
		UtteranceBytes: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "utterance_bytes",
			Help:      "Size of sent utterances.",
			Buckets:   prometheus.ExponentialBuckets(5000, 2, 8),
		}),
	}
}

func (o *PrometheusObserver) RecordEvent(ev metrics.MetricsEvent) {
	switch ev.Name {
	case metrics.EventStateChange:
		if ev.Tags != nil {
			o.Transitions.WithLabelValues(ev.Tags["to"]).Inc()
		}
	case metrics.EventUtteranceSent:
		o.Utterances.WithLabelValues("sent").Inc()
		o.UtteranceBytes.Observe(ev.Value)
	case metrics.EventSendFailed:
		o.Utterances.WithLabelValues("failed").Inc()
	case metrics.EventUtteranceDiscarded:
		o.Utterances.WithLabelValues("discarded").Inc()
	case metrics.EventMalformedFrame:
		o.MalformedFrames.Inc()
	case metrics.EventConnection:
		o.Connected.Set(ev.Value)
	case metrics.EventFirstReply:
		o.FirstReplyLatency.Observe(ev.Value)
	case metrics.EventTurnComplete:
		o.TurnDuration.Observe(ev.Value)
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (o *PrometheusObserver) Handler() http.Handler {
	return promhttp.HandlerFor(o.gatherer, promhttp.HandlerOpts{})
}
