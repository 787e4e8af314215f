package observers

import (
	"context"
	"log/slog"
	"sort"

	"github.com/harunnryd/siavoice/pkg/metrics"
	"github.com/harunnryd/siavoice/pkg/redact"
)

// LoggerObserver mirrors metrics events into slog. Failures are logged at
// warn, connection and state changes at info, everything else at debug.
type LoggerObserver struct {
	log *slog.Logger
}

func NewLoggerObserver(log *slog.Logger) *LoggerObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LoggerObserver{log: log.With("component", "metrics")}
}

func (o *LoggerObserver) RecordEvent(ev metrics.MetricsEvent) {
	level := eventLevel(ev.Name)
	ctx := context.Background()
	if !o.log.Enabled(ctx, level) {
		return
	}
	attrs := make([]slog.Attr, 0, 2+len(ev.Tags)+len(ev.Fields))
	attrs = append(attrs, slog.Float64("value", ev.Value))
	if !ev.Time.IsZero() {
		attrs = append(attrs, slog.Time("at", ev.Time))
	}
	for _, k := range sortedKeys(ev.Tags) {
		attrs = append(attrs, slog.String(k, ev.Tags[k]))
	}
	for _, k := range sortedKeys(ev.Fields) {
		attrs = append(attrs, fieldAttr(k, ev.Fields[k]))
	}
	o.log.LogAttrs(ctx, level, ev.Name, attrs...)
}

func eventLevel(name string) slog.Level {
	switch name {
	case metrics.EventSendFailed, metrics.EventMalformedFrame:
		return slog.LevelWarn
	case metrics.EventConnection, metrics.EventStateChange:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// Transcripts and error strings can carry user speech.
func fieldAttr(k string, v any) slog.Attr {
	switch val := v.(type) {
	case string:
		return slog.String(k, redact.Text(val))
	case error:
		return slog.String(k, redact.Text(val.Error()))
	default:
		return slog.Any(k, v)
	}
}

func sortedKeys[T any](m map[string]T) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type MultiObserver struct {
	list []metrics.Observer
}

func NewMultiObserver(list ...metrics.Observer) *MultiObserver {
	return &MultiObserver{list: list}
}

func (m *MultiObserver) RecordEvent(ev metrics.MetricsEvent) {
	for _, obs := range m.list {
		if obs != nil {
			obs.RecordEvent(ev)
		}
	}
}

// Flush flushes every member that supports it.
func (m *MultiObserver) Flush() error {
	var first error
	for _, obs := range m.list {
		if f, ok := obs.(metrics.Flusher); ok {
			if err := f.Flush(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
