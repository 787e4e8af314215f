package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/siavoice/pkg/metrics"
)

// LatencyObserver assembles per-turn timings from events tagged with turn_id
// and logs them once the turn completes.
type LatencyObserver struct {
	mu     sync.Mutex
	traces map[string]*trace
	log    *slog.Logger
	onTurn func(TurnLatency)
}

type trace struct {
	utteranceReady time.Time
	sent           time.Time
	firstReply     time.Time
	playbackDone   time.Time
	complete       time.Time
	transport      string
	sessionID      string
}

// TurnLatency summarizes one completed turn in milliseconds. -1 means the stage did not happen.
type TurnLatency struct {
	TurnID       string
	SessionID    string
	Transport    string
	SendMS       int64
	FirstReplyMS int64
	PlaybackMS   int64
	TotalMS      int64
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		traces: make(map[string]*trace),
		log:    log,
	}
}

// OnTurn registers fn to receive each completed turn summary.
func (o *LatencyObserver) OnTurn(fn func(TurnLatency)) {
	o.mu.Lock()
	o.onTurn = fn
	o.mu.Unlock()
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	turnID := ""
	if ev.Tags != nil {
		turnID = ev.Tags["turn_id"]
	}
	if turnID == "" {
		return
	}
	o.mu.Lock()
	t := o.traces[turnID]
	if t == nil {
		t = &trace{}
		o.traces[turnID] = t
	}
	if v := ev.Tags["transport"]; v != "" && t.transport == "" {
		t.transport = v
	}
	if v := ev.Tags["session_id"]; v != "" && t.sessionID == "" {
		t.sessionID = v
	}
	switch ev.Name {
	case metrics.EventUtteranceReady:
		if t.utteranceReady.IsZero() {
			t.utteranceReady = ev.Time
		}
	case metrics.EventUtteranceSent:
		if t.sent.IsZero() {
			t.sent = ev.Time
		}
	case metrics.EventFirstReply:
		if t.firstReply.IsZero() {
			t.firstReply = ev.Time
		}
	case metrics.EventPlaybackDone:
		t.playbackDone = ev.Time
	case metrics.EventTurnComplete:
		t.complete = ev.Time
	}
	var summary *TurnLatency
	if !t.complete.IsZero() {
		s := o.summarizeLocked(turnID, t)
		summary = &s
		delete(o.traces, turnID)
	}
	fn := o.onTurn
	o.mu.Unlock()

	if summary != nil {
		o.log.Info("turn_latency",
			"turn_id", summary.TurnID,
			"session_id", summary.SessionID,
			"transport", summary.Transport,
			"send_ms", summary.SendMS,
			"first_reply_ms", summary.FirstReplyMS,
			"playback_ms", summary.PlaybackMS,
			"total_ms", summary.TotalMS,
		)
		if fn != nil {
			fn(*summary)
		}
	}
}

func (o *LatencyObserver) summarizeLocked(turnID string, t *trace) TurnLatency {
	start := t.utteranceReady
	if start.IsZero() {
		start = t.sent
	}
	return TurnLatency{
		TurnID:       turnID,
		SessionID:    t.sessionID,
		Transport:    t.transport,
		SendMS:       durationMs(t.utteranceReady, t.sent),
		FirstReplyMS: durationMs(t.sent, t.firstReply),
		PlaybackMS:   durationMs(t.firstReply, t.playbackDone),
		TotalMS:      durationMs(start, t.complete),
	}
}

// Pending returns how many turns are still open.
func (o *LatencyObserver) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.traces)
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}
