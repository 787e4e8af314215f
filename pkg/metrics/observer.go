package metrics

import "time"

// Event names recorded by the conversation core.
const (
	EventUtteranceReady     = "endpoint_utterance"
	EventUtteranceDiscarded = "endpoint_discard"
	EventUtteranceSent      = "utterance_sent"
	EventSendFailed         = "utterance_send_failed"
	EventFirstReply         = "first_reply"
	EventPlaybackDone       = "playback_done"
	EventTurnComplete       = "turn_complete"
	EventStateChange        = "state_change"
	EventConnection         = "connection"
	EventMalformedFrame     = "malformed_frame"
)

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}
