package events

import (
	"time"

	"github.com/harunnryd/siavoice/pkg/errorsx"
)

type Kind string

const (
	KindTranscript Kind = "transcript"
	KindAudioReply Kind = "audio_reply"
	KindTextReply  Kind = "text_reply"
	KindComplete   Kind = "complete"
	KindError      Kind = "error"
	KindConnection Kind = "connection"
)

// Event is one item on the conversation event stream.
type Event interface {
	Kind() Kind
	At() time.Time
}

// Transcript is the service's transcription of the user's last utterance.
type Transcript struct {
	Text string
	Time time.Time
}

func (e Transcript) Kind() Kind    { return KindTranscript }
func (e Transcript) At() time.Time { return e.Time }

// AudioReply carries a base64 encoded spoken reply and its optional text.
type AudioReply struct {
	Audio string
	Text  string
	Time  time.Time
}

func (e AudioReply) Kind() Kind    { return KindAudioReply }
func (e AudioReply) At() time.Time { return e.Time }

type TextReply struct {
	Text string
	Time time.Time
}

func (e TextReply) Kind() Kind    { return KindTextReply }
func (e TextReply) At() time.Time { return e.Time }

// Complete marks the end of the reply cycle for the pending utterance.
type Complete struct {
	Time time.Time
}

func (e Complete) Kind() Kind    { return KindComplete }
func (e Complete) At() time.Time { return e.Time }

type Error struct {
	Message     string
	Reason      errorsx.ReasonCode
	Recoverable bool
	Time        time.Time
}

func (e Error) Kind() Kind    { return KindError }
func (e Error) At() time.Time { return e.Time }

// Connection reports transport liveness. Final is set once the transport gave up reconnecting.
type Connection struct {
	Connected bool
	Final     bool
	Err       error
	Time      time.Time
}

func (e Connection) Kind() Kind    { return KindConnection }
func (e Connection) At() time.Time { return e.Time }

// FromError normalizes err into an Error event.
func FromError(err error) Error {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return Error{
		Message:     msg,
		Reason:      errorsx.Reason(err),
		Recoverable: errorsx.Recoverable(err),
		Time:        time.Now(),
	}
}
