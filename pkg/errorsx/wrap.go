package errorsx

import (
	"errors"
	"fmt"
)

// ReasonedError wraps an error with a reason code.
type ReasonedError struct {
	Err    error
	Reason ReasonCode
}

func (e ReasonedError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return e.Err.Error()
}

func (e ReasonedError) Unwrap() error {
	return e.Err
}

// Wrap attaches a reason code to an error (no-op if err is nil or already reasoned).
func Wrap(err error, reason ReasonCode) error {
	if err == nil {
		return nil
	}
	var re ReasonedError
	if errors.As(err, &re) {
		return err
	}
	return ReasonedError{Err: err, Reason: reason}
}

// Newf formats a new error carrying reason.
func Newf(reason ReasonCode, format string, args ...any) error {
	return ReasonedError{Err: fmt.Errorf(format, args...), Reason: reason}
}

// Reason extracts a reason code from an error, if present.
func Reason(err error) ReasonCode {
	if err == nil {
		return ReasonUnknown
	}
	var re ReasonedError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ReasonUnknown
}

// HasReason returns true if err contains the given reason code.
func HasReason(err error, reason ReasonCode) bool {
	return Reason(err) == reason
}

var descriptions = map[ReasonCode]string{
	ReasonCaptureStart:     "microphone unavailable",
	ReasonCaptureStream:    "microphone lost",
	ReasonNegotiate:        "failed to connect",
	ReasonTransportConnect: "failed to connect",
	ReasonTransportClosed:  "connection lost",
	ReasonTransportSend:    "send failed",
	ReasonSendRejected:     "message rejected",
	ReasonMalformedFrame:   "unreadable reply",
	ReasonPlaybackDecode:   "unplayable audio",
	ReasonPlaybackFailed:   "playback failed",
}

// Summary renders err for the status line, prefixed with a short phrase for its reason.
func Summary(err error) string {
	if err == nil {
		return ""
	}
	desc, ok := descriptions[Reason(err)]
	if !ok {
		return err.Error()
	}
	return desc + ": " + err.Error()
}
