package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonCaptureStart  ReasonCode = "capture_start"
	ReasonCaptureStream ReasonCode = "capture_stream"

	ReasonNegotiate        ReasonCode = "negotiate"
	ReasonTransportConnect ReasonCode = "transport_connect"
	ReasonTransportClosed  ReasonCode = "transport_closed"
	ReasonTransportSend    ReasonCode = "transport_send"
	ReasonSendRejected     ReasonCode = "send_rejected"

	ReasonMalformedFrame ReasonCode = "malformed_frame"

	ReasonPlaybackDecode ReasonCode = "playback_decode"
	ReasonPlaybackFailed ReasonCode = "playback_failed"
)

// Recoverable reports whether the conversation may resume listening after err.
// Capture failures need user action (microphone permission, missing device) and are fatal.
func Recoverable(err error) bool {
	if err == nil {
		return true
	}
	switch Reason(err) {
	case ReasonCaptureStart, ReasonCaptureStream:
		return false
	default:
		return true
	}
}
