package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harunnryd/siavoice/pkg/errorsx"
	"github.com/harunnryd/siavoice/pkg/events"
	"github.com/harunnryd/siavoice/pkg/transports"
)

// Frame types on the direct socket and in send-message bodies.
const (
	TypeAudio      = "audio"
	TypeText       = "text"
	TypeTranscript = "transcript"
	TypeError      = "error"
	TypeComplete   = "complete"
)

// Frame is the direct socket message and the negotiated send-message body.
type Frame struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Text    string `json:"text,omitempty"`
	UserID  string `json:"userId,omitempty"`
}

// SendResponse is the send-message reply. Response is only present for
// backends that answer text inline.
type SendResponse struct {
	Status   string `json:"status"`
	Response string `json:"response,omitempty"`
}

// ErrUnknownType marks a well-formed frame whose type is not recognized.
var ErrUnknownType = errors.New("unknown frame type")

// EncodeAudio base64-encodes an utterance for the wire.
func EncodeAudio(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// EncodeFrame builds the outbound message for kind. Identity is attached only
// on the negotiated transport.
func EncodeFrame(kind transports.Kind, typ, content, identity string) ([]byte, error) {
	f := Frame{Type: typ, Content: content}
	if kind == transports.KindNegotiated {
		f.UserID = identity
	}
	return json.Marshal(f)
}

// ParseSendResponse reads {status, response?}. A body that is not JSON counts as success.
func ParseSendResponse(body []byte) SendResponse {
	var resp SendResponse
	raw := bytes.TrimSpace(body)
	if len(raw) == 0 || json.Unmarshal(raw, &resp) != nil {
		return SendResponse{Status: "success"}
	}
	if resp.Status == "" {
		resp.Status = "success"
	}
	return resp
}

// Failed reports whether the backend rejected the message.
func (r SendResponse) Failed() bool {
	switch strings.ToLower(r.Status) {
	case "error", "failed", "failure":
		return true
	}
	return false
}

// DecodeFrame maps a direct socket frame to a conversation event.
func DecodeFrame(data []byte, now time.Time) (events.Event, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("decode frame: %w", err), errorsx.ReasonMalformedFrame)
	}
	switch strings.ToLower(f.Type) {
	case TypeAudio:
		return events.AudioReply{Audio: f.Content, Text: f.Text, Time: now}, nil
	case TypeTranscript:
		return events.Transcript{Text: f.Content, Time: now}, nil
	case TypeText:
		return events.TextReply{Text: f.Content, Time: now}, nil
	case TypeError:
		msg := f.Content
		if msg == "" {
			msg = "remote error"
		}
		return events.Error{Message: msg, Reason: errorsx.ReasonUnknown, Recoverable: true, Time: now}, nil
	case TypeComplete:
		return events.Complete{Time: now}, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownType, f.Type)
	}
}

// invocationPayload is the object form of a hub invocation argument.
type invocationPayload struct {
	Content string `json:"content"`
	Text    string `json:"text"`
	Audio   string `json:"audio"`
	Message string `json:"message"`
}

// DecodeInvocation maps a hub invocation (target plus JSON argument array) to an event.
func DecodeInvocation(channel string, args []byte, now time.Time) (events.Event, error) {
	var list []json.RawMessage
	if len(bytes.TrimSpace(args)) > 0 {
		if err := json.Unmarshal(args, &list); err != nil {
			return nil, errorsx.Wrap(fmt.Errorf("decode %s arguments: %w", channel, err), errorsx.ReasonMalformedFrame)
		}
	}
	var p invocationPayload
	if len(list) > 0 {
		first := bytes.TrimSpace(list[0])
		switch {
		case len(first) > 0 && first[0] == '"':
			var s string
			if err := json.Unmarshal(first, &s); err != nil {
				return nil, errorsx.Wrap(err, errorsx.ReasonMalformedFrame)
			}
			p.Content = s
		case len(first) > 0 && first[0] == '{':
			if err := json.Unmarshal(first, &p); err != nil {
				return nil, errorsx.Wrap(fmt.Errorf("decode %s payload: %w", channel, err), errorsx.ReasonMalformedFrame)
			}
		case string(first) == "null":
		default:
			return nil, errorsx.Newf(errorsx.ReasonMalformedFrame, "unexpected %s argument %s", channel, first)
		}
		if p.Text == "" && len(list) > 1 {
			var s string
			if json.Unmarshal(list[1], &s) == nil {
				p.Text = s
			}
		}
	}

	switch strings.ToLower(channel) {
	case transports.ChannelTranscript:
		return events.Transcript{Text: firstNonEmpty(p.Text, p.Content, p.Message), Time: now}, nil
	case transports.ChannelAudio:
		audio := firstNonEmpty(p.Audio, p.Content)
		if audio == "" {
			return nil, errorsx.Newf(errorsx.ReasonMalformedFrame, "audio invocation without payload")
		}
		return events.AudioReply{Audio: audio, Text: firstNonEmpty(p.Text, p.Message), Time: now}, nil
	case transports.ChannelComplete:
		return events.Complete{Time: now}, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownType, channel)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
