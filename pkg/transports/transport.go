package transports

import (
	"context"
	"strings"
	"time"
)

// Kind is the physical transport variant, selected once per client.
type Kind string

const (
	KindDirect     Kind = "direct"
	KindNegotiated Kind = "negotiated"
)

// RelayKind refines KindNegotiated: whether the hub is hosted by the backend
// or by the managed relay service.
type RelayKind string

const (
	RelayNone    RelayKind = "none"
	RelayManaged RelayKind = "managed"
)

// Remote event channels every transport delivers, whatever its wire shape.
const (
	ChannelTranscript = "transcript"
	ChannelAudio      = "audio"
	ChannelComplete   = "complete"
)

var Channels = []string{ChannelTranscript, ChannelAudio, ChannelComplete}

// Subscribed reports whether target names one of Channels (case-insensitive).
func Subscribed(target string) bool {
	for _, c := range Channels {
		if strings.EqualFold(c, target) {
			return true
		}
	}
	return false
}

// Transport defines the I/O boundary to the remote assistant service.
// Implementations own their network lifecycle, including reconnection.
type Transport interface {
	Name() string
	Kind() Kind
	Relay() RelayKind
	// Identity is the opaque user/connection token issued while connecting.
	Identity() string
	Connect(ctx context.Context) error
	Close() error
	Connected() bool
	// Inbound delivers messages and connection notices. Closed after the transport stops.
	Inbound() <-chan Inbound
	// Deliver sends one encoded message and returns the response body, if the transport has one.
	Deliver(ctx context.Context, payload []byte) ([]byte, error)
}

type InboundKind int

const (
	InboundMessage InboundKind = iota
	InboundConnected
	InboundReconnecting
	InboundClosed
)

func (k InboundKind) String() string {
	switch k {
	case InboundMessage:
		return "message"
	case InboundConnected:
		return "connected"
	case InboundReconnecting:
		return "reconnecting"
	case InboundClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Inbound is one item read from a transport. Channel is empty for direct frames,
// which carry their own type discriminator in Data.
type Inbound struct {
	Kind    InboundKind
	Channel string
	Data    []byte
	Err     error
	Time    time.Time
}

func Message(channel string, data []byte) Inbound {
	return Inbound{Kind: InboundMessage, Channel: channel, Data: data, Time: time.Now()}
}

func Notice(kind InboundKind, err error) Inbound {
	return Inbound{Kind: kind, Err: err, Time: time.Now()}
}

// ReadyReporter allows transports to expose connection metadata for logging.
type ReadyReporter interface {
	ReadyFields() map[string]any
}
