package transports

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Session is one connection to the remote service. It is created by the Selector
// and replaced, not reused, when a new connection is needed.
type Session struct {
	id       string
	tr       Transport
	openedAt time.Time

	// identity and relay are fixed when the session opens; a transport
	// reconnect does not move an open session to another user or relay.
	identity string
	relay    RelayKind

	closed atomic.Bool
	once   sync.Once
	err    error
}

func newSession(tr Transport) *Session {
	return &Session{
		id:       uuid.NewString(),
		tr:       tr,
		openedAt: time.Now(),
		identity: tr.Identity(),
		relay:    tr.Relay(),
	}
}

// NewSession wraps an already connected transport. The Selector is the usual caller.
func NewSession(tr Transport) *Session { return newSession(tr) }

func (s *Session) ID() string              { return s.id }
func (s *Session) Kind() Kind              { return s.tr.Kind() }
func (s *Session) Relay() RelayKind        { return s.relay }
func (s *Session) Identity() string        { return s.identity }
func (s *Session) Transport() string       { return s.tr.Name() }
func (s *Session) OpenedAt() time.Time     { return s.openedAt }
func (s *Session) Inbound() <-chan Inbound { return s.tr.Inbound() }

// Live reports whether the session is open and its transport currently connected.
func (s *Session) Live() bool {
	return !s.closed.Load() && s.tr.Connected()
}

func (s *Session) Deliver(ctx context.Context, payload []byte) ([]byte, error) {
	return s.tr.Deliver(ctx, payload)
}

// Close closes the transport once.
func (s *Session) Close() error {
	s.once.Do(func() {
		s.closed.Store(true)
		s.err = s.tr.Close()
	})
	return s.err
}

// ReadyFields merges transport metadata with the session identity.
func (s *Session) ReadyFields() map[string]any {
	out := map[string]any{
		"session_id": s.id,
		"transport":  string(s.Kind()),
		"relay":      string(s.Relay()),
	}
	if rr, ok := s.tr.(ReadyReporter); ok {
		for k, v := range rr.ReadyFields() {
			out[k] = v
		}
	}
	return out
}
