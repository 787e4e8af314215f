package transports

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/harunnryd/siavoice/pkg/errorsx"
	"github.com/harunnryd/siavoice/pkg/logging"
)

// Factory builds an unconnected transport of the given kind.
type Factory func(kind Kind) (Transport, error)

// ErrSelectorClosed is returned by Open after Close.
var ErrSelectorClosed = errors.New("transport selector closed")

// SelectKind picks the transport for a deployment: a secure base URL means the
// negotiated hub, anything else the direct socket.
func SelectKind(baseURL string) Kind {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err == nil && strings.EqualFold(u.Scheme, "https") {
		return KindNegotiated
	}
	return KindDirect
}

// ParseKind resolves a configured kind; "auto" and "" defer to SelectKind.
func ParseKind(v, baseURL string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "auto":
		return SelectKind(baseURL), nil
	case string(KindDirect):
		return KindDirect, nil
	case string(KindNegotiated), "signalr", "hub":
		return KindNegotiated, nil
	default:
		return "", fmt.Errorf("unknown transport kind %q", v)
	}
}

// Selector decides the transport kind once and owns the single live Session.
type Selector struct {
	kind    Kind
	factory Factory
	log     *slog.Logger

	mu      sync.Mutex
	current *Session
	closed  bool
}

func NewSelector(kind Kind, factory Factory, log *slog.Logger) *Selector {
	if log == nil {
		log = slog.Default()
	}
	return &Selector{
		kind:    kind,
		factory: factory,
		log:     logging.NewComponentLogger(log, "transport_selector"),
	}
}

func (s *Selector) Kind() Kind { return s.kind }

// Current returns the live session, if any.
func (s *Selector) Current() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Open replaces any existing session with a freshly connected one.
func (s *Selector) Open(ctx context.Context) (*Session, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSelectorClosed
	}
	prev := s.current
	s.current = nil
	s.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
		s.log.Info("transport_session_replaced", "session_id", prev.ID())
	}

	tr, err := s.factory(s.kind)
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("build %s transport: %w", s.kind, err), errorsx.ReasonTransportConnect)
	}
	if err := tr.Connect(ctx); err != nil {
		_ = tr.Close()
		s.log.Warn("transport_connect_failed", "kind", string(s.kind), "reason_code", string(errorsx.ReasonTransportConnect), "error", err.Error())
		return nil, errorsx.Wrap(fmt.Errorf("connect %s transport: %w", s.kind, err), errorsx.ReasonTransportConnect)
	}

	sess := newSession(tr)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = sess.Close()
		return nil, ErrSelectorClosed
	}
	s.current = sess
	s.mu.Unlock()

	args := []any{}
	for k, v := range sess.ReadyFields() {
		args = append(args, k, v)
	}
	s.log.Info("transport_session_opened", args...)
	return sess, nil
}

// Release closes sess if it is the current session.
func (s *Selector) Release(sess *Session) error {
	if sess == nil {
		return nil
	}
	s.mu.Lock()
	if s.current == sess {
		s.current = nil
	}
	s.mu.Unlock()
	return sess.Close()
}

// Close closes the live session and refuses further Opens. Safe to call twice.
func (s *Selector) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cur := s.current
	s.current = nil
	s.mu.Unlock()
	if cur != nil {
		return cur.Close()
	}
	return nil
}

// Reopen lets a closed selector open sessions again.
func (s *Selector) Reopen() {
	s.mu.Lock()
	s.closed = false
	s.mu.Unlock()
}
