package mock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/harunnryd/siavoice/pkg/transports"
)

// Transport is an in-memory transport for local testing and integration.
// It implements the transports.Transport interface without any network dependency.
type Transport struct {
	kind     transports.Kind
	relay    transports.RelayKind
	identity string

	recvCh chan transports.Inbound
	sentCh chan []byte

	mu         sync.Mutex
	connectErr error
	deliver    func(payload []byte) ([]byte, error)

	connects  atomic.Int32
	connected atomic.Bool
	closed    atomic.Bool
}

func New(kind transports.Kind) *Transport {
	if kind == "" {
		kind = transports.KindDirect
	}
	return &Transport{
		kind:     kind,
		relay:    transports.RelayNone,
		identity: "mock-user",
		recvCh:   make(chan transports.Inbound, 256),
		sentCh:   make(chan []byte, 256),
	}
}

func (t *Transport) Name() string                       { return "mock" }
func (t *Transport) Kind() transports.Kind              { return t.kind }
func (t *Transport) Relay() transports.RelayKind        { return t.relay }
func (t *Transport) Identity() string                   { return t.identity }
func (t *Transport) Connected() bool                    { return t.connected.Load() }
func (t *Transport) Inbound() <-chan transports.Inbound { return t.recvCh }
func (t *Transport) Sent() <-chan []byte                { return t.sentCh }
func (t *Transport) Connects() int                      { return int(t.connects.Load()) }
func (t *Transport) Closed() bool                       { return t.closed.Load() }
func (t *Transport) SetRelay(r transports.RelayKind)    { t.relay = r }
func (t *Transport) SetIdentity(id string)              { t.identity = id }

// SetConnectError makes the next Connect calls fail with err.
func (t *Transport) SetConnectError(err error) {
	t.mu.Lock()
	t.connectErr = err
	t.mu.Unlock()
}

// SetDeliver overrides the response returned for outbound payloads.
func (t *Transport) SetDeliver(fn func(payload []byte) ([]byte, error)) {
	t.mu.Lock()
	t.deliver = fn
	t.mu.Unlock()
}

func (t *Transport) Connect(ctx context.Context) error {
	t.connects.Add(1)
	t.mu.Lock()
	err := t.connectErr
	t.mu.Unlock()
	if err != nil {
		return err
	}
	t.connected.Store(true)
	t.Push(transports.Notice(transports.InboundConnected, nil))
	return nil
}

func (t *Transport) Close() error {
	if t.closed.CompareAndSwap(false, true) {
		t.connected.Store(false)
		t.mu.Lock()
		close(t.recvCh)
		close(t.sentCh)
		t.mu.Unlock()
	}
	return nil
}

func (t *Transport) Deliver(ctx context.Context, payload []byte) ([]byte, error) {
	t.mu.Lock()
	if t.closed.Load() {
		t.mu.Unlock()
		return nil, errors.New("mock transport closed")
	}
	cp := append([]byte(nil), payload...)
	select {
	case t.sentCh <- cp:
	default:
	}
	fn := t.deliver
	t.mu.Unlock()
	if fn != nil {
		return fn(cp)
	}
	return nil, nil
}

// Push injects an inbound item into the transport.
func (t *Transport) Push(in transports.Inbound) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return
	}
	switch in.Kind {
	case transports.InboundConnected:
		t.connected.Store(true)
	case transports.InboundReconnecting, transports.InboundClosed:
		t.connected.Store(false)
	}
	select {
	case t.recvCh <- in:
	default:
	}
}

// PushMessage injects a message on channel; use "" for direct frames.
func (t *Transport) PushMessage(channel string, data string) {
	t.Push(transports.Message(channel, []byte(data)))
}
