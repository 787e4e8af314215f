package direct

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/siavoice/pkg/errorsx"
	"github.com/harunnryd/siavoice/pkg/logging"
	"github.com/harunnryd/siavoice/pkg/redact"
	"github.com/harunnryd/siavoice/pkg/resilience"
	"github.com/harunnryd/siavoice/pkg/transports"
)

// Path is appended to the websocket form of the backend base URL.
const Path = "/api/v1/ws"

type Config struct {
	URL              string        `mapstructure:"url"`
	AuthToken        string        `mapstructure:"auth_token"`
	MaxRetries       int           `mapstructure:"max_retries"`
	BaseBackoff      time.Duration `mapstructure:"base_backoff"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	// KeepAlive is the ping interval. A link with no frame or pong for two
	// intervals is treated as lost.
	KeepAlive time.Duration `mapstructure:"keepalive"`
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 8 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 15 * time.Second
	}
	return c
}

// URLFromBase maps http(s)://host to ws(s)://host/api/v1/ws.
func URLFromBase(base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + Path
}

// Option customizes a Transport.
type Option func(*Transport)

func WithLogger(log *slog.Logger) Option {
	return func(t *Transport) { t.log = logging.NewComponentLogger(log, "direct_transport") }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(t *Transport) {
		if d != nil {
			t.dialer = d
		}
	}
}

// WithDelayer replaces the reconnect backoff.
func WithDelayer(d resilience.Delayer) Option {
	return func(t *Transport) {
		if d != nil {
			t.delays = d
		}
	}
}

// Transport is a persistent websocket to the backend. Frames are JSON objects with
// a type discriminator; an unexpected close is retried with capped exponential backoff.
type Transport struct {
	cfg    Config
	log    *slog.Logger
	dialer *websocket.Dialer
	delays resilience.Delayer

	inbound chan transports.Inbound

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	connected atomic.Bool
	closed    atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func New(cfg Config, opts ...Option) *Transport {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		cfg:     cfg,
		log:     logging.NewComponentLogger(nil, "direct_transport"),
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		delays:  resilience.NewBackoff(cfg.MaxRetries, cfg.BaseBackoff, cfg.MaxBackoff, 0.2),
		inbound: make(chan transports.Inbound, 128),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) Name() string                       { return "direct" }
func (t *Transport) Kind() transports.Kind              { return transports.KindDirect }
func (t *Transport) Relay() transports.RelayKind        { return transports.RelayNone }
func (t *Transport) Identity() string                   { return "" }
func (t *Transport) Connected() bool                    { return t.connected.Load() }
func (t *Transport) Inbound() <-chan transports.Inbound { return t.inbound }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{"url": redact.URL(t.cfg.URL)}
}

// Connect dials once. Reconnection after a later drop is handled internally.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	started := t.done != nil
	t.mu.Unlock()
	if started {
		return nil
	}
	conn, err := t.dial(ctx)
	if err != nil {
		return err
	}
	t.mu.Lock()
	if t.closed.Load() {
		t.mu.Unlock()
		_ = conn.Close()
		return errors.New("direct transport closed")
	}
	t.conn = conn
	t.done = make(chan struct{})
	t.mu.Unlock()
	t.connected.Store(true)
	t.emit(transports.Notice(transports.InboundConnected, nil))
	t.log.Info("direct_connected", "url", redact.URL(t.cfg.URL))
	go t.run(conn)
	return nil
}

func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if t.cfg.AuthToken != "" {
		header.Set("Authorization", "Bearer "+t.cfg.AuthToken)
	}
	conn, resp, err := t.dialer.DialContext(ctx, t.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("dial %s: %w", redact.URL(t.cfg.URL), err), errorsx.ReasonTransportConnect)
	}
	return conn, nil
}

func (t *Transport) run(conn *websocket.Conn) {
	defer close(t.done)
	defer close(t.inbound)
	for {
		stop := make(chan struct{})
		go t.keepAlive(conn, stop)
		err := t.readLoop(conn)
		close(stop)
		t.connected.Store(false)
		if t.closed.Load() {
			return
		}
		t.log.Warn("direct_connection_lost", "reason_code", string(errorsx.ReasonTransportClosed), "error", errString(err))
		t.emit(transports.Notice(transports.InboundReconnecting, err))

		next, ok := t.reconnect()
		if !ok {
			final := errorsx.Wrap(fmt.Errorf("direct transport gave up reconnecting: %w", err), errorsx.ReasonTransportClosed)
			if !t.closed.Load() {
				t.log.Error("direct_reconnect_exhausted", "reason_code", string(errorsx.ReasonTransportClosed))
				t.emit(transports.Notice(transports.InboundClosed, final))
			}
			return
		}
		t.mu.Lock()
		if t.closed.Load() {
			t.mu.Unlock()
			_ = next.Close()
			return
		}
		t.conn = next
		t.mu.Unlock()
		conn = next
		t.connected.Store(true)
		t.log.Info("direct_reconnected")
		t.emit(transports.Notice(transports.InboundConnected, nil))
	}
}

func (t *Transport) readLoop(conn *websocket.Conn) error {
	idle := 2 * t.cfg.KeepAlive
	_ = conn.SetReadDeadline(time.Now().Add(idle))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(idle))
	})
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		t.emit(transports.Message("", msg))
	}
}

// keepAlive pings until stop closes. A missing pong surfaces as a read
// deadline error in readLoop.
func (t *Transport) keepAlive(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(t.cfg.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.cfg.WriteTimeout))
			t.writeMu.Unlock()
			if err != nil {
				t.log.Debug("direct_ping_failed", "error", err.Error())
				return
			}
		}
	}
}

func (t *Transport) reconnect() (*websocket.Conn, bool) {
	for attempt := 0; ; attempt++ {
		delay, ok := t.delays.Delay(attempt)
		if !ok {
			return nil, false
		}
		if !resilience.Sleep(t.ctx, delay) {
			return nil, false
		}
		conn, err := t.dial(t.ctx)
		if err == nil {
			return conn, true
		}
		t.log.Warn("direct_reconnect_failed", "attempt", attempt+1, "error", err.Error())
	}
}

// Deliver writes one text frame. It fails fast while disconnected.
func (t *Transport) Deliver(ctx context.Context, payload []byte) ([]byte, error) {
	conn := t.currentConn()
	if conn == nil || !t.connected.Load() {
		return nil, errorsx.Newf(errorsx.ReasonTransportSend, "direct transport not connected")
	}
	deadline := time.Now().Add(t.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("direct write: %w", err), errorsx.ReasonTransportSend)
	}
	return nil, nil
}

// Close stops reconnection and closes the socket. Safe to call twice.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.connected.Store(false)
		t.cancel()
		t.mu.Lock()
		conn, done := t.conn, t.done
		t.mu.Unlock()
		if conn != nil {
			t.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			t.writeMu.Unlock()
			_ = conn.Close()
		}
		if done != nil {
			<-done
		} else {
			close(t.inbound)
		}
	})
	return nil
}

func (t *Transport) emit(in transports.Inbound) {
	select {
	case t.inbound <- in:
	case <-t.ctx.Done():
	}
}

func (t *Transport) currentConn() *websocket.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
