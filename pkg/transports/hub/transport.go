package hub

import (
	"context"
	"encoding/json"
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
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/harunnryd/siavoice/pkg/transports/hub")

type Config struct {
	BaseURL          string        `mapstructure:"base_url"`
	NegotiatePath    string        `mapstructure:"negotiate_path"`
	MessagePath      string        `mapstructure:"message_path"`
	HubPath          string        `mapstructure:"hub_path"`
	HubName          string        `mapstructure:"hub_name"`
	AuthToken        string        `mapstructure:"auth_token"`
	UserID           string        `mapstructure:"user_id"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	KeepAlive        time.Duration `mapstructure:"keepalive"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	NegotiateRetries int           `mapstructure:"negotiate_retries"`
}

func (c Config) withDefaults() Config {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.NegotiatePath == "" {
		c.NegotiatePath = "/api/v1/signalr/negotiate"
	}
	if c.MessagePath == "" {
		c.MessagePath = "/api/v1/signalr/message"
	}
	if c.HubPath == "" {
		c.HubPath = "/api/v1/signalr/hub"
	}
	if c.HubName == "" {
		c.HubName = "sia"
	}
	if c.UserID == "" {
		c.UserID = "anonymous"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 15 * time.Second
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 15 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.NegotiateRetries <= 0 {
		c.NegotiateRetries = 2
	}
	return c
}

// DialFunc opens the websocket. Tests replace it to observe the target URL.
type DialFunc func(ctx context.Context, url string, header http.Header) (*websocket.Conn, error)

type Option func(*Transport)

func WithLogger(log *slog.Logger) Option {
	return func(t *Transport) { t.log = logging.NewComponentLogger(log, "hub_transport") }
}

func WithHTTPClient(c *http.Client) Option {
	return func(t *Transport) {
		if c != nil {
			t.client = c
		}
	}
}

func WithDial(d DialFunc) Option {
	return func(t *Transport) {
		if d != nil {
			t.dial = d
		}
	}
}

// WithDelayer replaces the reconnect schedule.
func WithDelayer(d resilience.Delayer) Option {
	return func(t *Transport) {
		if d != nil {
			t.delays = d
		}
	}
}

// Transport is a negotiated hub connection. Replies arrive as hub invocations;
// outbound messages go through an HTTP send call.
type Transport struct {
	cfg     Config
	log     *slog.Logger
	client  *http.Client
	dial    DialFunc
	delays  resilience.Delayer
	retry   resilience.RetryPolicy
	breaker *resilience.CircuitBreaker

	inbound chan transports.Inbound

	mu       sync.Mutex
	conn     *websocket.Conn
	relay    transports.RelayKind
	identity string
	endpoint string
	done     chan struct{}
	writeMu  sync.Mutex

	connected atomic.Bool
	closed    atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func New(cfg Config, opts ...Option) *Transport {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		cfg:     cfg,
		log:     logging.NewComponentLogger(nil, "hub_transport"),
		client:  &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		delays:  resilience.DefaultHubSchedule,
		retry:   resilience.NewRetryPolicy(cfg.NegotiateRetries, 300*time.Millisecond),
		breaker: resilience.NewCircuitBreaker(3, 30*time.Second),
		inbound: make(chan transports.Inbound, 128),
		relay:   transports.RelayNone,
		ctx:     ctx,
		cancel:  cancel,
	}
	dialer := &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout, Proxy: http.ProxyFromEnvironment}
	t.dial = func(ctx context.Context, u string, h http.Header) (*websocket.Conn, error) {
		conn, resp, err := dialer.DialContext(ctx, u, h)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		return conn, err
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) Name() string                       { return "hub" }
func (t *Transport) Kind() transports.Kind              { return transports.KindNegotiated }
func (t *Transport) Connected() bool                    { return t.connected.Load() }
func (t *Transport) Inbound() <-chan transports.Inbound { return t.inbound }

func (t *Transport) Relay() transports.RelayKind {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.relay
}

func (t *Transport) Identity() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.identity
}

func (t *Transport) ReadyFields() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return map[string]any{
		"hub":      t.cfg.HubName,
		"endpoint": redact.URL(t.endpoint),
	}
}

// Connect negotiates, dials and completes the hub handshake.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	started := t.done != nil
	t.mu.Unlock()
	if started {
		return nil
	}
	conn, err := t.establish(ctx)
	if err != nil {
		return err
	}
	t.mu.Lock()
	if t.closed.Load() {
		t.mu.Unlock()
		_ = conn.Close()
		return errors.New("hub transport closed")
	}
	t.conn = conn
	t.done = make(chan struct{})
	t.mu.Unlock()
	t.connected.Store(true)
	t.emit(transports.Notice(transports.InboundConnected, nil))
	go t.run(conn)
	return nil
}

// establish runs one full negotiate + dial + handshake cycle.
func (t *Transport) establish(ctx context.Context) (*websocket.Conn, error) {
	ctx, span := tracer.Start(ctx, "hub.connect")
	defer span.End()

	res, err := t.negotiate(ctx)
	if err != nil {
		return nil, err
	}
	identity := res.UserID
	if identity == "" {
		identity = t.cfg.UserID
	}

	var (
		target string
		token  string
		relay  transports.RelayKind
	)
	if IsManagedRelay(res.URL) {
		relay = transports.RelayManaged
		token = res.AccessToken
		target, err = relayEndpoint(res.URL, t.cfg.HubName)
	} else {
		relay, target, token, err = t.fullHandshake(ctx, res)
	}
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonNegotiate)
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, err := t.dial(ctx, target, header)
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("dial hub %s: %w", redact.URL(target), err), errorsx.ReasonTransportConnect)
	}
	if err := t.handshake(conn); err != nil {
		_ = conn.Close()
		return nil, errorsx.Wrap(err, errorsx.ReasonTransportConnect)
	}

	t.mu.Lock()
	previous := t.identity
	t.relay = relay
	t.identity = identity
	t.endpoint = target
	t.mu.Unlock()
	if previous != "" && previous != identity {
		t.log.Warn("hub_identity_changed", "relay", string(relay))
	}
	t.log.Info("hub_connected", "relay", string(relay), "endpoint", redact.URL(target))
	return conn, nil
}

// fullHandshake performs the backend-hosted negotiate round trip. A redirect
// in its response is treated as a managed relay.
func (t *Transport) fullHandshake(ctx context.Context, res NegotiateResult) (transports.RelayKind, string, string, error) {
	hn, err := t.negotiateHub(ctx, res.URL, res.AccessToken)
	if err != nil {
		return "", "", "", err
	}
	if hn.URL != "" {
		token := hn.AccessToken
		if token == "" {
			token = res.AccessToken
		}
		target, err := relayEndpoint(hn.URL, t.cfg.HubName)
		return transports.RelayManaged, target, token, err
	}
	u, err := websocketURL(res.URL)
	if err != nil {
		return "", "", "", err
	}
	id := hn.ConnectionToken
	if id == "" {
		id = hn.ConnectionID
	}
	q := u.Query()
	if id != "" {
		q.Set("id", id)
	}
	if res.AccessToken != "" {
		q.Set("access_token", res.AccessToken)
	}
	u.RawQuery = q.Encode()
	return transports.RelayNone, u.String(), res.AccessToken, nil
}

func (t *Transport) handshake(conn *websocket.Conn) error {
	req, err := encodeRecord(handshakeRequest{Protocol: "json", Version: 1})
	if err != nil {
		return err
	}
	deadline := time.Now().Add(t.cfg.HandshakeTimeout)
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, req); err != nil {
		return fmt.Errorf("send hub handshake: %w", err)
	}
	_ = conn.SetReadDeadline(deadline)
	_, frame, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read hub handshake: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	records := splitRecords(frame)
	if len(records) == 0 {
		return errors.New("empty hub handshake response")
	}
	var resp handshakeResponse
	if err := json.Unmarshal(records[0], &resp); err != nil {
		return fmt.Errorf("decode hub handshake: %w", err)
	}
	if resp.Error != "" {
		return fmt.Errorf("hub handshake rejected: %s", resp.Error)
	}
	// Invocations may share the handshake frame.
	for _, rec := range records[1:] {
		t.dispatch(rec)
	}
	return nil
}

func (t *Transport) run(conn *websocket.Conn) {
	defer close(t.done)
	defer close(t.inbound)
	for {
		retry, err := t.serve(conn)
		t.connected.Store(false)
		if t.closed.Load() {
			return
		}
		if !retry {
			t.log.Warn("hub_closed_by_server", "reason_code", string(errorsx.ReasonTransportClosed), "error", errString(err))
			t.emit(transports.Notice(transports.InboundClosed, errorsx.Wrap(err, errorsx.ReasonTransportClosed)))
			return
		}
		t.log.Warn("hub_connection_lost", "reason_code", string(errorsx.ReasonTransportClosed), "error", errString(err))
		t.emit(transports.Notice(transports.InboundReconnecting, err))

		next, ok := t.reconnect()
		if !ok {
			if !t.closed.Load() {
				t.log.Error("hub_reconnect_exhausted", "reason_code", string(errorsx.ReasonTransportClosed))
				t.emit(transports.Notice(transports.InboundClosed,
					errorsx.Wrap(fmt.Errorf("hub gave up reconnecting: %w", err), errorsx.ReasonTransportClosed)))
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
		t.emit(transports.Notice(transports.InboundConnected, nil))
	}
}

// serve reads until the connection ends. retry is false when the server
// closed the hub without allowing reconnection.
func (t *Transport) serve(conn *websocket.Conn) (bool, error) {
	stop := make(chan struct{})
	defer close(stop)
	go t.keepAlive(conn, stop)
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		for _, rec := range splitRecords(frame) {
			var msg message
			if err := json.Unmarshal(rec, &msg); err != nil {
				t.log.Warn("hub_malformed_record", "reason_code", string(errorsx.ReasonMalformedFrame), "error", err.Error())
				continue
			}
			if msg.Type == typeClose {
				_ = conn.Close()
				var cerr error = errors.New("hub closed by server")
				if msg.Error != "" {
					cerr = fmt.Errorf("hub closed by server: %s", msg.Error)
				}
				return msg.AllowReconnect, cerr
			}
			t.handle(msg)
		}
	}
}

func (t *Transport) dispatch(rec []byte) {
	var msg message
	if err := json.Unmarshal(rec, &msg); err != nil {
		t.log.Warn("hub_malformed_record", "reason_code", string(errorsx.ReasonMalformedFrame), "error", err.Error())
		return
	}
	t.handle(msg)
}

func (t *Transport) handle(msg message) {
	switch msg.Type {
	case typeInvocation:
		if !transports.Subscribed(msg.Target) {
			t.log.Debug("hub_target_ignored", "target", msg.Target)
			return
		}
		args, err := json.Marshal(msg.Arguments)
		if err != nil {
			return
		}
		if msg.Arguments == nil {
			args = []byte("[]")
		}
		t.emit(transports.Message(strings.ToLower(msg.Target), args))
	case typePing:
	default:
		t.log.Debug("hub_message_ignored", "type", msg.Type)
	}
}

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
			if err := t.write(conn, pingRecord); err != nil {
				return
			}
		}
	}
}

func (t *Transport) write(conn *websocket.Conn, data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(t.cfg.RequestTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
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
		conn, err := t.establish(t.ctx)
		if err == nil {
			t.log.Info("hub_reconnected", "attempt", attempt+1)
			return conn, true
		}
		t.log.Warn("hub_reconnect_failed", "attempt", attempt+1, "error", err.Error())
	}
}

// Deliver POSTs the encoded message to the backend send endpoint and returns
// the response body. Replies arrive later on the hub.
func (t *Transport) Deliver(ctx context.Context, payload []byte) ([]byte, error) {
	if !t.breaker.Allow() {
		return nil, errorsx.Wrap(resilience.ErrCircuitOpen, errorsx.ReasonTransportSend)
	}
	ctx, span := tracer.Start(ctx, "hub.send_message")
	defer span.End()
	body, err := t.post(ctx, t.cfg.BaseURL+t.cfg.MessagePath, t.cfg.AuthToken, payload)
	if err != nil {
		t.breaker.OnError(err)
		span.RecordError(err)
		return nil, errorsx.Wrap(fmt.Errorf("send message: %w", err), errorsx.ReasonTransportSend)
	}
	t.breaker.OnSuccess()
	return body, nil
}

// Close stops reconnection and closes the hub socket. Safe to call twice.
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

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
