package hub

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/siavoice/pkg/errorsx"
	"github.com/harunnryd/siavoice/pkg/resilience"
	"github.com/harunnryd/siavoice/pkg/transports"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

type fakeBackend struct {
	srv *httptest.Server

	negotiateBody func(base string) string
	hubNegotiates atomic.Int32
	negotiates    atomic.Int32
	sockets       atomic.Int32
	// onSocket runs after the handshake; nil keeps the socket open until the client leaves.
	onSocket func(n int32, conn *websocket.Conn)

	mu       sync.Mutex
	socketQ  url.Values
	messages []string
	status   int
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{status: http.StatusOK}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/signalr/negotiate", func(w http.ResponseWriter, r *http.Request) {
		fb.negotiates.Add(1)
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		_, _ = io.WriteString(w, fb.negotiateBody(fb.srv.URL))
	})
	mux.HandleFunc("/hub/negotiate", func(w http.ResponseWriter, r *http.Request) {
		fb.hubNegotiates.Add(1)
		if r.URL.Query().Get("negotiateVersion") != "1" {
			t.Errorf("expected negotiateVersion=1, got %q", r.URL.RawQuery)
		}
		_, _ = io.WriteString(w, `{"connectionId":"c1","connectionToken":"tok1","negotiateVersion":1,"availableTransports":[{"transport":"WebSockets"}]}`)
	})
	mux.HandleFunc("/hub", func(w http.ResponseWriter, r *http.Request) {
		fb.mu.Lock()
		fb.socketQ = r.URL.Query()
		fb.mu.Unlock()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, hs, err := conn.ReadMessage()
		if err != nil || !strings.Contains(string(hs), `"protocol":"json"`) {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte("{}\x1e"))
		n := fb.sockets.Add(1)
		if fb.onSocket != nil {
			fb.onSocket(n, conn)
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	mux.HandleFunc("/api/v1/signalr/message", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		fb.mu.Lock()
		fb.messages = append(fb.messages, string(b))
		status := fb.status
		fb.mu.Unlock()
		if status == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "120")
		}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, `{"status":"success"}`)
	})
	fb.srv = httptest.NewServer(mux)
	t.Cleanup(fb.srv.Close)
	return fb
}

func (fb *fakeBackend) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(fb.srv.URL, "http") + path
}

func next(t *testing.T, ch <-chan transports.Inbound) transports.Inbound {
	t.Helper()
	select {
	case in, ok := <-ch:
		if !ok {
			t.Fatalf("inbound closed")
		}
		return in
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for inbound")
	}
	return transports.Inbound{}
}

func TestParseNegotiate(t *testing.T) {
	fb := "https://api.example.com/api/v1/signalr/hub"
	cases := []struct {
		body  string
		url   string
		token string
		user  string
	}{
		{`"https://hub.example.com/client"`, "https://hub.example.com/client", "", ""},
		{`https://hub.example.com/plain`, "https://hub.example.com/plain", "", ""},
		{`{"url":"https://x.service.signalr.net/client","accessToken":"t","userId":"u"}`, "https://x.service.signalr.net/client", "t", "u"},
		{`{"accessToken":"t"}`, fb, "t", ""},
		{``, fb, "", ""},
		{`<html>oops</html>`, fb, "", ""},
		{`{broken`, fb, "", ""},
	}
	for _, tc := range cases {
		got := ParseNegotiate([]byte(tc.body), fb)
		if got.URL != tc.url || got.AccessToken != tc.token || got.UserID != tc.user {
			t.Fatalf("body %q: expected %s/%s/%s, got %+v", tc.body, tc.url, tc.token, tc.user, got)
		}
	}
}

func TestIsManagedRelay(t *testing.T) {
	if !IsManagedRelay("https://x.service.signalr.net/client") {
		t.Fatalf("expected managed relay")
	}
	if !IsManagedRelay("https://X.SERVICE.SIGNALR.NET:443/client") {
		t.Fatalf("expected case-insensitive match")
	}
	if IsManagedRelay("https://signalr.net.example.com/hub") {
		t.Fatalf("expected backend-hosted hub")
	}
}

func TestFullHandshakeDeliversSubscribedTargets(t *testing.T) {
	fb := newFakeBackend(t)
	fb.negotiateBody = func(base string) string {
		return `{"url":"` + base + `/hub","userId":"u-1"}`
	}
	fb.onSocket = func(_ int32, conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(
			`{"type":1,"target":"Presence","arguments":["x"]}`+"\x1e"+
				`{"type":1,"target":"Transcript","arguments":["hello"]}`+"\x1e"+
				`{"type":6}`+"\x1e"))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}

	tr := New(Config{BaseURL: fb.srv.URL})
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer tr.Close()

	if in := next(t, tr.Inbound()); in.Kind != transports.InboundConnected {
		t.Fatalf("expected connected, got %v", in.Kind)
	}
	in := next(t, tr.Inbound())
	if in.Kind != transports.InboundMessage || in.Channel != transports.ChannelTranscript {
		t.Fatalf("expected transcript message, got %v %q", in.Kind, in.Channel)
	}
	if string(in.Data) != `["hello"]` {
		t.Fatalf("expected arguments array, got %s", in.Data)
	}
	if tr.Relay() != transports.RelayNone {
		t.Fatalf("expected backend-hosted hub, got %s", tr.Relay())
	}
	if tr.Identity() != "u-1" {
		t.Fatalf("expected identity u-1, got %q", tr.Identity())
	}
	if got := fb.hubNegotiates.Load(); got != 1 {
		t.Fatalf("expected one hub negotiate, got %d", got)
	}
	fb.mu.Lock()
	id := fb.socketQ.Get("id")
	fb.mu.Unlock()
	if id != "tok1" {
		t.Fatalf("expected connection token in query, got %q", id)
	}
}

func TestManagedRelayUsesBypass(t *testing.T) {
	fb := newFakeBackend(t)
	fb.negotiateBody = func(string) string {
		return `{"url":"https://x.service.signalr.net/client","accessToken":"t"}`
	}

	var (
		dialed string
		auth   string
	)
	dial := func(ctx context.Context, u string, h http.Header) (*websocket.Conn, error) {
		dialed, auth = u, h.Get("Authorization")
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, fb.wsURL("/hub"), nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		return conn, err
	}

	tr := New(Config{BaseURL: fb.srv.URL}, WithDial(dial))
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer tr.Close()

	if auth != "Bearer t" {
		t.Fatalf("expected bearer token t, got %q", auth)
	}
	u, err := url.Parse(dialed)
	if err != nil {
		t.Fatalf("parse dialed url: %v", err)
	}
	if u.Scheme != "wss" || u.Host != "x.service.signalr.net" || u.Query().Get("hub") != "sia" {
		t.Fatalf("unexpected relay url %s", dialed)
	}
	if got := fb.hubNegotiates.Load(); got != 0 {
		t.Fatalf("expected no handshake negotiate round trip, got %d", got)
	}
	if tr.Relay() != transports.RelayManaged {
		t.Fatalf("expected managed relay, got %s", tr.Relay())
	}
	if tr.Identity() != "anonymous" {
		t.Fatalf("expected configured user id fallback, got %q", tr.Identity())
	}
}

func TestNegotiateFailureIsReasoned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tr := New(Config{BaseURL: srv.URL, NegotiateRetries: 1})
	err := tr.Connect(context.Background())
	if !errorsx.HasReason(err, errorsx.ReasonNegotiate) {
		t.Fatalf("expected negotiate reason, got %v", err)
	}
	_ = tr.Close()
	if _, ok := <-tr.Inbound(); ok {
		t.Fatalf("expected inbound closed")
	}
}

func TestServerCloseWithoutReconnectIsFinal(t *testing.T) {
	fb := newFakeBackend(t)
	fb.negotiateBody = func(base string) string { return `"` + base + `/hub"` }
	fb.onSocket = func(_ int32, conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":7,"error":"shutting down"}`+"\x1e"))
	}

	tr := New(Config{BaseURL: fb.srv.URL})
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer tr.Close()

	_ = next(t, tr.Inbound())
	in := next(t, tr.Inbound())
	if in.Kind != transports.InboundClosed {
		t.Fatalf("expected closed, got %v", in.Kind)
	}
	if !strings.Contains(in.Err.Error(), "shutting down") {
		t.Fatalf("expected server error text, got %v", in.Err)
	}
}

func TestReconnectRenegotiates(t *testing.T) {
	fb := newFakeBackend(t)
	fb.negotiateBody = func(base string) string { return `{"url":"` + base + `/hub"}` }
	fb.onSocket = func(n int32, conn *websocket.Conn) {
		if n == 1 {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}

	tr := New(Config{BaseURL: fb.srv.URL}, WithDelayer(resilience.Schedule{0}))
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer tr.Close()

	for _, want := range []transports.InboundKind{transports.InboundConnected, transports.InboundReconnecting, transports.InboundConnected} {
		if in := next(t, tr.Inbound()); in.Kind != want {
			t.Fatalf("expected %v, got %v", want, in.Kind)
		}
	}
	if got := fb.negotiates.Load(); got != 2 {
		t.Fatalf("expected negotiate per connection, got %d", got)
	}
}

func TestDeliverPostsMessage(t *testing.T) {
	fb := newFakeBackend(t)
	tr := New(Config{BaseURL: fb.srv.URL, AuthToken: "secret"})
	defer tr.Close()

	body, err := tr.Deliver(context.Background(), []byte(`{"type":"text","content":"hi","userId":"u"}`))
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	var resp map[string]string
	if err := json.Unmarshal(body, &resp); err != nil || resp["status"] != "success" {
		t.Fatalf("unexpected response %s", body)
	}
	fb.mu.Lock()
	got := fb.messages
	fb.status = http.StatusTooManyRequests
	fb.mu.Unlock()
	if len(got) != 1 || !strings.Contains(got[0], `"content":"hi"`) {
		t.Fatalf("unexpected posted messages %v", got)
	}

	_, err = tr.Deliver(context.Background(), []byte(`{}`))
	if !resilience.IsRateLimit(err) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if !errorsx.HasReason(err, errorsx.ReasonTransportSend) {
		t.Fatalf("expected transport_send reason, got %v", err)
	}
}

func TestDeliverOpensBreakerOnRepeatedRateLimits(t *testing.T) {
	fb := newFakeBackend(t)
	fb.status = http.StatusTooManyRequests
	tr := New(Config{BaseURL: fb.srv.URL})
	defer tr.Close()

	for i := 0; i < 3; i++ {
		_, err := tr.Deliver(context.Background(), []byte(`{}`))
		var rl resilience.RateLimitError
		if !errors.As(err, &rl) {
			t.Fatalf("attempt %d: expected rate limit, got %v", i, err)
		}
		if rl.RetryAfter != 120*time.Second {
			t.Fatalf("expected Retry-After parsed, got %v", rl.RetryAfter)
		}
	}
	if tr.breaker.State() != resilience.BreakerOpen {
		t.Fatalf("expected breaker open, got %s", tr.breaker.State())
	}
	_, err := tr.Deliver(context.Background(), []byte(`{}`))
	if !errors.Is(err, resilience.ErrCircuitOpen) || !errorsx.HasReason(err, errorsx.ReasonTransportSend) {
		t.Fatalf("expected circuit open send error, got %v", err)
	}
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if len(fb.messages) != 3 {
		t.Fatalf("expected open breaker to skip the request, got %d posts", len(fb.messages))
	}
}
