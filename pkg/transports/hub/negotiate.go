package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/harunnryd/siavoice/pkg/errorsx"
	"github.com/harunnryd/siavoice/pkg/resilience"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// RelaySuffix identifies hosts of the managed relay service.
const RelaySuffix = ".service.signalr.net"

const maxBody = 1 << 20

// NegotiateResult is the backend's answer to the first negotiate call.
type NegotiateResult struct {
	URL         string `json:"url"`
	AccessToken string `json:"accessToken"`
	UserID      string `json:"userId"`
}

// ParseNegotiate accepts a bare URL (JSON string or plain text) or an object.
// Anything unrecognizable yields fallback as the URL.
func ParseNegotiate(body []byte, fallback string) NegotiateResult {
	raw := bytes.TrimSpace(body)
	if len(raw) == 0 {
		return NegotiateResult{URL: fallback}
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && looksLikeURL(s) {
			return NegotiateResult{URL: strings.TrimSpace(s)}
		}
		return NegotiateResult{URL: fallback}
	case '{':
		var res NegotiateResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return NegotiateResult{URL: fallback}
		}
		res.URL = strings.TrimSpace(res.URL)
		if !looksLikeURL(res.URL) {
			res.URL = fallback
		}
		return res
	}
	if s := string(raw); looksLikeURL(s) {
		return NegotiateResult{URL: s}
	}
	return NegotiateResult{URL: fallback}
}

func looksLikeURL(s string) bool {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil || u.Host == "" {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "ws", "wss":
		return true
	}
	return false
}

// IsManagedRelay reports whether raw points at the managed relay service.
func IsManagedRelay(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return strings.HasSuffix(strings.ToLower(u.Hostname()), RelaySuffix)
}

// hubNegotiation is the response of {hub}/negotiate?negotiateVersion=1.
type hubNegotiation struct {
	ConnectionID     string `json:"connectionId"`
	ConnectionToken  string `json:"connectionToken"`
	NegotiateVersion int    `json:"negotiateVersion"`
	URL              string `json:"url"`
	AccessToken      string `json:"accessToken"`
	Error            string `json:"error"`
}

// websocketURL rewrites http(s) to ws(s).
func websocketURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	return u, nil
}

// relayEndpoint builds the bypass URL: websocket scheme with the hub query forced.
func relayEndpoint(raw, hubName string) (string, error) {
	u, err := websocketURL(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("hub", hubName)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (t *Transport) negotiate(ctx context.Context) (NegotiateResult, error) {
	ctx, span := tracer.Start(ctx, "hub.negotiate")
	defer span.End()

	fallback := t.cfg.BaseURL + t.cfg.HubPath
	var body []byte
	err := t.retry.DoContext(ctx, func(ctx context.Context) error {
		payload, _ := json.Marshal(map[string]string{"userId": t.cfg.UserID})
		b, err := t.post(ctx, t.cfg.BaseURL+t.cfg.NegotiatePath, t.cfg.AuthToken, payload)
		if err != nil {
			return err
		}
		body = b
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "negotiate failed")
		return NegotiateResult{}, errorsx.Wrap(fmt.Errorf("negotiate: %w", err), errorsx.ReasonNegotiate)
	}
	res := ParseNegotiate(body, fallback)
	span.SetAttributes(attribute.Bool("relay.managed", IsManagedRelay(res.URL)))
	return res, nil
}

func (t *Transport) negotiateHub(ctx context.Context, hubURL, token string) (hubNegotiation, error) {
	ctx, span := tracer.Start(ctx, "hub.negotiate_connection")
	defer span.End()

	u, err := url.Parse(hubURL)
	if err != nil {
		return hubNegotiation{}, errorsx.Wrap(err, errorsx.ReasonNegotiate)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/negotiate"
	q := u.Query()
	q.Set("negotiateVersion", "1")
	u.RawQuery = q.Encode()

	body, err := t.post(ctx, u.String(), token, nil)
	if err != nil {
		span.RecordError(err)
		return hubNegotiation{}, errorsx.Wrap(fmt.Errorf("negotiate hub connection: %w", err), errorsx.ReasonNegotiate)
	}
	var hn hubNegotiation
	if err := json.Unmarshal(body, &hn); err != nil {
		return hubNegotiation{}, errorsx.Wrap(fmt.Errorf("decode hub negotiation: %w", err), errorsx.ReasonNegotiate)
	}
	if hn.Error != "" {
		return hubNegotiation{}, errorsx.Newf(errorsx.ReasonNegotiate, "hub negotiation rejected: %s", hn.Error)
	}
	return hn, nil
}

// post issues an authenticated POST and returns the body of a 2xx response.
func (t *Transport) post(ctx context.Context, endpoint, token string, payload []byte) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, t.cfg.RequestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, resilience.RateLimitError{
			Endpoint:   endpoint,
			Message:    "rate limited: " + snippet(body),
			RetryAfter: resilience.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s returned %d: %s", req.URL.Path, resp.StatusCode, snippet(body))
	}
	return body, nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
