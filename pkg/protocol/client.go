package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/siavoice/pkg/endpoint"
	"github.com/harunnryd/siavoice/pkg/errorsx"
	"github.com/harunnryd/siavoice/pkg/events"
	"github.com/harunnryd/siavoice/pkg/logging"
	"github.com/harunnryd/siavoice/pkg/metrics"
	"github.com/harunnryd/siavoice/pkg/redact"
	"github.com/harunnryd/siavoice/pkg/transports"
)

// Option customizes a Client.
type Option func(*Client)

func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = logging.NewComponentLogger(log, "protocol") }
}

func WithObserver(o metrics.Observer) Option {
	return func(c *Client) {
		if o != nil {
			c.obs = o
		}
	}
}

// Client frames outbound utterances for the session's transport and turns
// inbound transport items into events.Event values.
type Client struct {
	sess *transports.Session
	log  *slog.Logger
	obs  metrics.Observer
	now  func() time.Time

	events chan events.Event
	done   chan struct{}

	runOnce   sync.Once
	malformed atomic.Int64
}

func NewClient(sess *transports.Session, opts ...Option) *Client {
	c := &Client{
		sess:   sess,
		log:    logging.NewComponentLogger(nil, "protocol"),
		obs:    metrics.NoopObserver{},
		now:    time.Now,
		events: make(chan events.Event, 64),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Events is closed when Run returns.
func (c *Client) Events() <-chan events.Event { return c.events }

func (c *Client) Session() *transports.Session { return c.sess }

// Malformed returns the number of inbound items dropped as malformed.
func (c *Client) Malformed() int64 { return c.malformed.Load() }

// Run normalizes inbound items until the session's inbound stream ends or ctx is done.
// Only the first call does any work.
func (c *Client) Run(ctx context.Context) {
	c.runOnce.Do(func() {
		defer close(c.done)
		defer close(c.events)
		in := c.sess.Inbound()
		for {
			select {
			case <-ctx.Done():
				return
			case item, ok := <-in:
				if !ok {
					return
				}
				if ev, ok := c.normalize(item); ok {
					c.publish(ctx, ev)
				}
			}
		}
	})
}

// Done is closed after Run returns.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) normalize(item transports.Inbound) (events.Event, bool) {
	now := item.Time
	if now.IsZero() {
		now = c.now()
	}
	switch item.Kind {
	case transports.InboundConnected:
		return events.Connection{Connected: true, Time: now}, true
	case transports.InboundReconnecting:
		return events.Connection{Connected: false, Err: item.Err, Time: now}, true
	case transports.InboundClosed:
		return events.Connection{Connected: false, Final: true, Err: item.Err, Time: now}, true
	}

	var (
		ev  events.Event
		err error
	)
	if item.Channel == "" {
		ev, err = DecodeFrame(item.Data, now)
	} else {
		ev, err = DecodeInvocation(item.Channel, item.Data, now)
	}
	if err != nil {
		if errors.Is(err, ErrUnknownType) {
			c.log.Debug("protocol_unknown_frame", "channel", item.Channel, "error", err.Error())
			return nil, false
		}
		c.malformed.Add(1)
		c.log.Warn("protocol_malformed_frame",
			"reason_code", string(errorsx.ReasonMalformedFrame),
			"channel", item.Channel,
			"bytes", len(item.Data),
			"error", err.Error())
		c.obs.RecordEvent(metrics.MetricsEvent{
			Name: metrics.EventMalformedFrame,
			Time: now,
			Tags: map[string]string{"session_id": c.sess.ID(), "channel": item.Channel},
		})
		return nil, false
	}
	if tr, ok := ev.(events.Transcript); ok {
		c.log.Debug("protocol_transcript", "text", redact.Text(tr.Text))
	}
	return ev, true
}

func (c *Client) publish(ctx context.Context, ev events.Event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

// publishNow is used from Send, which may run while Run is not draining.
func (c *Client) publishNow(ev events.Event) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.events <- ev:
	case <-c.done:
	case <-time.After(time.Second):
		c.log.Warn("protocol_event_dropped", "kind", string(ev.Kind()))
	}
}

// Send ships one utterance as exactly one outbound message.
func (c *Client) Send(ctx context.Context, utt endpoint.Utterance) error {
	if len(utt.Data) == 0 {
		return errorsx.Newf(errorsx.ReasonSendRejected, "empty utterance")
	}
	_, err := c.send(ctx, TypeAudio, EncodeAudio(utt.Data))
	if err == nil {
		c.log.Debug("protocol_utterance_sent", "utterance_id", utt.ID, "bytes", len(utt.Data), "transport", string(c.sess.Kind()))
	}
	return err
}

// SendText ships a typed message. An inline text response is published as a TextReply.
func (c *Client) SendText(ctx context.Context, text string) error {
	resp, err := c.send(ctx, TypeText, text)
	if err != nil {
		return err
	}
	if resp.Response != "" {
		c.publishNow(events.TextReply{Text: resp.Response, Time: c.now()})
	}
	return nil
}

func (c *Client) send(ctx context.Context, typ, content string) (SendResponse, error) {
	payload, err := EncodeFrame(c.sess.Kind(), typ, content, c.sess.Identity())
	if err != nil {
		return SendResponse{}, c.fail(errorsx.Wrap(err, errorsx.ReasonTransportSend))
	}
	body, err := c.sess.Deliver(ctx, payload)
	if err != nil {
		return SendResponse{}, c.fail(errorsx.Wrap(err, errorsx.ReasonTransportSend))
	}
	if c.sess.Kind() != transports.KindNegotiated {
		return SendResponse{Status: "success"}, nil
	}
	resp := ParseSendResponse(body)
	if resp.Failed() {
		msg := resp.Response
		if msg == "" {
			msg = resp.Status
		}
		return resp, c.fail(errorsx.Newf(errorsx.ReasonSendRejected, "send rejected: %s", msg))
	}
	return resp, nil
}

func (c *Client) fail(err error) error {
	c.log.Warn("protocol_send_failed", "reason_code", string(errorsx.Reason(err)), "error", redact.Secret(err.Error()))
	ev := events.FromError(err)
	ev.Message = fmt.Sprintf("send failed: %s", err.Error())
	c.publishNow(ev)
	return err
}
