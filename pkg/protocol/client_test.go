package protocol

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/harunnryd/siavoice/pkg/endpoint"
	"github.com/harunnryd/siavoice/pkg/errorsx"
	"github.com/harunnryd/siavoice/pkg/events"
	"github.com/harunnryd/siavoice/pkg/metrics"
	"github.com/harunnryd/siavoice/pkg/transports"
	"github.com/harunnryd/siavoice/pkg/transports/mock"
)

func newClient(t *testing.T, kind transports.Kind, opts ...Option) (*Client, *mock.Transport, context.CancelFunc) {
	t.Helper()
	tr := mock.New(kind)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	c := NewClient(transports.NewSession(tr), opts...)
	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	t.Cleanup(func() {
		cancel()
		_ = tr.Close()
	})
	// drain the connect notice
	if ev := nextEvent(t, c); ev.Kind() != events.KindConnection {
		t.Fatalf("expected connection event, got %s", ev.Kind())
	}
	return c, tr, cancel
}

func nextEvent(t *testing.T, c *Client) events.Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		if !ok {
			t.Fatalf("events closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for event")
	}
	return nil
}

func sent(t *testing.T, tr *mock.Transport) Frame {
	t.Helper()
	select {
	case b := <-tr.Sent():
		var f Frame
		if err := json.Unmarshal(b, &f); err != nil {
			t.Fatalf("unmarshal sent frame: %v", err)
		}
		return f
	case <-time.After(time.Second):
		t.Fatalf("nothing sent")
	}
	return Frame{}
}

func TestSendDirectFrame(t *testing.T) {
	c, tr, _ := newClient(t, transports.KindDirect)
	utt := endpoint.Utterance{ID: "u1", Data: []byte("opus-bytes")}
	if err := c.Send(context.Background(), utt); err != nil {
		t.Fatalf("send: %v", err)
	}
	f := sent(t, tr)
	if f.Type != TypeAudio || f.UserID != "" {
		t.Fatalf("expected bare audio frame, got %+v", f)
	}
	if f.Content != base64.StdEncoding.EncodeToString(utt.Data) {
		t.Fatalf("unexpected content %q", f.Content)
	}
	select {
	case b := <-tr.Sent():
		t.Fatalf("expected exactly one message, got extra %s", b)
	default:
	}
}

func TestAudioRoundTripKeepsLength(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		data := make([]byte, r.Intn(64*1024)+1)
		r.Read(data)
		payload, err := EncodeFrame(transports.KindDirect, TypeAudio, EncodeAudio(data), "")
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		ev, err := DecodeFrame(payload, time.Now())
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		reply, ok := ev.(events.AudioReply)
		if !ok {
			t.Fatalf("expected audio reply, got %T", ev)
		}
		clip, err := base64.StdEncoding.DecodeString(reply.Audio)
		if err != nil {
			t.Fatalf("decode audio: %v", err)
		}
		if len(clip) != len(data) {
			t.Fatalf("expected %d bytes, got %d", len(data), len(clip))
		}
	}
}

func TestSendNegotiatedCarriesIdentity(t *testing.T) {
	c, tr, _ := newClient(t, transports.KindNegotiated)
	tr.SetIdentity("user-42")
	tr.SetDeliver(func([]byte) ([]byte, error) { return []byte("OK"), nil })

	if err := c.Send(context.Background(), endpoint.Utterance{Data: []byte{1, 2, 3}}); err != nil {
		t.Fatalf("expected non-JSON body to count as success, got %v", err)
	}
	if f := sent(t, tr); f.UserID != "user-42" || f.Type != TypeAudio {
		t.Fatalf("unexpected body %+v", f)
	}
}

func TestSendRejectedPublishesError(t *testing.T) {
	c, tr, _ := newClient(t, transports.KindNegotiated)
	tr.SetDeliver(func([]byte) ([]byte, error) {
		return []byte(`{"status":"error","response":"quota exceeded"}`), nil
	})

	err := c.Send(context.Background(), endpoint.Utterance{Data: []byte{1}})
	if !errorsx.HasReason(err, errorsx.ReasonSendRejected) {
		t.Fatalf("expected send_rejected, got %v", err)
	}
	ev, ok := nextEvent(t, c).(events.Error)
	if !ok || !ev.Recoverable {
		t.Fatalf("expected recoverable error event, got %+v", ev)
	}
}

func TestDeliverFailurePublishesError(t *testing.T) {
	c, tr, _ := newClient(t, transports.KindDirect)
	tr.SetDeliver(func([]byte) ([]byte, error) { return nil, errors.New("broken pipe") })

	err := c.Send(context.Background(), endpoint.Utterance{Data: []byte{1}})
	if !errorsx.HasReason(err, errorsx.ReasonTransportSend) {
		t.Fatalf("expected transport_send, got %v", err)
	}
	ev, ok := nextEvent(t, c).(events.Error)
	if !ok || ev.Reason != errorsx.ReasonTransportSend {
		t.Fatalf("expected transport_send error event, got %+v", ev)
	}
}

func TestSendTextInlineResponse(t *testing.T) {
	c, tr, _ := newClient(t, transports.KindNegotiated)
	tr.SetDeliver(func([]byte) ([]byte, error) {
		return []byte(`{"status":"success","response":"hi there"}`), nil
	})
	if err := c.SendText(context.Background(), "hello"); err != nil {
		t.Fatalf("send text: %v", err)
	}
	if f := sent(t, tr); f.Type != TypeText || f.Content != "hello" {
		t.Fatalf("unexpected body %+v", f)
	}
	if ev, ok := nextEvent(t, c).(events.TextReply); !ok || ev.Text != "hi there" {
		t.Fatalf("expected inline text reply, got %+v", ev)
	}
}

func TestSendRejectsEmptyUtterance(t *testing.T) {
	c, tr, _ := newClient(t, transports.KindDirect)
	if err := c.Send(context.Background(), endpoint.Utterance{}); err == nil {
		t.Fatalf("expected error for empty utterance")
	}
	select {
	case <-tr.Sent():
		t.Fatalf("expected nothing sent")
	default:
	}
}

func TestDirectFramesNormalize(t *testing.T) {
	c, tr, _ := newClient(t, transports.KindDirect)
	tr.PushMessage("", `{"type":"transcript","content":"what time is it"}`)
	tr.PushMessage("", `{"type":"audio","content":"AAEC","text":"noon"}`)
	tr.PushMessage("", `{"type":"text","content":"hello"}`)
	tr.PushMessage("", `{"type":"error","content":"llm unavailable"}`)

	if ev, ok := nextEvent(t, c).(events.Transcript); !ok || ev.Text != "what time is it" {
		t.Fatalf("expected transcript, got %+v", ev)
	}
	if ev, ok := nextEvent(t, c).(events.AudioReply); !ok || ev.Audio != "AAEC" || ev.Text != "noon" {
		t.Fatalf("expected audio reply, got %+v", ev)
	}
	if ev, ok := nextEvent(t, c).(events.TextReply); !ok || ev.Text != "hello" {
		t.Fatalf("expected text reply, got %+v", ev)
	}
	if ev, ok := nextEvent(t, c).(events.Error); !ok || ev.Message != "llm unavailable" {
		t.Fatalf("expected error, got %+v", ev)
	}
}

func TestInvocationsNormalize(t *testing.T) {
	c, tr, _ := newClient(t, transports.KindNegotiated)
	tr.PushMessage(transports.ChannelTranscript, `["hello"]`)
	tr.PushMessage(transports.ChannelAudio, `[{"audio":"AAEC","text":"hi"}]`)
	tr.PushMessage(transports.ChannelAudio, `["AAEC","caption"]`)
	tr.PushMessage(transports.ChannelComplete, `[]`)

	if ev, ok := nextEvent(t, c).(events.Transcript); !ok || ev.Text != "hello" {
		t.Fatalf("expected transcript, got %+v", ev)
	}
	if ev, ok := nextEvent(t, c).(events.AudioReply); !ok || ev.Audio != "AAEC" || ev.Text != "hi" {
		t.Fatalf("expected object audio reply, got %+v", ev)
	}
	if ev, ok := nextEvent(t, c).(events.AudioReply); !ok || ev.Text != "caption" {
		t.Fatalf("expected positional caption, got %+v", ev)
	}
	if _, ok := nextEvent(t, c).(events.Complete); !ok {
		t.Fatalf("expected complete")
	}
}

func TestMalformedFramesAreDropped(t *testing.T) {
	obs := metrics.NewMemoryObserver()
	c, tr, _ := newClient(t, transports.KindDirect, WithObserver(obs))
	tr.PushMessage("", `{"type":"audio",`)
	tr.PushMessage("", `{"type":"presence","content":"x"}`)
	tr.PushMessage(transports.ChannelAudio, `[42]`)
	tr.PushMessage("", `{"type":"complete"}`)

	if _, ok := nextEvent(t, c).(events.Complete); !ok {
		t.Fatalf("expected stream to continue after malformed frames")
	}
	if got := c.Malformed(); got != 2 {
		t.Fatalf("expected 2 malformed, got %d", got)
	}
	if got := obs.Count(metrics.EventMalformedFrame); got != 2 {
		t.Fatalf("expected 2 malformed metrics, got %d", got)
	}
}

func TestConnectionNotices(t *testing.T) {
	c, tr, _ := newClient(t, transports.KindDirect)
	tr.Push(transports.Notice(transports.InboundReconnecting, errors.New("eof")))
	tr.Push(transports.Notice(transports.InboundClosed, errors.New("gave up")))

	ev, ok := nextEvent(t, c).(events.Connection)
	if !ok || ev.Connected || ev.Final {
		t.Fatalf("expected reconnecting notice, got %+v", ev)
	}
	ev, ok = nextEvent(t, c).(events.Connection)
	if !ok || !ev.Final {
		t.Fatalf("expected final notice, got %+v", ev)
	}
}

func TestRunClosesEventsWhenSessionEnds(t *testing.T) {
	c, tr, _ := newClient(t, transports.KindDirect)
	_ = tr.Close()
	select {
	case _, ok := <-c.Events():
		if ok {
			t.Fatalf("expected closed events channel")
		}
	case <-time.After(time.Second):
		t.Fatalf("events not closed")
	}
}

func TestParseSendResponse(t *testing.T) {
	if r := ParseSendResponse([]byte("accepted")); r.Status != "success" || r.Failed() {
		t.Fatalf("expected success for non-JSON, got %+v", r)
	}
	if r := ParseSendResponse([]byte(`{"status":"failed"}`)); !r.Failed() {
		t.Fatalf("expected failure")
	}
	if r := ParseSendResponse(nil); r.Failed() {
		t.Fatalf("expected empty body to be success")
	}
}
