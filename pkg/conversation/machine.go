package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/harunnryd/siavoice/pkg/endpoint"
	"github.com/harunnryd/siavoice/pkg/errorsx"
	"github.com/harunnryd/siavoice/pkg/events"
	"github.com/harunnryd/siavoice/pkg/logging"
	"github.com/harunnryd/siavoice/pkg/metrics"
	"github.com/harunnryd/siavoice/pkg/playback"
	"github.com/harunnryd/siavoice/pkg/protocol"
	"github.com/harunnryd/siavoice/pkg/redact"
	"github.com/harunnryd/siavoice/pkg/transports"
)

var tracer = otel.Tracer("github.com/harunnryd/siavoice/pkg/conversation")

var (
	ErrNotRunning   = errors.New("conversation not running")
	ErrNotListening = errors.New("conversation is not listening")
)

// Detector is the endpointing microphone the machine drives.
type Detector interface {
	Start(ctx context.Context) error
	Stop() error
	Utterances() <-chan endpoint.Utterance
	Errors() <-chan error
}

// Sequencer plays reply clips one at a time.
type Sequencer interface {
	Play(ctx context.Context, encoded string, done func(playback.Result)) string
}

// Connector opens and releases sessions. *transports.Selector implements it.
type Connector interface {
	Open(ctx context.Context) (*transports.Session, error)
	Release(sess *transports.Session) error
}

// EventListener receives every conversation event, for the presentation layer.
type EventListener interface {
	OnConversationEvent(ev events.Event)
}

type EventListenerFunc func(events.Event)

func (f EventListenerFunc) OnConversationEvent(ev events.Event) { f(ev) }

// Status is a point-in-time view of the machine.
type Status struct {
	State     State     `json:"-"`
	StateName string    `json:"state"`
	Message   string    `json:"message,omitempty"`
	Since     time.Time `json:"since"`
	Connected bool      `json:"connected"`
	Transport string    `json:"transport,omitempty"`
	Relay     string    `json:"relay,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	TurnID    string    `json:"turn_id,omitempty"`
}

type Option func(*Machine)

func WithLogger(log *slog.Logger) Option {
	return func(m *Machine) {
		if log != nil {
			m.base = log
			m.log = logging.NewComponentLogger(log, "conversation")
		}
	}
}

func WithObserver(o metrics.Observer) Option {
	return func(m *Machine) {
		if o != nil {
			m.obs = o
		}
	}
}

type run struct {
	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan func()
	done   chan struct{}
}

// post hands fn to the loop. It reports false once the run has ended.
func (r *run) post(fn func()) bool {
	select {
	case r.inbox <- fn:
		return true
	case <-r.done:
		return false
	}
}

type turn struct {
	id        string
	kind      string
	span      trace.Span
	startedAt time.Time
	sentAt    time.Time
	replied   bool
}

// Machine coordinates endpoint detection, the session and playback. All
// state is mutated on one loop goroutine; other goroutines post to it.
type Machine struct {
	conn     Connector
	detector Detector
	seq      Sequencer
	cfg      Config
	base     *slog.Logger
	log      *slog.Logger
	obs      metrics.Observer
	fsm      *stateMachine

	mu             sync.Mutex
	run            *run
	eventListeners []EventListener
	session        *transports.Session
	connected      bool
	turnID         string

	// loop-owned
	client         *protocol.Client
	clientEvents   <-chan events.Event
	turn           *turn
	pendingClips   int
	resumeOnIdle   bool
	resumeOnLink   bool
	halted         bool
	resumeTimer    *time.Timer
	resumeGen      int
	reconnectTimer *time.Timer
	reconnectGen   int
	replyTimer     *time.Timer
	replyGen       int
}

func New(conn Connector, detector Detector, seq Sequencer, cfg Config, opts ...Option) *Machine {
	m := &Machine{
		conn:     conn,
		detector: detector,
		seq:      seq,
		cfg:      cfg.withDefaults(),
		base:     slog.Default(),
		log:      logging.NewComponentLogger(nil, "conversation"),
		obs:      metrics.NoopObserver{},
		fsm:      newStateMachine(time.Now),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Machine) AddListener(l StateListener) { m.fsm.AddListener(l) }

func (m *Machine) AddEventListener(l EventListener) {
	m.mu.Lock()
	m.eventListeners = append(m.eventListeners, l)
	m.mu.Unlock()
}

func (m *Machine) Status() Status {
	st, msg, since := m.fsm.snapshot()
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Status{
		State:     st,
		StateName: st.String(),
		Message:   msg,
		Since:     since,
		Connected: m.connected,
		TurnID:    m.turnID,
	}
	if m.session != nil {
		s.Transport = string(m.session.Kind())
		s.Relay = string(m.session.Relay())
		s.SessionID = m.session.ID()
	}
	return s
}

// Running reports whether the loop is active.
func (m *Machine) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.run != nil
}

// Start opens the session and begins listening on a background loop. Connection
// failures are not returned: the machine shows Error and retries. Calling Start
// on a running machine is a no-op.
func (m *Machine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.run != nil {
		m.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	r := &run{ctx: runCtx, cancel: cancel, inbox: make(chan func(), 64), done: make(chan struct{})}
	m.run = r
	m.mu.Unlock()

	go m.loop(r)
	return nil
}

// Stop releases the microphone, clears timers and closes the session. The
// machine ends Idle. Stopping an idle machine is a no-op.
func (m *Machine) Stop() error {
	m.mu.Lock()
	r := m.run
	m.run = nil
	m.mu.Unlock()
	if r == nil {
		return nil
	}
	r.cancel()
	<-r.done
	return nil
}

// Done is closed when the current loop exits. It returns nil when not running.
func (m *Machine) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.run == nil {
		return nil
	}
	return m.run.done
}

// SendText sends a typed message as its own turn. Only valid while listening.
func (m *Machine) SendText(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return errors.New("empty message")
	}
	m.mu.Lock()
	r := m.run
	m.mu.Unlock()
	if r == nil {
		return ErrNotRunning
	}
	res := make(chan error, 1)
	if !r.post(func() { res <- m.beginTextTurn(r, text) }) {
		return ErrNotRunning
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrNotRunning
	}
}

func (m *Machine) loop(r *run) {
	defer close(r.done)
	defer func() {
		m.mu.Lock()
		if m.run == r {
			m.run = nil
		}
		m.mu.Unlock()
	}()
	defer m.shutdown()

	m.connect(r)
	for {
		var (
			utts <-chan endpoint.Utterance
			errs <-chan error
		)
		if !m.halted {
			utts = m.detector.Utterances()
			errs = m.detector.Errors()
		}
		select {
		case <-r.ctx.Done():
			return
		case fn := <-r.inbox:
			fn()
		case u := <-utts:
			m.onUtterance(r, u)
		case err := <-errs:
			m.onCaptureError(err)
		case ev, ok := <-m.clientEvents:
			if !ok {
				m.clientEvents = nil
				m.onSessionEnded(r, errors.New("session closed"))
				continue
			}
			m.onEvent(r, ev)
		}
	}
}

func (m *Machine) connect(r *run) {
	if m.halted || r.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(r.ctx, m.cfg.ConnectTimeout)
	sess, err := m.conn.Open(ctx)
	cancel()
	if err != nil {
		if r.ctx.Err() != nil {
			return
		}
		m.log.Warn("conversation_connect_failed", "reason_code", string(errorsx.Reason(err)), "error", redact.Secret(err.Error()))
		m.toError("connection failed", "connect failed")
		m.scheduleReconnect(r)
		return
	}
	m.attach(r, sess)
	m.listen(r, "session open")
}

func (m *Machine) attach(r *run, sess *transports.Session) {
	client := protocol.NewClient(sess, protocol.WithLogger(m.base), protocol.WithObserver(m.obs))
	m.client = client
	m.clientEvents = client.Events()
	go client.Run(r.ctx)

	m.mu.Lock()
	m.session = sess
	m.connected = sess.Live()
	m.mu.Unlock()
	m.log.Info("conversation_session_attached", "session_id", sess.ID(), "transport", string(sess.Kind()), "relay", string(sess.Relay()))
}

func (m *Machine) detach() {
	if m.client == nil {
		return
	}
	sess := m.client.Session()
	m.client = nil
	m.clientEvents = nil
	_ = m.conn.Release(sess)

	m.mu.Lock()
	m.session = nil
	m.connected = false
	m.mu.Unlock()
}

// listen opens the microphone and moves to Listening. While a clip is still
// playing it waits for the clip to finish.
func (m *Machine) listen(r *run, reason string) {
	if m.halted || r.ctx.Err() != nil {
		return
	}
	if m.pendingClips > 0 {
		m.resumeOnIdle = true
		return
	}
	if m.fsm.State() == StateListening {
		return
	}
	m.cancelResume()
	m.resumeOnLink = false
	if err := m.detector.Start(r.ctx); err != nil {
		m.onCaptureError(err)
		return
	}
	m.transition(StateListening, reason, "")
}

func (m *Machine) onUtterance(r *run, u endpoint.Utterance) {
	if m.fsm.State() != StateListening {
		m.log.Debug("conversation_utterance_ignored", "utterance_id", u.ID, "state", m.fsm.State().String())
		return
	}
	t := m.beginTurn(r, "audio", u.EndedAt)
	m.record(metrics.EventUtteranceReady, t, float64(u.Size()), map[string]any{"chunks": u.Chunks, "reason": string(u.Reason)})
	m.transition(StateSending, "utterance ready", "")

	client := m.client
	if client == nil {
		m.onSent(r, t, 0, errorsx.Newf(errorsx.ReasonTransportSend, "not connected"))
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(r.ctx, m.cfg.SendTimeout)
		err := client.Send(ctx, u)
		cancel()
		r.post(func() { m.onSent(r, t, u.Size(), err) })
	}()
}

func (m *Machine) beginTextTurn(r *run, text string) error {
	if m.fsm.State() != StateListening {
		return ErrNotListening
	}
	client := m.client
	if client == nil {
		return errorsx.Newf(errorsx.ReasonTransportSend, "not connected")
	}
	_ = m.detector.Stop()
	t := m.beginTurn(r, "text", time.Now())
	m.transition(StateSending, "text message", "")
	go func() {
		ctx, cancel := context.WithTimeout(r.ctx, m.cfg.SendTimeout)
		err := client.SendText(ctx, text)
		cancel()
		r.post(func() { m.onSent(r, t, len(text), err) })
	}()
	return nil
}

func (m *Machine) onSent(r *run, t *turn, size int, err error) {
	if err != nil {
		m.record(metrics.EventSendFailed, t, 0, map[string]any{"error": err.Error()})
		if m.turn == t && m.fsm.State() == StateSending {
			m.recoverable(r, errorsx.Summary(errorsx.Wrap(err, errorsx.ReasonTransportSend)))
		}
		return
	}
	t.sentAt = time.Now()
	m.record(metrics.EventUtteranceSent, t, float64(size), nil)
	if m.turn == t && m.fsm.State() == StateSending {
		m.armReplyTimeout(r, t)
	}
}

// armReplyTimeout ends a turn whose reply never arrives.
func (m *Machine) armReplyTimeout(r *run, t *turn) {
	m.cancelReplyTimeout()
	gen := m.replyGen
	m.replyTimer = time.AfterFunc(m.cfg.ReplyTimeout, func() {
		r.post(func() {
			if gen != m.replyGen {
				return
			}
			m.replyTimer = nil
			// a text reply already scheduled the resume
			if m.turn != t || m.fsm.State() != StateSending || m.resumeTimer != nil {
				return
			}
			m.log.Warn("conversation_reply_timeout", "turn_id", t.id, "timeout_ms", m.cfg.ReplyTimeout.Milliseconds())
			m.record(metrics.EventSendFailed, t, 0, map[string]any{"error": "reply timeout"})
			m.recoverable(r, "no reply received")
		})
	})
}

func (m *Machine) cancelReplyTimeout() {
	m.replyGen++
	if m.replyTimer != nil {
		m.replyTimer.Stop()
		m.replyTimer = nil
	}
}

func (m *Machine) onEvent(r *run, ev events.Event) {
	m.notifyEvent(ev)
	switch e := ev.(type) {
	case events.Connection:
		m.mu.Lock()
		m.connected = e.Connected
		m.mu.Unlock()
		m.recordConnection(e.Connected)
		switch {
		case e.Final:
			m.onSessionEnded(r, e.Err)
		case !e.Connected:
			m.onLinkDown()
		case m.resumeOnLink:
			m.resumeOnLink = false
			m.listen(r, "reconnected")
		}
	case events.Transcript:
		m.replied()
	case events.AudioReply:
		m.onAudio(r, e)
	case events.TextReply:
		if m.fsm.State() == StateSending {
			m.replied()
			m.scheduleResume(r, m.cfg.TextResumeDelay, "text reply")
		}
	case events.Complete:
		if m.fsm.State() == StateSending && m.pendingClips == 0 {
			m.scheduleResume(r, m.cfg.TextResumeDelay, "reply complete")
		}
	case events.Error:
		m.log.Warn("conversation_remote_error", "state", m.fsm.State().String(), "error", e.Message)
		if m.halted {
			return
		}
		_ = m.detector.Stop()
		m.recoverable(r, e.Message)
	}
}

// onLinkDown drops the reply of an in-flight turn when the transport starts
// reconnecting. Listening resumes once the link is back.
func (m *Machine) onLinkDown() {
	switch st := m.fsm.State(); {
	case st == StateSending, st == StateSpeaking && m.pendingClips == 0:
		m.log.Warn("conversation_turn_dropped", "reason_code", string(errorsx.ReasonTransportClosed), "state", st.String())
		m.cancelResume()
		m.finishTurn("disconnected")
		m.resumeOnLink = true
		m.toError("connection lost", "connection lost")
	}
}

func (m *Machine) onAudio(r *run, e events.AudioReply) {
	st := m.fsm.State()
	if st != StateSending && st != StateSpeaking {
		m.log.Debug("conversation_late_audio_dropped", "state", st.String())
		return
	}
	m.replied()
	if st == StateSending {
		m.cancelResume()
		m.transition(StateSpeaking, "audio reply", "")
	}
	m.pendingClips++
	t := m.turn
	m.seq.Play(r.ctx, e.Audio, func(res playback.Result) {
		r.post(func() { m.onClipDone(r, t, res) })
	})
}

func (m *Machine) onClipDone(r *run, t *turn, res playback.Result) {
	if m.pendingClips > 0 {
		m.pendingClips--
	}
	outcome := "ok"
	if res.Err != nil {
		outcome = "failed"
		m.log.Warn("conversation_playback_failed", "clip_id", res.ClipID, "reason_code", string(errorsx.Reason(res.Err)), "error", res.Err.Error())
	}
	m.record(metrics.EventPlaybackDone, t, float64(res.Duration.Milliseconds()), map[string]any{"outcome": outcome, "bytes": res.Bytes})
	if m.pendingClips > 0 {
		return
	}
	switch {
	case m.fsm.State() == StateSpeaking:
		m.finishTurn("ok")
		m.listen(r, "playback complete")
	case m.resumeOnIdle:
		m.resumeOnIdle = false
		m.listen(r, "playback complete")
	}
}

// recoverable shows msg and resumes listening after ErrorResumeDelay.
func (m *Machine) recoverable(r *run, msg string) {
	m.finishTurn("error")
	m.toError(msg, "recoverable error")
	if m.client != nil {
		m.scheduleResume(r, m.cfg.ErrorResumeDelay, "error recovered")
	}
}

// onCaptureError halts the loop. The microphone needs user action.
func (m *Machine) onCaptureError(err error) {
	if err == nil {
		return
	}
	m.log.Error("conversation_capture_failed", "reason_code", string(errorsx.Reason(err)), "error", err.Error())
	_ = m.detector.Stop()
	m.finishTurn("error")
	m.cancelResume()
	m.cancelReconnect()
	m.halted = true
	m.toError(errorsx.Summary(err), "capture failed")
}

func (m *Machine) onSessionEnded(r *run, err error) {
	if m.client == nil {
		return
	}
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	m.log.Warn("conversation_session_lost", "reason_code", string(errorsx.ReasonTransportClosed), "error", reason)
	m.detach()
	_ = m.detector.Stop()
	m.finishTurn("disconnected")
	m.cancelResume()
	m.resumeOnIdle = false
	m.resumeOnLink = false
	if m.halted {
		return
	}
	m.toError("connection failed", "connection lost")
	m.scheduleReconnect(r)
}

func (m *Machine) shutdown() {
	m.cancelResume()
	m.cancelReconnect()
	_ = m.detector.Stop()
	m.finishTurn("stopped")
	m.detach()
	m.pendingClips = 0
	m.resumeOnIdle = false
	m.resumeOnLink = false
	m.halted = false
	if m.fsm.State() != StateIdle {
		m.transition(StateIdle, "stopped", "")
	}
	m.log.Info("conversation_stopped")
}

func (m *Machine) scheduleResume(r *run, d time.Duration, reason string) {
	if m.resumeTimer != nil {
		return
	}
	m.resumeGen++
	gen := m.resumeGen
	m.resumeTimer = time.AfterFunc(d, func() {
		r.post(func() {
			if gen != m.resumeGen {
				return
			}
			m.resumeTimer = nil
			m.finishTurn("ok")
			m.listen(r, reason)
		})
	})
}

func (m *Machine) cancelResume() {
	m.resumeGen++
	if m.resumeTimer != nil {
		m.resumeTimer.Stop()
		m.resumeTimer = nil
	}
}

func (m *Machine) scheduleReconnect(r *run) {
	if m.halted || m.reconnectTimer != nil {
		return
	}
	m.reconnectGen++
	gen := m.reconnectGen
	m.log.Info("conversation_reconnect_scheduled", "delay_ms", m.cfg.ReconnectDelay.Milliseconds())
	m.reconnectTimer = time.AfterFunc(m.cfg.ReconnectDelay, func() {
		r.post(func() {
			if gen != m.reconnectGen {
				return
			}
			m.reconnectTimer = nil
			m.connect(r)
		})
	})
}

func (m *Machine) cancelReconnect() {
	m.reconnectGen++
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

func (m *Machine) beginTurn(r *run, kind string, at time.Time) *turn {
	m.finishTurn("superseded")
	if at.IsZero() {
		at = time.Now()
	}
	_, span := tracer.Start(r.ctx, "conversation turn", trace.WithAttributes(attribute.String("turn.kind", kind)))
	t := &turn{id: uuid.NewString(), kind: kind, span: span, startedAt: at}
	m.turn = t
	m.mu.Lock()
	m.turnID = t.id
	m.mu.Unlock()
	return t
}

func (m *Machine) finishTurn(outcome string) {
	t := m.turn
	if t == nil {
		return
	}
	m.cancelReplyTimeout()
	m.turn = nil
	m.mu.Lock()
	m.turnID = ""
	m.mu.Unlock()
	t.span.SetAttributes(attribute.String("turn.outcome", outcome))
	t.span.End()
	m.record(metrics.EventTurnComplete, t, float64(time.Since(t.startedAt).Milliseconds()), map[string]any{"outcome": outcome})
}

// replied records the first reply of the current turn.
func (m *Machine) replied() {
	t := m.turn
	if t == nil || t.replied {
		return
	}
	t.replied = true
	from := t.sentAt
	if from.IsZero() {
		from = t.startedAt
	}
	m.record(metrics.EventFirstReply, t, float64(time.Since(from).Milliseconds()), nil)
}

func (m *Machine) toError(msg, reason string) {
	m.transition(StateError, reason, msg)
}

func (m *Machine) transition(to State, reason, message string) bool {
	ev, err := m.fsm.Transition(to, reason, message)
	if err != nil {
		m.log.Warn("conversation_invalid_transition", "error", err.Error(), "reason", reason)
		return false
	}
	args := []any{"from", ev.FromState.String(), "to", ev.ToState.String(), "reason", reason}
	if message != "" {
		args = append(args, "message", message)
	}
	m.log.Info("conversation_state_changed", args...)
	tags := m.tags(m.turn)
	tags["from"] = ev.FromState.String()
	tags["to"] = ev.ToState.String()
	m.obs.RecordEvent(metrics.MetricsEvent{
		Name:   metrics.EventStateChange,
		Time:   ev.Timestamp,
		Tags:   tags,
		Fields: map[string]any{"reason": reason},
	})
	return true
}

func (m *Machine) notifyEvent(ev events.Event) {
	m.mu.Lock()
	listeners := make([]EventListener, len(m.eventListeners))
	copy(listeners, m.eventListeners)
	m.mu.Unlock()
	for _, l := range listeners {
		l.OnConversationEvent(ev)
	}
}

func (m *Machine) tags(t *turn) map[string]string {
	tags := map[string]string{}
	if t != nil {
		tags["turn_id"] = t.id
	}
	if m.client != nil {
		sess := m.client.Session()
		tags["session_id"] = sess.ID()
		tags["transport"] = string(sess.Kind())
	}
	return tags
}

func (m *Machine) record(name string, t *turn, value float64, fields map[string]any) {
	m.obs.RecordEvent(metrics.MetricsEvent{
		Name:   name,
		Time:   time.Now(),
		Value:  value,
		Tags:   m.tags(t),
		Fields: fields,
	})
}

func (m *Machine) recordConnection(connected bool) {
	v := 0.0
	if connected {
		v = 1
	}
	m.record(metrics.EventConnection, nil, v, nil)
}

func (s Status) String() string {
	if s.Message != "" {
		return fmt.Sprintf("%s (%s)", s.StateName, s.Message)
	}
	return s.StateName
}
