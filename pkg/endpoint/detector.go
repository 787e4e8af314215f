package endpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harunnryd/siavoice/pkg/adapters/capture"
	"github.com/harunnryd/siavoice/pkg/errorsx"
	"github.com/harunnryd/siavoice/pkg/logging"
	"github.com/harunnryd/siavoice/pkg/metrics"
)

// Utterance is one bounded unit of captured speech, ready to send.
type Utterance struct {
	ID        string
	Data      []byte
	Chunks    int
	Encoding  string
	StartedAt time.Time
	EndedAt   time.Time
	Reason    EndReason
}

func (u Utterance) Size() int { return len(u.Data) }

// Detector drives a Recorder and decides locally where each utterance ends.
type Detector struct {
	recorder capture.Recorder
	cfg      Config
	log      *slog.Logger
	observer metrics.Observer
	now      func() time.Time

	utterances chan Utterance
	errs       chan error

	mu  sync.Mutex
	run *captureRun
}

type captureRun struct {
	id     int
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Detector)

func WithLogger(log *slog.Logger) Option {
	return func(d *Detector) {
		if log != nil {
			d.log = logging.NewComponentLogger(log, "endpoint")
		}
	}
}

func WithObserver(obs metrics.Observer) Option {
	return func(d *Detector) {
		if obs != nil {
			d.observer = obs
		}
	}
}

func New(recorder capture.Recorder, cfg Config, opts ...Option) *Detector {
	d := &Detector{
		recorder:   recorder,
		cfg:        cfg.withDefaults(),
		log:        logging.NewComponentLogger(slog.Default(), "endpoint"),
		observer:   metrics.NoopObserver{},
		now:        time.Now,
		utterances: make(chan Utterance, 1),
		errs:       make(chan error, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Utterances delivers each accepted utterance. Capture has already stopped when one arrives.
func (d *Detector) Utterances() <-chan Utterance { return d.utterances }

// Errors delivers capture failures that ended a running capture.
func (d *Detector) Errors() <-chan error { return d.errs }

func (d *Detector) Config() Config { return d.cfg }

// Capturing reports whether a microphone stream is open.
func (d *Detector) Capturing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.run != nil
}

// Start opens the microphone and begins endpointing. It is a no-op while already capturing.
func (d *Detector) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.run != nil {
		return nil
	}
	d.drain()
	runCtx, cancel := context.WithCancel(ctx)
	stream, err := d.recorder.Start(runCtx, d.captureConfig())
	if err != nil {
		cancel()
		d.log.Error("endpoint_capture_start_failed", "recorder", d.recorder.Name(), "error", err.Error())
		return errorsx.Wrap(fmt.Errorf("start %s capture: %w", d.recorder.Name(), err), errorsx.ReasonCaptureStart)
	}
	r := &captureRun{cancel: cancel, done: make(chan struct{})}
	d.run = r
	go d.loop(runCtx, r, stream)
	d.log.Debug("endpoint_capture_started", "recorder", d.recorder.Name(), "encoding", stream.Encoding())
	return nil
}

// Stop ends capture and drops whatever was buffered. Safe to call when idle.
func (d *Detector) Stop() error {
	d.mu.Lock()
	r := d.run
	d.run = nil
	d.mu.Unlock()
	if r == nil {
		return nil
	}
	r.cancel()
	<-r.done
	d.log.Debug("endpoint_capture_stopped")
	return nil
}

// drain drops results a previous run delivered after it was stopped.
func (d *Detector) drain() {
	for {
		select {
		case <-d.utterances:
		case <-d.errs:
		default:
			return
		}
	}
}

func (d *Detector) captureConfig() capture.Config {
	return capture.Config{
		ChunkInterval: d.cfg.ChunkInterval,
		SampleRate:    d.cfg.SampleRate,
		Channels:      d.cfg.Channels,
	}
}

// release clears r as the active run if it still is. Returns false when Stop already took it.
func (d *Detector) release(r *captureRun) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.run != r {
		return false
	}
	d.run = nil
	return true
}

func (d *Detector) loop(ctx context.Context, r *captureRun, stream capture.Stream) {
	defer close(r.done)
	defer r.cancel()
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	state := NewState(d.cfg, d.now())
	for {
		select {
		case <-ctx.Done():
			_ = stream.Stop()
			return
		case chunk, ok := <-stream.Chunks():
			if !ok {
				d.streamEnded(ctx, r, stream)
				return
			}
			state.Observe(chunk, d.now())
		case <-ticker.C:
			decision, reason := state.Tick(d.now())
			switch decision {
			case DecisionEmit:
				utt := Utterance{
					ID:        uuid.NewString(),
					Data:      state.Assemble(),
					Chunks:    state.ChunkCount(),
					Encoding:  stream.Encoding(),
					StartedAt: state.StartedAt(),
					EndedAt:   d.now(),
					Reason:    reason,
				}
				_ = stream.Stop()
				if !d.release(r) {
					return
				}
				d.log.Info("endpoint_utterance_ready", "utterance_id", utt.ID, "bytes", utt.Size(), "chunks", utt.Chunks, "reason", string(reason))
				select {
				case d.utterances <- utt:
				case <-ctx.Done():
				}
				return
			case DecisionDiscard:
				d.record(metrics.EventUtteranceDiscarded, float64(state.Size()), reason)
				d.log.Debug("endpoint_utterance_discarded", "bytes", state.Size(), "speech_seen", state.SpeechSeen(), "reason", string(reason))
				_ = stream.Stop()
				next, err := d.recorder.Start(ctx, d.captureConfig())
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					d.fail(ctx, r, errorsx.Wrap(fmt.Errorf("restart %s capture: %w", d.recorder.Name(), err), errorsx.ReasonCaptureStart))
					return
				}
				stream = next
				state.Reset(d.now())
			}
		}
	}
}

func (d *Detector) streamEnded(ctx context.Context, r *captureRun, stream capture.Stream) {
	if ctx.Err() != nil {
		return
	}
	err := stream.Err()
	if err == nil {
		err = errors.New("microphone stream ended")
	}
	d.fail(ctx, r, errorsx.Wrap(err, errorsx.ReasonCaptureStream))
}

func (d *Detector) fail(ctx context.Context, r *captureRun, err error) {
	if !d.release(r) {
		return
	}
	d.log.Error("endpoint_capture_failed", "reason_code", string(errorsx.Reason(err)), "error", err.Error())
	select {
	case d.errs <- err:
	case <-ctx.Done():
	}
}

func (d *Detector) record(name string, value float64, reason EndReason) {
	d.observer.RecordEvent(metrics.MetricsEvent{
		Name:  name,
		Time:  d.now(),
		Value: value,
		Tags:  map[string]string{"reason": string(reason)},
	})
}
