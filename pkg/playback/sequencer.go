package playback

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	output "github.com/harunnryd/siavoice/pkg/adapters/playback"
	"github.com/harunnryd/siavoice/pkg/errorsx"
	"github.com/harunnryd/siavoice/pkg/logging"
)

// ErrClosed is reported for clips that were queued when the sequencer closed.
var ErrClosed = errors.New("playback sequencer closed")

// Result is passed to the completion callback of every Play call.
type Result struct {
	ClipID   string
	Bytes    int
	Duration time.Duration
	Err      error
}

type job struct {
	id      string
	ctx     context.Context
	encoded string
	finish  func(Result)
}

type Option func(*Sequencer)

func WithLogger(log *slog.Logger) Option {
	return func(s *Sequencer) { s.log = logging.NewComponentLogger(log, "playback") }
}

// Sequencer plays decoded clips one at a time, in request order.
type Sequencer struct {
	player output.Player
	log    *slog.Logger

	mu      sync.Mutex
	queue   []job
	playing bool
	closed  bool
	wake    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func New(player output.Player, opts ...Option) *Sequencer {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sequencer{
		player: player,
		log:    logging.NewComponentLogger(nil, "playback"),
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.loop()
	return s
}

// Play queues a base64 clip and returns its id. done fires exactly once, after
// the clip ends naturally, fails, is cancelled or cannot be decoded.
func (s *Sequencer) Play(ctx context.Context, encoded string, done func(Result)) string {
	id := uuid.NewString()
	var once sync.Once
	finish := func(r Result) {
		once.Do(func() {
			r.ClipID = id
			if done != nil {
				done(r)
			}
		})
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		go finish(Result{Err: ErrClosed})
		return id
	}
	s.queue = append(s.queue, job{id: id, ctx: ctx, encoded: encoded, finish: finish})
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return id
}

// Busy reports whether a clip is playing or queued.
func (s *Sequencer) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing || len(s.queue) > 0
}

// Close stops the current clip, fails queued ones with ErrClosed and waits
// for their callbacks. Safe to call twice.
func (s *Sequencer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	<-s.done
	return nil
}

func (s *Sequencer) loop() {
	defer close(s.done)
	for {
		j, ok := s.next()
		if !ok {
			select {
			case <-s.wake:
				continue
			case <-s.ctx.Done():
				s.drain()
				return
			}
		}
		s.play(j)
		s.mu.Lock()
		s.playing = false
		s.mu.Unlock()
	}
}

func (s *Sequencer) next() (job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.queue) == 0 {
		return job{}, false
	}
	j := s.queue[0]
	s.queue = s.queue[1:]
	s.playing = true
	return j, true
}

func (s *Sequencer) drain() {
	s.mu.Lock()
	pending := s.queue
	s.queue = nil
	s.mu.Unlock()
	for _, j := range pending {
		j.finish(Result{Err: ErrClosed})
	}
}

func (s *Sequencer) play(j job) {
	clip, err := Decode(j.encoded)
	if err != nil {
		s.log.Warn("playback_decode_failed", "clip_id", j.id, "reason_code", string(errorsx.ReasonPlaybackDecode), "error", err.Error())
		j.finish(Result{Err: errorsx.Wrap(err, errorsx.ReasonPlaybackDecode)})
		return
	}

	ctx, cancel := context.WithCancel(j.ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()
	defer cancel()

	start := time.Now()
	err = s.player.Play(ctx, clip)
	res := Result{Bytes: len(clip), Duration: time.Since(start)}
	if err != nil {
		res.Err = errorsx.Wrap(fmt.Errorf("%s: %w", s.player.Name(), err), errorsx.ReasonPlaybackFailed)
		s.log.Warn("playback_failed", "clip_id", j.id, "reason_code", string(errorsx.ReasonPlaybackFailed), "error", err.Error())
	} else {
		s.log.Debug("playback_done", "clip_id", j.id, "bytes", len(clip), "duration_ms", res.Duration.Milliseconds())
	}
	j.finish(res)
}

// Decode accepts standard, raw and URL-safe base64, optionally behind a data: URL prefix.
func Decode(encoded string) ([]byte, error) {
	s := strings.TrimSpace(encoded)
	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ","); i >= 0 {
			s = s[i+1:]
		}
	}
	if s == "" {
		return nil, errors.New("empty audio payload")
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil {
			if len(b) == 0 {
				return nil, errors.New("empty audio payload")
			}
			return b, nil
		}
	}
	return nil, errors.New("audio payload is not valid base64")
}
