package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/harunnryd/siavoice/pkg/adapters/capture"
)

type RecorderConfig struct {
	// Script lists chunk sizes emitted in a loop every ChunkInterval. Empty means Feed-only.
	Script   []int  `mapstructure:"script"`
	Encoding string `mapstructure:"encoding"`
	// FailStart makes every Start fail, as a denied microphone would.
	FailStart string `mapstructure:"fail_start"`
}

// Recorder is an in-memory microphone. Tests push chunks with Feed.
type Recorder struct {
	cfg RecorderConfig

	mu       sync.Mutex
	current  *Stream
	starts   int
	startErr error
}

func NewRecorder(cfg RecorderConfig) *Recorder {
	if cfg.Encoding == "" {
		cfg.Encoding = capture.EncodingWebmOpus
	}
	r := &Recorder{cfg: cfg}
	if cfg.FailStart != "" {
		r.startErr = errors.New(cfg.FailStart)
	}
	return r
}

func (r *Recorder) Name() string { return "mock_recorder" }

func (r *Recorder) Start(ctx context.Context, cfg capture.Config) (capture.Stream, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return nil, r.startErr
	}
	r.starts++
	s := &Stream{
		chunks:   make(chan []byte, 256),
		stopped:  make(chan struct{}),
		encoding: r.cfg.Encoding,
	}
	r.current = s
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Stop()
		case <-s.stopped:
		}
	}()
	if len(r.cfg.Script) > 0 {
		go s.play(r.cfg.Script, cfg.ChunkInterval)
	}
	return s, nil
}

// SetStartError makes subsequent Start calls fail with err (nil clears it).
func (r *Recorder) SetStartError(err error) {
	r.mu.Lock()
	r.startErr = err
	r.mu.Unlock()
}

// Feed pushes chunk into the open stream. It reports false when no stream is open.
func (r *Recorder) Feed(chunk []byte) bool {
	r.mu.Lock()
	s := r.current
	r.mu.Unlock()
	if s == nil {
		return false
	}
	return s.push(chunk)
}

// FeedSizes pushes one zero-filled chunk per size.
func (r *Recorder) FeedSizes(sizes ...int) bool {
	for _, n := range sizes {
		if !r.Feed(make([]byte, n)) {
			return false
		}
	}
	return true
}

// Fail ends the open stream with err, as a device unplug would.
func (r *Recorder) Fail(err error) {
	r.mu.Lock()
	s := r.current
	r.mu.Unlock()
	if s != nil {
		s.end(err)
	}
}

// Starts counts successful Start calls.
func (r *Recorder) Starts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts
}

// Active reports whether a stream is open.
func (r *Recorder) Active() bool {
	r.mu.Lock()
	s := r.current
	r.mu.Unlock()
	return s != nil && !s.isStopped()
}

type Stream struct {
	chunks   chan []byte
	stopped  chan struct{}
	encoding string

	mu   sync.Mutex
	done bool
	err  error
}

func (s *Stream) Chunks() <-chan []byte { return s.chunks }
func (s *Stream) Encoding() string      { return s.encoding }

func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) Stop() error {
	s.end(nil)
	return nil
}

func (s *Stream) end(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	s.err = err
	close(s.stopped)
	close(s.chunks)
}

func (s *Stream) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *Stream) push(chunk []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return false
	}
	select {
	case s.chunks <- chunk:
		return true
	default:
		return false
	}
}

func (s *Stream) play(script []int, interval time.Duration) {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for i := 0; ; i++ {
		select {
		case <-s.stopped:
			return
		case <-ticker.C:
			if !s.push(make([]byte, script[i%len(script)])) {
				return
			}
		}
	}
}

var _ capture.Recorder = (*Recorder)(nil)
