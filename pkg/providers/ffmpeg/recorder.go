package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/siavoice/pkg/adapters/capture"
	"github.com/harunnryd/siavoice/pkg/logging"
)

const (
	startupGrace = 250 * time.Millisecond
	stopGrace    = 1200 * time.Millisecond
)

// Config selects the ffmpeg input device and encoder settings.
type Config struct {
	Command     string `mapstructure:"command"`
	InputFormat string `mapstructure:"input_format"`
	InputDevice string `mapstructure:"input_device"`
	Bitrate     string `mapstructure:"bitrate"`
	// Denoise applies ffmpeg's afftdn filter before encoding.
	Denoise bool `mapstructure:"denoise"`
	// Args replaces the generated argument list entirely.
	Args []string `mapstructure:"args"`
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Command) == "" {
		c.Command = "ffmpeg"
	}
	if c.InputFormat == "" || c.InputDevice == "" {
		format, device := platformInput()
		if c.InputFormat == "" {
			c.InputFormat = format
		}
		if c.InputDevice == "" {
			c.InputDevice = device
		}
	}
	if c.Bitrate == "" {
		c.Bitrate = "32k"
	}
	return c
}

func platformInput() (string, string) {
	switch runtime.GOOS {
	case "darwin":
		return "avfoundation", ":0"
	case "windows":
		return "dshow", "audio=default"
	default:
		return "pulse", "default"
	}
}

// Recorder captures the microphone through an ffmpeg subprocess that encodes
// opus in a webm container on stdout.
type Recorder struct {
	cfg Config
	log *slog.Logger
}

func New(cfg Config, log *slog.Logger) *Recorder {
	return &Recorder{
		cfg: cfg.withDefaults(),
		log: logging.NewComponentLogger(log, "ffmpeg_recorder"),
	}
}

func (r *Recorder) Name() string { return "ffmpeg" }

func (r *Recorder) args(cfg capture.Config) []string {
	if len(r.cfg.Args) > 0 {
		return append([]string(nil), r.cfg.Args...)
	}
	rate := cfg.SampleRate
	switch rate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		// libopus only encodes these rates.
		rate = 48000
	}
	channels := cfg.Channels
	if channels <= 0 {
		channels = 1
	}
	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", r.cfg.InputFormat,
		"-i", r.cfg.InputDevice,
	}
	if r.cfg.Denoise {
		args = append(args, "-af", "afftdn")
	}
	args = append(args,
		"-ac", strconv.Itoa(channels),
		"-ar", strconv.Itoa(rate),
		"-c:a", "libopus",
		"-b:a", r.cfg.Bitrate,
		"-flush_packets", "1",
		"-f", "webm",
		"-live", "1",
		"-",
	)
	return args
}

func (r *Recorder) Start(ctx context.Context, cfg capture.Config) (capture.Stream, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	interval := cfg.ChunkInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	cmd := exec.CommandContext(ctx, r.cfg.Command, r.args(cfg)...)
	stderr := &syncBuffer{}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	// A denied or missing device makes ffmpeg exit almost immediately.
	select {
	case err := <-waitErr:
		detail := stderr.Trimmed()
		if err != nil {
			return nil, fmt.Errorf("ffmpeg exited before capture started: %w: %s", err, detail)
		}
		return nil, fmt.Errorf("ffmpeg exited before capture started: %s", detail)
	case <-time.After(startupGrace):
	}

	s := &stream{
		chunks:  make(chan []byte, 16),
		stopped: make(chan struct{}),
		stdout:  stdout,
		stderr:  stderr,
		process: cmd.Process,
		waitErr: waitErr,
	}
	go s.pump(interval)
	r.log.Debug("ffmpeg_capture_started", "pid", cmd.Process.Pid, "interval_ms", interval.Milliseconds())
	return s, nil
}

type stream struct {
	chunks  chan []byte
	stopped chan struct{}

	stdout  io.ReadCloser
	stderr  *syncBuffer
	process *os.Process
	waitErr <-chan error

	mu      sync.Mutex
	err     error
	exitErr error

	stopOnce sync.Once
	stopErr  error
}

func (s *stream) Chunks() <-chan []byte { return s.chunks }
func (s *stream) Encoding() string      { return capture.EncodingWebmOpus }

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// pump batches stdout into one chunk per interval, like a MediaRecorder timeslice.
func (s *stream) pump(interval time.Duration) {
	defer close(s.chunks)
	reads := make(chan []byte, 16)
	readErr := make(chan error, 1)
	go func() {
		defer close(reads)
		buf := make([]byte, 4096)
		for {
			n, err := s.stdout.Read(buf)
			if n > 0 {
				select {
				case reads <- append([]byte(nil), buf[:n]...):
				case <-s.stopped:
					return
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var pending []byte
	for {
		select {
		case b, ok := <-reads:
			if !ok {
				if !s.emit(pending) {
					return
				}
				select {
				case err := <-readErr:
					s.finish(err)
				case <-s.stopped:
				}
				return
			}
			pending = append(pending, b...)
		case <-ticker.C:
			if len(pending) == 0 {
				continue
			}
			if !s.emit(pending) {
				return
			}
			pending = nil
		case <-s.stopped:
			return
		}
	}
}

func (s *stream) emit(chunk []byte) bool {
	if len(chunk) == 0 {
		return true
	}
	select {
	case s.chunks <- chunk:
		return true
	case <-s.stopped:
		return false
	}
}

// finish records why stdout ended unless Stop was the cause.
func (s *stream) finish(readErr error) {
	select {
	case <-s.stopped:
		return
	default:
	}
	err := <-s.waitErr
	if err == nil && readErr != nil && !errors.Is(readErr, io.EOF) && !errors.Is(readErr, os.ErrClosed) {
		err = readErr
	}
	if err == nil {
		err = errors.New("ffmpeg stopped producing audio")
	}
	if detail := s.stderr.Trimmed(); detail != "" {
		err = fmt.Errorf("%w: %s", err, detail)
	}
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Stop interrupts ffmpeg so it can flush, then kills it after a grace period.
func (s *stream) Stop() error {
	s.stopOnce.Do(func() {
		close(s.stopped)
		if s.process != nil {
			_ = s.process.Signal(os.Interrupt)
		}
		select {
		case err, ok := <-s.waitErr:
			if ok {
				s.stopErr = normalizeStopErr(err)
			}
		case <-time.After(stopGrace):
			if s.process != nil {
				_ = s.process.Kill()
			}
			if err, ok := <-s.waitErr; ok {
				s.stopErr = normalizeStopErr(err)
			}
		}
		if err := s.stdout.Close(); err != nil && !errors.Is(err, os.ErrClosed) && s.stopErr == nil {
			s.stopErr = err
		}
	})
	return s.stopErr
}

func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Trimmed() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(b.buf.String())
}

var _ capture.Recorder = (*Recorder)(nil)
