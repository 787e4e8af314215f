package malgo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/harunnryd/siavoice/pkg/adapters/capture"
	"github.com/harunnryd/siavoice/pkg/logging"
)

type Config struct {
	PeriodFrames uint32 `mapstructure:"period_frames"`
	Periods      uint32 `mapstructure:"periods"`
}

func (c Config) withDefaults() Config {
	if c.PeriodFrames == 0 {
		c.PeriodFrames = 480
	}
	if c.Periods == 0 {
		c.Periods = 3
	}
	return c
}

// Recorder captures signed 16-bit PCM from the default input device through
// miniaudio. Chunks are raw PCM, so it pairs with the rms classifier.
type Recorder struct {
	cfg Config
	log *slog.Logger
}

func New(cfg Config, log *slog.Logger) *Recorder {
	return &Recorder{
		cfg: cfg.withDefaults(),
		log: logging.NewComponentLogger(log, "malgo_recorder"),
	}
}

func (r *Recorder) Name() string { return "malgo" }

func (r *Recorder) Start(ctx context.Context, cfg capture.Config) (capture.Stream, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	channels := cfg.Channels
	if channels <= 0 {
		channels = 1
	}
	interval := cfg.ChunkInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	audioCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		r.log.Debug("malgo_message", "message", message)
	})
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}

	format := malgo.FormatS16
	bytesPerFrame := malgo.SampleSizeInBytes(format) * channels

	devCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	devCfg.SampleRate = uint32(sampleRate)
	devCfg.Capture.Format = format
	devCfg.Capture.Channels = uint32(channels)
	devCfg.Alsa.NoMMap = 1
	devCfg.PerformanceProfile = malgo.LowLatency
	devCfg.PeriodSizeInFrames = r.cfg.PeriodFrames
	devCfg.Periods = r.cfg.Periods

	s := &stream{
		chunks:  make(chan []byte, 16),
		stopped: make(chan struct{}),
		acc:     &accumulator{},
		audio:   audioCtx,
	}
	s.device, err = malgo.InitDevice(audioCtx.Context, devCfg, malgo.DeviceCallbacks{
		Data: func(_, pInput []byte, frameCount uint32) {
			n := int(frameCount) * bytesPerFrame
			if len(pInput) < n || n == 0 {
				return
			}
			s.acc.Write(pInput[:n])
		},
		// Also fires on a normal Stop, which end ignores once stopped is closed.
		Stop: func() {
			s.end(errors.New("capture device stopped"))
		},
	})
	if err != nil {
		s.release()
		return nil, fmt.Errorf("init capture device: %w", err)
	}
	if err := s.device.Start(); err != nil {
		s.release()
		return nil, fmt.Errorf("start capture device: %w", err)
	}

	go s.pump(ctx, interval)
	r.log.Debug("malgo_capture_started", "sample_rate", sampleRate, "channels", channels)
	return s, nil
}

type stream struct {
	chunks  chan []byte
	stopped chan struct{}
	acc     *accumulator

	audio  *malgo.AllocatedContext
	device *malgo.Device

	mu      sync.Mutex
	err     error
	once    sync.Once
	relOnce sync.Once
}

func (s *stream) Chunks() <-chan []byte { return s.chunks }
func (s *stream) Encoding() string      { return capture.EncodingPCM16 }

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *stream) pump(ctx context.Context, interval time.Duration) {
	defer s.release()
	defer close(s.chunks)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = s.Stop()
			return
		case <-s.stopped:
			return
		case <-ticker.C:
			chunk := s.acc.Flush()
			if len(chunk) == 0 {
				continue
			}
			select {
			case s.chunks <- chunk:
			case <-s.stopped:
				return
			}
		}
	}
}

func (s *stream) end(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.stopped)
	})
}

func (s *stream) Stop() error {
	s.end(nil)
	s.release()
	return nil
}

func (s *stream) release() {
	s.relOnce.Do(func() {
		if s.device != nil {
			s.device.Uninit()
		}
		if s.audio != nil {
			_ = s.audio.Uninit()
			s.audio.Free()
		}
	})
}

// accumulator collects PCM written from the audio callback thread.
type accumulator struct {
	mu  sync.Mutex
	buf []byte
}

func (a *accumulator) Write(p []byte) {
	a.mu.Lock()
	a.buf = append(a.buf, p...)
	a.mu.Unlock()
}

// Flush returns everything written since the last Flush.
func (a *accumulator) Flush() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.buf) == 0 {
		return nil
	}
	out := a.buf
	a.buf = nil
	return out
}

var _ capture.Recorder = (*Recorder)(nil)
