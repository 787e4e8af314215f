package mock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/siavoice/pkg/adapters/playback"
)

type PlayerConfig struct {
	// Duration is how long each clip "plays".
	DurationMS int    `mapstructure:"duration_ms"`
	Fail       string `mapstructure:"fail"`
}

// Player records clips instead of playing them.
type Player struct {
	cfg PlayerConfig

	mu      sync.Mutex
	clips   [][]byte
	fail    error
	playing atomic.Int32
	peak    atomic.Int32
	// Gate, when set, holds each clip until a value is received.
	Gate chan struct{}
}

func NewPlayer(cfg PlayerConfig) *Player {
	p := &Player{cfg: cfg}
	if cfg.Fail != "" {
		p.fail = errors.New(cfg.Fail)
	}
	return p
}

func (p *Player) Name() string { return "mock_player" }

func (p *Player) Play(ctx context.Context, clip []byte) error {
	n := p.playing.Add(1)
	defer p.playing.Add(-1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	p.mu.Lock()
	p.clips = append(p.clips, append([]byte(nil), clip...))
	fail := p.fail
	gate := p.Gate
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if p.cfg.DurationMS > 0 {
		t := time.NewTimer(time.Duration(p.cfg.DurationMS) * time.Millisecond)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fail
}

// SetFail makes subsequent clips fail with err.
func (p *Player) SetFail(err error) {
	p.mu.Lock()
	p.fail = err
	p.mu.Unlock()
}

// Clips returns copies of every clip played so far.
func (p *Player) Clips() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.clips))
	copy(out, p.clips)
	return out
}

// MaxConcurrent is the highest number of clips that were playing at once.
func (p *Player) MaxConcurrent() int { return int(p.peak.Load()) }

var _ playback.Player = (*Player)(nil)
