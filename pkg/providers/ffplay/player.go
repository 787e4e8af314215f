package ffplay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/harunnryd/siavoice/pkg/adapters/playback"
	"github.com/harunnryd/siavoice/pkg/logging"
)

type Config struct {
	Command  string `mapstructure:"command"`
	LogLevel string `mapstructure:"log_level"`
	// Volume is 0-100; zero keeps ffplay's default.
	Volume int `mapstructure:"volume"`
	// Args replaces the generated argument list entirely.
	Args []string `mapstructure:"args"`
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Command) == "" {
		c.Command = "ffplay"
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = "error"
	}
	if c.Volume > 100 {
		c.Volume = 100
	}
	return c
}

// Player pipes each clip into a fresh ffplay process and waits for it to exit.
// ffplay detects the container itself, so mp3, wav, ogg and webm clips all play.
type Player struct {
	cfg Config
	log *slog.Logger
}

func New(cfg Config, log *slog.Logger) *Player {
	return &Player{
		cfg: cfg.withDefaults(),
		log: logging.NewComponentLogger(log, "ffplay_player"),
	}
}

func (p *Player) Name() string { return "ffplay" }

func (p *Player) args() []string {
	if len(p.cfg.Args) > 0 {
		return append([]string(nil), p.cfg.Args...)
	}
	args := []string{"-nodisp", "-autoexit", "-loglevel", p.cfg.LogLevel}
	if p.cfg.Volume > 0 {
		args = append(args, "-volume", strconv.Itoa(p.cfg.Volume))
	}
	return append(args, "-i", "pipe:0")
}

func (p *Player) Play(ctx context.Context, clip []byte) error {
	if len(clip) == 0 {
		return errors.New("empty clip")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	cmd := exec.CommandContext(ctx, p.cfg.Command, p.args()...)
	cmd.Stdin = bytes.NewReader(clip)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	started := time.Now()
	err := cmd.Run()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		if detail := strings.TrimSpace(stderr.String()); detail != "" {
			return fmt.Errorf("ffplay: %w: %s", err, detail)
		}
		return fmt.Errorf("ffplay: %w", err)
	}
	p.log.Debug("ffplay_clip_done", "bytes", len(clip), "duration_ms", time.Since(started).Milliseconds())
	return nil
}

var _ playback.Player = (*Player)(nil)
