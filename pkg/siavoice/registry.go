package siavoice

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/harunnryd/siavoice/pkg/adapters/capture"
	"github.com/harunnryd/siavoice/pkg/adapters/playback"
	"github.com/harunnryd/siavoice/pkg/configutil"
	"github.com/harunnryd/siavoice/pkg/providers/ffmpeg"
	"github.com/harunnryd/siavoice/pkg/providers/ffplay"
	"github.com/harunnryd/siavoice/pkg/providers/malgo"
	"github.com/harunnryd/siavoice/pkg/providers/mock"
)

type RecorderFactory func(settings map[string]any, log *slog.Logger) (capture.Recorder, error)
type PlayerFactory func(settings map[string]any, log *slog.Logger) (playback.Player, error)

// Registry maps provider names from config onto audio backends.
type Registry struct {
	recorders map[string]RecorderFactory
	players   map[string]PlayerFactory
}

func NewRegistry() *Registry {
	return &Registry{
		recorders: make(map[string]RecorderFactory),
		players:   make(map[string]PlayerFactory),
	}
}

// DefaultRegistry knows every built-in recorder and player.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.RegisterRecorder("ffmpeg", func(settings map[string]any, log *slog.Logger) (capture.Recorder, error) {
		var cfg ffmpeg.Config
		if err := configutil.Decode(settings, &cfg); err != nil {
			return nil, fmt.Errorf("recorder.settings: %w", err)
		}
		return ffmpeg.New(cfg, log), nil
	})
	r.RegisterRecorder("malgo", func(settings map[string]any, log *slog.Logger) (capture.Recorder, error) {
		var cfg malgo.Config
		if err := configutil.Decode(settings, &cfg); err != nil {
			return nil, fmt.Errorf("recorder.settings: %w", err)
		}
		return malgo.New(cfg, log), nil
	})
	r.RegisterRecorder("mock", func(settings map[string]any, _ *slog.Logger) (capture.Recorder, error) {
		var cfg mock.RecorderConfig
		if err := configutil.Decode(settings, &cfg); err != nil {
			return nil, fmt.Errorf("recorder.settings: %w", err)
		}
		return mock.NewRecorder(cfg), nil
	})
	r.RegisterPlayer("ffplay", func(settings map[string]any, log *slog.Logger) (playback.Player, error) {
		var cfg ffplay.Config
		if err := configutil.Decode(settings, &cfg); err != nil {
			return nil, fmt.Errorf("player.settings: %w", err)
		}
		return ffplay.New(cfg, log), nil
	})
	r.RegisterPlayer("mock", func(settings map[string]any, _ *slog.Logger) (playback.Player, error) {
		var cfg mock.PlayerConfig
		if err := configutil.Decode(settings, &cfg); err != nil {
			return nil, fmt.Errorf("player.settings: %w", err)
		}
		return mock.NewPlayer(cfg), nil
	})
	return r
}

func (r *Registry) RegisterRecorder(name string, factory RecorderFactory) {
	r.recorders[normalizeName(name)] = factory
}

func (r *Registry) RegisterPlayer(name string, factory PlayerFactory) {
	r.players[normalizeName(name)] = factory
}

func (r *Registry) BuildRecorder(cfg ProviderConfig, log *slog.Logger) (capture.Recorder, error) {
	fn := r.recorders[normalizeName(cfg.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("recorder provider not registered: %s (known: %s)", cfg.Provider, strings.Join(keys(r.recorders), ", "))
	}
	return fn(cfg.Settings, log)
}

func (r *Registry) BuildPlayer(cfg ProviderConfig, log *slog.Logger) (playback.Player, error) {
	fn := r.players[normalizeName(cfg.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("player provider not registered: %s (known: %s)", cfg.Provider, strings.Join(keys(r.players), ", "))
	}
	return fn(cfg.Settings, log)
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func keys[T any](m map[string]T) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
