package siavoice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/siavoice/pkg/conversation"
	"github.com/harunnryd/siavoice/pkg/endpoint"
	"github.com/harunnryd/siavoice/pkg/logging"
	"github.com/harunnryd/siavoice/pkg/metrics"
	"github.com/harunnryd/siavoice/pkg/observers"
	"github.com/harunnryd/siavoice/pkg/playback"
	"github.com/harunnryd/siavoice/pkg/redact"
	"github.com/harunnryd/siavoice/pkg/runner"
	"github.com/harunnryd/siavoice/pkg/statusapi"
	"github.com/harunnryd/siavoice/pkg/transports"
	"github.com/harunnryd/siavoice/pkg/transports/direct"
	"github.com/harunnryd/siavoice/pkg/transports/hub"
)

// Client assembles the voice conversation core from config: recorder,
// endpoint detector, transport selector, playback sequencer and the
// conversation machine that ties them together.
type Client struct {
	cfg Config
	log *slog.Logger

	machine   *conversation.Machine
	selector  *transports.Selector
	sequencer *playback.Sequencer
	latency   *observers.LatencyObserver
	prom      *observers.PrometheusObserver
	async     *metrics.AsyncObserver
	closers   []func() error

	closeOnce sync.Once
	closeErr  error
}

type ClientOption func(*clientOptions)

type clientOptions struct {
	registry  *Registry
	logger    *slog.Logger
	factory   transports.Factory
	observers []metrics.Observer
}

func WithRegistry(r *Registry) ClientOption {
	return func(o *clientOptions) { o.registry = r }
}

// WithLogger replaces the logger built from log_level/log_format.
func WithLogger(log *slog.Logger) ClientOption {
	return func(o *clientOptions) { o.logger = log }
}

// WithTransportFactory replaces the direct/hub transports built from config.
func WithTransportFactory(f transports.Factory) ClientOption {
	return func(o *clientOptions) { o.factory = f }
}

// WithObserver adds an observer next to the built-in ones.
func WithObserver(obs metrics.Observer) ClientOption {
	return func(o *clientOptions) { o.observers = append(o.observers, obs) }
}

func NewClient(cfg Config, opts ...ClientOption) (*Client, error) {
	o := clientOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = DefaultRegistry()
	}
	log := o.logger
	if log == nil {
		log = logging.InitLogger(logging.LogConfig{Level: cfg.LogLevel, Format: cfg.LogFormat, OTel: cfg.OTel})
	}
	redact.SetEnabled(cfg.Privacy.RedactPII)

	kind, err := cfg.TransportKind()
	if err != nil {
		return nil, err
	}
	c := &Client{cfg: cfg, log: logging.NewComponentLogger(log, "siavoice")}

	obs, err := c.buildObservers(log, o.observers)
	if err != nil {
		return nil, err
	}

	recorder, err := o.registry.BuildRecorder(cfg.Recorder, log)
	if err != nil {
		c.closeAll()
		return nil, err
	}
	player, err := o.registry.BuildPlayer(cfg.Player, log)
	if err != nil {
		c.closeAll()
		return nil, err
	}

	factory := o.factory
	if factory == nil {
		factory = TransportFactory(cfg, log)
	}

	detector := endpoint.New(recorder, cfg.EndpointSettings(), endpoint.WithLogger(log), endpoint.WithObserver(obs))
	c.sequencer = playback.New(player, playback.WithLogger(log))
	c.selector = transports.NewSelector(kind, factory, log)
	c.machine = conversation.New(c.selector, detector, c.sequencer, cfg.ConversationSettings(),
		conversation.WithLogger(log),
		conversation.WithObserver(obs),
	)

	c.log.Info("siavoice_init",
		"environment", cfg.Environment,
		"base_url", redact.URL(cfg.Backend.BaseURL),
		"transport", string(kind),
		"recorder", recorder.Name(),
		"player", player.Name(),
		"classifier", cfg.EndpointSettings().Classifier,
	)
	return c, nil
}

// TransportFactory builds the direct socket or negotiated hub transport for cfg.
func TransportFactory(cfg Config, log *slog.Logger) transports.Factory {
	return func(kind transports.Kind) (transports.Transport, error) {
		switch kind {
		case transports.KindDirect:
			return direct.New(cfg.DirectSettings(), direct.WithLogger(log)), nil
		case transports.KindNegotiated:
			return hub.New(cfg.HubSettings(), hub.WithLogger(log)), nil
		default:
			return nil, fmt.Errorf("unknown transport kind %q", kind)
		}
	}
}

func (c *Client) buildObservers(log *slog.Logger, extra []metrics.Observer) (metrics.Observer, error) {
	c.latency = observers.NewLatencyObserver(logging.NewComponentLogger(log, "latency"))
	c.prom = observers.NewPrometheusObserver(c.cfg.Metrics.Namespace, nil)
	list := []metrics.Observer{c.latency, c.prom, observers.NewLoggerObserver(log)}

	if dir := strings.TrimSpace(c.cfg.Observability.ArtifactsDir); dir != "" {
		if policy := c.cfg.Observability.Retention(); policy.Enabled() {
			if n, err := policy.Purge(dir, time.Now()); err != nil {
				c.log.Warn("artifact_purge_failed", "dir", dir, "error", err.Error())
			} else if n > 0 {
				c.log.Info("artifact_purge", "dir", dir, "removed", n)
			}
		}
		timeline := observers.NewTimelineObserver(dir)
		c.closers = append(c.closers, timeline.Close)
		list = append(list, timeline)
	}
	if path := strings.TrimSpace(c.cfg.Metrics.JSONLPath); path != "" {
		jsonl, err := metrics.OpenJSONL(path)
		if err != nil {
			c.closeAll()
			return nil, fmt.Errorf("open metrics jsonl: %w", err)
		}
		c.closers = append(c.closers, jsonl.Close)
		list = append(list, jsonl)
	}
	list = append(list, extra...)

	// Connection and state changes drive the status surface, so they are never sampled out.
	keep := []string{metrics.EventConnection, metrics.EventStateChange, metrics.EventTurnComplete}
	sampled := metrics.NewSamplingObserver(observers.NewMultiObserver(list...), c.cfg.Metrics.SampleRate, keep...)
	c.async = metrics.NewAsyncObserver(sampled, 2048, keep...)
	return c.async, nil
}

func (c *Client) Machine() *conversation.Machine { return c.machine }

func (c *Client) Status() conversation.Status { return c.machine.Status() }

// OnTurn receives per-turn latency summaries.
func (c *Client) OnTurn(fn func(observers.TurnLatency)) { c.latency.OnTurn(fn) }

func (c *Client) MetricsHandler() http.Handler { return c.prom.Handler() }

// Run starts the conversation and blocks until ctx is done, then drains.
func (c *Client) Run(ctx context.Context) error {
	drainTimeout := ms(c.cfg.Conversation.DrainTimeoutMS)
	lr := runner.NewLifecycleRunner(runner.DrainFunc(c.Close), runner.Hooks{
		OnStart: func(runCtx context.Context) error {
			if err := c.machine.Start(runCtx); err != nil {
				return err
			}
			if addr := strings.TrimSpace(c.cfg.Status.Addr); addr != "" {
				api := statusapi.New(c.machine, c.MetricsHandler(), c.log)
				go func() {
					if err := api.ListenAndServe(runCtx, addr); err != nil {
						c.log.Error("statusapi_failed", "addr", addr, "error", err.Error())
					}
				}()
			}
			return nil
		},
		OnStop: func() {
			c.log.Info("siavoice_stopped", "state", c.machine.Status().StateName)
		},
	}, drainTimeout)
	err := lr.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close stops the conversation and releases every resource. Safe to call twice.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		var errs error
		if c.machine != nil {
			errs = errors.Join(errs, c.machine.Stop())
		}
		if c.selector != nil {
			errs = errors.Join(errs, c.selector.Close())
		}
		if c.sequencer != nil {
			errs = errors.Join(errs, c.sequencer.Close())
		}
		errs = errors.Join(errs, c.closeAll())
		c.closeErr = errs
	})
	return c.closeErr
}

func (c *Client) closeAll() error {
	var errs error
	if c.async != nil {
		c.async.Close()
		if n := c.async.Dropped(); n > 0 {
			c.log.Warn("metrics_events_dropped", "count", n)
		}
	}
	for _, fn := range c.closers {
		errs = errors.Join(errs, fn())
	}
	c.closers = nil
	return errs
}
