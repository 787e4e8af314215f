package siavoice

import (
	"fmt"
	"net/url"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/harunnryd/siavoice/pkg/conversation"
	"github.com/harunnryd/siavoice/pkg/endpoint"
	"github.com/harunnryd/siavoice/pkg/observers"
	"github.com/harunnryd/siavoice/pkg/transports"
	"github.com/harunnryd/siavoice/pkg/transports/direct"
	"github.com/harunnryd/siavoice/pkg/transports/hub"
)

const DefaultBaseURL = "https://siabackend.azurewebsites.net"

type Config struct {
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
	OTel          bool                `mapstructure:"otel"`
	Backend       BackendConfig       `mapstructure:"backend"`
	Transport     TransportConfig     `mapstructure:"transport"`
	Endpoint      EndpointConfig      `mapstructure:"endpoint"`
	Conversation  ConversationConfig  `mapstructure:"conversation"`
	Recorder      ProviderConfig      `mapstructure:"recorder"`
	Player        ProviderConfig      `mapstructure:"player"`
	Status        StatusConfig        `mapstructure:"status"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
}

type BackendConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	AuthToken string `mapstructure:"auth_token"`
	UserID    string `mapstructure:"user_id"`
}

type TransportConfig struct {
	Kind               string `mapstructure:"kind"`
	HubName            string `mapstructure:"hub_name"`
	RequestTimeoutMS   int    `mapstructure:"request_timeout_ms"`
	DirectMaxRetries   int    `mapstructure:"direct_max_retries"`
	DirectBackoffMS    int    `mapstructure:"direct_backoff_ms"`
	DirectMaxBackoffMS int    `mapstructure:"direct_max_backoff_ms"`
	KeepAliveMS        int    `mapstructure:"keepalive_ms"`
}

type EndpointConfig struct {
	ChunkIntervalMS      int     `mapstructure:"chunk_interval_ms"`
	SpeechThresholdBytes int     `mapstructure:"speech_threshold_bytes"`
	PollIntervalMS       int     `mapstructure:"poll_interval_ms"`
	SilenceMS            int     `mapstructure:"silence_ms"`
	MaxRecordingMS       int     `mapstructure:"max_recording_ms"`
	MinUtteranceBytes    int     `mapstructure:"min_utterance_bytes"`
	Classifier           string  `mapstructure:"classifier"`
	RMSThreshold         float64 `mapstructure:"rms_threshold"`
	SampleRate           int     `mapstructure:"sample_rate"`
}

type ConversationConfig struct {
	TextResumeDelayMS  int `mapstructure:"text_resume_delay_ms"`
	ErrorResumeDelayMS int `mapstructure:"error_resume_delay_ms"`
	ReconnectDelayMS   int `mapstructure:"reconnect_delay_ms"`
	ConnectTimeoutMS   int `mapstructure:"connect_timeout_ms"`
	SendTimeoutMS      int `mapstructure:"send_timeout_ms"`
	ReplyTimeoutMS     int `mapstructure:"reply_timeout_ms"`
	DrainTimeoutMS     int `mapstructure:"drain_timeout_ms"`
}

type ProviderConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type StatusConfig struct {
	Addr string `mapstructure:"addr"`
}

type MetricsConfig struct {
	SampleRate float64 `mapstructure:"sample_rate"`
	JSONLPath  string  `mapstructure:"jsonl_path"`
	Namespace  string  `mapstructure:"namespace"`
}

type ObservabilityConfig struct {
	ArtifactsDir  string `mapstructure:"artifacts_dir"`
	RetentionDays int    `mapstructure:"retention_days"`
	MaxTimelines  int    `mapstructure:"max_timelines"`
}

func (o ObservabilityConfig) Retention() observers.RetentionPolicy {
	return observers.RetentionPolicy{
		MaxAge:   time.Duration(o.RetentionDays) * 24 * time.Hour,
		MaxFiles: o.MaxTimelines,
	}
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

// LoadConfig reads path (optional) on top of defaults. SIA_API_URL and
// SIA_TOKEN override the backend base URL and credential.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	_ = v.BindEnv("backend.base_url", "SIA_API_URL")
	_ = v.BindEnv("backend.auth_token", "SIA_TOKEN")
	_ = v.BindEnv("backend.user_id", "SIA_USER_ID")
	_ = v.BindEnv("transport.kind", "SIA_TRANSPORT")
	_ = v.BindEnv("log_level", "SIA_LOG_LEVEL")

	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	expandEnvStrings(&cfg)
	cfg.Backend.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.Backend.BaseURL), "/")

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("otel", false)
	v.SetDefault("backend.base_url", DefaultBaseURL)
	v.SetDefault("backend.auth_token", "")
	v.SetDefault("backend.user_id", "anonymous")
	v.SetDefault("transport.kind", "auto")
	v.SetDefault("transport.hub_name", "sia")
	v.SetDefault("transport.request_timeout_ms", 10000)
	v.SetDefault("transport.direct_max_retries", 5)
	v.SetDefault("transport.direct_backoff_ms", 500)
	v.SetDefault("transport.direct_max_backoff_ms", 8000)
	v.SetDefault("transport.keepalive_ms", 15000)
	v.SetDefault("endpoint.chunk_interval_ms", 100)
	v.SetDefault("endpoint.speech_threshold_bytes", endpoint.DefaultSpeechThreshold)
	v.SetDefault("endpoint.poll_interval_ms", 300)
	v.SetDefault("endpoint.silence_ms", 1500)
	v.SetDefault("endpoint.max_recording_ms", 30000)
	v.SetDefault("endpoint.min_utterance_bytes", endpoint.DefaultMinUtteranceSize)
	v.SetDefault("endpoint.classifier", "size")
	v.SetDefault("endpoint.rms_threshold", endpoint.DefaultRMSThreshold)
	v.SetDefault("endpoint.sample_rate", 16000)
	v.SetDefault("conversation.text_resume_delay_ms", 1000)
	v.SetDefault("conversation.error_resume_delay_ms", 2000)
	v.SetDefault("conversation.reconnect_delay_ms", 3000)
	v.SetDefault("conversation.connect_timeout_ms", 20000)
	v.SetDefault("conversation.send_timeout_ms", 30000)
	v.SetDefault("conversation.reply_timeout_ms", 30000)
	v.SetDefault("conversation.drain_timeout_ms", 5000)
	v.SetDefault("recorder.provider", "ffmpeg")
	v.SetDefault("player.provider", "ffplay")
	v.SetDefault("status.addr", "")
	v.SetDefault("metrics.sample_rate", 1.0)
	v.SetDefault("metrics.jsonl_path", "")
	v.SetDefault("metrics.namespace", "siavoice")
	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.retention_days", 0)
	v.SetDefault("observability.max_timelines", 0)
	v.SetDefault("privacy.redact_pii", true)
}

func (c *Config) Validate() error {
	u, err := url.Parse(c.Backend.BaseURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("backend.base_url %q is not a valid URL", c.Backend.BaseURL)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("backend.base_url scheme %q is not supported", u.Scheme)
	}
	if _, err := c.TransportKind(); err != nil {
		return fmt.Errorf("transport.kind: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "text", "json":
	default:
		return fmt.Errorf("log_format %q is not supported", c.LogFormat)
	}
	if strings.TrimSpace(c.Recorder.Provider) == "" {
		return fmt.Errorf("recorder.provider is required")
	}
	if strings.TrimSpace(c.Player.Provider) == "" {
		return fmt.Errorf("player.provider is required")
	}
	if c.Metrics.SampleRate < 0 || c.Metrics.SampleRate > 1 {
		return fmt.Errorf("metrics.sample_rate must be within [0,1], got %v", c.Metrics.SampleRate)
	}
	if c.Observability.RetentionDays < 0 || c.Observability.MaxTimelines < 0 {
		return fmt.Errorf("observability retention must not be negative")
	}
	if err := c.EndpointSettings().Validate(); err != nil {
		return err
	}
	return nil
}

// TransportKind resolves transport.kind against the base URL.
func (c Config) TransportKind() (transports.Kind, error) {
	return transports.ParseKind(c.Transport.Kind, c.Backend.BaseURL)
}

func (c Config) EndpointSettings() endpoint.Config {
	e := c.Endpoint
	return endpoint.Config{
		ChunkInterval:    ms(e.ChunkIntervalMS),
		SpeechThreshold:  e.SpeechThresholdBytes,
		PollInterval:     ms(e.PollIntervalMS),
		SilenceTimeout:   ms(e.SilenceMS),
		MaxDuration:      ms(e.MaxRecordingMS),
		MinUtteranceSize: e.MinUtteranceBytes,
		Classifier:       e.Classifier,
		RMSThreshold:     e.RMSThreshold,
		SampleRate:       e.SampleRate,
		Channels:         1,
	}
}

func (c Config) ConversationSettings() conversation.Config {
	cc := c.Conversation
	return conversation.Config{
		TextResumeDelay:  ms(cc.TextResumeDelayMS),
		ErrorResumeDelay: ms(cc.ErrorResumeDelayMS),
		ReconnectDelay:   ms(cc.ReconnectDelayMS),
		ConnectTimeout:   ms(cc.ConnectTimeoutMS),
		SendTimeout:      ms(cc.SendTimeoutMS),
		ReplyTimeout:     ms(cc.ReplyTimeoutMS),
	}
}

func (c Config) DirectSettings() direct.Config {
	return direct.Config{
		URL:         direct.URLFromBase(c.Backend.BaseURL),
		AuthToken:   c.Backend.AuthToken,
		MaxRetries:  c.Transport.DirectMaxRetries,
		BaseBackoff: ms(c.Transport.DirectBackoffMS),
		MaxBackoff:  ms(c.Transport.DirectMaxBackoffMS),
		KeepAlive:   ms(c.Transport.KeepAliveMS),
	}
}

func (c Config) HubSettings() hub.Config {
	return hub.Config{
		BaseURL:        c.Backend.BaseURL,
		HubName:        c.Transport.HubName,
		AuthToken:      c.Backend.AuthToken,
		UserID:         c.Backend.UserID,
		RequestTimeout: ms(c.Transport.RequestTimeoutMS),
		KeepAlive:      ms(c.Transport.KeepAliveMS),
	}
}

func ms(v int) time.Duration {
	if v <= 0 {
		return 0
	}
	return time.Duration(v) * time.Millisecond
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Recorder.Settings = expandSettings(cfg.Recorder.Settings)
	cfg.Player.Settings = expandSettings(cfg.Player.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	}
}
