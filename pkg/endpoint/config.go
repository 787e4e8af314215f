package endpoint

import (
	"fmt"
	"strings"
	"time"
)

const (
	DefaultChunkInterval    = 100 * time.Millisecond
	DefaultSpeechThreshold  = 1000
	DefaultPollInterval     = 300 * time.Millisecond
	DefaultSilenceTimeout   = 1500 * time.Millisecond
	DefaultMaxDuration      = 30 * time.Second
	DefaultMinUtteranceSize = 5000
	DefaultRMSThreshold     = 500.0
)

type Config struct {
	ChunkInterval    time.Duration
	SpeechThreshold  int
	PollInterval     time.Duration
	SilenceTimeout   time.Duration
	MaxDuration      time.Duration
	MinUtteranceSize int
	// Classifier is "size" (chunk byte size, the default) or "rms" (PCM amplitude).
	Classifier   string
	RMSThreshold float64
	SampleRate   int
	Channels     int
}

func (c Config) withDefaults() Config {
	if c.ChunkInterval <= 0 {
		c.ChunkInterval = DefaultChunkInterval
	}
	if c.SpeechThreshold <= 0 {
		c.SpeechThreshold = DefaultSpeechThreshold
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = DefaultSilenceTimeout
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = DefaultMaxDuration
	}
	if c.MinUtteranceSize <= 0 {
		c.MinUtteranceSize = DefaultMinUtteranceSize
	}
	if strings.TrimSpace(c.Classifier) == "" {
		c.Classifier = "size"
	}
	if c.RMSThreshold <= 0 {
		c.RMSThreshold = DefaultRMSThreshold
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	return c
}

// Validate checks timing relationships that would make endpointing meaningless.
func (c Config) Validate() error {
	c = c.withDefaults()
	if c.PollInterval > c.SilenceTimeout {
		return fmt.Errorf("endpoint poll interval %s exceeds silence timeout %s", c.PollInterval, c.SilenceTimeout)
	}
	if c.SilenceTimeout >= c.MaxDuration {
		return fmt.Errorf("endpoint silence timeout %s must be below max duration %s", c.SilenceTimeout, c.MaxDuration)
	}
	switch strings.ToLower(c.Classifier) {
	case "size", "rms":
	default:
		return fmt.Errorf("endpoint classifier %q is not supported", c.Classifier)
	}
	return nil
}

func (c Config) classifier() Classifier {
	if strings.EqualFold(c.Classifier, "rms") {
		return RMSClassifier{Threshold: c.RMSThreshold}
	}
	return SizeClassifier{Threshold: c.SpeechThreshold}
}
