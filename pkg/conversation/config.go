package conversation

import "time"

const (
	DefaultTextResumeDelay  = 1000 * time.Millisecond
	DefaultErrorResumeDelay = 2000 * time.Millisecond
	DefaultReconnectDelay   = 3000 * time.Millisecond
	DefaultConnectTimeout   = 20 * time.Second
	DefaultSendTimeout      = 30 * time.Second
	DefaultReplyTimeout     = 30 * time.Second
)

// Config holds the conversation timing.
type Config struct {
	// TextResumeDelay is the pause before listening again after a reply without audio.
	TextResumeDelay time.Duration `mapstructure:"text_resume_delay"`
	// ErrorResumeDelay is the pause before listening again after a recoverable error.
	ErrorResumeDelay time.Duration `mapstructure:"error_resume_delay"`
	ReconnectDelay   time.Duration `mapstructure:"reconnect_delay"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	SendTimeout      time.Duration `mapstructure:"send_timeout"`
	// ReplyTimeout bounds the wait in Sending for the first reply after a successful send.
	ReplyTimeout time.Duration `mapstructure:"reply_timeout"`
}

func (c Config) withDefaults() Config {
	if c.TextResumeDelay <= 0 {
		c.TextResumeDelay = DefaultTextResumeDelay
	}
	if c.ErrorResumeDelay <= 0 {
		c.ErrorResumeDelay = DefaultErrorResumeDelay
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = DefaultReplyTimeout
	}
	return c
}
