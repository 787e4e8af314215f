package capture

import (
	"context"
	"time"
)

// Encodings reported by Stream.Encoding.
const (
	EncodingWebmOpus = "audio/webm;codecs=opus"
	EncodingPCM16    = "audio/pcm;rate=16000"
)

// Recorder defines the contract for a microphone backend.
type Recorder interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Start opens the microphone. Failing here means the device or permission is unavailable.
	Start(ctx context.Context, cfg Config) (Stream, error)
}

// Stream is one open microphone capture.
type Stream interface {
	// Chunks delivers encoded audio roughly every Config.ChunkInterval. Closed when the stream ends.
	Chunks() <-chan []byte
	// Err returns why the stream ended, or nil when it was stopped.
	Err() error
	// Stop releases the microphone. Safe to call more than once.
	Stop() error
	// Encoding names the container/codec of the chunk payloads.
	Encoding() string
}

// Config contains backend-agnostic capture configuration.
type Config struct {
	ChunkInterval time.Duration
	SampleRate    int
	Channels      int
}
