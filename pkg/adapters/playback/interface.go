package playback

import "context"

// Player defines the contract for an audio output backend.
type Player interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Play blocks until the clip reaches its natural end. An error means the clip was rejected
	// or interrupted; ctx cancellation stops the clip.
	Play(ctx context.Context, clip []byte) error
}
