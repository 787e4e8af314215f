package resilience

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Backoff yields exponentially growing delays for a capped number of attempts.
type Backoff struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64

	mu sync.Mutex
	r  *rand.Rand
}

func NewBackoff(maxAttempts int, base, max time.Duration, jitter float64) *Backoff {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if max <= 0 {
		max = 8 * time.Second
	}
	if max < base {
		max = base
	}
	return &Backoff{
		MaxAttempts: maxAttempts,
		BaseDelay:   base,
		MaxDelay:    max,
		Jitter:      jitter,
		r:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Delay returns the wait before attempt (zero-based) and false once attempts are exhausted.
func (b *Backoff) Delay(attempt int) (time.Duration, bool) {
	if attempt < 0 || attempt >= b.MaxAttempts {
		return 0, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return backoffDelay(b.BaseDelay, b.MaxDelay, b.Jitter, attempt, b.r), true
}

// Schedule is a fixed list of retry delays, one per attempt.
type Schedule []time.Duration

// DefaultHubSchedule mirrors the hub client's built-in reconnect delays.
var DefaultHubSchedule = Schedule{0, 2 * time.Second, 10 * time.Second, 30 * time.Second}

func (s Schedule) Delay(attempt int) (time.Duration, bool) {
	if attempt < 0 || attempt >= len(s) {
		return 0, false
	}
	return s[attempt], true
}

// Delayer is implemented by Backoff and Schedule.
type Delayer interface {
	Delay(attempt int) (time.Duration, bool)
}

func backoffDelay(base, max time.Duration, jitter float64, attempt int, r *rand.Rand) time.Duration {
	pow := math.Pow(2, float64(attempt))
	d := time.Duration(float64(base) * pow)
	if d > max {
		d = max
	}
	if jitter > 0 && r != nil {
		j := time.Duration(float64(d) * jitter * r.Float64())
		return d + j
	}
	return d
}
