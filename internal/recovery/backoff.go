package recovery

import (
	"math"
	"time"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
	DefaultMaxDelay   = 60 * time.Second
)

// Backoff computes exponential retry delays.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff returns 1s, 2s, 4s, ... capped at 60s.
func DefaultBackoff() Backoff {
	return Backoff{Base: DefaultBaseDelay, Max: DefaultMaxDelay}
}

// Delay returns min(Base * 2^attempt, Max) for a 0-indexed attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(b.Base) * math.Pow(2, float64(attempt))
	if delay > float64(b.Max) {
		return b.Max
	}
	return time.Duration(delay)
}
