package recovery

import (
	"context"
	"sort"
	"sync"
	"time"
)

const (
	DefaultRateThreshold = 5
	DefaultRateWindow    = 60 * time.Second
)

// Limiter counts recovery attempts per context over a trailing window.
type Limiter interface {
	// IsLimited records one event for key at now and reports whether the
	// number of events inside the window exceeds the threshold.
	IsLimited(ctx context.Context, key string) (bool, error)
	// Count reports the events inside the window without recording one.
	Count(ctx context.Context, key string) (int, error)
	// Limited lists the keys currently over the threshold.
	Limited(ctx context.Context) ([]string, error)
	Close() error
}

// LimitPolicy is the threshold and window shared by every Limiter backend.
type LimitPolicy struct {
	Threshold int
	Window    time.Duration
}

func (p LimitPolicy) withDefaults() LimitPolicy {
	if p.Threshold <= 0 {
		p.Threshold = DefaultRateThreshold
	}
	if p.Window <= 0 {
		p.Window = DefaultRateWindow
	}
	return p
}

// MemoryLimiter keeps the rate window in process memory. It resets on restart.
type MemoryLimiter struct {
	mu     sync.Mutex
	policy LimitPolicy
	now    func() time.Time
	hits   map[string][]time.Time
}

// NewMemoryLimiter creates an in-process limiter. now may be nil.
func NewMemoryLimiter(policy LimitPolicy, now func() time.Time) *MemoryLimiter {
	if now == nil {
		now = time.Now
	}
	return &MemoryLimiter{
		policy: policy.withDefaults(),
		now:    now,
		hits:   make(map[string][]time.Time),
	}
}

func (l *MemoryLimiter) IsLimited(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	hits := append(l.evict(key, now), now)
	l.hits[key] = hits
	return len(hits) > l.policy.Threshold, nil
}

func (l *MemoryLimiter) Count(_ context.Context, key string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.evict(key, l.now())), nil
}

func (l *MemoryLimiter) Limited(_ context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	var keys []string
	for key := range l.hits {
		if len(l.evict(key, now)) > l.policy.Threshold {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (l *MemoryLimiter) Close() error { return nil }

// evict drops entries older than the window. Callers hold l.mu.
func (l *MemoryLimiter) evict(key string, now time.Time) []time.Time {
	hits := l.hits[key]
	cutoff := now.Add(-l.policy.Window)
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	hits = hits[i:]
	if len(hits) == 0 {
		delete(l.hits, key)
		return nil
	}
	l.hits[key] = hits
	return hits
}
