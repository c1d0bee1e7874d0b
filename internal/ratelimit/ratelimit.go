// Package ratelimit admits call initiations through a per-user sliding
// window.
package ratelimit

import (
	"sync"
	"time"
)

// Defaults, overridable through configuration.
const (
	DefaultMax      = 10
	DefaultWindowMs = 60_000
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed   bool
	Remaining int

	// ResetTimeMs is how long until a slot frees up; 0 when allowed.
	ResetTimeMs int64
}

// Limiter is a sliding-window call-initiation limiter keyed by user ID. Safe
// for concurrent use; the critical section is a trim plus an append.
type Limiter struct {
	max    int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string][]time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock substitutes the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a limiter. Non-positive max or window fall back to defaults.
func New(max int, window time.Duration, opts ...Option) *Limiter {
	if max <= 0 {
		max = DefaultMax
	}
	if window <= 0 {
		window = DefaultWindowMs * time.Millisecond
	}
	l := &Limiter{
		max:     max,
		window:  window,
		now:     time.Now,
		buckets: make(map[string][]time.Time),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Check reports whether userID may initiate a call right now. It does not
// consume a slot; call Record once the call is actually initiated.
func (l *Limiter) Check(userID string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	bucket := l.trim(userID)
	if len(bucket) < l.max {
		return Decision{Allowed: true, Remaining: l.max - len(bucket)}
	}

	reset := bucket[0].Add(l.window).Sub(l.now())
	if reset < 0 {
		reset = 0
	}
	return Decision{ResetTimeMs: reset.Milliseconds()}
}

// Record registers one initiation timestamp for userID.
func (l *Limiter) Record(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	bucket := l.trim(userID)
	l.buckets[userID] = append(bucket, l.now())
}

// trim drops timestamps that fell out of the window. Caller holds the lock.
func (l *Limiter) trim(userID string) []time.Time {
	cutoff := l.now().Add(-l.window)
	bucket := l.buckets[userID]
	i := 0
	for i < len(bucket) && !bucket[i].After(cutoff) {
		i++
	}
	bucket = bucket[i:]
	if len(bucket) == 0 {
		delete(l.buckets, userID)
	} else {
		l.buckets[userID] = bucket
	}
	return bucket
}
