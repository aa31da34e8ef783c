// Package ratelimit implements a fixed-window request limiter used by the
// tracker to cap per-connection message rates.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter allows up to rate requests per window. The window resets lazily on
// the first request after it elapses.
type Limiter struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
	rate        int
	window      time.Duration
	now         func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a Limiter that allows rate requests per window.
func New(rate int, window time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		rate:   rate,
		window: window,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.windowStart = l.now()
	return l
}

// Allow reports whether the request fits in the current window.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if now.Sub(l.windowStart) > l.window {
		l.count = 0
		l.windowStart = now
	}
	l.count++
	return l.count <= l.rate
}

// RetryAfter returns how long until the current window resets. Zero when the
// window has already elapsed.
func (l *Limiter) RetryAfter() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	rem := l.window - l.now().Sub(l.windowStart)
	if rem < 0 {
		return 0
	}
	return rem
}
