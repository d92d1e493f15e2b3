// Package ratelimit provides per-key admission control for saga triggers:
// a fixed-window counter bounding how many runs a key may start per period.
//
// This is deliberately not a token bucket (golang.org/x/time/rate): admission
// needs a definite "try again after" answer tied to the window reset, and two
// concurrent checks against a window at its limit must not both succeed.
package ratelimit

import (
	"sync"
	"time"
)

// Config holds admission limits.
type Config struct {
	// Limit is the number of admissions per key per period.
	// Default: 10
	Limit int `koanf:"limit"`

	// Period is the window length.
	// Default: 60 seconds
	Period time.Duration `koanf:"period"`
}

// DefaultConfig returns the default 10-per-60s admission limit.
func DefaultConfig() Config {
	return Config{
		Limit:  10,
		Period: 60 * time.Second,
	}
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()

	if c.Limit == 0 {
		c.Limit = defaults.Limit
	}
	if c.Period == 0 {
		c.Period = defaults.Period
	}
}

// Decision is the outcome of an admission check.
type Decision struct {
	Admitted bool

	// RetryAfter is the time until the window resets. Only meaningful
	// when Admitted is false.
	RetryAfter time.Duration
}

// window tracks admissions for one key within the current period.
type window struct {
	start time.Time
	count int
}

// Limiter is a fixed-window per-key admission counter. Safe for concurrent
// use: increments happen under the lock, so a window at its limit rejects
// every concurrent contender.
type Limiter struct {
	cfg Config

	mu      sync.Mutex
	windows map[string]*window
}

// NewLimiter creates a limiter with the given config.
func NewLimiter(cfg Config) *Limiter {
	cfg.ApplyDefaults()
	return &Limiter{
		cfg:     cfg,
		windows: make(map[string]*window),
	}
}

// TryAdmit checks and, if allowed, consumes one admission for key at the
// given instant. Expired windows roll over; stale keys are purged
// opportunistically so the map does not grow without bound.
func (l *Limiter) TryAdmit(key string, now time.Time) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= l.cfg.Period {
		l.purgeLocked(now)
		w = &window{start: now}
		l.windows[key] = w
	}

	if w.count >= l.cfg.Limit {
		return Decision{
			Admitted:   false,
			RetryAfter: w.start.Add(l.cfg.Period).Sub(now),
		}
	}

	w.count++
	return Decision{Admitted: true}
}

// purgeLocked drops windows whose period has fully elapsed. Caller holds mu.
func (l *Limiter) purgeLocked(now time.Time) {
	for key, w := range l.windows {
		if now.Sub(w.start) >= l.cfg.Period {
			delete(l.windows, key)
		}
	}
}
