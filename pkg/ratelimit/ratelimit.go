// Package ratelimit bounds publish frequency per entity and per sink so no
// single entity or sink floods a downstream system.
//
// The limiter is purely advisory bookkeeping: when a check fails the caller
// must treat the message as dropped, not queued.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Defaults applied for zero config values.
const (
	DefaultPerEntityInterval = time.Second
	DefaultMaxPerMinute      = 600
	DefaultSinkPerSecond     = 10.0
	DefaultSinkBurst         = 20
)

// Config tunes one limiter instance. Each sink gets its own instance.
type Config struct {
	// PerEntityInterval is the minimum gap between publishes of the same
	// identifier
	PerEntityInterval time.Duration

	// MaxPerMinute is the ceiling of publishes per minute across all
	// entities combined
	MaxPerMinute int

	// SinkPerSecond is the steady-state sink publish rate
	SinkPerSecond float64

	// SinkBurst is the sink's burst allowance
	SinkBurst int
}

// Limiter gates publishes with a per-entity minimum interval, a global
// per-minute ceiling, and a per-sink token bucket.
type Limiter struct {
	mu   sync.Mutex
	cfg  Config
	last map[string]time.Time

	windowStart time.Time
	windowCount int

	sink *rate.Limiter
}

// New creates a limiter with defaults filled in.
func New(cfg Config) *Limiter {
	if cfg.PerEntityInterval <= 0 {
		cfg.PerEntityInterval = DefaultPerEntityInterval
	}
	if cfg.MaxPerMinute <= 0 {
		cfg.MaxPerMinute = DefaultMaxPerMinute
	}
	if cfg.SinkPerSecond <= 0 {
		cfg.SinkPerSecond = DefaultSinkPerSecond
	}
	if cfg.SinkBurst <= 0 {
		cfg.SinkBurst = DefaultSinkBurst
	}
	return &Limiter{
		cfg:  cfg,
		last: make(map[string]time.Time),
		sink: rate.NewLimiter(rate.Limit(cfg.SinkPerSecond), cfg.SinkBurst),
	}
}

// AllowEntity reports whether a publish for the identifier may proceed now.
// Allowing consumes the entity's slot and one unit of the per-minute
// budget; a rejected attempt consumes nothing.
func (l *Limiter) AllowEntity(id string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if last, ok := l.last[id]; ok && now.Sub(last) < l.cfg.PerEntityInterval {
		return false
	}

	if now.Sub(l.windowStart) >= time.Minute {
		l.windowStart = now
		l.windowCount = 0
	}
	if l.windowCount >= l.cfg.MaxPerMinute {
		return false
	}

	l.last[id] = now
	l.windowCount++
	return true
}

// AllowSink reports whether the sink's token bucket admits one message now.
func (l *Limiter) AllowSink() bool {
	return l.sink.Allow()
}

// Forget drops per-entity bookkeeping for identifiers not seen since the
// cutoff, so the map does not grow without bound as entities age out.
func (l *Limiter) Forget(cutoff time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for id, last := range l.last {
		if last.Before(cutoff) {
			delete(l.last, id)
		}
	}
}
