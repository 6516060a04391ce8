// Package ratelimit provides a minimum-interval gate used to throttle
// outbound reports to external services.
//
// Unlike token-bucket limiters, the gate has no burst allowance: a trigger
// is allowed only when at least the configured interval has elapsed since
// the last allowed trigger. The gate is driven by the monotonic clock so
// wall-clock adjustments never affect its decisions.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// Clock supplies the current time. The default implementation reads
// time.Now(), whose monotonic reading drives elapsed-time comparisons.
// Tests substitute a fake.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Limiter gates actions to at most one per interval.
// All methods are safe for concurrent use.
type Limiter struct {
	mu       sync.Mutex
	interval time.Duration
	clock    Clock
	last     time.Time
	fired    bool
}

// New creates a Limiter with the given minimum interval between triggers.
// The first TryTrigger call always succeeds. Returns an error if interval
// is not positive.
func New(interval time.Duration) (*Limiter, error) {
	return NewWithClock(interval, systemClock{})
}

// NewWithClock creates a Limiter using the supplied clock.
func NewWithClock(interval time.Duration, clock Clock) (*Limiter, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("ratelimit: interval must be positive, got %v", interval)
	}
	if clock == nil {
		clock = systemClock{}
	}
	return &Limiter{
		interval: interval,
		clock:    clock,
	}, nil
}

// Interval returns the configured minimum interval.
func (l *Limiter) Interval() time.Duration {
	return l.interval
}

// TryTrigger reports whether an action is allowed now. When allowed, the
// trigger time is recorded and subsequent calls are rejected until the
// interval has elapsed. Never blocks.
func (l *Limiter) TryTrigger() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if l.fired && now.Sub(l.last) < l.interval {
		return false
	}

	l.last = now
	l.fired = true
	return true
}

// Reset clears the limiter state so the next TryTrigger succeeds immediately.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.fired = false
	l.last = time.Time{}
}

// TimeToNext returns the duration until the next trigger would be allowed.
// Returns zero when a trigger is allowed immediately.
func (l *Limiter) TimeToNext() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.fired {
		return 0
	}

	remaining := l.interval - l.clock.Now().Sub(l.last)
	if remaining < 0 {
		return 0
	}
	return remaining
}
