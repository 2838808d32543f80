// Package ratelimit provides client-side request limiting: a sliding-window
// global limiter and a fixed-cooldown limiter for guest identities. Both are
// advisory UX smoothing devices, not security boundaries, and both are pure
// functions of the clock and prior state — no I/O.
package ratelimit

import (
	"sync"
	"time"
)

// Default limiter policy.
const (
	// DefaultWindowLimit is the number of requests allowed per window.
	DefaultWindowLimit = 30
	// DefaultWindowLength is the length of the sliding window.
	DefaultWindowLength = time.Minute
	// DefaultGuestCooldown is the minimum interval between guest requests.
	DefaultGuestCooldown = time.Minute
)

// Window is a sliding-window request counter. It allows up to limit requests
// per rolling window, resetting whenever a full window has elapsed since the
// window started.
type Window struct {
	windowStart time.Time
	count       int
	limit       int
	length      time.Duration
	now         func() time.Time
	mu          sync.Mutex
}

// NewWindow creates a sliding-window limiter.
func NewWindow(limit int, length time.Duration) *Window {
	return NewWindowWithClock(limit, length, time.Now)
}

// NewWindowWithClock creates a sliding-window limiter with an injected clock.
func NewWindowWithClock(limit int, length time.Duration, now func() time.Time) *Window {
	if limit <= 0 {
		limit = DefaultWindowLimit
	}
	if length <= 0 {
		length = DefaultWindowLength
	}
	return &Window{
		limit:  limit,
		length: length,
		now:    now,
	}
}

// Allow records a request if capacity remains in the current window.
func (w *Window) Allow() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()

	if w.windowStart.IsZero() || now.Sub(w.windowStart) > w.length {
		w.windowStart = now
		w.count = 1
		return true
	}

	if w.count < w.limit {
		w.count++
		return true
	}

	return false
}

// Remaining returns how many requests are left in the current window.
func (w *Window) Remaining() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.windowStart.IsZero() || w.now().Sub(w.windowStart) > w.length {
		return w.limit
	}
	if w.count >= w.limit {
		return 0
	}
	return w.limit - w.count
}

// Stats returns window statistics for debugging.
func (w *Window) Stats() map[string]any {
	w.mu.Lock()
	defer w.mu.Unlock()

	return map[string]any{
		"limit":        w.limit,
		"count":        w.count,
		"window_start": w.windowStart,
	}
}

// Cooldown enforces at most one request per fixed interval. It is applied to
// guest identities only; the caller decides whether it applies.
type Cooldown struct {
	lastRequest time.Time
	interval    time.Duration
	now         func() time.Time
	mu          sync.Mutex
}

// NewCooldown creates a cooldown limiter.
func NewCooldown(interval time.Duration) *Cooldown {
	return NewCooldownWithClock(interval, time.Now)
}

// NewCooldownWithClock creates a cooldown limiter with an injected clock.
func NewCooldownWithClock(interval time.Duration, now func() time.Time) *Cooldown {
	if interval <= 0 {
		interval = DefaultGuestCooldown
	}
	return &Cooldown{
		interval: interval,
		now:      now,
	}
}

// Allow records a request if the cooldown has elapsed. On block it returns
// the exact remaining wait so the caller can render a live countdown.
func (c *Cooldown) Allow() (bool, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	if c.lastRequest.IsZero() {
		c.lastRequest = now
		return true, 0
	}

	elapsed := now.Sub(c.lastRequest)
	if elapsed >= c.interval {
		c.lastRequest = now
		return true, 0
	}

	return false, c.interval - elapsed
}

// Remaining returns the wait until the next request is allowed, or zero.
func (c *Cooldown) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lastRequest.IsZero() {
		return 0
	}
	elapsed := c.now().Sub(c.lastRequest)
	if elapsed >= c.interval {
		return 0
	}
	return c.interval - elapsed
}

// Limiter composes the global window and the guest cooldown. The two counters
// are independent: the cooldown can block a guest even when the window has
// capacity.
type Limiter struct {
	global *Window
	guest  *Cooldown
}

// NewLimiter creates a limiter from its two parts.
func NewLimiter(global *Window, guest *Cooldown) *Limiter {
	return &Limiter{global: global, guest: guest}
}

// DefaultLimiter creates a limiter with the default policy.
func DefaultLimiter() *Limiter {
	return NewLimiter(
		NewWindow(DefaultWindowLimit, DefaultWindowLength),
		NewCooldown(DefaultGuestCooldown),
	)
}

// Check gates one request. The global window is consulted first; the guest
// cooldown applies only to anonymous identities. A block is reported as a
// typed error (*LimitError or *CooldownError) and no request is recorded
// against the blocked counter.
func (l *Limiter) Check(anonymous bool) error {
	if !l.global.Allow() {
		return &LimitError{
			Limit:  l.global.limit,
			Window: l.global.length,
		}
	}

	if anonymous {
		if ok, remaining := l.guest.Allow(); !ok {
			return &CooldownError{Remaining: remaining}
		}
	}

	return nil
}
