// Package ratelimit enforces the relay's per-credential send limits.
//
// Limiter tracks a sliding window of admitted calls per (token, destination)
// pair. Balancer spreads calls for one destination across several tokens in
// round-robin order and sizes the worker budget of concurrent transfers.
//
// Both types are explicit values with their own lifecycle; there is no
// package-level state. Time comes from a clockwork.Clock so tests can drive
// the windows with a fake clock.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	// DefaultLimit is the number of calls admitted per window.
	DefaultLimit = 20
	// DefaultWindow is the length of the rolling window.
	DefaultWindow = 60 * time.Second
)

// Key identifies one rate-limit bucket.
type Key struct {
	Token string
	Dest  string
}

// Config configures a Limiter.
type Config struct {
	// Limit is the number of calls admitted per window (default: 20)
	Limit int
	// Window is the rolling window length (default: 60s)
	Window time.Duration
	// Clock provides time (default: real clock)
	Clock clockwork.Clock
}

// Limiter is a per-key sliding-window rate limiter.
type Limiter struct {
	limit  int
	window time.Duration
	clock  clockwork.Clock

	mu      sync.Mutex
	windows map[Key]*window
}

// window holds the admission times of one key inside the current window.
type window struct {
	mu           sync.Mutex
	sends        []time.Time
	blockedUntil time.Time
}

// NewLimiter creates a limiter. Zero config fields take their defaults.
func NewLimiter(cfg Config) *Limiter {
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Limiter{
		limit:   cfg.Limit,
		window:  cfg.Window,
		clock:   cfg.Clock,
		windows: make(map[Key]*window),
	}
}

// Clock returns the limiter's time source.
func (l *Limiter) Clock() clockwork.Clock {
	return l.clock
}

func (l *Limiter) get(key Key) *window {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[key]
	if !ok {
		w = &window{}
		l.windows[key] = w
	}
	return w
}

// prune drops admissions older than the window. Caller holds w.mu.
func (w *window) prune(now time.Time, length time.Duration) {
	i := 0
	for i < len(w.sends) && now.Sub(w.sends[i]) >= length {
		i++
	}
	if i > 0 {
		w.sends = append(w.sends[:0], w.sends[i:]...)
	}
}

// TryAcquire admits one call for key if the window has room. Otherwise it
// returns how long until the next admission could succeed.
func (l *Limiter) TryAcquire(key Key) (time.Duration, bool) {
	w := l.get(key)
	now := l.clock.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	if now.Before(w.blockedUntil) {
		return w.blockedUntil.Sub(now), false
	}
	w.prune(now, l.window)
	if len(w.sends) < l.limit {
		w.sends = append(w.sends, now)
		return 0, true
	}
	return w.sends[0].Add(l.window).Sub(now), false
}

// Wait blocks until a call for key is admitted or ctx is done.
func (l *Limiter) Wait(ctx context.Context, key Key) error {
	for {
		d, ok := l.TryAcquire(key)
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.clock.After(d):
		}
	}
}

// Penalize blocks key for cooldown, typically the retry-after of a 429.
func (l *Limiter) Penalize(key Key, cooldown time.Duration) {
	if cooldown <= 0 {
		return
	}
	w := l.get(key)
	until := l.clock.Now().Add(cooldown)

	w.mu.Lock()
	if until.After(w.blockedUntil) {
		w.blockedUntil = until
	}
	w.mu.Unlock()
}

// InWindow returns how many calls for key were admitted in the current window.
func (l *Limiter) InWindow(key Key) int {
	w := l.get(key)
	now := l.clock.Now()

	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now, l.window)
	return len(w.sends)
}
