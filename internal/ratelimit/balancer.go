package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("balancer closed")

// Balancer hands out tokens for a destination in round-robin order, skipping
// tokens whose window is full. It also tracks how many transfer operations
// are active so each can size its worker pool.
type Balancer struct {
	limiter *Limiter
	tokens  []string

	mu      sync.Mutex
	cursor  int
	active  int
	changed chan struct{}
	closed  bool
	done    chan struct{}
}

// NewBalancer creates a balancer over tokens sharing limiter.
func NewBalancer(tokens []string, limiter *Limiter) (*Balancer, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("at least one token is required")
	}
	seen := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		if t == "" {
			return nil, fmt.Errorf("empty token")
		}
		if seen[t] {
			return nil, fmt.Errorf("duplicate token")
		}
		seen[t] = true
	}
	return &Balancer{
		limiter: limiter,
		tokens:  append([]string(nil), tokens...),
		changed: make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Tokens returns the balanced tokens.
func (b *Balancer) Tokens() []string {
	return append([]string(nil), b.tokens...)
}

// Limiter returns the shared limiter.
func (b *Balancer) Limiter() *Limiter {
	return b.limiter
}

// Acquire returns a token admitted for one call to dest. Tokens are tried
// starting after the last one handed out, so load spreads evenly. When every
// token is saturated, Acquire sleeps until the earliest one frees up.
func (b *Balancer) Acquire(ctx context.Context, dest string) (string, error) {
	for {
		token, wait, err := b.tryAcquire(dest)
		if err != nil {
			return "", err
		}
		if token != "" {
			return token, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-b.done:
			return "", ErrClosed
		case <-b.limiter.clock.After(wait):
		}
	}
}

func (b *Balancer) tryAcquire(dest string) (string, time.Duration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", 0, ErrClosed
	}

	n := len(b.tokens)
	var minWait time.Duration
	for i := 0; i < n; i++ {
		idx := (b.cursor + i) % n
		token := b.tokens[idx]
		wait, ok := b.limiter.TryAcquire(Key{Token: token, Dest: dest})
		if ok {
			b.cursor = (idx + 1) % n
			return token, 0, nil
		}
		if i == 0 || wait < minWait {
			minWait = wait
		}
	}
	return "", minWait, nil
}

// Penalize blocks token for dest, typically after a 429.
func (b *Balancer) Penalize(token, dest string, cooldown time.Duration) {
	b.limiter.Penalize(Key{Token: token, Dest: dest}, cooldown)
}

// Begin registers an active transfer operation. The returned release
// function unregisters it and is safe to call more than once.
func (b *Balancer) Begin() (release func()) {
	b.mu.Lock()
	b.active++
	b.notifyLocked()
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			b.active--
			b.notifyLocked()
			b.mu.Unlock()
		})
	}
}

// Active returns the number of registered operations.
func (b *Balancer) Active() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

// WorkerBudget returns the number of concurrent chunk workers one operation
// may run: ceil(tokens / active), never below 1.
func (b *Balancer) WorkerBudget() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return budget(len(b.tokens), b.active)
}

func budget(tokens, active int) int {
	if active < 1 {
		active = 1
	}
	n := (tokens + active - 1) / active
	if n < 1 {
		n = 1
	}
	return n
}

// Changed returns a channel closed the next time the active count changes.
func (b *Balancer) Changed() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.changed
}

func (b *Balancer) notifyLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// Close stops the balancer. Pending and future Acquire calls fail with
// ErrClosed.
func (b *Balancer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
}
