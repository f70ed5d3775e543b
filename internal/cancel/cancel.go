// Package cancel provides cooperative cancellation flags keyed by job id.
//
// Long-running loops (chunk workers, chain backtracking) poll Cancelled
// between steps. In-flight relay calls are not interrupted; the loop simply
// does not start the next step.
package cancel

import "sync"

// Registry holds cancellation flags for jobs.
type Registry struct {
	mu    sync.Mutex
	flags map[string]chan struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{flags: make(map[string]chan struct{})}
}

func (r *Registry) flag(id string) chan struct{} {
	ch, ok := r.flags[id]
	if !ok {
		ch = make(chan struct{})
		r.flags[id] = ch
	}
	return ch
}

// Cancel raises the flag for id. Cancelling twice is a no-op.
func (r *Registry) Cancel(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := r.flag(id)
	select {
	case <-ch:
	default:
		close(ch)
	}
}

// Cancelled reports whether id has been cancelled.
func (r *Registry) Cancelled(id string) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	ch, ok := r.flags[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when id is cancelled.
func (r *Registry) Done(id string) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flag(id)
}

// Reset clears the flag for id so the job can be started again.
func (r *Registry) Reset(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.flags, id)
}
