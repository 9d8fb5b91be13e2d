package checks

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrAlreadyRunning is returned when a check run is requested for a
// change that already has one in flight. Surfaced, never retried here.
var ErrAlreadyRunning = errors.New("checks already running for change")

// Token is the cooperative cancellation flag for one in-flight run. The
// runner polls it between checks; it never preempts a running command.
type Token struct {
	aborted atomic.Bool
}

// Abort requests that the run stop before issuing its next check.
func (t *Token) Abort() { t.aborted.Store(true) }

// Aborted reports whether a stop has been requested.
func (t *Token) Aborted() bool { return t.aborted.Load() }

// Registry tracks which changes have a check run in flight. It is
// process-wide state: one entry is inserted when a run starts and
// removed when it ends, enforcing at most one active run per change.
type Registry struct {
	mu      sync.Mutex
	running map[string]*Token
}

// NewRegistry returns an empty registry. Create one per process.
func NewRegistry() *Registry {
	return &Registry{running: make(map[string]*Token)}
}

// Begin registers a run for changeID and returns its cancellation
// token, or ErrAlreadyRunning if one is already registered.
func (r *Registry) Begin(changeID string) (*Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.running[changeID]; ok {
		return nil, ErrAlreadyRunning
	}
	t := &Token{}
	r.running[changeID] = t
	return t, nil
}

// Finish removes the registry entry for changeID. Safe to call for a
// change with no entry; callers defer it so cleanup survives panics.
func (r *Registry) Finish(changeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, changeID)
}

// Stop sets the cancellation flag for an in-flight run and reports
// whether one was found. The currently executing check is allowed to
// finish; cancellation takes effect before the next check starts.
func (r *Registry) Stop(changeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.running[changeID]
	if !ok {
		return false
	}
	t.Abort()
	return true
}

// Running reports whether a run is registered for changeID.
func (r *Registry) Running(changeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[changeID]
	return ok
}
