// Package registry holds the process-wide map of live gateway sessions.
//
// The registry only guards the map itself; entries carry their own
// synchronisation. Callers must never perform long work (socket I/O,
// retrieval calls) while iterating with [Registry.Range].
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrAlreadyExists is returned by [Registry.Insert] when the session id is
// already registered.
var ErrAlreadyExists = errors.New("registry: session already exists")

// Pinger is the subset of a client connection the heartbeat needs.
type Pinger interface {
	// Ping probes the client socket. A non-nil error marks the connection
	// dead; the broker terminates it on the next heartbeat tick.
	Ping() error
}

// Entry is the registry's view of one live session: the client connection
// for heartbeating plus immutable metadata.
type Entry struct {
	SessionID string
	CreatedAt time.Time
	Conn      Pinger

	// Close tears the session down (upstream close + registry removal).
	// Invoked by the heartbeat when the client stops answering pings.
	Close func()
}

// Registry is a concurrent session-id → [Entry] map.
// The zero value is not usable; construct with [New].
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Entry
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{sessions: make(map[string]*Entry)}
}

// Insert registers e under id. Fails with [ErrAlreadyExists] when the id is
// taken.
func (r *Registry) Insert(id string, e *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, id)
	}
	r.sessions[id] = e
	return nil
}

// Lookup returns the entry for id, or (nil, false) when absent.
func (r *Registry) Lookup(id string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[id]
	return e, ok
}

// Remove deletes id. Removing an absent id is not an error.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Range calls fn for a snapshot of all entries. The snapshot is taken under
// the read lock; fn runs without any lock held so it may call back into the
// registry (e.g. Remove during heartbeat sweeps).
func (r *Registry) Range(fn func(id string, e *Entry)) {
	r.mu.RLock()
	snapshot := make(map[string]*Entry, len(r.sessions))
	for id, e := range r.sessions {
		snapshot[id] = e
	}
	r.mu.RUnlock()

	for id, e := range snapshot {
		fn(id, e)
	}
}

// Len reports the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
