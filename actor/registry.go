package actor

import (
	"sync"

	"github.com/objectwire/objectwire/wire"
)

// Registry maps exposed names to actor identities and identities to local
// actor definitions. Exposing is idempotent over (name, actor); re-exposing a
// different actor under the same name replaces it atomically. In-flight calls
// already dispatched to an unexposed actor run to completion because dispatch
// resolves the definition once, up front.
type Registry struct {
	mu      sync.RWMutex
	names   map[string]wire.ActorID
	actors  map[wire.ActorID]*Definition
	refcnts map[wire.ActorID]int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		names:   make(map[string]wire.ActorID),
		actors:  make(map[wire.ActorID]*Definition),
		refcnts: make(map[wire.ActorID]int),
	}
}

// Expose registers the actor under the given name. Exposing the same actor
// under the same name again is a no-op; exposing a different actor replaces
// the previous registration atomically.
func (r *Registry) Expose(a *Definition, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := a.Identity()
	if prev, ok := r.names[name]; ok {
		if prev == id {
			return
		}
		r.release(prev)
	}
	r.names[name] = id
	r.actors[id] = a
	r.refcnts[id]++
}

// Unexpose removes the name registration and, when no other name references
// the actor, its local table entry.
func (r *Registry) Unexpose(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.names[name]
	if !ok {
		return
	}
	delete(r.names, name)
	r.release(id)
}

// release drops one reference to id, removing the local entry at zero.
// Callers hold r.mu.
func (r *Registry) release(id wire.ActorID) {
	r.refcnts[id]--
	if r.refcnts[id] <= 0 {
		delete(r.refcnts, id)
		delete(r.actors, id)
	}
}

// Lookup resolves an exposed name to its actor definition.
func (r *Registry) Lookup(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.names[name]
	if !ok {
		return nil, false
	}
	a, ok := r.actors[id]
	return a, ok
}

// LookupID resolves an actor identity to its local definition.
func (r *Registry) LookupID(id wire.ActorID) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actors[id]
	return a, ok
}

// Names returns the currently exposed names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.names))
	for n := range r.names {
		names = append(names, n)
	}
	return names
}

// Len reports the number of exposed names.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.names)
}
