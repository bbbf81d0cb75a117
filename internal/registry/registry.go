// Package registry serializes access to per-peer session state. Both the
// send and receive paths are read-modify-write cycles over the same ratchet
// state; interleaving them corrupts chain counters, so every such cycle runs
// under the peer's lock.
package registry

import "sync"

// Registry hands out one lock per peer identifier.
type Registry struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{locks: make(map[string]*sync.Mutex)}
}

// With runs fn while holding the peer's lock.
func (r *Registry) With(peer string, fn func() error) error {
	l := r.lock(peer)
	l.Lock()
	defer l.Unlock()
	return fn()
}

func (r *Registry) lock(peer string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[peer]
	if !ok {
		l = new(sync.Mutex)
		r.locks[peer] = l
	}
	return l
}
