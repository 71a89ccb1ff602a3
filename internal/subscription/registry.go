package subscription

import (
	"sync"
)

// Registry is the bidirectional index between connections and keys.
//
// Both directions are updated under one lock, so readers never observe a
// connection listed under a key it does not hold (or vice versa).
type Registry struct {
	mu     sync.RWMutex
	byKey  map[Key]map[string]struct{}
	byConn map[string]map[Key]struct{}
}

// Stats is a point-in-time summary of the registry.
type Stats struct {
	Keys          int // Keys with at least one subscriber
	Connections   int // Connections holding at least one key
	Subscriptions int // Total (connection, key) pairs
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byKey:  make(map[Key]map[string]struct{}),
		byConn: make(map[string]map[Key]struct{}),
	}
}

// Subscribe records that connID wants key. It reports whether this made
// connID the first subscriber of key. Subscribing to a held key is a no-op.
func (r *Registry) Subscribe(connID string, key Key) (first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := r.byConn[connID]
	if _, held := keys[key]; held {
		return false
	}
	if keys == nil {
		keys = make(map[Key]struct{})
		r.byConn[connID] = keys
	}
	keys[key] = struct{}{}

	conns := r.byKey[key]
	if conns == nil {
		conns = make(map[string]struct{})
		r.byKey[key] = conns
	}
	conns[connID] = struct{}{}

	return len(conns) == 1
}

// Unsubscribe removes key from connID. It reports whether connID was the
// last subscriber of key. Unsubscribing from a key not held returns false.
func (r *Registry) Unsubscribe(connID string, key Key) (last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := r.byConn[connID]
	if _, held := keys[key]; !held {
		return false
	}
	return r.removeLocked(connID, key)
}

// DropConnection removes every key held by connID and returns the keys
// that no longer have any subscriber.
func (r *Registry) DropConnection(connID string) []Key {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys, ok := r.byConn[connID]
	if !ok {
		return nil
	}

	var emptied []Key
	for key := range keys {
		if r.removeLocked(connID, key) {
			emptied = append(emptied, key)
		}
	}
	return emptied
}

// removeLocked drops one (connID, key) pair; caller holds the write lock
// and has checked the pair exists.
func (r *Registry) removeLocked(connID string, key Key) bool {
	keys := r.byConn[connID]
	delete(keys, key)
	if len(keys) == 0 {
		delete(r.byConn, connID)
	}

	conns := r.byKey[key]
	delete(conns, connID)
	if len(conns) == 0 {
		delete(r.byKey, key)
		return true
	}
	return false
}

// SubscribersOf returns a snapshot of the connections subscribed to key.
func (r *Registry) SubscribersOf(key Key) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.byKey[key]
	out := make([]string, 0, len(conns))
	for id := range conns {
		out = append(out, id)
	}
	return out
}

// KeysOf returns a snapshot of the keys held by connID.
func (r *Registry) KeysOf(connID string) []Key {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := r.byConn[connID]
	out := make([]Key, 0, len(keys))
	for key := range keys {
		out = append(out, key)
	}
	return out
}

// Connections returns every connection holding at least one key.
func (r *Registry) Connections() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byConn))
	for id := range r.byConn {
		out = append(out, id)
	}
	return out
}

// Count returns the reference count of key.
func (r *Registry) Count(key Key) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey[key])
}

// Stats returns current totals.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, keys := range r.byConn {
		total += len(keys)
	}
	return Stats{
		Keys:          len(r.byKey),
		Connections:   len(r.byConn),
		Subscriptions: total,
	}
}
