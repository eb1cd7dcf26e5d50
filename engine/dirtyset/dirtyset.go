/*
Package dirtyset implements the single point of serialization between the
consume path (producer) and the sync worker (consumer): a concurrent set
of fast-store remaining-keys that have diverged from the record store
since the last successful sync.

Isolating this as its own package lets either side evolve independently
- e.g. swapping the plain map below for a sharded set under high
add-rate - without touching consume or sync worker code.
*/
package dirtyset

import "sync"

// Tracker is a concurrent set of key names. It makes no ordering
// guarantees and keeps no per-key timestamps.
type Tracker struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

// New returns an empty tracker.
func New() *Tracker {
	return &Tracker{keys: make(map[string]struct{})}
}

// Add marks k dirty. Idempotent.
func (t *Tracker) Add(k string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.keys[k] = struct{}{}
}

// Snapshot copies the current keys into a list, without removing them.
func (t *Tracker) Snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.keys))
	for k := range t.keys {
		out = append(out, k)
	}
	return out
}

// RemoveAll removes every key in keys that is still present. Keys added
// after the snapshot that produced this list but not in it are left
// untouched.
func (t *Tracker) RemoveAll(keys []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, k := range keys {
		delete(t.keys, k)
	}
}

// Size returns the current number of dirty keys.
func (t *Tracker) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.keys)
}
