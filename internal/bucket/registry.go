package bucket

import (
	"fmt"
	"sync/atomic"
)

// Registry is the live type-name -> BucketType mapping. Replacement is
// atomic from any reader's perspective: Get always observes either the
// pre-swap or post-swap snapshot in full, never a mix.
//
// A reload publishes a brand new immutable map behind an atomic.Pointer
// rather than mutating one in place, so in-flight readers never observe a
// partially-updated mapping and never block behind a writer.
type Registry struct {
	snapshot atomic.Pointer[map[string]BucketType]
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	r := &Registry{}
	empty := map[string]BucketType{}
	r.snapshot.Store(&empty)
	return r
}

// Get returns the BucketType named name from the currently published
// snapshot, and whether it was present.
func (r *Registry) Get(name string) (BucketType, bool) {
	m := *r.snapshot.Load()
	bt, ok := m[name]
	return bt, ok
}

// Snapshot returns the full currently published mapping. Callers must treat
// the returned map as read-only; it is shared with other readers.
func (r *Registry) Snapshot() map[string]BucketType {
	return *r.snapshot.Load()
}

// Replace validates every entry in types and, only if all validate, installs
// it as the new snapshot. On any validation failure the previous registry
// is retained and the first validation error is returned.
func (r *Registry) Replace(types map[string]BucketType) error {
	next := make(map[string]BucketType, len(types))
	for name, bt := range types {
		bt.Name = name
		if err := bt.Validate(); err != nil {
			return fmt.Errorf("registry replace rejected: %w", err)
		}
		next[name] = bt
	}
	r.snapshot.Store(&next)
	return nil
}
