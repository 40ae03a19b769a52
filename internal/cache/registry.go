package cache

import (
	"context"
	"sync"

	"atomdb/internal/core"
	"atomdb/internal/storage"
)

// Registry holds one AttributeCache per registered attribute: a
// mutex-guarded map of constructed instances keyed by attribute entid,
// with Register/Unregister/Get.
type Registry struct {
	db *storage.DB

	mu     sync.RWMutex
	caches map[core.Entid]*AttributeCache
}

// NewRegistry returns an empty Registry reading through db.
func NewRegistry(db *storage.DB) *Registry {
	return &Registry{db: db, caches: map[core.Entid]*AttributeCache{}}
}

// Register creates a cache for attribute a, eagerly scanning its live
// datoms when mode is FillEager. Re-registering an already-registered
// attribute replaces its cache.
func (r *Registry) Register(ctx context.Context, schema *core.Schema, a core.Entid, mode FillMode) error {
	attr, ok := schema.AttributeByID(a)
	if !ok {
		return &core.SchemaError{Message: "cache: unknown attribute entity"}
	}
	c := newAttributeCache(a, attr, mode)
	if mode == FillEager {
		if err := c.fill(ctx, r.db); err != nil {
			return err
		}
	}
	r.mu.Lock()
	r.caches[a] = c
	r.mu.Unlock()
	return nil
}

// Unregister removes attribute a's cache, if any.
func (r *Registry) Unregister(a core.Entid) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.caches, a)
}

// Get returns attribute a's cache and whether one is registered.
func (r *Registry) Get(a core.Entid) (*AttributeCache, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caches[a]
	return c, ok
}

// Apply replays a commit's datoms into every cache whose attribute they
// touch. Callers must invoke this before dispatching the same commit to
// observers (cache updates happen-before subscriber
// delivery), so a subscriber that reads the cache during OnDatoms always
// sees post-commit state.
func (r *Registry) Apply(datoms []core.Datom) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range datoms {
		if c, ok := r.caches[d.A]; ok {
			c.Apply(d)
		}
	}
}
