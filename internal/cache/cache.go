// Package cache implements the attribute cache and tx-observer dispatch:
// mutex-guarded maps keyed by attribute entid, with register/unregister
// methods and no business logic beyond what its callers ask it to hold.
package cache

import (
	"context"
	"sync"

	"atomdb/internal/core"
	"atomdb/internal/storage"
)

// FillMode controls when an AttributeCache populates itself: eagerly (a
// full scan at registration) or lazily (populate an entity's entry the
// first time it is requested).
type FillMode uint8

const (
	FillEager FillMode = iota
	FillLazy
)

// AttributeCache holds, for one attribute, a forward e->v (cardinality-one)
// or e->{v} (cardinality-many) map, plus an optional reverse v->{e} map
// when the attribute is unique or indexed.
type AttributeCache struct {
	mu          sync.RWMutex
	a           core.Entid
	cardinality core.Cardinality
	reverseOK   bool
	mode        FillMode
	filled      bool

	oneVal  map[core.Entid]core.Value
	manyVal map[core.Entid]map[uint64]core.Value
	reverse map[uint64][]core.Entid
}

func newAttributeCache(a core.Entid, attr *core.Attribute, mode FillMode) *AttributeCache {
	c := &AttributeCache{
		a:           a,
		cardinality: attr.Cardinality,
		reverseOK:   attr.Unique != core.UniqueNone || attr.Indexed,
		mode:        mode,
	}
	if attr.Cardinality == core.CardinalityOne {
		c.oneVal = map[core.Entid]core.Value{}
	} else {
		c.manyVal = map[core.Entid]map[uint64]core.Value{}
	}
	if c.reverseOK {
		c.reverse = map[uint64][]core.Entid{}
	}
	return c
}

func (c *AttributeCache) fill(ctx context.Context, db *storage.DB) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.filled {
		return nil
	}
	datoms, err := db.LiveDatomsForAttr(ctx, c.a)
	if err != nil {
		return err
	}
	for _, d := range datoms {
		c.applyLocked(d)
	}
	c.filled = true
	return nil
}

// applyLocked updates the cache for one datom of this attribute; caller
// must hold c.mu.
func (c *AttributeCache) applyLocked(d core.Datom) {
	h := d.V.Hash()
	if c.cardinality == core.CardinalityOne {
		if d.Added {
			c.oneVal[d.E] = d.V
		} else if existing, ok := c.oneVal[d.E]; ok && existing.Hash() == h {
			delete(c.oneVal, d.E)
		}
	} else {
		set := c.manyVal[d.E]
		if d.Added {
			if set == nil {
				set = map[uint64]core.Value{}
				c.manyVal[d.E] = set
			}
			set[h] = d.V
		} else if set != nil {
			delete(set, h)
		}
	}
	if c.reverseOK {
		if d.Added {
			c.reverse[h] = appendUniqueEntid(c.reverse[h], d.E)
		} else {
			c.reverse[h] = removeEntid(c.reverse[h], d.E)
		}
	}
}

func appendUniqueEntid(es []core.Entid, e core.Entid) []core.Entid {
	for _, x := range es {
		if x == e {
			return es
		}
	}
	return append(es, e)
}

func removeEntid(es []core.Entid, e core.Entid) []core.Entid {
	out := es[:0]
	for _, x := range es {
		if x != e {
			out = append(out, x)
		}
	}
	return out
}

// Apply replays one committed datom of this attribute into the cache.
// Registry.Apply calls it on every commit so a registered cache stays
// current without a full rescan.
func (c *AttributeCache) Apply(d core.Datom) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyLocked(d)
}

// One returns the cardinality-one value for e, populating it lazily if this
// cache is FillLazy and hasn't yet been fully scanned.
func (c *AttributeCache) One(ctx context.Context, db *storage.DB, e core.Entid) (core.Value, bool, error) {
	c.mu.RLock()
	v, ok := c.oneVal[e]
	lazy := c.mode == FillLazy && !c.filled
	c.mu.RUnlock()
	if ok {
		return v, true, nil
	}
	if !lazy {
		return core.Value{}, false, nil
	}
	got, found, err := db.LiveOne(ctx, e, c.a)
	if err != nil {
		return core.Value{}, false, err
	}
	if found {
		c.mu.Lock()
		c.oneVal[e] = got
		c.mu.Unlock()
	}
	return got, found, nil
}

// Many returns the cardinality-many value set for e, populating lazily on
// first request if this cache hasn't been eagerly filled.
func (c *AttributeCache) Many(ctx context.Context, db *storage.DB, e core.Entid) ([]core.Value, error) {
	c.mu.RLock()
	set, ok := c.manyVal[e]
	lazy := c.mode == FillLazy && !c.filled
	c.mu.RUnlock()
	if ok || !lazy {
		out := make([]core.Value, 0, len(set))
		for _, v := range set {
			out = append(out, v)
		}
		return out, nil
	}
	vs, err := db.LiveMany(ctx, e, c.a)
	if err != nil {
		return nil, err
	}
	m := make(map[uint64]core.Value, len(vs))
	for _, v := range vs {
		m[v.Hash()] = v
	}
	c.mu.Lock()
	c.manyVal[e] = m
	c.mu.Unlock()
	return vs, nil
}

// Reverse returns every entity currently holding value v for this
// attribute. Only meaningful when the attribute is unique or indexed
// (reverseOK); returns an empty slice otherwise.
func (c *AttributeCache) Reverse(v core.Value) []core.Entid {
	c.mu.RLock()
	defer c.mu.RUnlock()
	es := c.reverse[v.Hash()]
	out := make([]core.Entid, len(es))
	copy(out, es)
	return out
}
