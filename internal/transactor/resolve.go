package transactor

import (
	"context"
	"fmt"

	"atomdb/internal/core"
	"atomdb/internal/edn/form"
	"atomdb/internal/storage"
)

// resolve runs lookup-ref resolution, upsert resolution to a fixed point,
// then allocation of whatever tempids remain.
// It returns the fully-resolved candidates plus the tempid->entid bindings
// (callers report the latter back to the caller as Report.TempIDs).
func resolve(ctx context.Context, db *storage.DB, schema *core.Schema, pm *core.PartitionMap, terms []pendingTerm) ([]candidate, map[string]core.Entid, error) {
	if err := resolveLookupRefs(ctx, db, schema, terms); err != nil {
		return nil, nil, err
	}

	bindings := map[string]core.Entid{}
	var order []string
	seen := map[string]bool{}
	noteTempID := func(id string) {
		if !seen[id] {
			seen[id] = true
			order = append(order, id)
		}
	}
	for _, t := range terms {
		if t.Dropped {
			continue
		}
		if t.E.Kind == form.RefTempID {
			noteTempID(t.E.TempID)
		}
		if t.VIsRef && t.VRef.Kind == form.RefTempID {
			noteTempID(t.VRef.TempID)
		}
	}

	if err := resolveUpserts(ctx, db, pm, terms, bindings); err != nil {
		return nil, nil, err
	}

	// Step 5: allocate whatever tempids upsert resolution left unbound, in
	// first-mention order.
	for _, id := range order {
		if _, ok := bindings[id]; ok {
			continue
		}
		fresh, err := pm.Allocate(core.PartUser, 1)
		if err != nil {
			return nil, nil, fmt.Errorf("transactor: allocate tempid %q: %w", id, err)
		}
		bindings[id] = fresh
	}

	candidates := make([]candidate, 0, len(terms))
	for _, t := range terms {
		if t.Dropped {
			continue
		}
		e, err := resolveRef(t.E, bindings)
		if err != nil {
			return nil, nil, err
		}
		var v core.Value
		if t.VIsRef {
			vEntid, err := resolveRef(t.VRef, bindings)
			if err != nil {
				return nil, nil, err
			}
			v = core.NewRef(vEntid)
		} else {
			v = t.VLit
		}
		candidates = append(candidates, candidate{Op: t.Op, E: e, A: t.A, Attr: t.Attr, V: v, Span: t.Span, HasSpan: t.HasSpan})
	}
	return candidates, bindings, nil
}

func resolveRef(r form.Ref, bindings map[string]core.Entid) (core.Entid, error) {
	switch r.Kind {
	case form.RefEntid:
		return r.Entid, nil
	case form.RefTempID:
		id, ok := bindings[r.TempID]
		if !ok {
			return 0, newErr(KindUnresolvedTempid, [2]int{}, false, core.Keyword{}, "tempid %q was never resolved", r.TempID)
		}
		return id, nil
	default:
		return 0, newErr(KindUnresolvedTempid, [2]int{}, false, core.Keyword{}, "unresolved reference %s", r.String())
	}
}

// resolveLookupRefs resolves every [:attr value] lookup-ref appearing in E
// or V position against the live store.
func resolveLookupRefs(ctx context.Context, db *storage.DB, schema *core.Schema, terms []pendingTerm) error {
	for i := range terms {
		t := &terms[i]
		if t.E.Kind == form.RefLookup {
			entid, found, err := resolveLookupRef(ctx, db, schema, t.E.Lookup)
			if err != nil {
				return err
			}
			if !found {
				if t.Op == form.OpRetract {
					t.Dropped = true
					continue
				}
				return newErr(KindMissingLookupRef, t.Span, t.HasSpan, t.E.Lookup.Attr, "lookup-ref %s has no matching entity", t.E.Lookup.Attr)
			}
			t.E = form.Ref{Kind: form.RefEntid, Entid: entid}
		}
		if t.Dropped {
			continue
		}
		if t.VIsRef && t.VRef.Kind == form.RefLookup {
			entid, found, err := resolveLookupRef(ctx, db, schema, t.VRef.Lookup)
			if err != nil {
				return err
			}
			if !found {
				if t.Op == form.OpRetract {
					t.Dropped = true
					continue
				}
				return newErr(KindMissingLookupRef, t.Span, t.HasSpan, t.VRef.Lookup.Attr, "lookup-ref %s has no matching entity", t.VRef.Lookup.Attr)
			}
			t.VRef = form.Ref{Kind: form.RefEntid, Entid: entid}
		}
	}
	return nil
}

func resolveLookupRef(ctx context.Context, db *storage.DB, schema *core.Schema, lr form.LookupRef) (core.Entid, bool, error) {
	attr, aEntid, ok := schema.AttributeByIdent(lr.Attr)
	if !ok {
		return 0, false, newErr(KindUnknownAttribute, [2]int{}, false, lr.Attr, "unknown attribute %s in lookup-ref", lr.Attr)
	}
	if attr.Unique == core.UniqueNone {
		return 0, false, newErr(KindMissingLookupRef, [2]int{}, false, lr.Attr, "lookup-ref attribute %s is not unique", lr.Attr)
	}
	v, err := coerceScalar(lr.V, attr.ValueType)
	if err != nil {
		return 0, false, newErr(KindBadTypeCoercion, [2]int{}, false, lr.Attr, "%v", err)
	}
	return db.LiveEntityForValue(ctx, aEntid, v)
}

// identKey is an upsert candidate's (attribute, value) identity.
type identKey struct {
	a core.Entid
	h uint64
}

// resolveUpserts runs upsert resolution to a fixed point: build an
// undirected graph connecting tempids that share a :db.unique/identity
// (a, v) pair, resolve each connected component against the store (or
// allocate fresh), and repeat until no new binding is produced. A binding
// can expose a new identity candidate, so known bindings are
// re-substituted into not-yet-classified terms before rebuilding the
// graph.
func resolveUpserts(ctx context.Context, db *storage.DB, pm *core.PartitionMap, terms []pendingTerm, bindings map[string]core.Entid) error {
	for {
		changed := false

		// Substitute known bindings into any still-tempid position.
		for i := range terms {
			t := &terms[i]
			if t.Dropped {
				continue
			}
			if t.E.Kind == form.RefTempID {
				if id, ok := bindings[t.E.TempID]; ok {
					t.E = form.Ref{Kind: form.RefEntid, Entid: id}
				}
			}
			if t.VIsRef && t.VRef.Kind == form.RefTempID {
				if id, ok := bindings[t.VRef.TempID]; ok {
					t.VRef = form.Ref{Kind: form.RefEntid, Entid: id}
				}
			}
		}

		// Union-find over tempids still appearing as E of an identity term.
		parent := map[string]string{}
		var find func(string) string
		find = func(x string) string {
			if parent[x] == x {
				return x
			}
			parent[x] = find(parent[x])
			return parent[x]
		}
		union := func(a, b string) {
			if _, ok := parent[a]; !ok {
				parent[a] = a
			}
			if _, ok := parent[b]; !ok {
				parent[b] = b
			}
			ra, rb := find(a), find(b)
			if ra != rb {
				parent[ra] = rb
			}
		}

		memberKeys := map[string][]identKey{}
		for _, t := range terms {
			if t.Dropped || t.E.Kind != form.RefTempID || t.Attr.Unique != core.UniqueIdentity {
				continue
			}
			var val core.Value
			if t.VIsRef {
				if t.VRef.Kind != form.RefEntid {
					continue // value side not yet resolved; revisit next round
				}
				val = core.NewRef(t.VRef.Entid)
			} else {
				val = t.VLit
			}
			id := t.E.TempID
			if _, ok := parent[id]; !ok {
				parent[id] = id
			}
			key := identKey{a: t.A, h: val.Hash()}
			memberKeys[id] = append(memberKeys[id], key)
			for other, keys := range memberKeys {
				if other == id {
					continue
				}
				for _, k := range keys {
					if k == key {
						union(id, other)
					}
				}
			}
		}

		components := map[string][]string{}
		for id := range parent {
			root := find(id)
			components[root] = append(components[root], id)
		}

		for _, members := range components {
			keySet := map[identKey]bool{}
			for _, m := range members {
				for _, k := range memberKeys[m] {
					keySet[k] = true
				}
			}
			var existing core.Entid
			found := false
			conflict := false
			for k := range keySet {
				v, err := valueForHash(terms, k)
				if err != nil {
					return err
				}
				e, ok, err := db.LiveEntityForValue(ctx, k.a, v)
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
				if found && e != existing {
					conflict = true
				}
				existing = e
				found = true
			}
			if conflict {
				return newErr(KindUpsertConflict, [2]int{}, false, core.Keyword{}, "upsert component resolves to conflicting entities")
			}

			var target core.Entid
			if found {
				target = existing
			} else {
				fresh, err := pm.Allocate(core.PartUser, 1)
				if err != nil {
					return err
				}
				target = fresh
			}
			for _, m := range members {
				if bindings[m] != target {
					bindings[m] = target
					changed = true
				}
			}
		}

		if !changed {
			return nil
		}
	}
}

// valueForHash recovers the literal core.Value behind an identKey by
// re-scanning terms for a member carrying that exact (a, hash) pair. Hashes
// are already over structurally-equal values, so any matching term yields
// an equal Value.
func valueForHash(terms []pendingTerm, key identKey) (core.Value, error) {
	for _, t := range terms {
		if t.Dropped || t.A != key.a {
			continue
		}
		var val core.Value
		if t.VIsRef {
			if t.VRef.Kind != form.RefEntid {
				continue
			}
			val = core.NewRef(t.VRef.Entid)
		} else {
			val = t.VLit
		}
		if val.Hash() == key.h {
			return val, nil
		}
	}
	return core.Value{}, fmt.Errorf("transactor: internal error recovering upsert key value")
}
