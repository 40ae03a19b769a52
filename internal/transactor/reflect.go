package transactor

import (
	"context"

	"atomdb/internal/core"
	"atomdb/internal/storage"
)

// reflect applies the datoms this transaction wrote to attribute/ident
// entities, producing a new Schema. It works entirely
// off the in-memory datom slice plus the pre-transaction Schema, never
// re-reading the store, so it can run before the write transaction opens
// (storage.DB's single pooled connection means a nested read through *sql.DB
// while a *sql.Tx holds that same connection would deadlock). Alteration
// checks that must see already-committed state (EntityCountsForAttr,
// HasDuplicateValue) are the only DB reads here, and they run against state
// committed before this transaction, which is what the alteration rules
// must validate against.
func reflect(ctx context.Context, db *storage.DB, schema *core.Schema, datoms []core.Datom) (*core.Schema, error) {
	identA, _ := schema.EntidForIdent(core.IdentIdent)
	valueTypeA, _ := schema.EntidForIdent(core.IdentValueType)
	cardinalityA, _ := schema.EntidForIdent(core.IdentCardinality)
	uniqueA, _ := schema.EntidForIdent(core.IdentUnique)
	indexA, _ := schema.EntidForIdent(core.IdentIndex)
	fulltextA, _ := schema.EntidForIdent(core.IdentFulltext)
	componentA, _ := schema.EntidForIdent(core.IdentIsComponent)
	noHistoryA, _ := schema.EntidForIdent(core.IdentNoHistory)

	touched := map[core.Entid]bool{}
	newIdents := map[core.Entid]core.Keyword{}
	for _, d := range datoms {
		if !d.Added {
			continue
		}
		switch d.A {
		case identA:
			kw, _ := d.V.AsKeyword()
			newIdents[d.E] = kw
			touched[d.E] = true
		case valueTypeA, cardinalityA, uniqueA, indexA, fulltextA, componentA, noHistoryA:
			touched[d.E] = true
		}
	}
	if len(touched) == 0 {
		return schema, nil
	}

	out := schema.Clone()
	for e := range touched {
		if kw, ok := newIdents[e]; ok {
			out.BindIdent(kw, e)
		}

		base, hadPrev := schema.AttributeByID(e)
		var attr core.Attribute
		if hadPrev {
			attr = *base
		}
		if kw, ok := newIdents[e]; ok {
			attr.Ident = kw
		}

		if v, ok := latestAddedValue(datoms, e, valueTypeA); ok {
			ref, _ := v.AsRef()
			kw, found := out.IdentForEntid(ref)
			if !found {
				return nil, newErr(KindUnknownAttribute, [2]int{}, false, core.Keyword{}, "entity %d has an unresolvable :db/valueType ref %d", e, ref)
			}
			vt, ok2 := core.ValueTypeFromKeyword(kw)
			if !ok2 {
				return nil, newErr(KindBadTypeCoercion, [2]int{}, false, core.Keyword{}, "%s is not a known :db.type/* ident", kw)
			}
			attr.ValueType = vt
		} else if !hadPrev {
			// No value type anywhere (old schema or this tx): this entity got
			// only an :db/ident this tx (enum member, partition name, etc.),
			// not an attribute definition.
			continue
		}

		if v, ok := latestAddedValue(datoms, e, cardinalityA); ok {
			if ref, ok2 := v.AsRef(); ok2 {
				if kw, ok3 := out.IdentForEntid(ref); ok3 {
					if c, ok4 := core.CardinalityFromKeyword(kw); ok4 {
						attr.Cardinality = c
					}
				}
			}
		}
		if v, ok := latestAddedValue(datoms, e, uniqueA); ok {
			if ref, ok2 := v.AsRef(); ok2 {
				if kw, ok3 := out.IdentForEntid(ref); ok3 {
					if u, ok4 := core.UniqueFromKeyword(kw); ok4 {
						attr.Unique = u
					}
				}
			}
		}
		if v, ok := latestAddedValue(datoms, e, indexA); ok {
			b, _ := v.AsBoolean()
			attr.Indexed = b
		}
		if v, ok := latestAddedValue(datoms, e, fulltextA); ok {
			b, _ := v.AsBoolean()
			attr.Fulltext = b
		}
		if v, ok := latestAddedValue(datoms, e, componentA); ok {
			b, _ := v.AsBoolean()
			attr.Component = b
		}
		if v, ok := latestAddedValue(datoms, e, noHistoryA); ok {
			b, _ := v.AsBoolean()
			attr.NoHistory = b
		}
		if attr.Unique != core.UniqueNone {
			attr.Indexed = true
		}

		if hadPrev {
			if base.Cardinality == core.CardinalityMany && attr.Cardinality == core.CardinalityOne {
				counts, err := db.EntityCountsForAttr(ctx, e)
				if err != nil {
					return nil, err
				}
				cs := make([]int, 0, len(counts))
				for _, c := range counts {
					cs = append(cs, c)
				}
				if !core.CanNarrowCardinality(cs) {
					return nil, newErr(KindSchemaAlterationConflict, [2]int{}, false, attr.Ident,
						"cannot narrow %s to cardinality/one: an entity currently holds more than one value", attr.Ident)
				}
			}
			if base.ValueType != attr.ValueType {
				return nil, newErr(KindSchemaAlterationConflict, [2]int{}, false, attr.Ident,
					"cannot change the value type of %s once defined", attr.Ident)
			}
			if base.Unique == core.UniqueNone && attr.Unique != core.UniqueNone {
				dup, err := db.HasDuplicateValue(ctx, e)
				if err != nil {
					return nil, err
				}
				if dup {
					return nil, newErr(KindSchemaAlterationConflict, [2]int{}, false, attr.Ident,
						"cannot add uniqueness to %s: duplicate live values already exist", attr.Ident)
				}
			}
		}

		b := core.NewSchemaBuilder(out)
		if err := b.Define(e, attr); err != nil {
			return nil, newErr(KindSchemaAlterationConflict, [2]int{}, false, attr.Ident, "%v", err)
		}
		out = b.Build()
	}
	return out, nil
}

// latestAddedValue returns the last Added=true value datoms records for
// (e, a), in slice order; the transaction's own writes always list a
// retraction before its replacement assertion, so "last wins" recovers the
// value this transaction leaves live.
func latestAddedValue(datoms []core.Datom, e, a core.Entid) (core.Value, bool) {
	var v core.Value
	found := false
	for _, d := range datoms {
		if d.E == e && d.A == a && d.Added {
			v = d.V
			found = true
		}
	}
	return v, found
}
