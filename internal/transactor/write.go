package transactor

import (
	"context"

	"atomdb/internal/core"
	"atomdb/internal/edn/form"
	"atomdb/internal/storage"
)

// datomKey identifies a datom written within one transaction, used to
// collapse candidates that materialize to the same row. Once tempids merge
// through upsert resolution, two input terms can become the exact same
// (e, a, v) assertion; only one row may land in the log, or a
// cardinality-one (e, a) would end up with two live datoms.
type datomKey struct {
	e, a  core.Entid
	vh    uint64
	added bool
}

// materialize turns the validated candidates into the final ordered list
// of datoms to write, retracting whatever a cardinality-one assertion
// supersedes and cascading component retractions one additional closure
// pass. Redundancy is checked against both committed state and the datoms
// already scheduled in this transaction.
func materialize(ctx context.Context, db *storage.DB, schema *core.Schema, txID core.Entid, candidates []candidate) ([]core.Datom, error) {
	var out []core.Datom
	seenCascade := map[core.Entid]bool{}
	written := map[datomKey]bool{}

	appendDatom := func(d core.Datom) {
		key := datomKey{e: d.E, a: d.A, vh: d.V.Hash(), added: d.Added}
		if written[key] {
			return
		}
		written[key] = true
		out = append(out, d)
	}

	for _, c := range candidates {
		switch c.Op {
		case form.OpAssert:
			if written[datomKey{e: c.E, a: c.A, vh: c.V.Hash(), added: true}] {
				continue
			}
			if c.Attr.Cardinality == core.CardinalityOne {
				prior, found, err := db.LiveOne(ctx, c.E, c.A)
				if err != nil {
					return nil, err
				}
				if found && !prior.Equal(c.V) {
					appendDatom(core.Datom{E: c.E, A: c.A, V: prior, Tx: txID, Added: false})
				}
				if found && prior.Equal(c.V) {
					// Re-asserting the same live value is a no-op write;
					// upsert idempotence relies on this.
					continue
				}
			} else {
				live, err := db.LiveMany(ctx, c.E, c.A)
				if err != nil {
					return nil, err
				}
				already := false
				for _, v := range live {
					if v.Equal(c.V) {
						already = true
						break
					}
				}
				if already {
					continue
				}
			}
			appendDatom(core.Datom{E: c.E, A: c.A, V: c.V, Tx: txID, Added: true})

		case form.OpRetract:
			if c.Attr.Cardinality == core.CardinalityOne {
				prior, found, err := db.LiveOne(ctx, c.E, c.A)
				if err != nil {
					return nil, err
				}
				if !found || !prior.Equal(c.V) {
					continue // nothing live to retract
				}
			} else {
				live, err := db.LiveMany(ctx, c.E, c.A)
				if err != nil {
					return nil, err
				}
				found := false
				for _, v := range live {
					if v.Equal(c.V) {
						found = true
						break
					}
				}
				if !found {
					continue
				}
			}
			appendDatom(core.Datom{E: c.E, A: c.A, V: c.V, Tx: txID, Added: false})

			if c.Attr.Component && c.Attr.ValueType == core.TypeRef {
				ref, _ := c.V.AsRef()
				cascaded, err := cascadeComponentRetraction(ctx, db, schema, txID, ref, seenCascade)
				if err != nil {
					return nil, err
				}
				for _, d := range cascaded {
					appendDatom(d)
				}
			}
		}
	}
	return out, nil
}

// cascadeComponentRetraction retracts every live datom on e (the value
// entity of a just-retracted component reference), recursing through
// further component references it may itself hold, bounded by the tx
// closure. seen guards against revisiting an entity already scheduled in
// this transaction.
func cascadeComponentRetraction(ctx context.Context, db *storage.DB, schema *core.Schema, txID, e core.Entid, seen map[core.Entid]bool) ([]core.Datom, error) {
	if seen[e] {
		return nil, nil
	}
	seen[e] = true

	live, err := db.LiveDatomsForEntity(ctx, e)
	if err != nil {
		return nil, err
	}
	var out []core.Datom
	for _, dm := range live {
		out = append(out, core.Datom{E: dm.E, A: dm.A, V: dm.V, Tx: txID, Added: false})
		attr, ok := schema.AttributeByID(dm.A)
		if ok && attr.Component && attr.ValueType == core.TypeRef {
			ref, _ := dm.V.AsRef()
			more, err := cascadeComponentRetraction(ctx, db, schema, txID, ref, seen)
			if err != nil {
				return nil, err
			}
			out = append(out, more...)
		}
	}
	return out, nil
}
