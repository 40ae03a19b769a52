package transactor

import (
	"context"

	"atomdb/internal/core"
	"atomdb/internal/edn/form"
	"atomdb/internal/storage"
)

// validate rejects intra-transaction cardinality and uniqueness
// conflicts, plus uniqueness conflicts against already committed data.
func validate(ctx context.Context, db *storage.DB, candidates []candidate) error {
	type eaKey struct{ e, a core.Entid }
	oneVal := map[eaKey]core.Value{}
	for _, c := range candidates {
		if c.Op != form.OpAssert || c.Attr.Cardinality != core.CardinalityOne {
			continue
		}
		key := eaKey{c.E, c.A}
		if prev, ok := oneVal[key]; ok {
			if !prev.Equal(c.V) {
				return newErr(KindCardinalityConflict, c.Span, c.HasSpan, c.Attr.Ident,
					"entity %d attribute %s has two different asserted values in this transaction", c.E, c.Attr.Ident)
			}
			continue
		}
		oneVal[key] = c.V
	}

	type avKey struct {
		a core.Entid
		h uint64
	}
	uniqueE := map[avKey]core.Entid{}
	for _, c := range candidates {
		if c.Op != form.OpAssert || c.Attr.Unique == core.UniqueNone {
			continue
		}
		key := avKey{c.A, c.V.Hash()}
		if prevE, ok := uniqueE[key]; ok {
			if prevE != c.E {
				return newErr(KindUniquenessConflict, c.Span, c.HasSpan, c.Attr.Ident,
					"attribute %s value is asserted on two different entities in this transaction", c.Attr.Ident)
			}
		} else {
			uniqueE[key] = c.E
		}

		existing, found, err := db.LiveEntityForValue(ctx, c.A, c.V)
		if err != nil {
			return err
		}
		if found && existing != c.E {
			return newErr(KindUniquenessConflict, c.Span, c.HasSpan, c.Attr.Ident,
				"attribute %s value already belongs to entity %d", c.Attr.Ident, existing)
		}
	}
	return nil
}
