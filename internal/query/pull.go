package query

import (
	"context"

	"atomdb/internal/core"
	"atomdb/internal/storage"
)

// PullMap is the result of pulling one entity: attribute ident text ->
// core.Value (cardinality-one) or []core.Value (cardinality-many). The
// entity's own id is always present under ":db/id".
type PullMap map[string]any

// Pull fetches the requested attributes of each entity id in one bounded
// batch per entity. attrs lists the attribute idents to fetch; wildcard
// requests every live attribute.
func Pull(ctx context.Context, db *storage.DB, schema *core.Schema, ids []core.Entid, attrs []core.Keyword, wildcard bool) ([]PullMap, error) {
	out := make([]PullMap, 0, len(ids))
	for _, id := range ids {
		pm, err := pullEntity(ctx, db, schema, id, attrs, wildcard)
		if err != nil {
			return nil, err
		}
		out = append(out, pm)
	}
	return out, nil
}

func pullEntity(ctx context.Context, db *storage.DB, schema *core.Schema, id core.Entid, attrs []core.Keyword, wildcard bool) (PullMap, error) {
	pm := PullMap{":db/id": core.NewRef(id)}

	if wildcard {
		live, err := db.LiveDatomsForEntity(ctx, id)
		if err != nil {
			return nil, newErr(KindResultError, "%v", err)
		}
		for _, d := range live {
			attr, ok := schema.AttributeByID(d.A)
			if !ok {
				continue
			}
			key := attr.Ident.String()
			if attr.Cardinality == core.CardinalityMany {
				prior, _ := pm[key].([]core.Value)
				pm[key] = append(prior, d.V)
			} else {
				pm[key] = d.V
			}
		}
		if len(attrs) == 0 {
			return pm, nil
		}
	}

	for _, ident := range attrs {
		attr, aEntid, ok := schema.AttributeByIdent(ident)
		if !ok {
			return nil, newErr(KindInvalidArgument, "pull pattern names unknown attribute %s", ident)
		}
		key := ident.String()
		if _, already := pm[key]; already {
			continue
		}
		if attr.Cardinality == core.CardinalityMany {
			vs, err := db.LiveMany(ctx, id, aEntid)
			if err != nil {
				return nil, newErr(KindResultError, "%v", err)
			}
			if len(vs) > 0 {
				pm[key] = vs
			}
			continue
		}
		v, found, err := db.LiveOne(ctx, id, aEntid)
		if err != nil {
			return nil, newErr(KindResultError, "%v", err)
		}
		if found {
			pm[key] = v
		}
	}
	return pm, nil
}
