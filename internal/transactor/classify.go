package transactor

import (
	"math/big"
	"strings"

	"atomdb/internal/core"
	"atomdb/internal/edn"
	"atomdb/internal/edn/form"
)

// classify resolves each term's attribute against schema and coerces or
// defers its entity/value positions. Terms whose attribute is unknown fail
// immediately, so every later step can assume Attr is set.
func classify(terms []form.Term, schema *core.Schema) ([]pendingTerm, error) {
	out := make([]pendingTerm, 0, len(terms))
	for _, t := range terms {
		attr, aEntid, ok := schema.AttributeByIdent(t.A)
		if !ok {
			return nil, newErr(KindUnknownAttribute, t.Span, true, t.A, "unknown attribute %s", t.A)
		}
		if t.Reversed && attr.ValueType != core.TypeRef {
			return nil, newErr(KindBadTypeCoercion, t.Span, true, t.A, "reversed attribute %s must have value type ref", t.A)
		}

		e := t.E
		if e.Kind == form.RefIdent {
			entid, ok := schema.EntidForIdent(e.Ident)
			if !ok {
				return nil, newErr(KindMissingLookupRef, t.Span, true, e.Ident, "ident %s does not resolve to an entity", e.Ident)
			}
			e = form.Ref{Kind: form.RefEntid, Entid: entid}
		}

		pt := pendingTerm{Op: t.Op, E: e, A: aEntid, Attr: attr, Span: t.Span, HasSpan: true}

		if attr.ValueType == core.TypeRef {
			vref, err := classifyRefValue(t.V)
			if err != nil {
				return nil, newErr(KindBadTypeCoercion, t.Span, true, t.A, "%v", err)
			}
			if t.V.Kind == edn.KindKeyword {
				entid, ok := schema.EntidForIdent(core.NewKeyword(t.V.Namespace, t.V.Name))
				if !ok {
					return nil, newErr(KindBadTypeCoercion, t.Span, true, t.A, "unresolvable ident %s in reference position", t.V.KeywordString())
				}
				pt.VLit = core.NewRef(entid)
				pt.VIsRef = false
			} else {
				pt.VIsRef = true
				pt.VRef = vref
			}
		} else {
			lit, err := coerceScalar(t.V, attr.ValueType)
			if err != nil {
				return nil, newErr(KindBadTypeCoercion, t.Span, true, t.A, "%v", err)
			}
			pt.VLit = lit
		}

		// The db namespaces belong to the core schema; user transactions may
		// reference their idents but never claim new ones inside them.
		if t.Op == form.OpAssert && t.A == core.IdentIdent {
			if kw, ok := pt.VLit.AsKeyword(); ok && isReservedNamespace(kw.Namespace) {
				return nil, newErr(KindReservedIdent, t.Span, true, t.A, "ident %s is in a reserved namespace", kw)
			}
		}
		out = append(out, pt)
	}
	return out, nil
}

func isReservedNamespace(ns string) bool {
	return ns == "db" || strings.HasPrefix(ns, "db.")
}

// classifyRefValue recognizes a ref-position node as an entid, tempid, or
// lookup-ref without touching the schema (keyword idents are handled by the
// caller, which has the schema in hand).
func classifyRefValue(n edn.Node) (form.Ref, error) {
	switch n.Kind {
	case edn.KindInt:
		return form.Ref{Kind: form.RefEntid, Entid: core.Entid(n.Int)}, nil
	case edn.KindString:
		return form.Ref{Kind: form.RefTempID, TempID: n.Str}, nil
	case edn.KindVector:
		if len(n.Items) == 2 && n.Items[0].Kind == edn.KindKeyword {
			return form.Ref{Kind: form.RefLookup, Lookup: form.LookupRef{
				Attr: core.NewKeyword(n.Items[0].Namespace, n.Items[0].Name),
				V:    n.Items[1],
			}}, nil
		}
		return form.Ref{}, errBadRefShape
	case edn.KindKeyword:
		// Handled by the caller (needs schema); returning a zero Ref here is
		// safe because the caller never uses it in this case.
		return form.Ref{}, nil
	default:
		return form.Ref{}, errBadRefShape
	}
}

var errBadRefShape = &coerceError{"expected an entid, tempid string, keyword ident, or lookup-ref"}

type coerceError struct{ msg string }

func (e *coerceError) Error() string { return e.msg }

// coerceScalar narrows an edn.Node literal to vt (integer -> long is the
// identity case here since edn has no separate integer/long node kinds).
func coerceScalar(n edn.Node, vt core.ValueType) (core.Value, error) {
	switch vt {
	case core.TypeLong:
		if n.Kind != edn.KindInt {
			return core.Value{}, &coerceError{"expected an integer for a :db.type/long value"}
		}
		return core.NewLong(n.Int), nil
	case core.TypeDouble:
		switch n.Kind {
		case edn.KindFloat:
			return core.NewDouble(n.Float), nil
		case edn.KindInt:
			return core.NewDouble(float64(n.Int)), nil
		default:
			return core.Value{}, &coerceError{"expected a float for a :db.type/double value"}
		}
	case core.TypeBigInt:
		switch n.Kind {
		case edn.KindBigInt:
			return core.NewBigInt(n.BigInt), nil
		case edn.KindInt:
			return core.NewBigInt(big.NewInt(n.Int)), nil
		default:
			return core.Value{}, &coerceError{"expected a big integer for a :db.type/bigint value"}
		}
	case core.TypeBoolean:
		if n.Kind != edn.KindBool {
			return core.Value{}, &coerceError{"expected a boolean for a :db.type/boolean value"}
		}
		return core.NewBoolean(n.Bool), nil
	case core.TypeString:
		if n.Kind != edn.KindString {
			return core.Value{}, &coerceError{"expected a string for a :db.type/string value"}
		}
		return core.NewString(n.Str), nil
	case core.TypeKeyword:
		if n.Kind != edn.KindKeyword {
			return core.Value{}, &coerceError{"expected a keyword for a :db.type/keyword value"}
		}
		return core.NewKeywordValue(core.NewKeyword(n.Namespace, n.Name)), nil
	case core.TypeInstant:
		if n.Kind != edn.KindInstant {
			return core.Value{}, &coerceError{"expected an instant for a :db.type/instant value"}
		}
		return core.NewInstant(n.Instant), nil
	case core.TypeUUID:
		if n.Kind != edn.KindUUID {
			return core.Value{}, &coerceError{"expected a uuid for a :db.type/uuid value"}
		}
		return core.NewUUID(n.UUID), nil
	case core.TypeBytes:
		return core.Value{}, &coerceError{"bytes values must be supplied programmatically, not parsed from text"}
	default:
		return core.Value{}, &coerceError{"unsupported value type in coercion"}
	}
}
