package form

import (
	"fmt"

	"atomdb/internal/core"
	"atomdb/internal/edn"
)

// TermOp is the assert/retract direction of a single entity-form term.
type TermOp uint8

const (
	OpAssert TermOp = iota
	OpRetract
)

// RefKind tags how an entity-position (e) was written in source.
type RefKind uint8

const (
	RefEntid RefKind = iota
	RefTempID
	RefLookup
	// RefIdent is a bare keyword in entity position (e.g. :a/tags naming the
	// attribute entity it is bound to), resolved against the schema's
	// ident<->entid bijection, not the tempid/upsert machinery.
	RefIdent
)

// LookupRef denotes an existing entity by a unique (attribute, value)
// pair, written [:attr value]: a two-element vector whose head is a keyword.
// Resolving it against the live store is the transactor's job (step 3);
// this package only recognizes the shape.
type LookupRef struct {
	Attr core.Keyword
	V    edn.Node
}

// Ref is an unresolved reference to an entity: a literal entid, a tempid
// string, a lookup-ref, or an ident keyword. Which one a given node is never depends on
// schema, so it is decided here, in the form layer.
type Ref struct {
	Kind   RefKind
	Entid  core.Entid
	TempID string
	Lookup LookupRef
	Ident  core.Keyword
}

func (r Ref) String() string {
	switch r.Kind {
	case RefEntid:
		return fmt.Sprintf("%d", r.Entid)
	case RefTempID:
		return fmt.Sprintf("%q", r.TempID)
	case RefLookup:
		return fmt.Sprintf("[%s %s]", r.Lookup.Attr, r.Lookup.V.String())
	case RefIdent:
		return r.Ident.String()
	default:
		return "?"
	}
}

// Term is one normalized entity-form triple: assert or retract attribute A
// of entity E with value V. V is left as a raw node, since whether it denotes a
// literal scalar or a reference to another entity depends on the
// attribute's declared value type, which only the transactor (with a
// Schema in hand) can resolve.
type Term struct {
	Op   TermOp
	E    Ref
	A    core.Keyword
	V    edn.Node
	Span [2]int
	// Reversed marks a term produced by flipping a "_"-prefixed reversed
	// attribute key; the transactor must reject it unless A turns out to be
	// a reference attribute.
	Reversed bool
}

// ParseTransaction parses a :db/add|:db/retract vector of entity forms,
// each either a 4-element [:db/add e a v] list/vector, or a {...} map with
// optional reversed-attribute keys and an optional :db/id entry.
func ParseTransaction(root edn.Node) ([]Term, error) {
	if root.Kind != edn.KindVector && root.Kind != edn.KindList {
		return nil, errf(root, "transaction form must be a vector of entity forms")
	}
	var terms []Term
	autoTempID := 0
	for _, item := range root.Items {
		switch item.Kind {
		case edn.KindList, edn.KindVector:
			t, err := parseTripleForm(item)
			if err != nil {
				return nil, err
			}
			terms = append(terms, t)
		case edn.KindMap:
			expanded, err := parseMapForm(item, &autoTempID)
			if err != nil {
				return nil, err
			}
			terms = append(terms, expanded...)
		default:
			return nil, errf(item, "entity form must be a list, vector, or map")
		}
	}
	return terms, nil
}

func parseTripleForm(n edn.Node) (Term, error) {
	if len(n.Items) != 4 {
		return Term{}, errf(n, "entity form needs exactly 4 elements: [:db/add|:db/retract e a v], got %d", len(n.Items))
	}
	head := n.Items[0]
	if head.Kind != edn.KindKeyword {
		return Term{}, errf(head, "entity form must begin with :db/add or :db/retract")
	}
	var op TermOp
	switch head.KeywordString() {
	case ":db/add":
		op = OpAssert
	case ":db/retract":
		op = OpRetract
	default:
		return Term{}, errf(head, "unknown entity form operator %s", head.KeywordString())
	}

	e, err := parseRef(n.Items[1])
	if err != nil {
		return Term{}, err
	}
	a, err := parseAttrNode(n.Items[2])
	if err != nil {
		return Term{}, err
	}
	v := n.Items[3]

	if a.Reversed {
		// [:db/add e :x/_y v] == [:db/add v :x/y e]. Flip here so
		// downstream code only ever sees the forward direction.
		vRef, err := parseRef(v)
		if err != nil {
			return Term{}, errf(v, "reversed attribute %s requires a reference-shaped value: %v", a.String(), err)
		}
		start, end := n.Span()
		return Term{Op: op, E: vRef, A: core.NewKeyword(a.Namespace, a.Name), V: refNode(e), Span: [2]int{start, end}, Reversed: true}, nil
	}

	start, end := n.Span()
	return Term{Op: op, E: e, A: core.NewKeyword(a.Namespace, a.Name), V: v, Span: [2]int{start, end}}, nil
}

// parseAttrNode requires a plain (non-reversed-ambiguous) keyword node for
// an attribute position; Reversed is still reported so callers can act on
// it (see parseTripleForm).
func parseAttrNode(n edn.Node) (edn.Node, error) {
	if n.Kind != edn.KindKeyword {
		return edn.Node{}, errf(n, "attribute position must be a keyword")
	}
	return n, nil
}

// parseMapForm expands {:db/id e, :attr v, :ns/_rev v2, ...} into one Term
// per non-:db/id key, sharing a single entity reference.
func parseMapForm(n edn.Node, autoTempID *int) ([]Term, error) {
	var e Ref
	haveE := false
	for _, p := range n.Pairs {
		if p.Key.Kind == edn.KindKeyword && p.Key.KeywordString() == ":db/id" {
			var err error
			e, err = parseRef(p.Value)
			if err != nil {
				return nil, err
			}
			haveE = true
		}
	}
	if !haveE {
		*autoTempID++
		e = Ref{Kind: RefTempID, TempID: fmt.Sprintf("$auto-%d", *autoTempID)}
	}

	var terms []Term
	for _, p := range n.Pairs {
		if p.Key.Kind == edn.KindKeyword && p.Key.KeywordString() == ":db/id" {
			continue
		}
		if p.Key.Kind != edn.KindKeyword {
			return nil, errf(p.Key, "map-notation keys must be keywords")
		}
		start, end := n.Span()
		if p.Key.Reversed {
			vRef, err := parseRef(p.Value)
			if err != nil {
				return nil, errf(p.Value, "reversed attribute %s requires a reference-shaped value: %v", p.Key.KeywordString(), err)
			}
			terms = append(terms, Term{
				Op: OpAssert, E: vRef,
				A: core.NewKeyword(p.Key.Namespace, p.Key.Name),
				V: refNode(e), Span: [2]int{start, end}, Reversed: true,
			})
			continue
		}
		terms = append(terms, Term{
			Op: OpAssert, E: e,
			A: core.NewKeyword(p.Key.Namespace, p.Key.Name),
			V: p.Value, Span: [2]int{start, end},
		})
	}
	return terms, nil
}

// parseRef recognizes an entity- or value-position node that denotes a
// reference: a bare integer entid, a string tempid, a [:attr v]
// lookup-ref vector, or a bare keyword ident.
func parseRef(n edn.Node) (Ref, error) {
	switch n.Kind {
	case edn.KindInt:
		return Ref{Kind: RefEntid, Entid: core.Entid(n.Int)}, nil
	case edn.KindString:
		return Ref{Kind: RefTempID, TempID: n.Str}, nil
	case edn.KindVector:
		if len(n.Items) == 2 && n.Items[0].Kind == edn.KindKeyword {
			return Ref{Kind: RefLookup, Lookup: LookupRef{
				Attr: core.NewKeyword(n.Items[0].Namespace, n.Items[0].Name),
				V:    n.Items[1],
			}}, nil
		}
		return Ref{}, errf(n, "a lookup-ref must be a 2-element [:attr value] vector")
	case edn.KindKeyword:
		return Ref{Kind: RefIdent, Ident: core.NewKeyword(n.Namespace, n.Name)}, nil
	default:
		return Ref{}, errf(n, "expected an entid, tempid string, ident keyword, or lookup-ref, got %v", n.Kind)
	}
}

// refNode re-wraps a resolved Ref as a node so it can sit in a Term's V
// field uniformly with literal values (used for reversed-attribute
// flipping).
func refNode(r Ref) edn.Node {
	switch r.Kind {
	case RefEntid:
		return edn.Node{Kind: edn.KindInt, Int: int64(r.Entid)}
	case RefTempID:
		return edn.Node{Kind: edn.KindString, Str: r.TempID}
	case RefLookup:
		return edn.Node{Kind: edn.KindVector, Items: []edn.Node{
			{Kind: edn.KindKeyword, Namespace: r.Lookup.Attr.Namespace, Name: r.Lookup.Attr.Name},
			r.Lookup.V,
		}}
	case RefIdent:
		return edn.Node{Kind: edn.KindKeyword, Namespace: r.Ident.Namespace, Name: r.Ident.Name}
	default:
		return edn.Node{Kind: edn.KindNil}
	}
}
