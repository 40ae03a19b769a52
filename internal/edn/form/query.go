package form

import (
	"atomdb/internal/core"
	"atomdb/internal/edn"
)

// FindKind tags the shape of a :find clause's result: scalar, tuple,
// collection, or relation.
type FindKind uint8

const (
	FindRelation FindKind = iota // :find ?e ?n            -> row list
	FindScalar                   // :find ?e .              -> single value
	FindTuple                    // :find [?e ?n]           -> one fixed-width row
	FindCollection                // :find [?e ...]          -> single column
)

// FindElem is one element of a :find clause: a plain variable, an
// aggregate call like (count ?e), or a (pull ?e [...]) projection. Vars on
// FindSpec mirrors the Var of each element for callers that only care about
// names.
type FindElem struct {
	Var string
	// Agg names the aggregate ("count", "sum", "avg", "min", "max") or
	// "pull"; empty for a plain variable.
	Agg string
	// PullAttrs lists the attributes a (pull ...) element requests;
	// PullWild is set when the pattern contains the * wildcard.
	PullAttrs []core.Keyword
	PullWild  bool
}

type FindSpec struct {
	Kind  FindKind
	Vars  []string
	Elems []FindElem
}

// HasAggregates reports whether any find element is an aggregate call
// (pull is a projection, not an aggregate).
func (f FindSpec) HasAggregates() bool {
	for _, e := range f.Elems {
		if e.Agg != "" && e.Agg != "pull" {
			return true
		}
	}
	return false
}

// ClauseKind tags the shape of one :where element.
type ClauseKind uint8

const (
	ClausePattern ClauseKind = iota
	ClausePredicate
	ClauseNot
	ClauseOr
)

// Clause is one element of :where, left mostly as a raw node: the
// algebrizer (internal/query) is the layer that understands pattern
// positions, predicate calls, and not/or sub-plans against a live Schema.
type Clause struct {
	Kind ClauseKind
	Node edn.Node
}

// OrderTerm is one :order element: a variable plus ascending/descending.
type OrderTerm struct {
	Var  string
	Desc bool
}

// Query is a fully parsed query form: [:find ... :in ... :where ... :with
// ... :order ... :limit ...].
type Query struct {
	Find  FindSpec
	In    []string
	Where []Clause
	With  []string
	Order []OrderTerm
	Limit int64
	HasLimit bool
}

// ParseQuery parses a query form vector, splitting it into sections keyed
// by the :find/:in/:where/:with/:order/:limit introducer keywords.
func ParseQuery(root edn.Node) (Query, error) {
	if root.Kind != edn.KindVector && root.Kind != edn.KindList {
		return Query{}, errf(root, "query form must be a vector")
	}

	sections := map[string][]edn.Node{}
	var current string
	for _, item := range root.Items {
		if item.Kind == edn.KindKeyword && isSection(item.KeywordString()) {
			current = item.KeywordString()
			if _, ok := sections[current]; ok {
				return Query{}, errf(item, "duplicate %s section", current)
			}
			sections[current] = nil
			continue
		}
		if current == "" {
			return Query{}, errf(item, "query form must begin with a section keyword (:find, :in, ...)")
		}
		sections[current] = append(sections[current], item)
	}

	findTokens, ok := sections[":find"]
	if !ok || len(findTokens) == 0 {
		return Query{}, errf(root, "query form is missing a :find section")
	}
	find, err := parseFindSpec(findTokens)
	if err != nil {
		return Query{}, err
	}

	whereTokens := sections[":where"]
	if len(whereTokens) == 0 {
		return Query{}, errf(root, "query form is missing a :where section")
	}
	clauses, err := parseWhereClauses(whereTokens)
	if err != nil {
		return Query{}, err
	}

	q := Query{
		Find:  find,
		In:    symbolNames(sections[":in"]),
		Where: clauses,
		With:  symbolNames(sections[":with"]),
	}

	if orderTokens, ok := sections[":order"]; ok {
		q.Order, err = parseOrderTerms(orderTokens)
		if err != nil {
			return Query{}, err
		}
	}
	if limitTokens, ok := sections[":limit"]; ok {
		if len(limitTokens) != 1 || limitTokens[0].Kind != edn.KindInt {
			return Query{}, errf(root, ":limit takes exactly one integer")
		}
		q.Limit = limitTokens[0].Int
		q.HasLimit = true
	}
	return q, nil
}

func isSection(kw string) bool {
	switch kw {
	case ":find", ":in", ":where", ":with", ":order", ":limit":
		return true
	default:
		return false
	}
}

func parseFindSpec(tokens []edn.Node) (FindSpec, error) {
	// :find [?e ...]  -> collection
	// :find [?e ?n]   -> tuple
	// :find ?e .      -> scalar
	// :find ?e ?n     -> relation
	// Aggregate calls (count ?e) and (pull ?e [...]) may stand anywhere a
	// plain variable may.
	if len(tokens) == 1 && tokens[0].Kind == edn.KindVector {
		items := tokens[0].Items
		if len(items) == 2 && items[1].Kind == edn.KindSymbol && items[1].Name == "..." {
			elem, err := parseFindElem(items[0])
			if err != nil {
				return FindSpec{}, err
			}
			return FindSpec{Kind: FindCollection, Vars: []string{elem.Var}, Elems: []FindElem{elem}}, nil
		}
		elems, err := parseFindElems(items)
		if err != nil {
			return FindSpec{}, err
		}
		return FindSpec{Kind: FindTuple, Vars: elemVars(elems), Elems: elems}, nil
	}
	if len(tokens) == 2 && tokens[1].Kind == edn.KindSymbol && tokens[1].Name == "." {
		elem, err := parseFindElem(tokens[0])
		if err != nil {
			return FindSpec{}, err
		}
		return FindSpec{Kind: FindScalar, Vars: []string{elem.Var}, Elems: []FindElem{elem}}, nil
	}
	elems, err := parseFindElems(tokens)
	if err != nil {
		return FindSpec{}, err
	}
	return FindSpec{Kind: FindRelation, Vars: elemVars(elems), Elems: elems}, nil
}

func elemVars(elems []FindElem) []string {
	names := make([]string, len(elems))
	for i, e := range elems {
		names[i] = e.Var
	}
	return names
}

func parseFindElems(items []edn.Node) ([]FindElem, error) {
	elems := make([]FindElem, 0, len(items))
	for _, it := range items {
		e, err := parseFindElem(it)
		if err != nil {
			return nil, err
		}
		elems = append(elems, e)
	}
	return elems, nil
}

func parseFindElem(n edn.Node) (FindElem, error) {
	switch n.Kind {
	case edn.KindSymbol:
		return FindElem{Var: n.Name}, nil
	case edn.KindList:
		if len(n.Items) < 2 || n.Items[0].Kind != edn.KindSymbol {
			return FindElem{}, errf(n, ":find call must be (aggregate var) or (pull var pattern)")
		}
		fn := n.Items[0].Name
		if fn == "pull" {
			if len(n.Items) != 3 || n.Items[1].Kind != edn.KindSymbol || n.Items[2].Kind != edn.KindVector {
				return FindElem{}, errf(n, "(pull ...) must be (pull var [attr ...])")
			}
			elem := FindElem{Var: n.Items[1].Name, Agg: "pull"}
			for _, a := range n.Items[2].Items {
				switch {
				case a.Kind == edn.KindKeyword:
					elem.PullAttrs = append(elem.PullAttrs, core.NewKeyword(a.Namespace, a.Name))
				case a.Kind == edn.KindSymbol && a.Name == "*":
					elem.PullWild = true
				default:
					return FindElem{}, errf(a, "pull pattern elements must be attribute keywords or *")
				}
			}
			return elem, nil
		}
		switch fn {
		case "count", "sum", "avg", "min", "max":
		default:
			return FindElem{}, errf(n, "unknown :find aggregate %q", fn)
		}
		if len(n.Items) != 2 || n.Items[1].Kind != edn.KindSymbol {
			return FindElem{}, errf(n, "aggregate %s takes exactly one variable", fn)
		}
		return FindElem{Var: n.Items[1].Name, Agg: fn}, nil
	default:
		return FindElem{}, errf(n, ":find variables must be symbols")
	}
}

func symbolNames(items []edn.Node) []string {
	names := make([]string, 0, len(items))
	for _, it := range items {
		if it.Kind == edn.KindSymbol {
			names = append(names, it.Name)
		}
	}
	return names
}

func parseWhereClauses(tokens []edn.Node) ([]Clause, error) {
	clauses := make([]Clause, 0, len(tokens))
	for _, t := range tokens {
		switch t.Kind {
		case edn.KindVector:
			if len(t.Items) == 1 && t.Items[0].Kind == edn.KindList {
				clauses = append(clauses, Clause{Kind: ClausePredicate, Node: t})
				continue
			}
			clauses = append(clauses, Clause{Kind: ClausePattern, Node: t})
		case edn.KindList:
			if len(t.Items) == 0 || t.Items[0].Kind != edn.KindSymbol {
				return nil, errf(t, "where clause list must begin with not/or")
			}
			switch t.Items[0].Name {
			case "not":
				clauses = append(clauses, Clause{Kind: ClauseNot, Node: t})
			case "or":
				clauses = append(clauses, Clause{Kind: ClauseOr, Node: t})
			default:
				return nil, errf(t, "unknown where clause form %q", t.Items[0].Name)
			}
		default:
			return nil, errf(t, "where clause must be a pattern vector or (not ...)/(or ...) list")
		}
	}
	return clauses, nil
}

func parseOrderTerms(tokens []edn.Node) ([]OrderTerm, error) {
	terms := make([]OrderTerm, 0, len(tokens))
	for _, t := range tokens {
		switch t.Kind {
		case edn.KindSymbol:
			terms = append(terms, OrderTerm{Var: t.Name})
		case edn.KindList:
			if len(t.Items) != 2 || t.Items[0].Kind != edn.KindSymbol || t.Items[1].Kind != edn.KindKeyword {
				return nil, errf(t, ":order term must be (var :asc|:desc)")
			}
			desc := t.Items[1].KeywordString() == ":desc"
			terms = append(terms, OrderTerm{Var: t.Items[0].Name, Desc: desc})
		default:
			return nil, errf(t, ":order term must be a variable or (var :asc|:desc)")
		}
	}
	return terms, nil
}
