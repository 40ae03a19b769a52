package query

import (
	"math/big"

	"atomdb/internal/core"
	"atomdb/internal/edn"
	"atomdb/internal/edn/form"
)

// Algebrize lowers a parsed query form into a Plan against schema. It
// fails on an unbound variable referenced by a predicate, conflicting type
// inference for a variable, a reversed attribute applied to a
// non-reference value position, or an unknown query function.
func Algebrize(q form.Query, schema *core.Schema) (*Plan, error) {
	known := map[string]bool{}
	for _, v := range q.In {
		known[v] = true
	}
	types := map[string]core.ValueType{}

	clauses, err := algebrizeClauses(q.Where, schema, known, types)
	if err != nil {
		return nil, err
	}

	return &Plan{
		Find:     q.Find,
		InVars:   q.In,
		WithVars: q.With,
		Order:    q.Order,
		Limit:    q.Limit,
		HasLimit: q.HasLimit,
		Clauses:  clauses,
	}, nil
}

// algebrizeClauses walks one conjunction's worth of where-clauses in order,
// mutating known/types as patterns bind and type new variables, so later
// clauses (including nested not/or bodies) see every variable bound by
// earlier ones.
func algebrizeClauses(clauses []form.Clause, schema *core.Schema, known map[string]bool, types map[string]core.ValueType) ([]Clause, error) {
	out := make([]Clause, 0, len(clauses))
	for _, c := range clauses {
		switch c.Kind {
		case form.ClausePattern:
			pat, err := algebrizePattern(c.Node, schema, known, types)
			if err != nil {
				return nil, err
			}
			out = append(out, Clause{Kind: NodePattern, Pattern: pat})
		case form.ClausePredicate:
			pred, err := algebrizePredicate(c.Node, known)
			if err != nil {
				return nil, err
			}
			out = append(out, Clause{Kind: NodePredicate, Predicate: pred})
		case form.ClauseNot:
			// (not clause...): the body shares the outer binding's known
			// vars but introduces none of its own to the outer scope.
			innerKnown := cloneBoolSet(known)
			innerTypes := cloneTypeSet(types)
			body, err := algebrizeInnerList(c.Node.Items[1:], schema, innerKnown, innerTypes)
			if err != nil {
				return nil, err
			}
			out = append(out, Clause{Kind: NodeNot, Not: &NotNode{Clauses: body}})
		case form.ClauseOr:
			branches := make([][]Clause, 0, len(c.Node.Items)-1)
			for _, b := range c.Node.Items[1:] {
				innerKnown := cloneBoolSet(known)
				innerTypes := cloneTypeSet(types)
				var bodyNodes []edn.Node
				if b.Kind == edn.KindList && len(b.Items) > 0 && b.Items[0].Kind == edn.KindSymbol && b.Items[0].Name == "and" {
					bodyNodes = b.Items[1:]
				} else {
					bodyNodes = []edn.Node{b}
				}
				branch, err := algebrizeInnerList(bodyNodes, schema, innerKnown, innerTypes)
				if err != nil {
					return nil, err
				}
				branches = append(branches, branch)
			}
			out = append(out, Clause{Kind: NodeOr, Or: &OrNode{Branches: branches}})
		}
	}
	return out, nil
}

// algebrizeInnerList classifies and algebrizes the body of a (not ...) or
// (or ...)/(and ...) form, which form.ParseQuery never sees (only the
// top-level :where list goes through form.parseWhereClauses); the same
// pattern-vector-or-not/or-list shape applies recursively, so it is
// reclassified here.
func algebrizeInnerList(nodes []edn.Node, schema *core.Schema, known map[string]bool, types map[string]core.ValueType) ([]Clause, error) {
	fc := make([]form.Clause, 0, len(nodes))
	for _, n := range nodes {
		switch n.Kind {
		case edn.KindVector:
			if len(n.Items) == 1 && n.Items[0].Kind == edn.KindList {
				fc = append(fc, form.Clause{Kind: form.ClausePredicate, Node: n})
				continue
			}
			fc = append(fc, form.Clause{Kind: form.ClausePattern, Node: n})
		case edn.KindList:
			if len(n.Items) == 0 || n.Items[0].Kind != edn.KindSymbol {
				return nil, newErr(KindInvalidArgument, "where clause list must begin with not/or")
			}
			switch n.Items[0].Name {
			case "not":
				fc = append(fc, form.Clause{Kind: form.ClauseNot, Node: n})
			case "or":
				fc = append(fc, form.Clause{Kind: form.ClauseOr, Node: n})
			default:
				return nil, newErr(KindInvalidArgument, "unknown where clause form %q", n.Items[0].Name)
			}
		default:
			return nil, newErr(KindInvalidArgument, "where clause must be a pattern vector or (not ...)/(or ...) list")
		}
	}
	return algebrizeClauses(fc, schema, known, types)
}

func cloneBoolSet(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneTypeSet(m map[string]core.ValueType) map[string]core.ValueType {
	out := make(map[string]core.ValueType, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// algebrizePattern parses one [e a v] or [e a v tx] where-clause vector.
// The attribute position, when a literal keyword, is resolved against
// schema so the value position can be type-coerced and so a reversed ("_"
// prefixed) attribute can be flipped.
func algebrizePattern(n edn.Node, schema *core.Schema, known map[string]bool, types map[string]core.ValueType) (*PatternNode, error) {
	if len(n.Items) != 3 && len(n.Items) != 4 {
		return nil, newErr(KindInvalidArgument, "pattern must have 3 or 4 elements [e a v] or [e a v tx], got %d", len(n.Items))
	}

	var attr *core.Attribute
	aTerm, reversed, err := algebrizeAttrTerm(n.Items[1], schema, &attr)
	if err != nil {
		return nil, err
	}

	eTerm, err := algebrizeEntTerm(n.Items[0], schema)
	if err != nil {
		return nil, err
	}
	vTerm, err := algebrizeValTerm(n.Items[2], schema, attr, known, types)
	if err != nil {
		return nil, err
	}

	if reversed {
		if attr == nil || attr.ValueType != core.TypeRef {
			return nil, newErr(KindTypeMismatch, "reversed attribute %s applied to a value position whose type is not a reference", n.Items[1].KeywordString())
		}
		// [?v :x/_y ?e] == [?e :x/y ?v]: e becomes the value (ref-typed),
		// the old value position becomes the entity.
		flippedV := ValTerm{Var: eTerm.Var, Blank: eTerm.Blank}
		if eTerm.HasLit {
			flippedV.Lit = core.NewRef(eTerm.Lit)
			flippedV.HasLit = true
		}
		flippedE := EntTerm{Var: vTerm.Var, Blank: vTerm.Blank}
		if vTerm.HasLit {
			ref, ok := vTerm.Lit.AsRef()
			if !ok {
				return nil, newErr(KindTypeMismatch, "reversed attribute %s requires a reference-shaped value", n.Items[1].KeywordString())
			}
			flippedE.Lit = ref
			flippedE.HasLit = true
		}
		eTerm, vTerm = flippedE, flippedV
	}

	pat := &PatternNode{E: eTerm, A: aTerm, V: vTerm}
	markKnown(eTerm.Var, known)
	markKnown(aTerm.Var, known)
	markKnownVal(vTerm.Var, known)

	if len(n.Items) == 4 {
		txTerm, err := algebrizeEntTerm(n.Items[3], schema)
		if err != nil {
			return nil, err
		}
		pat.Tx = txTerm
		pat.HasTx = true
		markKnown(txTerm.Var, known)
	}
	return pat, nil
}

func markKnown(v string, known map[string]bool) {
	if v != "" {
		known[v] = true
	}
}

func markKnownVal(v string, known map[string]bool) {
	if v != "" {
		known[v] = true
	}
}

// algebrizeAttrTerm parses the attribute position: a variable, blank, or a
// keyword ident resolved against schema (per-attribute
// pattern view). *attr is set when the attribute resolves to a concrete
// definition, so the value position can be type-checked; it is left nil
// when the position is a variable, matching a pattern against every
// attribute.
func algebrizeAttrTerm(n edn.Node, schema *core.Schema, attr **core.Attribute) (EntTerm, bool, error) {
	switch n.Kind {
	case edn.KindSymbol:
		if n.Name == "_" {
			return EntTerm{Blank: true}, false, nil
		}
		return EntTerm{Var: n.Name}, false, nil
	case edn.KindKeyword:
		k := core.NewKeyword(n.Namespace, n.Name)
		a, id, ok := schema.AttributeByIdent(k)
		if !ok {
			return EntTerm{}, false, newErr(KindInvalidArgument, "unknown attribute %s", k)
		}
		*attr = a
		return EntTerm{Lit: id, HasLit: true}, n.Reversed, nil
	default:
		return EntTerm{}, false, newErr(KindInvalidArgument, "attribute position must be a variable or keyword")
	}
}

// algebrizeEntTerm parses an entity or tx position: a variable, blank, a
// bare integer entid, or a keyword ident resolved against schema.
func algebrizeEntTerm(n edn.Node, schema *core.Schema) (EntTerm, error) {
	switch n.Kind {
	case edn.KindSymbol:
		if n.Name == "_" {
			return EntTerm{Blank: true}, nil
		}
		return EntTerm{Var: n.Name}, nil
	case edn.KindInt:
		return EntTerm{Lit: n.Int, HasLit: true}, nil
	case edn.KindKeyword:
		k := core.NewKeyword(n.Namespace, n.Name)
		id, ok := schema.EntidForIdent(k)
		if !ok {
			return EntTerm{}, newErr(KindInvalidArgument, "ident %s does not resolve to an entity", k)
		}
		return EntTerm{Lit: id, HasLit: true}, nil
	default:
		return EntTerm{}, newErr(KindInvalidArgument, "entity/tx position must be a variable, integer entid, or keyword ident")
	}
}

// algebrizeValTerm parses a pattern's value position. When attr is known,
// the literal is coerced to its declared value type (narrowing a bare
// keyword to a ref when the attribute is a reference, exactly as the
// transactor's classify step does for writes); when attr is a variable
// (unknown), only variables and blanks are accepted, since there is no
// declared type to coerce a literal against.
func algebrizeValTerm(n edn.Node, schema *core.Schema, attr *core.Attribute, known map[string]bool, types map[string]core.ValueType) (ValTerm, error) {
	switch n.Kind {
	case edn.KindSymbol:
		if n.Name == "_" {
			return ValTerm{Blank: true}, nil
		}
		if attr != nil {
			if prior, ok := types[n.Name]; ok && prior != attr.ValueType {
				return ValTerm{}, newVarErr(KindTypeMismatch, n.Name, "bound to %s here but %s elsewhere", attr.ValueType, prior)
			}
			types[n.Name] = attr.ValueType
		}
		return ValTerm{Var: n.Name}, nil
	default:
		if attr == nil {
			return ValTerm{}, newErr(KindInvalidArgument, "a literal value requires a known attribute; %s has a variable attribute position", n.String())
		}
		v, err := literalForType(n, attr.ValueType, schema)
		if err != nil {
			return ValTerm{}, newErr(KindTypeMismatch, "%v", err)
		}
		return ValTerm{Lit: v, HasLit: true}, nil
	}
}

// literalForType narrows an edn.Node to vt, mirroring
// transactor.coerceScalar's per-type rules plus the reference/ident case
// patterns need that plain assertions don't (a bare keyword in a ref-typed
// value position resolves through the schema's ident bijection).
func literalForType(n edn.Node, vt core.ValueType, schema *core.Schema) (core.Value, error) {
	if vt == core.TypeRef {
		switch n.Kind {
		case edn.KindInt:
			return core.NewRef(n.Int), nil
		case edn.KindKeyword:
			k := core.NewKeyword(n.Namespace, n.Name)
			id, ok := schema.EntidForIdent(k)
			if !ok {
				return core.Value{}, newErr(KindInvalidArgument, "unresolvable ident %s in reference position", k)
			}
			return core.NewRef(id), nil
		default:
			return core.Value{}, newErr(KindTypeMismatch, "expected an entid or ident for a :db.type/ref value")
		}
	}
	switch vt {
	case core.TypeLong:
		if n.Kind != edn.KindInt {
			return core.Value{}, newErr(KindTypeMismatch, "expected an integer for a :db.type/long value")
		}
		return core.NewLong(n.Int), nil
	case core.TypeDouble:
		switch n.Kind {
		case edn.KindFloat:
			return core.NewDouble(n.Float), nil
		case edn.KindInt:
			return core.NewDouble(float64(n.Int)), nil
		default:
			return core.Value{}, newErr(KindTypeMismatch, "expected a float for a :db.type/double value")
		}
	case core.TypeBigInt:
		switch n.Kind {
		case edn.KindBigInt:
			return core.NewBigInt(n.BigInt), nil
		case edn.KindInt:
			return core.NewBigInt(big.NewInt(n.Int)), nil
		default:
			return core.Value{}, newErr(KindTypeMismatch, "expected a big integer for a :db.type/bigint value")
		}
	case core.TypeBoolean:
		if n.Kind != edn.KindBool {
			return core.Value{}, newErr(KindTypeMismatch, "expected a boolean for a :db.type/boolean value")
		}
		return core.NewBoolean(n.Bool), nil
	case core.TypeString:
		if n.Kind != edn.KindString {
			return core.Value{}, newErr(KindTypeMismatch, "expected a string for a :db.type/string value")
		}
		return core.NewString(n.Str), nil
	case core.TypeKeyword:
		if n.Kind != edn.KindKeyword {
			return core.Value{}, newErr(KindTypeMismatch, "expected a keyword for a :db.type/keyword value")
		}
		return core.NewKeywordValue(core.NewKeyword(n.Namespace, n.Name)), nil
	case core.TypeInstant:
		if n.Kind != edn.KindInstant {
			return core.Value{}, newErr(KindTypeMismatch, "expected an instant for a :db.type/instant value")
		}
		return core.NewInstant(n.Instant), nil
	case core.TypeUUID:
		if n.Kind != edn.KindUUID {
			return core.Value{}, newErr(KindTypeMismatch, "expected a uuid for a :db.type/uuid value")
		}
		return core.NewUUID(n.UUID), nil
	default:
		return core.Value{}, newErr(KindTypeMismatch, "unsupported literal value type in query pattern")
	}
}

// algebrizePredicate parses a [(fn arg...)] predicate clause, rejecting any
// variable argument the preceding patterns haven't bound yet.
func algebrizePredicate(n edn.Node, known map[string]bool) (*PredicateNode, error) {
	call := n.Items[0]
	if len(call.Items) == 0 || call.Items[0].Kind != edn.KindSymbol {
		return nil, newErr(KindInvalidArgument, "predicate call must begin with a function symbol")
	}
	fn := call.Items[0].Name
	if _, ok := functionRegistry[fn]; !ok {
		return nil, newFnErr(KindUnknownFunction, fn, "no such query function")
	}
	args := make([]ValTerm, 0, len(call.Items)-1)
	for _, a := range call.Items[1:] {
		switch a.Kind {
		case edn.KindSymbol:
			if a.Name == "_" {
				return nil, newErr(KindInvalidArgument, "predicate arguments cannot be blank")
			}
			if !known[a.Name] {
				return nil, newVarErr(KindUnboundVariable, a.Name, "referenced by predicate %s before any pattern binds it", fn)
			}
			args = append(args, ValTerm{Var: a.Name})
		default:
			v, err := literalFromNode(a)
			if err != nil {
				return nil, newErr(KindInvalidArgument, "%v", err)
			}
			args = append(args, ValTerm{Lit: v, HasLit: true})
		}
	}
	return &PredicateNode{Fn: fn, Args: args}, nil
}

// literalFromNode converts an edn.Node literal to its natural Value type,
// used for predicate arguments where no attribute supplies a declared type
// to coerce against.
func literalFromNode(n edn.Node) (core.Value, error) {
	switch n.Kind {
	case edn.KindInt:
		return core.NewLong(n.Int), nil
	case edn.KindFloat:
		return core.NewDouble(n.Float), nil
	case edn.KindBigInt:
		return core.NewBigInt(n.BigInt), nil
	case edn.KindBool:
		return core.NewBoolean(n.Bool), nil
	case edn.KindString:
		return core.NewString(n.Str), nil
	case edn.KindKeyword:
		return core.NewKeywordValue(core.NewKeyword(n.Namespace, n.Name)), nil
	case edn.KindInstant:
		return core.NewInstant(n.Instant), nil
	case edn.KindUUID:
		return core.NewUUID(n.UUID), nil
	default:
		return core.Value{}, newErr(KindInvalidArgument, "unsupported literal in predicate argument position")
	}
}
