package query

import (
	"context"
	"math/big"
	"sort"
	"strconv"

	"atomdb/internal/core"
	"atomdb/internal/edn/form"
	sqlb "atomdb/internal/sql"
	"atomdb/internal/storage"
)

// Result is the shaped output of one query execution. Cells are core.Value for
// variables and aggregates, or a PullMap for (pull ...) elements.
type Result struct {
	Kind form.FindKind

	// Scalar is set for FindScalar (Found reports whether any row matched).
	Scalar any
	Found  bool

	// Tuple is set for FindTuple: the first matching row, fixed width.
	Tuple []any

	// Coll is set for FindCollection: a single column.
	Coll []any

	// Rows is set for FindRelation.
	Rows [][]any
}

// binding is one partial solution: variable name -> bound value. Entity,
// attribute, and tx positions bind as TypeRef values.
type binding map[string]core.Value

func (b binding) clone() binding {
	out := make(binding, len(b)+1)
	for k, v := range b {
		out[k] = v
	}
	return out
}

// Project executes plan against db, seeds the :in variables from in, and
// shapes the rows per the plan's find-spec. Pull elements trigger the
// second fetch pass after the relational part has produced its entity ids.
func Project(ctx context.Context, db *storage.DB, schema *core.Schema, plan *Plan, in map[string]core.Value) (*Result, error) {
	seed := binding{}
	for _, v := range plan.InVars {
		if v == "$" {
			continue
		}
		val, ok := in[v]
		if !ok {
			return nil, newVarErr(KindUnboundVariable, v, "declared in :in but no input value was supplied")
		}
		seed[v] = val
	}
	for v := range in {
		if _, declared := seed[v]; !declared {
			return nil, newVarErr(KindInvalidArgument, v, "input value supplied for a variable not declared in :in")
		}
	}

	rows, err := solve(ctx, db, plan.Clauses, []binding{seed})
	if err != nil {
		return nil, err
	}

	return shape(ctx, db, schema, plan, rows)
}

// solve evaluates a conjunction of clauses over the current binding set,
// clause by clause in plan order.
func solve(ctx context.Context, db *storage.DB, clauses []Clause, rows []binding) ([]binding, error) {
	var err error
	for _, c := range clauses {
		switch c.Kind {
		case NodePattern:
			rows, err = joinPattern(ctx, db, c.Pattern, rows)
		case NodePredicate:
			rows, err = filterPredicate(c.Predicate, rows)
		case NodeNot:
			rows, err = filterNot(ctx, db, c.Not, rows)
		case NodeOr:
			rows, err = filterOr(ctx, db, c.Or, rows)
		}
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return rows, nil
		}
	}
	return rows, nil
}

// patternFragment renders one pattern node's SELECT over the datoms table,
// constrained by whichever positions are literal. It implements
// sql.QueryFragment so the pattern lowers through the shared Builder and
// inherits its bind dedup and deterministic ordering.
type patternFragment struct {
	p *PatternNode
}

func (f patternFragment) PushSQL(b *sqlb.Builder) error {
	b.WriteSQL("SELECT d.e, d.a, d.v, d.value_type_tag, d.tx FROM datoms d WHERE ")
	if f.p.E.HasLit {
		b.WriteSQL("d.e = ").BindValue(core.NewRef(f.p.E.Lit)).WriteSQL(" AND ")
	}
	if f.p.A.HasLit {
		b.WriteSQL("d.a = ").BindValue(core.NewRef(f.p.A.Lit)).WriteSQL(" AND ")
	}
	if f.p.V.HasLit {
		_, tag, err := storage.EncodeValue(f.p.V.Lit)
		if err != nil {
			return err
		}
		b.WriteSQL("d.v = ").BindValue(f.p.V.Lit)
		b.WriteSQL(" AND d.value_type_tag = ").BindValue(core.NewLong(tag)).WriteSQL(" AND ")
	}
	if f.p.HasTx && f.p.Tx.HasLit {
		b.WriteSQL("d.tx = ").BindValue(core.NewRef(f.p.Tx.Lit)).WriteSQL(" AND ")
	}
	b.WriteSQL(storage.LiveFilter)
	b.WriteSQL(" ORDER BY d.e, d.a, d.tx")
	return b.Err()
}

// joinPattern fetches the datoms matching a pattern's literal constraints
// in one SQL round trip, then hash-joins them in memory against the
// current binding set on the pattern's shared variables.
func joinPattern(ctx context.Context, db *storage.DB, p *PatternNode, rows []binding) ([]binding, error) {
	b := sqlb.NewBuilder()
	text, named, err := b.Push(patternFragment{p}).Finish()
	if err != nil {
		return nil, err
	}
	args := make([]any, len(named))
	for i, na := range named {
		args[i] = na
	}
	sqlRows, err := db.Query(ctx, text, args...)
	if err != nil {
		return nil, err
	}
	defer sqlRows.Close()

	type datomRow struct {
		e, a, tx core.Entid
		v        core.Value
	}
	var datoms []datomRow
	for sqlRows.Next() {
		var e, a, tx, tag int64
		var scalar any
		if err := sqlRows.Scan(&e, &a, &scalar, &tag, &tx); err != nil {
			return nil, newErr(KindResultError, "scan pattern row: %v", err)
		}
		v, err := storage.DecodeValue(scalar, tag)
		if err != nil {
			return nil, newErr(KindResultError, "%v", err)
		}
		datoms = append(datoms, datomRow{e: e, a: a, tx: tx, v: v})
	}
	if err := sqlRows.Err(); err != nil {
		return nil, newErr(KindResultError, "%v", err)
	}

	var out []binding
	for _, row := range rows {
		for _, d := range datoms {
			ext := row.clone()
			if !bindEnt(ext, p.E, d.e) {
				continue
			}
			if !bindEnt(ext, p.A, d.a) {
				continue
			}
			if !bindVal(ext, p.V, d.v) {
				continue
			}
			if p.HasTx && !bindEnt(ext, p.Tx, d.tx) {
				continue
			}
			out = append(out, ext)
		}
	}
	return out, nil
}

// bindEnt unifies an entity-position term with a concrete entid against
// ext, extending ext when the term is an unbound variable.
func bindEnt(ext binding, t EntTerm, id core.Entid) bool {
	if t.Blank {
		return true
	}
	if t.HasLit {
		return t.Lit == id
	}
	if prior, ok := ext[t.Var]; ok {
		ref, isRef := prior.AsRef()
		return isRef && ref == id
	}
	ext[t.Var] = core.NewRef(id)
	return true
}

func bindVal(ext binding, t ValTerm, v core.Value) bool {
	if t.Blank {
		return true
	}
	if t.HasLit {
		return t.Lit.Equal(v)
	}
	if prior, ok := ext[t.Var]; ok {
		return prior.Equal(v)
	}
	ext[t.Var] = v
	return true
}

func filterPredicate(p *PredicateNode, rows []binding) ([]binding, error) {
	fn := functionRegistry[p.Fn]
	out := rows[:0]
	for _, row := range rows {
		args := make([]core.Value, len(p.Args))
		for i, a := range p.Args {
			if a.HasLit {
				args[i] = a.Lit
				continue
			}
			v, ok := row[a.Var]
			if !ok {
				return nil, newVarErr(KindUnboundVariable, a.Var, "unbound at predicate %s evaluation", p.Fn)
			}
			args[i] = v
		}
		keep, err := fn(args)
		if err != nil {
			return nil, err
		}
		if keep {
			out = append(out, row)
		}
	}
	return out, nil
}

// filterNot keeps each row iff the negated conjunction has no solution
// extending it (unify-vars negation: the sub-plan is seeded
// with the row's bindings, so shared variables unify implicitly).
func filterNot(ctx context.Context, db *storage.DB, n *NotNode, rows []binding) ([]binding, error) {
	out := rows[:0]
	for _, row := range rows {
		sub, err := solve(ctx, db, n.Clauses, []binding{row.clone()})
		if err != nil {
			return nil, err
		}
		if len(sub) == 0 {
			out = append(out, row)
		}
	}
	return out, nil
}

// filterOr keeps each row iff at least one branch has a solution extending
// it. Branch-local variables are not exposed outward; the row passes
// through unchanged.
func filterOr(ctx context.Context, db *storage.DB, o *OrNode, rows []binding) ([]binding, error) {
	out := rows[:0]
	for _, row := range rows {
		for _, branch := range o.Branches {
			sub, err := solve(ctx, db, branch, []binding{row.clone()})
			if err != nil {
				return nil, err
			}
			if len(sub) > 0 {
				out = append(out, row)
				break
			}
		}
	}
	return out, nil
}

// shape orders, limits, aggregates, and projects the solved bindings into
// the find-spec's result shape, running the pull second pass where a find
// element asks for it.
func shape(ctx context.Context, db *storage.DB, schema *core.Schema, plan *Plan, rows []binding) (*Result, error) {
	if len(plan.Order) > 0 {
		terms := plan.Order
		sort.SliceStable(rows, func(i, j int) bool {
			for _, t := range terms {
				a, aok := rows[i][t.Var]
				b, bok := rows[j][t.Var]
				if !aok || !bok {
					continue
				}
				c := a.Compare(b)
				if c == 0 {
					continue
				}
				if t.Desc {
					return c > 0
				}
				return c < 0
			}
			return false
		})
	}

	// Tuples are deduplicated over the find vars plus :with vars, so :with
	// preserves the multiplicity aggregates need without leaking into the
	// projected result.
	keyVars := append(append([]string{}, plan.Find.Vars...), plan.WithVars...)
	tuples := dedupe(rows, keyVars)

	if plan.Find.HasAggregates() {
		var err error
		tuples, err = aggregate(plan.Find.Elems, tuples)
		if err != nil {
			return nil, err
		}
	} else if len(plan.WithVars) > 0 {
		tuples = dedupe(tuples, plan.Find.Vars)
	}

	if plan.HasLimit && int64(len(tuples)) > plan.Limit {
		tuples = tuples[:plan.Limit]
	}

	project := func(row binding) ([]any, error) {
		out := make([]any, len(plan.Find.Elems))
		for i, elem := range plan.Find.Elems {
			key := elem.Var
			if elem.Agg != "" && elem.Agg != "pull" {
				// Aggregates land under a per-element key so two aggregates
				// over the same variable never collide.
				key = aggKey(i)
			}
			v, ok := row[key]
			if !ok {
				return nil, newVarErr(KindUnboundVariable, elem.Var, "find variable never bound by any clause")
			}
			if elem.Agg == "pull" {
				ref, isRef := v.AsRef()
				if !isRef {
					return nil, newVarErr(KindTypeMismatch, elem.Var, "(pull ...) requires an entity-valued variable")
				}
				pm, err := pullEntity(ctx, db, schema, ref, elem.PullAttrs, elem.PullWild)
				if err != nil {
					return nil, err
				}
				out[i] = pm
				continue
			}
			out[i] = v
		}
		return out, nil
	}

	res := &Result{Kind: plan.Find.Kind}
	switch plan.Find.Kind {
	case form.FindScalar:
		if len(tuples) == 0 {
			return res, nil
		}
		cells, err := project(tuples[0])
		if err != nil {
			return nil, err
		}
		res.Scalar = cells[0]
		res.Found = true
	case form.FindTuple:
		if len(tuples) == 0 {
			return res, nil
		}
		cells, err := project(tuples[0])
		if err != nil {
			return nil, err
		}
		res.Tuple = cells
		res.Found = true
	case form.FindCollection:
		for _, t := range tuples {
			cells, err := project(t)
			if err != nil {
				return nil, err
			}
			res.Coll = append(res.Coll, cells[0])
		}
	default:
		for _, t := range tuples {
			cells, err := project(t)
			if err != nil {
				return nil, err
			}
			res.Rows = append(res.Rows, cells)
		}
	}
	return res, nil
}

// dedupe collapses rows equal on vars, preserving first-seen order.
func dedupe(rows []binding, vars []string) []binding {
	seen := map[uint64][]binding{}
	out := make([]binding, 0, len(rows))
rowLoop:
	for _, row := range rows {
		var h uint64 = 1469598103934665603
		for _, v := range vars {
			if val, ok := row[v]; ok {
				h = h*1099511628211 ^ val.Hash()
			}
		}
		for _, prior := range seen[h] {
			if sameOn(prior, row, vars) {
				continue rowLoop
			}
		}
		seen[h] = append(seen[h], row)
		out = append(out, row)
	}
	return out
}

func sameOn(a, b binding, vars []string) bool {
	for _, v := range vars {
		av, aok := a[v]
		bv, bok := b[v]
		if aok != bok {
			return false
		}
		if aok && !av.Equal(bv) {
			return false
		}
	}
	return true
}

// aggregate groups tuples by the plain (non-aggregate) find variables and
// folds each aggregate element over its group.
func aggregate(elems []form.FindElem, tuples []binding) ([]binding, error) {
	groupVars := make([]string, 0, len(elems))
	for _, e := range elems {
		if e.Agg == "" || e.Agg == "pull" {
			groupVars = append(groupVars, e.Var)
		}
	}

	type group struct {
		rep     binding
		members []binding
	}
	var groups []*group
	for _, t := range tuples {
		var g *group
		for _, cand := range groups {
			if sameOn(cand.rep, t, groupVars) {
				g = cand
				break
			}
		}
		if g == nil {
			g = &group{rep: t.clone()}
			groups = append(groups, g)
		}
		g.members = append(g.members, t)
	}

	out := make([]binding, 0, len(groups))
	for _, g := range groups {
		row := g.rep
		for i, e := range elems {
			if e.Agg == "" || e.Agg == "pull" {
				continue
			}
			var vals []core.Value
			for _, m := range g.members {
				if v, ok := m[e.Var]; ok {
					vals = append(vals, v)
				}
			}
			folded, err := foldAggregate(e.Agg, vals)
			if err != nil {
				return nil, err
			}
			row[aggKey(i)] = folded
		}
		out = append(out, row)
	}
	return out, nil
}

// aggKey is the synthetic binding key aggregate results land under; the
// NUL prefix keeps it out of any parseable variable's namespace.
func aggKey(i int) string {
	return "\x00agg" + strconv.Itoa(i)
}

func foldAggregate(agg string, vals []core.Value) (core.Value, error) {
	switch agg {
	case "count":
		return core.NewLong(int64(len(vals))), nil
	case "min", "max":
		if len(vals) == 0 {
			return core.Value{}, newErr(KindResultError, "%s over an empty group", agg)
		}
		best := vals[0]
		for _, v := range vals[1:] {
			c, err := compareValues(v, best)
			if err != nil {
				return core.Value{}, err
			}
			if (agg == "min" && c < 0) || (agg == "max" && c > 0) {
				best = v
			}
		}
		return best, nil
	case "sum", "avg":
		sum := new(big.Float)
		allLong := true
		for _, v := range vals {
			n, ok := asNumeric(v)
			if !ok {
				return core.Value{}, newErr(KindTypeMismatch, "%s over non-numeric value %s", agg, v.Tag())
			}
			if v.Tag() != core.TypeLong {
				allLong = false
			}
			sum.Add(sum, n)
		}
		if agg == "avg" {
			if len(vals) == 0 {
				return core.Value{}, newErr(KindResultError, "avg over an empty group")
			}
			sum.Quo(sum, new(big.Float).SetInt64(int64(len(vals))))
			f, _ := sum.Float64()
			return core.NewDouble(f), nil
		}
		if allLong {
			n, _ := sum.Int64()
			return core.NewLong(n), nil
		}
		f, _ := sum.Float64()
		return core.NewDouble(f), nil
	default:
		return core.Value{}, newFnErr(KindUnknownFunction, agg, "no such aggregate")
	}
}
