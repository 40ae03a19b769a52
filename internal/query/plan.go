// Package query implements the Algebrizer and Projector. The Algebrizer
// lowers a parsed query form into a typed Plan via a multi-pass structural
// walk over the input, each pass closing over state (known variables, type
// annotations) accumulated by earlier ones. The Projector then lowers the
// Plan through internal/sql.Builder one pattern at a time and joins the
// per-pattern rows in memory.
package query

import (
	"atomdb/internal/core"
	"atomdb/internal/edn/form"
)

// EntTerm is one entity/attribute/tx position of a pattern: a variable, the
// blank placeholder "_", or a literal entid.
type EntTerm struct {
	Var    string
	Blank  bool
	Lit    core.Entid
	HasLit bool
}

// ValTerm is a pattern's value position, or a predicate argument: a
// variable, the blank placeholder, or a literal typed Value.
type ValTerm struct {
	Var    string
	Blank  bool
	Lit    core.Value
	HasLit bool
}

// IsVar reports whether the position is an output/input variable (as
// opposed to blank or a literal).
func (t EntTerm) IsVar() bool { return t.Var != "" }
func (t ValTerm) IsVar() bool { return t.Var != "" }

// PatternNode joins against the datoms table, filtered by whichever
// positions are literal or already bound.
type PatternNode struct {
	E    EntTerm
	A    EntTerm
	V    ValTerm
	Tx   EntTerm
	HasTx bool
}

// PredicateNode calls a registered query function over already-bound
// variables, e.g. (> ?a 30).
type PredicateNode struct {
	Fn   string
	Args []ValTerm
}

// ClauseKind tags which of Pattern/Predicate/Not/Or a Clause holds.
type ClauseKind uint8

const (
	NodePattern ClauseKind = iota
	NodePredicate
	NodeNot
	NodeOr
)

// Clause is one element of a conjunction (the top-level :where list, or the
// body of a (not ...) clause). Exactly one of Pattern/Predicate/Not/Or is
// set, selected by Kind.
type Clause struct {
	Kind      ClauseKind
	Pattern   *PatternNode
	Predicate *PredicateNode
	Not       *NotNode
	Or        *OrNode
}

// NotNode succeeds for a binding iff its conjunction of sub-clauses has no
// solution extending that binding ("implicit unify-vars"
// negation).
type NotNode struct {
	Clauses []Clause
}

// OrNode succeeds for a binding iff at least one branch (itself a
// conjunction of clauses) has a solution extending it; the branch's own new
// variables are not exposed outward.
type OrNode struct {
	Branches [][]Clause
}

// Plan is the Algebrizer's output: a parsed query's find-spec, its
// clauses in evaluation order, and the extra sections (:in/:with/:order/
// :limit) the Projector consumes unchanged.
type Plan struct {
	Find     form.FindSpec
	InVars   []string
	WithVars []string
	Order    []form.OrderTerm
	Limit    int64
	HasLimit bool

	Clauses []Clause
}
