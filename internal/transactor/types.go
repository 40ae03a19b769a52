package transactor

import (
	"atomdb/internal/core"
	"atomdb/internal/edn/form"
)

// pendingTerm is a classified entity-form term whose entity and/or value
// position may still be an unresolved tempid or lookup-ref. Lookup-ref
// resolution and upsert binding mutate the E and VRef fields in place until
// a fixed point is reached.
type pendingTerm struct {
	Op   form.TermOp
	E    form.Ref
	A    core.Entid
	Attr *core.Attribute

	// VIsRef is true when Attr.ValueType is TypeRef and the value position
	// denotes a reference (entid, tempid, or lookup-ref) still needing
	// resolution. VLit holds the coerced literal for a non-ref attribute, or,
	// for a ref attribute whose value was an ident keyword, the ref classify
	// resolved it to.
	VIsRef bool
	VRef   form.Ref
	VLit   core.Value

	Span    [2]int
	HasSpan bool

	// Dropped marks a retraction whose lookup-ref target does not exist,
	// a silent no-op rather than an error.
	Dropped bool
}

// candidate is a pendingTerm whose E and V positions have both been
// resolved to concrete values: the shape validate.go and write.go operate
// on.
type candidate struct {
	Op      form.TermOp
	E       core.Entid
	A       core.Entid
	Attr    *core.Attribute
	V       core.Value
	Span    [2]int
	HasSpan bool
}

// Report summarizes a committed transaction: the tx entid, every datom
// written (including auto-retractions and cascades), and the concrete
// entid each input tempid resolved to.
type Report struct {
	TxID    core.Entid
	Datoms  []core.Datom
	TempIDs map[string]core.Entid
}
