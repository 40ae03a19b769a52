// Package transactor implements the transaction pipeline: a fixed-order
// sequence that normalizes, classifies, resolves tempids and lookup-refs,
// runs upsert resolution to a fixed point, validates, and commits one
// atomic transaction. Validation runs to completion before any row is
// written.
package transactor

import (
	"fmt"

	"atomdb/internal/core"
)

// Kind distinguishes the taxonomy of transactor failures.
type Kind uint8

const (
	KindUnknownAttribute Kind = iota
	KindBadTypeCoercion
	KindCardinalityConflict
	KindUniquenessConflict
	KindUpsertConflict
	KindMissingLookupRef
	KindSchemaAlterationConflict
	KindUnresolvedTempid
	KindReservedIdent
)

func (k Kind) String() string {
	switch k {
	case KindUnknownAttribute:
		return "UnknownAttribute"
	case KindBadTypeCoercion:
		return "BadTypeCoercion"
	case KindCardinalityConflict:
		return "CardinalityConflict"
	case KindUniquenessConflict:
		return "UniquenessConflict"
	case KindUpsertConflict:
		return "UpsertConflict"
	case KindMissingLookupRef:
		return "MissingLookupRef"
	case KindSchemaAlterationConflict:
		return "SchemaAlterationConflict"
	case KindUnresolvedTempid:
		return "UnresolvedTempid"
	case KindReservedIdent:
		return "ReservedIdent"
	default:
		return "Unknown"
	}
}

// Error reports a rejected transaction, carrying the offending term's span
// when one is available.
type Error struct {
	Kind    Kind
	Span    [2]int
	HasSpan bool
	Attr    core.Keyword
	Message string
}

func (e *Error) Error() string {
	if e.HasSpan {
		return fmt.Sprintf("%s at byte %d: %s", e.Kind, e.Span[0], e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func newErr(kind Kind, span [2]int, hasSpan bool, attr core.Keyword, format string, args ...any) *Error {
	return &Error{Kind: kind, Span: span, HasSpan: hasSpan, Attr: attr, Message: fmt.Sprintf(format, args...)}
}
