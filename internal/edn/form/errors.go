// Package form layers the entity-form and query-form grammars on top of
// the generic edn.Node tree. Like the reader underneath it, a form parse
// never returns a partial result: a *FormError always comes back alongside
// a zero value.
package form

import "fmt"

// FormError reports a structural problem in an entity or query form, distinct
// from a syntax error in the underlying EDN text (those are *edn.ParseError).
type FormError struct {
	Start, End int
	Message    string
}

func (e *FormError) Error() string {
	return fmt.Sprintf("form error at byte %d: %s", e.Start, e.Message)
}

func errf(n interface{ Span() (int, int) }, format string, args ...any) *FormError {
	start, end := n.Span()
	return &FormError{Start: start, End: end, Message: fmt.Sprintf(format, args...)}
}
