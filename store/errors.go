package store

import (
	"errors"
	"fmt"

	"atomdb/internal/core"
	"atomdb/internal/edn"
	"atomdb/internal/edn/form"
	"atomdb/internal/query"
	"atomdb/internal/transactor"
)

// Error is the single aggregated error type the store exposes at its
// boundary. Interior subsystems keep their own kinds; Error
// wraps them with the operation that failed and a subsystem label derived
// from the wrapped type, so callers can diagnose without knowing the
// interior taxonomy.
type Error struct {
	Op   string
	Kind string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// wrapErr labels err with the subsystem its concrete type belongs to.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	kind := "sql"
	var (
		parseErr  *edn.ParseError
		formErr   *form.FormError
		txErr     *transactor.Error
		queryErr  *query.Error
		schemaErr *core.SchemaError
		partErr   *core.PartitionError
	)
	switch {
	case errors.As(err, &parseErr):
		kind = "parse"
	case errors.As(err, &formErr):
		kind = "form"
	case errors.As(err, &txErr):
		kind = "transact"
	case errors.As(err, &queryErr):
		kind = "query"
	case errors.As(err, &schemaErr):
		kind = "schema"
	case errors.As(err, &partErr):
		kind = "partition"
	}
	return &Error{Op: op, Kind: kind, Err: err}
}
