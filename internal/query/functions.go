package query

import (
	"math/big"

	"atomdb/internal/core"
)

// PredicateFn evaluates a registered query function over fully-bound
// argument values. A false return filters the binding out.
type PredicateFn func(args []core.Value) (bool, error)

// functionRegistry holds every query function the algebrizer accepts
// (a query function unknown in the registry is a failure).
var functionRegistry = map[string]PredicateFn{
	"=":    func(args []core.Value) (bool, error) { return compareAll(args, func(c int) bool { return c == 0 }) },
	"!=":   func(args []core.Value) (bool, error) { return compareAll(args, func(c int) bool { return c != 0 }) },
	"<":    func(args []core.Value) (bool, error) { return compareAll(args, func(c int) bool { return c < 0 }) },
	"<=":   func(args []core.Value) (bool, error) { return compareAll(args, func(c int) bool { return c <= 0 }) },
	">":    func(args []core.Value) (bool, error) { return compareAll(args, func(c int) bool { return c > 0 }) },
	">=":   func(args []core.Value) (bool, error) { return compareAll(args, func(c int) bool { return c >= 0 }) },
	"not=": func(args []core.Value) (bool, error) { return compareAll(args, func(c int) bool { return c != 0 }) },
}

// compareAll applies ok to the comparison of each adjacent argument pair,
// so (< ?a ?b ?c) means a < b and b < c.
func compareAll(args []core.Value, ok func(int) bool) (bool, error) {
	if len(args) < 2 {
		return false, newErr(KindInvalidArgument, "comparison needs at least two arguments, got %d", len(args))
	}
	for i := 0; i+1 < len(args); i++ {
		c, err := compareValues(args[i], args[i+1])
		if err != nil {
			return false, err
		}
		if !ok(c) {
			return false, nil
		}
	}
	return true, nil
}

// compareValues orders two values, promoting across the numeric types
// (long, double, bigint) so a long-typed attribute value can be compared
// against a literal written without a decimal point. Non-numeric values
// must share a type tag.
func compareValues(a, b core.Value) (int, error) {
	if a.Tag() == b.Tag() {
		return a.Compare(b), nil
	}
	an, aok := asNumeric(a)
	bn, bok := asNumeric(b)
	if aok && bok {
		return an.Cmp(bn), nil
	}
	return 0, newErr(KindTypeMismatch, "cannot compare %s against %s", a.Tag(), b.Tag())
}

// asNumeric widens a numeric value to a big.Float for cross-type
// comparison. Doubles that are NaN widen to nothing (comparison fails), in
// keeping with core.CompareFloat's total order applying only within the
// double type itself.
func asNumeric(v core.Value) (*big.Float, bool) {
	switch v.Tag() {
	case core.TypeLong:
		n, _ := v.AsLong()
		return new(big.Float).SetInt64(n), true
	case core.TypeDouble:
		f, _ := v.AsDouble()
		if f != f {
			return nil, false
		}
		return big.NewFloat(f), true
	case core.TypeBigInt:
		n, _ := v.AsBigInt()
		return new(big.Float).SetInt(n), true
	default:
		return nil, false
	}
}
