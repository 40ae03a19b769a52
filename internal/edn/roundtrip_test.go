package edn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// structurallyEqual compares nodes ignoring Start/End spans, since the
// round-trip invariant only promises structural equality modulo span.
func structurallyEqual(a, b Node) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindNil:
		return true
	case KindBool:
		return a.Bool == b.Bool
	case KindInt:
		return a.Int == b.Int
	case KindBigInt:
		return a.BigInt.Cmp(b.BigInt) == 0
	case KindFloat:
		return a.Float == b.Float
	case KindString:
		return a.Str == b.Str
	case KindInstant:
		return a.Instant.Equal(b.Instant)
	case KindUUID:
		return a.UUID == b.UUID
	case KindSymbol, KindKeyword:
		return a.Namespace == b.Namespace && a.Name == b.Name && a.Reversed == b.Reversed
	case KindList, KindVector, KindSet:
		if len(a.Items) != len(b.Items) {
			return false
		}
		for i := range a.Items {
			if !structurallyEqual(a.Items[i], b.Items[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(a.Pairs) != len(b.Pairs) {
			return false
		}
		for i := range a.Pairs {
			if !structurallyEqual(a.Pairs[i].Key, b.Pairs[i].Key) || !structurallyEqual(a.Pairs[i].Value, b.Pairs[i].Value) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// For every value producible by the pretty printer, parsing the printed
// form yields a structurally equal value (modulo span).
func TestRoundTripStringThenReparse(t *testing.T) {
	sources := []string{
		"nil",
		"true",
		"false",
		"42",
		"-17",
		"3.5",
		"123456789123456789123N",
		`"hello world"`,
		":person/name",
		":person/_parent",
		"foo/bar",
		`[1 2 3 "four" :five]`,
		"#{1 2 3}",
		`{:db/ident :person/name :db/valueType :db.type/string}`,
		`#inst "2020-01-01T00:00:00Z"`,
		`#uuid "550e8400-e29b-41d4-a716-446655440000"`,
		`(:db/add 1 :person/name "Alice")`,
	}
	for _, src := range sources {
		n, err := NewReader(src).ReadOne()
		require.NoError(t, err, src)

		printed := n.String()
		n2, err := NewReader(printed).ReadOne()
		require.NoError(t, err, "reparsing %q", printed)

		assert.True(t, structurallyEqual(n, n2), "round trip mismatch for %q: %s vs %s", src, n.String(), n2.String())
	}
}
