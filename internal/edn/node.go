// Package edn implements the symbolic reader: a recursive-descent parser
// turning the textual EDN-like notation into a spanned value tree. It
// never partially constructs a tree on error; a failed read returns a
// zero Node and a *ParseError.
//
// This package only produces the generic node tree; the entity-form and
// query-form grammars layered on top of it live in internal/edn/form.
package edn

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind tags the closed set of node shapes the reader produces.
type Kind uint8

const (
	KindNil Kind = iota
	KindBool
	KindInt
	KindBigInt
	KindFloat
	KindString
	KindInstant
	KindUUID
	KindSymbol
	KindKeyword
	KindList
	KindVector
	KindSet
	KindMap
)

// MapEntry is one key/value pair of a KindMap node.
type MapEntry struct {
	Key   Node
	Value Node
}

// Node is a single parsed value, carrying the byte-offset span [Start, End)
// of the text it was read from. Every node carries a span so downstream
// errors can quote it.
type Node struct {
	Kind  Kind
	Start int
	End   int

	Bool    bool
	Int     int64
	BigInt  *big.Int
	Float   float64
	Str     string
	Instant time.Time
	UUID    uuid.UUID

	// Namespace/Name apply to KindSymbol and KindKeyword.
	Namespace string
	Name      string
	// Reversed is set when a keyword's name segment carried the "_" prefix
	// denoting the reversed direction of a reference attribute.
	Reversed bool

	Items []Node     // KindList, KindVector, KindSet
	Pairs []MapEntry // KindMap
}

// Span returns the node's [Start, End) byte range.
func (n Node) Span() (int, int) { return n.Start, n.End }

// KeywordString renders a keyword node the way Value.Text renders a keyword
// Value, honoring the reversed-name prefix.
func (n Node) KeywordString() string {
	name := n.Name
	if n.Reversed {
		name = "_" + name
	}
	if n.Namespace == "" {
		return ":" + name
	}
	return ":" + n.Namespace + "/" + name
}

func (n Node) String() string {
	switch n.Kind {
	case KindNil:
		return "nil"
	case KindBool:
		if n.Bool {
			return "true"
		}
		return "false"
	case KindInt:
		return fmt.Sprintf("%d", n.Int)
	case KindBigInt:
		return n.BigInt.String() + "N"
	case KindFloat:
		s := fmt.Sprintf("%g", n.Float)
		if !strings.ContainsAny(s, ".eIN") {
			// Keep an integral float from reading back as an integer.
			s += ".0"
		}
		return s
	case KindString:
		// Only the escapes the reader understands.
		esc := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\t", `\t`, "\r", `\r`)
		return `"` + esc.Replace(n.Str) + `"`
	case KindInstant:
		return `#inst "` + n.Instant.Format(time.RFC3339Nano) + `"`
	case KindUUID:
		return `#uuid "` + n.UUID.String() + `"`
	case KindSymbol:
		if n.Namespace == "" {
			return n.Name
		}
		return n.Namespace + "/" + n.Name
	case KindKeyword:
		return n.KeywordString()
	case KindList:
		return wrap("(", n.Items, ")")
	case KindVector:
		return wrap("[", n.Items, "]")
	case KindSet:
		return wrap("#{", n.Items, "}")
	case KindMap:
		var parts []string
		for _, p := range n.Pairs {
			parts = append(parts, p.Key.String()+" "+p.Value.String())
		}
		return "{" + strings.Join(parts, ", ") + "}"
	default:
		return "?"
	}
}

func wrap(open string, items []Node, close string) string {
	parts := make([]string, len(items))
	for i, it := range items {
		parts[i] = it.String()
	}
	return open + strings.Join(parts, " ") + close
}
