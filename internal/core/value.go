// Package core holds the single source of truth for the datom log: the
// closed value universe, entity/attribute/schema metadata, partitions, and
// the datom type itself. Everything above this package (parser, transactor,
// query engine) reads and writes these types; nothing below it does.
package core

import (
	"fmt"
	"math"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ValueType tags the closed set of scalar value kinds a Value can hold.
type ValueType uint8

const (
	TypeRef ValueType = iota
	TypeKeyword
	TypeBoolean
	TypeLong
	TypeDouble
	TypeBigInt
	TypeInstant
	TypeUUID
	TypeString
	TypeBytes
)

// ValueTypeFromKeyword reverses ValueType.String's ":db.type/*" rendering,
// used by the transactor's schema-reflection step to turn a :db/valueType
// ref's resolved ident back into the enum it names.
func ValueTypeFromKeyword(k Keyword) (ValueType, bool) {
	if k.Namespace != "db.type" {
		return 0, false
	}
	switch k.Name {
	case "ref":
		return TypeRef, true
	case "keyword":
		return TypeKeyword, true
	case "boolean":
		return TypeBoolean, true
	case "long":
		return TypeLong, true
	case "double":
		return TypeDouble, true
	case "bigint":
		return TypeBigInt, true
	case "instant":
		return TypeInstant, true
	case "uuid":
		return TypeUUID, true
	case "string":
		return TypeString, true
	case "bytes":
		return TypeBytes, true
	default:
		return 0, false
	}
}

func (t ValueType) String() string {
	switch t {
	case TypeRef:
		return "db.type/ref"
	case TypeKeyword:
		return "db.type/keyword"
	case TypeBoolean:
		return "db.type/boolean"
	case TypeLong:
		return "db.type/long"
	case TypeDouble:
		return "db.type/double"
	case TypeBigInt:
		return "db.type/bigint"
	case TypeInstant:
		return "db.type/instant"
	case TypeUUID:
		return "db.type/uuid"
	case TypeString:
		return "db.type/string"
	case TypeBytes:
		return "db.type/bytes"
	default:
		return "db.type/unknown"
	}
}

// Keyword is a namespaced symbol, e.g. :person/name or :db/ident.
type Keyword struct {
	Namespace string
	Name      string
}

func NewKeyword(namespace, name string) Keyword {
	return Keyword{Namespace: namespace, Name: name}
}

func (k Keyword) String() string {
	if k.Namespace == "" {
		return ":" + k.Name
	}
	return ":" + k.Namespace + "/" + k.Name
}

func (k Keyword) Less(other Keyword) bool {
	if k.Namespace != other.Namespace {
		return k.Namespace < other.Namespace
	}
	return k.Name < other.Name
}

// stringPool interns string payloads so repeated Values sharing text share
// storage, per the design note on shared immutable values.
var stringPool = struct {
	mu sync.Mutex
	m  map[string]*string
}{m: map[string]*string{}}

func intern(s string) *string {
	stringPool.mu.Lock()
	defer stringPool.mu.Unlock()
	if p, ok := stringPool.m[s]; ok {
		return p
	}
	p := new(string)
	*p = s
	stringPool.m[s] = p
	return p
}

// Value is a tagged variant over the closed universe of scalar atoms.
// Matching is always exhaustive on Tag; there is no dynamic dispatch.
type Value struct {
	tag   ValueType
	ref   int64
	kw    Keyword
	b     bool
	i     int64
	f     float64
	big   *big.Int
	t     time.Time
	u     uuid.UUID
	s     *string
	bytes []byte
}

func NewRef(e int64) Value               { return Value{tag: TypeRef, ref: e} }
func NewKeywordValue(k Keyword) Value     { return Value{tag: TypeKeyword, kw: k} }
func NewBoolean(b bool) Value             { return Value{tag: TypeBoolean, b: b} }
func NewLong(i int64) Value               { return Value{tag: TypeLong, i: i} }
func NewDouble(f float64) Value           { return Value{tag: TypeDouble, f: f} }
func NewBigInt(n *big.Int) Value          { return Value{tag: TypeBigInt, big: new(big.Int).Set(n)} }
func NewUUID(u uuid.UUID) Value           { return Value{tag: TypeUUID, u: u} }
func NewBytes(b []byte) Value {
	cp := make([]byte, len(b))
	copy(cp, b)
	return Value{tag: TypeBytes, bytes: cp}
}

// NewString interns s; repeated calls with equal text share the backing
// pointer.
func NewString(s string) Value {
	return Value{tag: TypeString, s: intern(s)}
}

// NewInstant truncates to microsecond precision and converts to UTC.
// Non-UTC zones are accepted and silently converted; the implementation
// does not reject or warn on the zone.
func NewInstant(t time.Time) Value {
	micros := t.UTC().UnixMicro()
	return Value{tag: TypeInstant, t: time.UnixMicro(micros).UTC()}
}

func (v Value) Tag() ValueType { return v.tag }

func (v Value) AsRef() (int64, bool)       { return v.ref, v.tag == TypeRef }
func (v Value) AsKeyword() (Keyword, bool) { return v.kw, v.tag == TypeKeyword }
func (v Value) AsBoolean() (bool, bool)    { return v.b, v.tag == TypeBoolean }
func (v Value) AsLong() (int64, bool)      { return v.i, v.tag == TypeLong }
func (v Value) AsDouble() (float64, bool)  { return v.f, v.tag == TypeDouble }
func (v Value) AsUUID() (uuid.UUID, bool)  { return v.u, v.tag == TypeUUID }
func (v Value) AsBigInt() (*big.Int, bool) {
	if v.tag != TypeBigInt {
		return nil, false
	}
	return v.big, true
}
func (v Value) AsInstant() (time.Time, bool) { return v.t, v.tag == TypeInstant }
func (v Value) AsString() (string, bool) {
	if v.tag != TypeString || v.s == nil {
		return "", v.tag == TypeString
	}
	return *v.s, true
}
func (v Value) AsBytes() ([]byte, bool) { return v.bytes, v.tag == TypeBytes }

// CompareFloat implements a total order over float64 where NaN compares
// equal to NaN and sorts after every other value, and +0 compares equal to
// -0. Consumers should be aware the ordering is total, not the IEEE-754
// partial order.
func CompareFloat(a, b float64) int {
	an, bn := math.IsNaN(a), math.IsNaN(b)
	switch {
	case an && bn:
		return 0
	case an:
		return 1
	case bn:
		return -1
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// hashFloat canonicalizes -0 to +0 and any NaN payload to a single bit
// pattern so structurally-equal floats under CompareFloat hash identically.
func hashFloat(f float64) uint64 {
	if math.IsNaN(f) {
		return math.Float64bits(math.NaN())
	}
	if f == 0 {
		f = 0
	}
	return math.Float64bits(f)
}

// Equal reports structural equality, honoring CompareFloat's NaN/zero rules.
func (v Value) Equal(other Value) bool {
	if v.tag != other.tag {
		return false
	}
	switch v.tag {
	case TypeRef:
		return v.ref == other.ref
	case TypeKeyword:
		return v.kw == other.kw
	case TypeBoolean:
		return v.b == other.b
	case TypeLong:
		return v.i == other.i
	case TypeDouble:
		return CompareFloat(v.f, other.f) == 0
	case TypeBigInt:
		return v.big.Cmp(other.big) == 0
	case TypeInstant:
		return v.t.Equal(other.t)
	case TypeUUID:
		return v.u == other.u
	case TypeString:
		a, _ := v.AsString()
		b, _ := other.AsString()
		return a == b
	case TypeBytes:
		if len(v.bytes) != len(other.bytes) {
			return false
		}
		for i := range v.bytes {
			if v.bytes[i] != other.bytes[i] {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Compare orders values first by tag, then by payload, giving the value
// universe a well-order as required by the design notes.
func (v Value) Compare(other Value) int {
	if v.tag != other.tag {
		if v.tag < other.tag {
			return -1
		}
		return 1
	}
	switch v.tag {
	case TypeRef:
		return cmpInt64(v.ref, other.ref)
	case TypeKeyword:
		if v.kw == other.kw {
			return 0
		}
		if v.kw.Less(other.kw) {
			return -1
		}
		return 1
	case TypeBoolean:
		if v.b == other.b {
			return 0
		}
		if !v.b {
			return -1
		}
		return 1
	case TypeLong:
		return cmpInt64(v.i, other.i)
	case TypeDouble:
		return CompareFloat(v.f, other.f)
	case TypeBigInt:
		return v.big.Cmp(other.big)
	case TypeInstant:
		if v.t.Equal(other.t) {
			return 0
		}
		if v.t.Before(other.t) {
			return -1
		}
		return 1
	case TypeUUID:
		return strings.Compare(v.u.String(), other.u.String())
	case TypeString:
		a, _ := v.AsString()
		b, _ := other.AsString()
		return strings.Compare(a, b)
	case TypeBytes:
		for i := 0; i < len(v.bytes) && i < len(other.bytes); i++ {
			if v.bytes[i] != other.bytes[i] {
				return int(v.bytes[i]) - int(other.bytes[i])
			}
		}
		return len(v.bytes) - len(other.bytes)
	default:
		return 0
	}
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Hash returns a structural hash consistent with Equal: equal values always
// hash identically, including the NaN/±0 float cases.
func (v Value) Hash() uint64 {
	const offset, prime = 14695981039346656037, 1099511628211
	h := uint64(offset)
	mix := func(b byte) {
		h ^= uint64(b)
		h *= prime
	}
	mixUint := func(u uint64) {
		for i := 0; i < 8; i++ {
			mix(byte(u >> (8 * i)))
		}
	}
	mix(byte(v.tag))
	switch v.tag {
	case TypeRef:
		mixUint(uint64(v.ref))
	case TypeKeyword:
		for i := 0; i < len(v.kw.Namespace); i++ {
			mix(v.kw.Namespace[i])
		}
		for i := 0; i < len(v.kw.Name); i++ {
			mix(v.kw.Name[i])
		}
	case TypeBoolean:
		if v.b {
			mix(1)
		}
	case TypeLong:
		mixUint(uint64(v.i))
	case TypeDouble:
		mixUint(hashFloat(v.f))
	case TypeBigInt:
		if v.big != nil {
			for _, b := range v.big.Bytes() {
				mix(b)
			}
		}
	case TypeInstant:
		mixUint(uint64(v.t.UnixMicro()))
	case TypeUUID:
		for _, b := range v.u {
			mix(b)
		}
	case TypeString:
		s, _ := v.AsString()
		for i := 0; i < len(s); i++ {
			mix(s[i])
		}
	case TypeBytes:
		for _, b := range v.bytes {
			mix(b)
		}
	}
	return h
}

// Text renders an EDN text form of v. The edn package's reader accepts these
// forms back, with these exceptions: a ref renders as a plain integer and a
// double with an integral value renders without a decimal point, so both
// read back as integers; a NaN (##NaN) and a byte blob (#bytes <hex>) have
// no literal in the reader's grammar and are rejected.
func (v Value) Text() string {
	switch v.tag {
	case TypeRef:
		return fmt.Sprintf("%d", v.ref)
	case TypeKeyword:
		return v.kw.String()
	case TypeBoolean:
		if v.b {
			return "true"
		}
		return "false"
	case TypeLong:
		return fmt.Sprintf("%d", v.i)
	case TypeDouble:
		if math.IsNaN(v.f) {
			return "##NaN"
		}
		return fmt.Sprintf("%g", v.f)
	case TypeBigInt:
		return v.big.String() + "N"
	case TypeInstant:
		return `#inst "` + v.t.Format(time.RFC3339Nano) + `"`
	case TypeUUID:
		return `#uuid "` + v.u.String() + `"`
	case TypeString:
		s, _ := v.AsString()
		return quoteString(s)
	case TypeBytes:
		return fmt.Sprintf("#bytes %x", v.bytes)
	default:
		return ""
	}
}

func quoteString(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '"':
			b.WriteString(`\"`)
		case '\n':
			b.WriteString(`\n`)
		case '\t':
			b.WriteString(`\t`)
		case '\r':
			b.WriteString(`\r`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}

// SortValues sorts a slice of Values using Compare, useful for stable
// parameter ordering in the SQL builder and for deterministic test output.
func SortValues(vs []Value) {
	sort.Slice(vs, func(i, j int) bool { return vs[i].Compare(vs[j]) < 0 })
}
