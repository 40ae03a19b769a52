package storage

import (
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"atomdb/internal/core"
)

// EncodeValue renders a Value as the single SQL scalar it is stored as,
// alongside the value_type_tag that disambiguates storage reuse (ref and
// long both land in an INTEGER column; keyword and string both land in a
// TEXT column).
func EncodeValue(v core.Value) (scalar any, tag int64, err error) {
	switch v.Tag() {
	case core.TypeRef:
		ref, _ := v.AsRef()
		return ref, int64(core.TypeRef), nil
	case core.TypeLong:
		n, _ := v.AsLong()
		return n, int64(core.TypeLong), nil
	case core.TypeBoolean:
		b, _ := v.AsBoolean()
		if b {
			return int64(1), int64(core.TypeBoolean), nil
		}
		return int64(0), int64(core.TypeBoolean), nil
	case core.TypeDouble:
		f, _ := v.AsDouble()
		return f, int64(core.TypeDouble), nil
	case core.TypeBigInt:
		bi, _ := v.AsBigInt()
		return bi.String(), int64(core.TypeBigInt), nil
	case core.TypeInstant:
		t, _ := v.AsInstant()
		return t.UnixMicro(), int64(core.TypeInstant), nil
	case core.TypeUUID:
		u, _ := v.AsUUID()
		return u.String(), int64(core.TypeUUID), nil
	case core.TypeString:
		s, _ := v.AsString()
		return s, int64(core.TypeString), nil
	case core.TypeKeyword:
		kw, _ := v.AsKeyword()
		return kw.String(), int64(core.TypeKeyword), nil
	case core.TypeBytes:
		b, _ := v.AsBytes()
		return b, int64(core.TypeBytes), nil
	default:
		return nil, 0, fmt.Errorf("storage: unhandled value type %v", v.Tag())
	}
}

// DecodeValue reverses EncodeValue given the raw column value read back from
// SQLite (via database/sql's dynamic typing) and the stored tag.
func DecodeValue(scalar any, tag int64) (core.Value, error) {
	switch core.ValueType(tag) {
	case core.TypeRef:
		return core.NewRef(asInt64(scalar)), nil
	case core.TypeLong:
		return core.NewLong(asInt64(scalar)), nil
	case core.TypeBoolean:
		return core.NewBoolean(asInt64(scalar) != 0), nil
	case core.TypeDouble:
		f, ok := scalar.(float64)
		if !ok {
			return core.Value{}, fmt.Errorf("storage: expected float64 for double, got %T", scalar)
		}
		return core.NewDouble(f), nil
	case core.TypeBigInt:
		s, err := asString(scalar)
		if err != nil {
			return core.Value{}, err
		}
		n, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return core.Value{}, fmt.Errorf("storage: malformed bigint %q", s)
		}
		return core.NewBigInt(n), nil
	case core.TypeInstant:
		return core.NewInstant(time.UnixMicro(asInt64(scalar)).UTC()), nil
	case core.TypeUUID:
		s, err := asString(scalar)
		if err != nil {
			return core.Value{}, err
		}
		u, err := uuid.Parse(s)
		if err != nil {
			return core.Value{}, fmt.Errorf("storage: malformed uuid %q: %w", s, err)
		}
		return core.NewUUID(u), nil
	case core.TypeString:
		s, err := asString(scalar)
		if err != nil {
			return core.Value{}, err
		}
		return core.NewString(s), nil
	case core.TypeKeyword:
		s, err := asString(scalar)
		if err != nil {
			return core.Value{}, err
		}
		return core.NewKeywordValue(parseKeywordText(s)), nil
	case core.TypeBytes:
		b, ok := scalar.([]byte)
		if !ok {
			return core.Value{}, fmt.Errorf("storage: expected []byte for bytes, got %T", scalar)
		}
		return core.NewBytes(b), nil
	default:
		return core.Value{}, fmt.Errorf("storage: unknown value_type_tag %d", tag)
	}
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func asString(v any) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case []byte:
		return string(s), nil
	default:
		return "", fmt.Errorf("storage: expected text scalar, got %T", v)
	}
}

// parseKeywordText parses the ":ns/name" or ":name" text form produced by
// core.Keyword.String back into a Keyword, without round-tripping through
// the edn reader (the stored form is always well-formed, having been
// written by EncodeValue).
func parseKeywordText(s string) core.Keyword {
	s = s[1:] // drop leading ':'
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return core.NewKeyword(s[:i], s[i+1:])
		}
	}
	return core.NewKeyword("", s)
}
