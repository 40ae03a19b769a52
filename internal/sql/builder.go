// Package sql implements the SQL builder: a single polymorphic
// QueryFragment contract ("append my SQL and bind parameters to a
// builder") through which the projector produces its per-pattern SQL,
// rather than one generator function per statement shape. Storage's own
// fixed statements are plain SQL strings.
package sql

import (
	"database/sql"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"atomdb/internal/core"
)

// QueryFragment is implemented by anything that can append its SQL text and
// bind parameters to a Builder. The projector's per-pattern SELECT
// (patternFragment) implements it.
type QueryFragment interface {
	PushSQL(b *Builder) error
}

// Builder accumulates SQL text and its bind parameters for a single
// statement. Zero value is ready to use.
type Builder struct {
	text strings.Builder

	argCounter int
	dedup      map[string]string // canonical value text -> bind name, shared by strings/keywords/bytes
	named      []sql.NamedArg    // binds produced through dedup, in first-use order
	extra      []sql.NamedArg    // binds supplied through BindNamed (user-chosen names)

	err error
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{dedup: map[string]string{}}
}

func (b *Builder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

// Err returns the first error recorded by any Push/Bind call.
func (b *Builder) Err() error { return b.err }

// WriteSQL appends raw SQL text verbatim. Used for keywords, punctuation,
// and joins between fragments.
func (b *Builder) WriteSQL(s string) *Builder {
	b.text.WriteString(s)
	return b
}

// QuoteIdentifier quotes a table/column name by backtick-doubling.
func QuoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// WriteIdentifier appends a quoted identifier.
func (b *Builder) WriteIdentifier(name string) *Builder {
	b.text.WriteString(QuoteIdentifier(name))
	return b
}

func (b *Builder) nextBindName() string {
	name := "v" + strconv.Itoa(b.argCounter)
	b.argCounter++
	return name
}

// genPrefixRe matches exactly the shape the generator itself produces
// ("v" followed only by digits), the sole collision BindName must reject.
var genPrefixRe = regexp.MustCompile(`^v[0-9]+$`)

// BindName validates a user-supplied bind name: alphanumeric/underscore,
// and not shaped like a generator-produced name ("v" followed only by
// digits), which would collide with the counter-prefixed generator.
func BindName(name string) error {
	if name == "" {
		return fmt.Errorf("bind name must not be empty")
	}
	for _, r := range name {
		if !(r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return fmt.Errorf("bind name %q must be alphanumeric or underscore", name)
		}
	}
	if genPrefixRe.MatchString(name) {
		return fmt.Errorf("bind name %q collides with the generator prefix", name)
	}
	return nil
}

// dedupBind returns the existing bind name for canonical text key, or
// allocates a fresh one and records it.
func (b *Builder) dedupBind(key string, value any) string {
	if name, ok := b.dedup[key]; ok {
		return name
	}
	if b.dedup == nil {
		b.dedup = map[string]string{}
	}
	name := b.nextBindName()
	b.dedup[key] = name
	b.named = append(b.named, sql.Named(name, value))
	return name
}

// BindValue renders one typed Value:
// ref/long/boolean/double/instant are inlined as literal SQL text; string,
// bytes, uuid, and keyword go through the dedup maps as named binds.
func (b *Builder) BindValue(v core.Value) *Builder {
	switch v.Tag() {
	case core.TypeRef:
		ref, _ := v.AsRef()
		b.text.WriteString(strconv.FormatInt(ref, 10))
	case core.TypeLong:
		n, _ := v.AsLong()
		b.text.WriteString(strconv.FormatInt(n, 10))
	case core.TypeBoolean:
		bv, _ := v.AsBoolean()
		if bv {
			b.text.WriteString("1")
		} else {
			b.text.WriteString("0")
		}
	case core.TypeDouble:
		f, _ := v.AsDouble()
		if math.IsNaN(f) {
			b.fail(fmt.Errorf("cannot render NaN as a SQL literal"))
			return b
		}
		b.text.WriteString(strconv.FormatFloat(f, 'e', -1, 64))
	case core.TypeInstant:
		t, _ := v.AsInstant()
		b.text.WriteString(strconv.FormatInt(t.UnixMicro(), 10))
	case core.TypeString:
		s, _ := v.AsString()
		name := b.dedupBind("s:"+s, s)
		b.text.WriteString("$" + name)
	case core.TypeBytes:
		by, _ := v.AsBytes()
		name := b.dedupBind("b:"+string(by), by)
		b.text.WriteString("$" + name)
	case core.TypeUUID:
		u, _ := v.AsUUID()
		name := b.dedupBind("u:"+u.String(), u.String())
		b.text.WriteString("$" + name)
	case core.TypeKeyword:
		kw, _ := v.AsKeyword()
		text := kw.String()
		name := b.dedupBind("k:"+text, text)
		b.text.WriteString("$" + name)
	case core.TypeBigInt:
		bi, _ := v.AsBigInt()
		name := b.dedupBind("n:"+bi.String(), bi.String())
		b.text.WriteString("$" + name)
	default:
		b.fail(fmt.Errorf("unhandled value type %v in SQL builder", v.Tag()))
	}
	return b
}

// BindNamed appends a user-chosen named bind to the positional arg list,
// rejecting names that fail BindName.
func (b *Builder) BindNamed(name string, value any) *Builder {
	if err := BindName(name); err != nil {
		b.fail(err)
		return b
	}
	b.text.WriteString("$" + name)
	b.extra = append(b.extra, sql.Named(name, value))
	return b
}

// Push runs a QueryFragment against this builder.
func (b *Builder) Push(f QueryFragment) *Builder {
	if b.err != nil {
		return b
	}
	if err := f.PushSQL(b); err != nil {
		b.fail(err)
	}
	return b
}

// Finish returns the accumulated SQL text and the full bind list, sorted
// by name so the result is byte-equal across runs with the same plan and
// inputs.
func (b *Builder) Finish() (string, []sql.NamedArg, error) {
	if b.err != nil {
		return "", nil, b.err
	}
	all := make([]sql.NamedArg, 0, len(b.named)+len(b.extra))
	all = append(all, b.named...)
	all = append(all, b.extra...)
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return b.text.String(), all, nil
}
