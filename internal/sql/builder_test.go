package sql

import (
	"testing"

	"atomdb/internal/core"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuoteIdentifierDoublesBackticks(t *testing.T) {
	assert.Equal(t, "`datoms`", QuoteIdentifier("datoms"))
	assert.Equal(t, "`weird``name`", QuoteIdentifier("weird`name"))
}

func TestBindValueInlinesScalars(t *testing.T) {
	b := NewBuilder()
	b.WriteSQL("SELECT ").BindValue(core.NewLong(42)).WriteSQL(", ").BindValue(core.NewBoolean(true))
	text, args, err := b.Finish()
	require.NoError(t, err)
	assert.Equal(t, "SELECT 42, 1", text)
	assert.Empty(t, args)
}

func TestBindValueDedupsRepeatedStrings(t *testing.T) {
	b := NewBuilder()
	b.BindValue(core.NewString("hello"))
	b.WriteSQL(" ")
	b.BindValue(core.NewString("hello"))
	text, args, err := b.Finish()
	require.NoError(t, err)
	require.Len(t, args, 1)
	assert.Equal(t, "$v0 $v0", text)
	assert.Equal(t, "hello", args[0].Value)
}

func TestBindValueUUIDAndBytes(t *testing.T) {
	id := uuid.New()
	b := NewBuilder()
	b.BindValue(core.NewUUID(id))
	b.BindValue(core.NewBytes([]byte{1, 2, 3}))
	text, args, err := b.Finish()
	require.NoError(t, err)
	require.Len(t, args, 2)
	assert.Contains(t, text, "$v0")
	assert.Contains(t, text, "$v1")
}

func TestBindValueRejectsNaN(t *testing.T) {
	b := NewBuilder()
	b.BindValue(core.NewDouble(nanValue()))
	_, _, err := b.Finish()
	require.Error(t, err)
}

func nanValue() float64 {
	var zero float64
	return zero / zero
}

func TestFinishSortsBindsByName(t *testing.T) {
	b := NewBuilder()
	b.BindNamed("zeta", 1)
	b.BindValue(core.NewString("a")) // allocates v0
	b.BindNamed("alpha", 2)
	_, args, err := b.Finish()
	require.NoError(t, err)
	require.Len(t, args, 3)
	for i := 1; i < len(args); i++ {
		assert.True(t, args[i-1].Name < args[i].Name)
	}
}

func TestBindNameRejectsGeneratorCollisionAndBadChars(t *testing.T) {
	require.Error(t, BindName("v0"))
	require.Error(t, BindName("v123"))
	require.Error(t, BindName("has space"))
	require.Error(t, BindName(""))
	require.NoError(t, BindName("valid_name"))
	require.NoError(t, BindName("v0x")) // not purely digits after v, so no collision
}

type literalFragment struct{ sql string }

func (f literalFragment) PushSQL(b *Builder) error {
	b.WriteSQL(f.sql)
	return nil
}

func TestPushComposesFragments(t *testing.T) {
	b := NewBuilder()
	b.Push(literalFragment{"SELECT 1"})
	text, _, err := b.Finish()
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1", text)
}
