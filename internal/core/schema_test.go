package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaBuilderRejectsCardinalityManyIdentity(t *testing.T) {
	b := NewSchemaBuilder(nil)
	err := b.Define(100, Attribute{
		Ident:       NewKeyword("person", "emails"),
		ValueType:   TypeString,
		Cardinality: CardinalityMany,
		Unique:      UniqueIdentity,
	})
	require.Error(t, err)
	var se *SchemaError
	assert.ErrorAs(t, err, &se)
}

func TestSchemaBuilderRejectsFulltextOnNonString(t *testing.T) {
	b := NewSchemaBuilder(nil)
	err := b.Define(100, Attribute{
		Ident:     NewKeyword("person", "age"),
		ValueType: TypeLong,
		Fulltext:  true,
	})
	require.Error(t, err)
}

func TestSchemaBuilderRejectsComponentOnNonRef(t *testing.T) {
	b := NewSchemaBuilder(nil)
	err := b.Define(100, Attribute{
		Ident:     NewKeyword("person", "name"),
		ValueType: TypeString,
		Component: true,
	})
	require.Error(t, err)
}

func TestSchemaBuilderImpliesIndexOnUnique(t *testing.T) {
	b := NewSchemaBuilder(nil)
	require.NoError(t, b.Define(100, Attribute{
		Ident:     NewKeyword("person", "email"),
		ValueType: TypeString,
		Unique:    UniqueIdentity,
	}))
	s := b.Build()
	a, _ := s.AttributeByID(100)
	assert.True(t, a.Indexed)
}

func TestSchemaCloneIsIndependent(t *testing.T) {
	b := NewSchemaBuilder(nil)
	require.NoError(t, b.Define(100, Attribute{Ident: NewKeyword("a", "b"), ValueType: TypeLong}))
	s1 := b.Build()
	s2 := s1.Clone()
	s2.DefineAttribute(200, &Attribute{Ident: NewKeyword("c", "d"), ValueType: TypeString})

	_, ok := s1.AttributeByID(200)
	assert.False(t, ok)
	_, ok = s2.AttributeByID(200)
	assert.True(t, ok)
}

func TestBootstrapSchemaDefinesIdent(t *testing.T) {
	s, ids := BootstrapSchema()
	id, ok := s.EntidForIdent(IdentIdent)
	require.True(t, ok)
	assert.Equal(t, ids[IdentIdent], id)
	assert.Equal(t, DbSchemaCoreRoot, id)
}

func TestCanNarrowCardinality(t *testing.T) {
	assert.True(t, CanNarrowCardinality([]int{1, 1, 0}))
	assert.False(t, CanNarrowCardinality([]int{1, 2}))
}
