package core

import (
	"math"
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueEqualityByTag(t *testing.T) {
	assert.True(t, NewLong(5).Equal(NewLong(5)))
	assert.False(t, NewLong(5).Equal(NewRef(5)))
	assert.True(t, NewString("hi").Equal(NewString("hi")))
	assert.True(t, NewKeywordValue(NewKeyword("person", "name")).Equal(NewKeywordValue(NewKeyword("person", "name"))))
}

func TestFloatTotalOrderNaNAndZero(t *testing.T) {
	nan1 := NewDouble(math.NaN())
	nan2 := NewDouble(math.Copysign(math.NaN(), -1))
	assert.True(t, nan1.Equal(nan2), "all NaNs must compare equal")
	assert.Equal(t, nan1.Hash(), nan2.Hash())

	posZero := NewDouble(0)
	negZero := NewDouble(math.Copysign(0, -1))
	assert.True(t, posZero.Equal(negZero))
	assert.Equal(t, posZero.Hash(), negZero.Hash())

	require.Equal(t, 1, nan1.Compare(NewDouble(math.Inf(1))), "NaN sorts after +Inf")
}

func TestBigIntRoundtripEquality(t *testing.T) {
	n := new(big.Int)
	n.SetString("123456789012345678901234567890", 10)
	v := NewBigInt(n)
	assert.Contains(t, v.Text(), "123456789012345678901234567890N")
	assert.True(t, v.Equal(NewBigInt(n)))
}

func TestInstantConvertsNonUTCZones(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*3600)
	local := time.Date(2024, 1, 1, 10, 0, 0, 0, loc)
	v := NewInstant(local)
	got, ok := v.AsInstant()
	require.True(t, ok)
	assert.Equal(t, time.UTC, got.Location())
	assert.Equal(t, 15, got.Hour())
}

func TestUUIDValue(t *testing.T) {
	id := uuid.New()
	v := NewUUID(id)
	got, ok := v.AsUUID()
	require.True(t, ok)
	assert.Equal(t, id, got)
}

func TestStringInterningSharesStorage(t *testing.T) {
	a := NewString("shared")
	b := NewString("shared")
	assert.Same(t, a.s, b.s)
}

func TestSortValuesIsStableByTagThenPayload(t *testing.T) {
	vs := []Value{NewLong(3), NewRef(1), NewLong(1), NewRef(2)}
	SortValues(vs)
	require.Len(t, vs, 4)
	assert.Equal(t, TypeRef, vs[0].Tag())
	assert.Equal(t, TypeRef, vs[1].Tag())
	assert.Equal(t, TypeLong, vs[2].Tag())
	assert.Equal(t, TypeLong, vs[3].Tag())
}
