package storage

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atomdb/internal/core"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.EnsureSchema(context.Background()))
	return db
}

func TestBootstrapInstallsCoreSchema(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, Bootstrap(ctx, db))

	ok, err := db.IsBootstrapped(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	v, err := db.StoredCoreSchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.CoreSchemaVersion, v)

	schema, err := LoadSchema(ctx, db)
	require.NoError(t, err)
	attr, _, found := schema.AttributeByIdent(core.IdentTxInstant)
	require.True(t, found)
	assert.Equal(t, core.TypeInstant, attr.ValueType)

	attr, _, found = schema.AttributeByIdent(core.IdentIdent)
	require.True(t, found)
	assert.Equal(t, core.UniqueIdentity, attr.Unique)
	assert.True(t, attr.Indexed)
}

func TestBootstrapIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, Bootstrap(ctx, db))
	require.NoError(t, Bootstrap(ctx, db))

	// Exactly one transaction exists: tx0.
	var count int
	row := db.reader().QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions`)
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, 1, count)

	var tx0 int64
	row = db.reader().QueryRowContext(ctx, `SELECT tx FROM transactions`)
	require.NoError(t, row.Scan(&tx0))
	assert.Equal(t, core.Tx0, tx0)
}

func TestPartitionsRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, Bootstrap(ctx, db))

	pm, err := db.LoadPartitions(ctx)
	require.NoError(t, err)
	user, ok := pm.Get(core.PartUser)
	require.True(t, ok)
	assert.Equal(t, core.User0, user.Start)
	assert.Equal(t, core.User0, user.Next)

	_, err = pm.Allocate(core.PartUser, 3)
	require.NoError(t, err)
	require.NoError(t, db.InTx(ctx, func(tx *sql.Tx) error {
		return db.SavePartitions(tx, pm)
	}))

	pm2, err := db.LoadPartitions(ctx)
	require.NoError(t, err)
	user2, _ := pm2.Get(core.PartUser)
	assert.Equal(t, core.User0+3, user2.Next)
}

func TestEncodeDisambiguatesSharedStorage(t *testing.T) {
	// ref and long share INTEGER storage; keyword and string share TEXT.
	// Only the tag tells them apart.
	refScalar, refTag, err := EncodeValue(core.NewRef(7))
	require.NoError(t, err)
	longScalar, longTag, err := EncodeValue(core.NewLong(7))
	require.NoError(t, err)
	assert.Equal(t, refScalar, longScalar)
	assert.NotEqual(t, refTag, longTag)

	kwScalar, kwTag, err := EncodeValue(core.NewKeywordValue(core.NewKeyword("a", "b")))
	require.NoError(t, err)
	strScalar, strTag, err := EncodeValue(core.NewString(":a/b"))
	require.NoError(t, err)
	assert.Equal(t, kwScalar, strScalar)
	assert.NotEqual(t, kwTag, strTag)

	back, err := DecodeValue(kwScalar, kwTag)
	require.NoError(t, err)
	kw, ok := back.AsKeyword()
	require.True(t, ok)
	assert.Equal(t, core.NewKeyword("a", "b"), kw)
}

func TestDecodeValueRoundTrips(t *testing.T) {
	u := uuid.MustParse("4edd9315-9b82-4d61-8d10-c0eba33e9c9c")
	now := time.Date(2024, 6, 1, 12, 0, 0, 123456000, time.UTC)
	for _, v := range []core.Value{
		core.NewBoolean(true),
		core.NewDouble(2.5),
		core.NewInstant(now),
		core.NewUUID(u),
		core.NewBytes([]byte{1, 2, 3}),
	} {
		scalar, tag, err := EncodeValue(v)
		require.NoError(t, err)
		back, err := DecodeValue(scalar, tag)
		require.NoError(t, err)
		assert.True(t, v.Equal(back), "round trip changed %s", v.Text())
	}
}

func TestLiveFilterHidesRetractedDatoms(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, Bootstrap(ctx, db))
	schema, err := LoadSchema(ctx, db)
	require.NoError(t, err)

	identA, _ := schema.EntidForIdent(core.IdentIdent)
	kw := core.NewKeywordValue(core.NewKeyword("t", "gone"))
	write := func(added bool, tx core.Entid) {
		require.NoError(t, db.InTx(ctx, func(sqlTx *sql.Tx) error {
			return db.InsertDatoms(sqlTx, []core.Datom{{E: 70000, A: identA, V: kw, Tx: tx, Added: added}}, schema)
		}))
	}
	write(true, core.Tx0+1)
	_, found, err := db.LiveOne(ctx, 70000, identA)
	require.NoError(t, err)
	assert.True(t, found)

	write(false, core.Tx0+2)
	_, found, err = db.LiveOne(ctx, 70000, identA)
	require.NoError(t, err)
	assert.False(t, found)

	e, found, err := db.LiveEntityForValue(ctx, identA, kw)
	require.NoError(t, err)
	assert.False(t, found, "retracted value must not resolve, got %d", e)
}

func TestSessionRollbackDiscardsWrites(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, Bootstrap(ctx, db))
	schema, err := LoadSchema(ctx, db)
	require.NoError(t, err)
	identA, _ := schema.EntidForIdent(core.IdentIdent)

	require.NoError(t, db.BeginSession(ctx))
	require.NoError(t, db.InTx(ctx, func(sqlTx *sql.Tx) error {
		return db.InsertDatoms(sqlTx, []core.Datom{{E: 70001, A: identA, V: core.NewKeywordValue(core.NewKeyword("t", "x")), Tx: core.Tx0 + 1, Added: true}}, schema)
	}))

	// Visible inside the session...
	_, found, err := db.LiveOne(ctx, 70001, identA)
	require.NoError(t, err)
	assert.True(t, found)

	// ...and gone after rollback.
	require.NoError(t, db.RollbackSession())
	_, found, err = db.LiveOne(ctx, 70001, identA)
	require.NoError(t, err)
	assert.False(t, found)
}
