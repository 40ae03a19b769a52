package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atomdb/internal/cache"
	"atomdb/internal/core"
)

func openTestConn(t *testing.T) *Conn {
	t.Helper()
	conn, err := Open(context.Background(), Options{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func definePerson(t *testing.T, conn *Conn) {
	t.Helper()
	ctx := context.Background()
	_, err := conn.TransactString(ctx, `[[:db/add "n" :db/ident :person/name]
		[:db/add "n" :db/valueType :db.type/string]
		[:db/add "n" :db/cardinality :db.cardinality/one]
		[:db/add "e" :db/ident :person/email]
		[:db/add "e" :db/valueType :db.type/string]
		[:db/add "e" :db/cardinality :db.cardinality/one]
		[:db/add "a" :db/ident :person/age]
		[:db/add "a" :db/valueType :db.type/long]
		[:db/add "a" :db/cardinality :db.cardinality/one]]`)
	require.NoError(t, err)
	_, err = conn.TransactString(ctx, `[[:db/add :person/email :db/unique :db.unique/identity]]`)
	require.NoError(t, err)
}

func TestBootstrapOpen(t *testing.T) {
	conn := openTestConn(t)
	ctx := context.Background()

	// tx0 is the fixed bootstrap transaction id.
	assert.Equal(t, core.Entid(268435456), core.Tx0)

	// :db/txInstant is defined.
	attr, _, ok := conn.Schema().AttributeByIdent(core.IdentTxInstant)
	require.True(t, ok)
	assert.Equal(t, core.TypeInstant, attr.ValueType)

	// Querying the ident of :db/ident returns its own entid.
	res, err := conn.QueryString(ctx, `[:find ?e . :where [?e :db/ident :db/ident]]`, nil)
	require.NoError(t, err)
	require.True(t, res.Found)
	ref, _ := res.Scalar.(core.Value).AsRef()
	wantEntid, _ := conn.Schema().EntidForIdent(core.IdentIdent)
	assert.Equal(t, wantEntid, ref)
}

func TestDefineAttributeAndQuery(t *testing.T) {
	conn := openTestConn(t)
	ctx := context.Background()
	definePerson(t, conn)

	report, err := conn.TransactString(ctx, `[[:db/add "p" :person/name "Alice"]]`)
	require.NoError(t, err)
	p := report.TempIDs["p"]

	res, err := conn.QueryString(ctx, `[:find ?n . :in $ ?p :where [?p :person/name ?n]]`,
		map[string]core.Value{"?p": core.NewRef(p)})
	require.NoError(t, err)
	require.True(t, res.Found)
	name, _ := res.Scalar.(core.Value).AsString()
	assert.Equal(t, "Alice", name)
}

func TestUpsertMergesIntoOneEntity(t *testing.T) {
	conn := openTestConn(t)
	ctx := context.Background()
	definePerson(t, conn)

	report, err := conn.TransactString(ctx, `[[:db/add "x" :person/email "a@b"]
		[:db/add "y" :person/email "a@b"]
		[:db/add "x" :person/name "A"]
		[:db/add "y" :person/age 30]]`)
	require.NoError(t, err)
	assert.Equal(t, report.TempIDs["x"], report.TempIDs["y"])

	res, err := conn.QueryString(ctx, `[:find ?e ?n ?a :where [?e :person/email "a@b"] [?e :person/name ?n] [?e :person/age ?a]]`, nil)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	name, _ := res.Rows[0][1].(core.Value).AsString()
	age, _ := res.Rows[0][2].(core.Value).AsLong()
	assert.Equal(t, "A", name)
	assert.Equal(t, int64(30), age)
}

func TestUpsertIntoExistingEntityAndIdent(t *testing.T) {
	conn := openTestConn(t)
	ctx := context.Background()
	definePerson(t, conn)

	r1, err := conn.TransactString(ctx, `[[:db/add "e" :person/email "a@b"]]`)
	require.NoError(t, err)
	e1 := r1.TempIDs["e"]

	r2, err := conn.TransactString(ctx, `[[:db/add "n" :person/email "a@b"] [:db/add "n" :person/name "B"]]`)
	require.NoError(t, err)
	assert.Equal(t, e1, r2.TempIDs["n"])

	// Merging an ident onto the upserted entity also succeeds.
	r3, err := conn.TransactString(ctx, `[[:db/add "m" :person/email "a@b"] [:db/add "m" :db/ident :person/e1alias]]`)
	require.NoError(t, err)
	assert.Equal(t, e1, r3.TempIDs["m"])
	got, ok := conn.Schema().EntidForIdent(core.NewKeyword("person", "e1alias"))
	require.True(t, ok)
	assert.Equal(t, e1, got)
}

func TestCardinalityNarrowingConflict(t *testing.T) {
	conn := openTestConn(t)
	ctx := context.Background()
	_, err := conn.TransactString(ctx, `[[:db/add "a" :db/ident :a/tags]
		[:db/add "a" :db/valueType :db.type/string]
		[:db/add "a" :db/cardinality :db.cardinality/many]]`)
	require.NoError(t, err)
	_, err = conn.TransactString(ctx, `[[:db/add "e" :a/tags "x"] [:db/add "e" :a/tags "y"]]`)
	require.NoError(t, err)

	_, err = conn.TransactString(ctx, `[[:db/add :a/tags :db/cardinality :db.cardinality/one]]`)
	require.Error(t, err)
	var sErr *Error
	require.ErrorAs(t, err, &sErr)
	assert.Equal(t, "transact", sErr.Kind)
}

func TestQueryWithPredicate(t *testing.T) {
	conn := openTestConn(t)
	ctx := context.Background()
	definePerson(t, conn)

	report, err := conn.TransactString(ctx, `[[:db/add "e1" :person/age 20] [:db/add "e2" :person/age 40]]`)
	require.NoError(t, err)
	e2 := report.TempIDs["e2"]

	res, err := conn.QueryString(ctx, `[:find [?e ...] :where [?e :person/age ?a] [(> ?a 30)]]`, nil)
	require.NoError(t, err)
	require.Len(t, res.Coll, 1)
	ref, _ := res.Coll[0].(core.Value).AsRef()
	assert.Equal(t, e2, ref)
}

func TestObserverReceivesOnlyItsAttributes(t *testing.T) {
	conn := openTestConn(t)
	ctx := context.Background()
	definePerson(t, conn)

	var got []core.Datom
	id, err := conn.RegisterObserver([]core.Keyword{core.NewKeyword("person", "name")},
		cache.SubscriberFunc(func(_ core.Entid, datoms []core.Datom) {
			got = append(got, datoms...)
		}))
	require.NoError(t, err)
	defer conn.UnregisterObserver(id)

	_, err = conn.TransactString(ctx, `[[:db/add "p" :person/name "A"] [:db/add "p" :person/age 5]]`)
	require.NoError(t, err)

	require.Len(t, got, 1)
	name, _ := got[0].V.AsString()
	assert.Equal(t, "A", name)
}

func TestCachedAttributeStaysCurrent(t *testing.T) {
	conn := openTestConn(t)
	ctx := context.Background()
	definePerson(t, conn)
	require.NoError(t, conn.CacheAttribute(ctx, core.NewKeyword("person", "name"), cache.FillEager))

	report, err := conn.TransactString(ctx, `[[:db/add "p" :person/name "Ada"]]`)
	require.NoError(t, err)
	p := report.TempIDs["p"]

	c, ok := conn.CachedAttribute(core.NewKeyword("person", "name"))
	require.True(t, ok)
	v, found, err := c.One(ctx, nil, p)
	require.NoError(t, err)
	require.True(t, found)
	name, _ := v.AsString()
	assert.Equal(t, "Ada", name)
}

func TestInProgressAccumulatesAndCommits(t *testing.T) {
	conn := openTestConn(t)
	ctx := context.Background()

	p, err := conn.Begin(ctx)
	require.NoError(t, err)

	// First transact defines the attribute; the second uses it: the handle
	// observes intra-handle schema changes.
	_, err = p.TransactString(ctx, `[[:db/add "a" :db/ident :doc/title]
		[:db/add "a" :db/valueType :db.type/string]
		[:db/add "a" :db/cardinality :db.cardinality/one]]`)
	require.NoError(t, err)
	r2, err := p.TransactString(ctx, `[[:db/add "d" :doc/title "Spec"]]`)
	require.NoError(t, err)
	d := r2.TempIDs["d"]

	// Not yet published to readers.
	_, _, visible := conn.Schema().AttributeByIdent(core.NewKeyword("doc", "title"))
	assert.False(t, visible)

	require.NoError(t, p.Commit())

	res, err := conn.QueryString(ctx, `[:find ?t . :in $ ?d :where [?d :doc/title ?t]]`,
		map[string]core.Value{"?d": core.NewRef(d)})
	require.NoError(t, err)
	require.True(t, res.Found)
	title, _ := res.Scalar.(core.Value).AsString()
	assert.Equal(t, "Spec", title)
}

func TestInProgressAbortLeavesStoreUntouched(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "abort.sqlite")
	conn, err := Open(context.Background(), Options{Path: path})
	require.NoError(t, err)
	defer conn.Close()
	ctx := context.Background()

	p, err := conn.Begin(ctx)
	require.NoError(t, err)
	_, err = p.TransactString(ctx, `[[:db/add "a" :db/ident :doc/title]
		[:db/add "a" :db/valueType :db.type/string]
		[:db/add "a" :db/cardinality :db.cardinality/one]]`)
	require.NoError(t, err)
	require.NoError(t, p.Abort())

	_, _, visible := conn.Schema().AttributeByIdent(core.NewKeyword("doc", "title"))
	assert.False(t, visible)

	// A fresh write path still works after the abort.
	_, err = conn.TransactString(ctx, `[[:db/add "a" :db/ident :doc/name]
		[:db/add "a" :db/valueType :db.type/string]
		[:db/add "a" :db/cardinality :db.cardinality/one]]`)
	require.NoError(t, err)
}

func TestSeedFileInstallsAttributes(t *testing.T) {
	dir := t.TempDir()
	seedPath := filepath.Join(dir, "seed.toml")
	require.NoError(t, os.WriteFile(seedPath, []byte(`
[[attributes]]
ident  = "person/handle"
type   = "string"
unique = "identity"
`), 0o644))

	conn, err := Open(context.Background(), Options{
		Path:     filepath.Join(dir, "seeded.sqlite"),
		SeedPath: seedPath,
	})
	require.NoError(t, err)
	defer conn.Close()

	attr, _, ok := conn.Schema().AttributeByIdent(core.NewKeyword("person", "handle"))
	require.True(t, ok)
	assert.Equal(t, core.UniqueIdentity, attr.Unique)
	assert.Equal(t, core.TypeString, attr.ValueType)
}

func TestReopenPreservesSchemaAndData(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "persist.sqlite")
	ctx := context.Background()

	conn, err := Open(ctx, Options{Path: path})
	require.NoError(t, err)
	definePerson(t, conn)
	report, err := conn.TransactString(ctx, `[[:db/add "p" :person/name "Ada"]]`)
	require.NoError(t, err)
	p := report.TempIDs["p"]
	require.NoError(t, conn.Close())

	conn2, err := Open(ctx, Options{Path: path})
	require.NoError(t, err)
	defer conn2.Close()

	res, err := conn2.QueryString(ctx, `[:find ?n . :in $ ?p :where [?p :person/name ?n]]`,
		map[string]core.Value{"?p": core.NewRef(p)})
	require.NoError(t, err)
	require.True(t, res.Found)
	name, _ := res.Scalar.(core.Value).AsString()
	assert.Equal(t, "Ada", name)

	// Partition cursors resumed past the already-allocated ids.
	user, ok := conn2.Partitions().Get(core.PartUser)
	require.True(t, ok)
	assert.Greater(t, user.Next, core.User0)
	assert.Equal(t, core.User0, user.Start)
}
