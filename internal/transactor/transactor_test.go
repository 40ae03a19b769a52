package transactor

import (
	"context"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atomdb/internal/core"
	"atomdb/internal/edn"
	"atomdb/internal/edn/form"
	"atomdb/internal/storage"
)

// txEnv is one bootstrapped in-memory store plus the evolving
// schema/partition snapshots a Conn would hold.
type txEnv struct {
	t      *testing.T
	db     *storage.DB
	tr     *Transactor
	schema *core.Schema
	pm     *core.PartitionMap
}

func newTxEnv(t *testing.T) *txEnv {
	t.Helper()
	ctx := context.Background()
	db, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.EnsureSchema(ctx))
	require.NoError(t, storage.Bootstrap(ctx, db))
	schema, err := storage.LoadSchema(ctx, db)
	require.NoError(t, err)
	pm, err := db.LoadPartitions(ctx)
	require.NoError(t, err)
	return &txEnv{t: t, db: db, tr: New(db), schema: schema, pm: pm}
}

func mustTerms(t *testing.T, src string) []form.Term {
	t.Helper()
	node, err := edn.NewReader(src).ReadOne()
	require.NoError(t, err)
	terms, err := form.ParseTransaction(node)
	require.NoError(t, err)
	return terms
}

func (e *txEnv) transact(src string) *Report {
	e.t.Helper()
	report, err := e.try(src)
	require.NoError(e.t, err)
	return report
}

func (e *txEnv) try(src string) (*Report, error) {
	e.t.Helper()
	report, schema, pm, err := e.tr.Transact(context.Background(), e.schema, e.pm, mustTerms(e.t, src), nil)
	if err != nil {
		return nil, err
	}
	e.schema, e.pm = schema, pm
	return report, nil
}

func (e *txEnv) defineStringAttr(ident string, unique string) {
	e.t.Helper()
	src := `[[:db/add "a" :db/ident ` + ident + `]
	         [:db/add "a" :db/valueType :db.type/string]
	         [:db/add "a" :db/cardinality :db.cardinality/one]]`
	e.transact(src)
	if unique != "" {
		e.transact(`[[:db/add ` + ident + ` :db/unique :db.unique/` + unique + `]]`)
	}
}

func (e *txEnv) liveOne(entity core.Entid, ident string) (core.Value, bool) {
	e.t.Helper()
	kw := parseKw(ident)
	a, ok := e.schema.EntidForIdent(kw)
	require.True(e.t, ok, "attribute %s not in schema", ident)
	v, found, err := e.db.LiveOne(context.Background(), entity, a)
	require.NoError(e.t, err)
	return v, found
}

func parseKw(s string) core.Keyword {
	s = s[1:]
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return core.NewKeyword(s[:i], s[i+1:])
		}
	}
	return core.NewKeyword("", s)
}

func TestDefineAttributeAndInsert(t *testing.T) {
	e := newTxEnv(t)
	e.defineStringAttr(":person/name", "")

	report := e.transact(`[[:db/add "p" :person/name "Alice"]]`)
	p, ok := report.TempIDs["p"]
	require.True(t, ok)
	assert.GreaterOrEqual(t, p, core.User0)

	v, found := e.liveOne(p, ":person/name")
	require.True(t, found)
	name, _ := v.AsString()
	assert.Equal(t, "Alice", name)
}

func TestTxIDsStrictlyIncrease(t *testing.T) {
	e := newTxEnv(t)
	e.defineStringAttr(":person/name", "")
	r1 := e.transact(`[[:db/add "p" :person/name "A"]]`)
	r2 := e.transact(`[[:db/add "q" :person/name "B"]]`)
	assert.Greater(t, r2.TxID, r1.TxID)
	assert.Greater(t, r1.TxID, core.Tx0)
}

func TestCardinalityOneReplacesPrior(t *testing.T) {
	e := newTxEnv(t)
	e.defineStringAttr(":person/name", "")
	r1 := e.transact(`[[:db/add "p" :person/name "Alice"]]`)
	p := r1.TempIDs["p"]

	r2, _, _, err := e.tr.Transact(context.Background(), e.schema, e.pm,
		mustTerms(t, `[[:db/add `+itoa(p)+` :person/name "Alicia"]]`), nil)
	require.NoError(t, err)

	// The replacement tx both retracts the prior value and asserts the new
	// one, plus its own tx entity datom.
	var added, retracted int
	for _, d := range r2.Datoms {
		if d.E != p {
			continue
		}
		if d.Added {
			added++
		} else {
			retracted++
		}
	}
	assert.Equal(t, 1, added)
	assert.Equal(t, 1, retracted)
}

func TestUpsertMergesTempids(t *testing.T) {
	e := newTxEnv(t)
	e.defineStringAttr(":person/email", "identity")
	e.defineStringAttr(":person/name", "")
	e.transact(`[[:db/add "a" :db/ident :person/age]
	             [:db/add "a" :db/valueType :db.type/long]
	             [:db/add "a" :db/cardinality :db.cardinality/one]]`)

	report := e.transact(`[[:db/add "x" :person/email "a@b"]
	                       [:db/add "y" :person/email "a@b"]
	                       [:db/add "x" :person/name "A"]
	                       [:db/add "y" :person/age 30]]`)
	x, y := report.TempIDs["x"], report.TempIDs["y"]
	assert.Equal(t, x, y, "tempids sharing an identity (a,v) must bind to one entity")

	v, found := e.liveOne(x, ":person/name")
	require.True(t, found)
	name, _ := v.AsString()
	assert.Equal(t, "A", name)
	v, found = e.liveOne(x, ":person/age")
	require.True(t, found)
	age, _ := v.AsLong()
	assert.Equal(t, int64(30), age)

	// Both merged terms asserted the same email; exactly one live datom may
	// exist for the cardinality-one (e, a).
	emailA, ok := e.schema.EntidForIdent(core.NewKeyword("person", "email"))
	require.True(t, ok)
	live, err := e.db.LiveDatomsForAttr(context.Background(), emailA)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, x, live[0].E)
}

func TestUpsertBindsToExistingEntity(t *testing.T) {
	e := newTxEnv(t)
	e.defineStringAttr(":person/email", "identity")
	e.defineStringAttr(":person/name", "")
	r1 := e.transact(`[[:db/add "e" :person/email "a@b"]]`)
	e1 := r1.TempIDs["e"]

	r2 := e.transact(`[[:db/add "n" :person/email "a@b"] [:db/add "n" :person/name "B"]]`)
	assert.Equal(t, e1, r2.TempIDs["n"], "upsert must merge into the existing holder")
}

func TestUpsertIdempotence(t *testing.T) {
	e := newTxEnv(t)
	e.defineStringAttr(":person/email", "identity")

	e.transact(`[[:db/add "x" :person/email "a@b"]]`)
	r2 := e.transact(`[[:db/add "x" :person/email "a@b"]]`)
	// The second tx carries nothing beyond its own tx entity datom.
	require.Len(t, r2.Datoms, 1)
	assert.Equal(t, r2.TxID, r2.Datoms[0].E)
}

func TestUpsertConflict(t *testing.T) {
	e := newTxEnv(t)
	e.defineStringAttr(":person/email", "identity")
	e.transact(`[[:db/add "a" :person/email "a@b"]]`)
	e.transact(`[[:db/add "b" :person/email "c@d"]]`)

	_, err := e.try(`[[:db/add "t" :person/email "a@b"] [:db/add "t" :person/email "c@d"]]`)
	require.Error(t, err)
	var txErr *Error
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, KindUpsertConflict, txErr.Kind)
}

func TestUniquenessConflict(t *testing.T) {
	e := newTxEnv(t)
	e.defineStringAttr(":person/email", "value")
	r1 := e.transact(`[[:db/add "a" :person/email "a@b"]]`)

	_, err := e.try(`[[:db/add ` + itoa(r1.TempIDs["a"]+1000) + ` :person/email "a@b"]]`)
	require.Error(t, err)
	var txErr *Error
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, KindUniquenessConflict, txErr.Kind)
}

func TestIntraTxUniquenessConflict(t *testing.T) {
	e := newTxEnv(t)
	e.defineStringAttr(":person/email", "value")

	_, err := e.try(`[[:db/add 70000 :person/email "a@b"] [:db/add 70001 :person/email "a@b"]]`)
	require.Error(t, err)
	var txErr *Error
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, KindUniquenessConflict, txErr.Kind)
}

func TestUnknownAttribute(t *testing.T) {
	e := newTxEnv(t)
	_, err := e.try(`[[:db/add "p" :no/such "x"]]`)
	require.Error(t, err)
	var txErr *Error
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, KindUnknownAttribute, txErr.Kind)
	assert.True(t, txErr.HasSpan)
}

func TestBadTypeCoercion(t *testing.T) {
	e := newTxEnv(t)
	e.defineStringAttr(":person/name", "")
	_, err := e.try(`[[:db/add "p" :person/name 42]]`)
	require.Error(t, err)
	var txErr *Error
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, KindBadTypeCoercion, txErr.Kind)
}

func TestIntraTxCardinalityConflict(t *testing.T) {
	e := newTxEnv(t)
	e.defineStringAttr(":person/name", "")
	_, err := e.try(`[[:db/add "p" :person/name "A"] [:db/add "p" :person/name "B"]]`)
	require.Error(t, err)
	var txErr *Error
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, KindCardinalityConflict, txErr.Kind)
}

func TestLookupRefResolvesEntity(t *testing.T) {
	e := newTxEnv(t)
	e.defineStringAttr(":person/email", "identity")
	e.defineStringAttr(":person/name", "")
	r1 := e.transact(`[[:db/add "p" :person/email "a@b"]]`)
	p := r1.TempIDs["p"]

	e.transact(`[[:db/add [:person/email "a@b"] :person/name "Alice"]]`)
	v, found := e.liveOne(p, ":person/name")
	require.True(t, found)
	name, _ := v.AsString()
	assert.Equal(t, "Alice", name)
}

func TestMissingLookupRef(t *testing.T) {
	e := newTxEnv(t)
	e.defineStringAttr(":person/email", "identity")
	e.defineStringAttr(":person/name", "")

	_, err := e.try(`[[:db/add [:person/email "none@x"] :person/name "A"]]`)
	require.Error(t, err)
	var txErr *Error
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, KindMissingLookupRef, txErr.Kind)

	// The same miss on a retraction drops the term as a no-op.
	r := e.transact(`[[:db/retract [:person/email "none@x"] :person/name "A"]]`)
	require.Len(t, r.Datoms, 1) // only the tx entity datom
}

func TestReversedAttributeSymmetry(t *testing.T) {
	e := newTxEnv(t)
	e.transact(`[[:db/add "a" :db/ident :person/friend]
	             [:db/add "a" :db/valueType :db.type/ref]
	             [:db/add "a" :db/cardinality :db.cardinality/one]]`)

	r1 := e.transact(`[[:db/add "p" :db/ident :p/one] [:db/add "q" :db/ident :p/two]]`)
	p, q := r1.TempIDs["p"], r1.TempIDs["q"]

	// [:db/add q :person/_friend p] must equal [:db/add p :person/friend q].
	e.transact(`[[:db/add ` + itoa(q) + ` :person/_friend ` + itoa(p) + `]]`)
	v, found := e.liveOne(p, ":person/friend")
	require.True(t, found)
	ref, _ := v.AsRef()
	assert.Equal(t, q, ref)
}

func TestReversedAttributeRejectedOnNonRef(t *testing.T) {
	e := newTxEnv(t)
	e.defineStringAttr(":person/name", "")
	_, err := e.try(`[[:db/add 70000 :person/_name 70001]]`)
	require.Error(t, err)
	var txErr *Error
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, KindBadTypeCoercion, txErr.Kind)
}

func TestMapNotationExpands(t *testing.T) {
	e := newTxEnv(t)
	e.defineStringAttr(":person/name", "")
	e.defineStringAttr(":person/email", "identity")

	r := e.transact(`[{:person/name "Ada" :person/email "ada@b"}]`)
	var entity core.Entid
	for _, id := range r.TempIDs {
		entity = id
	}
	v, found := e.liveOne(entity, ":person/name")
	require.True(t, found)
	name, _ := v.AsString()
	assert.Equal(t, "Ada", name)
}

func TestComponentRetractionCascades(t *testing.T) {
	e := newTxEnv(t)
	e.transact(`[[:db/add "a" :db/ident :order/line]
	             [:db/add "a" :db/valueType :db.type/ref]
	             [:db/add "a" :db/cardinality :db.cardinality/one]
	             [:db/add "a" :db/isComponent true]]`)
	e.defineStringAttr(":line/sku", "")

	r1 := e.transact(`[[:db/add "o" :order/line "l"] [:db/add "l" :line/sku "X-1"]]`)
	o, l := r1.TempIDs["o"], r1.TempIDs["l"]

	e.transact(`[[:db/retract ` + itoa(o) + ` :order/line ` + itoa(l) + `]]`)
	_, found := e.liveOne(l, ":line/sku")
	assert.False(t, found, "component retraction must cascade to the line entity")
}

func TestCardinalityNarrowingRejected(t *testing.T) {
	e := newTxEnv(t)
	e.transact(`[[:db/add "a" :db/ident :a/tags]
	             [:db/add "a" :db/valueType :db.type/string]
	             [:db/add "a" :db/cardinality :db.cardinality/many]]`)
	e.transact(`[[:db/add 70000 :a/tags "x"] [:db/add 70000 :a/tags "y"]]`)

	_, err := e.try(`[[:db/add :a/tags :db/cardinality :db.cardinality/one]]`)
	require.Error(t, err)
	var txErr *Error
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, KindSchemaAlterationConflict, txErr.Kind)
}

func TestCardinalityNarrowingAllowedWhenSingleValued(t *testing.T) {
	e := newTxEnv(t)
	e.transact(`[[:db/add "a" :db/ident :a/tag]
	             [:db/add "a" :db/valueType :db.type/string]
	             [:db/add "a" :db/cardinality :db.cardinality/many]]`)
	e.transact(`[[:db/add 70000 :a/tag "only"]]`)

	e.transact(`[[:db/add :a/tag :db/cardinality :db.cardinality/one]]`)
	attr, _, ok := e.schema.AttributeByIdent(core.NewKeyword("a", "tag"))
	require.True(t, ok)
	assert.Equal(t, core.CardinalityOne, attr.Cardinality)
}

func TestAddingUniquenessToDuplicatedAttrRejected(t *testing.T) {
	e := newTxEnv(t)
	e.defineStringAttr(":person/nick", "")
	e.transact(`[[:db/add 70000 :person/nick "dup"] [:db/add 70001 :person/nick "dup"]]`)

	_, err := e.try(`[[:db/add :person/nick :db/unique :db.unique/value]]`)
	require.Error(t, err)
	var txErr *Error
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, KindSchemaAlterationConflict, txErr.Kind)
}

func TestReservedIdentRejected(t *testing.T) {
	e := newTxEnv(t)
	_, err := e.try(`[[:db/add "a" :db/ident :db.mine/thing]]`)
	require.Error(t, err)
	var txErr *Error
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, KindReservedIdent, txErr.Kind)

	_, err = e.try(`[[:db/add "a" :db/ident :db/mine]]`)
	require.Error(t, err)
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, KindReservedIdent, txErr.Kind)
}

func TestWatcherReceivesCommit(t *testing.T) {
	e := newTxEnv(t)
	e.defineStringAttr(":person/name", "")

	var gotTx core.Entid
	var gotDatoms []core.Datom
	token := e.tr.RegisterWatcher(WatcherFunc(func(txID core.Entid, datoms []core.Datom) {
		gotTx = txID
		gotDatoms = datoms
	}))
	defer e.tr.RemoveWatcher(token)

	r := e.transact(`[[:db/add "p" :person/name "A"]]`)
	assert.Equal(t, r.TxID, gotTx)
	assert.Equal(t, r.Datoms, gotDatoms)
}

func itoa(n core.Entid) string { return strconv.FormatInt(n, 10) }
