package core

// Core partition names, installed at bootstrap.
const (
	PartDB   = "db.part/db"
	PartUser = "db.part/user"
	PartTx   = "db.part/tx"
)

// Well-known core attribute idents.
var (
	IdentIdent       = NewKeyword("db", "ident")
	IdentValueType   = NewKeyword("db", "valueType")
	IdentCardinality = NewKeyword("db", "cardinality")
	IdentUnique      = NewKeyword("db", "unique")
	IdentIndex       = NewKeyword("db", "index")
	IdentFulltext    = NewKeyword("db", "fulltext")
	IdentIsComponent = NewKeyword("db", "isComponent")
	IdentNoHistory   = NewKeyword("db", "noHistory")
	IdentTxInstant   = NewKeyword("db", "txInstant")
	IdentSchemaCore  = NewKeyword("db.schema", "core")
)

// bootstrapAttributes lists the core schema installed as tx0, in allocation
// order; their entids are DbSchemaCoreRoot, DbSchemaCoreRoot+1, ….
func bootstrapAttributes() []Attribute {
	return []Attribute{
		{Ident: IdentIdent, ValueType: TypeKeyword, Cardinality: CardinalityOne, Unique: UniqueIdentity},
		{Ident: IdentValueType, ValueType: TypeRef, Cardinality: CardinalityOne},
		{Ident: IdentCardinality, ValueType: TypeRef, Cardinality: CardinalityOne},
		{Ident: IdentUnique, ValueType: TypeRef, Cardinality: CardinalityOne},
		{Ident: IdentIndex, ValueType: TypeBoolean, Cardinality: CardinalityOne},
		{Ident: IdentFulltext, ValueType: TypeBoolean, Cardinality: CardinalityOne},
		{Ident: IdentIsComponent, ValueType: TypeBoolean, Cardinality: CardinalityOne},
		{Ident: IdentNoHistory, ValueType: TypeBoolean, Cardinality: CardinalityOne},
		{Ident: IdentTxInstant, ValueType: TypeInstant, Cardinality: CardinalityOne},
		{Ident: IdentSchemaCore, ValueType: TypeLong, Cardinality: CardinalityOne},
	}
}

// BootstrapSchema returns the core schema installed at first open, and the
// entid assigned to each core attribute ident (including :db/txInstant,
// needed to tag tx0 itself).
func BootstrapSchema() (*Schema, map[Keyword]Entid) {
	b := NewSchemaBuilder(nil)
	ids := map[Keyword]Entid{}
	next := DbSchemaCoreRoot
	for _, a := range bootstrapAttributes() {
		if err := b.Define(next, a); err != nil {
			// Bootstrap attributes are fixed and known-valid; a failure here
			// is an implementation bug, not a user error.
			panic(err)
		}
		ids[a.Ident] = next
		next++
	}
	return b.Build(), ids
}

// BootstrapPartitions returns the db/user/tx partitions installed at first
// open. DB partition ids below User0 are reserved for core schema
// entities.
func BootstrapPartitions() *PartitionMap {
	m := NewPartitionMap()
	m.Install(Partition{Name: PartDB, Start: 0, End: User0, Next: DbSchemaCoreRoot + Entid(len(bootstrapAttributes()))})
	m.Install(Partition{Name: PartUser, Start: User0, End: Tx0, Next: User0})
	m.Install(Partition{Name: PartTx, Start: Tx0, End: Tx0 + (1 << 40), Next: Tx0, AllowExcision: false})
	return m
}
