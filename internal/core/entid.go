package core

// Entid is a 64-bit entity id allocated out of a partition. Ids are dense
// within a partition.
type Entid = int64

// Reserved ids.
const (
	// DbSchemaCoreRoot is the first id allocated in the db partition: the
	// entid of the first core schema attribute, :db/ident.
	DbSchemaCoreRoot Entid = 1

	// User0 is the first entid available for user-allocated entities.
	User0 Entid = 0x10000

	// Tx0 is the entid of the root transaction installed at bootstrap, and
	// the first id in the tx partition.
	Tx0 Entid = 0x10000000
)

// CoreSchemaVersion is the version this implementation's bootstrap schema
// declares via :db.schema/core. A store opened with a higher version fails
// to open; a lower version triggers an upgrade attempt (see store.Open).
const CoreSchemaVersion int64 = 1
