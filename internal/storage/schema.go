// Package storage owns the persisted schema: the
// datoms/transactions/partitions/metadata tables and the bootstrap sequence
// that installs the core schema as tx0. Everything above this package reads
// and writes datoms through it; nothing below it knows about entities,
// attributes, or values: storage.DB only ever sees typed SQL scalars plus
// a value_type_tag column that disambiguates what a bare INTEGER or TEXT
// column actually holds (ref vs long, keyword vs string).
package storage

// ddl is executed by EnsureSchema on every open, outside any transaction.
// CREATE TABLE IF NOT EXISTS makes re-opening an existing store a no-op
// here; IsBootstrapped's check for the core schema version metadata row
// decides whether the core schema itself still needs to be written.
const ddl = `
CREATE TABLE IF NOT EXISTS datoms (
	e               INTEGER NOT NULL,
	a               INTEGER NOT NULL,
	v               NOT NULL,
	value_type_tag  INTEGER NOT NULL,
	tx              INTEGER NOT NULL,
	added           INTEGER NOT NULL,
	index_avet      INTEGER NOT NULL DEFAULT 0,
	index_vaet      INTEGER NOT NULL DEFAULT 0,
	index_fulltext  INTEGER NOT NULL DEFAULT 0,
	unique_value    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS datoms_eavt ON datoms(e, a, v, tx);
CREATE INDEX IF NOT EXISTS datoms_aevt ON datoms(a, e, v, tx);
CREATE INDEX IF NOT EXISTS datoms_avet ON datoms(a, v, e, tx) WHERE index_avet = 1;
CREATE INDEX IF NOT EXISTS datoms_vaet ON datoms(v, a, e, tx) WHERE index_vaet = 1;

CREATE TABLE IF NOT EXISTS transactions (
	tx         INTEGER PRIMARY KEY,
	tx_instant INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS partitions (
	name           TEXT PRIMARY KEY,
	start          INTEGER NOT NULL,
	end            INTEGER NOT NULL,
	next           INTEGER NOT NULL,
	allow_excision INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS metadata (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE VIRTUAL TABLE IF NOT EXISTS fulltext USING fts5(text, content='');
`

// MetaCoreSchemaVersion is the metadata key storing the core schema
// version installed at bootstrap (version attribute, mirrored
// into metadata so it can be checked before the Schema is even loaded).
const MetaCoreSchemaVersion = "db.schema/core-version"
