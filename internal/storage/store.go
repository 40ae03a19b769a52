package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"atomdb/internal/core"
)

// DB owns the single SQLite connection the rest of the store is built on:
// a thin struct wrapping *sql.DB, with lifecycle methods and no business
// logic of its own beyond the datom log's physical layout.
//
// A DB optionally carries a session transaction (BeginSession): while one
// is open, every read and every InTx call routes through it, so a sequence
// of transact calls can accumulate in a single SQL transaction and observe
// each other's uncommitted writes. Sessions are not mutex-guarded; the
// Conn's single-writer lock is the serialization point.
type DB struct {
	conn    *sql.DB
	session *sql.Tx
}

// querier is the read/exec surface *sql.DB and *sql.Tx share.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// reader returns the open session transaction, if any, else the pooled
// connection.
func (d *DB) reader() querier {
	if d.session != nil {
		return d.session
	}
	return d.conn
}

// BeginSession opens a long-lived SQL transaction that all subsequent reads
// and InTx calls join, until CommitSession or RollbackSession. Backs the
// store's InProgress handle.
func (d *DB) BeginSession(ctx context.Context) error {
	if d.session != nil {
		return fmt.Errorf("storage: a session is already open")
	}
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin session: %w", err)
	}
	d.session = tx
	return nil
}

// CommitSession commits the open session transaction.
func (d *DB) CommitSession() error {
	if d.session == nil {
		return fmt.Errorf("storage: no session open")
	}
	err := d.session.Commit()
	d.session = nil
	if err != nil {
		return fmt.Errorf("storage: commit session: %w", err)
	}
	return nil
}

// RollbackSession aborts the open session transaction; every write staged
// through it is discarded.
func (d *DB) RollbackSession() error {
	if d.session == nil {
		return fmt.Errorf("storage: no session open")
	}
	err := d.session.Rollback()
	d.session = nil
	if err != nil {
		return fmt.Errorf("storage: rollback session: %w", err)
	}
	return nil
}

// Open opens (creating if necessary) the SQLite file at path. ":memory:"
// is accepted and is how tests run: the engine is in-process, so no
// external database fixture is needed.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=off&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	conn.SetMaxOpenConns(1) // single writer; ":memory:" must stay on one connection
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("storage: ping %s: %w", path, err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the underlying connection.
func (d *DB) Close() error { return d.conn.Close() }

// Conn exposes the underlying *sql.DB, bypassing any open session. The
// projector runs its builder-produced queries through Query instead.
func (d *DB) Conn() *sql.DB { return d.conn }

// InTx runs fn inside a single SQL transaction, committing on a nil
// return and rolling back otherwise.
func (d *DB) InTx(ctx context.Context, fn func(*sql.Tx) error) error {
	if d.session != nil {
		// Join the open session: the caller's writes commit (or roll back)
		// with the session as a whole, not individually.
		return fn(d.session)
	}
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit: %w", err)
	}
	return nil
}

// EnsureSchema runs the DDL. Safe to call on every open: every statement is
// IF NOT EXISTS.
func (d *DB) EnsureSchema(ctx context.Context) error {
	if _, err := d.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("storage: create schema: %w", err)
	}
	return nil
}

// IsBootstrapped reports whether the core schema version metadata row has
// already been written (i.e. this is not the first open of this file).
func (d *DB) IsBootstrapped(ctx context.Context) (bool, error) {
	var v string
	err := d.reader().QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, MetaCoreSchemaVersion).Scan(&v)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage: read bootstrap marker: %w", err)
	}
	return true, nil
}

// StoredCoreSchemaVersion reads the persisted core schema version, for
// Bootstrap's open-time version check: an equal version succeeds, and a
// lower or a higher one fails the open. No upgrade step is run.
func (d *DB) StoredCoreSchemaVersion(ctx context.Context) (int64, error) {
	var v int64
	err := d.reader().QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, MetaCoreSchemaVersion).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("storage: read schema version: %w", err)
	}
	return v, nil
}

// InsertDatoms appends ds to the log within tx. Datom rows are never
// updated or deleted once written; retraction is itself a new row with
// Added=false.
func (d *DB) InsertDatoms(tx *sql.Tx, ds []core.Datom, schema *core.Schema) error {
	stmt, err := tx.Prepare(`INSERT INTO datoms
		(e, a, v, value_type_tag, tx, added, index_avet, index_vaet, index_fulltext, unique_value)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("storage: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, d := range ds {
		scalar, tag, err := EncodeValue(d.V)
		if err != nil {
			return err
		}
		attr, _ := schema.AttributeByID(d.A)
		var avet, vaet, fulltext, unique int
		if attr != nil {
			if attr.Indexed || attr.Unique != core.UniqueNone {
				avet = 1
			}
			if attr.IsRef() {
				vaet = 1
			}
			if attr.Fulltext {
				fulltext = 1
			}
			if attr.Unique != core.UniqueNone {
				unique = 1
			}
		}
		added := 0
		if d.Added {
			added = 1
		}
		res, err := stmt.Exec(d.E, d.A, scalar, tag, d.Tx, added, avet, vaet, fulltext, unique)
		if err != nil {
			return fmt.Errorf("storage: insert datom: %w", err)
		}
		if fulltext == 1 && d.Added {
			// Mirror string values of fulltext attributes into the fts5
			// table, keyed by the datom row's rowid.
			rowid, err := res.LastInsertId()
			if err == nil {
				if s, ok := d.V.AsString(); ok {
					if _, err := tx.Exec(`INSERT INTO fulltext (rowid, text) VALUES (?, ?)`, rowid, s); err != nil {
						return fmt.Errorf("storage: insert fulltext row: %w", err)
					}
				}
			}
		}
	}
	return nil
}

// InsertTx records the transaction entity's row in the transactions table.
func (d *DB) InsertTx(tx *sql.Tx, txid core.Entid, instant time.Time) error {
	_, err := tx.Exec(`INSERT INTO transactions (tx, tx_instant) VALUES (?, ?)`, txid, instant.UnixMicro())
	if err != nil {
		return fmt.Errorf("storage: insert transaction: %w", err)
	}
	return nil
}

// SavePartitions upserts every partition in pm.
func (d *DB) SavePartitions(tx *sql.Tx, pm *core.PartitionMap) error {
	for _, name := range pm.Names() {
		p, _ := pm.Get(name)
		allow := 0
		if p.AllowExcision {
			allow = 1
		}
		_, err := tx.Exec(`INSERT INTO partitions (name, start, end, next, allow_excision)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET start=excluded.start, end=excluded.end, next=excluded.next, allow_excision=excluded.allow_excision`,
			p.Name, p.Start, p.End, p.Next, allow)
		if err != nil {
			return fmt.Errorf("storage: save partition %s: %w", name, err)
		}
	}
	return nil
}

// LoadPartitions reconstructs a PartitionMap from the partitions table.
func (d *DB) LoadPartitions(ctx context.Context) (*core.PartitionMap, error) {
	rows, err := d.reader().QueryContext(ctx, `SELECT name, start, end, next, allow_excision FROM partitions`)
	if err != nil {
		return nil, fmt.Errorf("storage: load partitions: %w", err)
	}
	defer rows.Close()

	pm := core.NewPartitionMap()
	for rows.Next() {
		var name string
		var start, end, next int64
		var allow int
		if err := rows.Scan(&name, &start, &end, &next, &allow); err != nil {
			return nil, fmt.Errorf("storage: scan partition: %w", err)
		}
		pm.Install(core.Partition{Name: name, Start: start, End: end, Next: next, AllowExcision: allow != 0})
	}
	return pm, rows.Err()
}

// SetMetadata upserts a single metadata key/value pair.
func (d *DB) SetMetadata(tx *sql.Tx, key, value string) error {
	_, err := tx.Exec(`INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("storage: set metadata %s: %w", key, err)
	}
	return nil
}
