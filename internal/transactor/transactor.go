package transactor

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"atomdb/internal/core"
	"atomdb/internal/edn/form"
	"atomdb/internal/storage"
)

// Transactor runs the transaction pipeline against a storage.DB, publishing
// post-commit notifications to registered watchers. It holds no schema or
// partition state of its own; those flow in and out of Transact, because
// the Conn, not the Transactor, is the exclusive owner of that mutable
// state (copy-on-write snapshots are what Transact hands back).
type Transactor struct {
	db *storage.DB

	mu       sync.Mutex
	nextID   int
	watchers map[int]Watcher
}

// New returns a Transactor writing through db.
func New(db *storage.DB) *Transactor {
	return &Transactor{db: db, watchers: map[int]Watcher{}}
}

// RegisterWatcher adds w to the set notified after every successful commit,
// returning a token for RemoveWatcher.
func (t *Transactor) RegisterWatcher(w Watcher) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	t.watchers[id] = w
	return id
}

// RemoveWatcher unregisters a previously registered watcher. A stale or
// unknown id is a harmless no-op.
func (t *Transactor) RemoveWatcher(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.watchers, id)
}

func (t *Transactor) snapshotWatchers() []Watcher {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Watcher, 0, len(t.watchers))
	for _, w := range t.watchers {
		out = append(out, w)
	}
	return out
}

// Transact runs the full pipeline against terms,
// reading pre-transaction state from (schema, pm) and returning the new
// (Schema, PartitionMap) the caller (store.Conn) must atomically publish on
// success. explicitInstant, if non-nil, supplies :db/txInstant instead of
// the current wall-clock time.
//
// Every read (lookup-ref, upsert, validate, materialize, alteration-rule
// checks) runs against currently-committed state before any SQL write
// begins; only the final insert/commit sequence runs inside a SQL
// transaction, because storage.DB pools a single connection and a nested
// read through *sql.DB while a *sql.Tx holds that connection would block
// forever.
func (t *Transactor) Transact(ctx context.Context, schema *core.Schema, pm *core.PartitionMap, terms []form.Term, explicitInstant *time.Time) (*Report, *core.Schema, *core.PartitionMap, error) {
	pending, err := classify(terms, schema)
	if err != nil {
		return nil, nil, nil, err
	}

	workingPM := pm.Clone()

	candidates, bindings, err := resolve(ctx, t.db, schema, workingPM, pending)
	if err != nil {
		return nil, nil, nil, err
	}

	if err := validate(ctx, t.db, candidates); err != nil {
		return nil, nil, nil, err
	}

	txInstantA, ok := schema.EntidForIdent(core.IdentTxInstant)
	if !ok {
		return nil, nil, nil, fmt.Errorf("transactor: schema has no :db/txInstant attribute bound")
	}
	txID, txDatom, err := materializeTx(workingPM, txInstantA, explicitInstant)
	if err != nil {
		return nil, nil, nil, err
	}

	datoms, err := materialize(ctx, t.db, schema, txID, candidates)
	if err != nil {
		return nil, nil, nil, err
	}
	datoms = append(datoms, txDatom)

	newSchema, err := reflect(ctx, t.db, schema, datoms)
	if err != nil {
		return nil, nil, nil, err
	}

	now := time.Now()
	if explicitInstant != nil {
		now = *explicitInstant
	}
	err = t.db.InTx(ctx, func(tx *sql.Tx) error {
		if err := t.db.InsertDatoms(tx, datoms, newSchema); err != nil {
			return err
		}
		if err := t.db.InsertTx(tx, txID, now); err != nil {
			return err
		}
		return t.db.SavePartitions(tx, workingPM)
	})
	if err != nil {
		return nil, nil, nil, err
	}

	report := &Report{TxID: txID, Datoms: datoms, TempIDs: bindings}
	for _, w := range t.snapshotWatchers() {
		w.OnCommit(txID, datoms)
	}
	return report, newSchema, workingPM, nil
}
