// Package store is the library boundary: a Conn owns the live SQL
// connection, the current Schema and PartitionMap snapshots, the attribute
// cache, and the observer registry. Writers serialize through the Conn's
// write lock; readers take copy-on-write snapshots and never block a
// writer.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"atomdb/internal/cache"
	"atomdb/internal/core"
	"atomdb/internal/edn"
	"atomdb/internal/edn/form"
	"atomdb/internal/edn/tomlseed"
	"atomdb/internal/obslog"
	"atomdb/internal/query"
	"atomdb/internal/storage"
	"atomdb/internal/transactor"
)

// Options configures Open.
type Options struct {
	// Path is the SQLite file to open; ":memory:" gives an ephemeral store.
	Path string

	// Logger receives open/commit diagnostics. Nil means no logging.
	Logger *zap.Logger

	// SeedPath, when set, names a TOML attribute-seed file transacted on
	// first bootstrap (see internal/edn/tomlseed). Ignored on an
	// already-bootstrapped store.
	SeedPath string

	// CacheAttrs lists attribute idents to eagerly cache at open.
	CacheAttrs []core.Keyword
}

// Conn is a live handle on one store.
type Conn struct {
	db  *storage.DB
	tr  *transactor.Transactor
	log *zap.Logger

	// writeMu serializes writers (single-writer). stateMu
	// guards the published snapshots, which readers copy under RLock.
	writeMu sync.Mutex
	stateMu sync.RWMutex
	schema  *core.Schema
	pm      *core.PartitionMap

	caches    *cache.Registry
	observers *cache.ObserverRegistry
}

// Open opens (bootstrapping if empty) the store at opts.Path.
func Open(ctx context.Context, opts Options) (*Conn, error) {
	log := opts.Logger
	if log == nil {
		log = obslog.Nop()
	}

	db, err := storage.Open(opts.Path)
	if err != nil {
		return nil, wrapErr("open", err)
	}
	if err := db.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, wrapErr("open", err)
	}
	already, err := db.IsBootstrapped(ctx)
	if err != nil {
		_ = db.Close()
		return nil, wrapErr("open", err)
	}
	fresh := !already
	if err := storage.Bootstrap(ctx, db); err != nil {
		_ = db.Close()
		return nil, wrapErr("open", err)
	}

	schema, err := storage.LoadSchema(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, wrapErr("open", err)
	}
	pm, err := db.LoadPartitions(ctx)
	if err != nil {
		_ = db.Close()
		return nil, wrapErr("open", err)
	}

	c := &Conn{
		db:        db,
		tr:        transactor.New(db),
		log:       log,
		schema:    schema,
		pm:        pm,
		caches:    cache.NewRegistry(db),
		observers: cache.NewObserverRegistry(),
	}
	log.Info("store opened", zap.String("path", opts.Path), zap.Bool("bootstrapped", fresh))

	if fresh && opts.SeedPath != "" {
		terms, err := tomlseed.NewParser().ParseFile(opts.SeedPath)
		if err != nil {
			_ = db.Close()
			return nil, wrapErr("seed", err)
		}
		if _, err := c.Transact(ctx, terms); err != nil {
			_ = db.Close()
			return nil, wrapErr("seed", err)
		}
		log.Info("seed schema installed", zap.String("seed", opts.SeedPath))
	}

	for _, ident := range opts.CacheAttrs {
		if err := c.CacheAttribute(ctx, ident, cache.FillEager); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return c, nil
}

// Close releases the SQL connection. Pending InProgress handles must be
// committed or aborted first.
func (c *Conn) Close() error {
	return c.db.Close()
}

// Schema returns the current published schema snapshot. The snapshot is
// immutable; a later commit publishes a new one rather than mutating it.
func (c *Conn) Schema() *core.Schema {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.schema
}

// Partitions returns a copy of the current partition map.
func (c *Conn) Partitions() *core.PartitionMap {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.pm.Clone()
}

// Transact runs one transaction to commit (full pipeline),
// publishes the new schema/partition snapshots, updates caches, and
// dispatches observers, in that order, so an observer reading a cache
// during delivery sees post-commit state.
func (c *Conn) Transact(ctx context.Context, terms []form.Term) (*transactor.Report, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.transactLocked(ctx, terms, nil)
}

// TransactAt is Transact with an explicit :db/txInstant.
func (c *Conn) TransactAt(ctx context.Context, terms []form.Term, instant time.Time) (*transactor.Report, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.transactLocked(ctx, terms, &instant)
}

func (c *Conn) transactLocked(ctx context.Context, terms []form.Term, instant *time.Time) (*transactor.Report, error) {
	c.stateMu.RLock()
	schema, pm := c.schema, c.pm
	c.stateMu.RUnlock()

	report, newSchema, newPM, err := c.tr.Transact(ctx, schema, pm, terms, instant)
	if err != nil {
		return nil, wrapErr("transact", err)
	}
	c.publish(newSchema, newPM)
	c.deliver(report)
	return report, nil
}

func (c *Conn) publish(schema *core.Schema, pm *core.PartitionMap) {
	c.stateMu.Lock()
	c.schema = schema
	c.pm = pm
	c.stateMu.Unlock()
}

// deliver replays a committed report into the caches and then the
// observers; cache updates happen-before observer delivery.
func (c *Conn) deliver(report *transactor.Report) {
	c.caches.Apply(report.Datoms)
	c.observers.Dispatch(report.TxID, report.Datoms)
	c.log.Debug("transaction committed",
		zap.Int64("tx", report.TxID),
		zap.Int("datoms", len(report.Datoms)))
}

// TransactString parses src as a transaction form and transacts it.
func (c *Conn) TransactString(ctx context.Context, src string) (*transactor.Report, error) {
	terms, err := parseTransaction(src)
	if err != nil {
		return nil, err
	}
	return c.Transact(ctx, terms)
}

func parseTransaction(src string) ([]form.Term, error) {
	node, err := edn.NewReader(src).ReadOne()
	if err != nil {
		return nil, wrapErr("parse", err)
	}
	terms, err := form.ParseTransaction(node)
	if err != nil {
		return nil, wrapErr("parse", err)
	}
	return terms, nil
}

// Query algebrizes and executes q against the current schema snapshot. in
// supplies values for the :in variables (the "$" source is implicit).
func (c *Conn) Query(ctx context.Context, q form.Query, in map[string]core.Value) (*query.Result, error) {
	schema := c.Schema()
	plan, err := query.Algebrize(q, schema)
	if err != nil {
		return nil, wrapErr("query", err)
	}
	res, err := query.Project(ctx, c.db, schema, plan, in)
	if err != nil {
		return nil, wrapErr("query", err)
	}
	return res, nil
}

// QueryString parses src as a query form and executes it.
func (c *Conn) QueryString(ctx context.Context, src string, in map[string]core.Value) (*query.Result, error) {
	node, err := edn.NewReader(src).ReadOne()
	if err != nil {
		return nil, wrapErr("parse", err)
	}
	q, err := form.ParseQuery(node)
	if err != nil {
		return nil, wrapErr("parse", err)
	}
	return c.Query(ctx, q, in)
}

// Pull fetches the requested attributes of each entity id against the
// current snapshot.
func (c *Conn) Pull(ctx context.Context, ids []core.Entid, attrs []core.Keyword, wildcard bool) ([]query.PullMap, error) {
	res, err := query.Pull(ctx, c.db, c.Schema(), ids, attrs, wildcard)
	if err != nil {
		return nil, wrapErr("pull", err)
	}
	return res, nil
}

// RegisterObserver subscribes sub to commits touching attrs, returning a
// token for UnregisterObserver.
func (c *Conn) RegisterObserver(attrs []core.Keyword, sub cache.Subscriber) (int, error) {
	schema := c.Schema()
	ids := make([]core.Entid, 0, len(attrs))
	for _, ident := range attrs {
		id, ok := schema.EntidForIdent(ident)
		if !ok {
			return 0, wrapErr("observe", &core.SchemaError{Ident: ident, Message: "unknown attribute ident"})
		}
		ids = append(ids, id)
	}
	return c.observers.Register(ids, sub), nil
}

// UnregisterObserver removes a subscription.
func (c *Conn) UnregisterObserver(id int) {
	c.observers.Unregister(id)
}

// CacheAttribute registers an in-memory cache for the named attribute.
func (c *Conn) CacheAttribute(ctx context.Context, ident core.Keyword, mode cache.FillMode) error {
	schema := c.Schema()
	id, ok := schema.EntidForIdent(ident)
	if !ok {
		return wrapErr("cache", &core.SchemaError{Ident: ident, Message: "unknown attribute ident"})
	}
	if err := c.caches.Register(ctx, schema, id, mode); err != nil {
		return wrapErr("cache", err)
	}
	return nil
}

// UncacheAttribute drops the named attribute's cache, if registered.
func (c *Conn) UncacheAttribute(ident core.Keyword) {
	if id, ok := c.Schema().EntidForIdent(ident); ok {
		c.caches.Unregister(id)
	}
}

// CachedAttribute returns the live cache for ident, if one is registered.
func (c *Conn) CachedAttribute(ident core.Keyword) (*cache.AttributeCache, bool) {
	id, ok := c.Schema().EntidForIdent(ident)
	if !ok {
		return nil, false
	}
	return c.caches.Get(id)
}

// Begin opens an InProgress handle: a single SQL transaction that multiple
// Transact calls accumulate in, each observing the previous calls' schema
// changes. The Conn's write path is held until Commit or Abort.
func (c *Conn) Begin(ctx context.Context) (*InProgress, error) {
	c.writeMu.Lock()
	if err := c.db.BeginSession(ctx); err != nil {
		c.writeMu.Unlock()
		return nil, wrapErr("begin", err)
	}
	c.stateMu.RLock()
	schema, pm := c.schema, c.pm
	c.stateMu.RUnlock()
	return &InProgress{conn: c, schema: schema, pm: pm}, nil
}

// InProgress accumulates transact calls in one SQL transaction. Dropping
// the handle without Commit leaves the SQL transaction open until Abort;
// callers are expected to defer Abort (a no-op after Commit).
type InProgress struct {
	conn    *Conn
	schema  *core.Schema
	pm      *core.PartitionMap
	reports []*transactor.Report
	done    bool
}

// Transact stages one transaction inside this handle's SQL transaction. Its
// datoms and schema changes are visible to later Transact calls on the same
// handle, but not to readers until Commit.
func (p *InProgress) Transact(ctx context.Context, terms []form.Term) (*transactor.Report, error) {
	if p.done {
		return nil, wrapErr("transact", fmt.Errorf("in-progress handle already finished"))
	}
	report, newSchema, newPM, err := p.conn.tr.Transact(ctx, p.schema, p.pm, terms, nil)
	if err != nil {
		return nil, wrapErr("transact", err)
	}
	p.schema = newSchema
	p.pm = newPM
	p.reports = append(p.reports, report)
	return report, nil
}

// TransactString parses src as a transaction form and stages it.
func (p *InProgress) TransactString(ctx context.Context, src string) (*transactor.Report, error) {
	terms, err := parseTransaction(src)
	if err != nil {
		return nil, err
	}
	return p.Transact(ctx, terms)
}

// Commit commits the accumulated SQL transaction, publishes the final
// schema/partition snapshots, and delivers every staged report to caches
// and observers in commit order.
func (p *InProgress) Commit() error {
	if p.done {
		return wrapErr("commit", fmt.Errorf("in-progress handle already finished"))
	}
	p.done = true
	defer p.conn.writeMu.Unlock()
	if err := p.conn.db.CommitSession(); err != nil {
		return wrapErr("commit", err)
	}
	p.conn.publish(p.schema, p.pm)
	for _, r := range p.reports {
		p.conn.deliver(r)
	}
	return nil
}

// Abort rolls back the accumulated SQL transaction; no snapshot mutation
// is published and no observer fires. Safe to call after Commit, where it
// is a no-op.
func (p *InProgress) Abort() error {
	if p.done {
		return nil
	}
	p.done = true
	defer p.conn.writeMu.Unlock()
	if err := p.conn.db.RollbackSession(); err != nil {
		return wrapErr("abort", err)
	}
	return nil
}
