package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"atomdb/internal/core"
)

// liveFilter is the NOT EXISTS subquery every "what is live" read shares:
// an added=1 row for (e,a,v) is live unless a later added=0 row exists for
// the exact same (e,a,v). It is
// spelled out here, once, rather than rebuilt ad hoc by every caller that
// needs "the current state" rather than the full history.
const liveFilter = `
	d.added = 1
	AND NOT EXISTS (
		SELECT 1 FROM datoms r
		WHERE r.e = d.e AND r.a = d.a AND r.v = d.v AND r.value_type_tag = d.value_type_tag
		AND r.added = 0 AND r.tx > d.tx
	)
`

// LiveFilter is liveFilter's exported form, for packages above storage (the
// projector) that assemble their own ad hoc SELECTs against the datoms
// table via internal/sql.Builder rather than going through a DB method:
// the pattern-at-a-time query strategy needs the same "is this row live"
// predicate the rest of storage already centralizes.
const LiveFilter = liveFilter

// Query runs an arbitrary read-only SELECT built by a caller (the
// projector's per-pattern SQL) against the single pooled connection,
// exposing *sql.Rows directly since the projector, not storage, knows how
// to decode the columns it asked for.
func (d *DB) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := d.reader().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query: %w", err)
	}
	return rows, nil
}

// LiveDatomsForAttr returns every currently-live datom whose attribute is a,
// ordered by (e, tx). Used by schema reconstruction at open time, where the
// attribute-defining entids are fixed bootstrap constants (see
// internal/core.BootstrapSchema), so no chicken-and-egg Schema lookup is
// needed to find them.
func (d *DB) LiveDatomsForAttr(ctx context.Context, a core.Entid) ([]core.Datom, error) {
	rows, err := d.reader().QueryContext(ctx, `
		SELECT d.e, d.v, d.value_type_tag, d.tx
		FROM datoms d
		WHERE d.a = ? AND `+liveFilter+`
		ORDER BY d.e, d.tx`, a)
	if err != nil {
		return nil, fmt.Errorf("storage: live datoms for attr %d: %w", a, err)
	}
	defer rows.Close()

	var out []core.Datom
	for rows.Next() {
		var e, tx, tag int64
		var scalar any
		if err := rows.Scan(&e, &scalar, &tag, &tx); err != nil {
			return nil, fmt.Errorf("storage: scan live datom: %w", err)
		}
		v, err := DecodeValue(scalar, tag)
		if err != nil {
			return nil, err
		}
		out = append(out, core.Datom{E: e, A: a, V: v, Tx: tx, Added: true})
	}
	return out, rows.Err()
}

// LiveOne returns the single live value of a cardinality-one (e, a) pair,
// if any.
func (d *DB) LiveOne(ctx context.Context, e, a core.Entid) (core.Value, bool, error) {
	row := d.reader().QueryRowContext(ctx, `
		SELECT d.v, d.value_type_tag
		FROM datoms d
		WHERE d.e = ? AND d.a = ? AND `+liveFilter+`
		ORDER BY d.tx DESC LIMIT 1`, e, a)
	var scalar any
	var tag int64
	if err := row.Scan(&scalar, &tag); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Value{}, false, nil
		}
		return core.Value{}, false, fmt.Errorf("storage: live one %d/%d: %w", e, a, err)
	}
	v, err := DecodeValue(scalar, tag)
	if err != nil {
		return core.Value{}, false, err
	}
	return v, true, nil
}

// LiveMany returns every live value of a cardinality-many (e, a) pair.
func (d *DB) LiveMany(ctx context.Context, e, a core.Entid) ([]core.Value, error) {
	rows, err := d.reader().QueryContext(ctx, `
		SELECT d.v, d.value_type_tag
		FROM datoms d
		WHERE d.e = ? AND d.a = ? AND `+liveFilter+`
		ORDER BY d.tx`, e, a)
	if err != nil {
		return nil, fmt.Errorf("storage: live many %d/%d: %w", e, a, err)
	}
	defer rows.Close()
	var out []core.Value
	for rows.Next() {
		var scalar any
		var tag int64
		if err := rows.Scan(&scalar, &tag); err != nil {
			return nil, err
		}
		v, err := DecodeValue(scalar, tag)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// LiveDatomsForEntity returns every currently-live datom belonging to e,
// across all attributes. Used by component-retraction cascades, which
// must retract every attribute of a component's value entity, not just
// one.
func (d *DB) LiveDatomsForEntity(ctx context.Context, e core.Entid) ([]core.Datom, error) {
	rows, err := d.reader().QueryContext(ctx, `
		SELECT d.a, d.v, d.value_type_tag, d.tx
		FROM datoms d
		WHERE d.e = ? AND `+liveFilter, e)
	if err != nil {
		return nil, fmt.Errorf("storage: live datoms for entity %d: %w", e, err)
	}
	defer rows.Close()
	var out []core.Datom
	for rows.Next() {
		var a, tx, tag int64
		var scalar any
		if err := rows.Scan(&a, &scalar, &tag, &tx); err != nil {
			return nil, err
		}
		v, err := DecodeValue(scalar, tag)
		if err != nil {
			return nil, err
		}
		out = append(out, core.Datom{E: e, A: a, V: v, Tx: tx, Added: true})
	}
	return out, rows.Err()
}

// LiveEntityForValue resolves a (a, v) lookup-ref or upsert key to the
// entity currently holding it, if any.
func (d *DB) LiveEntityForValue(ctx context.Context, a core.Entid, v core.Value) (core.Entid, bool, error) {
	scalar, tag, err := EncodeValue(v)
	if err != nil {
		return 0, false, err
	}
	row := d.reader().QueryRowContext(ctx, `
		SELECT d.e FROM datoms d
		WHERE d.a = ? AND d.v = ? AND d.value_type_tag = ? AND `+liveFilter+`
		ORDER BY d.tx DESC LIMIT 1`, a, scalar, tag)
	var e int64
	if err := row.Scan(&e); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("storage: live entity for value on attr %d: %w", a, err)
	}
	return e, true, nil
}

// EntityCountsForAttr returns, per entity currently holding at least one
// live value of attribute a, how many live values it holds. Used to check
// whether a cardinality-many attribute may be narrowed to cardinality-one.
func (d *DB) EntityCountsForAttr(ctx context.Context, a core.Entid) (map[core.Entid]int, error) {
	datoms, err := d.LiveDatomsForAttr(ctx, a)
	if err != nil {
		return nil, err
	}
	counts := map[core.Entid]int{}
	for _, dm := range datoms {
		counts[dm.E]++
	}
	return counts, nil
}

// HasDuplicateValue reports whether attribute a currently has two distinct
// entities sharing a live value, used to check whether it may have
// uniqueness added.
func (d *DB) HasDuplicateValue(ctx context.Context, a core.Entid) (bool, error) {
	datoms, err := d.LiveDatomsForAttr(ctx, a)
	if err != nil {
		return false, err
	}
	seen := map[uint64]core.Entid{}
	for _, dm := range datoms {
		h := dm.V.Hash()
		if prior, ok := seen[h]; ok && prior != dm.E {
			return true, nil
		}
		seen[h] = dm.E
	}
	return false, nil
}
