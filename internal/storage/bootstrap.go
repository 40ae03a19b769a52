package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"atomdb/internal/core"
)

func valueTypeIdent(vt core.ValueType) core.Keyword {
	return core.NewKeyword("db.type", vt.String()[len("db.type/"):])
}

func cardinalityIdent(c core.Cardinality) core.Keyword {
	if c == core.CardinalityMany {
		return core.NewKeyword("db.cardinality", "many")
	}
	return core.NewKeyword("db.cardinality", "one")
}

func uniqueIdent(u core.Unique) core.Keyword {
	if u == core.UniqueIdentity {
		return core.NewKeyword("db.unique", "identity")
	}
	return core.NewKeyword("db.unique", "value")
}

func partitionIdents() []core.Keyword {
	return []core.Keyword{
		core.NewKeyword("db.part", "db"),
		core.NewKeyword("db.part", "user"),
		core.NewKeyword("db.part", "tx"),
	}
}

// Bootstrap installs the core schema as tx0 on a fresh store, or validates
// the version metadata of an already-bootstrapped one.
func Bootstrap(ctx context.Context, d *DB) error {
	already, err := d.IsBootstrapped(ctx)
	if err != nil {
		return err
	}
	if already {
		v, err := d.StoredCoreSchemaVersion(ctx)
		if err != nil {
			return err
		}
		if v > core.CoreSchemaVersion {
			return fmt.Errorf("storage: store's core schema version %d is newer than this implementation's (%d)", v, core.CoreSchemaVersion)
		}
		if v < core.CoreSchemaVersion {
			return fmt.Errorf("storage: store's core schema version %d requires an upgrade to %d, which is not implemented", v, core.CoreSchemaVersion)
		}
		return nil
	}

	schema, attrIDs := core.BootstrapSchema()
	pm := core.BootstrapPartitions()

	extraIdents := append(append([]core.Keyword{}, valueTypeIdents()...), append(enumIdents(), partitionIdents()...)...)
	extraIDs := map[core.Keyword]core.Entid{}
	for _, k := range extraIdents {
		id, err := pm.Allocate(core.PartDB, 1)
		if err != nil {
			return err
		}
		extraIDs[k] = id
	}

	now := time.Now()
	var datoms []core.Datom
	for ident, id := range attrIDs {
		attr, _ := schema.AttributeByID(id)
		datoms = append(datoms, identDatom(id, ident))
		datoms = append(datoms, refDatom(id, attrEntids.valueType, extraIDs[valueTypeIdent(attr.ValueType)]))
		datoms = append(datoms, refDatom(id, attrEntids.cardinality, extraIDs[cardinalityIdent(attr.Cardinality)]))
		if attr.Unique != core.UniqueNone {
			datoms = append(datoms, refDatom(id, attrEntids.unique, extraIDs[uniqueIdent(attr.Unique)]))
		}
		if attr.Indexed {
			datoms = append(datoms, boolDatom(id, attrEntids.index))
		}
		if attr.Fulltext {
			datoms = append(datoms, boolDatom(id, attrEntids.fulltext))
		}
		if attr.Component {
			datoms = append(datoms, boolDatom(id, attrEntids.isComponent))
		}
		if attr.NoHistory {
			datoms = append(datoms, boolDatom(id, attrEntids.noHistory))
		}
	}
	for k, id := range extraIDs {
		datoms = append(datoms, identDatom(id, k))
	}
	datoms = append(datoms, core.Datom{E: core.Tx0, A: attrEntids.txInstant, V: core.NewInstant(now), Tx: core.Tx0, Added: true})
	datoms = append(datoms, core.Datom{E: core.Tx0, A: attrEntids.schemaCore, V: core.NewLong(core.CoreSchemaVersion), Tx: core.Tx0, Added: true})

	txID, err := pm.Allocate(core.PartTx, 1)
	if err != nil {
		return err
	}
	if txID != core.Tx0 {
		panic("storage: bootstrap tx partition did not yield Tx0 first")
	}

	return d.InTx(ctx, func(tx *sql.Tx) error {
		if err := d.InsertDatoms(tx, datoms, schema); err != nil {
			return err
		}
		if err := d.InsertTx(tx, core.Tx0, now); err != nil {
			return err
		}
		if err := d.SavePartitions(tx, pm); err != nil {
			return err
		}
		return d.SetMetadata(tx, MetaCoreSchemaVersion, strconv.FormatInt(core.CoreSchemaVersion, 10))
	})
}

func valueTypeIdents() []core.Keyword {
	var out []core.Keyword
	for _, name := range []string{"ref", "keyword", "boolean", "long", "double", "bigint", "instant", "uuid", "string", "bytes"} {
		out = append(out, core.NewKeyword("db.type", name))
	}
	return out
}

func enumIdents() []core.Keyword {
	return []core.Keyword{
		core.NewKeyword("db.cardinality", "one"),
		core.NewKeyword("db.cardinality", "many"),
		core.NewKeyword("db.unique", "value"),
		core.NewKeyword("db.unique", "identity"),
	}
}

func identDatom(e core.Entid, k core.Keyword) core.Datom {
	return core.Datom{E: e, A: attrEntids.ident, V: core.NewKeywordValue(k), Tx: core.Tx0, Added: true}
}

func refDatom(e, a, ref core.Entid) core.Datom {
	return core.Datom{E: e, A: a, V: core.NewRef(ref), Tx: core.Tx0, Added: true}
}

func boolDatom(e, a core.Entid) core.Datom {
	return core.Datom{E: e, A: a, V: core.NewBoolean(true), Tx: core.Tx0, Added: true}
}
