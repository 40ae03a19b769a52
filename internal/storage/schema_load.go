package storage

import (
	"context"
	"fmt"

	"atomdb/internal/core"
)

// attrEntids are the fixed entids BootstrapSchema assigns the ten core
// attribute idents, in allocation order starting at DbSchemaCoreRoot. They
// never change across opens of the same store, so schema reconstruction can
// reference them directly instead of looking them up circularly.
var attrEntids = struct {
	ident, valueType, cardinality, unique, index, fulltext, isComponent, noHistory, txInstant, schemaCore core.Entid
}{
	ident:       core.DbSchemaCoreRoot,
	valueType:   core.DbSchemaCoreRoot + 1,
	cardinality: core.DbSchemaCoreRoot + 2,
	unique:      core.DbSchemaCoreRoot + 3,
	index:       core.DbSchemaCoreRoot + 4,
	fulltext:    core.DbSchemaCoreRoot + 5,
	isComponent: core.DbSchemaCoreRoot + 6,
	noHistory:   core.DbSchemaCoreRoot + 7,
	txInstant:   core.DbSchemaCoreRoot + 8,
	schemaCore:  core.DbSchemaCoreRoot + 9,
}

// LoadSchema rebuilds the Schema from live datoms. Each :db/valueType,
// :db/cardinality or :db/unique ref value (itself an entid bound to a
// well-known ident such as :db.type/string) maps to the corresponding Go
// enum. Bootstrap installs every enum member as an ordinary ident-only
// entity in tx0, not as an attribute; LoadSchema resolves these refs via
// the ident table built alongside the attribute scan.
func LoadSchema(ctx context.Context, d *DB) (*core.Schema, error) {
	identDatoms, err := d.LiveDatomsForAttr(ctx, attrEntids.ident)
	if err != nil {
		return nil, err
	}
	identOf := map[core.Entid]core.Keyword{}
	entidOf := map[core.Keyword]core.Entid{}
	for _, dm := range identDatoms {
		kw, _ := dm.V.AsKeyword()
		identOf[dm.E] = kw
		entidOf[kw] = dm.E
	}

	valueTypeDatoms, err := d.LiveDatomsForAttr(ctx, attrEntids.valueType)
	if err != nil {
		return nil, err
	}

	schema := core.NewSchema()
	for k, e := range entidOf {
		schema.BindIdent(k, e)
	}

	for _, dm := range valueTypeDatoms {
		e := dm.E
		vtRef, _ := dm.V.AsRef()
		vtIdent, ok := identOf[vtRef]
		if !ok {
			return nil, fmt.Errorf("storage: attribute %d has unresolvable :db/valueType ref %d", e, vtRef)
		}
		valueType, err := valueTypeFromIdent(vtIdent)
		if err != nil {
			return nil, err
		}

		attr := core.Attribute{ValueType: valueType}
		if ident, ok := identOf[e]; ok {
			attr.Ident = ident
		}

		if v, ok, err := d.LiveOne(ctx, e, attrEntids.cardinality); err != nil {
			return nil, err
		} else if ok {
			ref, _ := v.AsRef()
			if identOf[ref].Name == "many" {
				attr.Cardinality = core.CardinalityMany
			}
		}
		if v, ok, err := d.LiveOne(ctx, e, attrEntids.unique); err != nil {
			return nil, err
		} else if ok {
			ref, _ := v.AsRef()
			switch identOf[ref].Name {
			case "value":
				attr.Unique = core.UniqueValue
			case "identity":
				attr.Unique = core.UniqueIdentity
			}
		}
		if v, ok, err := d.LiveOne(ctx, e, attrEntids.index); err != nil {
			return nil, err
		} else if ok {
			b, _ := v.AsBoolean()
			attr.Indexed = b
		}
		if v, ok, err := d.LiveOne(ctx, e, attrEntids.fulltext); err != nil {
			return nil, err
		} else if ok {
			b, _ := v.AsBoolean()
			attr.Fulltext = b
		}
		if v, ok, err := d.LiveOne(ctx, e, attrEntids.isComponent); err != nil {
			return nil, err
		} else if ok {
			b, _ := v.AsBoolean()
			attr.Component = b
		}
		if v, ok, err := d.LiveOne(ctx, e, attrEntids.noHistory); err != nil {
			return nil, err
		} else if ok {
			b, _ := v.AsBoolean()
			attr.NoHistory = b
		}
		if attr.Unique != core.UniqueNone {
			attr.Indexed = true
		}
		schema.DefineAttribute(e, &attr)
	}
	return schema, nil
}

func valueTypeFromIdent(k core.Keyword) (core.ValueType, error) {
	if k.Namespace != "db.type" {
		return 0, fmt.Errorf("storage: %s is not a :db.type/* ident", k)
	}
	switch k.Name {
	case "ref":
		return core.TypeRef, nil
	case "keyword":
		return core.TypeKeyword, nil
	case "boolean":
		return core.TypeBoolean, nil
	case "long":
		return core.TypeLong, nil
	case "double":
		return core.TypeDouble, nil
	case "bigint":
		return core.TypeBigInt, nil
	case "instant":
		return core.TypeInstant, nil
	case "uuid":
		return core.TypeUUID, nil
	case "string":
		return core.TypeString, nil
	case "bytes":
		return core.TypeBytes, nil
	default:
		return 0, fmt.Errorf("storage: unknown :db.type/%s", k.Name)
	}
}
