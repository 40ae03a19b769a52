package core

import "maps"

// Schema holds attribute definitions keyed by entid plus the bijective
// ident<->entid mapping. Mutation happens only by building a new Schema
// (copy-on-write); a live Schema value is never mutated in place once
// published by the transactor.
type Schema struct {
	attrsByID    map[Entid]*Attribute
	identToEntid map[Keyword]Entid
	entidToIdent map[Entid]Keyword
}

// NewSchema returns an empty schema, ready for a SchemaBuilder.
func NewSchema() *Schema {
	return &Schema{
		attrsByID:    map[Entid]*Attribute{},
		identToEntid: map[Keyword]Entid{},
		entidToIdent: map[Entid]Keyword{},
	}
}

// Clone returns a structural copy suitable for copy-on-write sharing between
// the Conn's mutable schema and read-only query snapshots.
func (s *Schema) Clone() *Schema {
	out := &Schema{
		attrsByID:    make(map[Entid]*Attribute, len(s.attrsByID)),
		identToEntid: maps.Clone(s.identToEntid),
		entidToIdent: maps.Clone(s.entidToIdent),
	}
	for id, a := range s.attrsByID {
		cp := *a
		out.attrsByID[id] = &cp
	}
	return out
}

// AttributeByID returns the attribute definition for an entid, if any.
func (s *Schema) AttributeByID(id Entid) (*Attribute, bool) {
	a, ok := s.attrsByID[id]
	return a, ok
}

// AttributeByIdent resolves an ident to its attribute definition.
func (s *Schema) AttributeByIdent(k Keyword) (*Attribute, Entid, bool) {
	id, ok := s.identToEntid[k]
	if !ok {
		return nil, 0, false
	}
	a := s.attrsByID[id]
	return a, id, true
}

// EntidForIdent resolves an ident to its entid, if bound.
func (s *Schema) EntidForIdent(k Keyword) (Entid, bool) {
	id, ok := s.identToEntid[k]
	return id, ok
}

// IdentForEntid resolves an entid to its bound ident, if any.
func (s *Schema) IdentForEntid(id Entid) (Keyword, bool) {
	k, ok := s.entidToIdent[id]
	return k, ok
}

// BindIdent establishes (or rebinds) the ident<->entid pair.
func (s *Schema) BindIdent(k Keyword, id Entid) {
	s.identToEntid[k] = id
	s.entidToIdent[id] = k
}

// DefineAttribute installs or replaces an attribute definition, keyed by the
// entid its ident is (or will be) bound to.
func (s *Schema) DefineAttribute(id Entid, a *Attribute) {
	s.attrsByID[id] = a
}

// Attributes returns every defined attribute, for iteration (e.g. cache
// warm-up, bootstrap dump). The returned map must not be mutated.
func (s *Schema) Attributes() map[Entid]*Attribute {
	return s.attrsByID
}

// SchemaBuilder validates attribute definitions before they are installed,
// rejecting invalid combinations up front rather than discovering them
// later against live data.
type SchemaBuilder struct {
	schema *Schema
}

// NewSchemaBuilder starts a builder seeded from base (base is not mutated;
// the builder works against a clone).
func NewSchemaBuilder(base *Schema) *SchemaBuilder {
	if base == nil {
		base = NewSchema()
	}
	return &SchemaBuilder{schema: base.Clone()}
}

// Define validates and installs a single attribute, returning a *SchemaError
// on rejection. Validation rules:
//   - cardinality-many with unique-identity is rejected
//   - fulltext on a non-string attribute is rejected
//   - component on a non-reference attribute is rejected
//   - any uniqueness implies indexed
func (b *SchemaBuilder) Define(id Entid, a Attribute) error {
	if a.Cardinality == CardinalityMany && a.Unique == UniqueIdentity {
		return newSchemaError(a.Ident, "unique", "cardinality/many attribute cannot be unique/identity")
	}
	if a.Fulltext && a.ValueType != TypeString {
		return newSchemaError(a.Ident, "fulltext", "fulltext requires value type string")
	}
	if a.Component && a.ValueType != TypeRef {
		return newSchemaError(a.Ident, "component", "component requires value type ref")
	}
	if a.Unique != UniqueNone {
		a.Indexed = true
	}
	cp := a
	b.schema.DefineAttribute(id, &cp)
	b.schema.BindIdent(a.Ident, id)
	return nil
}

// Build returns the validated schema. The builder must not be reused
// afterwards.
func (b *SchemaBuilder) Build() *Schema {
	return b.schema
}

// CanNarrowCardinality reports whether a live cardinality-many attribute
// may be narrowed to cardinality-one. counts holds, per entity currently
// holding a value, how many live values it has.
func CanNarrowCardinality(counts []int) bool {
	for _, c := range counts {
		if c > 1 {
			return false
		}
	}
	return true
}
