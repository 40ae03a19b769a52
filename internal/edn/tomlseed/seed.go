// Package tomlseed reads a declarative TOML attribute list and converts it
// into the entity-form terms that install those attributes. It gives
// schema-seed files an authorable, diff-friendly format distinct from the
// EDN transaction log itself: a store can be pre-populated from one at
// first open (store.Options.SeedPath).
package tomlseed

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"atomdb/internal/core"
	"atomdb/internal/edn"
	"atomdb/internal/edn/form"
)

// seedFile is the top-level TOML document.
type seedFile struct {
	Attributes []seedAttribute `toml:"attributes"`
}

// seedAttribute maps one [[attributes]] block.
type seedAttribute struct {
	Ident       string `toml:"ident"`
	Type        string `toml:"type"`
	Cardinality string `toml:"cardinality"`
	Unique      string `toml:"unique"`
	Index       bool   `toml:"index"`
	Fulltext    bool   `toml:"fulltext"`
	Component   bool   `toml:"component"`
	NoHistory   bool   `toml:"no_history"`
}

// Parser reads seed files.
type Parser struct{}

// NewParser creates a new seed-file parser.
func NewParser() *Parser {
	return &Parser{}
}

// ParseFile opens the file at path and parses it as a seed document.
func (p *Parser) ParseFile(path string) ([]form.Term, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("tomlseed: open file %q: %w", path, err)
	}
	defer f.Close()
	return p.Parse(f)
}

// Parse reads TOML content from r and returns one transactable term list
// installing every listed attribute. Each attribute gets its own tempid, so
// the whole seed lands in a single transaction.
func (p *Parser) Parse(r io.Reader) ([]form.Term, error) {
	var sf seedFile
	if _, err := toml.NewDecoder(r).Decode(&sf); err != nil {
		return nil, fmt.Errorf("tomlseed: decode error: %w", err)
	}

	var terms []form.Term
	for i, a := range sf.Attributes {
		ts, err := attributeTerms(i, a)
		if err != nil {
			return nil, err
		}
		terms = append(terms, ts...)
	}
	return terms, nil
}

func attributeTerms(i int, a seedAttribute) ([]form.Term, error) {
	ident, err := parseIdent(a.Ident)
	if err != nil {
		return nil, err
	}
	if a.Type == "" {
		return nil, fmt.Errorf("tomlseed: attribute %s is missing a type", a.Ident)
	}
	if _, ok := core.ValueTypeFromKeyword(core.NewKeyword("db.type", a.Type)); !ok {
		return nil, fmt.Errorf("tomlseed: attribute %s has unknown type %q", a.Ident, a.Type)
	}
	cardinality := a.Cardinality
	if cardinality == "" {
		cardinality = "one"
	}
	if cardinality != "one" && cardinality != "many" {
		return nil, fmt.Errorf("tomlseed: attribute %s has unknown cardinality %q", a.Ident, a.Cardinality)
	}
	if a.Unique != "" && a.Unique != "value" && a.Unique != "identity" {
		return nil, fmt.Errorf("tomlseed: attribute %s has unknown uniqueness %q", a.Ident, a.Unique)
	}

	e := form.Ref{Kind: form.RefTempID, TempID: fmt.Sprintf("seed-%d", i)}
	terms := []form.Term{
		assertKeyword(e, core.IdentIdent, ident),
		assertKeyword(e, core.IdentValueType, core.NewKeyword("db.type", a.Type)),
		assertKeyword(e, core.IdentCardinality, core.NewKeyword("db.cardinality", cardinality)),
	}
	if a.Unique != "" {
		terms = append(terms, assertKeyword(e, core.IdentUnique, core.NewKeyword("db.unique", a.Unique)))
	}
	if a.Index {
		terms = append(terms, assertBool(e, core.IdentIndex))
	}
	if a.Fulltext {
		terms = append(terms, assertBool(e, core.IdentFulltext))
	}
	if a.Component {
		terms = append(terms, assertBool(e, core.IdentIsComponent))
	}
	if a.NoHistory {
		terms = append(terms, assertBool(e, core.IdentNoHistory))
	}
	return terms, nil
}

func parseIdent(s string) (core.Keyword, error) {
	s = strings.TrimPrefix(s, ":")
	if s == "" {
		return core.Keyword{}, fmt.Errorf("tomlseed: attribute block is missing an ident")
	}
	if i := strings.IndexByte(s, '/'); i > 0 {
		return core.NewKeyword(s[:i], s[i+1:]), nil
	}
	return core.NewKeyword("", s), nil
}

func assertKeyword(e form.Ref, a, v core.Keyword) form.Term {
	return form.Term{
		Op: form.OpAssert, E: e, A: a,
		V: edn.Node{Kind: edn.KindKeyword, Namespace: v.Namespace, Name: v.Name},
	}
}

func assertBool(e form.Ref, a core.Keyword) form.Term {
	return form.Term{
		Op: form.OpAssert, E: e, A: a,
		V: edn.Node{Kind: edn.KindBool, Bool: true},
	}
}
