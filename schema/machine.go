package schema

import (
	"context"
	"fmt"

	"github.com/loomdb/loom/datom"
	"github.com/loomdb/loom/store"
)

// Machine applies a transaction's schema-defining assertions to a Registry
// after MaterializeTx has committed them to the log, and before CommitTx
// finalizes the transaction boundary (spec.md §4.6).
type Machine struct {
	registry *Registry
	checker  ConflictChecker
	// facetOf maps the eid of each of the nine core schema attributes
	// (:db/ident, :db/valueType, ...) back to its ident, so Apply can tell
	// "this assertion sets attribute X's cardinality" from a raw
	// (e,a,v) triple. Fixed at Bootstrap time; never mutated afterward.
	facetOf map[datom.Eid]datom.Keyword
}

// NewMachine constructs a Machine. facetOf maps core attribute eids to their
// idents, as Bootstrap builds it and CoreFacetEids returns it; the
// :db/txInstant entry is dropped here, since it is not a schema facet.
func NewMachine(registry *Registry, checker ConflictChecker, facetOf map[datom.Eid]datom.Keyword) *Machine {
	facets := make(map[datom.Eid]datom.Keyword, len(facetOf))
	for e, kw := range facetOf {
		if kw != datom.KeywordTxInstant {
			facets[e] = kw
		}
	}
	return &Machine{registry: registry, checker: checker, facetOf: facets}
}

// IsFacet reports whether attr is one of the nine core schema attributes,
// i.e. whether an assertion naming it describes another attribute's schema
// rather than ordinary application data.
func (m *Machine) IsFacet(attr datom.Eid) bool {
	_, ok := m.facetOf[attr]
	return ok
}

// Apply groups assertions by the entity they describe (the attribute being
// installed or altered) and applies each group as one Install or Alter
// call. Assertions whose attribute is not one of the nine schema facets
// are ignored, so Apply is safe to call with a raw assertion slice as well
// as with a pre-filtered store.ResolvedMetadataAssertions result.
func (m *Machine) Apply(ctx context.Context, assertions []store.Assertion) error {
	byEntity := make(map[datom.Eid][]store.Assertion)
	order := make([]datom.Eid, 0)
	for _, a := range assertions {
		if _, known := m.facetOf[a.A]; !known {
			continue
		}
		if _, seen := byEntity[a.E]; !seen {
			order = append(order, a.E)
		}
		byEntity[a.E] = append(byEntity[a.E], a)
	}

	for _, e := range order {
		if err := m.applyEntity(ctx, e, byEntity[e]); err != nil {
			return err
		}
	}
	return nil
}

func (m *Machine) applyEntity(ctx context.Context, attr datom.Eid, facts []store.Assertion) error {
	current, err := m.registry.Require(attr)
	isNew := err != nil

	var def Definition
	if !isNew {
		def.Flags = current
		def.ValueTypeSet = true
		def.CardinalitySet = true
	}

	for _, f := range facts {
		if !f.Added {
			continue // retraction of a schema facet is not a supported alteration path.
		}
		switch m.facetOf[f.A] {
		case datom.KeywordIdent:
			def.Flags.Ident = f.V.Keyword()
		case datom.KeywordValueType:
			vt, err := valueTypeFromIdent(f.V.Keyword())
			if err != nil {
				return &datom.BadSchemaAssertionError{Attribute: attr, Reason: err.Error()}
			}
			def.Flags.ValueType = vt
			def.ValueTypeSet = true
		case datom.KeywordCardinality:
			c, err := cardinalityFromIdent(f.V.Keyword())
			if err != nil {
				return &datom.BadSchemaAssertionError{Attribute: attr, Reason: err.Error()}
			}
			def.Flags.Cardinality = c
			def.CardinalitySet = true
		case datom.KeywordUnique:
			u, err := uniqueFromIdent(f.V.Keyword())
			if err != nil {
				return &datom.BadSchemaAssertionError{Attribute: attr, Reason: err.Error()}
			}
			def.Flags.Unique = u
		case datom.KeywordIndexed:
			def.Flags.Indexed = f.V.Bool()
		case datom.KeywordFulltext:
			def.Flags.Fulltext = f.V.Bool()
		case datom.KeywordIsComponent:
			def.Flags.IsComponent = f.V.Bool()
		case datom.KeywordNoHistory:
			def.Flags.NoHistory = f.V.Bool()
		case datom.KeywordDoc:
			def.Flags.Doc = f.V.Str()
		}
	}

	if isNew {
		return m.registry.Install(attr, def)
	}
	return m.registry.Alter(ctx, attr, def.Flags, m.checker)
}

func valueTypeFromIdent(kw datom.Keyword) (datom.ValueType, error) {
	switch kw.String() {
	case "db.type/ref":
		return datom.TypeRef, nil
	case "db.type/boolean":
		return datom.TypeBoolean, nil
	case "db.type/instant":
		return datom.TypeInstant, nil
	case "db.type/long":
		return datom.TypeLong, nil
	case "db.type/double":
		return datom.TypeDouble, nil
	case "db.type/string":
		return datom.TypeString, nil
	case "db.type/uuid":
		return datom.TypeUUID, nil
	case "db.type/keyword":
		return datom.TypeKeyword, nil
	default:
		return 0, fmt.Errorf("unknown :db/valueType %s", kw)
	}
}

func cardinalityFromIdent(kw datom.Keyword) (datom.Cardinality, error) {
	switch kw {
	case datom.KeywordCardinalityOne:
		return datom.CardinalityOne, nil
	case datom.KeywordCardinalityMany:
		return datom.CardinalityMany, nil
	default:
		return 0, fmt.Errorf("unknown :db/cardinality %s", kw)
	}
}

func uniqueFromIdent(kw datom.Keyword) (datom.UniqueKind, error) {
	switch kw {
	case datom.KeywordUniqueValue:
		return datom.UniqueValue, nil
	case datom.KeywordUniqueIdentity:
		return datom.UniqueIdentity, nil
	default:
		return 0, fmt.Errorf("unknown :db/unique %s", kw)
	}
}
