package schema

import (
	"context"
	"fmt"

	"github.com/loomdb/loom/datom"
	"github.com/loomdb/loom/partition"
	"github.com/loomdb/loom/store"
)

// coreAttr is one of the core attributes Bootstrap installs: the nine
// facets every attribute entity is described by, plus :db/txInstant.
// Order matters only for determinism of the seeded datom log.
type coreAttr struct {
	ident       datom.Keyword
	valueType   datom.ValueType
	cardinality datom.Cardinality
	unique      datom.UniqueKind
	indexed     bool
}

var coreAttrs = []coreAttr{
	{ident: datom.KeywordIdent, valueType: datom.TypeKeyword, cardinality: datom.CardinalityOne, unique: datom.UniqueIdentity, indexed: true},
	{ident: datom.KeywordValueType, valueType: datom.TypeKeyword, cardinality: datom.CardinalityOne, indexed: true},
	{ident: datom.KeywordCardinality, valueType: datom.TypeKeyword, cardinality: datom.CardinalityOne, indexed: true},
	{ident: datom.KeywordUnique, valueType: datom.TypeKeyword, cardinality: datom.CardinalityOne, indexed: true},
	{ident: datom.KeywordIndexed, valueType: datom.TypeBoolean, cardinality: datom.CardinalityOne, indexed: true},
	{ident: datom.KeywordFulltext, valueType: datom.TypeBoolean, cardinality: datom.CardinalityOne, indexed: true},
	{ident: datom.KeywordIsComponent, valueType: datom.TypeBoolean, cardinality: datom.CardinalityOne},
	{ident: datom.KeywordNoHistory, valueType: datom.TypeBoolean, cardinality: datom.CardinalityOne},
	{ident: datom.KeywordDoc, valueType: datom.TypeString, cardinality: datom.CardinalityOne},
	{ident: datom.KeywordTxInstant, valueType: datom.TypeInstant, cardinality: datom.CardinalityOne, indexed: true},
}

// BootstrapResult is everything the caller needs to start accepting user
// transactions after a fresh store has been seeded.
type BootstrapResult struct {
	Registry *Registry
	Parts    *partition.Map
	Machine  *Machine
}

// Bootstrap installs the three core partitions, the nine core schema
// attributes and :db/txInstant directly through kernel.Seed, bypassing the transactor's
// temp-id resolution and upsert machinery entirely — there are no
// temp-ids to resolve and no prior state to conflict with on a fresh
// store (spec.md §9, "Bootstrap order"; SPEC_FULL §12).
//
// Bootstrap is idempotent only in the sense that it must be called
// exactly once, on a store whose user_version is 0; callers restore an
// existing store's Registry and partition.Map from persisted state
// instead of calling Bootstrap again.
func Bootstrap(ctx context.Context, kernel store.Kernel, checker ConflictChecker) (*BootstrapResult, error) {
	parts := partition.New()
	if err := parts.Declare(datom.Partition{Name: datom.PartitionDB, Start: 1, End: 0x10000, AllowExcision: false}); err != nil {
		return nil, err
	}
	if err := parts.Declare(datom.Partition{Name: datom.PartitionTx, Start: 0x10000, End: 0x20000, AllowExcision: false}); err != nil {
		return nil, err
	}
	if err := parts.Declare(datom.Partition{Name: datom.PartitionUser, Start: 0x20000, End: 1 << 62, AllowExcision: true}); err != nil {
		return nil, err
	}

	registry := New()

	attrIDs, err := parts.AllocateN(datom.PartitionDB, len(coreAttrs))
	if err != nil {
		return nil, fmt.Errorf("bootstrap: allocating core attribute ids: %w", err)
	}

	tx, err := parts.Allocate(datom.PartitionTx)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: allocating bootstrap tx id: %w", err)
	}

	facetOf := make(map[datom.Eid]datom.Keyword, len(coreAttrs))
	var datoms []datom.Datom
	for i, ca := range coreAttrs {
		attr := attrIDs[i]
		facetOf[attr] = ca.ident

		flags := datom.AttributeFlags{
			Ident:       ca.ident,
			ValueType:   ca.valueType,
			Cardinality: ca.cardinality,
			Unique:      ca.unique,
			Indexed:     ca.indexed,
		}
		if err := registry.Install(attr, Definition{Flags: flags, ValueTypeSet: true, CardinalitySet: true}); err != nil {
			return nil, fmt.Errorf("bootstrap: installing %s: %w", ca.ident, err)
		}

		identAttr := attrIDs[identIndex]
		valueTypeAttr := attrIDs[valueTypeIndex]
		cardinalityAttr := attrIDs[cardinalityIndex]

		datoms = append(datoms,
			datom.Datom{E: attr, A: identAttr, V: datom.KeywordValue(ca.ident), Tx: tx, Added: true},
			datom.Datom{E: attr, A: valueTypeAttr, V: datom.KeywordValue(valueTypeIdent(ca.valueType)), Tx: tx, Added: true},
			datom.Datom{E: attr, A: cardinalityAttr, V: datom.KeywordValue(cardinalityIdent(ca.cardinality)), Tx: tx, Added: true},
		)
		if ca.unique != datom.UniqueNone {
			datoms = append(datoms, datom.Datom{E: attr, A: attrIDs[uniqueIndex], V: datom.KeywordValue(uniqueIdent(ca.unique)), Tx: tx, Added: true})
		}
		if ca.indexed {
			datoms = append(datoms, datom.Datom{E: attr, A: attrIDs[indexedIndex], V: datom.BoolValue(true), Tx: tx, Added: true})
		}
	}

	if err := kernel.Seed(ctx, datoms); err != nil {
		return nil, fmt.Errorf("bootstrap: seeding core attributes: %w", err)
	}

	machine := NewMachine(registry, checker, facetOf)
	return &BootstrapResult{Registry: registry, Parts: parts, Machine: machine}, nil
}

// Indices into coreAttrs for facets other attributes' bootstrap datoms
// need to reference before every facet's own attr id has been minted.
const (
	identIndex = iota
	valueTypeIndex
	cardinalityIndex
	uniqueIndex
	indexedIndex
)

// CoreFacetEids recomputes the eids Bootstrap assigns to the core
// attributes (the nine schema facets plus :db/txInstant, which NewMachine
// drops), without touching a kernel. The sequence is fully
// determined by the fixed partition bounds and the fixed length/order of
// coreAttrs, so a scratch partition.Map running the identical
// declare+AllocateN calls reproduces the same ids Bootstrap seeded into
// any given store — letting restore() recognize facet attributes (and
// find the :db/ident attribute's own eid) without reading anything back
// from the kernel first.
func CoreFacetEids() (facetOf map[datom.Eid]datom.Keyword, identAttr datom.Eid, err error) {
	parts := partition.New()
	if err := parts.Declare(datom.Partition{Name: datom.PartitionDB, Start: 1, End: 0x10000, AllowExcision: false}); err != nil {
		return nil, 0, err
	}
	if err := parts.Declare(datom.Partition{Name: datom.PartitionTx, Start: 0x10000, End: 0x20000, AllowExcision: false}); err != nil {
		return nil, 0, err
	}
	if err := parts.Declare(datom.Partition{Name: datom.PartitionUser, Start: 0x20000, End: 1 << 62, AllowExcision: true}); err != nil {
		return nil, 0, err
	}

	attrIDs, err := parts.AllocateN(datom.PartitionDB, len(coreAttrs))
	if err != nil {
		return nil, 0, fmt.Errorf("core facet eids: %w", err)
	}

	facetOf = make(map[datom.Eid]datom.Keyword, len(coreAttrs))
	for i, ca := range coreAttrs {
		facetOf[attrIDs[i]] = ca.ident
	}
	return facetOf, attrIDs[identIndex], nil
}

func valueTypeIdent(vt datom.ValueType) datom.Keyword {
	ns, name, _ := cutLast(vt.String())
	return datom.NewKeyword(ns, name)
}

func cardinalityIdent(c datom.Cardinality) datom.Keyword {
	if c == datom.CardinalityMany {
		return datom.KeywordCardinalityMany
	}
	return datom.KeywordCardinalityOne
}

func uniqueIdent(u datom.UniqueKind) datom.Keyword {
	if u == datom.UniqueValue {
		return datom.KeywordUniqueValue
	}
	return datom.KeywordUniqueIdentity
}

// cutLast splits "db.type/ref" into ("db.type", "ref"); ValueType.String()
// always produces a namespaced keyword string, never a bare name.
func cutLast(s string) (ns, name string, ok bool) {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return s[:i], s[i+1:], true
		}
	}
	return "", s, false
}
