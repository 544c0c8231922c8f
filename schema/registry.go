/*
Package schema implements the schema machine (spec.md §4.3, §4.6): the
in-memory registry of attribute flags, the installation and alteration
rules that keep schema-as-data internally consistent, and the bootstrap
builder that seeds the core attributes (the nine schema facets plus
:db/txInstant) before any user transaction can run.

KEY CONCEPTS:
  - Registry: the authoritative, mutex-guarded map from attribute eid to
    its AttributeFlags, plus the reverse ident -> eid index used to resolve
    keywords in transaction input.
  - Definition: the partially-assembled set of facts about a new attribute
    a transaction is installing, tracked with presence bits because a
    zero-value ValueType/Cardinality is indistinguishable from "not yet
    asserted".
  - Machine: wraps a Registry and a ConflictChecker (backed by the active
    store.Reader) to apply ResolvedMetadataAssertions after MaterializeTx
    and before CommitTx.

SEE ALSO:
  - store: Reader is the ConflictChecker this package narrows down to.
  - transactor: calls Machine.Apply after MaterializeTx, before CommitTx.
*/
package schema

import (
	"context"
	"fmt"
	"sync"

	"github.com/loomdb/loom/datom"
)

// Registry is the authoritative record of every installed attribute.
type Registry struct {
	mu      sync.RWMutex
	byEid   map[datom.Eid]datom.AttributeFlags
	byIdent map[datom.Keyword]datom.Eid
}

// New creates an empty registry. Bootstrap populates it before the store
// accepts any user-facing transaction.
func New() *Registry {
	return &Registry{
		byEid:   make(map[datom.Eid]datom.AttributeFlags),
		byIdent: make(map[datom.Keyword]datom.Eid),
	}
}

// Lookup resolves an ident keyword to its attribute eid.
func (r *Registry) Lookup(ident datom.Keyword) (datom.Eid, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byIdent[ident]
	return e, ok
}

// Require returns attr's flags or datom.ErrUnknownAttribute.
func (r *Registry) Require(attr datom.Eid) (datom.AttributeFlags, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	flags, ok := r.byEid[attr]
	if !ok {
		return datom.AttributeFlags{}, fmt.Errorf("%w: %d", datom.ErrUnknownAttribute, attr)
	}
	return flags, nil
}

// Snapshot returns a defensive copy of every installed attribute, for
// materializing the idents/schema views.
func (r *Registry) Snapshot() map[datom.Eid]datom.AttributeFlags {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[datom.Eid]datom.AttributeFlags, len(r.byEid))
	for k, v := range r.byEid {
		out[k] = v
	}
	return out
}

// Definition is the accumulated set of facts a transaction has asserted
// about a brand-new attribute entity, with presence bits standing in for
// "was this field ever asserted" (spec.md §4.3, "install").
type Definition struct {
	Flags          datom.AttributeFlags
	ValueTypeSet   bool
	CardinalitySet bool
}

// Install registers a brand-new attribute. Fails with
// datom.BadSchemaAssertionError if the definition is incomplete or
// internally inconsistent.
func (r *Registry) Install(attr datom.Eid, def Definition) error {
	if err := validateNew(attr, def); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byEid[attr]; exists {
		return &datom.BadSchemaAssertionError{Attribute: attr, Reason: "attribute already installed"}
	}
	if def.Flags.Ident.IsZero() {
		return &datom.BadSchemaAssertionError{Attribute: attr, Reason: "missing :db/ident"}
	}
	if other, exists := r.byIdent[def.Flags.Ident]; exists {
		return &datom.BadSchemaAssertionError{
			Attribute: attr,
			Reason:    fmt.Sprintf("ident %s already names attribute %d", def.Flags.Ident, other),
		}
	}

	r.byEid[attr] = def.Flags
	r.byIdent[def.Flags.Ident] = attr
	return nil
}

func validateNew(attr datom.Eid, def Definition) error {
	if !def.ValueTypeSet {
		return &datom.BadSchemaAssertionError{Attribute: attr, Reason: "missing :db/valueType"}
	}
	if !def.CardinalitySet {
		return &datom.BadSchemaAssertionError{Attribute: attr, Reason: "missing :db/cardinality"}
	}
	f := def.Flags
	if f.Fulltext && f.ValueType != datom.TypeString {
		return &datom.BadSchemaAssertionError{Attribute: attr, Reason: "fulltext requires db.type/string"}
	}
	if f.Unique != datom.UniqueNone && !f.Indexed {
		return &datom.BadSchemaAssertionError{Attribute: attr, Reason: "unique requires index"}
	}
	return nil
}

// Alter applies a change to an already-installed attribute's flags,
// validated against the compatibility matrix (matrix.go). checker answers
// the two questions the matrix needs about current data: whether any
// entity already holds more than one value, and whether any value is
// already duplicated across entities.
func (r *Registry) Alter(ctx context.Context, attr datom.Eid, next datom.AttributeFlags, checker ConflictChecker) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.byEid[attr]
	if !ok {
		return fmt.Errorf("%w: %d", datom.ErrUnknownAttribute, attr)
	}

	if err := validateAlteration(ctx, attr, current, next, checker); err != nil {
		return err
	}

	if next.Ident != current.Ident && !next.Ident.IsZero() {
		if other, exists := r.byIdent[next.Ident]; exists && other != attr {
			return &datom.SchemaAlterationFailedError{
				Attribute: attr, Ident: current.Ident,
				Reason: fmt.Sprintf("ident %s already names attribute %d", next.Ident, other),
			}
		}
		delete(r.byIdent, current.Ident)
		r.byIdent[next.Ident] = attr
	}

	r.byEid[attr] = next
	return nil
}
