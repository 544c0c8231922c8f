package schema

import (
	"context"

	"github.com/loomdb/loom/datom"
)

// ConflictChecker answers the two data-dependent questions the alteration
// matrix needs. store.Reader satisfies this interface.
type ConflictChecker interface {
	HasMultiValuedEntities(ctx context.Context, a datom.Eid) (bool, error)
	HasDuplicateValues(ctx context.Context, a datom.Eid) (bool, error)
}

// validateAlteration enforces the attribute-alteration compatibility
// matrix (spec.md §4.3). Only the transitions checked below are rejected;
// any other change passes.
func validateAlteration(ctx context.Context, attr datom.Eid, current, next datom.AttributeFlags, checker ConflictChecker) error {
	fail := func(reason string) error {
		return &datom.SchemaAlterationFailedError{Attribute: attr, Ident: current.Ident, Reason: reason}
	}

	if next.ValueType != current.ValueType {
		return fail("db.type/valueType is immutable once installed")
	}

	if current.Cardinality == datom.CardinalityMany && next.Cardinality == datom.CardinalityOne {
		multi, err := checker.HasMultiValuedEntities(ctx, attr)
		if err != nil {
			return err
		}
		if multi {
			return fail("cannot narrow to cardinality/one: some entity already holds more than one value")
		}
	}

	if current.Unique == datom.UniqueNone && next.Unique != datom.UniqueNone {
		dup, err := checker.HasDuplicateValues(ctx, attr)
		if err != nil {
			return err
		}
		if dup {
			return fail("cannot add uniqueness: existing values are already duplicated across entities")
		}
		if !next.Indexed {
			return fail("unique requires index")
		}
	}

	if current.Indexed && !next.Indexed && next.Unique != datom.UniqueNone {
		return fail("cannot remove index while unique is set")
	}

	if next.Fulltext != current.Fulltext {
		return fail("db/fulltext is immutable once installed")
	}

	return nil
}
