/*
errors.go - Centralized error types for the datastore core

PURPOSE:
  All error kinds named by the error-handling design (spec section 7) live
  here: one sentinel per kind so callers can use errors.Is, and a structured
  type alongside any sentinel whose trigger needs batched or contextual
  detail (which entities, which attribute, which values).

USAGE:
  if errors.Is(err, datom.ErrCardinalityOneAddConflict) {
      var conflict *datom.CardinalityOneAddConflictError
      errors.As(err, &conflict)
      // conflict.E, conflict.A, conflict.Values
  }

SEE ALSO:
  - transactor: raises most of these during Run.
  - schema: raises BadSchemaAssertion / SchemaAlterationFailed.
  - store: raises the storage-engine failures.
*/
package datom

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - use with errors.Is()
// =============================================================================

var (
	ErrBadValuePair              = errors.New("bad value pair")
	ErrUnknownAttribute          = errors.New("unknown attribute")
	ErrTypeDisagreement          = errors.New("value does not match attribute value type")
	ErrCardinalityOneAddConflict = errors.New("conflicting values asserted for cardinality-one attribute")
	ErrAddRetractConflict        = errors.New("same datom both asserted and retracted in one transaction")
	ErrConflictingUpserts        = errors.New("temp-id would resolve to two distinct entities")
	ErrTempidRetractMustUpsert   = errors.New("retraction used an unresolvable temp-id")
	ErrBadSchemaAssertion        = errors.New("attribute installation violates schema invariants")
	ErrSchemaAlterationFailed    = errors.New("schema alteration rejected by compatibility matrix")
	ErrWrongTypeForFulltext      = errors.New("fulltext attribute requires a string value")
	ErrCouldNotSearch            = errors.New("storage engine could not execute search")
	ErrFailedToCreateTempTables  = errors.New("storage engine could not create ephemeral search tables")
	ErrInsertionFailed           = errors.New("storage engine insertion failed")
	ErrNotYetImplemented         = errors.New("unsupported schema version or feature")
	ErrDanglingNestedEntity      = errors.New("nested map would create a dangling entity")
	ErrUnknownPartition          = errors.New("unknown partition")
	ErrEidOutsidePartition       = errors.New("entity id does not lie within any known partition")
	ErrUnresolvedLookupRef       = errors.New("lookup-ref did not resolve to an existing entity")
	ErrNotFound                  = errors.New("no such entity or attribute")
	ErrUniqueConstraintViolation = errors.New("value already held by a different entity for a unique attribute")
)

// =============================================================================
// STRUCTURED ERRORS - carry batched or contextual detail
// =============================================================================

// BadValuePairError explains why a (raw, tag) pair could not be decoded.
type BadValuePairError struct {
	Tag    TypeTag
	Reason string
}

func (e *BadValuePairError) Error() string {
	return fmt.Sprintf("bad value pair: tag=%d: %s", e.Tag, e.Reason)
}
func (e *BadValuePairError) Unwrap() error { return ErrBadValuePair }

// TypeDisagreementError batches every (e,a,v) offender found while coercing
// a transaction's asserted values against their attributes' declared types.
type TypeDisagreementError struct {
	Offenders map[EAV]ValueType // observed value's natural type, keyed by term
}

// EAV identifies a term for error-reporting purposes.
type EAV struct {
	E Eid
	A Eid
	V string // stringified for map-key and display purposes
}

func (e *TypeDisagreementError) Error() string {
	return fmt.Sprintf("type disagreement on %d term(s)", len(e.Offenders))
}
func (e *TypeDisagreementError) Unwrap() error { return ErrTypeDisagreement }

// CardinalityOneAddConflictError reports every distinct value asserted for
// the same (e,a) under a cardinality-one attribute within one transaction.
type CardinalityOneAddConflictError struct {
	E      Eid
	A      Eid
	Values []Value
}

func (e *CardinalityOneAddConflictError) Error() string {
	return fmt.Sprintf("cardinality-one conflict on entity %d attribute %d: %d distinct values asserted",
		e.E, e.A, len(e.Values))
}
func (e *CardinalityOneAddConflictError) Unwrap() error { return ErrCardinalityOneAddConflict }

// AddRetractConflictError reports a datom both asserted and retracted in
// the same transaction.
type AddRetractConflictError struct {
	E Eid
	A Eid
	V Value
}

func (e *AddRetractConflictError) Error() string {
	return fmt.Sprintf("entity %d attribute %d value %s both asserted and retracted", e.E, e.A, e.V)
}
func (e *AddRetractConflictError) Unwrap() error { return ErrAddRetractConflict }

// ConflictingUpsertsError batches every temp-id that would have resolved to
// more than one entity id, either within one resolution generation or
// through reciprocal ref assertions that tie it to a second existing entity.
type ConflictingUpsertsError struct {
	// Offenders maps each temp-id token to the set of entity ids it
	// conflicted between.
	Offenders map[string][]Eid
}

func (e *ConflictingUpsertsError) Error() string {
	return fmt.Sprintf("%d temp-id(s) resolved to conflicting entities", len(e.Offenders))
}
func (e *ConflictingUpsertsError) Unwrap() error { return ErrConflictingUpserts }

// UniqueConstraintViolationError reports a concrete-eid assert whose value
// is already held, for a unique attribute, by a different existing entity.
// Unlike ConflictingUpsertsError (a temp-id resolving two ways), both
// entities here are already concrete: E is the one the batch tried to
// assert against, Existing is the one already holding V.
type UniqueConstraintViolationError struct {
	E        Eid
	Existing Eid
	A        Eid
	V        Value
}

func (e *UniqueConstraintViolationError) Error() string {
	return fmt.Sprintf("entity %d cannot assert %s for attribute %d: already held by entity %d",
		e.E, e.V, e.A, e.Existing)
}
func (e *UniqueConstraintViolationError) Unwrap() error { return ErrUniqueConstraintViolation }

// TempidRetractMustUpsertError names the temp-id used in a :db/retract term
// that could not be resolved to an existing entity.
type TempidRetractMustUpsertError struct {
	TempID string
	A      Eid
}

func (e *TempidRetractMustUpsertError) Error() string {
	return fmt.Sprintf("temp-id %q used in :db/retract on attribute %d has no resolvable upsert", e.TempID, e.A)
}
func (e *TempidRetractMustUpsertError) Unwrap() error { return ErrTempidRetractMustUpsert }

// SchemaAlterationFailedError names the attribute and the rejected transition.
type SchemaAlterationFailedError struct {
	Attribute Eid
	Ident     Keyword
	Reason    string
}

func (e *SchemaAlterationFailedError) Error() string {
	return fmt.Sprintf("cannot alter attribute %s (%d): %s", e.Ident, e.Attribute, e.Reason)
}
func (e *SchemaAlterationFailedError) Unwrap() error { return ErrSchemaAlterationFailed }

// BadSchemaAssertionError names why a new attribute's flags are invalid.
type BadSchemaAssertionError struct {
	Attribute Eid
	Reason    string
}

func (e *BadSchemaAssertionError) Error() string {
	return fmt.Sprintf("bad schema assertion for attribute %d: %s", e.Attribute, e.Reason)
}
func (e *BadSchemaAssertionError) Unwrap() error { return ErrBadSchemaAssertion }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsSchemaViolation reports whether err is one of the schema-machine errors.
func IsSchemaViolation(err error) bool {
	return errors.Is(err, ErrBadSchemaAssertion) || errors.Is(err, ErrSchemaAlterationFailed) ||
		errors.Is(err, ErrUnknownAttribute)
}

// IsConflict reports whether err indicates a within-transaction conflict
// that the caller could resolve by splitting or reordering their batch.
func IsConflict(err error) bool {
	return errors.Is(err, ErrCardinalityOneAddConflict) || errors.Is(err, ErrAddRetractConflict) ||
		errors.Is(err, ErrConflictingUpserts) || errors.Is(err, ErrUniqueConstraintViolation)
}

// IsNotFound reports whether err reflects a reference to an entity or
// attribute that does not exist, as opposed to a conflict among values
// that do.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnresolvedLookupRef) ||
		errors.Is(err, ErrUnknownAttribute)
}

// IsClientError reports whether err is due to invalid caller input, as
// opposed to a storage-engine failure.
func IsClientError(err error) bool {
	return IsConflict(err) || errors.Is(err, ErrTypeDisagreement) || errors.Is(err, ErrBadValuePair) ||
		errors.Is(err, ErrTempidRetractMustUpsert) || errors.Is(err, ErrDanglingNestedEntity) ||
		IsSchemaViolation(err)
}
