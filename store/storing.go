/*
Package store defines the Storing contract (spec.md §4.4): the single point
of contact between the transactor/schema machine and persistent state.

PURPOSE:
  Storing is implemented by two kernels in this module:
    - store/sqlite: the production kernel, a single SQLite file or :memory:
      database holding the datoms table (each row carrying its Flags in
      one flags column), the transaction log, and the fulltext pool.
    - store/memory: an in-process kernel for tests, using Go maps in place
      of ephemeral SQL tables (spec.md §9, "Ephemeral search tables").

  Both kernels are interchangeable from the transactor's point of view —
  exactly the relationship this corpus's generic.Store interface has to its
  sqlite.Store and store.Memory implementations.

CALL SEQUENCE (durability, spec.md §4.4):
  BeginTxApplication -> Insert*Searches (any order, any count) ->
  MaterializeTx -> CommitTx
  The transactor must not reorder these; on any error it calls Rollback and
  the whole user transaction fails atomically.

SEE ALSO:
  - store/sqlite: production implementation.
  - store/memory: in-memory implementation.
  - transactor: the only caller of this contract.
  - schema: reads ResolvedMetadataAssertions after MaterializeTx.
*/
package store

import (
	"context"

	"github.com/loomdb/loom/datom"
)

// Flags packs the four index-participation bits for a single datom into
// one byte (spec.md §9, "Flag bitfield"). Bit positions are part of the
// on-disk format and must not change.
type Flags uint8

const (
	FlagIndexedAVET Flags = 1 << iota
	FlagIndexedVAET
	FlagFulltext
	FlagUniqueValue
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// AV is an (attribute, value) pair, used both as a lookup-ref and as the
// key for ResolveAVs's result map. It is comparable, and hence usable as a
// Go map key, because every field of datom.Value is itself comparable.
type AV struct {
	A datom.Eid
	V datom.Value
}

// SearchKind distinguishes the two search streams a transaction produces.
type SearchKind int

const (
	// Exact carries (e,a,v) assertions/retractions whose value matters to
	// the search: cardinality-many terms, and every :db/retract term.
	Exact SearchKind = iota
	// Inexact carries (e,a,v-new) cardinality-one replacements: the old
	// value (if any) is whatever the current-state table holds, and is
	// superseded regardless of what it was.
	Inexact
)

// SearchTerm is one candidate write, annotated with the index flags its
// attribute carries so the kernel can expand them into index columns
// without a second schema lookup.
type SearchTerm struct {
	E     datom.Eid
	A     datom.Eid
	V     datom.Value
	Added bool
	Flags Flags
}

// Assertion is a committed (e,a,v,added) fact, as surfaced by
// ResolvedMetadataAssertions for the schema machine to classify.
type Assertion struct {
	E     datom.Eid
	A     datom.Eid
	V     datom.Value
	Added bool
}

// Storing is the contract the transactor and schema machine use to reach
// persistent state. A Storing implementation owns exactly one in-flight
// transaction at a time (spec.md §5, single-writer).
type Storing interface {
	// ResolveAVs resolves lookup-refs: for each (a,v) whose attribute is
	// unique/identity or unique/value, returns the eid of the current-state
	// row matching it, if any. Callers must chunk large av slices
	// themselves to respect the underlying engine's bind-variable limit.
	ResolveAVs(ctx context.Context, avs []AV) (map[AV]datom.Eid, error)

	// BeginTxApplication (re)creates the ephemeral search tables for a new
	// transaction. Must be called exactly once before any Insert*Searches
	// call in a given transaction.
	BeginTxApplication(ctx context.Context) error

	// InsertNonFTSSearches loads non-fulltext candidate writes into the
	// ephemeral search tables. Duplicate (e,a) pairs within a single
	// Inexact batch are a programmer error and fail loudly.
	InsertNonFTSSearches(ctx context.Context, terms []SearchTerm, kind SearchKind) error

	// InsertFTSSearches loads fulltext candidate writes. The string value
	// is interned into the fulltext pool later, by MaterializeTx, so two
	// transactions asserting the same string share one pool row.
	InsertFTSSearches(ctx context.Context, terms []SearchTerm, kind SearchKind) error

	// MaterializeTx joins every search row against current state, labels
	// each as a conflict/replacement/new-fact, appends to the transaction
	// log, deletes superseded current-state rows, and inserts the winners
	// (store/sqlite stores each row's Flags in a single flags column).
	MaterializeTx(ctx context.Context, tx datom.Eid) error

	// CommitTx finalizes the transaction boundary. After it returns, the
	// new state is durable and visible to new readers.
	CommitTx(ctx context.Context, tx datom.Eid) error

	// Rollback discards the in-flight transaction and its ephemeral
	// tables. Partition-counter increments made by the caller are not
	// undone, neither by this method nor by the transactor.
	Rollback(ctx context.Context) error

	// ResolvedMetadataAssertions returns every datom the current
	// transaction wrote to the log, additions and retractions alike; the
	// schema machine picks out the schema-defining ones (spec.md §4.6).
	// Valid only between MaterializeTx and CommitTx.
	ResolvedMetadataAssertions(ctx context.Context) ([]Assertion, error)
}

// Reader is the read-only surface every kernel also exposes, independent of
// any in-flight transaction. Split out from Storing so read paths (balance
// queries, schema bootstrap checks) don't need to pretend to be mid-write.
type Reader interface {
	// CurrentValues returns every value currently asserted for (e,a), in
	// insertion order. Used by cardinality-one uniqueness checks and by
	// the schema alteration matrix's "no (e,a) has more than one value"
	// rule.
	CurrentValues(ctx context.Context, e, a datom.Eid) ([]datom.Value, error)

	// HasDuplicateValues reports whether attribute a currently has two
	// distinct entities sharing the same value — the check behind
	// "unique none -> identity/value" alteration.
	HasDuplicateValues(ctx context.Context, a datom.Eid) (bool, error)

	// HasMultiValuedEntities reports whether any entity currently holds
	// more than one value for attribute a — the check behind
	// "cardinality many -> one" alteration.
	HasMultiValuedEntities(ctx context.Context, a datom.Eid) (bool, error)

	// Datoms returns every current-state datom for entity e.
	Datoms(ctx context.Context, e datom.Eid) ([]datom.Datom, error)

	// MaxEid returns the greatest id ever written within [start, end),
	// across every position an id from that range can occupy (entity,
	// attribute, and tx), or start-1 if the range has never been written
	// to. Used to restore a partition's next-id counter when reopening an
	// existing store: next-id = MaxEid+1.
	MaxEid(ctx context.Context, start, end datom.Eid) (datom.Eid, error)
}

// Kernel is the full surface a storage kernel exposes: Storing for the
// write path, Reader for read paths, plus lifecycle management.
type Kernel interface {
	Storing
	Reader

	// Seed writes datoms directly to current state and the transaction
	// log in one engine transaction, bypassing ResolveAVs/search/
	// MaterializeTx entirely. The only caller is schema.Bootstrap: the
	// bootstrap attribute set has no temp-ids to resolve and no prior
	// state to conflict with, so the upsert/search machinery has nothing
	// to do (spec.md §9, "Bootstrap order").
	Seed(ctx context.Context, datoms []datom.Datom) error

	Close() error
}
