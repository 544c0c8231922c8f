/*
loom.go - the package root: Open, Transact, and the read-side entry points.

PURPOSE:
  DB is the facade wiring a store.Kernel, a schema.Registry, a
  partition.Map, a schema.Machine and a transactor.Transactor into one
  handle, the way generic.NewLedger(store) wires a Store into a Ledger in
  this corpus. Open either bootstraps a fresh kernel or restores an
  existing one's schema and partition counters from persisted state, and
  callers interact with the result exclusively through Transact/Datoms/
  Pull from here on.

SEE ALSO:
  - config: Options/Option, the functional-options construction this file
    consumes.
  - schema.Bootstrap / schema.Registry: first-open vs. restore.
  - transactor.Transactor: the write path Transact delegates to.
*/
package loom

import (
	"context"
	"fmt"
	"sync"

	"github.com/loomdb/loom/config"
	"github.com/loomdb/loom/datom"
	"github.com/loomdb/loom/partition"
	"github.com/loomdb/loom/schema"
	"github.com/loomdb/loom/store"
	"github.com/loomdb/loom/store/sqlite"
	"github.com/loomdb/loom/transactor"
	"github.com/loomdb/loom/watch"
)

// currentSchemaVersion is stamped via PRAGMA user_version right after a
// successful Bootstrap; Open uses it to decide whether to bootstrap or
// restore.
const currentSchemaVersion = 1

// DB is an open datastore: one kernel, its schema registry, its partition
// map, and the transactor that serializes writes into it.
//
// mu realizes the single-writer/many-reader model: Transact holds the
// write lock for its entire duration, so at most one transaction is ever
// in flight against the underlying kernel; Datoms and Pull hold only the
// read lock, so they never block behind one another.
type DB struct {
	mu sync.RWMutex

	kernel     *sqlite.Store
	parts      *partition.Map
	registry   *schema.Registry
	machine    *schema.Machine
	transactor *transactor.Transactor
	watcher    watch.Watcher
}

// Open opens (creating if necessary) a datastore at the configured path.
// A fresh store is bootstrapped; an existing one has its registry and
// partition counters restored from persisted state.
func Open(opts ...config.Option) (*DB, error) {
	cfg := config.Apply(opts...)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	kernel, err := sqlite.Open(cfg.Path, sqlite.Options{
		EncryptionKey:     cfg.EncryptionKey,
		WALAutocheckpoint: cfg.WALAutocheckpoint,
		BusyTimeoutMS:     cfg.BusyTimeoutMS,
		Logger:            cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("loom: open: %w", err)
	}

	ctx := context.Background()
	version, err := kernel.UserVersion(ctx)
	if err != nil {
		kernel.Close()
		return nil, fmt.Errorf("loom: open: %w", err)
	}

	db := &DB{kernel: kernel, watcher: watch.Null{}}

	if version == 0 {
		result, err := schema.Bootstrap(ctx, kernel, kernel)
		if err != nil {
			kernel.Close()
			return nil, fmt.Errorf("loom: bootstrap: %w", err)
		}
		for _, p := range result.Parts.All() {
			next, _ := result.Parts.NextFree(p.Name)
			if err := kernel.SaveKnownPartition(ctx, p, next); err != nil {
				kernel.Close()
				return nil, fmt.Errorf("loom: persist partitions: %w", err)
			}
		}
		if err := kernel.SetUserVersion(ctx, currentSchemaVersion); err != nil {
			kernel.Close()
			return nil, fmt.Errorf("loom: open: %w", err)
		}
		db.parts, db.registry, db.machine = result.Parts, result.Registry, result.Machine
	} else {
		restored, err := restore(ctx, kernel)
		if err != nil {
			kernel.Close()
			return nil, fmt.Errorf("loom: restore: %w", err)
		}
		db.parts, db.registry, db.machine = restored.Parts, restored.Registry, restored.Machine
	}

	db.transactor = transactor.New(kernel, db.parts, db.registry, db.machine, db.watcher)
	return db, nil
}

// WithWatcher replaces the no-op default with w, for callers that want to
// observe every committed datom. Must be called before the first
// Transact.
func (db *DB) WithWatcher(w watch.Watcher) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.watcher = w
	db.transactor = transactor.New(db.kernel, db.parts, db.registry, db.machine, w)
}

// Transact runs one write transaction end to end: normalize, resolve,
// reconcile, materialize, apply schema, notify the watcher, commit. Holds
// the write lock for its entire duration, so at most one transaction is
// ever in flight.
func (db *DB) Transact(ctx context.Context, batch []any) (*transactor.TxReport, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.transactor.Run(ctx, batch)
}

// Datoms returns every current-state datom for entity e.
func (db *DB) Datoms(ctx context.Context, e datom.Eid) ([]datom.Datom, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.kernel.Datoms(ctx, e)
}

// Pull resolves every attribute currently asserted for entity e into a map
// keyed by attribute ident, expanding cardinality-many attributes into a
// slice. An attribute with no entry in the registry is keyed by its raw
// eid instead.
func (db *DB) Pull(ctx context.Context, e datom.Eid) (map[string]any, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	datoms, err := db.kernel.Datoms(ctx, e)
	if err != nil {
		return nil, err
	}

	out := make(map[string]any, len(datoms))
	for _, d := range datoms {
		key := fmt.Sprintf("%d", d.A)
		flags, err := db.registry.Require(d.A)
		if err == nil {
			key = flags.Ident.String()
		}

		if err == nil && flags.Cardinality == datom.CardinalityMany {
			slice, _ := out[key].([]any)
			out[key] = append(slice, nativeValue(d.V))
			continue
		}
		out[key] = nativeValue(d.V)
	}
	return out, nil
}

// nativeValue unwraps a datom.Value into the plain Go type Pull callers
// expect, mirroring codec.Coerce's type table in reverse.
func nativeValue(v datom.Value) any {
	switch v.Type() {
	case datom.TypeRef:
		return v.Ref()
	case datom.TypeBoolean:
		return v.Bool()
	case datom.TypeInstant:
		return v.Instant()
	case datom.TypeLong:
		return v.Long()
	case datom.TypeDouble:
		return v.Double()
	case datom.TypeUUID:
		return v.UUID()
	case datom.TypeKeyword:
		return v.Keyword()
	default:
		return v.Str()
	}
}

// Registry exposes the live schema registry for callers that need to
// inspect installed attributes directly (e.g. a REPL's :schema command).
func (db *DB) Registry() *schema.Registry { return db.registry }

// Close releases the underlying kernel's connections.
func (db *DB) Close() error { return db.kernel.Close() }

type restored struct {
	Parts    *partition.Map
	Registry *schema.Registry
	Machine  *schema.Machine
}

// restore rebuilds the in-memory Registry and partition.Map from an
// existing store's persisted facts: known_parts for each partition's name
// and range, kernel.MaxEid for its live counter, and every entity carrying
// at least one of the nine core schema facets for the attribute registry.
// It does not call schema.Bootstrap, which would try to reseed the three
// core partitions and fail with "already declared".
//
// facetOf is recomputed deterministically via schema.CoreFacetEids
// rather than read back from the store, then fed through
// schema.Machine.Apply entity by entity — the same Install/Alter
// interpretation Bootstrap and every later Transact.Run use — so this
// function never has to re-implement the ident/valueType/cardinality
// decoding that already lives in schema.Machine.
func restore(ctx context.Context, kernel *sqlite.Store) (*restored, error) {
	parts := partition.New()
	known, err := kernel.LoadKnownPartitions(ctx)
	if err != nil {
		return nil, err
	}
	for _, kp := range known {
		// known_parts.next_free is whatever was last persisted (bootstrap
		// writes it once and nothing re-saves it afterward), so trusting
		// it directly would re-hand-out ids a since-closed session already
		// allocated. Recompute the live counter from the partition's
		// actual high-water mark instead: Partition.Def never changes
		// after bootstrap, but the counter always does.
		maxEid, err := kernel.MaxEid(ctx, kp.Def.Start, kp.Def.End)
		if err != nil {
			return nil, err
		}
		if err := parts.Restore(kp.Def, maxEid+1); err != nil {
			return nil, err
		}
	}

	facetOf, _, err := schema.CoreFacetEids()
	if err != nil {
		return nil, err
	}

	registry := schema.New()
	machine := schema.NewMachine(registry, kernel, facetOf)

	// Core attributes live in the :db partition (Bootstrap allocates them
	// there); attributes installed through Transact get fresh eids from the
	// user partition like any other temp-id, so both ranges are scanned.
	for _, r := range [][2]datom.Eid{{1, 0x10000}, {0x20000, 1 << 62}} {
		maxEid, err := kernel.MaxEid(ctx, r[0], r[1])
		if err != nil {
			return nil, err
		}
		for e := r[0]; e <= maxEid; e++ {
			datoms, err := kernel.Datoms(ctx, e)
			if err != nil {
				return nil, err
			}
			var facets []store.Assertion
			for _, d := range datoms {
				if machine.IsFacet(d.A) {
					facets = append(facets, store.Assertion{E: d.E, A: d.A, V: d.V, Added: d.Added})
				}
			}
			if len(facets) == 0 {
				continue
			}
			if err := machine.Apply(ctx, facets); err != nil {
				return nil, fmt.Errorf("restore entity %d: %w", e, err)
			}
		}
	}

	return &restored{Parts: parts, Registry: registry, Machine: machine}, nil
}
