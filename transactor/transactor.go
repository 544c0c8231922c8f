/*
transactor.go - Run, the end-to-end transaction driver (spec.md §4.5).

Run executes normalize -> resolve -> reconcile -> BeginTxApplication ->
Insert*Searches -> MaterializeTx -> ResolvedMetadataAssertions ->
schema.Machine.Apply -> watch notification -> CommitTx, and returns a
TxReport. The whole sequence runs under one mutex: this kernel accepts
exactly one in-flight transaction at a time (spec.md §5).
*/
package transactor

import (
	"context"
	"fmt"
	"sync"

	"github.com/loomdb/loom/datom"
	"github.com/loomdb/loom/partition"
	"github.com/loomdb/loom/schema"
	"github.com/loomdb/loom/store"
	"github.com/loomdb/loom/watch"
)

// Transactor owns the single write path into a Kernel: normalize, resolve,
// reconcile, apply, and notify, serialized by mu.
type Transactor struct {
	mu sync.Mutex

	kernel   store.Kernel
	parts    *partition.Map
	registry *schema.Registry
	machine  *schema.Machine
	watcher  watch.Watcher
}

// New builds a Transactor over an already-bootstrapped kernel. watcher may
// be nil, in which case watch.Null{} is used.
func New(kernel store.Kernel, parts *partition.Map, registry *schema.Registry, machine *schema.Machine, watcher watch.Watcher) *Transactor {
	if watcher == nil {
		watcher = watch.Null{}
	}
	return &Transactor{kernel: kernel, parts: parts, registry: registry, machine: machine, watcher: watcher}
}

// TxReport summarizes a committed transaction: its own eid, the temp-id
// bindings a caller needs to look up newly created entities, and every
// datom the transaction actually wrote (after dedup and idempotency
// collapsing — a no-op assert/retract never appears here).
type TxReport struct {
	Tx            datom.Eid
	TempIDs       map[TempID]datom.Eid
	Datoms        []datom.Datom
	SchemaChanged bool
}

// Run transacts one batch of Entity/Term values. batch items must be
// transactor.Entity or transactor.Term; anything else is a caller error.
func (t *Transactor) Run(ctx context.Context, batch []any) (*TxReport, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	terms, err := normalize(batch, t.registry)
	if err != nil {
		return nil, err
	}
	if len(terms) == 0 {
		return nil, fmt.Errorf("transactor: empty transaction")
	}

	txID, err := t.parts.Allocate(datom.PartitionTx)
	if err != nil {
		return nil, err
	}

	resolvedTerms, err := resolveTerms(ctx, terms, t.kernel, t.parts, t.registry, txID)
	if err != nil {
		return nil, err
	}

	plan, err := reconcile(resolvedTerms, t.registry, txID)
	if err != nil {
		return nil, err
	}

	if err := t.apply(ctx, txID, plan); err != nil {
		return nil, err
	}

	assertions, err := t.kernel.ResolvedMetadataAssertions(ctx)
	if err != nil {
		_ = t.kernel.Rollback(ctx)
		return nil, err
	}

	schemaChanged := false
	for _, a := range assertions {
		if t.machine.IsFacet(a.A) {
			schemaChanged = true
			break
		}
	}

	if schemaChanged {
		if err := t.machine.Apply(ctx, assertions); err != nil {
			_ = t.kernel.Rollback(ctx)
			return nil, err
		}
	}

	// The watcher must see every datom of this transaction before the
	// kernel commits, so an observer building its own view inside this
	// same transaction can still discard it on a later rollback.
	datoms := make([]datom.Datom, 0, len(assertions))
	for _, a := range assertions {
		d := datom.Datom{E: a.E, A: a.A, V: a.V, Tx: txID, Added: a.Added}
		t.watcher.OnDatom(d)
		datoms = append(datoms, d)
	}
	t.watcher.OnDone(txID, schemaChanged)

	if err := t.kernel.CommitTx(ctx, txID); err != nil {
		return nil, err
	}

	tempIDs := make(map[TempID]datom.Eid)
	for i, term := range terms {
		if tid, ok := term.E.(TempID); ok {
			tempIDs[tid] = resolvedTerms[i].E
		}
	}

	return &TxReport{Tx: txID, TempIDs: tempIDs, Datoms: datoms, SchemaChanged: schemaChanged}, nil
}

func (t *Transactor) apply(ctx context.Context, txID datom.Eid, plan reconciled) error {
	if err := t.kernel.BeginTxApplication(ctx); err != nil {
		return err
	}

	if len(plan.exactNonFTS) > 0 {
		if err := t.kernel.InsertNonFTSSearches(ctx, plan.exactNonFTS, store.Exact); err != nil {
			_ = t.kernel.Rollback(ctx)
			return err
		}
	}
	if len(plan.inexactNonFTS) > 0 {
		if err := t.kernel.InsertNonFTSSearches(ctx, plan.inexactNonFTS, store.Inexact); err != nil {
			_ = t.kernel.Rollback(ctx)
			return err
		}
	}
	if len(plan.exactFTS) > 0 {
		if err := t.kernel.InsertFTSSearches(ctx, plan.exactFTS, store.Exact); err != nil {
			_ = t.kernel.Rollback(ctx)
			return err
		}
	}
	if len(plan.inexactFTS) > 0 {
		if err := t.kernel.InsertFTSSearches(ctx, plan.inexactFTS, store.Inexact); err != nil {
			_ = t.kernel.Rollback(ctx)
			return err
		}
	}

	if err := t.kernel.MaterializeTx(ctx, txID); err != nil {
		_ = t.kernel.Rollback(ctx)
		return err
	}
	return nil
}
