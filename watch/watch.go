/*
Package watch defines the observer hook invoked as each transaction
is applied (spec.md §4.7): a way to react to new facts without polling.

PURPOSE:
  A Watcher sees every datom a transaction wrote exactly once, in
  transaction order, before the transactor returns control to the caller.
  It is not called for a transaction that fails before schema application
  completes; a failure of the final CommitTx comes after the watcher has
  already seen that transaction's datoms.

SEE ALSO:
  - transactor: invokes OnDatom for each datom the transaction wrote and
    OnDone once, after schema.Machine.Apply and before CommitTx.
*/
package watch

import "github.com/loomdb/loom/datom"

// Watcher observes committed transactions.
type Watcher interface {
	// OnDatom is called once per committed datom, in the order
	// MaterializeTx wrote them.
	OnDatom(d datom.Datom)

	// OnDone is called once per transaction, after every OnDatom call for
	// it, carrying the transaction's own id and whether it altered schema.
	OnDone(tx datom.Eid, schemaChanged bool)
}

// Null is a Watcher that observes nothing. It is the default passed to
// transactor.New when the caller supplies none.
type Null struct{}

func (Null) OnDatom(datom.Datom)         {}
func (Null) OnDone(datom.Eid, bool) {}

var _ Watcher = Null{}

// Func adapts a pair of plain functions to the Watcher interface, for
// callers that only care about one of the two hooks.
type Func struct {
	Datom func(datom.Datom)
	Done  func(tx datom.Eid, schemaChanged bool)
}

func (f Func) OnDatom(d datom.Datom) {
	if f.Datom != nil {
		f.Datom(d)
	}
}

func (f Func) OnDone(tx datom.Eid, schemaChanged bool) {
	if f.Done != nil {
		f.Done(tx, schemaChanged)
	}
}

var _ Watcher = Func{}
