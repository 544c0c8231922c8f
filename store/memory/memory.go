/*
Package memory implements store.Kernel in plain Go maps, mirroring this
corpus's generic/store.Memory pattern: a single mutex-guarded struct, used
in place of the SQLite kernel for tests and for callers that don't need
durability (spec.md §9, "Ephemeral search tables" — here the ephemeral
stream is a map instead of a SQL temp table).

Current state is keyed by (e, a) with the value slice holding every live
value for that pair; cardinality-one attributes are simply never allowed
to accumulate more than one entry by the caller's own discipline (the
transactor enforces this, not this package).
*/
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/loomdb/loom/datom"
	"github.com/loomdb/loom/store"
)

type eaKey struct {
	E datom.Eid
	A datom.Eid
}

// Store is the in-memory storage kernel.
type Store struct {
	mu sync.RWMutex

	current map[eaKey][]datom.Datom // current state, keyed by (e,a)
	log     []logEntry              // append-only transaction log

	fulltextPool map[string]int // interned fulltext strings, keyed by value
	fulltext     map[eaKey]int  // live (e,a) -> fulltextPool id, parity with store/sqlite's fulltext_datoms

	searchExact   []store.SearchTerm
	searchInexact map[eaKey]store.SearchTerm

	inTx  bool
	curTx datom.Eid
}

type logEntry struct {
	tx datom.Eid
	d  store.Assertion
}

// New creates an empty in-memory kernel.
func New() *Store {
	return &Store{
		current:      make(map[eaKey][]datom.Datom),
		fulltextPool: make(map[string]int),
		fulltext:     make(map[eaKey]int),
	}
}

func (s *Store) ResolveAVs(ctx context.Context, avs []store.AV) (map[store.AV]datom.Eid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[store.AV]datom.Eid, len(avs))
	for _, av := range avs {
		for k, vs := range s.current {
			if k.A != av.A {
				continue
			}
			for _, d := range vs {
				if d.V.Equal(av.V) {
					out[av] = k.E
				}
			}
		}
	}
	return out, nil
}

func (s *Store) BeginTxApplication(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inTx {
		return fmt.Errorf("memory: transaction already in progress")
	}
	s.inTx = true
	s.searchExact = nil
	s.searchInexact = make(map[eaKey]store.SearchTerm)
	return nil
}

func (s *Store) InsertNonFTSSearches(ctx context.Context, terms []store.SearchTerm, kind store.SearchKind) error {
	return s.insertSearches(terms, kind)
}

func (s *Store) InsertFTSSearches(ctx context.Context, terms []store.SearchTerm, kind store.SearchKind) error {
	return s.insertSearches(terms, kind)
}

func (s *Store) insertSearches(terms []store.SearchTerm, kind store.SearchKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range terms {
		if kind == store.Exact {
			s.searchExact = append(s.searchExact, t)
			continue
		}
		k := eaKey{E: t.E, A: t.A}
		if _, dup := s.searchInexact[k]; dup {
			return fmt.Errorf("%w: duplicate (e,a) pair in cardinality-one batch", datom.ErrInsertionFailed)
		}
		s.searchInexact[k] = t
	}
	return nil
}

func (s *Store) MaterializeTx(ctx context.Context, tx datom.Eid) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.searchExact {
		k := eaKey{E: t.E, A: t.A}
		existing := s.current[k]
		idx := -1
		for i, d := range existing {
			if d.V.Equal(t.V) {
				idx = i
				break
			}
		}

		switch {
		case t.Added && idx < 0:
			s.current[k] = append(existing, datom.Datom{E: t.E, A: t.A, V: t.V, Tx: tx, Added: true})
			s.appendLog(tx, store.Assertion{E: t.E, A: t.A, V: t.V, Added: true})
		case !t.Added && idx >= 0:
			s.current[k] = append(existing[:idx], existing[idx+1:]...)
			s.appendLog(tx, store.Assertion{E: t.E, A: t.A, V: t.V, Added: false})
		default:
			// asserting an already-present fact, or retracting an absent
			// one: idempotent no-op, nothing logged.
		}

		if t.Flags.Has(store.FlagFulltext) {
			s.syncFulltext(k, t)
		}
	}

	for k, t := range s.searchInexact {
		existing := s.current[k]
		var old *datom.Datom
		if len(existing) > 0 {
			old = &existing[0]
		}

		if !t.Added {
			if old != nil {
				s.appendLog(tx, store.Assertion{E: k.E, A: k.A, V: old.V, Added: false})
				delete(s.current, k)
			}
			continue
		}

		if old != nil && old.V.Equal(t.V) {
			continue // idempotent replacement
		}
		if old != nil {
			s.appendLog(tx, store.Assertion{E: k.E, A: k.A, V: old.V, Added: false})
		}
		s.current[k] = []datom.Datom{{E: k.E, A: k.A, V: t.V, Tx: tx, Added: true}}
		s.appendLog(tx, store.Assertion{E: k.E, A: k.A, V: t.V, Added: true})

		if t.Flags.Has(store.FlagFulltext) {
			s.syncFulltext(k, t)
		}
	}

	s.curTx = tx
	return nil
}

// syncFulltext keeps the fulltext shadow in sync, interning t.V into
// fulltextPool so two (e,a) pairs asserting the same string share one pool
// id, mirroring store/sqlite's fulltext_pool/fulltext_datoms split.
func (s *Store) syncFulltext(k eaKey, t store.SearchTerm) {
	if !t.Added {
		delete(s.fulltext, k)
		return
	}
	if t.V.Type() != datom.TypeString {
		return
	}
	value := t.V.Str()
	id, ok := s.fulltextPool[value]
	if !ok {
		id = len(s.fulltextPool) + 1
		s.fulltextPool[value] = id
	}
	s.fulltext[k] = id
}

func (s *Store) appendLog(tx datom.Eid, a store.Assertion) {
	s.log = append(s.log, logEntry{tx: tx, d: a})
}

func (s *Store) CommitTx(ctx context.Context, tx datom.Eid) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inTx = false
	return nil
}

func (s *Store) Rollback(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inTx = false
	s.searchExact = nil
	s.searchInexact = nil
	return nil
}

func (s *Store) ResolvedMetadataAssertions(ctx context.Context) ([]store.Assertion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []store.Assertion
	for _, e := range s.log {
		if e.tx == s.curTx {
			out = append(out, e.d)
		}
	}
	return out, nil
}

// Seed writes datoms directly to current state and the log, bypassing the
// search/materialize pipeline (schema.Bootstrap's only caller).
func (s *Store) Seed(ctx context.Context, datoms []datom.Datom) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range datoms {
		k := eaKey{E: d.E, A: d.A}
		s.current[k] = append(s.current[k], d)
		s.appendLog(d.Tx, store.Assertion{E: d.E, A: d.A, V: d.V, Added: true})
	}
	return nil
}

func (s *Store) CurrentValues(ctx context.Context, e, a datom.Eid) ([]datom.Value, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ds := s.current[eaKey{E: e, A: a}]
	out := make([]datom.Value, len(ds))
	for i, d := range ds {
		out[i] = d.V
	}
	return out, nil
}

func (s *Store) HasDuplicateValues(ctx context.Context, a datom.Eid) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[datom.Value]datom.Eid)
	for k, ds := range s.current {
		if k.A != a {
			continue
		}
		for _, d := range ds {
			if owner, ok := seen[d.V]; ok && owner != k.E {
				return true, nil
			}
			seen[d.V] = k.E
		}
	}
	return false, nil
}

func (s *Store) HasMultiValuedEntities(ctx context.Context, a datom.Eid) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for k, ds := range s.current {
		if k.A == a && len(ds) > 1 {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) Datoms(ctx context.Context, e datom.Eid) ([]datom.Datom, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []datom.Datom
	for k, ds := range s.current {
		if k.E != e {
			continue
		}
		out = append(out, ds...)
	}
	return out, nil
}

// MaxEid reports the greatest id ever allocated within [start, end),
// considering the entity and attribute position of every current-state
// datom plus the tx stamp of every log entry (current-state rows lose
// their tx stamp once retracted, so the log is the only place a
// fully-retracted tx id can still be found). Returns start-1 when the
// range has never been written, so MaxEid+1 recovers start for an
// untouched partition.
func (s *Store) MaxEid(ctx context.Context, start, end datom.Eid) (datom.Eid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	max := start - 1
	consider := func(e datom.Eid) {
		if e >= start && e < end && e > max {
			max = e
		}
	}
	for k, ds := range s.current {
		consider(k.E)
		consider(k.A)
		for _, d := range ds {
			consider(d.Tx)
		}
	}
	for _, e := range s.log {
		consider(e.tx)
	}
	return max, nil
}

func (s *Store) Close() error { return nil }

var _ store.Kernel = (*Store)(nil)
