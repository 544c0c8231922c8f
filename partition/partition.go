/*
Package partition implements the partition map (spec.md §4.2): named
half-open ranges of entity ids, fresh-id allocation, and membership tests.

PURPOSE:
  Every eid used as an entity or as a ref-typed value must lie inside a
  known partition (spec.md §3 invariant 8). The partition map is the single
  authority for "is this a real id" and "give me the next id in :part".

CONCURRENCY:
  Guarded by a single mutex, mirroring the mutex-guarded store pattern used
  throughout this corpus (see store/sqlite.Store). Counters advance on every
  Allocate/AllocateN call, whether or not the transaction that asked for
  the ids later commits. Map has no operation that hands ids back, so ids
  allocated by a failed transaction stay consumed.

ORDERING GUARANTEE:
  Allocate and AllocateN within the same partition always return strictly
  increasing, non-overlapping ranges: callers never need to re-check for
  collisions.

SEE ALSO:
  - schema: installs the bootstrap partitions (:db.part/db, :db.part/user,
    :db.part/tx) during Bootstrap.
  - transactor: allocates fresh eids for unresolved temp-ids, in
    first-appearance order (spec.md §4.2's ordering guarantee).
*/
package partition

import (
	"fmt"
	"sync"

	"github.com/loomdb/loom/datom"
)

// Map owns the set of known partitions and their next-id counters.
type Map struct {
	mu    sync.Mutex
	parts map[string]*entry
}

type entry struct {
	def      datom.Partition
	nextFree datom.Eid // absolute eid, not an offset
}

// New creates an empty partition map. Callers normally populate it via
// Declare during bootstrap, not by constructing partitions by hand.
func New() *Map {
	return &Map{parts: make(map[string]*entry)}
}

// Declare registers a partition. Declaring the same name twice is an error;
// partitions are seeded once at bootstrap and never redefined (spec.md §3,
// "Lifecycles").
func (m *Map) Declare(p datom.Partition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.parts[p.Name]; exists {
		return fmt.Errorf("partition %q already declared", p.Name)
	}
	m.parts[p.Name] = &entry{def: p, nextFree: p.Start}
	return nil
}

// Restore seeds the map's counters from persisted state (used when opening
// an existing store: known_parts + the current max eid per partition).
func (m *Map) Restore(p datom.Partition, nextFree datom.Eid) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.parts[p.Name]; exists {
		return fmt.Errorf("partition %q already declared", p.Name)
	}
	if nextFree < p.Start {
		nextFree = p.Start
	}
	m.parts[p.Name] = &entry{def: p, nextFree: nextFree}
	return nil
}

// Allocate returns a fresh eid from part and advances its counter.
func (m *Map) Allocate(part string) (datom.Eid, error) {
	ids, err := m.AllocateN(part, 1)
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

// AllocateN returns n fresh, contiguous eids from part, advancing the
// counter by n. Fails if the partition is unknown or would overflow its
// declared range.
func (m *Map) AllocateN(part string, n int) ([]datom.Eid, error) {
	if n <= 0 {
		return nil, fmt.Errorf("allocate: n must be positive, got %d", n)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.parts[part]
	if !ok {
		return nil, fmt.Errorf("%w: %q", datom.ErrUnknownPartition, part)
	}

	start := e.nextFree
	end := start + datom.Eid(n)
	if e.def.End != 0 && end > e.def.End {
		return nil, fmt.Errorf("partition %q exhausted: requested %d ids past %d", part, n, e.def.End)
	}

	ids := make([]datom.Eid, n)
	for i := 0; i < n; i++ {
		ids[i] = start + datom.Eid(i)
	}
	e.nextFree = end
	return ids, nil
}

// Contains reports whether eid lies inside any known partition's range.
func (m *Map) Contains(eid datom.Eid) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.parts {
		if e.def.Contains(eid) {
			return true
		}
	}
	return false
}

// Lookup returns the partition definition owning eid, if any.
func (m *Map) Lookup(eid datom.Eid) (datom.Partition, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.parts {
		if e.def.Contains(eid) {
			return e.def, true
		}
	}
	return datom.Partition{}, false
}

// Partition returns the declared definition for name, if known.
func (m *Map) Partition(name string) (datom.Partition, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.parts[name]
	if !ok {
		return datom.Partition{}, false
	}
	return e.def, true
}

// All returns a snapshot of every declared partition, for the materialized
// "parts" view.
func (m *Map) All() []datom.Partition {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]datom.Partition, 0, len(m.parts))
	for _, e := range m.parts {
		out = append(out, e.def)
	}
	return out
}

// NextFree reports the current next-id counter for part (for diagnostics
// and for persisting known_parts on bootstrap/restore).
func (m *Map) NextFree(part string) (datom.Eid, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.parts[part]
	if !ok {
		return 0, false
	}
	return e.nextFree, true
}
