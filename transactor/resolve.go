/*
resolve.go - temp-id, lookup-ref and current-tx resolution (spec.md §4.5.2).

Runs after normalize and before reconcile. Two independent resolutions
happen here:

  - LookupRef and CurrentTx endpoints resolve in one pass: a lookup-ref
    either names an existing entity or the transaction fails outright,
    current-tx always resolves to the freshly allocated tx id.
  - TempID endpoints resolve by a fixpoint-over-generations upsert search:
    repeatedly batch every [tempid a v] term whose attribute is
    unique/identity and whose value is already concrete, resolve via
    store.Storing.ResolveAVs, and bind hits. Temp-ids that never upsert get
    a fresh eid from the user partition, in first-appearance order, unless
    they appear only as the value of a :db/retract term (nothing to
    retract against an entity that doesn't exist yet).
*/
package transactor

import (
	"context"
	"fmt"
	"sort"

	"github.com/loomdb/loom/codec"
	"github.com/loomdb/loom/datom"
	"github.com/loomdb/loom/partition"
	"github.com/loomdb/loom/store"
)

// resolved is a Term with every endpoint reduced to either a concrete
// datom.Eid (E, and V when V is a reference) or a raw scalar awaiting
// type coercion in reconcile.go.
type resolved struct {
	Op Op
	E  datom.Eid
	A  datom.Eid
	V  any // datom.Eid for refs, otherwise the raw scalar
}

// resolveTerms resolves lookup-refs, current-tx and temp-ids across the
// whole batch and returns fully addressed terms.
func resolveTerms(ctx context.Context, terms []Term, kernel store.Storing, parts *partition.Map, registry attributeLookup, tx datom.Eid) ([]resolved, error) {
	attrIDs, err := resolveAttributes(terms, registry)
	if err != nil {
		return nil, err
	}

	if err := resolveLookupRefs(ctx, terms, kernel, attrIDs, registry); err != nil {
		return nil, err
	}
	substituteCurrentTx(terms, tx)

	bound, err := resolveTempIDs(ctx, terms, kernel, parts, registry, attrIDs)
	if err != nil {
		return nil, err
	}

	out := make([]resolved, 0, len(terms))
	for _, t := range terms {
		e, err := endpointEid(t.E, bound)
		if err != nil {
			return nil, fmt.Errorf("transactor: entity position: %w", err)
		}
		attrID := attrIDs[t.A]

		v := t.V
		if flags, err := registry.Require(attrID); err == nil && flags.ValueType == datom.TypeRef {
			refEid, err := endpointEid(v, bound)
			if err != nil {
				return nil, fmt.Errorf("transactor: value position under ref attribute %s: %w", t.A, err)
			}
			v = refEid
		} else if tid, ok := v.(TempID); ok {
			eid, ok := bound[tid]
			if !ok {
				return nil, fmt.Errorf("transactor: temp-id %q used as a non-ref value", tid)
			}
			v = eid
		}

		out = append(out, resolved{Op: t.Op, E: e, A: attrID, V: v})
	}

	if err := checkUniqueValueConflicts(ctx, out, kernel, registry); err != nil {
		return nil, err
	}
	return out, nil
}

// checkUniqueValueConflicts enforces Invariant 3 on terms whose entity was
// already a concrete eid going in, rather than a temp-id. A temp-id asserting
// a unique attribute's value funnels through resolveTempIDs's ResolveAVs
// search and reuses the matching entity instead of minting a new one; a
// concrete eid has no such funnel, so without this check
// [:db/add otherExistingEid uniqueAttr v] would silently create a second
// entity holding a value a unique/identity or unique/value attribute is
// supposed to hold exactly once.
func checkUniqueValueConflicts(ctx context.Context, terms []resolved, kernel store.Storing, registry attributeLookup) error {
	type candidate struct {
		e  datom.Eid
		av store.AV
	}
	var candidates []candidate
	seen := make(map[store.AV]bool)
	var avs []store.AV

	for _, t := range terms {
		if t.Op != OpAdd {
			continue
		}
		flags, err := registry.Require(t.A)
		if err != nil || flags.Unique == datom.UniqueNone || flags.ValueType == datom.TypeRef {
			continue
		}
		val, err := codec.Coerce(t.V, flags.ValueType)
		if err != nil {
			continue // surfaced again, with full context, by reconcile's type pass
		}
		av := store.AV{A: t.A, V: val}
		candidates = append(candidates, candidate{e: t.E, av: av})
		if !seen[av] {
			seen[av] = true
			avs = append(avs, av)
		}
	}
	if len(avs) == 0 {
		return nil
	}

	hits, err := kernel.ResolveAVs(ctx, avs)
	if err != nil {
		return err
	}

	for _, c := range candidates {
		existing, found := hits[c.av]
		if !found || existing == c.e {
			continue
		}
		return &datom.UniqueConstraintViolationError{E: c.e, Existing: existing, A: c.av.A, V: c.av.V}
	}
	return nil
}

// resolveAttributes maps every distinct attribute ident in the batch to
// its installed eid, failing fast on any attribute nobody has installed.
func resolveAttributes(terms []Term, registry attributeLookup) (map[datom.Keyword]datom.Eid, error) {
	out := make(map[datom.Keyword]datom.Eid)
	for _, t := range terms {
		if _, ok := out[t.A]; ok {
			continue
		}
		id, ok := registry.Lookup(t.A)
		if !ok {
			return nil, fmt.Errorf("%w: %s", datom.ErrUnknownAttribute, t.A)
		}
		out[t.A] = id
	}
	return out, nil
}

// resolveLookupRefs resolves every LookupRef endpoint in place, replacing
// it with the datom.Eid it names.
func resolveLookupRefs(ctx context.Context, terms []Term, kernel store.Storing, attrIDs map[datom.Keyword]datom.Eid, registry attributeLookup) error {
	type occurrence struct{ term, side int }

	av := make(map[store.AV][]occurrence)
	for i, t := range terms {
		for side, v := range [2]any{t.E, t.V} {
			lr, ok := v.(LookupRef)
			if !ok {
				continue
			}
			attrID, ok := attrIDs[lr.A]
			if !ok {
				id, ok := registry.Lookup(lr.A)
				if !ok {
					return fmt.Errorf("%w: lookup-ref attribute %s", datom.ErrUnknownAttribute, lr.A)
				}
				attrID = id
			}
			flags, err := registry.Require(attrID)
			if err != nil {
				return err
			}
			val, err := codec.Coerce(lr.V, flags.ValueType)
			if err != nil {
				return err
			}
			key := store.AV{A: attrID, V: val}
			av[key] = append(av[key], occurrence{term: i, side: side})
		}
	}
	if len(av) == 0 {
		return nil
	}

	keys := make([]store.AV, 0, len(av))
	for k := range av {
		keys = append(keys, k)
	}
	hits, err := kernel.ResolveAVs(ctx, keys)
	if err != nil {
		return err
	}

	for k, occs := range av {
		eid, ok := hits[k]
		if !ok {
			return fmt.Errorf("%w: attribute %d", datom.ErrUnresolvedLookupRef, k.A)
		}
		for _, o := range occs {
			if o.side == 0 {
				terms[o.term].E = eid
			} else {
				terms[o.term].V = eid
			}
		}
	}
	return nil
}

func substituteCurrentTx(terms []Term, tx datom.Eid) {
	for i, t := range terms {
		if _, ok := t.E.(CurrentTx); ok {
			terms[i].E = tx
		}
		if _, ok := t.V.(CurrentTx); ok {
			terms[i].V = tx
		}
	}
}

// resolveTempIDs runs the fixpoint-over-generations upsert search and
// returns the binding for every temp-id that appeared in the batch.
func resolveTempIDs(ctx context.Context, terms []Term, kernel store.Storing, parts *partition.Map, registry attributeLookup, attrIDs map[datom.Keyword]datom.Eid) (map[TempID]datom.Eid, error) {
	bound := make(map[TempID]datom.Eid)
	firstAppearance := orderedTempIDs(terms)
	if len(firstAppearance) == 0 {
		return bound, nil
	}

	offenders := make(map[string][]datom.Eid)
	for {
		progressed, err := resolveOneGeneration(ctx, terms, kernel, registry, attrIDs, bound, offenders)
		if err != nil {
			return nil, err
		}
		if !progressed {
			break
		}
	}
	if len(offenders) > 0 {
		return nil, &datom.ConflictingUpsertsError{Offenders: offenders}
	}
	if err := detectReciprocalUpsertConflicts(terms, registry, attrIDs, bound); err != nil {
		return nil, err
	}

	appearsAsE := make(map[TempID]bool)
	retractOnlyAttr := make(map[TempID]datom.Eid)
	for _, t := range terms {
		if tid, ok := t.E.(TempID); ok {
			appearsAsE[tid] = true
		}
		if tid, ok := t.V.(TempID); ok && t.Op == OpRetract {
			if _, already := retractOnlyAttr[tid]; !already {
				retractOnlyAttr[tid] = attrIDs[t.A]
			}
		}
	}

	for _, tid := range firstAppearance {
		if _, already := bound[tid]; already {
			continue
		}
		if !appearsAsE[tid] {
			if attrID, isRetract := retractOnlyAttr[tid]; isRetract {
				return nil, &datom.TempidRetractMustUpsertError{TempID: string(tid), A: attrID}
			}
		}
		eid, err := parts.Allocate(datom.PartitionUser)
		if err != nil {
			return nil, err
		}
		bound[tid] = eid
	}
	return bound, nil
}

func resolveOneGeneration(ctx context.Context, terms []Term, kernel store.Storing, registry attributeLookup, attrIDs map[datom.Keyword]datom.Eid, bound map[TempID]datom.Eid, offenders map[string][]datom.Eid) (bool, error) {
	pending := make(map[store.AV]TempID)
	var avs []store.AV

	for _, t := range terms {
		tid, ok := t.E.(TempID)
		if !ok {
			continue
		}
		if _, already := bound[tid]; already {
			continue
		}
		attrID := attrIDs[t.A]
		flags, err := registry.Require(attrID)
		if err != nil || flags.Unique != datom.UniqueIdentity {
			continue
		}
		raw, concrete := concreteScalar(t.V, bound)
		if !concrete {
			continue
		}
		val, err := codec.Coerce(raw, flags.ValueType)
		if err != nil {
			continue // surfaced again, with full context, by reconcile's type pass
		}
		av := store.AV{A: attrID, V: val}
		if _, seen := pending[av]; !seen {
			avs = append(avs, av)
		}
		pending[av] = tid
	}
	if len(avs) == 0 {
		return false, nil
	}

	hits, err := kernel.ResolveAVs(ctx, avs)
	if err != nil {
		return false, err
	}

	progressed := false
	for av, tid := range pending {
		eid, found := hits[av]
		if !found {
			continue
		}
		if existing, already := bound[tid]; already {
			if existing != eid {
				offenders[string(tid)] = append(offenders[string(tid)], existing, eid)
			}
			continue
		}
		bound[tid] = eid
		progressed = true
	}
	return progressed, nil
}

// detectReciprocalUpsertConflicts catches a case resolveOneGeneration's
// per-generation comparison cannot: two temp-ids that each independently
// upsert (via different unique/identity attributes) to two different
// existing entities, and are then cross-linked by a pair of ref-valued
// terms pointing at each other. Taken alone neither upsert is ambiguous;
// taken together the batch asserts that "a" and "b" denote a single
// mutual relationship, so the two pre-existing entities they resolved to
// are unioned into one equivalence class (spec.md §4.5's "union-find-style
// equivalence classes"), and a class straddling more than one existing
// eid is reported as a conflict for every temp-id in it.
func detectReciprocalUpsertConflicts(terms []Term, registry attributeLookup, attrIDs map[datom.Keyword]datom.Eid, bound map[TempID]datom.Eid) error {
	parent := make(map[TempID]TempID)
	find := func(t TempID) TempID {
		for {
			p, ok := parent[t]
			if !ok {
				parent[t] = t
				return t
			}
			if p == t {
				return t
			}
			t = p
		}
	}
	union := func(a, b TempID) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[ra] = rb
		}
	}

	type edge struct{ from, to TempID }
	seen := make(map[edge]bool)
	for _, t := range terms {
		from, ok := t.E.(TempID)
		if !ok {
			continue
		}
		if _, isBound := bound[from]; !isBound {
			continue
		}
		to, ok := t.V.(TempID)
		if !ok {
			continue
		}
		if _, isBound := bound[to]; !isBound {
			continue
		}
		flags, err := registry.Require(attrIDs[t.A])
		if err != nil || flags.ValueType != datom.TypeRef {
			continue
		}
		seen[edge{from, to}] = true
		if seen[edge{to, from}] {
			union(from, to)
		}
	}
	if len(parent) == 0 {
		return nil
	}

	classes := make(map[TempID]map[datom.Eid]bool)
	for tid := range parent {
		root := find(tid)
		if classes[root] == nil {
			classes[root] = make(map[datom.Eid]bool)
		}
		classes[root][bound[tid]] = true
	}

	offenders := make(map[string][]datom.Eid)
	for tid := range parent {
		set := classes[find(tid)]
		if len(set) < 2 {
			continue
		}
		eids := make([]datom.Eid, 0, len(set))
		for e := range set {
			eids = append(eids, e)
		}
		sort.Slice(eids, func(i, j int) bool { return eids[i] < eids[j] })
		offenders[string(tid)] = eids
	}
	if len(offenders) > 0 {
		return &datom.ConflictingUpsertsError{Offenders: offenders}
	}
	return nil
}

// concreteScalar reports the value terms[i].V resolves to right now,
// following a TempID through bound if possible. It is not concrete while
// it names an as-yet-unbound temp-id.
func concreteScalar(v any, bound map[TempID]datom.Eid) (any, bool) {
	switch x := v.(type) {
	case TempID:
		eid, ok := bound[x]
		if !ok {
			return nil, false
		}
		return eid, true
	case LookupRef, CurrentTx:
		return nil, false // resolved earlier; reaching here means a bug upstream
	default:
		return v, true
	}
}

func endpointEid(v any, bound map[TempID]datom.Eid) (datom.Eid, error) {
	switch x := v.(type) {
	case datom.Eid:
		return x, nil
	case TempID:
		eid, ok := bound[x]
		if !ok {
			return 0, fmt.Errorf("temp-id %q never resolved", x)
		}
		return eid, nil
	default:
		return 0, fmt.Errorf("expected an entity reference, got %T", v)
	}
}

func orderedTempIDs(terms []Term) []TempID {
	seen := make(map[TempID]bool)
	var out []TempID
	note := func(v any) {
		if tid, ok := v.(TempID); ok && !seen[tid] {
			seen[tid] = true
			out = append(out, tid)
		}
	}
	for _, t := range terms {
		note(t.E)
		note(t.V)
	}
	return out
}
