/*
reconcile.go - conflict detection, type coercion, and search-term assembly
(spec.md §4.5.3-4.5.4).

Runs after resolve.go has reduced every term's E and ref-typed V to a
concrete datom.Eid. From here the job is: dedup identical quads, catch
within-transaction conflicts, coerce every non-ref value against its
attribute's declared type, stamp :db/txInstant if the caller didn't supply
one, and emit the store.SearchTerm batches the kernel's four
Insert*Searches/SearchKind combinations expect.
*/
package transactor

import (
	"fmt"
	"time"

	"github.com/loomdb/loom/codec"
	"github.com/loomdb/loom/datom"
	"github.com/loomdb/loom/store"
)

var txInstantIdent = datom.NewKeyword("db", "txInstant")

type quad struct {
	op Op
	e  datom.Eid
	a  datom.Eid
	v  any
}

type reconciled struct {
	exactNonFTS   []store.SearchTerm
	inexactNonFTS []store.SearchTerm
	exactFTS      []store.SearchTerm
	inexactFTS    []store.SearchTerm
}

// reconcile dedups, conflict-checks, type-coerces and buckets a resolved
// batch into the four search streams the kernel consumes.
func reconcile(terms []resolved, registry attributeLookup, tx datom.Eid) (reconciled, error) {
	terms = dedupQuads(terms)
	terms = stampTxInstant(terms, registry, tx)

	if err := checkAddRetractAndCardinality(terms, registry); err != nil {
		return reconciled{}, err
	}

	coerced, err := coerceValues(terms, registry)
	if err != nil {
		return reconciled{}, err
	}

	var out reconciled
	for _, c := range coerced {
		flags, err := registry.Require(c.a)
		if err != nil {
			return reconciled{}, err
		}

		st := store.SearchTerm{E: c.e, A: c.a, V: c.v, Added: c.added, Flags: indexFlags(flags)}

		exact := flags.Cardinality == datom.CardinalityMany || !c.added
		switch {
		case exact && flags.Fulltext:
			out.exactFTS = append(out.exactFTS, st)
		case exact:
			out.exactNonFTS = append(out.exactNonFTS, st)
		case flags.Fulltext:
			out.inexactFTS = append(out.inexactFTS, st)
		default:
			out.inexactNonFTS = append(out.inexactNonFTS, st)
		}
	}
	return out, nil
}

func indexFlags(flags datom.AttributeFlags) store.Flags {
	var f store.Flags
	if flags.Indexed {
		f |= store.FlagIndexedAVET
	}
	if flags.ValueType == datom.TypeRef {
		f |= store.FlagIndexedVAET
	}
	if flags.Fulltext {
		f |= store.FlagFulltext
	}
	if flags.Unique != datom.UniqueNone {
		f |= store.FlagUniqueValue
	}
	return f
}

// dedupQuads collapses identical (op,e,a,v) quads: asserting or retracting
// the same fact twice in one transaction is a no-op, not a conflict.
func dedupQuads(terms []resolved) []resolved {
	seen := make(map[quad]bool, len(terms))
	out := make([]resolved, 0, len(terms))
	for _, t := range terms {
		q := quad{op: t.Op, e: t.E, a: t.A, v: t.V}
		if seen[q] {
			continue
		}
		seen[q] = true
		out = append(out, t)
	}
	return out
}

// stampTxInstant appends [:db/add tx :db/txInstant (now)] unless the caller
// already asserted a value for it.
func stampTxInstant(terms []resolved, registry attributeLookup, tx datom.Eid) []resolved {
	attrID, ok := registry.Lookup(txInstantIdent)
	if !ok {
		return terms // bootstrapping the attribute itself; nothing to stamp yet
	}
	for _, t := range terms {
		if t.E == tx && t.A == attrID {
			return terms
		}
	}
	return append(terms, resolved{Op: OpAdd, E: tx, A: attrID, V: time.Now().UTC()})
}

func checkAddRetractAndCardinality(terms []resolved, registry attributeLookup) error {
	type groupKey struct{ e, a datom.Eid }
	adds := make(map[groupKey]map[any]bool)
	retracts := make(map[groupKey]map[any]bool)

	for _, t := range terms {
		k := groupKey{e: t.E, a: t.A}
		m := adds
		if t.Op == OpRetract {
			m = retracts
		}
		if m[k] == nil {
			m[k] = make(map[any]bool)
		}
		m[k][t.V] = true
	}

	for k, addedVals := range adds {
		if retracted, ok := retracts[k]; ok {
			for v := range addedVals {
				if retracted[v] {
					val, _ := codec.Coerce(v, mustValueType(registry, k.a))
					return &datom.AddRetractConflictError{E: k.e, A: k.a, V: val}
				}
			}
		}

		flags, err := registry.Require(k.a)
		if err != nil || flags.Cardinality != datom.CardinalityOne {
			continue
		}
		if len(addedVals) > 1 {
			values := make([]datom.Value, 0, len(addedVals))
			for v := range addedVals {
				if val, err := codec.Coerce(v, flags.ValueType); err == nil {
					values = append(values, val)
				}
			}
			return &datom.CardinalityOneAddConflictError{E: k.e, A: k.a, Values: values}
		}
	}
	return nil
}

func mustValueType(registry attributeLookup, a datom.Eid) datom.ValueType {
	flags, err := registry.Require(a)
	if err != nil {
		return datom.TypeString
	}
	return flags.ValueType
}

type coercedTerm struct {
	e, a  datom.Eid
	v     datom.Value
	added bool
}

// coerceValues type-checks every non-ref value against its attribute's
// declared type in one batched pass, so a caller sees every offending term
// at once instead of failing on the first.
func coerceValues(terms []resolved, registry attributeLookup) ([]coercedTerm, error) {
	out := make([]coercedTerm, 0, len(terms))
	offenders := make(map[datom.EAV]datom.ValueType)

	for _, t := range terms {
		flags, err := registry.Require(t.A)
		if err != nil {
			return nil, err
		}

		if flags.ValueType == datom.TypeRef {
			eid, ok := t.V.(datom.Eid)
			if !ok {
				offenders[datom.EAV{E: t.E, A: t.A, V: fmt.Sprint(t.V)}] = datom.TypeRef
				continue
			}
			out = append(out, coercedTerm{e: t.E, a: t.A, v: datom.RefValue(eid), added: t.Op == OpAdd})
			continue
		}

		val, err := codec.Coerce(t.V, flags.ValueType)
		if err != nil {
			offenders[datom.EAV{E: t.E, A: t.A, V: fmt.Sprint(t.V)}] = flags.ValueType
			continue
		}
		out = append(out, coercedTerm{e: t.E, a: t.A, v: val, added: t.Op == OpAdd})
	}

	if len(offenders) > 0 {
		return nil, &datom.TypeDisagreementError{Offenders: offenders}
	}
	return out, nil
}
