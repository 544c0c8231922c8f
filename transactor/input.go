/*
Package transactor turns a user-supplied transaction into a canonical set
of (op, e, a, v) terms, resolves temp-ids and lookup-refs, enforces the
invariants of spec.md §4.5, and writes the result through a store.Storing
kernel.

INPUT SHAPES (spec.md §4.5.1):
  - Term{Op, E, A, V}: the vector form [op e a v].
  - Entity (a map[datom.Keyword]any keyed by attribute, plus the special
    KeyID entry for :db/id): expanded into one Term per attribute/value
    pair, recursively for nested Entity values under ref attributes.
  - TempID: an opaque transaction-local token.
  - LookupRef{A, V}: resolves to an eid via resolve_avs, same as
    Datomic's (lookup-ref a v).
  - CurrentTx{}: resolves to the transaction's own freshly allocated eid.
  - A []any value under any attribute expands elementwise, one Term per
    element — the natural generalization of "cardinality/many expands
    recursively" to slices appearing anywhere in the input.

SEE ALSO:
  - resolve.go: temp-id and lookup-ref resolution (spec.md §4.5.2).
  - reconcile.go: cardinality/add-retract/type-check passes (§4.5.3-4).
  - transactor.go: Run, which drives the whole pipeline end to end.
*/
package transactor

import (
	"fmt"

	"github.com/loomdb/loom/datom"
)

// Op is the operation a Term requests.
type Op int

const (
	OpAdd Op = iota
	OpRetract
)

func (o Op) String() string {
	if o == OpRetract {
		return ":db/retract"
	}
	return ":db/add"
}

// TempID is an opaque, transaction-local placeholder for an eid not yet
// known. Two terms using the same TempID refer to the same entity within
// one transaction.
type TempID string

// LookupRef resolves to an eid via resolve_avs, the way (lookup-ref a v)
// does.
type LookupRef struct {
	A datom.Keyword
	V any
}

// CurrentTx resolves to the transaction's own eid, the way
// (transaction-tx) does.
type CurrentTx struct{}

// KeyID is the special Entity key carrying an entity's id (a concrete
// eid, a TempID, or a LookupRef).
var KeyID = datom.NewKeyword("db", "id")

// Entity is the map form of a transaction term: {:db/id <...>, a1 v1, ...}.
type Entity map[datom.Keyword]any

// Term is the vector form of a transaction term: [op e a v]. E and V may
// be a concrete datom.Eid, a TempID, a LookupRef, a CurrentTx, a nested
// Entity (V only, under a ref attribute), or a []any to expand
// elementwise.
type Term struct {
	Op Op
	E  any
	A  datom.Keyword
	V  any
}

// normalize flattens a batch of Entities/Terms into a slice of
// single-valued Terms, expanding map form, nested entities, reversed
// attribute notation, and slice values (spec.md §4.5.1).
func normalize(batch []any, registry attributeLookup) ([]Term, error) {
	n := &normalizer{registry: registry, nextAnon: 0}
	for _, item := range batch {
		if err := n.add(item); err != nil {
			return nil, err
		}
	}
	return n.out, nil
}

type attributeLookup interface {
	Lookup(ident datom.Keyword) (datom.Eid, bool)
	Require(attr datom.Eid) (datom.AttributeFlags, error)
}

type normalizer struct {
	registry attributeLookup
	out      []Term
	nextAnon int
}

func (n *normalizer) anonTempID() TempID {
	n.nextAnon++
	return TempID(fmt.Sprintf("__anon-%d", n.nextAnon))
}

func (n *normalizer) add(item any) error {
	switch v := item.(type) {
	case Term:
		return n.addTerm(v)
	case Entity:
		return n.addEntity(v)
	default:
		return fmt.Errorf("transactor: unsupported transaction entity of type %T", item)
	}
}

func (n *normalizer) addEntity(e Entity) error {
	id, ok := e[KeyID]
	if !ok {
		return fmt.Errorf("transactor: map-form entity missing %s", KeyID)
	}
	for a, v := range e {
		if a == KeyID {
			continue
		}
		if err := n.addAttrValue(id, a, v); err != nil {
			return err
		}
	}
	return nil
}

func (n *normalizer) addAttrValue(e any, a datom.Keyword, v any) error {
	if list, ok := v.([]any); ok {
		for _, elem := range list {
			if err := n.addAttrValue(e, a, elem); err != nil {
				return err
			}
		}
		return nil
	}

	if a.Name != "" && len(a.Name) > 0 && a.Name[0] == '_' {
		return n.addReversed(e, a, v)
	}

	if nested, ok := v.(Entity); ok {
		return n.addNested(e, a, nested)
	}

	return n.addTerm(Term{Op: OpAdd, E: e, A: a, V: v})
}

// addReversed inverts [e :attr/_back v] into [v :attr e] (spec.md §4.5.1).
func (n *normalizer) addReversed(e any, a datom.Keyword, v any) error {
	real := datom.NewKeyword(a.Namespace, a.Name[1:])
	if n.registry != nil {
		attrID, ok := n.registry.Lookup(real)
		if ok {
			flags, err := n.registry.Require(attrID)
			if err == nil && flags.ValueType != datom.TypeRef {
				return fmt.Errorf("%w: reversed notation on non-ref attribute %s", datom.ErrBadValuePair, real)
			}
		}
	}
	return n.addAttrValue(v, real, e)
}

// addNested expands a nested map under a ref attribute into an explicit
// parent link plus the nested entity's own terms. Permitted only when the
// outer attribute is a component attribute, or the nested map itself
// carries a unique/identity attribute (so it is independently addressable
// and not dangling). Both checks consult the registry as it stands before
// this transaction; resolve does not repeat them.
func (n *normalizer) addNested(parent any, a datom.Keyword, nested Entity) error {
	childID, hasID := nested[KeyID]
	if !hasID {
		childID = n.anonTempID()
	}

	hasIdentityAttr := false
	for attrKw := range nested {
		if attrKw == KeyID {
			continue
		}
		if n.registry != nil {
			if attrID, ok := n.registry.Lookup(attrKw); ok {
				if flags, err := n.registry.Require(attrID); err == nil && flags.Unique == datom.UniqueIdentity {
					hasIdentityAttr = true
				}
			}
		}
	}

	isComponent := false
	if n.registry != nil {
		if attrID, ok := n.registry.Lookup(a); ok {
			if flags, err := n.registry.Require(attrID); err == nil {
				isComponent = flags.IsComponent
			}
		}
	}

	if !isComponent && !hasIdentityAttr {
		return fmt.Errorf("%w: nested map under %s is neither is-component nor keyed by a unique/identity attribute", datom.ErrDanglingNestedEntity, a)
	}

	if err := n.addTerm(Term{Op: OpAdd, E: parent, A: a, V: childID}); err != nil {
		return err
	}
	nestedWithID := Entity{}
	for k, v := range nested {
		nestedWithID[k] = v
	}
	nestedWithID[KeyID] = childID
	return n.addEntity(nestedWithID)
}

func (n *normalizer) addTerm(t Term) error {
	if list, ok := t.V.([]any); ok {
		for _, elem := range list {
			if err := n.addTerm(Term{Op: t.Op, E: t.E, A: t.A, V: elem}); err != nil {
				return err
			}
		}
		return nil
	}
	if len(t.A.Name) > 0 && t.A.Name[0] == '_' && t.Op == OpAdd {
		return n.addReversed(t.E, t.A, t.V)
	}
	if nested, ok := t.V.(Entity); ok {
		return n.addNested(t.E, t.A, nested)
	}
	n.out = append(n.out, t)
	return nil
}
