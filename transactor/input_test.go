package transactor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomdb/loom/datom"
)

type fakeLookup struct {
	byIdent map[datom.Keyword]datom.Eid
	flags   map[datom.Eid]datom.AttributeFlags
}

func newFakeLookup() *fakeLookup {
	return &fakeLookup{byIdent: map[datom.Keyword]datom.Eid{}, flags: map[datom.Eid]datom.AttributeFlags{}}
}

func (f *fakeLookup) define(ident datom.Keyword, eid datom.Eid, flags datom.AttributeFlags) {
	flags.Ident = ident
	f.byIdent[ident] = eid
	f.flags[eid] = flags
}

func (f *fakeLookup) Lookup(ident datom.Keyword) (datom.Eid, bool) {
	id, ok := f.byIdent[ident]
	return id, ok
}

func (f *fakeLookup) Require(attr datom.Eid) (datom.AttributeFlags, error) {
	flags, ok := f.flags[attr]
	if !ok {
		return datom.AttributeFlags{}, datom.ErrUnknownAttribute
	}
	return flags, nil
}

var (
	kwFriend = datom.NewKeyword("person", "friend")
	kwTag    = datom.NewKeyword("person", "tag")
	kwSSN    = datom.NewKeyword("person", "ssn")
)

func TestNormalize_VectorFormPassesThrough(t *testing.T) {
	terms, err := normalize([]any{
		Term{Op: OpAdd, E: TempID("a"), A: kwTag, V: "blue"},
	}, newFakeLookup())
	require.NoError(t, err)
	require.Len(t, terms, 1)
	assert.Equal(t, TempID("a"), terms[0].E)
}

func TestNormalize_MapFormExpandsOneTermPerAttribute(t *testing.T) {
	terms, err := normalize([]any{
		Entity{KeyID: TempID("a"), kwTag: "blue", kwSSN: "123-45-6789"},
	}, newFakeLookup())
	require.NoError(t, err)
	assert.Len(t, terms, 2)
}

func TestNormalize_SliceValueExpandsElementwise(t *testing.T) {
	terms, err := normalize([]any{
		Entity{KeyID: TempID("a"), kwTag: []any{"blue", "red", "green"}},
	}, newFakeLookup())
	require.NoError(t, err)
	require.Len(t, terms, 3)
	vals := map[any]bool{}
	for _, term := range terms {
		vals[term.V] = true
	}
	assert.True(t, vals["blue"] && vals["red"] && vals["green"])
}

func TestNormalize_ReversedNotationSwapsEntityAndValue(t *testing.T) {
	lookup := newFakeLookup()
	lookup.define(kwFriend, 1, datom.AttributeFlags{ValueType: datom.TypeRef, Cardinality: datom.CardinalityMany})

	reversed := datom.NewKeyword("person", "_friend")
	terms, err := normalize([]any{
		Term{Op: OpAdd, E: TempID("a"), A: reversed, V: TempID("b")},
	}, lookup)
	require.NoError(t, err)
	require.Len(t, terms, 1)
	assert.Equal(t, TempID("b"), terms[0].E)
	assert.Equal(t, kwFriend, terms[0].A)
	assert.Equal(t, TempID("a"), terms[0].V)
}

func TestNormalize_ReversedNotationOnNonRefAttributeFails(t *testing.T) {
	lookup := newFakeLookup()
	lookup.define(kwTag, 1, datom.AttributeFlags{ValueType: datom.TypeString, Cardinality: datom.CardinalityMany})

	reversed := datom.NewKeyword("person", "_tag")
	_, err := normalize([]any{
		Term{Op: OpAdd, E: TempID("a"), A: reversed, V: "x"},
	}, lookup)
	assert.ErrorIs(t, err, datom.ErrBadValuePair)
}

func TestNormalize_NestedComponentEntityExpandsRecursively(t *testing.T) {
	lookup := newFakeLookup()
	kwAddress := datom.NewKeyword("person", "address")
	kwStreet := datom.NewKeyword("address", "street")
	lookup.define(kwAddress, 1, datom.AttributeFlags{ValueType: datom.TypeRef, Cardinality: datom.CardinalityOne, IsComponent: true})
	lookup.define(kwStreet, 2, datom.AttributeFlags{ValueType: datom.TypeString, Cardinality: datom.CardinalityOne})

	terms, err := normalize([]any{
		Entity{KeyID: TempID("a"), kwAddress: Entity{kwStreet: "Main St"}},
	}, lookup)
	require.NoError(t, err)
	require.Len(t, terms, 2) // parent -> child link, plus the child's own attribute
	assert.Equal(t, TempID("a"), terms[0].E)
	assert.Equal(t, kwAddress, terms[0].A)
}

func TestNormalize_NestedNonComponentWithoutIdentityFails(t *testing.T) {
	lookup := newFakeLookup()
	kwAddress := datom.NewKeyword("person", "address")
	kwStreet := datom.NewKeyword("address", "street")
	lookup.define(kwAddress, 1, datom.AttributeFlags{ValueType: datom.TypeRef, Cardinality: datom.CardinalityOne})
	lookup.define(kwStreet, 2, datom.AttributeFlags{ValueType: datom.TypeString, Cardinality: datom.CardinalityOne})

	_, err := normalize([]any{
		Entity{KeyID: TempID("a"), kwAddress: Entity{kwStreet: "Main St"}},
	}, lookup)
	assert.ErrorIs(t, err, datom.ErrDanglingNestedEntity)
}

func TestNormalize_NestedEntityKeyedByIdentityAttributeIsAllowed(t *testing.T) {
	lookup := newFakeLookup()
	kwAddress := datom.NewKeyword("person", "address")
	kwStreet := datom.NewKeyword("address", "street")
	lookup.define(kwAddress, 1, datom.AttributeFlags{ValueType: datom.TypeRef, Cardinality: datom.CardinalityOne})
	lookup.define(kwStreet, 2, datom.AttributeFlags{ValueType: datom.TypeString, Cardinality: datom.CardinalityOne, Unique: datom.UniqueIdentity})

	terms, err := normalize([]any{
		Entity{KeyID: TempID("a"), kwAddress: Entity{kwStreet: "Main St"}},
	}, lookup)
	require.NoError(t, err)
	assert.Len(t, terms, 2)
}
