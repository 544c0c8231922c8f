package schema_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomdb/loom/datom"
	"github.com/loomdb/loom/schema"
)

type stubChecker struct {
	multiValued bool
	duplicates  bool
}

func (s stubChecker) HasMultiValuedEntities(ctx context.Context, a datom.Eid) (bool, error) {
	return s.multiValued, nil
}
func (s stubChecker) HasDuplicateValues(ctx context.Context, a datom.Eid) (bool, error) {
	return s.duplicates, nil
}

func installEmail(t *testing.T, r *schema.Registry, attr datom.Eid, unique datom.UniqueKind, indexed bool) {
	t.Helper()
	err := r.Install(attr, schema.Definition{
		Flags: datom.AttributeFlags{
			Ident:       datom.NewKeyword("person", "email"),
			ValueType:   datom.TypeString,
			Cardinality: datom.CardinalityOne,
			Unique:      unique,
			Indexed:     indexed,
		},
		ValueTypeSet:   true,
		CardinalitySet: true,
	})
	require.NoError(t, err)
}

func TestInstall_MissingValueTypeFails(t *testing.T) {
	r := schema.New()
	err := r.Install(100, schema.Definition{
		Flags:          datom.AttributeFlags{Ident: datom.NewKeyword("x", "y"), Cardinality: datom.CardinalityOne},
		CardinalitySet: true,
	})
	assert.ErrorIs(t, err, datom.ErrBadSchemaAssertion)
}

func TestInstall_FulltextRequiresString(t *testing.T) {
	r := schema.New()
	err := r.Install(100, schema.Definition{
		Flags: datom.AttributeFlags{
			Ident: datom.NewKeyword("x", "y"), ValueType: datom.TypeLong,
			Cardinality: datom.CardinalityOne, Fulltext: true,
		},
		ValueTypeSet: true, CardinalitySet: true,
	})
	assert.ErrorIs(t, err, datom.ErrBadSchemaAssertion)
}

func TestInstall_UniqueRequiresIndexed(t *testing.T) {
	r := schema.New()
	err := r.Install(100, schema.Definition{
		Flags: datom.AttributeFlags{
			Ident: datom.NewKeyword("x", "y"), ValueType: datom.TypeString,
			Cardinality: datom.CardinalityOne, Unique: datom.UniqueValue, Indexed: false,
		},
		ValueTypeSet: true, CardinalitySet: true,
	})
	assert.ErrorIs(t, err, datom.ErrBadSchemaAssertion)
}

func TestInstall_DuplicateIdentRejected(t *testing.T) {
	r := schema.New()
	installEmail(t, r, 100, datom.UniqueNone, false)

	err := r.Install(200, schema.Definition{
		Flags: datom.AttributeFlags{
			Ident: datom.NewKeyword("person", "email"), ValueType: datom.TypeString, Cardinality: datom.CardinalityOne,
		},
		ValueTypeSet: true, CardinalitySet: true,
	})
	assert.ErrorIs(t, err, datom.ErrBadSchemaAssertion)
}

func TestLookup_ResolvesInstalledIdent(t *testing.T) {
	r := schema.New()
	installEmail(t, r, 100, datom.UniqueNone, false)

	eid, ok := r.Lookup(datom.NewKeyword("person", "email"))
	require.True(t, ok)
	assert.Equal(t, datom.Eid(100), eid)
}

func TestRequire_UnknownAttributeFails(t *testing.T) {
	r := schema.New()
	_, err := r.Require(999)
	assert.ErrorIs(t, err, datom.ErrUnknownAttribute)
}

func TestAlter_ValueTypeIsImmutable(t *testing.T) {
	r := schema.New()
	installEmail(t, r, 100, datom.UniqueNone, false)

	next := mustFlags(t, r, 100)
	next.ValueType = datom.TypeLong
	err := r.Alter(context.Background(), 100, next, stubChecker{})
	assert.ErrorIs(t, err, datom.ErrSchemaAlterationFailed)
}

func TestAlter_NarrowingCardinalityRejectedWhenDataConflicts(t *testing.T) {
	r := schema.New()
	err := r.Install(100, schema.Definition{
		Flags: datom.AttributeFlags{
			Ident: datom.NewKeyword("person", "alias"), ValueType: datom.TypeString, Cardinality: datom.CardinalityMany,
		},
		ValueTypeSet: true, CardinalitySet: true,
	})
	require.NoError(t, err)

	next := mustFlags(t, r, 100)
	next.Cardinality = datom.CardinalityOne
	err = r.Alter(context.Background(), 100, next, stubChecker{multiValued: true})
	assert.ErrorIs(t, err, datom.ErrSchemaAlterationFailed)
}

func TestAlter_NarrowingCardinalityAllowedWhenClean(t *testing.T) {
	r := schema.New()
	err := r.Install(100, schema.Definition{
		Flags: datom.AttributeFlags{
			Ident: datom.NewKeyword("person", "alias"), ValueType: datom.TypeString, Cardinality: datom.CardinalityMany,
		},
		ValueTypeSet: true, CardinalitySet: true,
	})
	require.NoError(t, err)

	next := mustFlags(t, r, 100)
	next.Cardinality = datom.CardinalityOne
	err = r.Alter(context.Background(), 100, next, stubChecker{multiValued: false})
	assert.NoError(t, err)
}

func TestAlter_AddingUniquenessRejectedOnDuplicateData(t *testing.T) {
	r := schema.New()
	installEmail(t, r, 100, datom.UniqueNone, true)

	next := mustFlags(t, r, 100)
	next.Unique = datom.UniqueValue
	err := r.Alter(context.Background(), 100, next, stubChecker{duplicates: true})
	assert.ErrorIs(t, err, datom.ErrSchemaAlterationFailed)
}

func TestAlter_RenameIdentUpdatesLookup(t *testing.T) {
	r := schema.New()
	installEmail(t, r, 100, datom.UniqueNone, false)

	next := mustFlags(t, r, 100)
	next.Ident = datom.NewKeyword("person", "emailAddress")
	require.NoError(t, r.Alter(context.Background(), 100, next, stubChecker{}))

	_, ok := r.Lookup(datom.NewKeyword("person", "email"))
	assert.False(t, ok)
	eid, ok := r.Lookup(datom.NewKeyword("person", "emailAddress"))
	require.True(t, ok)
	assert.Equal(t, datom.Eid(100), eid)
}

func mustFlags(t *testing.T, r *schema.Registry, attr datom.Eid) datom.AttributeFlags {
	t.Helper()
	f, err := r.Require(attr)
	require.NoError(t, err)
	return f
}
