package schema_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomdb/loom/datom"
	"github.com/loomdb/loom/schema"
	"github.com/loomdb/loom/store"
)

func bootstrapped(t *testing.T) (*schema.BootstrapResult, *recordingKernel) {
	t.Helper()
	k := &recordingKernel{}
	result, err := schema.Bootstrap(context.Background(), k, k)
	require.NoError(t, err)
	return result, k
}

func facetAttr(t *testing.T, r *schema.BootstrapResult, ident datom.Keyword) datom.Eid {
	t.Helper()
	eid, ok := r.Registry.Lookup(ident)
	require.True(t, ok)
	return eid
}

// SPEC: installing a brand-new attribute through ordinary assertions
// (spec.md §4.6) registers it exactly as schema.Registry.Install would.
func TestMachine_Apply_InstallsNewAttributeFromAssertions(t *testing.T) {
	boot, _ := bootstrapped(t)

	newAttr := datom.Eid(0x20010)
	assertions := []store.Assertion{
		{E: newAttr, A: facetAttr(t, boot, datom.KeywordIdent), V: datom.KeywordValue(datom.NewKeyword("person", "email")), Added: true},
		{E: newAttr, A: facetAttr(t, boot, datom.KeywordValueType), V: datom.KeywordValue(datom.NewKeyword("db.type", "string")), Added: true},
		{E: newAttr, A: facetAttr(t, boot, datom.KeywordCardinality), V: datom.KeywordValue(datom.KeywordCardinalityOne), Added: true},
		{E: newAttr, A: facetAttr(t, boot, datom.KeywordUnique), V: datom.KeywordValue(datom.KeywordUniqueIdentity), Added: true},
		{E: newAttr, A: facetAttr(t, boot, datom.KeywordIndexed), V: datom.BoolValue(true), Added: true},
	}

	require.NoError(t, boot.Machine.Apply(context.Background(), assertions))

	flags, err := boot.Registry.Require(newAttr)
	require.NoError(t, err)
	assert.Equal(t, datom.TypeString, flags.ValueType)
	assert.Equal(t, datom.UniqueIdentity, flags.Unique)
	assert.True(t, flags.Indexed)
}

// SPEC: assertions on entities that are not schema facets are ignored.
func TestMachine_Apply_IgnoresNonSchemaAssertions(t *testing.T) {
	boot, _ := bootstrapped(t)

	err := boot.Machine.Apply(context.Background(), []store.Assertion{
		{E: 0x20001, A: 0x20002, V: datom.StringValue("hello"), Added: true},
	})
	assert.NoError(t, err)
}

// SPEC: altering :db/doc on an already-installed attribute never touches
// value-type or cardinality (spec.md §4.3, "doc is freely mutable").
func TestMachine_Apply_AltersDocOnExistingAttribute(t *testing.T) {
	boot, _ := bootstrapped(t)
	txInstantAttr := facetAttr(t, boot, datom.KeywordTxInstant)

	err := boot.Machine.Apply(context.Background(), []store.Assertion{
		{E: txInstantAttr, A: facetAttr(t, boot, datom.KeywordDoc), V: datom.StringValue("transaction wall-clock time"), Added: true},
	})
	require.NoError(t, err)

	flags, err := boot.Registry.Require(txInstantAttr)
	require.NoError(t, err)
	assert.Equal(t, "transaction wall-clock time", flags.Doc)
	assert.Equal(t, datom.TypeInstant, flags.ValueType)
}

// SPEC: fulltext is immutable once installed in either direction
// (spec.md §4.3, "fulltext change | never") -- flipping it on a string
// attribute is rejected exactly like flipping it back off.
func TestMachine_Apply_RejectsFulltextChangeInEitherDirection(t *testing.T) {
	boot, _ := bootstrapped(t)
	newAttr := datom.Eid(0x20010)

	install := []store.Assertion{
		{E: newAttr, A: facetAttr(t, boot, datom.KeywordIdent), V: datom.KeywordValue(datom.NewKeyword("person", "bio")), Added: true},
		{E: newAttr, A: facetAttr(t, boot, datom.KeywordValueType), V: datom.KeywordValue(datom.NewKeyword("db.type", "string")), Added: true},
		{E: newAttr, A: facetAttr(t, boot, datom.KeywordCardinality), V: datom.KeywordValue(datom.KeywordCardinalityOne), Added: true},
	}
	require.NoError(t, boot.Machine.Apply(context.Background(), install))

	err := boot.Machine.Apply(context.Background(), []store.Assertion{
		{E: newAttr, A: facetAttr(t, boot, datom.KeywordFulltext), V: datom.BoolValue(true), Added: true},
	})
	var alterErr *datom.SchemaAlterationFailedError
	require.ErrorAs(t, err, &alterErr)

	fulltextOn := []store.Assertion{
		{E: newAttr, A: facetAttr(t, boot, datom.KeywordIdent), V: datom.KeywordValue(datom.NewKeyword("person", "notes")), Added: true},
		{E: newAttr, A: facetAttr(t, boot, datom.KeywordValueType), V: datom.KeywordValue(datom.NewKeyword("db.type", "string")), Added: true},
		{E: newAttr, A: facetAttr(t, boot, datom.KeywordCardinality), V: datom.KeywordValue(datom.KeywordCardinalityOne), Added: true},
		{E: newAttr, A: facetAttr(t, boot, datom.KeywordFulltext), V: datom.BoolValue(true), Added: true},
	}
	newAttr2 := datom.Eid(0x20011)
	for i := range fulltextOn {
		fulltextOn[i].E = newAttr2
	}
	require.NoError(t, boot.Machine.Apply(context.Background(), fulltextOn))

	err = boot.Machine.Apply(context.Background(), []store.Assertion{
		{E: newAttr2, A: facetAttr(t, boot, datom.KeywordFulltext), V: datom.BoolValue(false), Added: true},
	})
	require.ErrorAs(t, err, &alterErr)
}
