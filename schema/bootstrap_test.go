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

// recordingKernel implements store.Kernel far enough to let Bootstrap run:
// it only needs Seed to actually do anything.
type recordingKernel struct {
	seeded []datom.Datom
}

func (k *recordingKernel) Seed(ctx context.Context, datoms []datom.Datom) error {
	k.seeded = append(k.seeded, datoms...)
	return nil
}

func (k *recordingKernel) ResolveAVs(ctx context.Context, avs []store.AV) (map[store.AV]datom.Eid, error) {
	return nil, nil
}
func (k *recordingKernel) BeginTxApplication(ctx context.Context) error { return nil }
func (k *recordingKernel) InsertNonFTSSearches(ctx context.Context, terms []store.SearchTerm, kind store.SearchKind) error {
	return nil
}
func (k *recordingKernel) InsertFTSSearches(ctx context.Context, terms []store.SearchTerm, kind store.SearchKind) error {
	return nil
}
func (k *recordingKernel) MaterializeTx(ctx context.Context, tx datom.Eid) error { return nil }
func (k *recordingKernel) CommitTx(ctx context.Context, tx datom.Eid) error      { return nil }
func (k *recordingKernel) Rollback(ctx context.Context) error                   { return nil }
func (k *recordingKernel) ResolvedMetadataAssertions(ctx context.Context) ([]store.Assertion, error) {
	return nil, nil
}
func (k *recordingKernel) CurrentValues(ctx context.Context, e, a datom.Eid) ([]datom.Value, error) {
	return nil, nil
}
func (k *recordingKernel) HasDuplicateValues(ctx context.Context, a datom.Eid) (bool, error) {
	return false, nil
}
func (k *recordingKernel) HasMultiValuedEntities(ctx context.Context, a datom.Eid) (bool, error) {
	return false, nil
}
func (k *recordingKernel) Datoms(ctx context.Context, e datom.Eid) ([]datom.Datom, error) {
	return nil, nil
}
func (k *recordingKernel) MaxEid(ctx context.Context, start, end datom.Eid) (datom.Eid, error) {
	return 0, nil
}
func (k *recordingKernel) Close() error { return nil }

var _ store.Kernel = (*recordingKernel)(nil)

func TestBootstrap_InstallsCoreAttributesAndPartitions(t *testing.T) {
	k := &recordingKernel{}
	result, err := schema.Bootstrap(context.Background(), k, k)
	require.NoError(t, err)

	for _, ident := range []datom.Keyword{
		datom.KeywordIdent, datom.KeywordValueType, datom.KeywordCardinality,
		datom.KeywordUnique, datom.KeywordIndexed, datom.KeywordFulltext,
		datom.KeywordIsComponent, datom.KeywordNoHistory, datom.KeywordDoc,
		datom.KeywordTxInstant,
	} {
		eid, ok := result.Registry.Lookup(ident)
		assert.True(t, ok, "expected %s to be installed", ident)

		flags, err := result.Registry.Require(eid)
		require.NoError(t, err)
		assert.Equal(t, ident, flags.Ident)
	}

	for _, part := range []string{datom.PartitionDB, datom.PartitionTx, datom.PartitionUser} {
		_, ok := result.Parts.Partition(part)
		assert.True(t, ok, "expected partition %s to be declared", part)
	}

	assert.NotEmpty(t, k.seeded)
	for _, d := range k.seeded {
		assert.True(t, d.Added)
		assert.NotZero(t, d.Tx)
	}
}

func TestBootstrap_FacetsRecognizedByMachine(t *testing.T) {
	k := &recordingKernel{}
	result, err := schema.Bootstrap(context.Background(), k, k)
	require.NoError(t, err)

	identAttr, ok := result.Registry.Lookup(datom.KeywordIdent)
	require.True(t, ok)
	assert.True(t, result.Machine.IsFacet(identAttr))
}
