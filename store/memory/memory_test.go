package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomdb/loom/datom"
	"github.com/loomdb/loom/store"
	"github.com/loomdb/loom/store/memory"
)

func runTx(t *testing.T, s *memory.Store, tx datom.Eid, exact []store.SearchTerm, inexact []store.SearchTerm) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.BeginTxApplication(ctx))
	if len(exact) > 0 {
		require.NoError(t, s.InsertNonFTSSearches(ctx, exact, store.Exact))
	}
	if len(inexact) > 0 {
		require.NoError(t, s.InsertNonFTSSearches(ctx, inexact, store.Inexact))
	}
	require.NoError(t, s.MaterializeTx(ctx, tx))
	require.NoError(t, s.CommitTx(ctx, tx))
}

func TestMaterializeTx_InexactReplacesExistingValue(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	runTx(t, s, 100, nil, []store.SearchTerm{{E: 1, A: 2, V: datom.StringValue("first"), Added: true}})
	vals, err := s.CurrentValues(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, vals, 1)
	assert.Equal(t, "first", vals[0].Str())

	runTx(t, s, 101, nil, []store.SearchTerm{{E: 1, A: 2, V: datom.StringValue("second"), Added: true}})
	vals, err = s.CurrentValues(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, vals, 1)
	assert.Equal(t, "second", vals[0].Str())
}

func TestMaterializeTx_ExactAccumulatesCardinalityMany(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	runTx(t, s, 100, []store.SearchTerm{
		{E: 1, A: 2, V: datom.StringValue("red"), Added: true},
		{E: 1, A: 2, V: datom.StringValue("blue"), Added: true},
	}, nil)

	vals, err := s.CurrentValues(ctx, 1, 2)
	require.NoError(t, err)
	assert.Len(t, vals, 2)
}

func TestMaterializeTx_ExactRetractionRemovesOneValue(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	runTx(t, s, 100, []store.SearchTerm{
		{E: 1, A: 2, V: datom.StringValue("red"), Added: true},
		{E: 1, A: 2, V: datom.StringValue("blue"), Added: true},
	}, nil)
	runTx(t, s, 101, []store.SearchTerm{{E: 1, A: 2, V: datom.StringValue("red"), Added: false}}, nil)

	vals, err := s.CurrentValues(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, vals, 1)
	assert.Equal(t, "blue", vals[0].Str())
}

func TestMaterializeTx_IdempotentAssertIsNotLogged(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	runTx(t, s, 100, nil, []store.SearchTerm{{E: 1, A: 2, V: datom.LongValue(5), Added: true}})
	runTx(t, s, 101, nil, []store.SearchTerm{{E: 1, A: 2, V: datom.LongValue(5), Added: true}})

	assertions, err := s.ResolvedMetadataAssertions(ctx)
	require.NoError(t, err)
	assert.Empty(t, assertions)
}

func TestInsertNonFTSSearches_DuplicateInexactPairFails(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	require.NoError(t, s.BeginTxApplication(ctx))

	require.NoError(t, s.InsertNonFTSSearches(ctx, []store.SearchTerm{
		{E: 1, A: 2, V: datom.LongValue(1), Added: true},
	}, store.Inexact))
	err := s.InsertNonFTSSearches(ctx, []store.SearchTerm{
		{E: 1, A: 2, V: datom.LongValue(2), Added: true},
	}, store.Inexact)
	assert.ErrorIs(t, err, datom.ErrInsertionFailed)
}

func TestHasMultiValuedEntities_TrueForCardinalityMany(t *testing.T) {
	s := memory.New()
	runTx(t, s, 100, []store.SearchTerm{
		{E: 1, A: 2, V: datom.StringValue("red"), Added: true},
		{E: 1, A: 2, V: datom.StringValue("blue"), Added: true},
	}, nil)

	multi, err := s.HasMultiValuedEntities(context.Background(), 2)
	require.NoError(t, err)
	assert.True(t, multi)
}

func TestHasDuplicateValues_TrueWhenTwoEntitiesShareAValue(t *testing.T) {
	s := memory.New()
	runTx(t, s, 100, nil, []store.SearchTerm{
		{E: 1, A: 9, V: datom.StringValue("shared"), Added: true},
		{E: 2, A: 9, V: datom.StringValue("shared"), Added: true},
	})

	dup, err := s.HasDuplicateValues(context.Background(), 9)
	require.NoError(t, err)
	assert.True(t, dup)
}

func TestSeed_WritesDirectlyBypassingSearch(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	require.NoError(t, s.Seed(ctx, []datom.Datom{
		{E: 10, A: 11, V: datom.KeywordValue(datom.NewKeyword("db", "ident")), Tx: 1, Added: true},
	}))

	vals, err := s.CurrentValues(ctx, 10, 11)
	require.NoError(t, err)
	require.Len(t, vals, 1)
}
