// White-box tests: package sqlite (not sqlite_test) so the fulltext-pool
// assertions below can query fulltext_pool/fulltext_datoms directly through
// the unexported readDB handle -- nothing in store.Kernel's public surface
// exposes pool interning, which is exactly the invariant these tests exist
// to pin down.
package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomdb/loom/datom"
	"github.com/loomdb/loom/store"
)

func openMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func runTx(t *testing.T, s *Store, tx datom.Eid, exact, inexact, fts []store.SearchTerm) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.BeginTxApplication(ctx))
	if len(exact) > 0 {
		require.NoError(t, s.InsertNonFTSSearches(ctx, exact, store.Exact))
	}
	if len(inexact) > 0 {
		require.NoError(t, s.InsertNonFTSSearches(ctx, inexact, store.Inexact))
	}
	if len(fts) > 0 {
		require.NoError(t, s.InsertFTSSearches(ctx, fts, store.Inexact))
	}
	require.NoError(t, s.MaterializeTx(ctx, tx))
	require.NoError(t, s.CommitTx(ctx, tx))
}

func TestMaterializeTx_InexactReplacesExistingValue(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()

	runTx(t, s, 100, nil, []store.SearchTerm{{E: 1, A: 2, V: datom.StringValue("first"), Added: true}}, nil)
	vals, err := s.CurrentValues(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, vals, 1)
	assert.Equal(t, "first", vals[0].Str())

	runTx(t, s, 101, nil, []store.SearchTerm{{E: 1, A: 2, V: datom.StringValue("second"), Added: true}}, nil)
	vals, err = s.CurrentValues(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, vals, 1)
	assert.Equal(t, "second", vals[0].Str())
}

func TestMaterializeTx_ExactAccumulatesCardinalityMany(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()

	runTx(t, s, 100, []store.SearchTerm{
		{E: 1, A: 2, V: datom.StringValue("red"), Added: true},
		{E: 1, A: 2, V: datom.StringValue("blue"), Added: true},
	}, nil, nil)

	vals, err := s.CurrentValues(ctx, 1, 2)
	require.NoError(t, err)
	assert.Len(t, vals, 2)
}

func TestMaterializeTx_ExactRetractionRemovesOneValue(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()

	runTx(t, s, 100, []store.SearchTerm{
		{E: 1, A: 2, V: datom.StringValue("red"), Added: true},
		{E: 1, A: 2, V: datom.StringValue("blue"), Added: true},
	}, nil, nil)
	runTx(t, s, 101, []store.SearchTerm{{E: 1, A: 2, V: datom.StringValue("red"), Added: false}}, nil, nil)

	vals, err := s.CurrentValues(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, vals, 1)
	assert.Equal(t, "blue", vals[0].Str())
}

func TestDatoms_ReturnsEveryCurrentFactForEntity(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()

	runTx(t, s, 100, nil, []store.SearchTerm{
		{E: 5, A: 6, V: datom.StringValue("alice"), Added: true},
		{E: 5, A: 7, V: datom.LongValue(30), Added: true},
	}, nil)

	ds, err := s.Datoms(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, ds, 2)
}

func TestSeed_WritesDirectlyBypassingSearch(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()

	require.NoError(t, s.Seed(ctx, []datom.Datom{
		{E: 10, A: 11, V: datom.KeywordValue(datom.NewKeyword("db", "ident")), Tx: 1, Added: true},
	}))

	vals, err := s.CurrentValues(ctx, 10, 11)
	require.NoError(t, err)
	require.Len(t, vals, 1)
}

func TestMaxEid_RecoversStartForUntouchedPartitionAndAdvancesAfterWrite(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()

	max, err := s.MaxEid(ctx, 0x20000, 1<<62)
	require.NoError(t, err)
	assert.Equal(t, datom.Eid(0x20000-1), max)

	runTx(t, s, 0x10001, nil, []store.SearchTerm{{E: 0x20000, A: 0x20001, V: datom.StringValue("x"), Added: true}}, nil)

	max, err = s.MaxEid(ctx, 0x20000, 1<<62)
	require.NoError(t, err)
	assert.Equal(t, datom.Eid(0x20001), max) // the attribute position, not the entity, is the high-water mark here

	max, err = s.MaxEid(ctx, 0x10000, 0x20000)
	require.NoError(t, err)
	assert.Equal(t, datom.Eid(0x10001), max, "tx id must count toward MaxEid even though it never appears as an (e,a) value")
}

func TestSaveKnownPartition_RoundTripsThroughLoad(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()

	p := datom.Partition{Name: "user", Start: 0x20000, End: 1 << 62, AllowExcision: true}
	require.NoError(t, s.SaveKnownPartition(ctx, p, 0x20001))

	known, err := s.LoadKnownPartitions(ctx)
	require.NoError(t, err)
	require.Len(t, known, 1)
	assert.Equal(t, p, known[0].Def)
	assert.Equal(t, datom.Eid(0x20001), known[0].NextFree)
}

// SPEC: two transactions asserting the same string under a fulltext
// attribute, on different (e,a) pairs, intern one fulltext_pool row and
// both fulltext_datoms rows reference it (spec.md scenario S4).
func TestInsertFTSSearches_InternsSharedValueIntoOnePoolRow(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()

	flags := store.FlagFulltext
	runTx(t, s, 100, nil, nil, []store.SearchTerm{
		{E: 301, A: 50, V: datom.StringValue("hello"), Added: true, Flags: flags},
	})
	runTx(t, s, 101, nil, nil, []store.SearchTerm{
		{E: 302, A: 50, V: datom.StringValue("hello"), Added: true, Flags: flags},
	})

	var poolRows int
	require.NoError(t, s.readDB.QueryRow(`SELECT COUNT(*) FROM fulltext_pool WHERE value = ?`, "hello").Scan(&poolRows))
	assert.Equal(t, 1, poolRows, "one distinct string must intern into exactly one pool row")

	var poolID1, poolID2 int64
	require.NoError(t, s.readDB.QueryRow(`SELECT pool_id FROM fulltext_datoms WHERE e = ? AND a = ?`, 301, 50).Scan(&poolID1))
	require.NoError(t, s.readDB.QueryRow(`SELECT pool_id FROM fulltext_datoms WHERE e = ? AND a = ?`, 302, 50).Scan(&poolID2))
	assert.Equal(t, poolID1, poolID2, "both datoms must reference the same interned pool row")

	var ftsHits int
	require.NoError(t, s.readDB.QueryRow(`SELECT COUNT(*) FROM fulltext_fts WHERE fulltext_fts MATCH 'hello'`).Scan(&ftsHits))
	assert.Equal(t, 1, ftsHits, "the fts5 shadow index holds one row per pool entry, not per datom")
}

func TestInsertFTSSearches_RetractionRemovesFulltextDatomButKeepsPoolRow(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()

	flags := store.FlagFulltext
	runTx(t, s, 100, nil, nil, []store.SearchTerm{
		{E: 301, A: 50, V: datom.StringValue("hello"), Added: true, Flags: flags},
	})
	runTx(t, s, 101, nil, nil, []store.SearchTerm{
		{E: 301, A: 50, V: datom.StringValue("hello"), Added: false, Flags: flags},
	})

	var mappingRows int
	require.NoError(t, s.readDB.QueryRow(`SELECT COUNT(*) FROM fulltext_datoms WHERE e = 301 AND a = 50`).Scan(&mappingRows))
	assert.Zero(t, mappingRows)

	var poolRows int
	require.NoError(t, s.readDB.QueryRow(`SELECT COUNT(*) FROM fulltext_pool WHERE value = 'hello'`).Scan(&poolRows))
	assert.Equal(t, 1, poolRows, "retracting a reference must not evict the pool row itself")
}
