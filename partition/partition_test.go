package partition_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomdb/loom/datom"
	"github.com/loomdb/loom/partition"
)

func TestAllocate_AdvancesCounterAndStaysOrdered(t *testing.T) {
	m := partition.New()
	require.NoError(t, m.Declare(datom.Partition{Name: "db.part/user", Start: 0x10000, End: 0x20000}))

	a, err := m.Allocate("db.part/user")
	require.NoError(t, err)
	b, err := m.Allocate("db.part/user")
	require.NoError(t, err)

	assert.Less(t, a, b)
	assert.True(t, m.Contains(a))
	assert.True(t, m.Contains(b))
}

func TestAllocateN_ReturnsContiguousRange(t *testing.T) {
	m := partition.New()
	require.NoError(t, m.Declare(datom.Partition{Name: "p", Start: 100, End: 200}))

	ids, err := m.AllocateN("p", 5)
	require.NoError(t, err)
	require.Len(t, ids, 5)
	for i := 1; i < len(ids); i++ {
		assert.Equal(t, ids[i-1]+1, ids[i])
	}
}

func TestAllocate_UnknownPartitionFails(t *testing.T) {
	m := partition.New()
	_, err := m.Allocate("nonexistent")
	assert.ErrorIs(t, err, datom.ErrUnknownPartition)
}

func TestAllocate_ExhaustionFails(t *testing.T) {
	m := partition.New()
	require.NoError(t, m.Declare(datom.Partition{Name: "tiny", Start: 0, End: 2}))

	_, err := m.AllocateN("tiny", 5)
	assert.Error(t, err)
}

func TestContains_FalseOutsideAnyRange(t *testing.T) {
	m := partition.New()
	require.NoError(t, m.Declare(datom.Partition{Name: "p", Start: 1000, End: 2000}))

	assert.False(t, m.Contains(500))
	assert.False(t, m.Contains(2000))
	assert.True(t, m.Contains(1000))
	assert.True(t, m.Contains(1999))
}

func TestDeclare_Duplicate(t *testing.T) {
	m := partition.New()
	require.NoError(t, m.Declare(datom.Partition{Name: "p", Start: 0, End: 10}))
	err := m.Declare(datom.Partition{Name: "p", Start: 0, End: 10})
	assert.Error(t, err)
}
