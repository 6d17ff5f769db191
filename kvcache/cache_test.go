package kvcache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testShape() Shape {
	return Shape{NumLayers: 2, KVHeads: 2, HeadDim: 4, MaxSeqLen: 8}
}

func TestAppendAndQueryRoundTrip(t *testing.T) {
	c, err := New(testShape())
	require.NoError(t, err)

	features := 2 * 4
	k := make([]float32, features)
	v := make([]float32, features)
	for i := range k {
		k[i] = float32(i + 1)
		v[i] = float32(i + 100)
	}

	require.NoError(t, c.Append(0, k, v, 1))
	require.NoError(t, c.Append(1, k, v, 1))
	require.NoError(t, c.UpdateSeqLen(1))

	require.Equal(t, 1, c.CurrentSeqLen())
	require.Equal(t, Growing, c.State())

	keys := c.Keys(0)
	require.Equal(t, k, keys.Data[:features])
}

func TestUpdateSeqLenRequiresAllLayers(t *testing.T) {
	c, err := New(testShape())
	require.NoError(t, err)

	k := make([]float32, 8)
	require.NoError(t, c.Append(0, k, k, 1))
	err = c.UpdateSeqLen(1)
	require.Error(t, err)
}

func TestClearIdempotent(t *testing.T) {
	c, err := New(testShape())
	require.NoError(t, err)

	k := make([]float32, 8)
	require.NoError(t, c.Append(0, k, k, 1))
	require.NoError(t, c.Append(1, k, k, 1))
	require.NoError(t, c.UpdateSeqLen(1))

	c.Clear()
	snapshot := *c
	c.Clear()
	require.Equal(t, snapshot.currentSeqLen, c.currentSeqLen)
	require.Equal(t, snapshot.state, c.state)
	require.Equal(t, Empty, c.State())
}

func TestCapacityErrorWhenFull(t *testing.T) {
	shape := Shape{NumLayers: 1, KVHeads: 1, HeadDim: 1, MaxSeqLen: 2}
	c, err := New(shape)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		require.NoError(t, c.Append(0, []float32{1}, []float32{1}, 1))
		require.NoError(t, c.UpdateSeqLen(1))
	}
	require.Equal(t, Full, c.State())

	err = c.Append(0, []float32{1}, []float32{1}, 1)
	require.Error(t, err)
	var capErr *CapacityError
	require.ErrorAs(t, err, &capErr)
}

func TestKeysForQueryHeadGrouping(t *testing.T) {
	shape := Shape{NumLayers: 1, KVHeads: 2, HeadDim: 2, MaxSeqLen: 4}
	c, err := New(shape)
	require.NoError(t, err)

	// two kv heads, head 0 = [1,1] head 1 = [2,2]
	k := []float32{1, 1, 2, 2}
	require.NoError(t, c.Append(0, k, k, 1))
	require.NoError(t, c.UpdateSeqLen(1))

	// 4 query heads, group size 2: query heads 0,1 -> kv head 0; 2,3 -> kv head 1
	v0 := c.KeysForQueryHead(0, 0, 2)
	v2 := c.KeysForQueryHead(0, 2, 2)

	require.Equal(t, []float32{1, 1}, v0.At(0, 0))
	require.Equal(t, []float32{2, 2}, v2.At(0, 0))
}

func TestPagedCacheGrowsOnDemand(t *testing.T) {
	shape := Shape{NumLayers: 1, KVHeads: 1, HeadDim: 1, MaxSeqLen: 200}
	c, err := NewPaged(shape)
	require.NoError(t, err)

	for i := 0; i < 150; i++ {
		require.NoError(t, c.Append(0, []float32{float32(i)}, []float32{float32(i)}, 1))
		require.NoError(t, c.UpdateSeqLen(1))
	}
	require.Equal(t, 150, c.CurrentSeqLen())
	keys := c.Keys(0)
	require.Equal(t, float32(0), keys.At(0, 0)[0])
	require.Equal(t, float32(149), keys.At(149, 0)[0])
}
