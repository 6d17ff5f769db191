package tensor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDenseChunkedEquivalence(t *testing.T) {
	// Property #6: reading a tensor via dense view and via chunked view
	// produces the same elements.
	shape := Shape{4, 4}
	dense, err := NewDense(shape)
	require.NoError(t, err)

	chunked, err := NewChunked(shape, 5)
	require.NoError(t, err)

	for i := int64(0); i < shape.Product(); i++ {
		v := float32(i) * 1.5
		dense.Set(i, v)
		chunked.Set(i, v)
	}

	denseView := dense.DenseView()
	for i := int64(0); i < shape.Product(); i++ {
		require.Equal(t, denseView[i], chunked.Get(i))
	}
}

func TestNewFallsThroughToChunked(t *testing.T) {
	shape := Shape{MaxDenseElements + 1}
	tn, err := New(shape)
	require.NoError(t, err)
	require.Equal(t, shape.Product(), tn.Len())

	_, ok := tn.Storage().(Chunker)
	require.True(t, ok)
}

func TestFillAndClear(t *testing.T) {
	tn, err := NewDense(Shape{3, 3})
	require.NoError(t, err)
	tn.Fill(2.5)
	for i := int64(0); i < tn.Len(); i++ {
		require.Equal(t, float32(2.5), tn.Get(i))
	}
	tn.Clear()
	for i := int64(0); i < tn.Len(); i++ {
		require.Equal(t, float32(0), tn.Get(i))
	}
}

func TestCopyToFrom(t *testing.T) {
	tn, err := NewChunked(Shape{10}, 3)
	require.NoError(t, err)

	src := []float32{1, 2, 3, 4, 5}
	tn.Storage().CopyFrom(src, 2)

	dst := make([]float32, 5)
	tn.Storage().CopyTo(2, dst, 5)
	require.Equal(t, src, dst)
}

func TestShapeMismatchRejected(t *testing.T) {
	_, err := newTensor(Shape{2, 2}, &denseStorage{buf: make([]float32, 3)})
	require.Error(t, err)
}
