package scratch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRentReturnsAtLeastRequestedSize(t *testing.T) {
	p := New(4)
	buf := p.Rent(10)
	require.GreaterOrEqual(t, len(buf), 10)
}

func TestReturnedBufferIsReused(t *testing.T) {
	p := New(4)
	buf := p.Rent(8)
	buf[0] = 42
	p.Return(buf, false)

	again := p.Rent(8)
	require.Equal(t, float32(42), again[0])
}

func TestReturnClearsWhenRequested(t *testing.T) {
	p := New(4)
	buf := p.Rent(8)
	buf[0] = 42
	p.Return(buf, true)

	again := p.Rent(8)
	require.Equal(t, float32(0), again[0])
}

func TestBucketCapacityCapsRetention(t *testing.T) {
	p := New(1)
	a := p.Rent(8)
	b := p.Rent(8)
	a[0], b[0] = 1, 2
	p.Return(a, false)
	p.Return(b, false) // bucket cap is 1, this one is dropped

	// both rents below should succeed regardless (a fresh buffer is
	// allocated once the bucket is empty), proving capacity capping never
	// breaks correctness, only retention.
	first := p.Rent(8)
	second := p.Rent(8)
	require.Equal(t, float32(1), first[0])  // a was retained
	require.Equal(t, float32(0), second[0]) // b was dropped; this one is fresh
}

func TestScopeReturnsAllRentedBuffers(t *testing.T) {
	p := New(4)
	scope := p.NewScope(false)
	buf1 := scope.Rent(8)
	buf2 := scope.Rent(16)
	buf1[0] = 1
	buf2[0] = 2
	scope.Close()

	// both buckets should now have one idle buffer each
	again8 := p.Rent(8)
	again16 := p.Rent(16)
	require.Equal(t, float32(1), again8[0])
	require.Equal(t, float32(2), again16[0])
}
