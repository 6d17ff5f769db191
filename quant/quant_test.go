package quant

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func randomMatrix(n int, seed int64) []float32 {
	r := rand.New(rand.NewSource(seed))
	m := make([]float32, n)
	for i := range m {
		m[i] = r.Float32()*2 - 1
	}
	return m
}

func TestQuantizeDeterministic(t *testing.T) {
	m := randomMatrix(4*64, 1)
	a, err := Quantize(m, 4, 64, 32)
	require.NoError(t, err)
	b, err := Quantize(m, 4, 64, 32)
	require.NoError(t, err)
	require.Equal(t, a.Packed, b.Packed)
	require.Equal(t, a.Scales, b.Scales)
}

func TestQuantizeRejectsBadBlockSize(t *testing.T) {
	_, err := Quantize(make([]float32, 10), 1, 10, 3)
	require.Error(t, err)
}

func TestDequantWithinTolerance(t *testing.T) {
	m := randomMatrix(8*64, 2)
	q, err := Quantize(m, 8, 64, 32)
	require.NoError(t, err)

	var maxAbsErr float32
	for r := 0; r < 8; r++ {
		for c := 0; c < 64; c++ {
			got := q.Dequant(r, c)
			want := m[r*64+c]
			if err := float32(math.Abs(float64(got - want))); err > maxAbsErr {
				maxAbsErr = err
			}
		}
	}
	// block scale is absmax/7, so the worst case rounding error per
	// element is at most half a quantization step.
	require.Less(t, maxAbsErr, float32(0.2))
}

func TestQ8TighterThanQ4(t *testing.T) {
	m := randomMatrix(4*32, 3)
	q4, err := Quantize(m, 4, 32, 32)
	require.NoError(t, err)
	q8, err := QuantizeQ8(m, 4, 32, 32)
	require.NoError(t, err)

	var errQ4, errQ8 float64
	for r := 0; r < 4; r++ {
		for c := 0; c < 32; c++ {
			errQ4 += math.Abs(float64(q4.Dequant(r, c) - m[r*32+c]))
			errQ8 += math.Abs(float64(q8.Dequant(r, c) - m[r*32+c]))
		}
	}
	require.Less(t, errQ8, errQ4)
}
