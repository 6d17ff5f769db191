package kernel

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/coreml/llmrt/kvcache"
	"github.com/coreml/llmrt/quant"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"
)

func randVec(n int, seed int64) []float32 {
	r := rand.New(rand.NewSource(seed))
	v := make([]float32, n)
	for i := range v {
		v[i] = r.Float32()*2 - 1
	}
	return v
}

func TestMatMulF32Shapes(t *testing.T) {
	a := []float32{1, 2, 3, 4, 5, 6} // 2x3
	b := []float32{1, 0, 0, 1, 1, 1} // 3x2
	out := make([]float32, 4)
	require.NoError(t, MatMulF32(context.Background(), a, 2, 3, b, 2, out, 1))
	// row0: [1,2,3]·cols -> [1*1+2*0+3*1, 1*0+2*1+3*1] = [4,5]
	require.Equal(t, float32(4), out[0])
	require.Equal(t, float32(5), out[1])
}

func TestMatMulF32ParallelMatchesSerial(t *testing.T) {
	m, k, n := 64, 16, 8
	a := randVec(m*k, 1)
	b := randVec(k*n, 2)

	serial := make([]float32, m*n)
	require.NoError(t, MatMulF32(context.Background(), a, m, k, b, n, serial, 1))

	parallel := make([]float32, m*n)
	require.NoError(t, MatMulF32(context.Background(), a, m, k, b, n, parallel, 4))

	if diff := cmp.Diff(serial, parallel, cmpopts.EquateApprox(0, 1e-4)); diff != "" {
		t.Fatalf("parallel matmul diverged from serial (-serial +parallel):\n%s", diff)
	}
}

func TestMatMulF32Q4WithinTolerance(t *testing.T) {
	m, k, n := 4, 64, 64
	a := randVec(m*k, 3)
	bDense := randVec(k*n, 4)

	q4, err := quant.Quantize(bDense, k, n, 32)
	require.NoError(t, err)

	gotQ4 := make([]float32, m*n)
	require.NoError(t, MatMulF32Q4(a, m, k, q4, gotQ4))

	// dequant-then-matmul reference
	dequant := make([]float32, k*n)
	row := make([]float32, n)
	for r := 0; r < k; r++ {
		q4.DequantRow(r, row)
		copy(dequant[r*n:r*n+n], row)
	}
	want := make([]float32, m*n)
	require.NoError(t, MatMulF32(context.Background(), a, m, k, dequant, n, want, 1))

	for i := range want {
		if want[i] == 0 {
			continue
		}
		relErr := math.Abs(float64((want[i] - gotQ4[i]) / want[i]))
		require.Less(t, relErr, 1e-4)
	}
}

func TestMatMulF32TransposeVariants(t *testing.T) {
	a := []float32{1, 2, 3, 4} // 2x2
	bt := []float32{1, 0, 0, 1} // already "transposed" 2x2 identity
	out := make([]float32, 4)
	require.NoError(t, MatMulF32Transpose(a, 2, 2, bt, 2, out))
	require.Equal(t, a, out)
}

func TestRMSNormUnitGamma(t *testing.T) {
	x := []float32{3, 4}
	out := make([]float32, 2)
	require.NoError(t, RMSNorm(x, 1, 2, nil, DefaultEpsilon, out))
	// mean(x^2) = (9+16)/2 = 12.5, rms = sqrt(12.5)
	rms := math.Sqrt(12.5)
	require.InDelta(t, 3/rms, out[0], 1e-4)
	require.InDelta(t, 4/rms, out[1], 1e-4)
}

func TestRMSNormResidualFusion(t *testing.T) {
	x := []float32{1, 1}
	residual := []float32{2, 3}
	withResidual := make([]float32, 2)
	require.NoError(t, RMSNormResidual(x, residual, 1, 2, nil, DefaultEpsilon, withResidual))

	summed := []float32{3, 4}
	direct := make([]float32, 2)
	require.NoError(t, RMSNorm(summed, 1, 2, nil, DefaultEpsilon, direct))

	require.InDeltaSlice(t, direct, withResidual, 1e-6)
}

func TestLayerNormZeroMeanUnitVar(t *testing.T) {
	x := []float32{1, 2, 3, 4}
	out := make([]float32, 4)
	require.NoError(t, LayerNorm(x, 1, 4, nil, nil, 1e-8, out))

	var mean float64
	for _, v := range out {
		mean += float64(v)
	}
	mean /= 4
	require.InDelta(t, 0, mean, 1e-3)
}

func TestSoftmaxSumsToOne(t *testing.T) {
	x := []float32{1, 2, 3, 100} // large value checks overflow stability
	out := make([]float32, 4)
	require.NoError(t, Softmax(x, 1, 4, out))
	var sum float32
	for _, v := range out {
		sum += v
	}
	require.InDelta(t, 1.0, sum, 1e-5)
}

func TestApplyActivationEdgeCases(t *testing.T) {
	x := []float32{0}
	out := make([]float32, 1)
	require.NoError(t, ApplyActivation(GELU, x, out))
	require.InDelta(t, 0, out[0], 1e-6)
	require.NoError(t, ApplyActivation(SiLU, x, out))
	require.InDelta(t, 0, out[0], 1e-6)
}

func TestApplyRopeIdentityAtPositionZero(t *testing.T) {
	vec := []float32{1, 2, 3, 4}
	orig := append([]float32{}, vec...)
	require.NoError(t, ApplyRope(vec, 4, 0, DefaultRopeBase))
	require.InDeltaSlice(t, orig, vec, 1e-5)
}

func TestAttentionSinglePositionReturnsValue(t *testing.T) {
	headDim := 2
	cache, err := kvcache.New(kvcache.Shape{NumLayers: 1, KVHeads: 1, HeadDim: headDim, MaxSeqLen: 4})
	require.NoError(t, err)

	k := []float32{1, 0}
	v := []float32{5, 6}
	require.NoError(t, cache.Append(0, k, v, 1))
	require.NoError(t, cache.UpdateSeqLen(1))

	query := []float32{1, 0}
	out := make([]float32, headDim)
	require.NoError(t, Attention(query, 1, headDim, cache.Keys(0), cache.Values(0), 1, out))

	// single cached position: softmax over one score is 1, so output == v
	require.InDeltaSlice(t, v, out, 1e-5)
}

func TestAttentionGQAGrouping(t *testing.T) {
	headDim := 2
	cache, err := kvcache.New(kvcache.Shape{NumLayers: 1, KVHeads: 2, HeadDim: headDim, MaxSeqLen: 4})
	require.NoError(t, err)

	k := []float32{1, 0, 0, 1}
	v := []float32{10, 10, 20, 20}
	require.NoError(t, cache.Append(0, k, v, 1))
	require.NoError(t, cache.UpdateSeqLen(1))

	// 4 query heads, groupSize 2: heads 0,1 -> kv head 0; heads 2,3 -> kv head 1
	query := []float32{1, 0, 1, 0, 0, 1, 0, 1}
	out := make([]float32, 8)
	require.NoError(t, Attention(query, 4, headDim, cache.Keys(0), cache.Values(0), 2, out))

	require.InDeltaSlice(t, []float32{10, 10}, out[0:2], 1e-5)
	require.InDeltaSlice(t, []float32{20, 20}, out[4:6], 1e-5)
}
