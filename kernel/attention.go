package kernel

import (
	"fmt"
	"math"

	"github.com/coreml/llmrt/kvcache"
)

// Attention computes, for one layer and one new-token query, the attended
// output over the full cached K/V up to currentSeqLen. Scale is
// 1/sqrt(headDim). Causal masking in incremental decode reduces to
// "attend to all cached positions" because the cache only ever holds
// positions at or before the current step. For MQA/GQA, each query head
// is grouped to kvHead = queryHead/groupSize (groupSize = numHeads/kvHeads).
//
// query is one query vector per head, [head][feature] layout
// (numHeads*headDim long). out receives the same layout.
func Attention(query []float32, numHeads, headDim int, keys, values kvcache.View, groupSize int, out []float32) error {
	if len(query) != numHeads*headDim || len(out) != numHeads*headDim {
		return fmt.Errorf("kernel: Attention query/out shape mismatch")
	}
	if groupSize <= 0 {
		return fmt.Errorf("kernel: Attention groupSize must be positive")
	}

	scale := float32(1.0 / math.Sqrt(float64(headDim)))
	scores := make([]float32, keys.NumPos)

	for h := 0; h < numHeads; h++ {
		q := query[h*headDim : h*headDim+headDim]
		kvHead := h / groupSize

		for pos := 0; pos < keys.NumPos; pos++ {
			k := keys.Data[pos*keys.Stride+kvHead*headDim : pos*keys.Stride+kvHead*headDim+headDim]
			var dot float32
			for i := 0; i < headDim; i++ {
				dot += q[i] * k[i]
			}
			scores[pos] = dot * scale
		}

		if err := Softmax(scores, 1, len(scores), scores); err != nil {
			return err
		}

		outHead := out[h*headDim : h*headDim+headDim]
		for i := range outHead {
			outHead[i] = 0
		}
		for pos := 0; pos < values.NumPos; pos++ {
			v := values.Data[pos*values.Stride+kvHead*headDim : pos*values.Stride+kvHead*headDim+headDim]
			weight := scores[pos]
			if weight == 0 {
				continue
			}
			for i := 0; i < headDim; i++ {
				outHead[i] += weight * v[i]
			}
		}
	}

	return nil
}
