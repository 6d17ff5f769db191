package engine

import (
	"context"
	"fmt"
	"runtime"

	"github.com/coreml/llmrt/kernel"
	"github.com/coreml/llmrt/kvcache"
	"github.com/coreml/llmrt/quant"
	"github.com/coreml/llmrt/scratch"
)

// LayerWeights holds one transformer layer's projections. Dense variants
// are used when set; the Q4 variants take priority when non-nil, letting
// a model mix quantized and full-precision layers (e.g. keeping the first
// and last layers at full precision, a common accuracy/size tradeoff).
type LayerWeights struct {
	AttnNormGamma, AttnNormBeta []float32
	Wq, Wk, Wv, Wo              []float32
	Wq4, Wk4, Wv4, Wo4          *quant.Q4Tensor

	FFNNormGamma, FFNNormBeta []float32
	WUp, WDown                []float32
	WUp4, WDown4              *quant.Q4Tensor
}

// TransformerModel composes the C1-C4 building blocks (dense/quantized
// weights, C3 kernels, C4 cache) into the generate.Model contract the
// generation loop drives. It is the concrete collaborator a Loader
// constructs from a llmfmt.LoadedModel.
type TransformerModel struct {
	Params Hyperparams

	EmbedTokens              []float32 // vocabSize * embedDim
	FinalNormGamma, FinalNormBeta []float32
	LMHead                   []float32 // embedDim * vocabSize
	Layers                   []LayerWeights

	RopeBase float64
	Epsilon  float32

	Pool    *scratch.Pool
	Workers int
}

func (m *TransformerModel) workers() int {
	if m.Workers <= 0 {
		return runtime.GOMAXPROCS(0)
	}
	return m.Workers
}

func (m *TransformerModel) VocabSize() int     { return m.Params.VocabSize }
func (m *TransformerModel) ContextLength() int { return m.Params.ContextLength }

// Detokenize is a placeholder identity mapping; real token-to-text
// mapping belongs to the tokenizer family, explicitly out of the core's
// scope (spec.md §1). Hosts that need text wire their own tokenizer in
// front of this and ignore the string this returns.
func (m *TransformerModel) Detokenize(tokenID int) string {
	return fmt.Sprintf("[%d]", tokenID)
}

func (m *TransformerModel) groupSize() int {
	if m.Params.KVHeads == 0 {
		return 1
	}
	return m.Params.NumHeads / m.Params.KVHeads
}

func (m *TransformerModel) epsilon() float32 {
	if m.Epsilon == 0 {
		return kernel.DefaultEpsilon
	}
	return m.Epsilon
}

func (m *TransformerModel) ropeBase() float64 {
	if m.RopeBase == 0 {
		return kernel.DefaultRopeBase
	}
	return m.RopeBase
}

// Forward runs one or more new tokens through every layer, appending
// each token's K/V to cache, and writes VocabSize() logits for the last
// token position into logitsOut.
func (m *TransformerModel) Forward(ctx context.Context, tokens []int, cache *kvcache.Cache, logitsOut []float32) error {
	embedDim := m.Params.EmbedDim
	scope := m.Pool.NewScope(false)
	defer scope.Close()

	for i, tok := range tokens {
		if tok < 0 || tok >= m.Params.VocabSize {
			return fmt.Errorf("engine: token id %d out of vocab range [0,%d)", tok, m.Params.VocabSize)
		}

		x := scope.Rent(embedDim)[:embedDim]
		copy(x, m.EmbedTokens[tok*embedDim:(tok+1)*embedDim])

		position := cache.CurrentSeqLen()
		if err := m.forwardLayers(ctx, x, position, cache, scope); err != nil {
			return err
		}

		if i == len(tokens)-1 {
			if err := m.projectLogits(x, logitsOut, scope); err != nil {
				return err
			}
		}
	}

	return nil
}

func (m *TransformerModel) forwardLayers(ctx context.Context, x []float32, position int, cache *kvcache.Cache, scope *scratch.Scope) error {
	embedDim := m.Params.EmbedDim
	numHeads := m.Params.NumHeads
	kvHeads := m.Params.KVHeads
	headDim := m.Params.HeadDim
	groupSize := m.groupSize()
	qkvWidth := numHeads * headDim
	kvWidth := kvHeads * headDim

	normed := scope.Rent(embedDim)[:embedDim]
	q := scope.Rent(qkvWidth)[:qkvWidth]
	k := scope.Rent(kvWidth)[:kvWidth]
	v := scope.Rent(kvWidth)[:kvWidth]
	attnOut := scope.Rent(qkvWidth)[:qkvWidth]
	attnProj := scope.Rent(embedDim)[:embedDim]
	ffnNormed := scope.Rent(embedDim)[:embedDim]

	for layerIdx, layer := range m.Layers {
		if err := m.normInto(layer.AttnNormGamma, layer.AttnNormBeta, x, embedDim, normed); err != nil {
			return err
		}

		if err := projectRow(ctx, normed, embedDim, layer.Wq4, layer.Wq, qkvWidth, q, m.workers()); err != nil {
			return err
		}
		if err := projectRow(ctx, normed, embedDim, layer.Wk4, layer.Wk, kvWidth, k, m.workers()); err != nil {
			return err
		}
		if err := projectRow(ctx, normed, embedDim, layer.Wv4, layer.Wv, kvWidth, v, m.workers()); err != nil {
			return err
		}

		for h := 0; h < numHeads; h++ {
			if err := kernel.ApplyRope(q[h*headDim:(h+1)*headDim], headDim, position, m.ropeBase()); err != nil {
				return err
			}
		}
		for h := 0; h < kvHeads; h++ {
			if err := kernel.ApplyRope(k[h*headDim:(h+1)*headDim], headDim, position, m.ropeBase()); err != nil {
				return err
			}
		}

		if err := cache.Append(layerIdx, k, v, 1); err != nil {
			return err
		}

		keys := cache.Keys(layerIdx)
		values := cache.Values(layerIdx)
		if err := kernel.Attention(q, numHeads, headDim, keys, values, groupSize, attnOut); err != nil {
			return err
		}

		if err := projectRow(ctx, attnOut, qkvWidth, layer.Wo4, layer.Wo, embedDim, attnProj, m.workers()); err != nil {
			return err
		}
		for i := range x {
			x[i] += attnProj[i]
		}

		if err := m.normInto(layer.FFNNormGamma, layer.FFNNormBeta, x, embedDim, ffnNormed); err != nil {
			return err
		}

		if err := m.feedForward(ctx, layer, ffnNormed, x, scope); err != nil {
			return err
		}
	}

	if err := cache.UpdateSeqLen(1); err != nil {
		return err
	}

	return nil
}

func (m *TransformerModel) feedForward(ctx context.Context, layer LayerWeights, normed, x []float32, scope *scratch.Scope) error {
	ffnDim := m.Params.FFNDim
	embedDim := m.Params.EmbedDim

	up := scope.Rent(ffnDim)[:ffnDim]
	if err := projectRow(ctx, normed, embedDim, layer.WUp4, layer.WUp, ffnDim, up, m.workers()); err != nil {
		return err
	}

	act := kernel.SiLU
	if m.Params.Act == GELU {
		act = kernel.GELU
	}
	if err := kernel.ApplyActivation(act, up, up); err != nil {
		return err
	}

	down := scope.Rent(embedDim)[:embedDim]
	if err := projectRow(ctx, up, ffnDim, layer.WDown4, layer.WDown, embedDim, down, m.workers()); err != nil {
		return err
	}

	for i := range x {
		x[i] += down[i]
	}
	return nil
}

func (m *TransformerModel) projectLogits(x []float32, logitsOut []float32, scope *scratch.Scope) error {
	normed := scope.Rent(m.Params.EmbedDim)[:m.Params.EmbedDim]
	if err := m.normInto(m.FinalNormGamma, m.FinalNormBeta, x, m.Params.EmbedDim, normed); err != nil {
		return err
	}
	return kernel.MatMulF32(context.Background(), normed, 1, m.Params.EmbedDim, m.LMHead, m.Params.VocabSize, logitsOut[:m.Params.VocabSize], m.workers())
}

// normInto dispatches to RMSNorm or LayerNorm per the model's configured
// NormType.
func (m *TransformerModel) normInto(gamma, beta, x []float32, features int, out []float32) error {
	if m.Params.Norm == LayerNorm {
		return kernel.LayerNorm(x, 1, features, gamma, beta, m.epsilon(), out)
	}
	return kernel.RMSNorm(x, 1, features, gamma, m.epsilon(), out)
}

// projectRow runs a 1xK * KxN matmul through the quantized kernel when a
// Q4 weight is present, falling back to the dense f32 kernel otherwise.
func projectRow(ctx context.Context, row []float32, k int, q4 *quant.Q4Tensor, dense []float32, n int, out []float32, workers int) error {
	if q4 != nil {
		return kernel.MatMulF32Q4(row, 1, k, q4, out)
	}
	return kernel.MatMulF32(ctx, row, 1, k, dense, n, out, workers)
}
