package engine

import (
	"context"
	"fmt"

	"github.com/coreml/llmrt/envconfig"
	"github.com/coreml/llmrt/generate"
	"github.com/coreml/llmrt/llmfmt"
	"github.com/coreml/llmrt/quant"
	"github.com/coreml/llmrt/scratch"
)

// NativeLoader loads a llmfmt native file and assembles a TransformerModel
// from its tensor table, using the teacher's blk.N.* tensor naming
// convention (attn_norm, attn_q/k/v/output, ffn_norm, ffn_up/down).
type NativeLoader struct {
	Pool *scratch.Pool
}

func init() {
	RegisterLoader("native", NativeLoader{})
}

func (n NativeLoader) pool() *scratch.Pool {
	if n.Pool != nil {
		return n.Pool
	}
	return scratch.New(0)
}

func (n NativeLoader) Load(ctx context.Context, nativePath string) (generate.Model, Hyperparams, error) {
	loaded, err := llmfmt.LoadMemoryMapped(nativePath)
	if err != nil {
		return nil, Hyperparams{}, err
	}

	params := Hyperparams{
		VocabSize:     int(loaded.Header.VocabSize),
		ContextLength: int(loaded.Header.ContextLength),
		NumLayers:     int(loaded.Header.NumLayers),
		NumHeads:      int(loaded.Header.NumHeads),
		KVHeads:       int(loaded.Header.KVHeads),
		HeadDim:       int(loaded.Header.HeadDim),
		EmbedDim:      int(loaded.Header.EmbedDim),
		FFNDim:        int(loaded.Header.FFNDim),
		Norm:          NormType(loaded.Header.NormType),
		Act:           Activation(loaded.Header.Activation),
	}

	model := &TransformerModel{
		Params:         params,
		EmbedTokens:    denseOf(loaded, "token_embd.weight"),
		FinalNormGamma: denseOf(loaded, "output_norm.weight"),
		LMHead:         denseOf(loaded, "output.weight"),
		Pool:           n.pool(),
		Workers:        envconfig.MatMulWorkers(),
	}

	model.Layers = make([]LayerWeights, params.NumLayers)
	for i := range model.Layers {
		prefix := fmt.Sprintf("blk.%d.", i)
		model.Layers[i] = LayerWeights{
			AttnNormGamma: denseOf(loaded, prefix+"attn_norm.weight"),
			Wq:            denseOf(loaded, prefix+"attn_q.weight"),
			Wk:            denseOf(loaded, prefix+"attn_k.weight"),
			Wv:            denseOf(loaded, prefix+"attn_v.weight"),
			Wo:            denseOf(loaded, prefix+"attn_output.weight"),
			Wq4:           quantOf(loaded, prefix+"attn_q.weight"),
			Wk4:           quantOf(loaded, prefix+"attn_k.weight"),
			Wv4:           quantOf(loaded, prefix+"attn_v.weight"),
			Wo4:           quantOf(loaded, prefix+"attn_output.weight"),
			FFNNormGamma:  denseOf(loaded, prefix+"ffn_norm.weight"),
			WUp:           denseOf(loaded, prefix+"ffn_up.weight"),
			WDown:         denseOf(loaded, prefix+"ffn_down.weight"),
			WUp4:          quantOf(loaded, prefix+"ffn_up.weight"),
			WDown4:        quantOf(loaded, prefix+"ffn_down.weight"),
		}
	}

	if model.EmbedTokens == nil || model.LMHead == nil {
		return nil, Hyperparams{}, fmt.Errorf("engine: native model %q missing token_embd or output tensor", nativePath)
	}

	return model, params, nil
}

func denseOf(loaded *llmfmt.LoadedModel, name string) []float32 {
	t, ok := loaded.Tensors[name]
	if !ok {
		return nil
	}
	out := make([]float32, t.Len())
	for i := range out {
		out[i] = t.Get(int64(i))
	}
	return out
}

func quantOf(loaded *llmfmt.LoadedModel, name string) *quant.Q4Tensor {
	q, ok := loaded.Quants[name]
	if !ok {
		return nil
	}
	return q
}
