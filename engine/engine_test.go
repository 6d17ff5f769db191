package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/coreml/llmrt/budget"
	"github.com/coreml/llmrt/generate"
	"github.com/coreml/llmrt/kvcache"
	"github.com/coreml/llmrt/llmerr"
	"github.com/stretchr/testify/require"
)

type stubModel struct {
	vocabSize     int
	contextLength int
	shape         kvcache.Shape
}

func (m *stubModel) VocabSize() int     { return m.vocabSize }
func (m *stubModel) ContextLength() int { return m.contextLength }
func (m *stubModel) Detokenize(tokenID int) string {
	return fmt.Sprintf("<%d>", tokenID)
}

func (m *stubModel) Forward(ctx context.Context, tokens []int, cache *kvcache.Cache, logitsOut []float32) error {
	for range tokens {
		features := m.shape.KVHeads * m.shape.HeadDim
		kv := make([]float32, features)
		for l := 0; l < m.shape.NumLayers; l++ {
			if err := cache.Append(l, kv, kv, 1); err != nil {
				return err
			}
		}
		if err := cache.UpdateSeqLen(1); err != nil {
			return err
		}
	}
	for i := range logitsOut {
		logitsOut[i] = 0
	}
	logitsOut[2] = 5
	return nil
}

type stubLoader struct {
	shape kvcache.Shape
}

func (l stubLoader) Load(ctx context.Context, nativePath string) (generate.Model, Hyperparams, error) {
	return &stubModel{vocabSize: 32, contextLength: l.shape.MaxSeqLen, shape: l.shape},
		Hyperparams{
			VocabSize:     32,
			ContextLength: l.shape.MaxSeqLen,
			NumLayers:     l.shape.NumLayers,
			NumHeads:      l.shape.KVHeads,
			KVHeads:       l.shape.KVHeads,
			HeadDim:       l.shape.HeadDim,
			EmbedDim:      64,
			FFNDim:        128,
		}, nil
}

var registerOnce sync.Once

func registerStubLoader(shape kvcache.Shape) {
	registerOnce.Do(func() {
		RegisterLoader("stub", stubLoader{shape: shape})
	})
}

func newTestEngine() *Engine {
	e := New()
	e.HardLimit = 1 << 34
	e.SafetyMargin = 0.1
	e.AvailableBytes = 1 << 34
	e.BudgetMode = budget.Advisory
	return e
}

func TestLoadModelCreateSessionGenerateEndToEnd(t *testing.T) {
	shape := kvcache.Shape{NumLayers: 1, KVHeads: 1, HeadDim: 8, MaxSeqLen: 64}
	registerStubLoader(shape)

	e := newTestEngine()
	handle, err := e.LoadModel(context.Background(), "stub", LoadRequest{NativePath: "model.bin"})
	require.NoError(t, err)
	require.NotEmpty(t, handle.ID)

	session, err := e.CreateSession(context.Background(), handle, generate.Options{MaxNewTokens: 3, Temperature: 0})
	require.NoError(t, err)

	resp, err := e.Generate(context.Background(), session, generate.Request{
		PromptTokens: []int{1, 2},
		Options:      generate.Options{MaxNewTokens: 3, Temperature: 0},
	})
	require.NoError(t, err)
	require.Equal(t, generate.FinishLength, resp.FinishReason)
	require.Len(t, resp.Tokens, 3)

	require.NoError(t, session.Close())
	require.NoError(t, handle.Close())
	require.NoError(t, e.Close())
}

func TestSessionBusyRejectsConcurrentGeneration(t *testing.T) {
	shape := kvcache.Shape{NumLayers: 1, KVHeads: 1, HeadDim: 8, MaxSeqLen: 64}
	registerStubLoader(shape)

	e := newTestEngine()
	handle, err := e.LoadModel(context.Background(), "stub", LoadRequest{NativePath: "model.bin"})
	require.NoError(t, err)

	session, err := e.CreateSession(context.Background(), handle, generate.Options{MaxNewTokens: 50})
	require.NoError(t, err)

	events, err := e.GenerateStreaming(context.Background(), session, generate.Request{
		PromptTokens: []int{1},
		Options:      generate.Options{MaxNewTokens: 50, Temperature: 0},
	})
	require.NoError(t, err)

	_, err = e.GenerateStreaming(context.Background(), session, generate.Request{
		PromptTokens: []int{1},
		Options:      generate.Options{MaxNewTokens: 1},
	})
	var busyErr *llmerr.SessionBusyError
	require.ErrorAs(t, err, &busyErr)

	for range events {
	}
}

func TestCreateSessionStrictBudgetRefusesBeforeAnyStateChange(t *testing.T) {
	shape := kvcache.Shape{NumLayers: 1, KVHeads: 1, HeadDim: 8, MaxSeqLen: 64}
	registerStubLoader(shape)

	e := newTestEngine()
	handle, err := e.LoadModel(context.Background(), "stub", LoadRequest{NativePath: "model.bin"})
	require.NoError(t, err)

	e.BudgetMode = budget.Strict
	e.HardLimit = 1
	e.SafetyMargin = 0

	_, err = e.CreateSession(context.Background(), handle, generate.Options{})
	var insufficient *llmerr.InsufficientMemoryError
	require.ErrorAs(t, err, &insufficient)
	require.Empty(t, handle.sessions)
}
