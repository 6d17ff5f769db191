// Package engine implements the model/session lifecycle façade: loading
// weights under the memory budget, creating sessions bound to a KV cache
// shape, dispatching generation requests, and dispose semantics. Model
// file formats are pluggable through a registry, mirroring the teacher's
// ml.RegisterBackend/ml.NewBackend pattern.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/coreml/llmrt/budget"
	"github.com/coreml/llmrt/envconfig"
	"github.com/coreml/llmrt/generate"
	"github.com/coreml/llmrt/kvcache"
	"github.com/coreml/llmrt/llmerr"
	"github.com/coreml/llmrt/scratch"
	"github.com/coreml/llmrt/telemetry"
)

// NormType and Activation name the fused-norm and activation kernel a
// model's layers use.
type NormType int

const (
	RMSNorm NormType = iota
	LayerNorm
)

type Activation int

const (
	SiLU Activation = iota
	GELU
)

// Hyperparams is a ModelHandle's architecture description.
type Hyperparams struct {
	VocabSize     int
	ContextLength int
	NumLayers     int
	NumHeads      int
	KVHeads       int
	HeadDim       int
	EmbedDim      int
	FFNDim        int
	Norm          NormType
	Act           Activation
}

// LoadRequest names the native model file. ImportPath and CacheDir name a
// foreign file and the folder for its transcoded copy; LoadModel does not
// read them (llmfmt.Import performs that transcoding as a separate step).
type LoadRequest struct {
	NativePath string
	ImportPath string
	CacheDir   string
}

// Loader produces a generate.Model plus its hyperparameters from an
// already-resolved native file path. Implementations are registered by
// format name; this package registers NativeLoader, the llmfmt native
// file reader, as "native" at init time.
type Loader interface {
	Load(ctx context.Context, nativePath string) (generate.Model, Hyperparams, error)
}

var (
	loadersMu sync.Mutex
	loaders   = map[string]Loader{}
)

// RegisterLoader registers a model-file Loader under a name. Re-registering
// the same name panics, matching the teacher's backend registry.
func RegisterLoader(name string, l Loader) {
	loadersMu.Lock()
	defer loadersMu.Unlock()
	if _, ok := loaders[name]; ok {
		panic("engine: loader already registered: " + name)
	}
	loaders[name] = l
}

func lookupLoader(name string) (Loader, bool) {
	loadersMu.Lock()
	defer loadersMu.Unlock()
	l, ok := loaders[name]
	return l, ok
}

// ModelHandle is an opaque identity bound to loaded weights, its
// hyperparameters, and the budget record computed at load time.
type ModelHandle struct {
	ID     string
	Path   string
	Params Hyperparams

	model  generate.Model
	record budget.BudgetRecord

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// Capabilities summarizes what an engine/model combination supports, for
// host introspection.
type Capabilities struct {
	MaxContextLength int
	SupportsQuant    bool
	SupportsImport   bool
	SupportsStreaming bool
}

// Engine owns the process-wide scratch pool and telemetry hooks shared by
// every model and session it creates.
type Engine struct {
	Pool  *scratch.Pool
	Hooks telemetry.Hooks

	HardLimit      uint64
	SafetyMargin   float64
	BudgetMode     budget.Mode
	AvailableBytes uint64
	BytesPerParam  float64
	BytesPerKVElem float64

	mu     sync.Mutex
	models map[string]*ModelHandle
	closed bool
}

// New constructs an Engine with a fresh scratch pool and the null
// telemetry implementation; callers can overwrite either field before
// first use. Process-wide tunables not overridden by the caller are read
// once from the environment, following the teacher's envconfig package.
func New() *Engine {
	return &Engine{
		Pool:           scratch.New(envconfig.ScratchBucketCap()),
		Hooks:          telemetry.Null{},
		BudgetMode:     budget.Advisory,
		HardLimit:      envconfig.HardMemoryLimitBytes(),
		SafetyMargin:   envconfig.BudgetSafetyMargin(),
		BytesPerParam:  4,
		BytesPerKVElem: 4,
		models:         make(map[string]*ModelHandle),
	}
}

// LoadModel loads req.NativePath through the registered loader, estimates
// its memory budget, and checks it before returning the handle. It does
// not transcode req.ImportPath.
func (e *Engine) LoadModel(ctx context.Context, loaderName string, req LoadRequest) (*ModelHandle, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, fmt.Errorf("engine: closed")
	}
	e.mu.Unlock()

	loader, ok := lookupLoader(loaderName)
	if !ok {
		return nil, fmt.Errorf("engine: no loader registered for %q", loaderName)
	}

	nativePath := req.NativePath
	model, params, err := loader.Load(ctx, nativePath)
	if err != nil {
		return nil, err
	}

	hp := budget.Hyperparams{
		VocabSize: params.VocabSize,
		EmbedDim:  params.EmbedDim,
		FFNDim:    params.FFNDim,
		Layers:    params.NumLayers,
		Heads:     params.NumHeads,
		KVHeads:   params.KVHeads,
		HeadDim:   params.HeadDim,
	}
	workload := budget.Workload{Batch: 1, SeqLen: params.ContextLength, BytesPerParam: e.BytesPerParam, BytesPerKVElem: e.BytesPerKVElem}
	record, ok2, err := budget.CheckBeforeRun(hp, workload, e.HardLimit, e.SafetyMargin, e.BudgetMode, e.AvailableBytes)
	if err != nil {
		var insufficient *budget.InsufficientMemoryError
		if errors.As(err, &insufficient) {
			return nil, &llmerr.InsufficientMemoryError{TotalBytes: insufficient.TotalBytes, EffectiveLimit: insufficient.EffectiveLimit}
		}
		return nil, err
	}
	if !ok2 && e.BudgetMode == budget.Advisory {
		slog.Warn("model load exceeds advisory memory limit", "path", nativePath, "total_bytes", record.TotalBytes)
	}

	handle := &ModelHandle{
		ID:       uuid.NewString(),
		Path:     nativePath,
		Params:   params,
		model:    model,
		record:   record,
		sessions: make(map[string]*Session),
	}

	e.mu.Lock()
	e.models[handle.ID] = handle
	e.mu.Unlock()

	slog.Info("model loaded", "id", handle.ID, "path", nativePath, "total_bytes", record.TotalBytes)
	return handle, nil
}

// Capabilities reports what this handle supports.
func (h *ModelHandle) Capabilities() Capabilities {
	return Capabilities{
		MaxContextLength:  h.Params.ContextLength,
		SupportsQuant:     true,
		SupportsImport:    true,
		SupportsStreaming: true,
	}
}

// Session is a (ModelHandle, KVCache, sessionId) tuple, serialized against
// concurrent generations by a weighted semaphore of size 1, matching the
// teacher's seqsSem pattern scoped down from "total concurrent sequences"
// to "concurrent generations per session".
type Session struct {
	ID      string
	handle  *ModelHandle
	cache   *kvcache.Cache
	sem     *semaphore.Weighted
	options generate.Options

	mu        sync.Mutex
	turnCount int
	closed    bool
}

// CreateSession allocates a Session with a KV cache sized to the model's
// layer shape, after a budget check.
func (e *Engine) CreateSession(ctx context.Context, h *ModelHandle, opts generate.Options) (*Session, error) {
	workload := budget.Workload{Batch: 1, SeqLen: h.Params.ContextLength, BytesPerParam: e.BytesPerParam, BytesPerKVElem: e.BytesPerKVElem}
	hp := budget.Hyperparams{
		VocabSize: h.Params.VocabSize,
		EmbedDim:  h.Params.EmbedDim,
		FFNDim:    h.Params.FFNDim,
		Layers:    h.Params.NumLayers,
		Heads:     h.Params.NumHeads,
		KVHeads:   h.Params.KVHeads,
		HeadDim:   h.Params.HeadDim,
	}
	_, ok, err := budget.CheckBeforeRun(hp, workload, e.HardLimit, e.SafetyMargin, e.BudgetMode, e.AvailableBytes)
	if err != nil {
		var insufficient *budget.InsufficientMemoryError
		if errors.As(err, &insufficient) {
			return nil, &llmerr.InsufficientMemoryError{TotalBytes: insufficient.TotalBytes, EffectiveLimit: insufficient.EffectiveLimit}
		}
		return nil, err
	}
	if !ok && e.BudgetMode == budget.Advisory {
		slog.Warn("session creation exceeds advisory memory limit", "model", h.ID)
	}

	cache, err := kvcache.New(kvcache.Shape{
		NumLayers:  h.Params.NumLayers,
		KVHeads:    h.Params.KVHeads,
		HeadDim:    h.Params.HeadDim,
		MaxSeqLen: h.Params.ContextLength,
	})
	if err != nil {
		return nil, err
	}

	session := &Session{
		ID:      uuid.NewString(),
		handle:  h,
		cache:   cache,
		sem:     semaphore.NewWeighted(1),
		options: opts,
	}

	h.mu.Lock()
	h.sessions[session.ID] = session
	h.mu.Unlock()

	return session, nil
}

// Generate runs req to completion and returns the final Response,
// draining the streaming event channel internally.
func (e *Engine) Generate(ctx context.Context, s *Session, req generate.Request) (generate.Response, error) {
	events, err := e.GenerateStreaming(ctx, s, req)
	if err != nil {
		return generate.Response{}, err
	}
	var last generate.Event
	for ev := range events {
		last = ev
	}
	if last.Kind == generate.EventError {
		return last.Response, last.Err
	}
	return last.Response, nil
}

// GenerateStreaming acquires the session's serialization semaphore
// (failing with SessionBusy if already held), runs the generation loop,
// and releases the semaphore once the event stream closes.
func (e *Engine) GenerateStreaming(ctx context.Context, s *Session, req generate.Request) (<-chan generate.Event, error) {
	if !s.sem.TryAcquire(1) {
		return nil, &llmerr.SessionBusyError{SessionID: s.ID}
	}

	if req.Options.MaxNewTokens == 0 && req.Options.TopP == 0 && req.Options.Stop == nil {
		req.Options = s.options
	}

	loop := &generate.Loop{
		Model: s.handle.model,
		Hyperparams: budget.Hyperparams{
			VocabSize: s.handle.Params.VocabSize,
			EmbedDim:  s.handle.Params.EmbedDim,
			FFNDim:    s.handle.Params.FFNDim,
			Layers:    s.handle.Params.NumLayers,
			Heads:     s.handle.Params.NumHeads,
			KVHeads:   s.handle.Params.KVHeads,
			HeadDim:   s.handle.Params.HeadDim,
		},
		HardLimit:      e.HardLimit,
		SafetyMargin:   e.SafetyMargin,
		BudgetMode:     e.BudgetMode,
		AvailableBytes: e.AvailableBytes,
		BytesPerParam:  e.BytesPerParam,
		BytesPerKVElem: e.BytesPerKVElem,
		Pool:           e.Pool,
		Hooks:          e.Hooks,
	}

	inner, err := loop.Run(ctx, s.ID, s.cache, req)
	if err != nil {
		s.sem.Release(1)
		return nil, err
	}

	out := make(chan generate.Event, cap(inner)+1)
	go func() {
		defer close(out)
		defer s.sem.Release(1)
		for ev := range inner {
			out <- ev
		}
		s.mu.Lock()
		s.turnCount++
		s.mu.Unlock()
	}()

	return out, nil
}

// Close releases a session's KV cache.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.cache.Clear()

	s.handle.mu.Lock()
	delete(s.handle.sessions, s.ID)
	s.handle.mu.Unlock()
	return nil
}

// Close drops every session belonging to this handle.
func (h *ModelHandle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	// Session.Close takes h.mu itself to unregister, so it runs unlocked.
	for _, s := range sessions {
		_ = s.Close()
	}
	return nil
}

// Close drops all sessions then all model handles, in that order, per
// the dispose-semantics requirement.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	for _, h := range e.models {
		_ = h.Close()
	}
	return nil
}
