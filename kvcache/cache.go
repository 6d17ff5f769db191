// Package kvcache implements the per-session key/value cache that lets
// incremental decoding avoid recomputing attention over earlier positions.
// The design is a single-sequence specialization of the teacher's
// multi-sequence Causal cache: one Cache belongs to exactly one Session,
// so the cell-range/sliding-window bookkeeping the teacher needs to share
// cache space across concurrent sequences is not needed here, but the
// teacher's page-rounding helpers and append/view shape are kept.
package kvcache

import (
	"errors"
	"fmt"
)

// ErrNotSupported mirrors the teacher's sentinel for cache operations a
// particular configuration does not support.
var ErrNotSupported = errors.New("kvcache: operation not supported by this cache configuration")

// CapacityError reports that an append was attempted against a Full cache.
type CapacityError struct {
	MaxSeqLen  int
	Attempted  int
	CurrentLen int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("kvcache: capacity exceeded (current %d + new %d > max %d)", e.CurrentLen, e.Attempted, e.MaxSeqLen)
}

// State is the cache lifecycle state machine: Empty -> Growing -> Full.
type State int

const (
	Empty State = iota
	Growing
	Full
)

func (s State) String() string {
	switch s {
	case Empty:
		return "Empty"
	case Growing:
		return "Growing"
	case Full:
		return "Full"
	default:
		return "Unknown"
	}
}

// DefaultPageSize is the number of positions allocated per growth unit
// when paged allocation is used (opt-in, see NewPaged). The core design
// reserves maxSeqLen up front by default to remove the paging branch from
// the hot path.
const DefaultPageSize = 64

// cacheLineFloats is the number of float32 values in a 64-byte cache line,
// used to align each layer's per-position stride.
const cacheLineFloats = 16

// Shape describes the fixed geometry a Cache is built for.
type Shape struct {
	NumLayers  int
	KVHeads    int
	HeadDim    int
	MaxSeqLen int
}

// layer holds one layer's K and V backing, both sized
// maxSeqLen * kvHeads * headDim and 64-byte aligned.
type layer struct {
	keys   []float32
	values []float32
}

// Cache is a multi-layer, 64-byte aligned key/value store for one session.
// currentSeqLen is the shared, committed position count and only advances
// once every layer has appended for the step (UpdateSeqLen); each layer's
// own view is bounded by validLen, which that layer's Append advances
// immediately, so per-layer attention reads are correct regardless of
// where in the step's per-layer loop UpdateSeqLen ends up being called.
type Cache struct {
	shape Shape
	paged bool

	layers []layer

	currentSeqLen int
	state         State

	// appended tracks, within one step, which layers have already
	// received their Append call, so UpdateSeqLen can verify every layer
	// advanced together.
	appended []bool

	// validLen holds, per layer, the position count that layer's own
	// Append calls have actually written through. A layer's view is
	// bounded by its own validLen rather than by currentSeqLen directly,
	// so a layer that has appended this step sees its own just-written
	// position immediately, without waiting for every other layer in the
	// step to append and UpdateSeqLen to commit the shared counter.
	validLen []int
}

// New allocates a Cache reserving the full maxSeqLen up front (the
// default, hot-path-friendly policy).
func New(shape Shape) (*Cache, error) {
	return newCache(shape, false)
}

// NewPaged allocates a Cache that grows in units of DefaultPageSize
// positions, for extreme contexts where reserving maxSeqLen up front is
// not affordable. Appends beyond the currently paged-in capacity trigger
// exactly one allocation per page boundary crossed.
func NewPaged(shape Shape) (*Cache, error) {
	return newCache(shape, true)
}

func newCache(shape Shape, paged bool) (*Cache, error) {
	if shape.NumLayers <= 0 || shape.KVHeads <= 0 || shape.HeadDim <= 0 || shape.MaxSeqLen <= 0 {
		return nil, fmt.Errorf("kvcache: invalid shape %+v", shape)
	}

	c := &Cache{
		shape:    shape,
		paged:    paged,
		layers:   make([]layer, shape.NumLayers),
		appended: make([]bool, shape.NumLayers),
		validLen: make([]int, shape.NumLayers),
		state:    Empty,
	}

	initialCap := shape.MaxSeqLen
	if paged {
		initialCap = roundUp(1, DefaultPageSize)
	}
	for i := range c.layers {
		c.layers[i] = newLayer(shape.KVHeads, shape.HeadDim, initialCap)
	}

	return c, nil
}

func newLayer(kvHeads, headDim, capacity int) layer {
	stride := alignedStride(kvHeads * headDim)
	return layer{
		keys:   make([]float32, capacity*stride),
		values: make([]float32, capacity*stride),
	}
}

// alignedStride rounds a per-position feature count up to a 64-byte (16
// float32) boundary so a single K or V vector never straddles a cache
// line.
func alignedStride(features int) int {
	return roundUp(features, cacheLineFloats)
}

func roundUp(n, multiple int) int {
	return ((n + multiple - 1) / multiple) * multiple
}

// Shape returns the geometry the cache was constructed with.
func (c *Cache) Shape() Shape { return c.shape }

// CurrentSeqLen returns the shared position count valid across every
// layer.
func (c *Cache) CurrentSeqLen() int { return c.currentSeqLen }

// State returns the current lifecycle state.
func (c *Cache) State() State { return c.state }

func (c *Cache) capacity(i int) int {
	stride := alignedStride(c.shape.KVHeads * c.shape.HeadDim)
	return len(c.layers[i].keys) / stride
}

// ensureCapacity grows a paged cache's backing by whole pages to cover
// newLen positions. No-op for non-paged caches (which always have
// maxSeqLen capacity already).
func (c *Cache) ensureCapacity(newLen int) {
	if !c.paged {
		return
	}
	stride := alignedStride(c.shape.KVHeads * c.shape.HeadDim)
	for i := range c.layers {
		cap := len(c.layers[i].keys) / stride
		if cap >= newLen {
			continue
		}
		grown := roundUp(newLen, DefaultPageSize)
		keys := make([]float32, grown*stride)
		values := make([]float32, grown*stride)
		copy(keys, c.layers[i].keys)
		copy(values, c.layers[i].values)
		c.layers[i].keys = keys
		c.layers[i].values = values
	}
}

// Append writes nNew positions of keys/values for one layer, starting
// immediately after the current sequence length. keys and values must
// each hold nNew * kvHeads * headDim values in [position][kvHead][feature]
// order. Append does not itself advance currentSeqLen; UpdateSeqLen does,
// once every layer has appended for the step, so a cancelled step that
// never calls UpdateSeqLen leaves currentSeqLen unchanged, and the next
// step's Append writes over the positions it left behind.
func (c *Cache) Append(layerIdx int, keys, values []float32, nNew int) error {
	if c.state == Full {
		return &CapacityError{MaxSeqLen: c.shape.MaxSeqLen, Attempted: nNew, CurrentLen: c.currentSeqLen}
	}
	if c.currentSeqLen+nNew > c.shape.MaxSeqLen {
		return &CapacityError{MaxSeqLen: c.shape.MaxSeqLen, Attempted: nNew, CurrentLen: c.currentSeqLen}
	}

	features := c.shape.KVHeads * c.shape.HeadDim
	if len(keys) != nNew*features || len(values) != nNew*features {
		return fmt.Errorf("kvcache: append expects %d values, got keys=%d values=%d", nNew*features, len(keys), len(values))
	}

	c.ensureCapacity(c.currentSeqLen + nNew)

	stride := alignedStride(features)
	l := &c.layers[layerIdx]
	for p := 0; p < nNew; p++ {
		dst := (c.currentSeqLen + p) * stride
		src := p * features
		copy(l.keys[dst:dst+features], keys[src:src+features])
		copy(l.values[dst:dst+features], values[src:src+features])
	}

	c.appended[layerIdx] = true
	c.validLen[layerIdx] = c.currentSeqLen + nNew
	if c.state == Empty {
		c.state = Growing
	}

	return nil
}

// UpdateSeqLen advances currentSeqLen by nNew, the shared step-completion
// point required once every layer has appended. It returns an error if a
// layer was not appended this step, since that would leave the cache's
// layers inconsistent with each other. Per-layer reads via Keys/Values do
// not depend on this call: each layer's view is bounded by the position
// it has itself appended through, so attention within a step can read a
// layer's own just-written position before every other layer in the step
// has appended.
func (c *Cache) UpdateSeqLen(nNew int) error {
	for i, ok := range c.appended {
		if !ok {
			return fmt.Errorf("kvcache: layer %d did not append before UpdateSeqLen", i)
		}
	}
	for i := range c.appended {
		c.appended[i] = false
	}

	c.currentSeqLen += nNew
	if c.currentSeqLen >= c.shape.MaxSeqLen {
		c.state = Full
	}
	return nil
}

// View is a read-only [position][kvHead][feature] slice over one layer's
// key or value store, covering positions [0, NumPos). Keys and Values set
// NumPos to the position count the layer has appended through (see Keys).
type View struct {
	Data    []float32
	NumPos  int
	KVHeads int
	HeadDim int
	Stride  int
}

// Keys returns the valid key positions for a layer, bounded by that
// layer's own validLen so a layer sees the position it just appended
// this step even before every other layer has appended and UpdateSeqLen
// has committed the shared currentSeqLen.
func (c *Cache) Keys(layerIdx int) View {
	return c.view(c.layers[layerIdx].keys, c.validLen[layerIdx])
}

// Values returns the valid value positions for a layer. See Keys.
func (c *Cache) Values(layerIdx int) View {
	return c.view(c.layers[layerIdx].values, c.validLen[layerIdx])
}

func (c *Cache) view(buf []float32, numPos int) View {
	stride := alignedStride(c.shape.KVHeads * c.shape.HeadDim)
	return View{
		Data:    buf[:numPos*stride],
		NumPos:  numPos,
		KVHeads: c.shape.KVHeads,
		HeadDim: c.shape.HeadDim,
		Stride:  stride,
	}
}

// At returns the feature vector for one (position, kvHead) pair within a
// view, a zero-copy slice into the cache's backing store.
func (v View) At(pos, kvHead int) []float32 {
	base := pos*v.Stride + kvHead*v.HeadDim
	return v.Data[base : base+v.HeadDim]
}

// KeysForQueryHead returns a strided per-query-head view of a layer's
// keys, resolving the MQA/GQA query-head-to-kv-head grouping
// (kvHead = queryHead / groupSize) once so attention kernels can iterate
// without repeating the division. This realizes the "intended strided
// per-head semantics" the teacher's GetStridedView stub only documents.
func (c *Cache) KeysForQueryHead(layerIdx, queryHead, groupSize int) View {
	kv := c.Keys(layerIdx)
	kvHead := queryHead / groupSize
	return View{
		Data:    kv.Data,
		NumPos:  kv.NumPos,
		KVHeads: 1,
		HeadDim: kv.HeadDim,
		Stride:  kv.Stride,
	}.offsetHead(kvHead, kv.HeadDim)
}

// ValuesForQueryHead is the value-side counterpart to KeysForQueryHead.
func (c *Cache) ValuesForQueryHead(layerIdx, queryHead, groupSize int) View {
	v := c.Values(layerIdx)
	kvHead := queryHead / groupSize
	return v.offsetHead(kvHead, v.HeadDim)
}

func (v View) offsetHead(kvHead, headDim int) View {
	return View{
		Data:    v.Data[kvHead*headDim:],
		NumPos:  v.NumPos,
		KVHeads: 1,
		HeadDim: headDim,
		Stride:  v.Stride,
	}
}

// Clear resets the cache to Empty without freeing any backing buffers.
// Idempotent: calling Clear twice is the same as calling it once
// (testable property #3).
func (c *Cache) Clear() {
	c.currentSeqLen = 0
	c.state = Empty
	for i := range c.appended {
		c.appended[i] = false
		c.validLen[i] = 0
	}
}
