// Package tensor implements the backing storage for n-dimensional float32
// tensors: dense, chunked (for element counts beyond a single 32-bit-
// addressable allocation), and memory-mapped (read-only or read-write,
// disk-backed).
package tensor

import "fmt"

// MaxDenseElements is the largest element count a single contiguous Go
// slice may hold before storage must fall through to Chunked. It mirrors
// the platform single-object limit (2^31-1) rather than Go's actual slice
// cap, so the same threshold governs both dense allocation and per-chunk
// sizing.
const MaxDenseElements = (1 << 31) - 1

// ChunkSize is the default element count per chunk: 64 Mi elements, i.e.
// 256 MiB of float32 per chunk. Large enough to amortize the chunk
// indirection, small enough to avoid very large heap allocations.
const ChunkSize = 64 * 1024 * 1024

// Storage is the minimal contract every tensor backing variant satisfies.
// Kernels that stream data should prefer Chunk()/DenseView() over per
// element Get/Set, which are provided for correctness, not for hot paths.
type Storage interface {
	Len() int64
	Get(i int64) float32
	Set(i int64, v float32)
	CopyTo(srcIndex int64, dst []float32, length int64)
	CopyFrom(src []float32, dstIndex int64)
	Fill(v float32)
	Clear()
}

// DenseViewer is implemented by storage variants that can expose their
// entire backing as one contiguous slice. MemoryMapped storage does not
// implement it.
type DenseViewer interface {
	DenseView() []float32
}

// Chunker is implemented by storage variants that are naturally divided
// into fixed-size chunks, so SIMD-friendly batch kernels can iterate chunk
// by chunk instead of calling Get/Set per element.
type Chunker interface {
	NumChunks() int
	Chunk(i int) []float32
}

// Shape is an ordered sequence of positive dimension sizes.
type Shape []int

// Product returns the element count implied by the shape.
func (s Shape) Product() int64 {
	var n int64 = 1
	for _, d := range s {
		n *= int64(d)
	}
	return n
}

func (s Shape) Equal(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

func (s Shape) String() string {
	return fmt.Sprint([]int(s))
}

// Tensor is an n-dimensional float32 array backed by exactly one Storage
// variant. The invariant product(Shape) == Storage.Len() is established at
// construction and never changes (tensors are not resizable in place).
type Tensor struct {
	shape   Shape
	storage Storage
}

func newTensor(shape Shape, storage Storage) (*Tensor, error) {
	n := shape.Product()
	if n != storage.Len() {
		return nil, fmt.Errorf("tensor: shape %v implies %d elements, storage has %d", shape, n, storage.Len())
	}
	return &Tensor{shape: shape, storage: storage}, nil
}

func (t *Tensor) Shape() Shape     { return t.shape }
func (t *Tensor) Storage() Storage { return t.storage }
func (t *Tensor) Len() int64       { return t.storage.Len() }

func (t *Tensor) Get(i int64) float32     { return t.storage.Get(i) }
func (t *Tensor) Set(i int64, v float32)  { t.storage.Set(i, v) }
func (t *Tensor) Fill(v float32)          { t.storage.Fill(v) }
func (t *Tensor) Clear()                  { t.storage.Clear() }

// DenseView returns the tensor's backing as one contiguous slice. It
// panics if the storage variant does not support a dense view (any
// chunked or memory-mapped storage); callers that
// might receive either should type-assert tensor.Chunker instead.
func (t *Tensor) DenseView() []float32 {
	dv, ok := t.storage.(DenseViewer)
	if !ok {
		panic(fmt.Errorf("tensor: storage %T does not support a dense view", t.storage))
	}
	return dv.DenseView()
}
