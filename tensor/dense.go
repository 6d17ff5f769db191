package tensor

import "fmt"

// denseStorage is one contiguous float32 buffer. It is the default variant
// for any tensor whose element count fits within MaxDenseElements.
type denseStorage struct {
	buf []float32
}

// NewDense allocates a dense tensor of the given shape. Callers with
// element counts that may exceed MaxDenseElements should use New, which
// falls through to chunked storage automatically.
func NewDense(shape Shape) (*Tensor, error) {
	n := shape.Product()
	if n > MaxDenseElements {
		return nil, fmt.Errorf("tensor: %d elements exceeds dense limit %d, use chunked storage", n, MaxDenseElements)
	}
	return newTensor(shape, &denseStorage{buf: make([]float32, n)})
}

// New allocates a tensor of the given shape, choosing dense storage when
// the element count fits a single Go slice and falling through to chunked
// storage otherwise. This is the no-user-action fallback required by the
// storage failure semantics: callers never have to decide dense vs.
// chunked themselves.
func New(shape Shape) (*Tensor, error) {
	if shape.Product() <= MaxDenseElements {
		return NewDense(shape)
	}
	return NewChunked(shape, ChunkSize)
}

func (d *denseStorage) Len() int64 { return int64(len(d.buf)) }

func (d *denseStorage) Get(i int64) float32    { return d.buf[i] }
func (d *denseStorage) Set(i int64, v float32) { d.buf[i] = v }

func (d *denseStorage) CopyTo(srcIndex int64, dst []float32, length int64) {
	copy(dst[:length], d.buf[srcIndex:srcIndex+length])
}

func (d *denseStorage) CopyFrom(src []float32, dstIndex int64) {
	copy(d.buf[dstIndex:dstIndex+int64(len(src))], src)
}

func (d *denseStorage) Fill(v float32) {
	for i := range d.buf {
		d.buf[i] = v
	}
}

func (d *denseStorage) Clear() { d.Fill(0) }

func (d *denseStorage) DenseView() []float32 { return d.buf }

// NumChunks/Chunk let dense storage satisfy Chunker too, so batch kernels
// written against the chunk interface work uniformly over dense and
// chunked tensors (testable property #6: storage equivalence).
func (d *denseStorage) NumChunks() int        { return 1 }
func (d *denseStorage) Chunk(i int) []float32 { return d.buf }
