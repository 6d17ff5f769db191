package tensor

import "fmt"

// chunkedStorage is an ordered sequence of fixed-size chunks, each at most
// MaxDenseElements long, whose combined length can reach the full int64
// range. The last chunk may be short.
type chunkedStorage struct {
	chunkSize int64
	total     int64
	chunks    [][]float32
}

// NewChunked allocates a chunked tensor of the given shape with the given
// per-chunk element count (chunkSize <= MaxDenseElements).
func NewChunked(shape Shape, chunkSize int64) (*Tensor, error) {
	if chunkSize <= 0 || chunkSize > MaxDenseElements {
		return nil, fmt.Errorf("tensor: invalid chunk size %d", chunkSize)
	}

	total := shape.Product()
	numChunks := int((total + chunkSize - 1) / chunkSize)
	chunks := make([][]float32, numChunks)
	remaining := total
	for i := range chunks {
		n := chunkSize
		if remaining < n {
			n = remaining
		}
		chunks[i] = make([]float32, n)
		remaining -= n
	}

	return newTensor(shape, &chunkedStorage{chunkSize: chunkSize, total: total, chunks: chunks})
}

func (c *chunkedStorage) Len() int64 { return c.total }

// resolve maps a global index to a (chunk, offset) pair using integer
// division/modulo, per the storage algorithmic-points contract: streaming
// kernels should never call Get/Set per element on chunked storage, only
// Chunk().
func (c *chunkedStorage) resolve(i int64) (chunk int, offset int64) {
	return int(i / c.chunkSize), i % c.chunkSize
}

func (c *chunkedStorage) Get(i int64) float32 {
	ci, off := c.resolve(i)
	return c.chunks[ci][off]
}

func (c *chunkedStorage) Set(i int64, v float32) {
	ci, off := c.resolve(i)
	c.chunks[ci][off] = v
}

func (c *chunkedStorage) CopyTo(srcIndex int64, dst []float32, length int64) {
	var written int64
	for written < length {
		ci, off := c.resolve(srcIndex + written)
		n := min64(length-written, int64(len(c.chunks[ci]))-off)
		copy(dst[written:written+n], c.chunks[ci][off:off+n])
		written += n
	}
}

func (c *chunkedStorage) CopyFrom(src []float32, dstIndex int64) {
	var written int64
	length := int64(len(src))
	for written < length {
		ci, off := c.resolve(dstIndex + written)
		n := min64(length-written, int64(len(c.chunks[ci]))-off)
		copy(c.chunks[ci][off:off+n], src[written:written+n])
		written += n
	}
}

func (c *chunkedStorage) Fill(v float32) {
	for _, chunk := range c.chunks {
		for i := range chunk {
			chunk[i] = v
		}
	}
}

func (c *chunkedStorage) Clear() { c.Fill(0) }

func (c *chunkedStorage) NumChunks() int        { return len(c.chunks) }
func (c *chunkedStorage) Chunk(i int) []float32 { return c.chunks[i] }

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
