// Package scratch implements a process-wide, size-bucketed pool of
// reusable float32 buffers for transient activations. Buffers are
// bucketed by power-of-two size, each bucket backed by its own queue and
// capacity cap so the pool cannot grow unbounded.
package scratch

import (
	"math/bits"
	"sync"

	"github.com/emirpasic/gods/v2/queues/arrayqueue"
)

// DefaultBucketCapacity is the default per-bucket capacity cap: the
// maximum number of idle buffers a bucket will retain before a returned
// buffer is simply dropped for the garbage collector to reclaim.
const DefaultBucketCapacity = 16

// Pool is a bucketed buffer pool. Buckets are allocated lazily as sizes
// are requested. Each bucket's queue is guarded by its own mutex; a
// pool-wide mutex is also taken briefly on every Rent and Return to look
// up (or create) the bucket. This is the "per-bucket concurrent queue" the
// memory model calls for, implemented with small mutexes rather than a
// lock-free structure (see SPEC_FULL.md §4.6).
type Pool struct {
	bucketCapacity int

	mu      sync.Mutex
	buckets map[int]*bucket
}

type bucket struct {
	mu    sync.Mutex
	queue *arrayqueue.Queue[[]float32]
	cap   int
}

// New creates a Pool with the given per-bucket capacity. A capacity of 0
// uses DefaultBucketCapacity.
func New(bucketCapacity int) *Pool {
	if bucketCapacity <= 0 {
		bucketCapacity = DefaultBucketCapacity
	}
	return &Pool{
		bucketCapacity: bucketCapacity,
		buckets:        make(map[int]*bucket),
	}
}

// bucketSize rounds minSize up to the next power of two (minimum 1).
func bucketSize(minSize int) int {
	if minSize <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(minSize-1))
}

func (p *Pool) bucketFor(size int) *bucket {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.buckets[size]
	if !ok {
		b = &bucket{queue: arrayqueue.New[[]float32](), cap: p.bucketCapacity}
		p.buckets[size] = b
	}
	return b
}

// Rent returns a buffer of length at least minSize. Callers must treat
// the returned buffer as opaque-sized: its length may exceed minSize.
func (p *Pool) Rent(minSize int) []float32 {
	size := bucketSize(minSize)
	b := p.bucketFor(size)

	b.mu.Lock()
	if buf, ok := b.queue.Dequeue(); ok {
		b.mu.Unlock()
		return buf
	}
	b.mu.Unlock()

	return make([]float32, size)
}

// Return gives a buffer back to the pool for reuse, optionally zeroing it
// first. If the buffer's bucket is already at capacity, it is dropped.
func (p *Pool) Return(buf []float32, clear bool) {
	if len(buf) == 0 {
		return
	}
	if clear {
		for i := range buf {
			buf[i] = 0
		}
	}

	size := bucketSize(len(buf))
	b := p.bucketFor(size)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.queue.Size() >= b.cap {
		return
	}
	b.queue.Enqueue(buf)
}

// Scope tracks every buffer rented through it and returns them all on
// Close, so a failure on the hot path can never leak a rented buffer: the
// caller defers scope.Close() once and every Rent call within is covered.
type Scope struct {
	pool    *Pool
	rented  [][]float32
	clear   bool
}

// NewScope opens a scoped acquisition against the pool. clearOnReturn
// controls whether buffers are zeroed when the scope returns them.
func (p *Pool) NewScope(clearOnReturn bool) *Scope {
	return &Scope{pool: p, clear: clearOnReturn}
}

// Rent borrows a buffer through the scope, tracking it for release.
func (s *Scope) Rent(minSize int) []float32 {
	buf := s.pool.Rent(minSize)
	s.rented = append(s.rented, buf)
	return buf
}

// Close returns every buffer rented through this scope.
func (s *Scope) Close() {
	for _, buf := range s.rented {
		s.pool.Return(buf, s.clear)
	}
	s.rented = nil
}
