//go:build !windows

package tensor

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// mmapStorage is a read-only or read-write view over a region of a file on
// disk. It refuses DenseView (callers must go through Chunk) and refuses
// Set/Fill/Clear unless opened with write intent.
type mmapStorage struct {
	mu sync.Mutex

	// mapping is the exact, page-aligned slice unix.Mmap returned; it
	// must be passed to unix.Munmap unchanged, since Munmap validates the
	// mapping by its first-byte pointer and rejects any sub-slice that
	// offset it away from the page-aligned base.
	mapping []byte
	// data is mapping with the intra-page skip applied, the view every
	// accessor reads and writes through.
	data     []byte
	total    int64
	writable bool
	refs     int
	file     *os.File
}

// MemoryMappedOptions controls how a file is mapped.
type MemoryMappedOptions struct {
	// Writable opens the mapping for read-write access. Defaults to
	// read-only, matching the common case of loading weights.
	Writable bool
}

// NewMemoryMapped maps elements*4 bytes of path, starting at byteOffset,
// as a tensor of the given shape. It returns *StorageError if the file is
// shorter than required.
func NewMemoryMapped(path string, byteOffset int64, shape Shape, opts MemoryMappedOptions) (*Tensor, error) {
	elements := shape.Product()
	needed := elements * 4

	f, err := os.OpenFile(path, fileOpenFlags(opts.Writable), 0)
	if err != nil {
		return nil, &StorageError{Path: path, Op: "open", Err: err}
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &StorageError{Path: path, Op: "stat", Err: err}
	}
	if info.Size() < byteOffset+needed {
		f.Close()
		return nil, &StorageError{Path: path, Op: "mmap", Err: fmt.Errorf("file has %d bytes, need %d at offset %d", info.Size(), needed, byteOffset)}
	}

	prot := unix.PROT_READ
	if opts.Writable {
		prot |= unix.PROT_WRITE
	}

	// mmap requires the offset to be page-aligned; round down and keep the
	// intra-page skip to index into the mapping correctly.
	pageSize := int64(os.Getpagesize())
	alignedOffset := (byteOffset / pageSize) * pageSize
	skip := byteOffset - alignedOffset

	data, err := unix.Mmap(int(f.Fd()), alignedOffset, int(needed+skip), prot, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, &StorageError{Path: path, Op: "mmap", Err: err}
	}

	st := &mmapStorage{
		mapping:  data,
		data:     data[skip:],
		total:    elements,
		writable: opts.Writable,
		refs:     1,
		file:     f,
	}
	return newTensor(shape, st)
}

func fileOpenFlags(writable bool) int {
	if writable {
		return os.O_RDWR
	}
	return os.O_RDONLY
}

// StorageError reports a file I/O or memory-mapping failure.
type StorageError struct {
	Path string
	Op   string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("tensor: storage error during %s of %q: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (m *mmapStorage) Len() int64 { return m.total }

func (m *mmapStorage) floats() []float32 {
	return unsafeBytesToFloat32(m.data)
}

func (m *mmapStorage) Get(i int64) float32 { return m.floats()[i] }

func (m *mmapStorage) Set(i int64, v float32) {
	if !m.writable {
		panic("tensor: Set on read-only memory-mapped storage")
	}
	m.floats()[i] = v
}

// CopyTo is the one operation explicitly required to be bulk on
// memory-mapped storage.
func (m *mmapStorage) CopyTo(srcIndex int64, dst []float32, length int64) {
	copy(dst[:length], m.floats()[srcIndex:srcIndex+length])
}

func (m *mmapStorage) CopyFrom(src []float32, dstIndex int64) {
	if !m.writable {
		panic("tensor: CopyFrom on read-only memory-mapped storage")
	}
	copy(m.floats()[dstIndex:dstIndex+int64(len(src))], src)
}

// Fill and Clear are specified but explicitly slow on memory-mapped
// storage (they dirty every page); avoid on hot paths.
func (m *mmapStorage) Fill(v float32) {
	if !m.writable {
		panic("tensor: Fill on read-only memory-mapped storage")
	}
	f := m.floats()
	for i := range f {
		f[i] = v
	}
}

func (m *mmapStorage) Clear() { m.Fill(0) }

func (m *mmapStorage) NumChunks() int { return 1 }
func (m *mmapStorage) Chunk(i int) []float32 {
	return m.floats()
}

// addRef/release implement "released when the last viewer drops and the
// file handle closes" from the Tensor lifecycle rule in the data model.
func (m *mmapStorage) addRef() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs++
}

func (m *mmapStorage) release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs--
	if m.refs > 0 {
		return nil
	}
	if err := unix.Munmap(m.mapping); err != nil {
		return err
	}
	return m.file.Close()
}

// Close releases this tensor's view onto the mapping, unmapping and
// closing the file once every viewer has dropped.
func (t *Tensor) Close() error {
	if m, ok := t.storage.(*mmapStorage); ok {
		return m.release()
	}
	return nil
}

// View returns a new Tensor sharing the same memory-mapped backing,
// incrementing the viewer refcount. Calling Close on either the original
// or the view decrements it independently.
func (t *Tensor) View() (*Tensor, error) {
	m, ok := t.storage.(*mmapStorage)
	if !ok {
		return nil, fmt.Errorf("tensor: View is only defined for memory-mapped tensors")
	}
	m.addRef()
	return &Tensor{shape: t.shape, storage: m}, nil
}
