// Package llmfmt implements the native model file format (header plus an
// ordered tensor table plus tensor payloads) and the foreign-format
// import/transcode path. The tensor table mirrors the teacher's
// fs/ggml (name, kind, shape, offset) descriptor, kept in an
// insertion-ordered map so re-serialization is byte-stable the way the
// teacher's own GGUF tensor table is.
package llmfmt

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/coreml/llmrt/llmerr"
	"github.com/coreml/llmrt/quant"
	"github.com/coreml/llmrt/tensor"
)

// Magic identifies the native container; Version is bumped on any
// incompatible header or tensor-table layout change.
const (
	Magic   uint32 = 0x4c4d5254 // "LMRT"
	Version uint32 = 1
)

// DType enumerates the on-disk tensor element encodings.
type DType uint8

const (
	DTypeF32 DType = iota
	DTypeQ4
	DTypeQ8
)

// Header is the fixed-size preamble: magic, version, architecture
// enum, and hyperparameters needed to reconstruct a ModelHandle without
// reading the tensor table first.
type Header struct {
	Magic         uint32
	Version       uint32
	Arch          uint32
	VocabSize     uint32
	ContextLength uint32
	NumLayers     uint32
	NumHeads      uint32
	KVHeads       uint32
	HeadDim       uint32
	EmbedDim      uint32
	FFNDim        uint32
	NormType      uint32
	Activation    uint32
}

// TensorDescriptor is one entry of the tensor table: name, dtype, shape,
// byte offset and length within the payload section, and (for quantized
// entries) the block size used.
type TensorDescriptor struct {
	Name      string
	DType     DType
	Shape     []int
	Offset    int64
	Length    int64
	BlockSize int
}

// TensorTable preserves insertion order so writing it back out is
// byte-stable, the way the teacher's GGUF writer preserves the order
// tensors were added in.
type TensorTable = orderedmap.OrderedMap[string, TensorDescriptor]

func NewTensorTable() *TensorTable {
	return orderedmap.New[string, TensorDescriptor]()
}

// WriteNative serializes a header and tensor table plus payloads to w.
// Tensors are written in table order; payload offsets in the
// descriptors must already be relative to the start of the payload
// section (the caller is responsible for laying these out before
// calling WriteNative).
func WriteNative(w io.Writer, h Header, table *TensorTable, payload io.Reader) error {
	bw := bufio.NewWriter(w)

	if err := binary.Write(bw, binary.LittleEndian, h); err != nil {
		return &llmerr.StorageError{Op: "write-header", Err: err}
	}

	if err := binary.Write(bw, binary.LittleEndian, uint32(table.Len())); err != nil {
		return &llmerr.StorageError{Op: "write-tensor-count", Err: err}
	}

	for pair := table.Oldest(); pair != nil; pair = pair.Next() {
		if err := writeDescriptor(bw, pair.Value); err != nil {
			return err
		}
	}

	if _, err := io.Copy(bw, payload); err != nil {
		return &llmerr.StorageError{Op: "write-payload", Err: err}
	}

	if err := bw.Flush(); err != nil {
		return &llmerr.StorageError{Op: "flush", Err: err}
	}
	return nil
}

func writeDescriptor(w io.Writer, d TensorDescriptor) error {
	if err := writeString(w, d.Name); err != nil {
		return err
	}
	fields := []any{uint8(d.DType), uint32(len(d.Shape))}
	for _, f := range fields {
		if err := binary.Write(w, binary.LittleEndian, f); err != nil {
			return &llmerr.StorageError{Op: "write-descriptor", Err: err}
		}
	}
	for _, dim := range d.Shape {
		if err := binary.Write(w, binary.LittleEndian, uint32(dim)); err != nil {
			return &llmerr.StorageError{Op: "write-shape", Err: err}
		}
	}
	rest := []any{d.Offset, d.Length, uint32(d.BlockSize)}
	for _, f := range rest {
		if err := binary.Write(w, binary.LittleEndian, f); err != nil {
			return &llmerr.StorageError{Op: "write-descriptor", Err: err}
		}
	}
	return nil
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(s))); err != nil {
		return &llmerr.StorageError{Op: "write-string-len", Err: err}
	}
	if _, err := io.WriteString(w, s); err != nil {
		return &llmerr.StorageError{Op: "write-string", Err: err}
	}
	return nil
}

// ReadHeader reads and validates only the fixed header, for callers that
// want to check compatibility before committing to a full load.
func ReadHeader(r io.Reader) (Header, error) {
	var h Header
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return Header{}, &llmerr.StorageError{Op: "read-header", Err: err}
	}
	if h.Magic != Magic {
		return Header{}, &llmerr.UnsupportedModelError{Magic: h.Magic, Version: h.Version}
	}
	if h.Version != Version {
		return Header{}, &llmerr.UnsupportedModelError{Magic: h.Magic, Version: h.Version}
	}
	return h, nil
}

// ReadTensorTable reads the tensor table following a header already
// consumed from r.
func ReadTensorTable(r io.Reader) (*TensorTable, error) {
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, &llmerr.StorageError{Op: "read-tensor-count", Err: err}
	}

	table := NewTensorTable()
	for i := uint32(0); i < count; i++ {
		d, err := readDescriptor(r)
		if err != nil {
			return nil, err
		}
		table.Set(d.Name, d)
	}
	return table, nil
}

func readDescriptor(r io.Reader) (TensorDescriptor, error) {
	name, err := readString(r)
	if err != nil {
		return TensorDescriptor{}, err
	}

	var dtype uint8
	var ndim uint32
	if err := binary.Read(r, binary.LittleEndian, &dtype); err != nil {
		return TensorDescriptor{}, &llmerr.StorageError{Op: "read-dtype", Err: err}
	}
	if err := binary.Read(r, binary.LittleEndian, &ndim); err != nil {
		return TensorDescriptor{}, &llmerr.StorageError{Op: "read-ndim", Err: err}
	}

	shape := make([]int, ndim)
	for i := range shape {
		var dim uint32
		if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
			return TensorDescriptor{}, &llmerr.StorageError{Op: "read-shape", Err: err}
		}
		shape[i] = int(dim)
	}

	var offset, length int64
	var blockSize uint32
	if err := binary.Read(r, binary.LittleEndian, &offset); err != nil {
		return TensorDescriptor{}, &llmerr.StorageError{Op: "read-offset", Err: err}
	}
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return TensorDescriptor{}, &llmerr.StorageError{Op: "read-length", Err: err}
	}
	if err := binary.Read(r, binary.LittleEndian, &blockSize); err != nil {
		return TensorDescriptor{}, &llmerr.StorageError{Op: "read-blocksize", Err: err}
	}

	return TensorDescriptor{
		Name:      name,
		DType:     DType(dtype),
		Shape:     shape,
		Offset:    offset,
		Length:    length,
		BlockSize: int(blockSize),
	}, nil
}

func readString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", &llmerr.StorageError{Op: "read-string-len", Err: err}
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", &llmerr.StorageError{Op: "read-string", Err: err}
	}
	return string(buf), nil
}

// headerSize is used by LoadMemoryMapped to locate the payload section's
// file offset without re-walking the descriptors it already parsed.
func headerSize() int64 {
	return int64(binary.Size(Header{}))
}

// LoadedModel is the result of loading a native file: its header and a
// name-indexed set of weight tensors, backed by memory-mapped storage so
// the payload is never copied.
type LoadedModel struct {
	Header  Header
	Tensors map[string]*tensor.Tensor
	Quants  map[string]*quant.Q4Tensor
}

// LoadMemoryMapped reads the header and tensor table from path, then
// memory-maps each F32 tensor's payload in place (refusing to copy), and
// loads Q4 tensors into addressable in-memory blocks (quantized weights
// are small enough relative to dequantized f32 that mmap is not required
// for them, and the block layout does not map onto a flat float view).
func LoadMemoryMapped(path string) (*LoadedModel, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &llmerr.StorageError{Path: path, Op: "open", Err: err}
	}
	defer f.Close()

	br := bufio.NewReader(f)
	header, err := ReadHeader(br)
	if err != nil {
		return nil, err
	}
	table, err := ReadTensorTable(br)
	if err != nil {
		return nil, err
	}

	payloadStart := headerSize() + tableByteSize(table)

	out := &LoadedModel{
		Header:  header,
		Tensors: make(map[string]*tensor.Tensor),
		Quants:  make(map[string]*quant.Q4Tensor),
	}

	for pair := table.Oldest(); pair != nil; pair = pair.Next() {
		d := pair.Value
		switch d.DType {
		case DTypeF32:
			t, err := tensor.NewMemoryMapped(path, payloadStart+d.Offset, tensor.Shape(d.Shape), tensor.MemoryMappedOptions{Writable: false})
			if err != nil {
				return nil, err
			}
			out.Tensors[d.Name] = t
		case DTypeQ4:
			q, err := readQ4Block(f, payloadStart+d.Offset, d)
			if err != nil {
				return nil, err
			}
			out.Quants[d.Name] = q
		default:
			return nil, &llmerr.UnsupportedQuantTypeError{TensorName: d.Name, QuantType: fmt.Sprintf("%d", d.DType)}
		}
	}

	return out, nil
}

// tableByteSize re-derives the serialized tensor-table size so payload
// offsets can be computed without tracking a running byte counter
// through ReadTensorTable.
func tableByteSize(table *TensorTable) int64 {
	var size int64 = 4 // count
	for pair := table.Oldest(); pair != nil; pair = pair.Next() {
		d := pair.Value
		size += 4 + int64(len(d.Name)) // name
		size += 1 + 4                  // dtype, ndim
		size += 4 * int64(len(d.Shape))
		size += 8 + 8 + 4 // offset, length, blocksize
	}
	return size
}

func readQ4Block(f *os.File, fileOffset int64, d TensorDescriptor) (*quant.Q4Tensor, error) {
	buf := make([]byte, d.Length)
	if _, err := f.ReadAt(buf, fileOffset); err != nil {
		return nil, &llmerr.StorageError{Path: f.Name(), Op: "read-q4-block", Err: err}
	}
	return quant.DecodeQ4(buf, d.Shape[0], d.Shape[1], d.BlockSize)
}
