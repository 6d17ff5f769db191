// Foreign-format import: decoding a pickle-serialized torch-style tensor
// container and transcoding it into the native format, cached under a
// content hash so repeated imports of the same file are free. Grounded on
// the teacher's convert/ package intent (foreign-to-native conversion)
// without carrying over its torch-specific tensor renaming tables, which
// are out of scope here.
package llmfmt

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/nlpodyssey/gopickle/pytorch"

	"github.com/coreml/llmrt/llmerr"
)

// Import decodes the pickle container at srcPath and writes (or reuses) a
// native file under cacheDir, named by the content hash of srcPath, then
// returns the native path ready for LoadMemoryMapped.
func Import(srcPath, cacheDir string, header Header) (string, error) {
	hash, err := contentHash(srcPath)
	if err != nil {
		return "", err
	}

	nativePath := filepath.Join(cacheDir, hash+".lmrt")
	if _, err := os.Stat(nativePath); err == nil {
		return nativePath, nil
	}

	named, err := decodePickle(srcPath)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return "", &llmerr.StorageError{Path: cacheDir, Op: "mkdir", Err: err}
	}

	tmpPath := nativePath + ".tmp"
	if err := writeTranscodedNative(tmpPath, header, named); err != nil {
		return "", err
	}
	if err := os.Rename(tmpPath, nativePath); err != nil {
		return "", &llmerr.StorageError{Path: nativePath, Op: "rename", Err: err}
	}

	return nativePath, nil
}

func contentHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", &llmerr.StorageError{Path: path, Op: "open", Err: err}
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", &llmerr.StorageError{Path: path, Op: "hash", Err: err}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// namedTensor is a flattened, dtype-resolved tensor pulled out of the
// pickle container's state dict.
type namedTensor struct {
	name string
	data []float32
	rows int
	cols int
}

// decodePickle loads a non-zip pickled torch state dict and flattens its
// named tensors to row-major f32, the shape every downstream quantizer
// and the native writer expect.
func decodePickle(path string) ([]namedTensor, error) {
	result, err := pytorch.Load(path)
	if err != nil {
		return nil, &llmerr.StorageError{Path: path, Op: "pickle-load", Err: err}
	}

	dict, ok := result.(*pytorch.OrderedDict)
	if !ok {
		return nil, &llmerr.UnsupportedModelError{Path: path}
	}

	var out []namedTensor
	for _, key := range dict.Keys() {
		value, _ := dict.Get(key)
		t, ok := value.(*pytorch.Tensor)
		if !ok {
			continue
		}

		flat, rows, cols, err := flattenTorchTensor(t)
		if err != nil {
			return nil, fmt.Errorf("llmfmt: tensor %q: %w", key, err)
		}
		out = append(out, namedTensor{name: fmt.Sprintf("%v", key), data: flat, rows: rows, cols: cols})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out, nil
}

// flattenTorchTensor reads a pytorch.Tensor's backing storage as f32,
// applying the tensor's declared size as (rows, cols) for 2-D weights (or
// (1, len) for 1-D vectors like norm gains/biases).
func flattenTorchTensor(t *pytorch.Tensor) (data []float32, rows, cols int, err error) {
	storage, ok := t.Source.(*pytorch.FloatStorage)
	if !ok {
		return nil, 0, 0, fmt.Errorf("unsupported torch storage type %T", t.Source)
	}

	switch len(t.Size) {
	case 1:
		rows, cols = 1, t.Size[0]
	case 2:
		rows, cols = t.Size[0], t.Size[1]
	default:
		return nil, 0, 0, fmt.Errorf("unsupported tensor rank %d", len(t.Size))
	}

	return storage.Data, rows, cols, nil
}

// writeTranscodedNative lays out the flattened tensors as f32 payloads
// and writes header + table + payload in one pass.
func writeTranscodedNative(path string, header Header, named []namedTensor) error {
	f, err := os.Create(path)
	if err != nil {
		return &llmerr.StorageError{Path: path, Op: "create", Err: err}
	}
	defer f.Close()

	table := NewTensorTable()
	var offset int64
	payloads := make([][]byte, 0, len(named))
	for _, nt := range named {
		length := int64(len(nt.data)) * 4
		table.Set(nt.name, TensorDescriptor{
			Name:   nt.name,
			DType:  DTypeF32,
			Shape:  []int{nt.rows, nt.cols},
			Offset: offset,
			Length: length,
		})
		offset += length
		payloads = append(payloads, float32BytesLE(nt.data))
	}

	return WriteNative(f, header, table, &concatReader{chunks: payloads})
}

func float32BytesLE(data []float32) []byte {
	buf := make([]byte, len(data)*4)
	for i, v := range data {
		bits := math.Float32bits(v)
		buf[i*4] = byte(bits)
		buf[i*4+1] = byte(bits >> 8)
		buf[i*4+2] = byte(bits >> 16)
		buf[i*4+3] = byte(bits >> 24)
	}
	return buf
}

// concatReader streams a slice of byte slices as one io.Reader without
// concatenating them into a single allocation first.
type concatReader struct {
	chunks [][]byte
	idx    int
	off    int
}

func (c *concatReader) Read(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		if c.idx >= len(c.chunks) {
			if total == 0 {
				return 0, io.EOF
			}
			return total, nil
		}
		chunk := c.chunks[c.idx]
		n := copy(p[total:], chunk[c.off:])
		total += n
		c.off += n
		if c.off >= len(chunk) {
			c.idx++
			c.off = 0
		}
	}
	return total, nil
}
