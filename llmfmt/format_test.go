package llmfmt

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleHeader() Header {
	return Header{
		Magic:         Magic,
		Version:       Version,
		VocabSize:     32,
		ContextLength: 128,
		NumLayers:     2,
		NumHeads:      4,
		KVHeads:       4,
		HeadDim:       8,
		EmbedDim:      32,
		FFNDim:        64,
	}
}

func TestWriteThenReadHeaderRoundTrips(t *testing.T) {
	header := sampleHeader()
	table := NewTensorTable()
	table.Set("embed.weight", TensorDescriptor{Name: "embed.weight", DType: DTypeF32, Shape: []int{32, 32}, Offset: 0, Length: 32 * 32 * 4})

	payload := make([]byte, 32*32*4)

	var buf bytes.Buffer
	require.NoError(t, WriteNative(&buf, header, table, bytes.NewReader(payload)))

	gotHeader, err := ReadHeader(&buf)
	require.NoError(t, err)
	require.Equal(t, header, gotHeader)

	gotTable, err := ReadTensorTable(&buf)
	require.NoError(t, err)
	require.Equal(t, 1, gotTable.Len())

	pair := gotTable.Oldest()
	require.Equal(t, "embed.weight", pair.Key)
	require.Equal(t, []int{32, 32}, pair.Value.Shape)
}

func TestReadHeaderRejectsWrongMagic(t *testing.T) {
	header := sampleHeader()
	header.Magic = 0xdeadbeef

	var buf bytes.Buffer
	require.NoError(t, WriteNative(&buf, header, NewTensorTable(), bytes.NewReader(nil)))

	_, err := ReadHeader(&buf)
	require.Error(t, err)
}

func TestLoadMemoryMappedReadsBackF32Tensor(t *testing.T) {
	header := sampleHeader()
	table := NewTensorTable()
	values := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	table.Set("gain", TensorDescriptor{Name: "gain", DType: DTypeF32, Shape: []int{1, 8}, Offset: 0, Length: int64(len(values)) * 4})

	path := filepath.Join(t.TempDir(), "model.lmrt")
	f, err := os.Create(path)
	require.NoError(t, err)

	require.NoError(t, WriteNative(f, header, table, bytes.NewReader(float32BytesLE(values))))
	require.NoError(t, f.Close())

	loaded, err := LoadMemoryMapped(path)
	require.NoError(t, err)
	require.Equal(t, header, loaded.Header)

	tn, ok := loaded.Tensors["gain"]
	require.True(t, ok)
	got := make([]float32, len(values))
	for i := range got {
		got[i] = tn.Get(int64(i))
	}
	require.Equal(t, values, got)
}
