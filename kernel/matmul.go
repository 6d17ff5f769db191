package kernel

import (
	"context"
	"fmt"

	"github.com/coreml/llmrt/quant"
	"golang.org/x/sync/errgroup"
)

// ParallelRowThreshold is the row count at which MatMul splits work across
// the worker pool instead of running single-threaded.
const ParallelRowThreshold = 32

// MatMulF32 computes C = A . B for A:(M,K) row-major, B:(K,N) row-major,
// writing into the caller-owned out:(M,N). Rows are parallelized across
// workers when M >= ParallelRowThreshold.
func MatMulF32(ctx context.Context, a []float32, m, k int, b []float32, n int, out []float32, workers int) error {
	if len(a) != m*k || len(b) != k*n || len(out) != m*n {
		return fmt.Errorf("kernel: MatMulF32 shape mismatch: a=%d (want %d) b=%d (want %d) out=%d (want %d)",
			len(a), m*k, len(b), k*n, len(out), m*n)
	}

	rowFn := func(row int) {
		matmulRow(a[row*k:row*k+k], b, k, n, out[row*n:row*n+n])
	}

	if m < ParallelRowThreshold || workers <= 1 {
		for row := 0; row < m; row++ {
			rowFn(row)
		}
		return nil
	}

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for row := 0; row < m; row++ {
		row := row
		g.Go(func() error {
			rowFn(row)
			return nil
		})
	}
	return g.Wait()
}

// matmulRow computes one output row: out[j] = sum_i aRow[i] * b[i*n+j].
// The inner loop is unrolled to Width as a stand-in for the SIMD tiling a
// real vectorized kernel would use at the detected hardware width; a
// scalar tail covers the remainder.
func matmulRow(aRow, b []float32, k, n int, out []float32) {
	for j := range out {
		out[j] = 0
	}
	for i := 0; i < k; i++ {
		av := aRow[i]
		if av == 0 {
			continue
		}
		bRow := b[i*n : i*n+n]
		j := 0
		for ; j+Width <= n; j += Width {
			for w := 0; w < Width; w++ {
				out[j+w] += av * bRow[j+w]
			}
		}
		for ; j < n; j++ {
			out[j] += av * bRow[j]
		}
	}
}

// MatMulF32Transpose computes C = A . B^T without materializing B^T.
// A:(M,K), B:(N,K), out:(M,N).
func MatMulF32Transpose(a []float32, m, k int, b []float32, n int, out []float32) error {
	if len(a) != m*k || len(b) != n*k || len(out) != m*n {
		return fmt.Errorf("kernel: MatMulF32Transpose shape mismatch")
	}
	for row := 0; row < m; row++ {
		aRow := a[row*k : row*k+k]
		for col := 0; col < n; col++ {
			bRow := b[col*k : col*k+k]
			var sum float32
			for i := 0; i < k; i++ {
				sum += aRow[i] * bRow[i]
			}
			out[row*n+col] = sum
		}
	}
	return nil
}

// MatMulF32TransposeA computes C = A^T . B without materializing A^T.
// A:(K,M), B:(K,N), out:(M,N).
func MatMulF32TransposeA(a []float32, k, m int, b []float32, n int, out []float32) error {
	if len(a) != k*m || len(b) != k*n || len(out) != m*n {
		return fmt.Errorf("kernel: MatMulF32TransposeA shape mismatch")
	}
	for i := range out {
		out[i] = 0
	}
	for i := 0; i < k; i++ {
		aRow := a[i*m : i*m+m]
		bRow := b[i*n : i*n+n]
		for row := 0; row < m; row++ {
			av := aRow[row]
			if av == 0 {
				continue
			}
			outRow := out[row*n : row*n+n]
			for col := 0; col < n; col++ {
				outRow[col] += av * bRow[col]
			}
		}
	}
	return nil
}

// MatMulF32Q4 computes C = A . dequant(B) where B is a block-quantized
// weight matrix, streaming blocks without ever materializing the
// dequantized matrix. A:(M,K), B:(K,N) logical shape (B.Rows==K,
// B.Cols==N), out:(M,N).
func MatMulF32Q4(a []float32, m, k int, b *quant.Q4Tensor, out []float32) error {
	if b.Rows != k {
		return fmt.Errorf("kernel: MatMulF32Q4 expects B.Rows == K (%d), got %d", k, b.Rows)
	}
	n := b.Cols
	if len(a) != m*k || len(out) != m*n {
		return fmt.Errorf("kernel: MatMulF32Q4 shape mismatch")
	}

	blocksPerRow := b.Cols / b.BlockSize

	for row := 0; row < m; row++ {
		aRow := a[row*k : row*k+k]
		outRow := out[row*n : row*n+n]
		for j := range outRow {
			outRow[j] = 0
		}

		for i := 0; i < k; i++ {
			av := aRow[i]
			if av == 0 {
				continue
			}
			for blk := 0; blk < blocksPerRow; blk++ {
				scale := b.Scales[i*blocksPerRow+blk].Float32()
				if scale == 0 {
					continue
				}
				packedStart := (i*blocksPerRow + blk) * b.BlockSize / 2
				colStart := blk * b.BlockSize
				for bi := 0; bi < b.BlockSize; bi += 2 {
					packedByte := b.Packed[packedStart+bi/2]
					lo := packedByte & 0x0F
					hi := packedByte >> 4
					outRow[colStart+bi] += av * scale * float32(int(lo)-8)
					outRow[colStart+bi+1] += av * scale * float32(int(hi)-8)
				}
			}
		}
	}

	return nil
}

// MatMulF32Q8 is the 8-bit sibling of MatMulF32Q4, with the same
// contract and streaming discipline.
func MatMulF32Q8(a []float32, m, k int, b *quant.Q8Tensor, out []float32) error {
	if b.Rows != k {
		return fmt.Errorf("kernel: MatMulF32Q8 expects B.Rows == K (%d), got %d", k, b.Rows)
	}
	n := b.Cols
	if len(a) != m*k || len(out) != m*n {
		return fmt.Errorf("kernel: MatMulF32Q8 shape mismatch")
	}

	blocksPerRow := b.Cols / b.BlockSize

	for row := 0; row < m; row++ {
		aRow := a[row*k : row*k+k]
		outRow := out[row*n : row*n+n]
		for j := range outRow {
			outRow[j] = 0
		}

		for i := 0; i < k; i++ {
			av := aRow[i]
			if av == 0 {
				continue
			}
			rowData := b.Data[i*n : i*n+n]
			for blk := 0; blk < blocksPerRow; blk++ {
				scale := b.Scales[i*blocksPerRow+blk].Float32()
				if scale == 0 {
					continue
				}
				colStart := blk * b.BlockSize
				for bi := 0; bi < b.BlockSize; bi++ {
					outRow[colStart+bi] += av * scale * float32(rowData[colStart+bi])
				}
			}
		}
	}

	return nil
}
