package kernel

import (
	"fmt"
	"math"
)

// Activation identifies which elementwise nonlinearity a model's FFN uses.
type Activation int

const (
	GELU Activation = iota
	SiLU
)

// ApplyActivation writes activation(x) into out; x and out may alias.
func ApplyActivation(act Activation, x []float32, out []float32) error {
	if len(x) != len(out) {
		return fmt.Errorf("kernel: activation shape mismatch")
	}
	switch act {
	case GELU:
		for i, v := range x {
			out[i] = gelu(v)
		}
	case SiLU:
		for i, v := range x {
			out[i] = silu(v)
		}
	default:
		return fmt.Errorf("kernel: unknown activation %d", act)
	}
	return nil
}

// gelu uses the tanh approximation, the form used throughout transformer
// inference runtimes in place of the exact erf formulation.
func gelu(x float32) float32 {
	const c = 0.7978845608028654 // sqrt(2/pi)
	x64 := float64(x)
	inner := c * (x64 + 0.044715*x64*x64*x64)
	return float32(0.5 * x64 * (1 + math.Tanh(inner)))
}

func silu(x float32) float32 {
	return x / (1 + float32(math.Exp(float64(-x))))
}

// Softmax computes a numerically stable softmax (subtract row max) over
// the last dimension of a (rows, cols) input.
func Softmax(x []float32, rows, cols int, out []float32) error {
	if len(x) != rows*cols || len(out) != rows*cols {
		return fmt.Errorf("kernel: Softmax shape mismatch")
	}

	for r := 0; r < rows; r++ {
		row := x[r*cols : r*cols+cols]
		outRow := out[r*cols : r*cols+cols]

		maxV := row[0]
		for _, v := range row[1:] {
			if v > maxV {
				maxV = v
			}
		}

		var sum float32
		for i, v := range row {
			e := float32(math.Exp(float64(v - maxV)))
			outRow[i] = e
			sum += e
		}

		if sum == 0 {
			continue
		}
		invSum := 1 / sum
		for i := range outRow {
			outRow[i] *= invSum
		}
	}

	return nil
}
