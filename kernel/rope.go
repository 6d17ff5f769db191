package kernel

import (
	"fmt"
	"math"
)

// DefaultRopeBase is the typical base for rotary position embedding
// frequency computation.
const DefaultRopeBase = 10000.0

// ApplyRope rotates a single head's feature vector in place, pairing
// element i with element i+headDim/2 (the rotate-half RoPE formulation)
// at frequency base^(-2i/headDim), parameterized by head dimension,
// absolute position, and base.
func ApplyRope(vec []float32, headDim, position int, base float64) error {
	if len(vec) != headDim {
		return fmt.Errorf("kernel: ApplyRope expects a %d-length vector, got %d", headDim, len(vec))
	}
	if headDim%2 != 0 {
		return fmt.Errorf("kernel: ApplyRope requires an even head dimension, got %d", headDim)
	}

	half := headDim / 2
	for i := 0; i < half; i++ {
		freq := 1.0 / math.Pow(base, float64(2*i)/float64(headDim))
		theta := float64(position) * freq
		sinT, cosT := math.Sincos(theta)

		x0 := float64(vec[i])
		x1 := float64(vec[i+half])
		vec[i] = float32(x0*cosT - x1*sinT)
		vec[i+half] = float32(x0*sinT + x1*cosT)
	}

	return nil
}

// ApplyRopeBatch applies ApplyRope to every (head, position) pair in a
// [position][head][feature] buffer, the layout queries and keys use
// before the attention dot product.
func ApplyRopeBatch(buf []float32, numPositions, numHeads, headDim int, positions []int, base float64) error {
	if len(positions) != numPositions {
		return fmt.Errorf("kernel: ApplyRopeBatch expects %d positions, got %d", numPositions, len(positions))
	}
	stride := numHeads * headDim
	if len(buf) != numPositions*stride {
		return fmt.Errorf("kernel: ApplyRopeBatch shape mismatch")
	}

	for p := 0; p < numPositions; p++ {
		for h := 0; h < numHeads; h++ {
			start := p*stride + h*headDim
			if err := ApplyRope(buf[start:start+headDim], headDim, positions[p], base); err != nil {
				return err
			}
		}
	}
	return nil
}
