package kernel

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

// DefaultEpsilon is the default numerical-stability epsilon for RMSNorm.
const DefaultEpsilon = 1e-5

// RMSNorm computes, over the last dimension of a (batch, features) input,
// inv_rms = 1/sqrt(mean(x^2)+eps), out = gamma ⊙ (x * inv_rms). Two-pass:
// the mean of squares, then the scaled write.
func RMSNorm(x []float32, batch, features int, gamma []float32, eps float32, out []float32) error {
	return rmsNormResidual(x, nil, batch, features, gamma, eps, out)
}

// RMSNormResidual is the fused-residual variant: it reads x+residual in
// both passes without materializing the sum into an intermediate buffer.
func RMSNormResidual(x, residual []float32, batch, features int, gamma []float32, eps float32, out []float32) error {
	return rmsNormResidual(x, residual, batch, features, gamma, eps, out)
}

func rmsNormResidual(x, residual []float32, batch, features int, gamma []float32, eps float32, out []float32) error {
	if len(x) != batch*features || len(out) != batch*features {
		return fmt.Errorf("kernel: RMSNorm shape mismatch")
	}
	if residual != nil && len(residual) != batch*features {
		return fmt.Errorf("kernel: RMSNorm residual shape mismatch")
	}
	if gamma != nil && len(gamma) != features {
		return fmt.Errorf("kernel: RMSNorm gamma shape mismatch")
	}

	at := func(row, i int) float32 {
		v := x[row*features+i]
		if residual != nil {
			v += residual[row*features+i]
		}
		return v
	}

	for row := 0; row < batch; row++ {
		var sumSq float64
		for i := 0; i < features; i++ {
			v := float64(at(row, i))
			sumSq += v * v
		}
		invRMS := float32(1.0 / math.Sqrt(sumSq/float64(features)+float64(eps)))

		outRow := out[row*features : row*features+features]
		for i := 0; i < features; i++ {
			v := at(row, i) * invRMS
			if gamma != nil {
				v *= gamma[i]
			}
			outRow[i] = v
		}
	}

	return nil
}

// LayerNorm computes, over the last dimension, mean/variance via a
// two-pass Welford-style accumulation (delegated to gonum/stat, which
// implements the same numerically-stable streaming formula), then
// out = gamma ⊙ (x-mu)*invSigma + beta.
func LayerNorm(x []float32, batch, features int, gamma, beta []float32, eps float32, out []float32) error {
	return layerNormResidual(x, nil, batch, features, gamma, beta, eps, out)
}

// LayerNormResidual is the fused-residual variant of LayerNorm.
func LayerNormResidual(x, residual []float32, batch, features int, gamma, beta []float32, eps float32, out []float32) error {
	return layerNormResidual(x, residual, batch, features, gamma, beta, eps, out)
}

func layerNormResidual(x, residual []float32, batch, features int, gamma, beta []float32, eps float32, out []float32) error {
	if len(x) != batch*features || len(out) != batch*features {
		return fmt.Errorf("kernel: LayerNorm shape mismatch")
	}
	if residual != nil && len(residual) != batch*features {
		return fmt.Errorf("kernel: LayerNorm residual shape mismatch")
	}

	row64 := make([]float64, features)

	for row := 0; row < batch; row++ {
		base := row * features
		for i := 0; i < features; i++ {
			v := x[base+i]
			if residual != nil {
				v += residual[base+i]
			}
			row64[i] = float64(v)
		}

		mean, variance := stat.MeanVariance(row64, nil)
		// stat.MeanVariance returns the sample (Bessel-corrected)
		// variance; normalization uses the population variance.
		if features > 1 {
			variance *= float64(features-1) / float64(features)
		}
		invSigma := 1.0 / math.Sqrt(variance+float64(eps))

		outRow := out[base : base+features]
		for i := 0; i < features; i++ {
			v := float32((row64[i] - mean) * invSigma)
			if gamma != nil {
				v *= gamma[i]
			}
			if beta != nil {
				v += beta[i]
			}
			outRow[i] = v
		}
	}

	return nil
}
