// Package kernel implements the fused numerical kernels that dominate
// wall-time during inference: matmul (f32*f32, f32*Q4, f32*Q8), RMSNorm,
// LayerNorm (both with residual fusion), GELU/SiLU, softmax, rotary
// position embedding, and attention. Every kernel writes into a
// caller-owned output buffer. Attention and LayerNorm/LayerNormResidual
// allocate a scratch slice on every call (the attention scores, a float64
// copy of the row); the row-parallel MatMulF32 path starts goroutines per
// call; the other kernels do not allocate.
package kernel

import "github.com/klauspost/cpuid/v2"

// Width is the detected SIMD lane width (in float32 elements) this
// process should tile its inner loops to. Pure Go has no portable
// intrinsics, so kernels do not emit actual vector instructions; instead
// the loop unrolling factor is chosen to match the hardware width the
// teacher's backend would have selected a vectorized ggml kernel for, so
// cache and branch-prediction behavior tracks what real SIMD code would
// do. Detected once at package init, mirroring the teacher's pattern of
// picking an execution strategy once at load time (BackendParams /
// SystemInfo) rather than per call.
var Width = detectWidth()

func detectWidth() int {
	switch {
	case cpuid.CPU.Supports(cpuid.AVX512F):
		return 16
	case cpuid.CPU.Supports(cpuid.AVX2):
		return 8
	case cpuid.CPU.Supports(cpuid.ASIMD):
		return 4
	default:
		return 1
	}
}
