// Package envconfig reads process-wide tunables from the environment,
// following the teacher's envconfig package: each getter parses its own
// variable each time it is called, falls back to a documented default, and
// warns via slog on a malformed value rather than failing load.
package envconfig

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

func Var(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

// ScratchBucketCap returns the maximum buffer count the scratch pool keeps
// per size bucket before discarding returned buffers for GC.
// Configurable via LLMRT_SCRATCH_BUCKET_CAP, default 8.
func ScratchBucketCap() int {
	return intWithDefault("LLMRT_SCRATCH_BUCKET_CAP", 8)
}

// HardMemoryLimitBytes returns the engine's hard memory budget ceiling.
// Configurable via LLMRT_HARD_LIMIT_BYTES; 0 (the default) means no hard
// limit is enforced beyond the advisory estimate.
func HardMemoryLimitBytes() uint64 {
	return uint64WithDefault("LLMRT_HARD_LIMIT_BYTES", 0)
}

// BudgetSafetyMargin returns the fraction of the hard limit reserved as
// headroom before a load is refused. Configurable via
// LLMRT_BUDGET_SAFETY_MARGIN, default 0.1 (10%).
func BudgetSafetyMargin() float64 {
	if s := Var("LLMRT_BUDGET_SAFETY_MARGIN"); s != "" {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
		slog.Warn("invalid LLMRT_BUDGET_SAFETY_MARGIN, using default", "value", s)
	}
	return 0.1
}

// MatMulWorkers returns the worker count the parallel matmul kernel splits
// row ranges across. Configurable via LLMRT_MATMUL_WORKERS; 0 (the
// default) means TransformerModel uses GOMAXPROCS at call time.
func MatMulWorkers() int {
	return intWithDefault("LLMRT_MATMUL_WORKERS", 0)
}

func intWithDefault(key string, defaultValue int) int {
	if s := Var(key); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			return defaultValue
		}
		return n
	}
	return defaultValue
}

func uint64WithDefault(key string, defaultValue uint64) uint64 {
	if s := Var(key); s != "" {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			return defaultValue
		}
		return n
	}
	return defaultValue
}
