package envconfig

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScratchBucketCapUsesDefaultWhenUnset(t *testing.T) {
	t.Setenv("LLMRT_SCRATCH_BUCKET_CAP", "")
	require.Equal(t, 8, ScratchBucketCap())
}

func TestScratchBucketCapParsesOverride(t *testing.T) {
	t.Setenv("LLMRT_SCRATCH_BUCKET_CAP", "32")
	require.Equal(t, 32, ScratchBucketCap())
}

func TestScratchBucketCapFallsBackOnMalformedValue(t *testing.T) {
	t.Setenv("LLMRT_SCRATCH_BUCKET_CAP", "not-a-number")
	require.Equal(t, 8, ScratchBucketCap())
}

func TestBudgetSafetyMarginParsesOverride(t *testing.T) {
	t.Setenv("LLMRT_BUDGET_SAFETY_MARGIN", "0.25")
	require.Equal(t, 0.25, BudgetSafetyMargin())
}

func TestHardMemoryLimitBytesDefaultsToZero(t *testing.T) {
	t.Setenv("LLMRT_HARD_LIMIT_BYTES", "")
	require.Equal(t, uint64(0), HardMemoryLimitBytes())
}
