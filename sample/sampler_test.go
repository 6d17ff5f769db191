package sample

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSampleArgmaxDegenerate(t *testing.T) {
	logits := []float32{0.1, 5.0, -2.0, 3.0}
	got := Sample(logits, Options{Temperature: 0, TopK: 0, TopP: 1})
	require.Equal(t, 1, got)

	// TopK <= 1 also degenerates to argmax even if set explicitly to 1.
	got = Sample(logits, Options{Temperature: 0, TopK: 1, TopP: 1})
	require.Equal(t, 1, got)
}

func TestSampleDeterministicForSameSeed(t *testing.T) {
	logits := []float32{1.0, 2.0, 3.0, 0.5, 1.5, 2.5}
	opts := Options{Temperature: 0.8, TopK: 4, TopP: 0.9, Seed: 1234}

	first := make([]int, 20)
	for i := range first {
		first[i] = Sample(logits, opts)
	}

	second := make([]int, 20)
	for i := range second {
		second[i] = Sample(logits, opts)
	}

	require.Equal(t, first, second)
}

func TestSampleDifferentSeedsCanDiverge(t *testing.T) {
	logits := []float32{1.0, 2.0, 3.0, 0.5, 1.5, 2.5}
	a := Options{Temperature: 1.0, TopK: 0, TopP: 1, Seed: 1}
	b := Options{Temperature: 1.0, TopK: 0, TopP: 1, Seed: 2}

	diverged := false
	for i := 0; i < 50; i++ {
		// Sample seeds a fresh RNG on every call, so each draw uses its
		// own pair of distinct seeds.
		a.Seed = uint64(2*i + 1)
		b.Seed = uint64(2*i + 2)
		if Sample(logits, a) != Sample(logits, b) {
			diverged = true
			break
		}
	}
	require.True(t, diverged, "expected at least one divergence across 50 draws with different seeds")
}

func TestSampleTopKRestrictsToKHighestCandidates(t *testing.T) {
	logits := []float32{10, 1, 2, 3, 4, 9}
	opts := Options{Temperature: 1.0, TopK: 2, TopP: 1, Seed: 7}

	for i := 0; i < 30; i++ {
		got := Sample(logits, opts)
		require.Contains(t, []int{0, 5}, got, "top-2 tokens by logit are indices 0 and 5")
	}
}

func TestSampleTopKZeroDisablesRestriction(t *testing.T) {
	// With TopK 0 every candidate stays eligible; over enough draws we
	// should see more than the top-2 indices appear.
	logits := []float32{10, 9, 8, 7, 6, 5}
	opts := Options{Temperature: 2.0, TopK: 0, TopP: 1, Seed: 99}

	seen := map[int]bool{}
	for i := 0; i < 200; i++ {
		opts.Seed = uint64(i)
		seen[Sample(logits, opts)] = true
	}
	require.Greater(t, len(seen), 2)
}

func TestSampleTopPOneDisablesNucleusFiltering(t *testing.T) {
	logits := []float32{5, 1, 1, 1}
	opts := Options{Temperature: 1.0, TopK: 0, TopP: 1.0, Seed: 42}

	// Should not panic and should always return a valid index.
	for i := 0; i < 10; i++ {
		got := Sample(logits, opts)
		require.GreaterOrEqual(t, got, 0)
		require.Less(t, got, len(logits))
	}
}
