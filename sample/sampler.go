// Package sample implements token sampling: temperature / top-k / top-p /
// deterministic greedy, with a seeded RNG for reproducible exploratory
// sampling. The referenced teacher package (ollama/sample) is not present
// in the retrieval pack, so this is built directly from the spec using the
// teacher's own option field names (Temperature, TopK, TopP, Seed).
package sample

import (
	"math"
	"math/rand/v2"
	"sort"
)

// Options controls one sampling call.
type Options struct {
	Temperature float64
	TopK        int
	TopP        float64
	Seed        uint64
}

// candidate pairs a vocabulary index with its probability, for the
// top-k/top-p filtering passes.
type candidate struct {
	id   int
	prob float32
}

// Sample chooses one token id from logits over vocabSize. If temperature
// is 0, topK <= 1, and topP >= 1, it returns argmax deterministically
// regardless of seed. Otherwise: divide by max(temperature, eps), softmax,
// optionally restrict to top-k, then to the smallest prefix whose
// cumulative probability is at least topP, renormalize, and sample via
// inverse-CDF using a PCG RNG seeded from opts.Seed.
func Sample(logits []float32, opts Options) int {
	if opts.Temperature == 0 && opts.TopK <= 1 && opts.TopP >= 1 {
		return argmax(logits)
	}

	const eps = 1e-7
	temp := opts.Temperature
	if temp < eps {
		temp = eps
	}

	probs := softmax(logits, float32(temp))

	candidates := make([]candidate, len(probs))
	for i, p := range probs {
		candidates[i] = candidate{id: i, prob: p}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].prob > candidates[j].prob })

	if opts.TopK > 0 && opts.TopK < len(candidates) {
		candidates = candidates[:opts.TopK]
	}

	if opts.TopP < 1 {
		candidates = topPFilter(candidates, opts.TopP)
	}

	renormalize(candidates)

	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed>>32|1))
	return inverseCDFSample(candidates, rng)
}

func argmax(logits []float32) int {
	best := 0
	bestVal := logits[0]
	for i, v := range logits[1:] {
		if v > bestVal {
			bestVal = v
			best = i + 1
		}
	}
	return best
}

// softmax divides by temperature then applies a numerically stable
// softmax (subtract max before exponentiating).
func softmax(logits []float32, temperature float32) []float32 {
	scaled := make([]float32, len(logits))
	maxV := logits[0] / temperature
	for i, v := range logits {
		scaled[i] = v / temperature
		if scaled[i] > maxV {
			maxV = scaled[i]
		}
	}

	var sum float32
	out := make([]float32, len(logits))
	for i, v := range scaled {
		e := float32(math.Exp(float64(v - maxV)))
		out[i] = e
		sum += e
	}
	if sum == 0 {
		return out
	}
	inv := 1 / sum
	for i := range out {
		out[i] *= inv
	}
	return out
}

// topPFilter keeps the smallest prefix (candidates already sorted
// descending by probability) whose cumulative probability is at least p.
func topPFilter(candidates []candidate, p float64) []candidate {
	var cum float64
	for i, c := range candidates {
		cum += float64(c.prob)
		if cum >= p {
			return candidates[:i+1]
		}
	}
	return candidates
}

func renormalize(candidates []candidate) {
	var sum float32
	for _, c := range candidates {
		sum += c.prob
	}
	if sum == 0 {
		return
	}
	for i := range candidates {
		candidates[i].prob /= sum
	}
}

func inverseCDFSample(candidates []candidate, rng *rand.Rand) int {
	r := rng.Float64()
	var cum float64
	for _, c := range candidates {
		cum += float64(c.prob)
		if r <= cum {
			return c.id
		}
	}
	// floating point rounding can leave r slightly above the final
	// cumulative sum; fall back to the last candidate (the lowest-probability
	// one kept, since candidates are sorted descending) rather than panicking.
	return candidates[len(candidates)-1].id
}
