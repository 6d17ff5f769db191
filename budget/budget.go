// Package budget implements pre-flight and per-session memory accounting:
// a pure, idempotent estimate of the six components spec.md §4.5 names,
// and a CanProceed decision in either advisory or strict mode.
package budget

import "fmt"

// Mode selects how a budget check's refusal behaves.
type Mode int

const (
	// Advisory compares against 80% of detected available memory;
	// failures produce a warning, not a refusal.
	Advisory Mode = iota
	// Strict compares against an explicit hard limit with a safety
	// margin applied; failures refuse the operation.
	Strict
)

// overheadFraction is the fixed 10% accounted for allocator fragmentation,
// bookkeeping structures, and similar untracked overhead.
const overheadFraction = 0.10

// Hyperparams is the subset of ModelHandle hyperparameters the estimate
// depends on.
type Hyperparams struct {
	VocabSize int
	EmbedDim  int
	FFNDim    int
	Layers    int
	Heads     int
	KVHeads   int
	HeadDim   int
}

// Workload describes the request-shaped inputs to the estimate: batch
// size, sequence length, whether this is a training pass (activations and
// gradients/optimizer state are sized differently), and the weight
// precision in bytes per parameter (4 for f32, 2 for f16/bf16, 0.5 for Q4).
type Workload struct {
	Batch          int
	SeqLen         int
	Training       bool
	BytesPerParam  float64
	BytesPerKVElem float64
}

// BudgetRecord is the six-component breakdown plus the decision inputs.
type BudgetRecord struct {
	ModelParamBytes uint64
	ActivationBytes uint64
	KVCacheBytes    uint64
	GradientBytes   uint64
	OptimizerBytes  uint64
	OverheadBytes   uint64
	TotalBytes      uint64

	HardLimit    uint64
	SessionLimit uint64
	SafetyMargin float64
	Mode         Mode
}

func paramCount(h Hyperparams) uint64 {
	embedParams := uint64(h.EmbedDim) * uint64(h.EmbedDim) * 4 // q,k,v,o projections, approximated square
	ffnParams := uint64(h.EmbedDim) * uint64(h.FFNDim) * 3
	perLayer := embedParams + ffnParams
	return uint64(h.Layers)*perLayer + uint64(h.VocabSize)*uint64(h.EmbedDim)
}

// Estimate computes a BudgetRecord for the given hyperparameters and
// workload. The function is pure: identical inputs always produce an
// identical TotalBytes (testable property #5, budget monotonicity).
func Estimate(h Hyperparams, w Workload, hardLimit uint64, safetyMargin float64, mode Mode) (BudgetRecord, error) {
	if h.Layers <= 0 || h.EmbedDim <= 0 || h.Heads <= 0 || h.KVHeads <= 0 || h.HeadDim <= 0 {
		return BudgetRecord{}, fmt.Errorf("budget: invalid hyperparameters %+v", h)
	}
	if w.BytesPerParam <= 0 {
		return BudgetRecord{}, fmt.Errorf("budget: BytesPerParam must be positive")
	}
	kvBytes := w.BytesPerKVElem
	if kvBytes <= 0 {
		kvBytes = 4
	}

	modelParamBytes := uint64(float64(paramCount(h)) * w.BytesPerParam)

	// Activations: one layer at a time in inference; all layers with a
	// checkpointing overhead multiplier during training.
	perLayerActivation := uint64(w.Batch) * uint64(w.SeqLen) * uint64(h.EmbedDim) * 4
	var activationBytes uint64
	if w.Training {
		const checkpointOverhead = 2
		activationBytes = perLayerActivation * uint64(h.Layers) * checkpointOverhead
	} else {
		activationBytes = perLayerActivation
	}

	// KV cache: 2 (K and V) * layers * seqLen * kvHeads * headDim * bytesPerElem * batch.
	kvCacheBytes := uint64(2*h.Layers*w.SeqLen*h.KVHeads*h.HeadDim*w.Batch) * uint64(kvBytes)

	var gradientBytes, optimizerBytes uint64
	if w.Training {
		gradientBytes = modelParamBytes
		// Adam-style optimizer state: two f32 moments per parameter.
		optimizerBytes = uint64(float64(paramCount(h)) * 4 * 2)
	}

	subtotal := modelParamBytes + activationBytes + kvCacheBytes + gradientBytes + optimizerBytes
	overheadBytes := uint64(float64(subtotal) * overheadFraction)
	total := subtotal + overheadBytes

	return BudgetRecord{
		ModelParamBytes: modelParamBytes,
		ActivationBytes: activationBytes,
		KVCacheBytes:    kvCacheBytes,
		GradientBytes:   gradientBytes,
		OptimizerBytes:  optimizerBytes,
		OverheadBytes:   overheadBytes,
		TotalBytes:      total,
		HardLimit:       hardLimit,
		SessionLimit:    hardLimit,
		SafetyMargin:    safetyMargin,
		Mode:            mode,
	}, nil
}

// InsufficientMemoryError is returned by CanProceed in Strict mode when
// the estimate exceeds the effective hard limit.
type InsufficientMemoryError struct {
	TotalBytes     uint64
	EffectiveLimit uint64
}

func (e *InsufficientMemoryError) Error() string {
	return fmt.Sprintf("budget: insufficient memory: need %d bytes, effective limit is %d bytes", e.TotalBytes, e.EffectiveLimit)
}

// CanProceed applies the record's Mode: Advisory compares against 80% of
// availableBytes and never refuses (a false result is a warning for the
// caller to log, not an error); Strict compares against
// hardLimit*(1-safetyMargin) and returns InsufficientMemoryError on
// failure. CheckBeforeRun callers (session creation, generation requests)
// should treat a Strict failure as a refusal before any state change.
func CanProceed(r BudgetRecord, availableBytes uint64) (bool, error) {
	switch r.Mode {
	case Advisory:
		advisoryLimit := uint64(float64(availableBytes) * 0.8)
		return r.TotalBytes <= advisoryLimit, nil
	case Strict:
		effective := uint64(float64(r.HardLimit) * (1 - r.SafetyMargin))
		if r.TotalBytes > effective {
			return false, &InsufficientMemoryError{TotalBytes: r.TotalBytes, EffectiveLimit: effective}
		}
		return true, nil
	default:
		return false, fmt.Errorf("budget: unknown mode %d", r.Mode)
	}
}

// CheckBeforeRun is the single pure, idempotent entry point every session
// creation and generation request passes through.
func CheckBeforeRun(h Hyperparams, w Workload, hardLimit uint64, safetyMargin float64, mode Mode, availableBytes uint64) (BudgetRecord, bool, error) {
	record, err := Estimate(h, w, hardLimit, safetyMargin, mode)
	if err != nil {
		return BudgetRecord{}, false, err
	}
	ok, err := CanProceed(record, availableBytes)
	return record, ok, err
}
