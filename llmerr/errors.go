// Package llmerr defines the structured error kinds the engine can return,
// so hosts can dispatch on kind (via errors.As) instead of string
// parsing. Each kind carries the fields needed for programmatic
// remediation: tokens observed, limits, paths.
package llmerr

import "fmt"

// UnsupportedModelError reports a model file with the wrong magic or an
// unsupported version.
type UnsupportedModelError struct {
	Path    string
	Magic   uint32
	Version uint32
}

func (e *UnsupportedModelError) Error() string {
	return fmt.Sprintf("llmrt: unsupported model %q (magic=%#x version=%d)", e.Path, e.Magic, e.Version)
}

// UnsupportedQuantTypeError reports an unrecognized weight block encoding.
type UnsupportedQuantTypeError struct {
	TensorName string
	QuantType  string
}

func (e *UnsupportedQuantTypeError) Error() string {
	return fmt.Sprintf("llmrt: unsupported quantization type %q on tensor %q", e.QuantType, e.TensorName)
}

// ContextLimitExceededError reports a prompt (or prompt+generation) that
// exceeds the model's context length.
//
// The teacher's source carries two incompatible shapes of this error
// under the same name; this is the resolved, canonical shape carrying the
// union of fields (see DESIGN.md open-question resolution): the token
// count actually observed, the limit it was checked against, and how many
// of those tokens were already-cached history versus new prompt tokens.
type ContextLimitExceededError struct {
	Tokens      int
	Limit       int
	CachedTokens int
}

func (e *ContextLimitExceededError) Error() string {
	return fmt.Sprintf("llmrt: context limit exceeded: %d tokens (%d cached) exceeds limit %d", e.Tokens, e.CachedTokens, e.Limit)
}

// BudgetExceededError reports decode-time or new-token budget exhaustion
// mid-generation (distinct from the pre-flight InsufficientMemoryError,
// which refuses before any state change).
type BudgetExceededError struct {
	Reason string
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("llmrt: budget exceeded: %s", e.Reason)
}

// InsufficientMemoryError reports a strict-mode budget refusal. It
// mirrors budget.InsufficientMemoryError; the engine wraps the budget
// package's error into this type so callers only need to recognize one
// error surface regardless of which subsystem raised it.
type InsufficientMemoryError struct {
	TotalBytes     uint64
	EffectiveLimit uint64
}

func (e *InsufficientMemoryError) Error() string {
	return fmt.Sprintf("llmrt: insufficient memory: need %d bytes, effective limit %d bytes", e.TotalBytes, e.EffectiveLimit)
}

// CapacityError reports a KV cache append attempted against a Full cache.
type CapacityError struct {
	MaxSeqLen  int
	CurrentLen int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("llmrt: kv cache capacity exceeded: %d/%d positions", e.CurrentLen, e.MaxSeqLen)
}

// SessionBusyError reports a second generation attempted on a session
// that already has one in flight.
type SessionBusyError struct {
	SessionID string
}

func (e *SessionBusyError) Error() string {
	return fmt.Sprintf("llmrt: session %s is busy with another generation", e.SessionID)
}

// SecurityViolationError reports input failing a configured policy.
type SecurityViolationError struct {
	Policy string
	Detail string
}

func (e *SecurityViolationError) Error() string {
	return fmt.Sprintf("llmrt: security violation (%s): %s", e.Policy, e.Detail)
}

// StorageError reports file I/O or memory-mapping failure.
type StorageError struct {
	Path string
	Op   string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("llmrt: storage error during %s of %q: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// CancelledError reports cooperative cancellation of a generation
// request.
type CancelledError struct {
	TokensEmitted int
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("llmrt: cancelled after %d tokens", e.TokensEmitted)
}

// TimeoutError reports a generation request's deadline elapsing.
type TimeoutError struct {
	TokensEmitted int
	TimeoutMs     int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("llmrt: timed out after %dms, %d tokens emitted", e.TimeoutMs, e.TokensEmitted)
}
