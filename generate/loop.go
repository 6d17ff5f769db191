// Package generate implements the generation loop: the validate / prefill
// / decode / finalize state machine that turns a prompt token sequence
// into a stream of sampled tokens, composing the kv cache, kernels (via
// the Model the caller wires in), sampler, budget check, scratch pool and
// telemetry hooks.
package generate

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/coreml/llmrt/budget"
	"github.com/coreml/llmrt/kvcache"
	"github.com/coreml/llmrt/llmerr"
	"github.com/coreml/llmrt/sample"
	"github.com/coreml/llmrt/scratch"
	"github.com/coreml/llmrt/telemetry"
)

// Mode selects whether seeded sampling is required for determinism.
type Mode int

const (
	Deterministic Mode = iota
	Exploratory
)

// Options is GenerationOptions: the recognised, documented-default
// per-request configuration.
type Options struct {
	MaxNewTokens     int
	MaxContextTokens int
	TimeoutMs        int
	Mode             Mode
	Seed             uint64
	Temperature      float64
	TopK             int
	TopP             float64
	Stop             []string
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		MaxNewTokens:     100,
		MaxContextTokens: 4096,
		TimeoutMs:        0,
		Mode:             Exploratory,
		Seed:             42,
		Temperature:      0.8,
		TopK:             40,
		TopP:             0.95,
	}
}

// withDefaults fills a zero MaxNewTokens, MaxContextTokens or TopP with its
// documented default. Temperature, TopK and Seed keep the caller's value
// even when it is zero.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxNewTokens == 0 {
		o.MaxNewTokens = d.MaxNewTokens
	}
	if o.MaxContextTokens == 0 {
		o.MaxContextTokens = d.MaxContextTokens
	}
	if o.TopP == 0 {
		o.TopP = d.TopP
	}
	return o
}

// effectiveSeed returns the seed this request should sample with: in
// Deterministic mode, or whenever temperature is above zero, the seed is
// load-bearing; Exploratory mode with temperature 0 degenerates to
// argmax anyway so the seed is moot there.
func (o Options) effectiveSeed() uint64 {
	return o.Seed
}

// FinishReason is why a generation stopped.
type FinishReason string

const (
	FinishLength    FinishReason = "length"
	FinishStop      FinishReason = "stop"
	FinishTimeout   FinishReason = "timeout"
	FinishCancelled FinishReason = "cancelled"
	FinishBudget    FinishReason = "budget"
	FinishError     FinishReason = "error"
)

// Request is a GenerationRequest.
type Request struct {
	PromptTokens []int
	Options      Options
}

// Response is the non-streaming summary of a completed generation.
type Response struct {
	Tokens           []int
	FinishReason     FinishReason
	PromptTokens     int
	CompletionTokens int
	TTFTMs           float64
	TokensPerSec     float64
}

// EventKind discriminates the Event stream's variants.
type EventKind int

const (
	EventStarted EventKind = iota
	EventToken
	EventCompleted
	EventError
	EventCancelled
)

// Event is one entry in the streaming event contract. Exactly one
// terminal event (Completed, Error, Cancelled) is ever sent per request.
type Event struct {
	Kind           EventKind
	Text           string
	TokenID        int
	GeneratedCount int
	IsFinal        bool
	Err            error
	Response       Response
}

// Model is the forward-pass collaborator the loop drives: it owns the
// weight tensors and kernel composition, and appends to the supplied
// cache as it goes. Forward must write exactly VocabSize() logits into
// logitsOut for the last token position, whether given a prefill batch
// or a single decode token.
type Model interface {
	VocabSize() int
	ContextLength() int
	Detokenize(tokenID int) string
	Forward(ctx context.Context, tokens []int, cache *kvcache.Cache, logitsOut []float32) error
}

// Loop owns the resources a generation request needs beyond the model
// itself: the shared scratch pool, the budget inputs, and telemetry.
type Loop struct {
	Model Model

	Hyperparams    budget.Hyperparams
	HardLimit      uint64
	SafetyMargin   float64
	BudgetMode     budget.Mode
	AvailableBytes uint64
	BytesPerParam  float64
	BytesPerKVElem float64

	Pool  *scratch.Pool
	Hooks telemetry.Hooks
}

func (l *Loop) hooks() telemetry.Hooks {
	if l.Hooks == nil {
		return telemetry.Null{}
	}
	return l.Hooks
}

// Run performs Validate synchronously, returning a pre-flight error with
// no event sent and no cache mutation if validation fails (ContextLimit,
// strict-mode budget refusal). Once validation passes, it starts
// Prefill/Decode/Finalize on a goroutine and returns the event channel;
// the channel is closed after the terminal event.
func (l *Loop) Run(ctx context.Context, sessionID string, cache *kvcache.Cache, req Request) (<-chan Event, error) {
	opts := req.Options.withDefaults()

	contextLimit := opts.MaxContextTokens
	if l.Model != nil {
		if cl := l.Model.ContextLength(); cl > 0 && cl < contextLimit {
			contextLimit = cl
		}
	}

	totalTokens := cache.CurrentSeqLen() + len(req.PromptTokens)
	if totalTokens > contextLimit {
		return nil, &llmerr.ContextLimitExceededError{
			Tokens:       totalTokens,
			Limit:        contextLimit,
			CachedTokens: cache.CurrentSeqLen(),
		}
	}

	workload := budget.Workload{
		Batch:          1,
		SeqLen:         totalTokens + opts.MaxNewTokens,
		BytesPerParam:  l.BytesPerParam,
		BytesPerKVElem: l.BytesPerKVElem,
	}
	_, ok, err := budget.CheckBeforeRun(l.Hyperparams, workload, l.HardLimit, l.SafetyMargin, l.BudgetMode, l.AvailableBytes)
	if err != nil {
		var insufficient *budget.InsufficientMemoryError
		if errors.As(err, &insufficient) {
			return nil, &llmerr.InsufficientMemoryError{
				TotalBytes:     insufficient.TotalBytes,
				EffectiveLimit: insufficient.EffectiveLimit,
			}
		}
		return nil, err
	}
	if !ok && l.BudgetMode == budget.Advisory {
		l.hooks().OnKvCacheBudgetExceeded(sessionID, int(workload.SeqLen), int(l.AvailableBytes))
	}

	events := make(chan Event)
	go l.run(ctx, sessionID, cache, req.PromptTokens, opts, events)
	return events, nil
}

func (l *Loop) run(ctx context.Context, sessionID string, cache *kvcache.Cache, promptTokens []int, opts Options, events chan<- Event) {
	defer close(events)

	start := time.Now()
	hooks := l.hooks()
	hooks.OnRequestStart(sessionID, len(promptTokens))
	events <- Event{Kind: EventStarted}

	runCtx := ctx
	if opts.TimeoutMs > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(opts.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	vocabSize := l.Model.VocabSize()
	scope := l.Pool.NewScope(false)
	defer scope.Close()
	logits := scope.Rent(vocabSize)[:vocabSize]

	if len(promptTokens) > 0 {
		if err := l.Model.Forward(runCtx, promptTokens, cache, logits); err != nil {
			l.finalize(sessionID, hooks, events, start, nil, FinishError, err)
			return
		}
		hooks.OnContextPolicyApplied(sessionID, len(promptTokens), 0)
	}

	var generated []int
	var text strings.Builder
	firstTokenSent := false

	finish, genErr := l.decodeTokens(runCtx, sessionID, cache, opts, hooks, logits, &generated, &text, &firstTokenSent, events, start)
	l.finalize(sessionID, hooks, events, start, generated, finish, genErr)
}

// decodeTokens runs the per-token decode steps until a stop condition is
// reached, returning the finish reason and (if FinishError) the error.
func (l *Loop) decodeTokens(
	ctx context.Context,
	sessionID string,
	cache *kvcache.Cache,
	opts Options,
	hooks telemetry.Hooks,
	logits []float32,
	generated *[]int,
	text *strings.Builder,
	firstTokenSent *bool,
	events chan<- Event,
	start time.Time,
) (FinishReason, error) {
	for step := 0; step < opts.MaxNewTokens; step++ {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return FinishTimeout, nil
			}
			return FinishCancelled, nil
		default:
		}

		tokenID := sample.Sample(logits, sample.Options{
			Temperature: opts.Temperature,
			TopK:        opts.TopK,
			TopP:        opts.TopP,
			Seed:        opts.effectiveSeed() + uint64(step),
		})

		*generated = append(*generated, tokenID)
		tokenText := l.Model.Detokenize(tokenID)
		text.WriteString(tokenText)

		if !*firstTokenSent {
			hooks.OnFirstToken(sessionID, float64(time.Since(start).Microseconds())/1000.0)
			*firstTokenSent = true
		}

		stopped := matchesAnyStopSuffix(text.String(), opts.Stop)
		lastByCount := step == opts.MaxNewTokens-1
		isFinal := stopped || lastByCount

		events <- Event{
			Kind:           EventToken,
			Text:           tokenText,
			TokenID:        tokenID,
			GeneratedCount: len(*generated),
			IsFinal:        isFinal,
		}

		if stopped {
			return FinishStop, nil
		}
		if lastByCount {
			return FinishLength, nil
		}

		hooks.OnKvCacheAccess(sessionID, -1, telemetry.KvCacheWrite, 1)
		if err := l.Model.Forward(ctx, []int{tokenID}, cache, logits); err != nil {
			var capacityErr *kvcache.CapacityError
			if errors.As(err, &capacityErr) {
				return FinishBudget, nil
			}
			return FinishError, err
		}
	}

	return FinishLength, nil
}

func matchesAnyStopSuffix(text string, stops []string) bool {
	for _, s := range stops {
		if s != "" && strings.HasSuffix(text, s) {
			return true
		}
	}
	return false
}

func (l *Loop) finalize(sessionID string, hooks telemetry.Hooks, events chan<- Event, start time.Time, generated []int, finish FinishReason, err error) {
	elapsed := time.Since(start)
	resp := Response{
		Tokens:           generated,
		FinishReason:     finish,
		CompletionTokens: len(generated),
		TTFTMs:           float64(elapsed.Microseconds()) / 1000.0,
	}
	if elapsed.Seconds() > 0 {
		resp.TokensPerSec = float64(len(generated)) / elapsed.Seconds()
	}

	switch finish {
	case FinishError:
		hooks.OnRequestComplete(sessionID, len(generated), string(finish))
		events <- Event{Kind: EventError, Err: err, Response: resp}
	case FinishCancelled, FinishTimeout:
		reason := finish
		hooks.OnRequestComplete(sessionID, len(generated), string(reason))
		events <- Event{Kind: EventCancelled, Response: resp}
	default:
		hooks.OnRequestComplete(sessionID, len(generated), string(finish))
		events <- Event{Kind: EventCompleted, Response: resp}
	}
}
