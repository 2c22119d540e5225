// Package spiral is SPIRAL's public evaluation API: it wires together
// every internal component (operator/effect registries, the reference
// resolver, the synchronous/async/LIR evaluators, the PIR→LIR lowering
// pass, the scheduler and channel store, the race/deadlock detectors, and
// the observability stack) behind the five entry points spec.md §6 names:
// EvaluateProgram, EvaluateEIR, EvaluateLIR, EvaluateLIRAsync, and
// EvaluateAsync.
package spiral

import (
	"github.com/spiral-run/spiral/internal/docstore"
	"github.com/spiral-run/spiral/internal/domain"
	"github.com/spiral-run/spiral/internal/effect"
)

// DetectorOptions configures the race and deadlock detectors (C14,
// spec.md §4.8).
type DetectorOptions struct {
	// Race enables the race detector's bookkeeping for this evaluation.
	Race bool
	// Deadlock enables the deadlock detector's bookkeeping.
	Deadlock bool
	// AutoDetect runs both enabled detectors periodically in the
	// background (warn-only; findings are logged, not raised as errors).
	AutoDetect bool
	// DeadlockTimeoutMs, when positive, is the AutoDetect poll interval in
	// milliseconds; zero polls every detect.PollInterval. It is not read by
	// DetectDeadlocksWithTimeout/DetectRacesWithTimeout, which take their
	// timeout as an argument.
	DeadlockTimeoutMs int64
}

// Options configures one evaluation, spec.md §6's `{ maxSteps?, trace?,
// effects?, scheduler?, detectors? }`.
type Options struct {
	// MaxSteps bounds CFG/loop iteration (spec.md §5); New replaces a value
	// <= 0 with DefaultOptions().MaxSteps.
	MaxSteps int64
	// Trace turns on debug-level scheduler logging, otel spans per node/
	// task, and a trace Hub (Program.Hub) for live trace events.
	Trace bool
	// Scheduler selects the task ordering discipline (spec.md §4.4).
	Scheduler domain.SchedulerMode
	// Detectors configures the race/deadlock detectors.
	Detectors DetectorOptions
	// Effects are extra effect implementations registered alongside the
	// built-in io:print (always registered) and io:llmComplete
	// (registered only when LLMClient is set).
	Effects []effect.Effect
	// LLMClient, if set, registers the io:llmComplete effect
	// (SPEC_FULL.md §11's sashabaranov/go-openai binding) against it.
	LLMClient effect.LLMClient
	// DocStore backs the $ref resolver's document cache across runs; nil
	// defaults to a fresh docstore.MemoryStore per Program (no
	// persistence beyond one evaluation). A long-lived server wires a
	// shared docstore.BunStore here instead.
	DocStore docstore.Store
}

// DefaultOptions returns the spec's defaults: maxSteps 10,000 (spec.md
// §5), breadth-first scheduling, tracing and detectors off — grounded on
// the teacher's DefaultEngineConfig()-style plain-struct-constructor
// convention (SPEC_FULL.md §10).
func DefaultOptions() Options {
	return Options{
		MaxSteps:  10000,
		Scheduler: domain.SchedulerBreadthFirst,
	}
}
