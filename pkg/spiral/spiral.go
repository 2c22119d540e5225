package spiral

import (
	"context"
	"time"

	"github.com/spiral-run/spiral/internal/async"
	"github.com/spiral-run/spiral/internal/channelstore"
	"github.com/spiral-run/spiral/internal/detect"
	"github.com/spiral-run/spiral/internal/docstore"
	"github.com/spiral-run/spiral/internal/domain"
	"github.com/spiral-run/spiral/internal/effect"
	"github.com/spiral-run/spiral/internal/env"
	"github.com/spiral-run/spiral/internal/eval"
	"github.com/spiral-run/spiral/internal/lir"
	"github.com/spiral-run/spiral/internal/lowering"
	"github.com/spiral-run/spiral/internal/obslog"
	"github.com/spiral-run/spiral/internal/registry"
	"github.com/spiral-run/spiral/internal/resolver"
	"github.com/spiral-run/spiral/internal/scheduler"

	"github.com/rs/zerolog"
)

// Program wires one document's evaluation together: the operator/effect
// registries, the reference resolver, the synchronous/async/LIR
// evaluators, and (optionally, per Options.Detectors) the race and
// deadlock detectors, grounded on the teacher's engine.Engine construction
// (internal/engine/engine.go binds a workflow's executor/scheduler/
// storage the same way a Program binds an evaluation's components).
type Program struct {
	Doc       *domain.Document
	Operators *registry.Registry
	Effects   *effect.Registry
	Resolver  *resolver.Resolver
	Scheduler *scheduler.Scheduler
	Channels  *channelstore.Store
	Exprs     *eval.Evaluator
	Async     *async.Dispatcher
	LIR       *lir.Evaluator
	Logger    zerolog.Logger
	Hub       *obslog.Hub

	Race     *detect.RaceDetector
	Deadlock *detect.DeadlockDetector

	stopDetectors context.CancelFunc
}

// New builds a Program for doc under opts, merging extraDefs into doc's
// own $defs (spec.md §6's reusable external definitions, layered the same
// way the teacher layers a request-scoped override map over workflow
// defaults) before any node is evaluated.
func New(doc *domain.Document, ops *registry.Registry, extraDefs map[string]domain.Node, opts Options) (*Program, error) {
	if ops == nil {
		ops = registry.NewCoreRegistry()
	}
	if doc.Defs == nil {
		doc.Defs = make(map[string]domain.Node)
	}
	for id, n := range extraDefs {
		doc.Defs[id] = n
	}

	logger := obslog.New(opts.Trace)

	effects := effect.NewRegistry()
	_ = effects.Register(effect.NewPrintEffect(logger))
	if opts.LLMClient != nil {
		_ = effects.Register(effect.NewLLMCompleteEffect(opts.LLMClient))
	}
	for _, e := range opts.Effects {
		if err := effects.Register(e); err != nil {
			return nil, err
		}
	}

	var store docstore.Store = opts.DocStore
	if store == nil {
		store = docstore.NewMemoryStore()
	}
	res := resolver.New(docstore.Loader(store))
	res.RegisterDocument(doc.SourceURI, doc)

	maxSteps := opts.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultOptions().MaxSteps
	}
	mode := opts.Scheduler
	if mode == "" || !mode.IsValid() {
		mode = domain.SchedulerBreadthFirst
	}

	sched := scheduler.New(mode, maxSteps)
	sched.Trace = opts.Trace
	channels := channelstore.New()

	exprs := eval.New(doc, ops, effects, res, maxSteps)
	exprs.Trace = opts.Trace
	dispatcher := async.New(exprs, sched, channels)
	lirEval := lir.New(doc, ops, effects, res, exprs, maxSteps)
	lirEval.Trace = opts.Trace

	p := &Program{
		Doc:       doc,
		Operators: ops,
		Effects:   effects,
		Resolver:  res,
		Scheduler: sched,
		Channels:  channels,
		Exprs:     exprs,
		Async:     dispatcher,
		LIR:       lirEval,
		Logger:    logger,
	}

	if opts.Trace {
		p.Hub = obslog.NewHub(logger)
		go p.Hub.Run()
	}

	if opts.Detectors.Race {
		p.Race = detect.NewRaceDetector()
	}
	if opts.Detectors.Deadlock {
		p.Deadlock = detect.NewDeadlockDetector()
	}
	if opts.Detectors.AutoDetect && (p.Race != nil || p.Deadlock != nil) {
		p.startAutoDetect(opts.Detectors)
	}

	return p, nil
}

// startAutoDetect polls the enabled detectors on a background goroutine
// and logs (rather than raises) anything found, per spec.md §4.8's
// warn-only auto-detect mode. The poll interval is
// Detectors.DeadlockTimeoutMs when positive, else detect.PollInterval
// (100ms).
func (p *Program) startAutoDetect(d DetectorOptions) {
	interval := detect.PollInterval
	if d.DeadlockTimeoutMs > 0 {
		interval = time.Duration(d.DeadlockTimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.stopDetectors = cancel
	if p.Race != nil {
		p.Race.RunPeriodic(ctx, interval, func(reports []detect.RaceReport) {
			for _, r := range reports {
				p.Logger.Warn().Str("location", r.Location).Msg("data race detected")
				if p.Hub != nil {
					p.Hub.Broadcast(p.Doc.SourceURI, obslog.NewTraceEvent(obslog.EventRaceDetected, p.Doc.SourceURI))
				}
			}
		})
	}
	if p.Deadlock != nil {
		p.Deadlock.RunPeriodic(ctx, interval, func(cycles []detect.DeadlockCycle) {
			for _, c := range cycles {
				p.Logger.Warn().Strs("tasks", c.Tasks).Msg("deadlock detected")
				if p.Hub != nil {
					p.Hub.Broadcast(p.Doc.SourceURI, obslog.NewTraceEvent(obslog.EventDeadlockFound, p.Doc.SourceURI))
				}
			}
		})
	}
}

// Close stops any background auto-detect polling started for this
// Program. Safe to call on a Program with auto-detect disabled.
func (p *Program) Close() {
	if p.stopDetectors != nil {
		p.stopDetectors()
	}
}

// rootEnv builds the initial environment for one evaluation, with inputs
// bound as top-level variables (spec.md §6's optional `inputs` entry
// argument).
func rootEnv(inputs map[string]domain.Value) domain.Env {
	e := env.New()
	for name, v := range inputs {
		e = e.Extend(name, v)
	}
	return e
}

// State is the `{result, state}` shape evaluateEIR/evaluateLIR(Async)
// return per spec.md §6: the root's result value plus the final ref-cell
// snapshot a caller can inspect.
type State struct {
	Result domain.Value
	Cells  map[int]domain.Value
}

// EvaluateProgram evaluates doc's result node under the AIR/CIR/EIR/PIR
// tree-recursive evaluator (spec.md §6's `evaluateProgram`). extraDefs
// supplies reusable external definitions layered over doc's own $defs;
// inputs binds the root environment's initial variables.
func EvaluateProgram(doc *domain.Document, ops *registry.Registry, extraDefs map[string]domain.Node, inputs map[string]domain.Value, opts Options) (domain.Value, error) {
	p, err := New(doc, ops, extraDefs, opts)
	if err != nil {
		return domain.Value{}, err
	}
	defer p.Close()
	return p.Exprs.Eval(context.Background(), rootEnv(inputs), doc.Result)
}

// EvaluateEIR evaluates doc's result node the same way EvaluateProgram
// does (EIR's seq/assign/while/refCell/effect forms are handled by the
// same tree-recursive evaluator as AIR/CIR — there is no separate EIR
// evaluator type, per internal/eval's single Evaluator covering C7+C8),
// additionally returning the ref-cell table's final snapshot.
func EvaluateEIR(doc *domain.Document, ops *registry.Registry, extraDefs map[string]domain.Node, inputs map[string]domain.Value, opts Options) (State, error) {
	p, err := New(doc, ops, extraDefs, opts)
	if err != nil {
		return State{}, err
	}
	defer p.Close()
	result, err := p.Exprs.Eval(context.Background(), rootEnv(inputs), doc.Result)
	return State{Result: result, Cells: p.Exprs.RefCells.Snapshot()}, err
}

// EvaluateLIR evaluates doc's result node as a lowered LIR block graph
// (C12/C13, spec.md §6's `evaluateLIR`), synchronously.
func EvaluateLIR(doc *domain.Document, ops *registry.Registry, extraDefs map[string]domain.Node, inputs map[string]domain.Value, opts Options) (State, error) {
	p, err := New(doc, ops, extraDefs, opts)
	if err != nil {
		return State{}, err
	}
	defer p.Close()
	result, err := p.LIR.Eval(context.Background(), rootEnv(inputs), doc.Result)
	return State{Result: result, Cells: p.Exprs.RefCells.Snapshot()}, err
}

// EvaluateLIRAsync evaluates doc's result node as a lowered LIR block
// graph on a spawned goroutine, returning a channel that yields exactly
// once (spec.md §6's `Promise<{result, state}>`), grounded on the
// teacher's executor.ExecuteAsync (internal/application/executor) pattern
// of a fire-and-report-on-a-channel goroutine rather than a blocking call.
func EvaluateLIRAsync(doc *domain.Document, ops *registry.Registry, extraDefs map[string]domain.Node, inputs map[string]domain.Value, opts Options) <-chan Result[State] {
	out := make(chan Result[State], 1)
	go func() {
		defer close(out)
		state, err := EvaluateLIR(doc, ops, extraDefs, inputs, opts)
		out <- Result[State]{Value: state, Err: err}
	}()
	return out
}

// EvaluateAsync evaluates doc's result node under the tree-recursive
// evaluator on a spawned goroutine (spec.md §6's `evaluateAsync`).
func EvaluateAsync(doc *domain.Document, ops *registry.Registry, extraDefs map[string]domain.Node, inputs map[string]domain.Value, opts Options) <-chan Result[domain.Value] {
	out := make(chan Result[domain.Value], 1)
	go func() {
		defer close(out)
		v, err := EvaluateProgram(doc, ops, extraDefs, inputs, opts)
		out <- Result[domain.Value]{Value: v, Err: err}
	}()
	return out
}

// Result carries one async entry point's outcome, Go's answer to a
// JavaScript Promise's resolve/reject pair.
type Result[T any] struct {
	Value T
	Err   error
}

// Lower lowers doc's result node from a PIR expression-tree form into a
// new LIR block node and redirects doc.Result to it (C13, spec.md §4.7);
// nodes the result node references are not lowered. Callers that want to run
// under EvaluateLIR/EvaluateLIRAsync against a document built only in
// expression-tree form call Lower once before evaluating.
func Lower(doc *domain.Document) error {
	lw := lowering.New(doc)
	blockID, err := lw.LowerNode(doc.Result)
	if err != nil {
		return err
	}
	doc.Result = blockID
	return nil
}
