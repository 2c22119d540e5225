// Package eval implements SPIRAL's synchronous evaluator (C7: AIR/CIR
// dispatch) and its EIR extensions (C8: sequencing, assignment, loops,
// refCell/deref, effect dispatch, try/catch). PIR's async forms
// (par/spawn/await/channel/send/recv/select/race) are not evaluated here;
// they are delegated to an injected AsyncDispatcher (internal/async, C9)
// so the synchronous evaluator stays usable standalone for pure AIR/CIR
// documents with zero async machinery, per spec.md's layered-IR design.
package eval

import (
	"context"
	"sync/atomic"

	"github.com/spiral-run/spiral/internal/domain"
	"github.com/spiral-run/spiral/internal/effect"
	"github.com/spiral-run/spiral/internal/env"
	"github.com/spiral-run/spiral/internal/obslog"
	"github.com/spiral-run/spiral/internal/registry"
	"github.com/spiral-run/spiral/internal/resolver"
)

// AsyncDispatcher evaluates the PIR-only expression kinds. The
// synchronous Evaluator calls back into it for par/spawn/await/channel/
// send/recv/select/race nodes; internal/async implements it (C9).
type AsyncDispatcher interface {
	EvalAsync(ctx context.Context, rootEnv, e domain.Env, expr *domain.Expr) (domain.Value, error)
}

// Evaluator holds everything a single document evaluation shares: the
// operator and effect registries, the reference resolver, the node-value
// memo cache and ref-cell table (C2), a global step counter for
// checkGlobalSteps (spec.md §8's non-termination guard), and an optional
// async dispatcher.
type Evaluator struct {
	Doc       *domain.Document
	Operators *registry.Registry
	Effects   *effect.Registry
	Resolver  *resolver.Resolver
	Memo      *env.MemoCache
	RefCells  *env.RefCellTable
	Async     AsyncDispatcher
	MaxSteps  int64
	// Trace opens an otel span per bound-node evaluation (SPEC_FULL.md
	// §11); left false by default so Eval costs nothing extra when
	// tracing is off.
	Trace bool

	steps atomic.Int64
}

// New constructs an Evaluator. maxSteps <= 0 means unbounded (only
// appropriate for trusted, terminating documents — spec.md's
// checkGlobalSteps is the standard non-termination guard).
func New(doc *domain.Document, ops *registry.Registry, effects *effect.Registry, res *resolver.Resolver, maxSteps int64) *Evaluator {
	return &Evaluator{
		Doc:       doc,
		Operators: ops,
		Effects:   effects,
		Resolver:  res,
		Memo:      env.NewMemoCache(),
		RefCells:  env.NewRefCellTable(),
		MaxSteps:  maxSteps,
	}
}

// loopSafetyCap bounds a single while/for/iter loop's iteration count
// (spec.md §4.2/§9), independent of and in addition to checkGlobalSteps'
// document-wide MaxSteps budget. Unlike checkGlobalSteps, overflowing this
// cap is not an error: the loop silently stops and the expression returns
// normally, the soft non-termination guard spec.md §4.2 describes.
const loopSafetyCap = 10000

// checkGlobalSteps increments and tests this evaluator's step counter, the
// hook SPEC_FULL.md names as the first-class LIR-callable suspension point.
// The LIR evaluator (C12) keeps a separate counter in its own
// checkGlobalSteps; expressions it hands to this evaluator count here.
func (ev *Evaluator) checkGlobalSteps() error {
	if ev.MaxSteps <= 0 {
		return nil
	}
	if ev.steps.Add(1) > ev.MaxSteps {
		return domain.NewFault(domain.ErrNonTermination, "exceeded maximum evaluation steps", nil)
	}
	return nil
}

// Eval evaluates the node named by nodeID against rootEnv, the
// environment top-level bound-node references resolve in (spec.md §4.1's
// bound-node discipline: a node addressed by id is evaluated at most once
// per document evaluation and memoized).
func (ev *Evaluator) Eval(ctx context.Context, rootEnv domain.Env, nodeID string) (domain.Value, error) {
	return ev.evalBoundNode(ctx, rootEnv, nodeID)
}

// evalBoundNode evaluates nodeID in rootEnv, memoizing the result under
// the node id (spec.md §4.1's bound-node discipline). It must only be
// used for references that are invariant across a whole evaluation —
// never for a closure's body or a default-parameter expression, both of
// which depend on the specific call's environment and would otherwise be
// incorrectly cached after their first invocation.
func (ev *Evaluator) evalBoundNode(ctx context.Context, rootEnv domain.Env, nodeID string) (domain.Value, error) {
	var computeErr error
	v, err := ev.Memo.GetOrCompute(nodeID, func() (domain.Value, error) {
		spanCtx, span := obslog.StartNodeSpan(ctx, ev.Trace, nodeID)
		val, eerr := ev.evalNodeInEnv(spanCtx, rootEnv, nodeID)
		obslog.RecordSpanError(spanCtx, eerr)
		span.End()
		if eerr != nil {
			computeErr = eerr
			return domain.Void, eerr
		}
		return val, nil
	})
	if computeErr != nil {
		return domain.Void, computeErr
	}
	return v, err
}

// evalNodeInEnv resolves nodeID and evaluates its expression directly
// against e, with no memoization — the path closures, fix, and airDef
// applications use, since their body's meaning depends on the call's
// environment rather than being a single shared top-level value.
func (ev *Evaluator) evalNodeInEnv(ctx context.Context, e domain.Env, nodeID string) (domain.Value, error) {
	node, _, rerr := ev.Resolver.Resolve(ev.Doc, nodeID)
	if rerr != nil {
		return domain.Void, rerr
	}
	if node.Kind != domain.NodeKindExpression {
		return domain.Void, domain.NewFault(domain.ErrValidationError, "referenced node is not an expression: "+nodeID, nil)
	}
	return ev.evalExpr(ctx, e, node.Expr)
}

// evalArg evaluates a node-id-or-inline-expression argument: a Ref goes
// through the memoized bound-node path (evaluated in rootEnv); an Inline
// expression evaluates directly against the caller's current env.
func (ev *Evaluator) evalArg(ctx context.Context, rootEnv, e domain.Env, a *domain.Arg) (domain.Value, error) {
	if a == nil {
		return domain.Void, nil
	}
	if a.IsRef() {
		return ev.evalBoundNode(ctx, rootEnv, a.Ref)
	}
	return ev.evalExprWithRoot(ctx, rootEnv, e, *a.Inline)
}

// evalExpr evaluates expr against env as both the lexical and the
// bound-node root — used at the top of evalBoundNode where there is no
// separate outer root yet.
func (ev *Evaluator) evalExpr(ctx context.Context, e domain.Env, expr *domain.Expr) (domain.Value, error) {
	return ev.evalExprWithRoot(ctx, e, e, *expr)
}

// evalExprWithRoot is the real dispatcher: rootEnv is threaded through
// unchanged for bound-node memoization, e is the current lexical
// environment expression forms recurse with.
func (ev *Evaluator) evalExprWithRoot(ctx context.Context, rootEnv, e domain.Env, expr domain.Expr) (domain.Value, error) {
	if err := ev.checkGlobalSteps(); err != nil {
		return domain.Void, err
	}

	switch expr.Kind {
	case domain.ExprLit:
		return expr.LitValue, nil

	case domain.ExprVar:
		v, ok := e.Lookup(expr.Name)
		if !ok {
			return domain.Errorf(domain.ErrUnboundIdentifier, "unbound identifier %q", expr.Name), nil
		}
		return v, nil

	case domain.ExprRefNode:
		return ev.evalBoundNode(ctx, rootEnv, expr.NS)

	case domain.ExprIf:
		cond, err := ev.evalArg(ctx, rootEnv, e, expr.Cond)
		if err != nil {
			return domain.Void, err
		}
		if cond.IsError() {
			return cond, nil
		}
		truthy, ok := cond.Truthy()
		if !ok {
			return domain.Errorf(domain.ErrTypeError, "if: condition must be boolean, got %s", cond.TypeName()), nil
		}
		if truthy {
			return ev.evalArg(ctx, rootEnv, e, expr.Then)
		}
		return ev.evalArg(ctx, rootEnv, e, expr.Else)

	case domain.ExprLet:
		val, err := ev.evalArg(ctx, rootEnv, e, expr.Value)
		if err != nil {
			return domain.Void, err
		}
		if val.IsError() {
			return val, nil
		}
		child := e.Extend(expr.Name, val)
		return ev.evalArg(ctx, rootEnv, child, expr.Body)

	case domain.ExprLambda:
		return domain.ClosureVal(&domain.Closure{Params: expr.Params, BodyRef: expr.BodyRef, Env: e}), nil

	case domain.ExprFix:
		fnVal, err := ev.evalArg(ctx, rootEnv, e, expr.Fn)
		if err != nil {
			return domain.Void, err
		}
		if fnVal.IsError() {
			return fnVal, nil
		}
		if fnVal.Kind != domain.KindClosure || len(fnVal.Closure.Params) == 0 {
			return domain.Errorf(domain.ErrTypeError, "fix expects a closure of at least one parameter, got %s", fnVal.TypeName()), nil
		}
		// Splice the closure's own name into its captured environment so
		// applications of the closure can refer to themselves
		// (spec.md §4.1's self-referential `fix`). This only has an
		// observable effect for a named closure (Closure.Name set, which a
		// plain ExprLambda never produces; evalAirRef's closures do): when
		// selfName falls back to Params[0].Name, applyClosure's own
		// positional binding of that same parameter always overwrites this
		// splice on every call, so the working self-reference convention is
		// the explicit `self self (n-1)` form exercised in tests, not a bare
		// `self(n-1)`.
		selfName := fnVal.Closure.Params[0].Name
		if fnVal.Closure.Name != "" {
			selfName = fnVal.Closure.Name
		}
		fnVal.Closure.Env.Bind(selfName, fnVal)
		return fnVal, nil

	case domain.ExprDo:
		var last domain.Value = domain.Void
		for i := range expr.Exprs {
			v, err := ev.evalArg(ctx, rootEnv, e, &expr.Exprs[i])
			if err != nil {
				return domain.Void, err
			}
			if v.IsError() {
				return v, nil
			}
			last = v
		}
		return last, nil

	case domain.ExprCall:
		return ev.evalCall(ctx, rootEnv, e, expr.NS, expr.Args)

	case domain.ExprCallExpr:
		fnVal, err := ev.evalArg(ctx, rootEnv, e, expr.Fn)
		if err != nil {
			return domain.Void, err
		}
		if fnVal.IsError() {
			return fnVal, nil
		}
		args, aerr := ev.evalArgs(ctx, rootEnv, e, expr.Args)
		if aerr != nil {
			return domain.Void, aerr
		}
		if errVal, isErr := firstError(args); isErr {
			return errVal, nil
		}
		return ev.applyClosure(ctx, fnVal, args)

	case domain.ExprAirRef:
		return ev.evalAirRef(ctx, rootEnv, e, expr.NS, expr.Args)

	case domain.ExprPredicate:
		val, err := ev.evalArg(ctx, rootEnv, e, expr.PredicateVal)
		if err != nil {
			return domain.Void, err
		}
		if val.IsError() {
			return val, nil
		}
		return evalPredicate(expr.PredicateName, val), nil

	// --- EIR (C8) ---
	case domain.ExprSeq:
		var last domain.Value = domain.Void
		for i := range expr.Exprs {
			v, err := ev.evalArg(ctx, rootEnv, e, &expr.Exprs[i])
			if err != nil {
				return domain.Void, err
			}
			if v.IsError() {
				return v, nil
			}
			last = v
		}
		return last, nil

	case domain.ExprAssign:
		val, err := ev.evalArg(ctx, rootEnv, e, expr.Value)
		if err != nil {
			return domain.Void, err
		}
		if val.IsError() {
			return val, nil
		}
		id := ev.RefCells.EnsureNamed(expr.Name)
		ev.RefCells.Set(id, val)
		return domain.Void, nil

	case domain.ExprRefCell:
		id, ok := ev.RefCells.LookupNamed(expr.Name)
		if !ok {
			return domain.RefCellVal(-1), nil
		}
		return domain.RefCellVal(id), nil

	case domain.ExprDeref:
		id, ok := ev.RefCells.LookupNamed(expr.Name)
		if !ok {
			return domain.Void, nil
		}
		return ev.RefCells.Get(id), nil

	case domain.ExprWhile:
		for iterations := 0; iterations < loopSafetyCap; iterations++ {
			cond, err := ev.evalArg(ctx, rootEnv, e, expr.Cond)
			if err != nil {
				return domain.Void, err
			}
			if cond.IsError() {
				return cond, nil
			}
			truthy, ok := cond.Truthy()
			if !ok {
				return domain.Errorf(domain.ErrTypeError, "while: condition must be boolean, got %s", cond.TypeName()), nil
			}
			if !truthy {
				return domain.Void, nil
			}
			if _, err := ev.evalArg(ctx, rootEnv, e, expr.Body); err != nil {
				return domain.Void, err
			}
			if err := ev.checkGlobalSteps(); err != nil {
				return domain.Void, err
			}
		}
		return domain.Void, nil

	case domain.ExprFor:
		child := e
		if expr.Init != nil {
			v, err := ev.evalArg(ctx, rootEnv, e, expr.Init)
			if err != nil {
				return domain.Void, err
			}
			if v.IsError() {
				return v, nil
			}
			child = e.Extend(expr.Name, v)
		}
		for iterations := 0; iterations < loopSafetyCap; iterations++ {
			cond, err := ev.evalArg(ctx, rootEnv, child, expr.Cond)
			if err != nil {
				return domain.Void, err
			}
			if cond.IsError() {
				return cond, nil
			}
			truthy, ok := cond.Truthy()
			if !ok {
				return domain.Errorf(domain.ErrTypeError, "for: condition must be boolean, got %s", cond.TypeName()), nil
			}
			if !truthy {
				return domain.Void, nil
			}
			if _, err := ev.evalArg(ctx, rootEnv, child, expr.Body); err != nil {
				return domain.Void, err
			}
			next, err := ev.evalArg(ctx, rootEnv, child, expr.Update)
			if err != nil {
				return domain.Void, err
			}
			if next.IsError() {
				return next, nil
			}
			child = child.Extend(expr.Name, next)
			if err := ev.checkGlobalSteps(); err != nil {
				return domain.Void, err
			}
		}
		return domain.Void, nil

	case domain.ExprIter:
		iterable, err := ev.evalArg(ctx, rootEnv, e, expr.Iter)
		if err != nil {
			return domain.Void, err
		}
		if iterable.IsError() {
			return iterable, nil
		}
		var items []domain.Value
		switch iterable.Kind {
		case domain.KindList:
			items = iterable.List
		case domain.KindSet:
			items = iterable.Set
		default:
			return domain.Errorf(domain.ErrTypeError, "iter expects a list or set, got %s", iterable.TypeName()), nil
		}
		var last domain.Value = domain.Void
		for i, item := range items {
			if i >= loopSafetyCap {
				break
			}
			child := e.Extend(expr.Name, item)
			v, err := ev.evalArg(ctx, rootEnv, child, expr.Body)
			if err != nil {
				return domain.Void, err
			}
			if v.IsError() {
				return v, nil
			}
			last = v
			if err := ev.checkGlobalSteps(); err != nil {
				return domain.Void, err
			}
		}
		return last, nil

	case domain.ExprEffect:
		args, aerr := ev.evalArgs(ctx, rootEnv, e, expr.Args)
		if aerr != nil {
			return domain.Void, aerr
		}
		if errVal, isErr := firstError(args); isErr {
			return errVal, nil
		}
		if ev.Effects == nil {
			return domain.Errorf(domain.ErrUnknownOperator, "no effect registry configured for %s", expr.NS), nil
		}
		ns, name := splitNS(expr.NS)
		return ev.Effects.Call(ctx, ns, name, args), nil

	case domain.ExprTry:
		val, err := ev.evalArg(ctx, rootEnv, e, expr.Body)
		if err != nil {
			return domain.Void, err
		}
		if !val.IsError() {
			return val, nil
		}
		if expr.CatchBody != nil {
			child := e.Extend(expr.CatchParam, val)
			return ev.evalArg(ctx, rootEnv, child, expr.CatchBody)
		}
		if expr.Fallback != nil {
			return ev.evalArg(ctx, rootEnv, e, expr.Fallback)
		}
		return val, nil

	default:
		if ev.Async == nil {
			return domain.Void, domain.NewFault(domain.ErrValidationError, "no async dispatcher configured for expression kind "+string(expr.Kind), nil)
		}
		return ev.Async.EvalAsync(ctx, rootEnv, e, &expr)
	}
}

// EvalArg exposes evalArg for the async dispatcher (C9): an ordinary
// node-id-or-inline argument evaluated with rootEnv as the bound-node
// memoization root and e as the current lexical environment.
func (ev *Evaluator) EvalArg(ctx context.Context, rootEnv, e domain.Env, a *domain.Arg) (domain.Value, error) {
	return ev.evalArg(ctx, rootEnv, e, a)
}

// EvalTaskArg evaluates a task argument (spawn's task, race's tasks) against
// env as both the lexical and bound-node root. Tasks run under their own
// captured/snapshotted environment, detached from the memoized top-level
// bound-node cache of whichever evaluation spawned them — using the ordinary
// evalArg/evalBoundNode path here would incorrectly memoize a task body by
// node id alone, ignoring which captured environment it ran under (the same
// hazard applyClosure avoids for closure bodies).
func (ev *Evaluator) EvalTaskArg(ctx context.Context, taskEnv domain.Env, a *domain.Arg) (domain.Value, error) {
	if a == nil {
		return domain.Void, nil
	}
	if a.IsRef() {
		return ev.evalNodeInEnv(ctx, taskEnv, a.Ref)
	}
	return ev.evalExprWithRoot(ctx, taskEnv, taskEnv, *a.Inline)
}

func (ev *Evaluator) evalArgs(ctx context.Context, rootEnv, e domain.Env, args []domain.Arg) ([]domain.Value, error) {
	out := make([]domain.Value, len(args))
	for i := range args {
		v, err := ev.evalArg(ctx, rootEnv, e, &args[i])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func firstError(vs []domain.Value) (domain.Value, bool) {
	for _, v := range vs {
		if v.IsError() {
			return v, true
		}
	}
	return domain.Void, false
}

func (ev *Evaluator) evalCall(ctx context.Context, rootEnv, e domain.Env, ns string, argExprs []domain.Arg) (domain.Value, error) {
	args, err := ev.evalArgs(ctx, rootEnv, e, argExprs)
	if err != nil {
		return domain.Void, err
	}
	if errVal, isErr := firstError(args); isErr {
		return errVal, nil
	}
	nsPart, name := splitNS(ns)
	return ev.Operators.Call(nsPart, name, args), nil
}

// evalAirRef dispatches an airDef reference: if ns names a declared
// airDef, desugar it into a closure applied to the evaluated args;
// otherwise fall back to ordinary operator dispatch (spec.md §4.1:
// "same dispatch as call but may resolve to a desugared airDef closure").
func (ev *Evaluator) evalAirRef(ctx context.Context, rootEnv, e domain.Env, ns string, argExprs []domain.Arg) (domain.Value, error) {
	if def, ok := ev.Doc.AirDefByName(ns); ok {
		args, err := ev.evalArgs(ctx, rootEnv, e, argExprs)
		if err != nil {
			return domain.Void, err
		}
		if errVal, isErr := firstError(args); isErr {
			return errVal, nil
		}
		closure := domain.Closure{Params: def.Params, BodyRef: def.Body, Env: rootEnv, Name: def.Name}
		return ev.applyClosure(ctx, domain.ClosureVal(&closure), args)
	}
	return ev.evalCall(ctx, rootEnv, e, ns, argExprs)
}

// applyClosure binds closure's parameters to args in a fresh child of its
// captured environment and evaluates its body node. Optional parameters
// missing an argument fall back to their DefaultExpr, evaluated in that
// same child environment.
func (ev *Evaluator) applyClosure(ctx context.Context, fnVal domain.Value, args []domain.Value) (domain.Value, error) {
	if fnVal.Kind != domain.KindClosure {
		return domain.Errorf(domain.ErrTypeError, "cannot apply non-closure value of type %s", fnVal.TypeName()), nil
	}
	closure := fnVal.Closure
	bindings := make(map[string]domain.Value, len(closure.Params))
	for i, p := range closure.Params {
		if i < len(args) {
			bindings[p.Name] = args[i]
			continue
		}
		if p.Required {
			return domain.Errorf(domain.ErrArityError, "closure %q missing required argument %q", closure.Name, p.Name), nil
		}
		bindings[p.Name] = domain.Void
	}
	if len(args) > len(closure.Params) {
		return domain.Errorf(domain.ErrArityError, "closure %q called with too many arguments", closure.Name), nil
	}

	base, ok := closure.Env.(interface {
		ExtendAll(map[string]domain.Value) *env.Environment
	})
	var callEnv domain.Env
	if ok {
		callEnv = base.ExtendAll(bindings)
	} else {
		callEnv = closure.Env
		for k, v := range bindings {
			callEnv = callEnv.Extend(k, v)
		}
	}

	for i, p := range closure.Params {
		if i >= len(args) && !p.Required && p.DefaultExpr != "" {
			v, err := ev.evalNodeInEnv(ctx, callEnv, p.DefaultExpr)
			if err != nil {
				return domain.Void, err
			}
			callEnv.Bind(p.Name, v)
		}
	}

	return ev.evalNodeInEnv(ctx, callEnv, closure.BodyRef)
}

func evalPredicate(name string, v domain.Value) domain.Value {
	switch name {
	case "isError":
		return domain.Bool(v.IsError())
	case "isVoid":
		return domain.Bool(v.Kind == domain.KindVoid)
	case "isNumeric":
		return domain.Bool(v.Kind == domain.KindInt || v.Kind == domain.KindFloat)
	case "isTruthy":
		b, ok := v.Truthy()
		return domain.Bool(ok && b)
	default:
		return domain.Errorf(domain.ErrValidationError, "unknown predicate %q", name)
	}
}

func splitNS(s string) (ns, name string) {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return s[:i], s[i+1:]
		}
	}
	return "", s
}
