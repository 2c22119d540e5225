// Package async implements SPIRAL's asynchronous evaluator (C9, spec.md
// §4.3): the PIR expression kinds par/spawn/await/channel/send/recv/select/
// race, built on the deterministic scheduler (C10, internal/scheduler) and
// channel store (C11, internal/channelstore). Dispatcher satisfies
// eval.AsyncDispatcher, so a synchronous-only document never needs to know
// this package exists, while an "async" capability document wires all three
// together through internal/eval's single expression switch.
package async

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/spiral-run/spiral/internal/channelstore"
	"github.com/spiral-run/spiral/internal/domain"
	"github.com/spiral-run/spiral/internal/env"
	"github.com/spiral-run/spiral/internal/eval"
	"github.com/spiral-run/spiral/internal/scheduler"
)

// Dispatcher evaluates PIR's async expression kinds on behalf of an
// internal/eval.Evaluator.
type Dispatcher struct {
	Eval      *eval.Evaluator
	Scheduler *scheduler.Scheduler
	Channels  *channelstore.Store
}

// New wires an Evaluator to its scheduler and channel store and sets
// ev.Async to the returned Dispatcher, closing the loop described in
// internal/eval's package doc: the synchronous evaluator delegates PIR
// forms back into this dispatcher.
func New(ev *eval.Evaluator, sched *scheduler.Scheduler, channels *channelstore.Store) *Dispatcher {
	d := &Dispatcher{Eval: ev, Scheduler: sched, Channels: channels}
	ev.Async = d
	return d
}

// EvalAsync implements eval.AsyncDispatcher.
func (d *Dispatcher) EvalAsync(ctx context.Context, rootEnv, e domain.Env, expr *domain.Expr) (domain.Value, error) {
	switch expr.Kind {
	case domain.ExprPar:
		return d.evalPar(ctx, rootEnv, e, expr)
	case domain.ExprSpawn:
		return d.evalSpawn(ctx, e, expr)
	case domain.ExprAwait:
		return d.evalAwait(ctx, rootEnv, e, expr)
	case domain.ExprChannel:
		return d.evalChannel(ctx, rootEnv, e, expr)
	case domain.ExprSend:
		return d.evalSend(ctx, rootEnv, e, expr)
	case domain.ExprRecv:
		return d.evalRecv(ctx, rootEnv, e, expr)
	case domain.ExprSelect:
		return d.evalSelect(ctx, rootEnv, e, expr)
	case domain.ExprRace:
		return d.evalRace(ctx, e, expr)
	default:
		return domain.Void, domain.NewFault(domain.ErrValidationError, "not an async expression kind: "+string(expr.Kind), nil)
	}
}

// evalPar evaluates every branch: left-to-right in sequential scheduler
// mode, concurrently otherwise (spec.md §4.3). The result is a list in
// branch order regardless of completion order.
func (d *Dispatcher) evalPar(ctx context.Context, rootEnv, e domain.Env, expr *domain.Expr) (domain.Value, error) {
	if d.Scheduler.Mode() == domain.SchedulerSequential {
		out := make([]domain.Value, len(expr.Exprs))
		for i := range expr.Exprs {
			v, err := d.Eval.EvalArg(ctx, rootEnv, e, &expr.Exprs[i])
			if err != nil {
				return domain.Void, err
			}
			if v.IsError() {
				return v, nil
			}
			out[i] = v
		}
		return domain.ListOf(out...), nil
	}

	out := make([]domain.Value, len(expr.Exprs))
	errs := make([]error, len(expr.Exprs))
	var wg sync.WaitGroup
	for i := range expr.Exprs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := d.Eval.EvalArg(ctx, rootEnv, e, &expr.Exprs[i])
			out[i], errs[i] = v, err
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return domain.Void, err
		}
	}
	if v, isErr := firstErrorValue(out); isErr {
		return v, nil
	}
	return domain.ListOf(out...), nil
}

// evalSpawn resolves expr.Task, snapshots the caller's lexical environment,
// and asks the scheduler to run it as a task, returning a pending future
// immediately (spec.md §4.3).
func (d *Dispatcher) evalSpawn(ctx context.Context, e domain.Env, expr *domain.Expr) (domain.Value, error) {
	snapshot := snapshotEnv(e)
	task := d.Scheduler.Spawn(ctx, func(taskCtx context.Context) (domain.Value, error) {
		return d.Eval.EvalTaskArg(taskCtx, snapshot, expr.Task)
	})
	return domain.FutureVal(&domain.FutureState{TaskID: task.ID, Status: domain.FutureStatusPending}), nil
}

// evalAwait implements spec.md §4.3's await(future, timeout?, fallback?,
// returnIndex?). A future's live completion state is always read from the
// scheduler's task table (via its TaskID) rather than trusted from a stale
// FutureState snapshot, so a future value can be passed around and awaited
// long after it was constructed.
func (d *Dispatcher) evalAwait(ctx context.Context, rootEnv, e domain.Env, expr *domain.Expr) (domain.Value, error) {
	futVal, err := d.Eval.EvalArg(ctx, rootEnv, e, expr.Future)
	if err != nil {
		return domain.Void, err
	}
	if futVal.IsError() {
		return futVal, nil
	}
	if futVal.Kind != domain.KindFuture {
		return domain.Errorf(domain.ErrTypeError, "await expects a future, got %s", futVal.TypeName()), nil
	}

	timeoutMS, v, err := d.evalTimeout(ctx, rootEnv, e, expr.Timeout)
	if err != nil {
		return domain.Void, err
	}
	if v != nil {
		return *v, nil
	}

	task, ok := d.Scheduler.Lookup(futVal.Future.TaskID)
	if !ok {
		return domain.Errorf(domain.ErrValidationError, "unknown task for future %q", futVal.Future.TaskID), nil
	}

	result, taskErr, timedOut := d.Scheduler.Await(ctx, task, timeoutMS)
	return d.resolveWait(ctx, rootEnv, e, expr, 0, result, taskErr, timedOut)
}

// evalSelect races several futures (spec.md §4.3's select), reusing
// evalAwait's timeout/fallback/returnIndex handling for the winner.
func (d *Dispatcher) evalSelect(ctx context.Context, rootEnv, e domain.Env, expr *domain.Expr) (domain.Value, error) {
	tasks := make([]*scheduler.Task, len(expr.Futures))
	for i := range expr.Futures {
		v, err := d.Eval.EvalArg(ctx, rootEnv, e, &expr.Futures[i])
		if err != nil {
			return domain.Void, err
		}
		if v.IsError() {
			return v, nil
		}
		if v.Kind != domain.KindFuture {
			return domain.Errorf(domain.ErrTypeError, "select expects futures, got %s", v.TypeName()), nil
		}
		task, ok := d.Scheduler.Lookup(v.Future.TaskID)
		if !ok {
			return domain.Errorf(domain.ErrValidationError, "unknown task for future %q", v.Future.TaskID), nil
		}
		tasks[i] = task
	}

	timeoutMS, v, err := d.evalTimeout(ctx, rootEnv, e, expr.Timeout)
	if err != nil {
		return domain.Void, err
	}
	if v != nil {
		return *v, nil
	}

	winner, timedOut := raceTasks(ctx, tasks, timeoutMS)
	if timedOut {
		return d.resolveWait(ctx, rootEnv, e, expr, -1, domain.Void, nil, true)
	}
	_, result, taskErr := tasks[winner].Snapshot()
	return d.resolveWait(ctx, rootEnv, e, expr, winner, result, taskErr, false)
}

// evalRace spawns each of expr.Tasks fresh under a captured copy of e and
// returns the first result directly — unlike select, race does not produce
// or accept futures (spec.md §4.3: "race multiple task nodes ... returns
// the first result").
func (d *Dispatcher) evalRace(ctx context.Context, e domain.Env, expr *domain.Expr) (domain.Value, error) {
	if len(expr.Tasks) == 0 {
		return domain.Void, domain.NewFault(domain.ErrValidationError, "race requires at least one task", nil)
	}
	snapshot := snapshotEnv(e)
	tasks := make([]*scheduler.Task, len(expr.Tasks))
	for i := range expr.Tasks {
		taskArg := &expr.Tasks[i]
		tasks[i] = d.Scheduler.Spawn(ctx, func(taskCtx context.Context) (domain.Value, error) {
			return d.Eval.EvalTaskArg(taskCtx, snapshot, taskArg)
		})
	}
	winner, timedOut := raceTasks(ctx, tasks, -1)
	if timedOut {
		return domain.Void, domain.NewFault(domain.ErrValidationError, "race produced no winner", nil)
	}
	_, v, err := tasks[winner].Snapshot()
	if err != nil || v.IsError() {
		return domain.Error(domain.ErrDomainError, "future completed with error"), nil
	}
	return v, nil
}

func (d *Dispatcher) evalChannel(ctx context.Context, rootEnv, e domain.Env, expr *domain.Expr) (domain.Value, error) {
	bufSize := 0
	if expr.BufferSize != nil {
		v, err := d.Eval.EvalArg(ctx, rootEnv, e, expr.BufferSize)
		if err != nil {
			return domain.Void, err
		}
		if v.IsError() {
			return v, nil
		}
		bufSize = int(v.I)
	}
	handle := d.Channels.Alloc(domain.Kind(expr.ChannelType), bufSize)
	return domain.ChannelVal(handle), nil
}

func (d *Dispatcher) evalSend(ctx context.Context, rootEnv, e domain.Env, expr *domain.Expr) (domain.Value, error) {
	chVal, err := d.Eval.EvalArg(ctx, rootEnv, e, expr.Channel)
	if err != nil {
		return domain.Void, err
	}
	if chVal.IsError() {
		return chVal, nil
	}
	if chVal.Kind != domain.KindChannel {
		return domain.Errorf(domain.ErrTypeError, "send expects a channel, got %s", chVal.TypeName()), nil
	}
	if len(expr.Args) == 0 {
		return domain.Void, domain.NewFault(domain.ErrValidationError, "send requires a value argument", nil)
	}
	val, err := d.Eval.EvalArg(ctx, rootEnv, e, &expr.Args[0])
	if err != nil {
		return domain.Void, err
	}
	if val.IsError() {
		return val, nil
	}
	if serr := d.Channels.Send(ctx, chVal.Channel, val); serr != nil {
		return domain.Errorf(domain.ErrDomainError, "send failed: %v", serr), nil
	}
	return domain.Void, nil
}

func (d *Dispatcher) evalRecv(ctx context.Context, rootEnv, e domain.Env, expr *domain.Expr) (domain.Value, error) {
	chVal, err := d.Eval.EvalArg(ctx, rootEnv, e, expr.Channel)
	if err != nil {
		return domain.Void, err
	}
	if chVal.IsError() {
		return chVal, nil
	}
	if chVal.Kind != domain.KindChannel {
		return domain.Errorf(domain.ErrTypeError, "recv expects a channel, got %s", chVal.TypeName()), nil
	}
	v, rerr := d.Channels.Recv(ctx, chVal.Channel)
	if rerr != nil {
		return domain.Errorf(domain.ErrDomainError, "recv failed: %v", rerr), nil
	}
	return v, nil
}

// evalTimeout evaluates an optional timeout argument, returning (-1, nil,
// nil) when absent. If evaluating the timeout itself produces an error
// value, that value is returned directly via the second result so callers
// can short-circuit without duplicating the check.
func (d *Dispatcher) evalTimeout(ctx context.Context, rootEnv, e domain.Env, timeoutArg *domain.Arg) (int64, *domain.Value, error) {
	if timeoutArg == nil {
		return -1, nil, nil
	}
	tv, err := d.Eval.EvalArg(ctx, rootEnv, e, timeoutArg)
	if err != nil {
		return 0, nil, err
	}
	if tv.IsError() {
		return 0, &tv, nil
	}
	return tv.I, nil, nil
}

// resolveWait applies await/select's shared timeout/error/returnIndex
// policy (spec.md §4.3) to a completed or timed-out wait.
func (d *Dispatcher) resolveWait(ctx context.Context, rootEnv, e domain.Env, expr *domain.Expr, index int, result domain.Value, taskErr error, timedOut bool) (domain.Value, error) {
	if timedOut {
		if expr.Fallback != nil {
			v, err := d.Eval.EvalArg(ctx, rootEnv, e, expr.Fallback)
			if err != nil {
				return domain.Void, err
			}
			return v, nil
		}
		code := domain.ErrTimeoutError
		timeoutIndex := 1
		if expr.Kind == domain.ExprSelect {
			code = domain.ErrSelectTimeout
			timeoutIndex = -1
		}
		failure := domain.Error(code, "timed out waiting for result")
		if expr.ReturnIndex {
			return domain.SelectVal(timeoutIndex, failure), nil
		}
		return failure, nil
	}
	if taskErr != nil || result.IsError() {
		failure := domain.Error(domain.ErrDomainError, "future completed with error")
		if expr.ReturnIndex {
			return domain.SelectVal(index, failure), nil
		}
		return failure, nil
	}
	if expr.ReturnIndex {
		return domain.SelectVal(index, result), nil
	}
	return result, nil
}

// raceTasks waits for the first of tasks to complete, ties among
// already-completed tasks broken by spawn order (spec.md §4.4); ties among
// tasks that finish while raceTasks is blocked are broken by Go's runtime
// select, since enforcing a strict tie-break there would require a custom
// single-threaded scheduler loop rather than real goroutines.
func raceTasks(ctx context.Context, tasks []*scheduler.Task, timeoutMS int64) (winner int, timedOut bool) {
	ready := make([]int, 0, len(tasks))
	for i, t := range tasks {
		if status, _, _ := t.Snapshot(); status != scheduler.StatusPending {
			ready = append(ready, i)
		}
	}
	if len(ready) > 0 {
		best := ready[0]
		for _, i := range ready[1:] {
			if tasks[i].SpawnOrder < tasks[best].SpawnOrder {
				best = i
			}
		}
		return best, false
	}

	cases := make([]reflect.SelectCase, 0, len(tasks)+2)
	for _, t := range tasks {
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(t.Done())})
	}
	cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())})

	timeoutIdx := -1
	if timeoutMS >= 0 {
		timer := time.NewTimer(time.Duration(timeoutMS) * time.Millisecond)
		defer timer.Stop()
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(timer.C)})
		timeoutIdx = len(cases) - 1
	}

	chosen, _, _ := reflect.Select(cases)
	if chosen == len(tasks) || chosen == timeoutIdx {
		return -1, true
	}
	return chosen, false
}

func firstErrorValue(vs []domain.Value) (domain.Value, bool) {
	for _, v := range vs {
		if v.IsError() {
			return v, true
		}
	}
	return domain.Void, false
}

// snapshotEnv flattens e into a fresh, detached frame if it supports
// Snapshot (env.Environment does); otherwise e is reused as-is, meaning a
// non-Environment domain.Env implementation must provide its own capture
// semantics for spawn/race to behave correctly.
func snapshotEnv(e domain.Env) domain.Env {
	if snap, ok := e.(interface{ Snapshot() *env.Environment }); ok {
		return snap.Snapshot()
	}
	return e
}
