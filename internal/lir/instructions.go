package lir

import (
	"context"

	"github.com/spiral-run/spiral/internal/domain"
)

// execInstructions runs blk's instructions in order against frame. It
// returns (value, true, nil) the moment an instruction other than await
// produces an error-valued result — the same early-exit convention
// `do`/`seq` use in internal/eval — or (_, _, err) on a Go-level fault
// (non-termination, an unresolvable reference). An await instruction binds
// its result to its target even when that result is an error value.
// branchFrames is only consulted by Phi and
// is nil outside of a join block.
func (lv *Evaluator) execInstructions(ctx context.Context, rootEnv domain.Env, instrs []domain.Instruction, frame *registerEnv, prev string, branchFrames map[string]*registerEnv) (domain.Value, bool, error) {
	for i := range instrs {
		if err := lv.checkGlobalSteps(); err != nil {
			return domain.Void, false, err
		}
		instr := &instrs[i]

		switch instr.Kind {
		case domain.InstrAssign:
			v, err := lv.Exprs.EvalArg(ctx, rootEnv, frame, instr.Expr)
			if err != nil {
				return domain.Void, false, err
			}
			if v.IsError() {
				return v, true, nil
			}
			frame.Bind(instr.Target, v)

		case domain.InstrAssignRef:
			v, err := lv.Exprs.Eval(ctx, rootEnv, instr.Value)
			if err != nil {
				return domain.Void, false, err
			}
			if v.IsError() {
				return v, true, nil
			}
			frame.Bind(instr.Target, v)

		case domain.InstrOp:
			arg := domain.InlineArg(domain.Expr{Kind: domain.ExprCall, NS: instr.NS + ":" + instr.Name, Args: instr.Args})
			v, err := lv.Exprs.EvalArg(ctx, rootEnv, frame, &arg)
			if err != nil {
				return domain.Void, false, err
			}
			if v.IsError() {
				return v, true, nil
			}
			frame.Bind(instr.Target, v)

		case domain.InstrCall:
			// Same dispatch as Op but may resolve to a desugared airDef
			// closure application, exactly as ExprAirRef does for C7 — so
			// this instruction reuses that path rather than re-deriving it.
			// An unnamespaced Name (NS == "") is looked up as a bare airDef
			// name first, matching how document-level airDefs are declared;
			// a non-empty NS is a namespaced operator fallback.
			ref := instr.Name
			if instr.NS != "" {
				ref = instr.NS + ":" + instr.Name
			}
			arg := domain.InlineArg(domain.Expr{Kind: domain.ExprAirRef, NS: ref, Args: instr.Args})
			v, err := lv.Exprs.EvalArg(ctx, rootEnv, frame, &arg)
			if err != nil {
				return domain.Void, false, err
			}
			if v.IsError() {
				return v, true, nil
			}
			frame.Bind(instr.Target, v)

		case domain.InstrEffect:
			arg := domain.InlineArg(domain.Expr{Kind: domain.ExprEffect, NS: instr.NS + ":" + instr.Name, Args: instr.EffectArgs})
			v, err := lv.Exprs.EvalArg(ctx, rootEnv, frame, &arg)
			if err != nil {
				return domain.Void, false, err
			}
			if v.IsError() {
				return v, true, nil
			}
			frame.Bind(instr.Target, v)

		case domain.InstrPhi:
			v, err := lv.resolvePhi(instr, prev, frame, branchFrames)
			if err != nil {
				return domain.Void, false, err
			}
			if v.IsError() {
				return v, true, nil
			}
			frame.Bind(instr.Target, v)

		case domain.InstrSpawn:
			v, err := lv.execSpawn(ctx, rootEnv, frame, instr)
			if err != nil {
				return domain.Void, false, err
			}
			if v.IsError() {
				return v, true, nil
			}
			frame.Bind(instr.Target, v)

		case domain.InstrChannelOp:
			v, err := lv.execChannelOp(ctx, rootEnv, frame, instr)
			if err != nil {
				return domain.Void, false, err
			}
			if v.IsError() {
				return v, true, nil
			}
			frame.Bind(instr.Target, v)

		case domain.InstrAwait:
			v, err := lv.execAwait(ctx, rootEnv, frame, instr)
			if err != nil {
				return domain.Void, false, err
			}
			frame.Bind(instr.Target, v)

		default:
			return domain.Void, false, domain.NewFault(domain.ErrValidationError, "unknown LIR instruction kind: "+string(instr.Kind), nil)
		}
	}
	return domain.Void, false, nil
}

// resolvePhi picks the source whose Block matches prev (the predecessor
// actually taken) and reads its ID register from that predecessor's ending
// frame — the shared frame for an ordinary Cond diamond, or the isolated
// clone runFork recorded for a forked branch. If prev matches no source
// (e.g. the entry block of an unusually lowered CFG), it falls back to the
// first source with a non-error value, the explicit tolerance policy
// spec.md §4.6 states for lowered CFGs.
func (lv *Evaluator) resolvePhi(instr *domain.Instruction, prev string, frame *registerEnv, branchFrames map[string]*registerEnv) (domain.Value, error) {
	if len(instr.Sources) == 0 {
		return domain.Void, domain.NewFault(domain.ErrValidationError, "phi instruction has no sources", nil)
	}
	lookup := func(s domain.PhiSource) (domain.Value, bool) {
		srcFrame := frame
		if bf, ok := branchFrames[s.Block]; ok {
			srcFrame = bf
		}
		return srcFrame.Lookup(s.ID)
	}

	for _, s := range instr.Sources {
		if s.Block == prev {
			v, ok := lookup(s)
			if !ok {
				return domain.Void, domain.NewFault(domain.ErrUnboundIdentifier, "phi source register not found: "+s.ID, nil)
			}
			return v, nil
		}
	}

	var fallback domain.Value
	found := false
	for _, s := range instr.Sources {
		v, ok := lookup(s)
		if !ok {
			continue
		}
		if !v.IsError() {
			return v, nil
		}
		if !found {
			fallback, found = v, true
		}
	}
	if !found {
		return domain.Void, domain.NewFault(domain.ErrUnboundIdentifier, "no phi source register resolved", nil)
	}
	return fallback, nil
}

// execSpawn evaluates SpawnArgs, binds them positionally into a fresh
// register frame ("arg0".."argN-1" — see evalBlockNode's doc comment for
// why), and schedules TaskBlockRef as a task, returning a pending future.
func (lv *Evaluator) execSpawn(ctx context.Context, rootEnv domain.Env, frame *registerEnv, instr *domain.Instruction) (domain.Value, error) {
	if lv.Scheduler == nil {
		return domain.Void, domain.NewFault(domain.ErrValidationError, "no scheduler configured for spawn instruction", nil)
	}
	args := make([]domain.Value, len(instr.SpawnArgs))
	for i := range instr.SpawnArgs {
		v, err := lv.Exprs.EvalArg(ctx, rootEnv, frame, &instr.SpawnArgs[i])
		if err != nil {
			return domain.Void, err
		}
		if v.IsError() {
			return v, nil
		}
		args[i] = v
	}
	node, _, rerr := lv.Resolver.Resolve(lv.Doc, instr.TaskBlockRef)
	if rerr != nil {
		return domain.Void, rerr
	}
	if node.Kind != domain.NodeKindBlock {
		return domain.Void, domain.NewFault(domain.ErrValidationError, "spawn target is not a block: "+instr.TaskBlockRef, nil)
	}
	task := lv.Scheduler.Spawn(ctx, func(taskCtx context.Context) (domain.Value, error) {
		return lv.evalBlockNode(taskCtx, rootEnv, node, args)
	})
	return domain.FutureVal(&domain.FutureState{TaskID: task.ID, Status: domain.FutureStatusPending}), nil
}

// execAwait mirrors internal/async's evalAwait (no timeout/fallback at the
// LIR level — spec.md §4.6 models await as a single primitive instruction,
// with retry/fallback expressed as ordinary Cond/Jump blocks around it
// rather than as instruction fields): it re-derives the future's live
// state from the scheduler rather than trusting a stale snapshot, and
// wraps either a Go-level task error or an error-valued result as the same
// literal DomainError C9 uses, for one consistent error message regardless
// of which IR layer awaited the future.
func (lv *Evaluator) execAwait(ctx context.Context, rootEnv domain.Env, frame *registerEnv, instr *domain.Instruction) (domain.Value, error) {
	if lv.Scheduler == nil {
		return domain.Void, domain.NewFault(domain.ErrValidationError, "no scheduler configured for await instruction", nil)
	}
	futVal, err := lv.Exprs.EvalArg(ctx, rootEnv, frame, &instr.Future)
	if err != nil {
		return domain.Void, err
	}
	if futVal.IsError() {
		return futVal, nil
	}
	if futVal.Kind != domain.KindFuture {
		return domain.Errorf(domain.ErrTypeError, "await expects a future, got %s", futVal.TypeName()), nil
	}
	task, ok := lv.Scheduler.Lookup(futVal.Future.TaskID)
	if !ok {
		return domain.Errorf(domain.ErrValidationError, "unknown task for future %q", futVal.Future.TaskID), nil
	}
	result, taskErr, _ := lv.Scheduler.Await(ctx, task, -1)
	if taskErr != nil || result.IsError() {
		return domain.Error(domain.ErrDomainError, "future completed with error"), nil
	}
	return result, nil
}

// execChannelOp dispatches one of channelstore's four operations. Recv
// binds the received value directly to Target; TrySend binds its boolean
// success flag; TryRecv binds the received value on success and Void on a
// miss, since "channel not ready" is routine control flow rather than a
// fault (a decision recorded in DESIGN.md's C12 entry).
func (lv *Evaluator) execChannelOp(ctx context.Context, rootEnv domain.Env, frame *registerEnv, instr *domain.Instruction) (domain.Value, error) {
	if lv.Channels == nil {
		return domain.Void, domain.NewFault(domain.ErrValidationError, "no channel store configured for channelOp instruction", nil)
	}
	chVal, err := lv.Exprs.EvalArg(ctx, rootEnv, frame, &instr.Channel)
	if err != nil {
		return domain.Void, err
	}
	if chVal.IsError() {
		return chVal, nil
	}
	if chVal.Kind != domain.KindChannel {
		return domain.Errorf(domain.ErrTypeError, "channelOp expects a channel, got %s", chVal.TypeName()), nil
	}

	switch instr.ChannelOp {
	case domain.ChannelOpSend:
		v, err := lv.evalSendValue(ctx, rootEnv, frame, instr)
		if err != nil || v.IsError() {
			return v, err
		}
		if serr := lv.Channels.Send(ctx, chVal.Channel, v); serr != nil {
			return domain.Errorf(domain.ErrDomainError, "send failed: %v", serr), nil
		}
		return domain.Void, nil

	case domain.ChannelOpTrySend:
		v, err := lv.evalSendValue(ctx, rootEnv, frame, instr)
		if err != nil || v.IsError() {
			return v, err
		}
		ok, serr := lv.Channels.TrySend(chVal.Channel, v)
		if serr != nil {
			return domain.Errorf(domain.ErrDomainError, "trySend failed: %v", serr), nil
		}
		return domain.Bool(ok), nil

	case domain.ChannelOpRecv:
		v, rerr := lv.Channels.Recv(ctx, chVal.Channel)
		if rerr != nil {
			return domain.Errorf(domain.ErrDomainError, "recv failed: %v", rerr), nil
		}
		return v, nil

	case domain.ChannelOpTryRecv:
		v, ok, rerr := lv.Channels.TryRecv(chVal.Channel)
		if rerr != nil {
			return domain.Errorf(domain.ErrDomainError, "tryRecv failed: %v", rerr), nil
		}
		if !ok {
			return domain.Void, nil
		}
		return v, nil

	default:
		return domain.Void, domain.NewFault(domain.ErrValidationError, "unknown channelOp kind: "+string(instr.ChannelOp), nil)
	}
}

func (lv *Evaluator) evalSendValue(ctx context.Context, rootEnv domain.Env, frame *registerEnv, instr *domain.Instruction) (domain.Value, error) {
	if instr.SendValue == nil {
		return domain.Void, domain.NewFault(domain.ErrValidationError, "channelOp send requires a sendValue argument", nil)
	}
	return lv.Exprs.EvalArg(ctx, rootEnv, frame, instr.SendValue)
}
