// Package lir implements SPIRAL's lowest IR layer (C12, spec.md §4.6): a
// block node's local CFG of named registers and primitive instructions,
// rather than the nested expression trees AIR/CIR/EIR/PIR use. It shares
// the operator registry (C3), effect registry (C4), reference resolver
// (C6), scheduler (C10), and channel store (C11) with the rest of the
// system, and reuses internal/eval (C7-C9) for evaluating operand
// expressions rather than re-implementing arg evaluation and error
// short-circuiting a second time.
package lir

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/spiral-run/spiral/internal/channelstore"
	"github.com/spiral-run/spiral/internal/domain"
	"github.com/spiral-run/spiral/internal/effect"
	"github.com/spiral-run/spiral/internal/eval"
	"github.com/spiral-run/spiral/internal/obslog"
	"github.com/spiral-run/spiral/internal/registry"
	"github.com/spiral-run/spiral/internal/resolver"
	"github.com/spiral-run/spiral/internal/scheduler"
)

// Evaluator executes LIR block nodes. Scheduler and Channels are optional —
// a block node with no spawn/await/channelOp instructions never touches
// them — so a pure-computation LIR document can run without any async
// machinery wired in at all, mirroring C7/C9's layering.
type Evaluator struct {
	Doc       *domain.Document
	Operators *registry.Registry
	Effects   *effect.Registry
	Resolver  *resolver.Resolver
	Exprs     *eval.Evaluator
	Scheduler *scheduler.Scheduler
	Channels  *channelstore.Store
	MaxSteps  int64
	// Trace opens an otel span per evaluated block node (SPEC_FULL.md
	// §11); left false by default.
	Trace bool

	steps atomic.Int64
}

func New(doc *domain.Document, ops *registry.Registry, effects *effect.Registry, res *resolver.Resolver, exprs *eval.Evaluator, maxSteps int64) *Evaluator {
	return &Evaluator{
		Doc:       doc,
		Operators: ops,
		Effects:   effects,
		Resolver:  res,
		Exprs:     exprs,
		MaxSteps:  maxSteps,
	}
}

// checkGlobalSteps follows the same discipline as eval.Evaluator and
// scheduler.Scheduler: one counter, incremented on every instruction and
// every re-visit of a block (so a loop that only ever jumps between two
// blocks still eventually trips non-termination).
func (lv *Evaluator) checkGlobalSteps() error {
	if lv.MaxSteps <= 0 {
		return nil
	}
	if lv.steps.Add(1) > lv.MaxSteps {
		return domain.NewFault(domain.ErrNonTermination, "exceeded maximum evaluation steps", nil)
	}
	return nil
}

// Eval executes the block node named nodeID. rootEnv supplies both the
// outer closure capture (names the block's instructions may read but
// never assign) and the bound-node memoization root Exprs uses for any
// Arg.Ref operand that targets an ordinary expression node.
func (lv *Evaluator) Eval(ctx context.Context, rootEnv domain.Env, nodeID string) (domain.Value, error) {
	ctx, span := obslog.StartNodeSpan(ctx, lv.Trace, nodeID)
	defer span.End()

	node, _, rerr := lv.Resolver.Resolve(lv.Doc, nodeID)
	if rerr != nil {
		obslog.RecordSpanError(ctx, rerr)
		return domain.Void, rerr
	}
	if node.Kind != domain.NodeKindBlock {
		err := domain.NewFault(domain.ErrValidationError, "referenced node is not a block: "+nodeID, nil)
		obslog.RecordSpanError(ctx, err)
		return domain.Void, err
	}
	v, err := lv.evalBlockNode(ctx, rootEnv, node, nil)
	obslog.RecordSpanError(ctx, err)
	return v, err
}

// evalBlockNode runs node's block graph from its entry block against a
// fresh register frame preloaded with args bound positionally as
// "arg0".."argN-1" (the convention this implementation adopts for spawned
// task blocks and is documented as an Open Question decision in
// DESIGN.md, since spec.md's Block node has no declared parameter list).
func (lv *Evaluator) evalBlockNode(ctx context.Context, rootEnv domain.Env, node *domain.Node, args []domain.Value) (domain.Value, error) {
	frame := newRegisterEnv(rootEnv)
	for i, v := range args {
		frame.Bind(argName(i), v)
	}
	return lv.runBlocks(ctx, rootEnv, node.Blocks, node.EntryBlockID, frame)
}

func argName(i int) string {
	const digits = "0123456789"
	if i < 10 {
		return "arg" + string(digits[i])
	}
	// Unreachable in practice (block-node spawns take a handful of args),
	// but avoid silently truncating if it ever happens.
	s := []byte{}
	for i > 0 {
		s = append([]byte{digits[i%10]}, s...)
		i /= 10
	}
	return "arg" + string(s)
}

func blockByID(blocks []domain.Block, id string) (*domain.Block, bool) {
	for i := range blocks {
		if blocks[i].ID == id {
			return &blocks[i], true
		}
	}
	return nil, false
}

// runBlocks walks the block graph from entryID, executing each block's
// instructions against frame and following its terminator, until a Return
// terminator (or an error-valued instruction, which halts the same way a
// CIR/EIR error value short-circuits `do`/`seq`) produces a result.
func (lv *Evaluator) runBlocks(ctx context.Context, rootEnv domain.Env, blocks []domain.Block, entryID string, frame *registerEnv) (domain.Value, error) {
	blockID := entryID
	prev := ""
	branchFrames := map[string]*registerEnv{}

	for {
		if err := lv.checkGlobalSteps(); err != nil {
			return domain.Void, err
		}
		blk, ok := blockByID(blocks, blockID)
		if !ok {
			return domain.Void, domain.NewFault(domain.ErrValidationError, "unknown block id: "+blockID, nil)
		}

		execFrame := frame
		if bf, ok := branchFrames[blockID]; ok {
			execFrame = bf
		}

		if v, halted, err := lv.execInstructions(ctx, rootEnv, blk.Instructions, execFrame, prev, branchFrames); err != nil || halted {
			return v, err
		}

		switch blk.Terminator.Kind {
		case domain.TermReturn:
			if blk.Terminator.Value == nil {
				return domain.Void, nil
			}
			return lv.Exprs.EvalArg(ctx, rootEnv, execFrame, blk.Terminator.Value)

		case domain.TermJump:
			prev, blockID, frame = blockID, blk.Terminator.To, execFrame

		case domain.TermCond:
			cond, ok := execFrame.Lookup(blk.Terminator.CondValue)
			if !ok {
				return domain.Void, domain.NewFault(domain.ErrUnboundIdentifier, "unbound cond variable: "+blk.Terminator.CondValue, nil)
			}
			if cond.IsError() {
				return cond, nil
			}
			truthy, ok := cond.Truthy()
			if !ok {
				return domain.Errorf(domain.ErrTypeError, "cond: value must be boolean, got %s", cond.TypeName()), nil
			}
			prev, frame = blockID, execFrame
			if truthy {
				blockID = blk.Terminator.Then
			} else {
				blockID = blk.Terminator.Else
			}

		case domain.TermFork:
			results, endFrames, err := lv.runFork(ctx, rootEnv, blocks, blk.Terminator.Branches, execFrame)
			if err != nil {
				return domain.Void, err
			}
			if errVal, isErr := firstErrorValue(results); isErr {
				return errVal, nil
			}
			for id, f := range endFrames {
				branchFrames[id] = f
			}
			prev, blockID, frame = blk.ID, blk.Terminator.JoinNode, execFrame

		case domain.TermJoin:
			return domain.Void, domain.NewFault(domain.ErrValidationError, "join terminator reached outside of a fork", nil)

		default:
			return domain.Void, domain.NewFault(domain.ErrValidationError, "unknown terminator kind", nil)
		}
	}
}

// runFork executes every branch block id concurrently, each against its own
// clone of frame so concurrent writes never race, and reports each branch's
// final value plus the register frame it ended in (keyed by the block id
// whose terminator actually ran, for Phi resolution at the join point).
func (lv *Evaluator) runFork(ctx context.Context, rootEnv domain.Env, blocks []domain.Block, branches []string, frame *registerEnv) ([]domain.Value, map[string]*registerEnv, error) {
	results := make([]domain.Value, len(branches))
	errs := make([]error, len(branches))
	endFrames := make([]*registerEnv, len(branches))
	endIDs := make([]string, len(branches))

	var wg sync.WaitGroup
	for i, branchID := range branches {
		wg.Add(1)
		go func(i int, branchID string) {
			defer wg.Done()
			v, endID, endFrame, err := lv.runBranch(ctx, rootEnv, blocks, branchID, frame.clone())
			results[i], endIDs[i], endFrames[i], errs[i] = v, endID, endFrame, err
		}(i, branchID)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, nil, err
		}
	}
	byID := make(map[string]*registerEnv, len(branches))
	for i, id := range endIDs {
		byID[id] = endFrames[i]
	}
	return results, byID, nil
}

// runBranch executes one forked branch starting at blockID on its own
// cloned frame until it reaches a Jump terminator (the point where it
// rejoins the fork's join block), reporting the block id it jumped from so
// the join's Phi instructions can pick the matching source.
func (lv *Evaluator) runBranch(ctx context.Context, rootEnv domain.Env, blocks []domain.Block, blockID string, frame *registerEnv) (domain.Value, string, *registerEnv, error) {
	for {
		if err := lv.checkGlobalSteps(); err != nil {
			return domain.Void, "", nil, err
		}
		blk, ok := blockByID(blocks, blockID)
		if !ok {
			return domain.Void, "", nil, domain.NewFault(domain.ErrValidationError, "unknown block id: "+blockID, nil)
		}
		if v, halted, err := lv.execInstructions(ctx, rootEnv, blk.Instructions, frame, "", nil); err != nil || halted {
			return v, blockID, frame, err
		}
		switch blk.Terminator.Kind {
		case domain.TermJump:
			return domain.Void, blockID, frame, nil
		case domain.TermReturn:
			if blk.Terminator.Value == nil {
				return domain.Void, blockID, frame, nil
			}
			v, err := lv.Exprs.EvalArg(ctx, rootEnv, frame, blk.Terminator.Value)
			return v, blockID, frame, err
		case domain.TermCond:
			cond, ok := frame.Lookup(blk.Terminator.CondValue)
			if !ok {
				return domain.Void, "", nil, domain.NewFault(domain.ErrUnboundIdentifier, "unbound cond variable: "+blk.Terminator.CondValue, nil)
			}
			truthy, _ := cond.Truthy()
			if truthy {
				blockID = blk.Terminator.Then
			} else {
				blockID = blk.Terminator.Else
			}
		default:
			return domain.Void, "", nil, domain.NewFault(domain.ErrValidationError, "unsupported terminator inside a forked branch", nil)
		}
	}
}

func firstErrorValue(vs []domain.Value) (domain.Value, bool) {
	for _, v := range vs {
		if v.IsError() {
			return v, true
		}
	}
	return domain.Void, false
}
