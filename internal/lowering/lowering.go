// Package lowering implements SPIRAL's PIR→LIR lowering (C13, spec.md
// §4.7): it rewrites a document's expression-node graph into block nodes
// of LIR instructions and terminators, allocating fresh block ids and
// chaining them with `jump`, so the result can run under internal/lir's
// CFG evaluator (C12) instead of internal/eval's tree-recursive one.
//
// Lowering delegates by kind-set exactly as spec.md §4.7 describes: a
// CIR-only node (the ordinary pure-expression forms C7 already evaluates
// whole) becomes a single `assign` instruction wrapping that expression
// verbatim — internal/eval still does the actual evaluating, lowering
// just re-addresses it as one LIR block rather than a tree node. EIR's
// non-looping forms (`seq`/`assign`/`refCell`/`deref`/`effect`/`try`) get
// the same single-instruction treatment; `while`/`for`/`iter` get a real
// head/body/exit block triple, since that is where CFG form actually
// buys something over recursive tree evaluation. PIR's `spawn`/`await`/
// `send`/`recv` map onto LIR's dedicated async instructions; `channel`
// allocation stays a single assign instruction (it has no dedicated LIR
// instruction of its own — spec.md §4.6 lists no channel-alloc
// instruction kind, only channelOp over an existing handle).
package lowering

import (
	"fmt"

	"github.com/spiral-run/spiral/internal/domain"
)

// Lowering rewrites one document in place: LowerNode replaces the
// expression node named nodeID with an equivalent block node (appending
// any auxiliary nodes a spawn's task body needs) and returns the new
// block node's id.
type Lowering struct {
	doc    *domain.Document
	nextID int
}

func New(doc *domain.Document) *Lowering {
	return &Lowering{doc: doc}
}

func (lw *Lowering) genID(prefix string) string {
	lw.nextID++
	return fmt.Sprintf("%s_%d", prefix, lw.nextID)
}

func (lw *Lowering) appendNode(n domain.Node) string {
	lw.doc.Nodes = append(lw.doc.Nodes, n)
	return n.ID
}

// LowerNode lowers the expression node nodeID into a block node, appends
// it (and any auxiliary nodes it needed, e.g. a spawned task's own block)
// to the document, and returns the new block node's id. The original
// expression node is left in place and unreferenced; callers that want it
// gone can drop it once no other node refers to it.
func (lw *Lowering) LowerNode(nodeID string) (string, error) {
	node, ok := lw.doc.NodeByID(nodeID)
	if !ok {
		return "", domain.NewFault(domain.ErrValidationError, "lowering: unknown node id "+nodeID, nil)
	}
	if node.Kind != domain.NodeKindExpression {
		return "", domain.NewFault(domain.ErrValidationError, "lowering: node is not an expression: "+nodeID, nil)
	}
	blockNode, err := lw.lowerExpr(node.Expr, nodeID)
	if err != nil {
		return "", err
	}
	return lw.appendNode(*blockNode), nil
}

const resultReg = "result"

// lowerExpr builds the block node equivalent of expr. idHint seeds
// generated block/node ids with something readable (the original node's
// id) instead of an opaque counter alone.
func (lw *Lowering) lowerExpr(expr *domain.Expr, idHint string) (*domain.Node, error) {
	switch expr.Kind {
	case domain.ExprWhile:
		return lw.lowerWhile(expr, idHint)
	case domain.ExprFor:
		return lw.lowerFor(expr, idHint)
	case domain.ExprIter:
		return lw.lowerIter(expr, idHint)
	case domain.ExprSpawn:
		return lw.lowerSpawn(expr, idHint)
	case domain.ExprSend:
		return lw.lowerSend(expr, idHint)
	case domain.ExprRecv:
		return lw.lowerRecv(expr, idHint)
	case domain.ExprAwait:
		// await has a direct LIR instruction only when it carries none of
		// the fields that instruction can't express (spec.md §4.6 models
		// await as bare `await(target, future)`, with no timeout/fallback/
		// returnIndex fields at all). When those are present, fall through
		// to the wrapping bucket below so no semantics are lost.
		if expr.Timeout == nil && expr.Fallback == nil && !expr.ReturnIndex {
			return lw.lowerAwait(expr, idHint)
		}
		return lw.singleAssignBlock(*expr, idHint), nil
	default:
		// Every other kind wraps whole into a single assign instruction:
		// the ordinary CIR/EIR-non-loop forms (spec.md §4.7's "single-
		// instruction blocks" bucket), plus three PIR forms that have no
		// lossless LIR-instruction equivalent —
		//   - par must produce a list of every branch's result in branch
		//     order (spec.md §4.3); LIR's only merge primitive is phi,
		//     which resolves to one value per join, so a fork/join
		//     lowering of par would silently drop all but one branch's
		//     result. Wrapping keeps full fidelity by routing through
		//     internal/async's evalPar unchanged.
		//   - select/race pick a winner by genuine first-to-complete
		//     order; LIR has no "await-first-of-N" primitive (await
		//     blocks on one named future, fork/join waits for ALL
		//     branches), so neither can be expressed as LIR instructions
		//     without changing their winner-selection semantics.
		// channel allocation also lands here: spec.md §4.6 lists no
		// channel-alloc instruction kind, only channelOp over an existing
		// handle, so there is nothing dedicated to lower it to.
		return lw.singleAssignBlock(*expr, idHint), nil
	}
}

func (lw *Lowering) singleAssignBlock(expr domain.Expr, idHint string) *domain.Node {
	blockID := lw.genID(idHint + "_b")
	arg := domain.InlineArg(expr)
	return &domain.Node{
		ID:           lw.genID(idHint + "_blk"),
		Kind:         domain.NodeKindBlock,
		EntryBlockID: blockID,
		Blocks: []domain.Block{{
			ID:           blockID,
			Instructions: []domain.Instruction{{Kind: domain.InstrAssign, Target: resultReg, Expr: &arg}},
			Terminator:   domain.Terminator{Kind: domain.TermReturn, Value: varArg(resultReg)},
		}},
	}
}

func varArg(name string) *domain.Arg {
	a := domain.InlineArg(domain.Expr{Kind: domain.ExprVar, Name: name})
	return &a
}

func varArgVal(name string) domain.Arg {
	return domain.InlineArg(domain.Expr{Kind: domain.ExprVar, Name: name})
}

func litArgVal(v domain.Value) domain.Arg {
	return domain.InlineArg(domain.Expr{Kind: domain.ExprLit, LitValue: v})
}

func assignInstr(target string, arg domain.Arg) domain.Instruction {
	return domain.Instruction{Kind: domain.InstrAssign, Target: target, Expr: &arg}
}

func opInstr(target, ns, name string, args ...domain.Arg) domain.Instruction {
	return domain.Instruction{Kind: domain.InstrOp, Target: target, NS: ns, Name: name, Args: args}
}

func jumpTo(to string) domain.Terminator {
	return domain.Terminator{Kind: domain.TermJump, To: to}
}

// blankTarget is bound by instructions evaluated for effect only, whose
// result feeds no later register.
const blankTarget = "_"

// newBlockNode builds a block node from the given blocks with the given
// entry; the caller has already generated every block's id.
func newBlockNode(idHint string, entryID string, blocks ...domain.Block) *domain.Node {
	return &domain.Node{ID: idHint, Kind: domain.NodeKindBlock, EntryBlockID: entryID, Blocks: blocks}
}

// lowerWhile builds the head/cond/body/exit triple spec.md §4.7 calls for.
// The loop body is evaluated as a single instruction (it may itself be an
// arbitrarily compound seq/do expression) — only the loop's own control
// flow is expressed as real blocks; the body's internal structure is not
// recursively flattened.
func (lw *Lowering) lowerWhile(expr *domain.Expr, idHint string) (*domain.Node, error) {
	headID := lw.genID(idHint + "_head")
	bodyID := lw.genID(idHint + "_body")
	exitID := lw.genID(idHint + "_exit")

	head := domain.Block{
		ID:           headID,
		Instructions: []domain.Instruction{assignInstr("cond", *expr.Cond)},
		Terminator:   domain.Terminator{Kind: domain.TermCond, CondValue: "cond", Then: bodyID, Else: exitID},
	}
	body := domain.Block{
		ID:           bodyID,
		Instructions: []domain.Instruction{assignInstr(blankTarget, *expr.Body)},
		Terminator:   jumpTo(headID),
	}
	exit := domain.Block{ID: exitID, Terminator: domain.Terminator{Kind: domain.TermReturn}}

	return newBlockNode(lw.genID(idHint+"_blk"), headID, head, body, exit), nil
}

// lowerFor builds an init/head/body/update/exit chain: Init seeds the loop
// register once, Update rewrites it every iteration before jumping back to
// the head's condition check — the register is reassigned in place each
// pass, which is exactly what a CFG register is for.
func (lw *Lowering) lowerFor(expr *domain.Expr, idHint string) (*domain.Node, error) {
	headID := lw.genID(idHint + "_head")
	bodyID := lw.genID(idHint + "_body")
	updateID := lw.genID(idHint + "_update")
	exitID := lw.genID(idHint + "_exit")

	var blocks []domain.Block
	entryID := headID
	if expr.Init != nil {
		initID := lw.genID(idHint + "_init")
		entryID = initID
		blocks = append(blocks, domain.Block{
			ID:           initID,
			Instructions: []domain.Instruction{assignInstr(expr.Name, *expr.Init)},
			Terminator:   jumpTo(headID),
		})
	}

	blocks = append(blocks,
		domain.Block{
			ID:           headID,
			Instructions: []domain.Instruction{assignInstr("cond", *expr.Cond)},
			Terminator:   domain.Terminator{Kind: domain.TermCond, CondValue: "cond", Then: bodyID, Else: exitID},
		},
		domain.Block{
			ID:           bodyID,
			Instructions: []domain.Instruction{assignInstr(blankTarget, *expr.Body)},
			Terminator:   jumpTo(updateID),
		},
		domain.Block{
			ID:           updateID,
			Instructions: []domain.Instruction{assignInstr(expr.Name, *expr.Update)},
			Terminator:   jumpTo(headID),
		},
		domain.Block{ID: exitID, Terminator: domain.Terminator{Kind: domain.TermReturn}},
	)

	return newBlockNode(lw.genID(idHint+"_blk"), entryID, blocks...), nil
}

// lowerIter has no dedicated LIR form of its own (spec.md §4.6 lists no
// iteration instruction), so it is expressed as an ordinary index-counted
// for-loop over list:length/list:nth — the same two operators C3 already
// exposes, rather than inventing a new instruction kind for it.
func (lw *Lowering) lowerIter(expr *domain.Expr, idHint string) (*domain.Node, error) {
	setupID := lw.genID(idHint + "_setup")
	headID := lw.genID(idHint + "_head")
	bodyID := lw.genID(idHint + "_body")
	updateID := lw.genID(idHint + "_update")
	exitID := lw.genID(idHint + "_exit")

	setup := domain.Block{
		ID: setupID,
		Instructions: []domain.Instruction{
			assignInstr("items", *expr.Iter),
			assignInstr("idx", litArgVal(domain.Int(0))),
			opInstr("n", "list", "length", varArgVal("items")),
		},
		Terminator: jumpTo(headID),
	}
	head := domain.Block{
		ID:           headID,
		Instructions: []domain.Instruction{opInstr("cond", "core", "lt", varArgVal("idx"), varArgVal("n"))},
		Terminator:   domain.Terminator{Kind: domain.TermCond, CondValue: "cond", Then: bodyID, Else: exitID},
	}
	body := domain.Block{
		ID: bodyID,
		Instructions: []domain.Instruction{
			opInstr(expr.Name, "list", "nth", varArgVal("items"), varArgVal("idx")),
			assignInstr(blankTarget, *expr.Body),
		},
		Terminator: jumpTo(updateID),
	}
	update := domain.Block{
		ID:           updateID,
		Instructions: []domain.Instruction{opInstr("idx", "core", "add", varArgVal("idx"), litArgVal(domain.Int(1)))},
		Terminator:   jumpTo(headID),
	}
	exit := domain.Block{ID: exitID, Terminator: domain.Terminator{Kind: domain.TermReturn}}

	return newBlockNode(lw.genID(idHint+"_blk"), setupID, setup, head, body, update, exit), nil
}

// lowerSpawn lowers the task body into its own block node (registered into
// the document separately, since InstrSpawn references a task by node id)
// and emits a single InstrSpawn. Like C12's own execSpawn, the spawned
// block only closes over the document's root environment, not the
// spawning block's local registers — spawn's task body is expected to be
// self-contained or operate through airDefs/refs, the same assumption
// internal/async's evalSpawn makes by snapshotting the lexical Env rather
// than register state.
func (lw *Lowering) lowerSpawn(expr *domain.Expr, idHint string) (*domain.Node, error) {
	taskNode, err := lw.lowerExpr(taskExpr(expr.Task), idHint+"_task")
	if err != nil {
		return nil, err
	}
	taskID := lw.appendNode(*taskNode)

	blockID := lw.genID(idHint + "_b")
	block := domain.Block{
		ID:           blockID,
		Instructions: []domain.Instruction{{Kind: domain.InstrSpawn, Target: resultReg, TaskBlockRef: taskID}},
		Terminator:   domain.Terminator{Kind: domain.TermReturn, Value: varArg(resultReg)},
	}
	return newBlockNode(lw.genID(idHint+"_blk"), blockID, block), nil
}

// taskExpr unwraps an inline task Arg for recursive lowering. A ref-typed
// task (an existing node id) is represented as an ExprRefNode so lowerExpr
// falls through to the wrapping bucket, preserving whatever that
// referenced node already does.
func taskExpr(a *domain.Arg) *domain.Expr {
	if a.IsRef() {
		return &domain.Expr{Kind: domain.ExprRefNode, NS: a.Ref}
	}
	return a.Inline
}

// lowerAwait is only reached when the caller has confirmed expr carries no
// timeout/fallback/returnIndex (see lowerExpr) — so a bare InstrAwait over
// the lowered future expression is a faithful translation.
func (lw *Lowering) lowerAwait(expr *domain.Expr, idHint string) (*domain.Node, error) {
	futureReg := "future"
	blockID := lw.genID(idHint + "_b")
	block := domain.Block{
		ID: blockID,
		Instructions: []domain.Instruction{
			assignInstr(futureReg, *expr.Future),
			{Kind: domain.InstrAwait, Target: resultReg, Future: varArgVal(futureReg)},
		},
		Terminator: domain.Terminator{Kind: domain.TermReturn, Value: varArg(resultReg)},
	}
	return newBlockNode(lw.genID(idHint+"_blk"), blockID, block), nil
}

// lowerSend lowers send(channel, value) into a single channelOp instruction.
func (lw *Lowering) lowerSend(expr *domain.Expr, idHint string) (*domain.Node, error) {
	if len(expr.Args) == 0 {
		return nil, domain.NewFault(domain.ErrValidationError, "lowering: send requires a value argument", nil)
	}
	chanReg := "chan"
	blockID := lw.genID(idHint + "_b")
	block := domain.Block{
		ID: blockID,
		Instructions: []domain.Instruction{
			assignInstr(chanReg, *expr.Channel),
			{Kind: domain.InstrChannelOp, Target: blankTarget, ChannelOp: domain.ChannelOpSend, Channel: varArgVal(chanReg), SendValue: &expr.Args[0]},
		},
		Terminator: domain.Terminator{Kind: domain.TermReturn},
	}
	return newBlockNode(lw.genID(idHint+"_blk"), blockID, block), nil
}

// lowerRecv lowers recv(channel) into a single channelOp instruction.
func (lw *Lowering) lowerRecv(expr *domain.Expr, idHint string) (*domain.Node, error) {
	chanReg := "chan"
	blockID := lw.genID(idHint + "_b")
	block := domain.Block{
		ID: blockID,
		Instructions: []domain.Instruction{
			assignInstr(chanReg, *expr.Channel),
			{Kind: domain.InstrChannelOp, Target: resultReg, ChannelOp: domain.ChannelOpRecv, Channel: varArgVal(chanReg)},
		},
		Terminator: domain.Terminator{Kind: domain.TermReturn, Value: varArg(resultReg)},
	}
	return newBlockNode(lw.genID(idHint+"_blk"), blockID, block), nil
}
