package lir

import (
	"context"
	"testing"

	"github.com/spiral-run/spiral/internal/async"
	"github.com/spiral-run/spiral/internal/channelstore"
	"github.com/spiral-run/spiral/internal/domain"
	"github.com/spiral-run/spiral/internal/effect"
	"github.com/spiral-run/spiral/internal/env"
	"github.com/spiral-run/spiral/internal/eval"
	"github.com/spiral-run/spiral/internal/registry"
	"github.com/spiral-run/spiral/internal/resolver"
	"github.com/spiral-run/spiral/internal/scheduler"
)

func litArg(v domain.Value) domain.Arg {
	return domain.InlineArg(domain.Expr{Kind: domain.ExprLit, LitValue: v})
}

func varArg(name string) domain.Arg {
	return domain.InlineArg(domain.Expr{Kind: domain.ExprVar, Name: name})
}

func newTestEvaluator(doc *domain.Document) (*Evaluator, *eval.Evaluator, *scheduler.Scheduler, *channelstore.Store) {
	res := resolver.New(nil)
	ev := eval.New(doc, registry.NewCoreRegistry(), effect.NewRegistry(), res, 100000)
	sched := scheduler.New(domain.SchedulerBreadthFirst, 100000)
	channels := channelstore.New()
	async.New(ev, sched, channels) // wires ev.Async so ExprChannel/ExprSpawn/etc. operands resolve too
	lv := New(doc, registry.NewCoreRegistry(), effect.NewRegistry(), res, ev, 100000)
	lv.Scheduler = sched
	lv.Channels = channels
	return lv, ev, sched, channels
}

func TestLinearBlockOpAndReturn(t *testing.T) {
	block := domain.Block{
		ID: "entry",
		Instructions: []domain.Instruction{
			{Kind: domain.InstrOp, Target: "sum", NS: "core", Name: "add", Args: []domain.Arg{litArg(domain.Int(2)), litArg(domain.Int(3))}},
		},
		Terminator: domain.Terminator{Kind: domain.TermReturn, Value: func() *domain.Arg { a := varArg("sum"); return &a }()},
	}
	doc := &domain.Document{Nodes: []domain.Node{
		{ID: "blk1", Kind: domain.NodeKindBlock, Blocks: []domain.Block{block}, EntryBlockID: "entry"},
	}}
	lv, _, _, _ := newTestEvaluator(doc)
	v, err := lv.Eval(context.Background(), env.New(), "blk1")
	if err != nil || v.I != 5 {
		t.Fatalf("expected 5, got %+v %v", v, err)
	}
}

func TestCondDiamondWithPhi(t *testing.T) {
	// entry: cond = (core:lte 1 0) [false]; jumps to elseBlk, sets x_else=0,
	// joins at "join" which phi-selects the matching branch's register.
	entry := domain.Block{
		ID: "entry",
		Instructions: []domain.Instruction{
			{Kind: domain.InstrOp, Target: "cond", NS: "core", Name: "lte", Args: []domain.Arg{litArg(domain.Int(1)), litArg(domain.Int(0))}},
		},
		Terminator: domain.Terminator{Kind: domain.TermCond, CondValue: "cond", Then: "thenBlk", Else: "elseBlk"},
	}
	thenBlk := domain.Block{
		ID: "thenBlk",
		Instructions: []domain.Instruction{
			{Kind: domain.InstrAssign, Target: "x_then", Expr: func() *domain.Arg { a := litArg(domain.Int(1)); return &a }()},
		},
		Terminator: domain.Terminator{Kind: domain.TermJump, To: "join"},
	}
	elseBlk := domain.Block{
		ID: "elseBlk",
		Instructions: []domain.Instruction{
			{Kind: domain.InstrAssign, Target: "x_else", Expr: func() *domain.Arg { a := litArg(domain.Int(0)); return &a }()},
		},
		Terminator: domain.Terminator{Kind: domain.TermJump, To: "join"},
	}
	join := domain.Block{
		ID: "join",
		Instructions: []domain.Instruction{
			{Kind: domain.InstrPhi, Target: "result", Sources: []domain.PhiSource{
				{Block: "thenBlk", ID: "x_then"},
				{Block: "elseBlk", ID: "x_else"},
			}},
		},
		Terminator: domain.Terminator{Kind: domain.TermReturn, Value: func() *domain.Arg { a := varArg("result"); return &a }()},
	}
	doc := &domain.Document{Nodes: []domain.Node{
		{ID: "blk1", Kind: domain.NodeKindBlock, Blocks: []domain.Block{entry, thenBlk, elseBlk, join}, EntryBlockID: "entry"},
	}}
	lv, _, _, _ := newTestEvaluator(doc)
	v, err := lv.Eval(context.Background(), env.New(), "blk1")
	if err != nil || v.I != 0 {
		t.Fatalf("expected else branch's 0 (1 <= 0 is false), got %+v %v", v, err)
	}
}

func TestSpawnAndAwaitInstructions(t *testing.T) {
	taskBlock := domain.Block{
		ID: "taskEntry",
		Terminator: domain.Terminator{Kind: domain.TermReturn, Value: func() *domain.Arg { a := varArg("arg0"); return &a }()},
	}
	entry := domain.Block{
		ID: "entry",
		Instructions: []domain.Instruction{
			{Kind: domain.InstrSpawn, Target: "fut", TaskBlockRef: "task1", SpawnArgs: []domain.Arg{litArg(domain.Int(42))}},
			{Kind: domain.InstrAwait, Target: "result", Future: varArg("fut")},
		},
		Terminator: domain.Terminator{Kind: domain.TermReturn, Value: func() *domain.Arg { a := varArg("result"); return &a }()},
	}
	doc := &domain.Document{Nodes: []domain.Node{
		{ID: "task1", Kind: domain.NodeKindBlock, Blocks: []domain.Block{taskBlock}, EntryBlockID: "taskEntry"},
		{ID: "blk1", Kind: domain.NodeKindBlock, Blocks: []domain.Block{entry}, EntryBlockID: "entry"},
	}}
	lv, _, _, _ := newTestEvaluator(doc)
	v, err := lv.Eval(context.Background(), env.New(), "blk1")
	if err != nil || v.I != 42 {
		t.Fatalf("expected 42, got %+v %v", v, err)
	}
}

func TestChannelOpInstructions(t *testing.T) {
	setup := domain.Block{
		ID: "entry",
		Instructions: []domain.Instruction{
			{Kind: domain.InstrAssign, Target: "ch", Expr: func() *domain.Arg {
				a := domain.InlineArg(domain.Expr{Kind: domain.ExprChannel, ChannelType: "int"})
				return &a
			}()},
			{Kind: domain.InstrChannelOp, Target: "_", ChannelOp: domain.ChannelOpSend, Channel: varArg("ch"), SendValue: func() *domain.Arg { a := litArg(domain.Int(7)); return &a }()},
			{Kind: domain.InstrChannelOp, Target: "received", ChannelOp: domain.ChannelOpRecv, Channel: varArg("ch")},
		},
		Terminator: domain.Terminator{Kind: domain.TermReturn, Value: func() *domain.Arg { a := varArg("received"); return &a }()},
	}
	doc := &domain.Document{Nodes: []domain.Node{
		{ID: "blk1", Kind: domain.NodeKindBlock, Blocks: []domain.Block{setup}, EntryBlockID: "entry"},
	}}
	lv, _, _, _ := newTestEvaluator(doc)
	v, err := lv.Eval(context.Background(), env.New(), "blk1")
	if err != nil || v.I != 7 {
		t.Fatalf("expected 7, got %+v %v", v, err)
	}
}

func TestForkJoinRunsBranchesConcurrently(t *testing.T) {
	leftBlk := domain.Block{
		ID: "left",
		Instructions: []domain.Instruction{
			{Kind: domain.InstrAssign, Target: "l", Expr: func() *domain.Arg { a := litArg(domain.Int(10)); return &a }()},
		},
		Terminator: domain.Terminator{Kind: domain.TermJump, To: "join"},
	}
	rightBlk := domain.Block{
		ID: "right",
		Instructions: []domain.Instruction{
			{Kind: domain.InstrAssign, Target: "r", Expr: func() *domain.Arg { a := litArg(domain.Int(20)); return &a }()},
		},
		Terminator: domain.Terminator{Kind: domain.TermJump, To: "join"},
	}
	entry := domain.Block{
		ID:         "entry",
		Terminator: domain.Terminator{Kind: domain.TermFork, Branches: []string{"left", "right"}, JoinNode: "join"},
	}
	join := domain.Block{
		ID: "join",
		Instructions: []domain.Instruction{
			{Kind: domain.InstrPhi, Target: "picked", Sources: []domain.PhiSource{
				{Block: "left", ID: "l"},
				{Block: "right", ID: "r"},
			}},
		},
		Terminator: domain.Terminator{Kind: domain.TermReturn, Value: func() *domain.Arg { a := varArg("picked"); return &a }()},
	}
	doc := &domain.Document{Nodes: []domain.Node{
		{ID: "blk1", Kind: domain.NodeKindBlock, Blocks: []domain.Block{entry, leftBlk, rightBlk, join}, EntryBlockID: "entry"},
	}}
	lv, _, _, _ := newTestEvaluator(doc)
	v, err := lv.Eval(context.Background(), env.New(), "blk1")
	if err != nil {
		t.Fatal(err)
	}
	if v.I != 10 && v.I != 20 {
		t.Fatalf("expected one branch's value (10 or 20), got %+v", v)
	}
}

func TestNonTerminationCaughtAcrossBlocks(t *testing.T) {
	a := domain.Block{ID: "a", Terminator: domain.Terminator{Kind: domain.TermJump, To: "b"}}
	b := domain.Block{ID: "b", Terminator: domain.Terminator{Kind: domain.TermJump, To: "a"}}
	doc := &domain.Document{Nodes: []domain.Node{
		{ID: "blk1", Kind: domain.NodeKindBlock, Blocks: []domain.Block{a, b}, EntryBlockID: "a"},
	}}
	res := resolver.New(nil)
	ev := eval.New(doc, registry.NewCoreRegistry(), effect.NewRegistry(), res, 50)
	lv := New(doc, registry.NewCoreRegistry(), effect.NewRegistry(), res, ev, 50)
	_, err := lv.Eval(context.Background(), env.New(), "blk1")
	if err == nil {
		t.Fatal("expected non-termination error for an infinite jump loop")
	}
}
