package async

import (
	"context"
	"testing"
	"time"

	"github.com/spiral-run/spiral/internal/channelstore"
	"github.com/spiral-run/spiral/internal/domain"
	"github.com/spiral-run/spiral/internal/effect"
	"github.com/spiral-run/spiral/internal/env"
	"github.com/spiral-run/spiral/internal/eval"
	"github.com/spiral-run/spiral/internal/registry"
	"github.com/spiral-run/spiral/internal/resolver"
	"github.com/spiral-run/spiral/internal/scheduler"
)

func exprNode(id string, e domain.Expr) domain.Node {
	return domain.Node{ID: id, Kind: domain.NodeKindExpression, Expr: &e}
}

func newHarness(doc *domain.Document, mode domain.SchedulerMode) (*eval.Evaluator, *Dispatcher) {
	ev := eval.New(doc, registry.NewCoreRegistry(), effect.NewRegistry(), resolver.New(nil), 100000)
	d := New(ev, scheduler.New(mode, 100000), channelstore.New())
	return ev, d
}

func litArg(v domain.Value) domain.Arg {
	return domain.InlineArg(domain.Expr{Kind: domain.ExprLit, LitValue: v})
}

func TestSpawnAwaitReturnsValue(t *testing.T) {
	taskArg := litArg(domain.Int(99))
	doc := &domain.Document{Nodes: []domain.Node{
		exprNode("spawned", domain.Expr{Kind: domain.ExprSpawn, Task: &taskArg}),
		exprNode("n1", domain.Expr{Kind: domain.ExprAwait, Future: refArg("spawned")}),
	}}
	ev, _ := newHarness(doc, domain.SchedulerBreadthFirst)
	v, err := ev.Eval(context.Background(), env.New(), "n1")
	if err != nil || v.I != 99 {
		t.Fatalf("expected 99, got %+v %v", v, err)
	}
}

func TestAwaitTimeoutFallback(t *testing.T) {
	// A task that blocks past the await's 10ms timeout; fallback returns -1.
	sleepTaskArg := domain.InlineArg(domain.Expr{Kind: domain.ExprEffect, NS: "test:sleep"})
	timeoutArg := litArg(domain.Int(10))
	fallbackArg := litArg(domain.Int(-1))
	doc := &domain.Document{Nodes: []domain.Node{
		exprNode("spawned", domain.Expr{Kind: domain.ExprSpawn, Task: &sleepTaskArg}),
		exprNode("n1", domain.Expr{Kind: domain.ExprAwait, Future: refArg("spawned"), Timeout: &timeoutArg, Fallback: &fallbackArg}),
	}}
	effects := effect.NewRegistry()
	_ = effects.Register(effect.DefineEffect("test", "sleep").Arity(0).Fn(func(ctx context.Context, args []domain.Value) (domain.Value, error) {
		time.Sleep(200 * time.Millisecond)
		return domain.Int(1), nil
	}).Build())
	ev := eval.New(doc, registry.NewCoreRegistry(), effects, resolver.New(nil), 100000)
	New(ev, scheduler.New(domain.SchedulerBreadthFirst, 100000), channelstore.New())

	v, err := ev.Eval(context.Background(), env.New(), "n1")
	if err != nil || v.I != -1 {
		t.Fatalf("expected fallback -1, got %+v %v", v, err)
	}
}

func TestChannelSendRecvRoundTrip(t *testing.T) {
	bufSize := litArg(domain.Int(1))
	chanExpr := domain.InlineArg(domain.Expr{Kind: domain.ExprChannel, ChannelType: "int", BufferSize: &bufSize})
	doc := &domain.Document{Nodes: []domain.Node{
		exprNode("ch", domain.Expr{Kind: domain.ExprChannel, ChannelType: "int", BufferSize: &bufSize}),
		exprNode("n1", domain.Expr{Kind: domain.ExprSeq, Exprs: []domain.Arg{
			domain.InlineArg(domain.Expr{Kind: domain.ExprSend, Channel: refArg("ch"), Args: []domain.Arg{litArg(domain.Int(5))}}),
			domain.InlineArg(domain.Expr{Kind: domain.ExprRecv, Channel: refArg("ch")}),
		}}),
	}}
	_ = chanExpr
	ev, _ := newHarness(doc, domain.SchedulerBreadthFirst)
	v, err := ev.Eval(context.Background(), env.New(), "n1")
	if err != nil || v.I != 5 {
		t.Fatalf("expected 5, got %+v %v", v, err)
	}
}

func TestParSequentialPreservesOrder(t *testing.T) {
	doc := &domain.Document{Nodes: []domain.Node{
		exprNode("n1", domain.Expr{Kind: domain.ExprPar, Exprs: []domain.Arg{
			litArg(domain.Int(1)), litArg(domain.Int(2)), litArg(domain.Int(3)),
		}}),
	}}
	ev, _ := newHarness(doc, domain.SchedulerSequential)
	v, err := ev.Eval(context.Background(), env.New(), "n1")
	if err != nil {
		t.Fatal(err)
	}
	if len(v.List) != 3 || v.List[0].I != 1 || v.List[1].I != 2 || v.List[2].I != 3 {
		t.Fatalf("expected [1,2,3], got %+v", v.List)
	}
}

func TestParConcurrentPreservesBranchOrder(t *testing.T) {
	doc := &domain.Document{Nodes: []domain.Node{
		exprNode("n1", domain.Expr{Kind: domain.ExprPar, Exprs: []domain.Arg{
			litArg(domain.Int(10)), litArg(domain.Int(20)),
		}}),
	}}
	ev, _ := newHarness(doc, domain.SchedulerBreadthFirst)
	v, err := ev.Eval(context.Background(), env.New(), "n1")
	if err != nil {
		t.Fatal(err)
	}
	if len(v.List) != 2 || v.List[0].I != 10 || v.List[1].I != 20 {
		t.Fatalf("expected [10,20] in branch order, got %+v", v.List)
	}
}

func TestRaceReturnsFastestTask(t *testing.T) {
	fastArg := litArg(domain.Int(1))
	slowArg := domain.InlineArg(domain.Expr{Kind: domain.ExprEffect, NS: "test:slow"})
	doc := &domain.Document{Nodes: []domain.Node{
		exprNode("n1", domain.Expr{Kind: domain.ExprRace, Tasks: []domain.Arg{slowArg, fastArg}}),
	}}
	effects := effect.NewRegistry()
	_ = effects.Register(effect.DefineEffect("test", "slow").Arity(0).Fn(func(ctx context.Context, args []domain.Value) (domain.Value, error) {
		time.Sleep(100 * time.Millisecond)
		return domain.Int(999), nil
	}).Build())
	ev := eval.New(doc, registry.NewCoreRegistry(), effects, resolver.New(nil), 100000)
	New(ev, scheduler.New(domain.SchedulerBreadthFirst, 100000), channelstore.New())

	v, err := ev.Eval(context.Background(), env.New(), "n1")
	if err != nil || v.I != 1 {
		t.Fatalf("expected fast task's value 1, got %+v %v", v, err)
	}
}

func refArg(id string) *domain.Arg {
	a := domain.RefArg(id)
	return &a
}
