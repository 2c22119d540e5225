package eval

import (
	"context"
	"testing"

	"github.com/spiral-run/spiral/internal/domain"
	"github.com/spiral-run/spiral/internal/effect"
	"github.com/spiral-run/spiral/internal/env"
	"github.com/spiral-run/spiral/internal/registry"
	"github.com/spiral-run/spiral/internal/resolver"
)

func exprNode(id string, e domain.Expr) domain.Node {
	return domain.Node{ID: id, Kind: domain.NodeKindExpression, Expr: &e}
}

func newEval(doc *domain.Document) *Evaluator {
	return New(doc, registry.NewCoreRegistry(), effect.NewRegistry(), resolver.New(nil), 100000)
}

func TestEvalLitAndVar(t *testing.T) {
	doc := &domain.Document{Nodes: []domain.Node{exprNode("n1", domain.Expr{Kind: domain.ExprLit, LitValue: domain.Int(5)})}}
	ev := newEval(doc)
	v, err := ev.Eval(context.Background(), env.New(), "n1")
	if err != nil || v.I != 5 {
		t.Fatalf("expected 5, got %+v %v", v, err)
	}
}

func TestEvalIf(t *testing.T) {
	thenArg := domain.InlineArg(domain.Expr{Kind: domain.ExprLit, LitValue: domain.Str("yes")})
	elseArg := domain.InlineArg(domain.Expr{Kind: domain.ExprLit, LitValue: domain.Str("no")})
	condArg := domain.InlineArg(domain.Expr{Kind: domain.ExprLit, LitValue: domain.Bool(true)})
	doc := &domain.Document{Nodes: []domain.Node{
		exprNode("n1", domain.Expr{Kind: domain.ExprIf, Cond: &condArg, Then: &thenArg, Else: &elseArg}),
	}}
	ev := newEval(doc)
	v, err := ev.Eval(context.Background(), env.New(), "n1")
	if err != nil || v.S != "yes" {
		t.Fatalf("expected yes, got %+v %v", v, err)
	}
}

func TestEvalLetAndCallAdd(t *testing.T) {
	xArg := domain.InlineArg(domain.Expr{Kind: domain.ExprLit, LitValue: domain.Int(2)})
	addArgs := []domain.Arg{
		domain.InlineArg(domain.Expr{Kind: domain.ExprVar, Name: "x"}),
		domain.InlineArg(domain.Expr{Kind: domain.ExprLit, LitValue: domain.Int(3)}),
	}
	bodyArg := domain.InlineArg(domain.Expr{Kind: domain.ExprCall, NS: "core:add", Args: addArgs})
	doc := &domain.Document{Nodes: []domain.Node{
		exprNode("n1", domain.Expr{Kind: domain.ExprLet, Name: "x", Value: &xArg, Body: &bodyArg}),
	}}
	ev := newEval(doc)
	v, err := ev.Eval(context.Background(), env.New(), "n1")
	if err != nil || v.I != 5 {
		t.Fatalf("expected 5, got %+v %v", v, err)
	}
}

func TestEvalLambdaApplication(t *testing.T) {
	// (lambda (x) (core:add x 1)) applied to 41 => 42
	addArgs := []domain.Arg{
		domain.InlineArg(domain.Expr{Kind: domain.ExprVar, Name: "x"}),
		domain.InlineArg(domain.Expr{Kind: domain.ExprLit, LitValue: domain.Int(1)}),
	}
	lambdaArg := domain.InlineArg(domain.Expr{
		Kind:    domain.ExprLambda,
		Params:  []domain.Param{{Name: "x", Required: true}},
		BodyRef: "body",
	})
	argExpr := domain.InlineArg(domain.Expr{Kind: domain.ExprLit, LitValue: domain.Int(41)})
	doc := &domain.Document{Nodes: []domain.Node{
		exprNode("body", domain.Expr{Kind: domain.ExprCall, NS: "core:add", Args: addArgs}),
		exprNode("n1", domain.Expr{Kind: domain.ExprCallExpr, Fn: &lambdaArg, Args: []domain.Arg{argExpr}}),
	}}
	ev := newEval(doc)
	v, err := ev.Eval(context.Background(), env.New(), "n1")
	if err != nil || v.I != 42 {
		t.Fatalf("expected 42, got %+v %v", v, err)
	}
}

func TestEvalFixFactorial(t *testing.T) {
	// fix(lambda([self, n], if (core:lte n 1) 1 (core:mul n (self self (core:sub n 1)))))
	// Params[0] ("self") is the fix convention: every recursive call must
	// pass the closure's own value along explicitly as the first argument,
	// since fix has no named-closure shortcut to splice it in otherwise.
	nLteOne := domain.InlineArg(domain.Expr{Kind: domain.ExprCall, NS: "core:lte", Args: []domain.Arg{
		domain.InlineArg(domain.Expr{Kind: domain.ExprVar, Name: "n"}),
		domain.InlineArg(domain.Expr{Kind: domain.ExprLit, LitValue: domain.Int(1)}),
	}})
	oneLit := domain.InlineArg(domain.Expr{Kind: domain.ExprLit, LitValue: domain.Int(1)})
	selfArg := domain.InlineArg(domain.Expr{Kind: domain.ExprVar, Name: "self"})
	nMinusOne := domain.InlineArg(domain.Expr{Kind: domain.ExprCall, NS: "core:sub", Args: []domain.Arg{
		domain.InlineArg(domain.Expr{Kind: domain.ExprVar, Name: "n"}),
		domain.InlineArg(domain.Expr{Kind: domain.ExprLit, LitValue: domain.Int(1)}),
	}})
	recCall := domain.InlineArg(domain.Expr{Kind: domain.ExprCallExpr, Fn: &selfArg, Args: []domain.Arg{selfArg, nMinusOne}})
	elseBranch := domain.InlineArg(domain.Expr{Kind: domain.ExprCall, NS: "core:mul", Args: []domain.Arg{
		domain.InlineArg(domain.Expr{Kind: domain.ExprVar, Name: "n"}),
		recCall,
	}})
	lambdaArg := domain.InlineArg(domain.Expr{
		Kind:    domain.ExprLambda,
		Params:  []domain.Param{{Name: "self", Required: true}, {Name: "n", Required: true}},
		BodyRef: "fnBody",
	})

	doc := &domain.Document{Nodes: []domain.Node{
		exprNode("fnBody", domain.Expr{Kind: domain.ExprIf, Cond: &nLteOne, Then: &oneLit, Else: &elseBranch}),
		exprNode("fixed", domain.Expr{Kind: domain.ExprFix, Fn: &lambdaArg}),
		exprNode("n1", domain.Expr{Kind: domain.ExprCallExpr,
			Fn: refArg("fixed"),
			Args: []domain.Arg{
				domain.RefArg("fixed"),
				domain.InlineArg(domain.Expr{Kind: domain.ExprLit, LitValue: domain.Int(5)}),
			}}),
	}}
	ev := newEval(doc)
	v, err := ev.Eval(context.Background(), env.New(), "n1")
	if err != nil {
		t.Fatal(err)
	}
	if v.IsError() {
		t.Fatalf("unexpected error value: %+v", v.Err)
	}
	if v.I != 120 {
		t.Fatalf("expected 5! = 120, got %+v", v)
	}
}

func refArg(id string) *domain.Arg {
	a := domain.RefArg(id)
	return &a
}

func TestEvalAssignDerefSeq(t *testing.T) {
	assignExpr := domain.InlineArg(domain.Expr{Kind: domain.ExprAssign, Name: "counter",
		Value: inlinePtr(domain.Expr{Kind: domain.ExprLit, LitValue: domain.Int(10)})})
	derefExpr := domain.InlineArg(domain.Expr{Kind: domain.ExprDeref, Name: "counter"})
	doc := &domain.Document{Nodes: []domain.Node{
		exprNode("n1", domain.Expr{Kind: domain.ExprSeq, Exprs: []domain.Arg{assignExpr, derefExpr}}),
	}}
	ev := newEval(doc)
	v, err := ev.Eval(context.Background(), env.New(), "n1")
	if err != nil || v.I != 10 {
		t.Fatalf("expected 10, got %+v %v", v, err)
	}
}

func inlinePtr(e domain.Expr) *domain.Arg {
	a := domain.InlineArg(e)
	return &a
}

func TestEvalWhileLoop(t *testing.T) {
	// assign i = 0; while (core:lt i 3) { assign i = (core:add i 1) }; deref i
	initAssign := domain.InlineArg(domain.Expr{Kind: domain.ExprAssign, Name: "i",
		Value: inlinePtr(domain.Expr{Kind: domain.ExprLit, LitValue: domain.Int(0)})})
	cond := domain.InlineArg(domain.Expr{Kind: domain.ExprCall, NS: "core:lt", Args: []domain.Arg{
		domain.InlineArg(domain.Expr{Kind: domain.ExprDeref, Name: "i"}),
		domain.InlineArg(domain.Expr{Kind: domain.ExprLit, LitValue: domain.Int(3)}),
	}})
	bodyAssign := domain.InlineArg(domain.Expr{Kind: domain.ExprAssign, Name: "i",
		Value: inlinePtr(domain.Expr{Kind: domain.ExprCall, NS: "core:add", Args: []domain.Arg{
			domain.InlineArg(domain.Expr{Kind: domain.ExprDeref, Name: "i"}),
			domain.InlineArg(domain.Expr{Kind: domain.ExprLit, LitValue: domain.Int(1)}),
		}})})
	whileExpr := domain.InlineArg(domain.Expr{Kind: domain.ExprWhile, Cond: &cond, Body: &bodyAssign})
	derefFinal := domain.InlineArg(domain.Expr{Kind: domain.ExprDeref, Name: "i"})
	doc := &domain.Document{Nodes: []domain.Node{
		exprNode("n1", domain.Expr{Kind: domain.ExprSeq, Exprs: []domain.Arg{initAssign, whileExpr, derefFinal}}),
	}}
	ev := newEval(doc)
	v, err := ev.Eval(context.Background(), env.New(), "n1")
	if err != nil || v.I != 3 {
		t.Fatalf("expected 3, got %+v %v", v, err)
	}
}

func TestEvalTryCatchesError(t *testing.T) {
	divByZero := domain.InlineArg(domain.Expr{Kind: domain.ExprCall, NS: "core:div", Args: []domain.Arg{
		domain.InlineArg(domain.Expr{Kind: domain.ExprLit, LitValue: domain.Int(1)}),
		domain.InlineArg(domain.Expr{Kind: domain.ExprLit, LitValue: domain.Int(0)}),
	}})
	catchBody := domain.InlineArg(domain.Expr{Kind: domain.ExprLit, LitValue: domain.Str("caught")})
	doc := &domain.Document{Nodes: []domain.Node{
		exprNode("n1", domain.Expr{Kind: domain.ExprTry, Body: &divByZero, CatchParam: "e", CatchBody: &catchBody}),
	}}
	ev := newEval(doc)
	v, err := ev.Eval(context.Background(), env.New(), "n1")
	if err != nil || v.S != "caught" {
		t.Fatalf("expected caught, got %+v %v", v, err)
	}
}

func TestEvalUnboundIdentifier(t *testing.T) {
	doc := &domain.Document{Nodes: []domain.Node{
		exprNode("n1", domain.Expr{Kind: domain.ExprVar, Name: "nope"}),
	}}
	ev := newEval(doc)
	v, err := ev.Eval(context.Background(), env.New(), "n1")
	if err != nil {
		t.Fatal(err)
	}
	if !v.IsError() || v.Err.Code != domain.ErrUnboundIdentifier {
		t.Fatalf("expected UnboundIdentifier, got %+v", v)
	}
}

func TestEvalEffectDispatch(t *testing.T) {
	effects := effect.NewRegistry()
	var captured string
	_ = effects.Register(effect.DefineEffect("test", "capture").Arity(1).Fn(func(ctx context.Context, args []domain.Value) (domain.Value, error) {
		captured = args[0].S
		return domain.Void, nil
	}).Build())
	doc := &domain.Document{Nodes: []domain.Node{
		exprNode("n1", domain.Expr{Kind: domain.ExprEffect, NS: "test:capture", Args: []domain.Arg{
			domain.InlineArg(domain.Expr{Kind: domain.ExprLit, LitValue: domain.Str("hello")}),
		}}),
	}}
	ev := New(doc, registry.NewCoreRegistry(), effects, resolver.New(nil), 1000)
	_, err := ev.Eval(context.Background(), env.New(), "n1")
	if err != nil {
		t.Fatal(err)
	}
	if captured != "hello" {
		t.Fatalf("expected effect to capture hello, got %q", captured)
	}
}

func TestEvalMemoizesBoundNodeOnce(t *testing.T) {
	// n1 referenced by id from two places; underlying literal is only
	// evaluated once thanks to the memo cache (observed indirectly here
	// since literals are pure — the direct guarantee is exercised by
	// MemoCache's own test, this just exercises the Ref path end to end).
	doc := &domain.Document{Nodes: []domain.Node{
		exprNode("shared", domain.Expr{Kind: domain.ExprLit, LitValue: domain.Int(7)}),
		exprNode("n1", domain.Expr{Kind: domain.ExprCall, NS: "core:add", Args: []domain.Arg{
			domain.RefArg("shared"), domain.RefArg("shared"),
		}}),
	}}
	ev := newEval(doc)
	v, err := ev.Eval(context.Background(), env.New(), "n1")
	if err != nil || v.I != 14 {
		t.Fatalf("expected 14, got %+v %v", v, err)
	}
	if ev.Memo.Len() != 2 {
		t.Fatalf("expected memo to hold shared + n1, got %d entries", ev.Memo.Len())
	}
}
