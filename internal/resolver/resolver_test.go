package resolver

import (
	"testing"

	"github.com/spiral-run/spiral/internal/domain"
)

func litNode(id string, v domain.Value) domain.Node {
	return domain.Node{ID: id, Kind: domain.NodeKindExpression, Expr: &domain.Expr{Kind: domain.ExprLit, LitValue: v}}
}

func TestResolveLocalNode(t *testing.T) {
	doc := &domain.Document{Nodes: []domain.Node{litNode("n1", domain.Int(1))}}
	r := New(nil)
	node, gotDoc, err := r.Resolve(doc, "n1")
	if err != nil {
		t.Fatal(err)
	}
	if node.ID != "n1" || gotDoc != doc {
		t.Fatalf("unexpected resolve result: %+v", node)
	}
}

func TestResolveChainOfReferences(t *testing.T) {
	doc := &domain.Document{Nodes: []domain.Node{
		{ID: "ref1", Kind: domain.NodeKindReference, Ref: "ref2"},
		{ID: "ref2", Kind: domain.NodeKindReference, Ref: "actual"},
		litNode("actual", domain.Int(42)),
	}}
	r := New(nil)
	node, _, err := r.Resolve(doc, "ref1")
	if err != nil {
		t.Fatal(err)
	}
	if node.ID != "actual" {
		t.Fatalf("expected to resolve to actual, got %s", node.ID)
	}
}

func TestResolveCycleDetected(t *testing.T) {
	doc := &domain.Document{Nodes: []domain.Node{
		{ID: "a", Kind: domain.NodeKindReference, Ref: "b"},
		{ID: "b", Kind: domain.NodeKindReference, Ref: "a"},
	}}
	r := New(nil)
	_, _, err := r.Resolve(doc, "a")
	if err == nil {
		t.Fatal("expected cycle detection error")
	}
}

func TestResolveMissingNode(t *testing.T) {
	doc := &domain.Document{}
	r := New(nil)
	_, _, err := r.Resolve(doc, "nope")
	if err == nil {
		t.Fatal("expected missing-node error")
	}
}

func TestResolveExternalDocument(t *testing.T) {
	root := &domain.Document{SourceURI: "root.json"}
	external := &domain.Document{SourceURI: "other.json", Nodes: []domain.Node{litNode("x", domain.Str("hi"))}}
	r := New(func(uri string) (*domain.Document, error) {
		if uri == "other.json" {
			return external, nil
		}
		return nil, domain.NewFault(domain.ErrValidationError, "no such document", nil)
	})
	node, doc, err := r.Resolve(root, "other.json#x")
	if err != nil {
		t.Fatal(err)
	}
	if node.ID != "x" || doc != external {
		t.Fatalf("unexpected result: %+v %+v", node, doc)
	}
}

func TestResolveDepthLimitExceeded(t *testing.T) {
	nodes := make([]domain.Node, 0, 20)
	for i := 0; i < 20; i++ {
		to := "n" + itoa(i+1)
		if i == 19 {
			to = "n0" // close the loop beyond depth but also a cycle; depth check fires first
		}
		nodes = append(nodes, domain.Node{ID: "n" + itoa(i), Kind: domain.NodeKindReference, Ref: to})
	}
	doc := &domain.Document{Nodes: nodes}
	r := New(nil).WithMaxDepth(5)
	_, _, err := r.Resolve(doc, "n0")
	if err == nil {
		t.Fatal("expected depth-limit error")
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := ""
	for n > 0 {
		digits = string(rune('0'+n%10)) + digits
		n /= 10
	}
	return digits
}
