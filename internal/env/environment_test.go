package env

import (
	"testing"

	"github.com/spiral-run/spiral/internal/domain"
)

func TestEnvironmentLookupUnbound(t *testing.T) {
	e := New()
	if _, ok := e.Lookup("x"); ok {
		t.Fatal("expected unbound lookup to fail")
	}
}

func TestEnvironmentExtendShadowing(t *testing.T) {
	e := New()
	e.Bind("x", domain.Int(1))
	child := e.Extend("x", domain.Int(2))
	v, ok := child.Lookup("x")
	if !ok || v.I != 2 {
		t.Fatalf("expected shadowed x=2, got %v", v)
	}
	v, ok = e.Lookup("x")
	if !ok || v.I != 1 {
		t.Fatalf("expected outer x=1 unaffected by child extend, got %v", v)
	}
}

func TestClosureCaptureImmuneToLaterAssignment(t *testing.T) {
	// Mirrors spec.md §8's closure-capture invariant: mutating the name in
	// the outer scope after a closure captured it must not change the
	// closure's later behavior on that name.
	outer := New()
	outer.Bind("x", domain.Int(10))
	captured := outer.Extend("y", domain.Int(0)) // closure "captures" this env value
	outer.Bind("x", domain.Int(99))
	v, ok := captured.Lookup("x")
	if !ok || v.I != 10 {
		t.Fatalf("expected captured environment to see pre-mutation value 10, got %v", v)
	}
}

func TestSnapshotFlattensAndIsolates(t *testing.T) {
	outer := New()
	outer.Bind("a", domain.Int(1))
	child := outer.Extend("b", domain.Int(2)).(*Environment)
	snap := child.Snapshot()

	outer.Bind("a", domain.Int(100))
	child.Bind("c", domain.Int(3))

	va, _ := snap.Lookup("a")
	vb, _ := snap.Lookup("b")
	if va.I != 1 {
		t.Fatalf("expected snapshot to freeze a=1, got %v", va)
	}
	if vb.I != 2 {
		t.Fatalf("expected snapshot to include b=2, got %v", vb)
	}
	if _, ok := snap.Lookup("c"); ok {
		t.Fatal("expected snapshot to predate c binding")
	}
}

func TestRefCellTableCreateAssignDeref(t *testing.T) {
	table := NewRefCellTable()
	id := table.EnsureNamed("counter")
	if table.Get(id).Kind != domain.KindVoid {
		t.Fatal("expected fresh cell to default to void")
	}
	table.Set(id, domain.Int(42))
	if got := table.Get(id); got.I != 42 {
		t.Fatalf("expected 42, got %v", got)
	}
	sameID := table.EnsureNamed("counter")
	if sameID != id {
		t.Fatal("expected EnsureNamed to reuse existing cell for same name")
	}
}

func TestRefCellMissingNameDefaultsVoid(t *testing.T) {
	table := NewRefCellTable()
	if _, ok := table.LookupNamed("nope"); ok {
		t.Fatal("expected missing name to report not found")
	}
	if v := table.Get(-1); v.Kind != domain.KindVoid {
		t.Fatal("expected sentinel id -1 to read as void")
	}
}

func TestMemoCacheGetOrCompute(t *testing.T) {
	cache := NewMemoCache()
	calls := 0
	compute := func() (domain.Value, error) {
		calls++
		return domain.Int(7), nil
	}
	v1, err := cache.GetOrCompute("n1", compute)
	if err != nil || v1.I != 7 {
		t.Fatalf("unexpected first compute result: %v %v", v1, err)
	}
	v2, err := cache.GetOrCompute("n1", compute)
	if err != nil || v2.I != 7 {
		t.Fatalf("unexpected second compute result: %v %v", v2, err)
	}
	if calls != 1 {
		t.Fatalf("expected memoization to avoid recomputation, compute called %d times", calls)
	}
}
