package env

import (
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/spiral-run/spiral/internal/domain"
)

// MemoCache is the node-value memo cache (spec.md §4.1 "Bound-node
// discipline"): top-level expression nodes are evaluated at most once per
// document evaluation and their result cached under the node id.
//
// It is backed by xsync.MapOf rather than a mutex-guarded map because
// SPIRAL's async evaluator (C9) runs `par` branches as real goroutines
// (SPEC_FULL.md §11); two branches can legitimately race to populate the
// cache entry for the same shared sub-expression, and xsync's lock-free
// map resolves that without a coarse evaluator-wide lock. This generalizes
// the teacher's sync.RWMutex-guarded ConditionEvaluator caches
// (internal/application/executor/conditions.go) to the concurrent case.
type MemoCache struct {
	m *xsync.MapOf[string, domain.Value]
}

// NewMemoCache returns an empty cache.
func NewMemoCache() *MemoCache {
	return &MemoCache{m: xsync.NewMapOf[string, domain.Value]()}
}

// Get returns the cached value for nodeID, if present.
func (c *MemoCache) Get(nodeID string) (domain.Value, bool) {
	return c.m.Load(nodeID)
}

// GetOrCompute returns the cached value for nodeID, computing and storing
// it via compute if absent. Only the first concurrent caller's computation
// wins; compute re-runs the pure synchronous evaluator so a lost race is
// inexpensive (evaluation is pure at the points MemoCache caches).
func (c *MemoCache) GetOrCompute(nodeID string, compute func() (domain.Value, error)) (domain.Value, error) {
	if v, ok := c.m.Load(nodeID); ok {
		return v, nil
	}
	v, err := compute()
	if err != nil {
		return domain.Value{}, err
	}
	actual, _ := c.m.LoadOrStore(nodeID, v)
	return actual, nil
}

// Set stores v for nodeID unconditionally (used when a value is computed
// outside GetOrCompute, e.g. by the LIR evaluator's assign instruction).
func (c *MemoCache) Set(nodeID string, v domain.Value) {
	c.m.Store(nodeID, v)
}

// Len reports the number of memoized nodes, useful for the determinism and
// memoization-soundness tests of spec.md §8.
func (c *MemoCache) Len() int { return c.m.Size() }
