// Package effect implements SPIRAL's effect registry (C4): named
// side-effecting operations, keyed separately from the pure operator
// registry (internal/registry) per spec.md §6. EIR's `effect(op, args)`
// looks an operator up here first and, if absent, falls back to a list of
// async I/O hooks (spec.md §4.2) before propagating an error.
package effect

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/spiral-run/spiral/internal/domain"
)

// Effect is one named side-effecting operation. Unlike a pure Operator, an
// Effect takes a context (for cancellation/timeouts on real I/O) and may
// itself fail with a Go error, which Call wraps into a DomainError Value.
type Effect struct {
	NS       string
	Name     string
	MinArity int
	MaxArity int // -1 means unbounded
	Fn       func(ctx context.Context, args []domain.Value) (domain.Value, error)
}

func (e Effect) Key() string { return e.NS + ":" + e.Name }

// EffectBuilder mirrors registry.OperatorBuilder's fluent shape
// (defineEffect(...).setArity(...).setImpl(...).build()), applied to
// impure operations instead of pure ones.
type EffectBuilder struct {
	eff Effect
}

func DefineEffect(ns, name string) *EffectBuilder {
	return &EffectBuilder{eff: Effect{NS: ns, Name: name, MinArity: 0, MaxArity: -1}}
}

func (b *EffectBuilder) Arity(n int) *EffectBuilder {
	b.eff.MinArity, b.eff.MaxArity = n, n
	return b
}

func (b *EffectBuilder) ArityRange(min, max int) *EffectBuilder {
	b.eff.MinArity, b.eff.MaxArity = min, max
	return b
}

func (b *EffectBuilder) Variadic(min int) *EffectBuilder {
	b.eff.MinArity, b.eff.MaxArity = min, -1
	return b
}

func (b *EffectBuilder) Fn(fn func(ctx context.Context, args []domain.Value) (domain.Value, error)) *EffectBuilder {
	b.eff.Fn = fn
	return b
}

func (b *EffectBuilder) Build() Effect { return b.eff }

// Hook is an async I/O fallback tried, in registration order, when no
// named Effect matches ns:name (spec.md §4.2's "try async-effect
// fallback"). It returns ok=false to let the next hook (or, failing all
// of them, UnknownOperator) take over.
type Hook func(ctx context.Context, ns, name string, args []domain.Value) (result domain.Value, ok bool, err error)

// Registry is the concurrency-safe table of named effects plus an
// ordered list of fallback hooks, grounded on the same
// sync.RWMutex-guarded shape as internal/registry.Registry
// (internal/node/registry.go).
type Registry struct {
	mu     sync.RWMutex
	byKey  map[string]Effect
	hooks  []Hook
}

func NewRegistry() *Registry {
	return &Registry{byKey: make(map[string]Effect)}
}

func (r *Registry) Register(e Effect) error {
	if e.NS == "" || e.Name == "" {
		return fmt.Errorf("effect: must have a namespace and name")
	}
	if e.Fn == nil {
		return fmt.Errorf("effect: %s:%s has no implementation", e.NS, e.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKey[e.Key()] = e
	return nil
}

// RegisterHook appends a fallback I/O hook, tried after a direct ns:name
// miss.
func (r *Registry) RegisterHook(h Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, h)
}

func (r *Registry) Lookup(ns, name string) (Effect, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byKey[ns+":"+name]
	return e, ok
}

// Call dispatches ns:name: a direct registry match wins; otherwise each
// fallback hook is tried in order; if none claims it, UnknownOperator.
// A Go-level Fn/hook error becomes a DomainError Value rather than
// propagating as a Go error, so evaluators only ever see SPIRAL Values
// (spec.md §7's "errors propagate" as ordinary error Values).
func (r *Registry) Call(ctx context.Context, ns, name string, args []domain.Value) domain.Value {
	if e, ok := r.Lookup(ns, name); ok {
		n := len(args)
		if n < e.MinArity || (e.MaxArity >= 0 && n > e.MaxArity) {
			return domain.Errorf(domain.ErrArityError, "%s:%s expects %s arguments, got %d", ns, name, arityDesc(e), n)
		}
		v, err := callFnSafely(e.Fn, ctx, args)
		if err != nil {
			return domain.Errorf(domain.ErrDomainError, "%s:%s failed: %v", ns, name, err)
		}
		return v
	}

	r.mu.RLock()
	hooks := append([]Hook(nil), r.hooks...)
	r.mu.RUnlock()
	for _, h := range hooks {
		v, ok, err := callHookSafely(h, ctx, ns, name, args)
		if !ok {
			continue
		}
		if err != nil {
			return domain.Errorf(domain.ErrDomainError, "%s:%s failed: %v", ns, name, err)
		}
		return v
	}
	return domain.Errorf(domain.ErrUnknownOperator, "unknown effect %s:%s", ns, name)
}

// callFnSafely recovers a panic from a host-native Fn implementation and
// reports it as an ordinary error, the same as any other Fn failure
// (spec.md §7's "runtime exceptions ... caught and wrapped as
// DomainError").
func callFnSafely(fn func(ctx context.Context, args []domain.Value) (domain.Value, error), ctx context.Context, args []domain.Value) (v domain.Value, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panicked: %v", rec)
		}
	}()
	return fn(ctx, args)
}

// callHookSafely is callFnSafely's counterpart for fallback I/O hooks.
func callHookSafely(h Hook, ctx context.Context, ns, name string, args []domain.Value) (v domain.Value, ok bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			ok, err = true, fmt.Errorf("panicked: %v", rec)
		}
	}()
	return h(ctx, ns, name, args)
}

func arityDesc(e Effect) string {
	if e.MinArity == e.MaxArity {
		return fmt.Sprintf("%d", e.MinArity)
	}
	if e.MaxArity < 0 {
		return fmt.Sprintf("at least %d", e.MinArity)
	}
	return fmt.Sprintf("between %d and %d", e.MinArity, e.MaxArity)
}

func (r *Registry) ListAll() []Effect {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Effect, 0, len(r.byKey))
	for _, e := range r.byKey {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}
