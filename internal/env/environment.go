// Package env implements SPIRAL's environment and reference store (C2):
// immutable lexical frames forming the name->value environment, a mutable
// ref-cell table, and the node-value memo cache the synchronous evaluator
// relies on.
//
// Environments are chains of frames linked by parent pointers, each frame
// carrying a unique numeric id. `fix` (spec.md §9's design note on cyclic
// closure environments) needs a frame that refers back to the very closure
// built from it; here that is an ordinary Go pointer cycle (frame ->
// closure -> environment -> frame), which the garbage collector handles.
package env

import (
	"sync/atomic"

	"github.com/spiral-run/spiral/internal/domain"
)

var frameCounter atomic.Int64

// frame is one lexical scope: a set of local bindings plus a parent link.
type frame struct {
	id       int64
	parent   *frame
	bindings map[string]domain.Value
}

// Environment is a chain of frames implementing domain.Env.
type Environment struct {
	f *frame
}

// New returns an empty root environment (frame id 0 conceptually, but ids
// are simply unique, not reused, across the life of a process).
func New() *Environment {
	return &Environment{f: &frame{id: frameCounter.Add(1), bindings: make(map[string]domain.Value)}}
}

// ID returns this environment's frame id, stable for its lifetime.
func (e *Environment) ID() int64 { return e.f.id }

// Lookup implements domain.Env.
func (e *Environment) Lookup(name string) (domain.Value, bool) {
	for f := e.f; f != nil; f = f.parent {
		if v, ok := f.bindings[name]; ok {
			return v, true
		}
	}
	return domain.Value{}, false
}

// Extend implements domain.Env: returns a new child frame binding name to v,
// leaving this environment (and anything else holding it) untouched — this
// is what makes closure capture immune to later assignments in the outer
// scope (spec.md §3 invariants, §8 closure-capture property).
func (e *Environment) Extend(name string, v domain.Value) domain.Env {
	return &Environment{f: &frame{
		id:       frameCounter.Add(1),
		parent:   e.f,
		bindings: map[string]domain.Value{name: v},
	}}
}

// ExtendAll binds several names in one new child frame, evaluated once for
// callExpr's argument binding.
func (e *Environment) ExtendAll(bindings map[string]domain.Value) *Environment {
	fresh := make(map[string]domain.Value, len(bindings))
	for k, v := range bindings {
		fresh[k] = v
	}
	return &Environment{f: &frame{id: frameCounter.Add(1), parent: e.f, bindings: fresh}}
}

// Bind implements domain.Env: it replaces this environment's own frame with
// a copy (same id and parent) that also binds name to v. Lookups through
// this Environment, including applications of a closure holding it, see
// the new binding; child environments extended from it earlier keep the
// frame they were built on, and parent frames are never touched. `fix`
// uses this to splice the self-reference after the closure has been
// constructed (spec.md §4.1).
func (e *Environment) Bind(name string, v domain.Value) {
	fresh := make(map[string]domain.Value, len(e.f.bindings)+1)
	for k, old := range e.f.bindings {
		fresh[k] = old
	}
	fresh[name] = v
	e.f = &frame{id: e.f.id, parent: e.f.parent, bindings: fresh}
}

// Snapshot flattens the full frame chain into a single fresh frame — a
// real clone of the name->value map, not a shared parent chain. `spawn`
// uses this (spec.md §4.3, §5) so that assignments the caller makes after
// spawning do not leak into the task's captured scope.
func (e *Environment) Snapshot() *Environment {
	flat := make(map[string]domain.Value)
	// Walk parent-first so child frames (closer lexical scope) win on
	// name collisions, matching normal shadowing semantics.
	var chain []*frame
	for f := e.f; f != nil; f = f.parent {
		chain = append(chain, f)
	}
	for i := len(chain) - 1; i >= 0; i-- {
		for k, v := range chain[i].bindings {
			flat[k] = v
		}
	}
	return &Environment{f: &frame{id: frameCounter.Add(1), bindings: flat}}
}
