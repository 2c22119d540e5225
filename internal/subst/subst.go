// Package subst implements SPIRAL's capture-avoiding substitution,
// free-variable collection, and fresh-name generation (C5). The evaluators
// bind names through environments and do not call this package.
//
// Substitution and free-variable collection operate on self-contained
// expression trees: an Arg.Inline term is walked recursively, while an
// Arg.Ref (a reference to a sibling node) is treated as an opaque leaf —
// resolving what lives behind a node id is the reference resolver's job
// (C6), not substitution's.
package subst

import (
	"fmt"
	"sync/atomic"

	"github.com/spiral-run/spiral/internal/domain"
)

var freshCounter atomic.Int64

// FreshName returns a name derived from base that has not been produced by
// any prior call in this process, for use when substitution must
// alpha-rename a bound variable to avoid capturing a free one.
func FreshName(base string) string {
	return fmt.Sprintf("%s~%d", base, freshCounter.Add(1))
}

// FreeVars returns the set of variable names free in e.
func FreeVars(e domain.Expr) map[string]struct{} {
	out := make(map[string]struct{})
	collectFree(e, out)
	return out
}

func collectFree(e domain.Expr, out map[string]struct{}) {
	switch e.Kind {
	case domain.ExprVar:
		out[e.Name] = struct{}{}
	case domain.ExprLambda:
		bound := paramNames(e.Params)
		inner := make(map[string]struct{})
		// lambda bodies are referenced by node id (BodyRef); with no
		// inline body available here there is nothing further to walk, so
		// inner stays empty and a lambda contributes no free variables.
		for k := range inner {
			if _, shadowed := bound[k]; !shadowed {
				out[k] = struct{}{}
			}
		}
	case domain.ExprLet:
		collectArgFree(e.Value, out)
		innerBody := make(map[string]struct{})
		collectArgFree(e.Body, innerBody)
		delete(innerBody, e.Name)
		for k := range innerBody {
			out[k] = struct{}{}
		}
	case domain.ExprFor:
		collectArgFree(e.Init, out)
		collectArgFree(e.Cond, out)
		collectArgFree(e.Update, out)
		innerBody := make(map[string]struct{})
		collectArgFree(e.Body, innerBody)
		delete(innerBody, e.Name)
		for k := range innerBody {
			out[k] = struct{}{}
		}
	case domain.ExprIter:
		collectArgFree(e.Iter, out)
		innerBody := make(map[string]struct{})
		collectArgFree(e.Body, innerBody)
		delete(innerBody, e.Name)
		for k := range innerBody {
			out[k] = struct{}{}
		}
	case domain.ExprIf:
		collectArgFree(e.Cond, out)
		collectArgFree(e.Then, out)
		collectArgFree(e.Else, out)
	case domain.ExprCall, domain.ExprAirRef:
		for _, a := range e.Args {
			collectArgFree(&a, out)
		}
	case domain.ExprCallExpr:
		collectArgFree(e.Fn, out)
		for _, a := range e.Args {
			collectArgFree(&a, out)
		}
	case domain.ExprDo, domain.ExprPar:
		for _, a := range e.Exprs {
			collectArgFree(&a, out)
		}
	case domain.ExprSeq:
		for _, a := range e.Exprs {
			collectArgFree(&a, out)
		}
	case domain.ExprTry:
		collectArgFree(e.Body, out)
		innerCatch := make(map[string]struct{})
		collectArgFree(e.CatchBody, innerCatch)
		delete(innerCatch, e.CatchParam)
		for k := range innerCatch {
			out[k] = struct{}{}
		}
		collectArgFree(e.Fallback, out)
	case domain.ExprAssign:
		collectArgFree(e.Value, out)
		out[e.Name] = struct{}{}
	case domain.ExprWhile:
		collectArgFree(e.Cond, out)
		collectArgFree(e.Body, out)
	case domain.ExprDeref, domain.ExprRefCell:
		out[e.Name] = struct{}{}
	case domain.ExprEffect:
		for _, a := range e.Args {
			collectArgFree(&a, out)
		}
	case domain.ExprFix:
		collectArgFree(e.Fn, out)
	case domain.ExprSpawn:
		collectArgFree(e.Task, out)
	case domain.ExprAwait:
		collectArgFree(e.Future, out)
		collectArgFree(e.Timeout, out)
		collectArgFree(e.Fallback, out)
	case domain.ExprSelect:
		for _, a := range e.Futures {
			collectArgFree(&a, out)
		}
		collectArgFree(e.Timeout, out)
		collectArgFree(e.Fallback, out)
	case domain.ExprRace:
		for _, a := range e.Tasks {
			collectArgFree(&a, out)
		}
	case domain.ExprSend:
		collectArgFree(e.Channel, out)
		if len(e.Args) > 0 {
			collectArgFree(&e.Args[0], out)
		}
	case domain.ExprRecv:
		collectArgFree(e.Channel, out)
	case domain.ExprPredicate:
		collectArgFree(e.PredicateVal, out)
	}
}

func collectArgFree(a *domain.Arg, out map[string]struct{}) {
	if a == nil || a.Inline == nil {
		return
	}
	collectFree(*a.Inline, out)
}

func paramNames(params []domain.Param) map[string]struct{} {
	out := make(map[string]struct{}, len(params))
	for _, p := range params {
		out[p.Name] = struct{}{}
	}
	return out
}

// Substitute replaces free occurrences of variable x with replacement
// inside e, renaming any binder in e that would otherwise capture a free
// variable of replacement (capture-avoiding substitution).
//
// Substitute(lambda(params, body), x, v) = lambda(params, body) unchanged
// when x is among params (spec.md §8's round-trip law): the lambda's own
// parameter shadows x, so there is nothing to substitute inside its scope.
func Substitute(e domain.Expr, x string, replacement domain.Expr) domain.Expr {
	switch e.Kind {
	case domain.ExprVar:
		if e.Name == x {
			return replacement
		}
		return e

	case domain.ExprLambda:
		for _, p := range e.Params {
			if p.Name == x {
				return e // x is shadowed by a parameter: unchanged, per the round-trip law
			}
		}
		return e // body lives behind BodyRef; substitution does not reach across node ids

	case domain.ExprLet:
		out := e
		out.Value = substArg(e.Value, x, replacement)
		if e.Name == x {
			return out // x shadowed from Body onward
		}
		out.Body, out.Name = substArgAvoidingCapture(e.Body, x, replacement, e.Name)
		return out

	case domain.ExprFor:
		out := e
		out.Init = substArg(e.Init, x, replacement)
		out.Cond = substArg(e.Cond, x, replacement)
		out.Update = substArg(e.Update, x, replacement)
		if e.Name != x {
			out.Body, _ = substArgAvoidingCapture(e.Body, x, replacement, e.Name)
		}
		return out

	case domain.ExprIter:
		out := e
		out.Iter = substArg(e.Iter, x, replacement)
		if e.Name != x {
			out.Body, out.Name = substArgAvoidingCapture(e.Body, x, replacement, e.Name)
		}
		return out

	case domain.ExprIf:
		out := e
		out.Cond = substArg(e.Cond, x, replacement)
		out.Then = substArg(e.Then, x, replacement)
		out.Else = substArg(e.Else, x, replacement)
		return out

	case domain.ExprCall, domain.ExprAirRef:
		out := e
		out.Args = substArgs(e.Args, x, replacement)
		return out

	case domain.ExprCallExpr:
		out := e
		out.Fn = substArg(e.Fn, x, replacement)
		out.Args = substArgs(e.Args, x, replacement)
		return out

	case domain.ExprDo, domain.ExprPar, domain.ExprSeq:
		out := e
		out.Exprs = substArgs(e.Exprs, x, replacement)
		return out

	case domain.ExprTry:
		out := e
		out.Body = substArg(e.Body, x, replacement)
		if e.CatchParam != x {
			out.CatchBody, out.CatchParam = substArgAvoidingCapture(e.CatchBody, x, replacement, e.CatchParam)
		}
		out.Fallback = substArg(e.Fallback, x, replacement)
		return out

	case domain.ExprAssign:
		out := e
		out.Value = substArg(e.Value, x, replacement)
		return out

	case domain.ExprWhile:
		out := e
		out.Cond = substArg(e.Cond, x, replacement)
		out.Body = substArg(e.Body, x, replacement)
		return out

	case domain.ExprFix:
		out := e
		out.Fn = substArg(e.Fn, x, replacement)
		return out

	default:
		return e
	}
}

// substArgAvoidingCapture substitutes inside a binder's body, first
// alpha-renaming the binder's own variable if it appears free in the
// replacement (which would otherwise let the binder accidentally capture
// it). It returns the new body and the name the binder carries from now on
// (boundName itself when no renaming was needed).
func substArgAvoidingCapture(body *domain.Arg, x string, replacement domain.Expr, boundName string) (*domain.Arg, string) {
	if body == nil || body.Inline == nil {
		return body, boundName
	}
	freeInReplacement := FreeVars(replacement)
	if _, captured := freeInReplacement[boundName]; captured {
		fresh := FreshName(boundName)
		renamed := AlphaRename(*body.Inline, boundName, fresh)
		substituted := Substitute(renamed, x, replacement)
		return &domain.Arg{Inline: &substituted}, fresh
	}
	return substArg(body, x, replacement), boundName
}

func substArg(a *domain.Arg, x string, replacement domain.Expr) *domain.Arg {
	if a == nil || a.Inline == nil {
		return a
	}
	substituted := Substitute(*a.Inline, x, replacement)
	return &domain.Arg{Inline: &substituted}
}

func substArgs(args []domain.Arg, x string, replacement domain.Expr) []domain.Arg {
	if args == nil {
		return nil
	}
	out := make([]domain.Arg, len(args))
	for i, a := range args {
		if a.Inline == nil {
			out[i] = a
			continue
		}
		substituted := Substitute(*a.Inline, x, replacement)
		out[i] = domain.Arg{Inline: &substituted}
	}
	return out
}

// AlphaRename renames every bound occurrence (and corresponding free
// reference within that scope) of `from` to `to` inside e. Applied to a
// lambda, alphaRename(lambda([x], body), x, y) yields a lambda equivalent
// to the original on every argument that does not itself mention y free
// (spec.md §8's α-rename equivalence law).
func AlphaRename(e domain.Expr, from, to string) domain.Expr {
	switch e.Kind {
	case domain.ExprVar:
		if e.Name == from {
			out := e
			out.Name = to
			return out
		}
		return e

	case domain.ExprLambda:
		out := e
		renamed := false
		newParams := make([]domain.Param, len(e.Params))
		for i, p := range e.Params {
			if p.Name == from {
				p.Name = to
				renamed = true
			}
			newParams[i] = p
		}
		out.Params = newParams
		_ = renamed
		return out

	case domain.ExprLet:
		out := e
		out.Value = alphaArg(e.Value, from, to)
		if e.Name == from {
			out.Name = to
		}
		out.Body = alphaArg(e.Body, from, to)
		return out

	case domain.ExprFor:
		out := e
		out.Init = alphaArg(e.Init, from, to)
		out.Cond = alphaArg(e.Cond, from, to)
		out.Update = alphaArg(e.Update, from, to)
		if e.Name == from {
			out.Name = to
		}
		out.Body = alphaArg(e.Body, from, to)
		return out

	case domain.ExprIter:
		out := e
		out.Iter = alphaArg(e.Iter, from, to)
		if e.Name == from {
			out.Name = to
		}
		out.Body = alphaArg(e.Body, from, to)
		return out

	case domain.ExprIf:
		out := e
		out.Cond = alphaArg(e.Cond, from, to)
		out.Then = alphaArg(e.Then, from, to)
		out.Else = alphaArg(e.Else, from, to)
		return out

	case domain.ExprCall, domain.ExprAirRef:
		out := e
		out.Args = alphaArgs(e.Args, from, to)
		return out

	case domain.ExprCallExpr:
		out := e
		out.Fn = alphaArg(e.Fn, from, to)
		out.Args = alphaArgs(e.Args, from, to)
		return out

	case domain.ExprDo, domain.ExprPar, domain.ExprSeq:
		out := e
		out.Exprs = alphaArgs(e.Exprs, from, to)
		return out

	default:
		return e
	}
}

func alphaArg(a *domain.Arg, from, to string) *domain.Arg {
	if a == nil || a.Inline == nil {
		return a
	}
	renamed := AlphaRename(*a.Inline, from, to)
	return &domain.Arg{Inline: &renamed}
}

func alphaArgs(args []domain.Arg, from, to string) []domain.Arg {
	if args == nil {
		return nil
	}
	out := make([]domain.Arg, len(args))
	for i, a := range args {
		if a.Inline == nil {
			out[i] = a
			continue
		}
		renamed := AlphaRename(*a.Inline, from, to)
		out[i] = domain.Arg{Inline: &renamed}
	}
	return out
}
