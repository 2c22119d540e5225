package registry

import (
	"math"
	"strings"

	"github.com/spiral-run/spiral/internal/domain"
)

// NewCoreRegistry returns a Registry pre-populated with spec.md §6's
// minimal operator set: core arithmetic/compare/introspection/bool, plus
// string, list, and set operators.
func NewCoreRegistry() *Registry {
	r := NewRegistry()
	for _, op := range coreOperators() {
		_ = r.Register(op)
	}
	return r
}

func isNumeric(v domain.Value) bool { return v.Kind == domain.KindInt || v.Kind == domain.KindFloat }

func asFloat(v domain.Value) float64 {
	if v.Kind == domain.KindInt {
		return float64(v.I)
	}
	return v.F
}

// numericBinary dispatches to intFn when both operands are ints, else
// promotes both to float64 and dispatches to floatFn, else reports a
// TypeError (spec.md §7).
func numericBinary(name string, a, b domain.Value, intFn func(x, y int64) domain.Value, floatFn func(x, y float64) domain.Value) domain.Value {
	if a.Kind == domain.KindInt && b.Kind == domain.KindInt {
		return intFn(a.I, b.I)
	}
	if isNumeric(a) && isNumeric(b) {
		return floatFn(asFloat(a), asFloat(b))
	}
	return domain.Errorf(domain.ErrTypeError, "core:%s expects numeric operands, got %s and %s", name, a.TypeName(), b.TypeName())
}

func coreOperators() []Operator {
	ops := []Operator{
		DefineOperator("core", "add").Arity(2).Impl(func(a []domain.Value) domain.Value {
			return numericBinary("add", a[0], a[1],
				func(x, y int64) domain.Value { return domain.Int(x + y) },
				func(x, y float64) domain.Value { return domain.Float(x + y) })
		}).Build(),
		DefineOperator("core", "sub").Arity(2).Impl(func(a []domain.Value) domain.Value {
			return numericBinary("sub", a[0], a[1],
				func(x, y int64) domain.Value { return domain.Int(x - y) },
				func(x, y float64) domain.Value { return domain.Float(x - y) })
		}).Build(),
		DefineOperator("core", "mul").Arity(2).Impl(func(a []domain.Value) domain.Value {
			return numericBinary("mul", a[0], a[1],
				func(x, y int64) domain.Value { return domain.Int(x * y) },
				func(x, y float64) domain.Value { return domain.Float(x * y) })
		}).Build(),
		DefineOperator("core", "div").Arity(2).Impl(func(a []domain.Value) domain.Value {
			x, y := a[0], a[1]
			if !isNumeric(x) || !isNumeric(y) {
				return domain.Errorf(domain.ErrTypeError, "core:div expects numeric operands, got %s and %s", x.TypeName(), y.TypeName())
			}
			if asFloat(y) == 0 {
				return domain.Error(domain.ErrDivideByZero, "division by zero")
			}
			return domain.Float(asFloat(x) / asFloat(y))
		}).Build(),
		DefineOperator("core", "mod").Arity(2).Impl(func(a []domain.Value) domain.Value {
			x, y := a[0], a[1]
			if x.Kind == domain.KindInt && y.Kind == domain.KindInt {
				if y.I == 0 {
					return domain.Error(domain.ErrDivideByZero, "modulo by zero")
				}
				return domain.Int(x.I % y.I)
			}
			if isNumeric(x) && isNumeric(y) {
				if asFloat(y) == 0 {
					return domain.Error(domain.ErrDivideByZero, "modulo by zero")
				}
				return domain.Float(math.Mod(asFloat(x), asFloat(y)))
			}
			return domain.Errorf(domain.ErrTypeError, "core:mod expects numeric operands, got %s and %s", x.TypeName(), y.TypeName())
		}).Build(),
		DefineOperator("core", "pow").Arity(2).Impl(func(a []domain.Value) domain.Value {
			x, y := a[0], a[1]
			if !isNumeric(x) || !isNumeric(y) {
				return domain.Errorf(domain.ErrTypeError, "core:pow expects numeric operands, got %s and %s", x.TypeName(), y.TypeName())
			}
			return domain.Float(math.Pow(asFloat(x), asFloat(y)))
		}).Build(),
		DefineOperator("core", "neg").Arity(1).Impl(func(a []domain.Value) domain.Value {
			switch a[0].Kind {
			case domain.KindInt:
				return domain.Int(-a[0].I)
			case domain.KindFloat:
				return domain.Float(-a[0].F)
			default:
				return domain.Errorf(domain.ErrTypeError, "core:neg expects a numeric operand, got %s", a[0].TypeName())
			}
		}).Build(),

		DefineOperator("core", "eq").Arity(2).Impl(func(a []domain.Value) domain.Value {
			return domain.Bool(domain.Equal(a[0], a[1]))
		}).Build(),
		DefineOperator("core", "neq").Arity(2).Impl(func(a []domain.Value) domain.Value {
			return domain.Bool(!domain.Equal(a[0], a[1]))
		}).Build(),
		DefineOperator("core", "lt").Arity(2).Impl(func(a []domain.Value) domain.Value {
			return numericCompare("lt", a[0], a[1], func(c int) bool { return c < 0 })
		}).Build(),
		DefineOperator("core", "lte").Arity(2).Impl(func(a []domain.Value) domain.Value {
			return numericCompare("lte", a[0], a[1], func(c int) bool { return c <= 0 })
		}).Build(),
		DefineOperator("core", "gt").Arity(2).Impl(func(a []domain.Value) domain.Value {
			return numericCompare("gt", a[0], a[1], func(c int) bool { return c > 0 })
		}).Build(),
		DefineOperator("core", "gte").Arity(2).Impl(func(a []domain.Value) domain.Value {
			return numericCompare("gte", a[0], a[1], func(c int) bool { return c >= 0 })
		}).Build(),

		DefineOperator("core", "typeof").Arity(1).Impl(func(a []domain.Value) domain.Value {
			return domain.Str(a[0].TypeName())
		}).Build(),

		DefineOperator("core", "and").Arity(2).Impl(func(a []domain.Value) domain.Value {
			x, xok := a[0].Truthy()
			y, yok := a[1].Truthy()
			if !xok || !yok {
				return domain.Errorf(domain.ErrTypeError, "core:and expects boolean operands")
			}
			return domain.Bool(x && y)
		}).Build(),
		DefineOperator("core", "or").Arity(2).Impl(func(a []domain.Value) domain.Value {
			x, xok := a[0].Truthy()
			y, yok := a[1].Truthy()
			if !xok || !yok {
				return domain.Errorf(domain.ErrTypeError, "core:or expects boolean operands")
			}
			return domain.Bool(x || y)
		}).Build(),
		DefineOperator("core", "not").Arity(1).Impl(func(a []domain.Value) domain.Value {
			x, ok := a[0].Truthy()
			if !ok {
				return domain.Errorf(domain.ErrTypeError, "core:not expects a boolean operand, got %s", a[0].TypeName())
			}
			return domain.Bool(!x)
		}).Build(),
	}

	ops = append(ops, stringOperators()...)
	ops = append(ops, listOperators()...)
	ops = append(ops, setOperators()...)
	return ops
}

// numericCompare backs lt/lte/gt/gte: ints compare exactly, numeric
// mixes compare as floats, strings compare lexically, anything else is a
// TypeError.
func numericCompare(name string, a, b domain.Value, accept func(cmp int) bool) domain.Value {
	switch {
	case a.Kind == domain.KindInt && b.Kind == domain.KindInt:
		return domain.Bool(accept(cmpInt64(a.I, b.I)))
	case isNumeric(a) && isNumeric(b):
		return domain.Bool(accept(cmpFloat64(asFloat(a), asFloat(b))))
	case a.Kind == domain.KindString && b.Kind == domain.KindString:
		return domain.Bool(accept(strings.Compare(a.S, b.S)))
	default:
		return domain.Errorf(domain.ErrTypeError, "core:%s expects comparable operands, got %s and %s", name, a.TypeName(), b.TypeName())
	}
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpFloat64(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func stringOperators() []Operator {
	return []Operator{
		DefineOperator("string", "concat").Variadic(0).Impl(func(a []domain.Value) domain.Value {
			var b strings.Builder
			for _, v := range a {
				if v.Kind != domain.KindString {
					return domain.Errorf(domain.ErrTypeError, "string:concat expects string arguments, got %s", v.TypeName())
				}
				b.WriteString(v.S)
			}
			return domain.Str(b.String())
		}).Build(),
		DefineOperator("string", "length").Arity(1).Impl(func(a []domain.Value) domain.Value {
			if a[0].Kind != domain.KindString {
				return domain.Errorf(domain.ErrTypeError, "string:length expects a string, got %s", a[0].TypeName())
			}
			return domain.Int(int64(len([]rune(a[0].S))))
		}).Build(),
		DefineOperator("string", "slice").Arity(3).Impl(func(a []domain.Value) domain.Value {
			s, ok := stringArg(a[0], "string:slice")
			if !ok {
				return s
			}
			r := []rune(a[0].S)
			errV, start, end, ok2 := sliceBounds(r, a[1], a[2], "string:slice")
			if !ok2 {
				return errV
			}
			return domain.Str(string(r[start:end]))
		}).Build(),
		DefineOperator("string", "indexOf").Arity(2).Impl(func(a []domain.Value) domain.Value {
			if a[0].Kind != domain.KindString || a[1].Kind != domain.KindString {
				return domain.Errorf(domain.ErrTypeError, "string:indexOf expects string arguments")
			}
			return domain.Int(int64(strings.Index(a[0].S, a[1].S)))
		}).Build(),
		DefineOperator("string", "toUpper").Arity(1).Impl(func(a []domain.Value) domain.Value {
			if a[0].Kind != domain.KindString {
				return domain.Errorf(domain.ErrTypeError, "string:toUpper expects a string, got %s", a[0].TypeName())
			}
			return domain.Str(strings.ToUpper(a[0].S))
		}).Build(),
		DefineOperator("string", "toLower").Arity(1).Impl(func(a []domain.Value) domain.Value {
			if a[0].Kind != domain.KindString {
				return domain.Errorf(domain.ErrTypeError, "string:toLower expects a string, got %s", a[0].TypeName())
			}
			return domain.Str(strings.ToLower(a[0].S))
		}).Build(),
		DefineOperator("string", "trim").Arity(1).Impl(func(a []domain.Value) domain.Value {
			if a[0].Kind != domain.KindString {
				return domain.Errorf(domain.ErrTypeError, "string:trim expects a string, got %s", a[0].TypeName())
			}
			return domain.Str(strings.TrimSpace(a[0].S))
		}).Build(),
		DefineOperator("string", "split").Arity(2).Impl(func(a []domain.Value) domain.Value {
			if a[0].Kind != domain.KindString || a[1].Kind != domain.KindString {
				return domain.Errorf(domain.ErrTypeError, "string:split expects string arguments")
			}
			parts := strings.Split(a[0].S, a[1].S)
			out := make([]domain.Value, len(parts))
			for i, p := range parts {
				out[i] = domain.Str(p)
			}
			return domain.ListOf(out...)
		}).Build(),
		DefineOperator("string", "includes").Arity(2).Impl(func(a []domain.Value) domain.Value {
			if a[0].Kind != domain.KindString || a[1].Kind != domain.KindString {
				return domain.Errorf(domain.ErrTypeError, "string:includes expects string arguments")
			}
			return domain.Bool(strings.Contains(a[0].S, a[1].S))
		}).Build(),
		DefineOperator("string", "replace").Arity(3).Impl(func(a []domain.Value) domain.Value {
			if a[0].Kind != domain.KindString || a[1].Kind != domain.KindString || a[2].Kind != domain.KindString {
				return domain.Errorf(domain.ErrTypeError, "string:replace expects string arguments")
			}
			return domain.Str(strings.ReplaceAll(a[0].S, a[1].S, a[2].S))
		}).Build(),
		DefineOperator("string", "charAt").Arity(2).Impl(func(a []domain.Value) domain.Value {
			if a[0].Kind != domain.KindString || a[1].Kind != domain.KindInt {
				return domain.Errorf(domain.ErrTypeError, "string:charAt expects (string, int)")
			}
			r := []rune(a[0].S)
			idx := a[1].I
			if idx < 0 || idx >= int64(len(r)) {
				return domain.Error(domain.ErrDomainError, "index out of bounds")
			}
			return domain.Str(string(r[idx]))
		}).Build(),
		DefineOperator("string", "substring").Arity(3).Impl(func(a []domain.Value) domain.Value {
			s, ok := stringArg(a[0], "string:substring")
			if !ok {
				return s
			}
			r := []rune(a[0].S)
			errV, start, end, ok2 := sliceBounds(r, a[1], a[2], "string:substring")
			if !ok2 {
				return errV
			}
			return domain.Str(string(r[start:end]))
		}).Build(),
	}
}

func stringArg(v domain.Value, op string) (domain.Value, bool) {
	if v.Kind != domain.KindString {
		return domain.Errorf(domain.ErrTypeError, "%s expects a string, got %s", op, v.TypeName()), false
	}
	return domain.Void, true
}

// sliceBounds validates a [start,end) range against a rune slice of length
// len(r) and returns it as ints, reporting DomainError on an out-of-bounds
// request (spec.md §8's "Index out of bounds" edge case).
func sliceBounds(r []rune, startV, endV domain.Value, op string) (domain.Value, int, int, bool) {
	if startV.Kind != domain.KindInt || endV.Kind != domain.KindInt {
		return domain.Errorf(domain.ErrTypeError, "%s expects integer bounds", op), 0, 0, false
	}
	start, end := startV.I, endV.I
	n := int64(len(r))
	if start < 0 || end < start || end > n {
		return domain.Error(domain.ErrDomainError, "index out of bounds"), 0, 0, false
	}
	return domain.Void, int(start), int(end), true
}

func listOperators() []Operator {
	return []Operator{
		DefineOperator("list", "length").Arity(1).Impl(func(a []domain.Value) domain.Value {
			if a[0].Kind != domain.KindList {
				return domain.Errorf(domain.ErrTypeError, "list:length expects a list, got %s", a[0].TypeName())
			}
			return domain.Int(int64(len(a[0].List)))
		}).Build(),
		DefineOperator("list", "concat").Variadic(0).Impl(func(a []domain.Value) domain.Value {
			var out []domain.Value
			for _, v := range a {
				if v.Kind != domain.KindList {
					return domain.Errorf(domain.ErrTypeError, "list:concat expects list arguments, got %s", v.TypeName())
				}
				out = append(out, v.List...)
			}
			return domain.ListOf(out...)
		}).Build(),
		DefineOperator("list", "nth").Arity(2).Impl(func(a []domain.Value) domain.Value {
			if a[0].Kind != domain.KindList || a[1].Kind != domain.KindInt {
				return domain.Errorf(domain.ErrTypeError, "list:nth expects (list, int)")
			}
			idx := a[1].I
			if idx < 0 || idx >= int64(len(a[0].List)) {
				return domain.Error(domain.ErrDomainError, "index out of bounds")
			}
			return a[0].List[idx]
		}).Build(),
		DefineOperator("list", "reverse").Arity(1).Impl(func(a []domain.Value) domain.Value {
			if a[0].Kind != domain.KindList {
				return domain.Errorf(domain.ErrTypeError, "list:reverse expects a list, got %s", a[0].TypeName())
			}
			src := a[0].List
			out := make([]domain.Value, len(src))
			for i, v := range src {
				out[len(src)-1-i] = v
			}
			return domain.ListOf(out...)
		}).Build(),
	}
}

func setOperators() []Operator {
	return []Operator{
		DefineOperator("set", "union").Arity(2).Impl(func(a []domain.Value) domain.Value {
			x, y, ok := setPair(a[0], a[1], "set:union")
			if !ok {
				return x
			}
			return domain.SetOf(append(append([]domain.Value{}, x.Set...), y.Set...)...)
		}).Build(),
		DefineOperator("set", "intersect").Arity(2).Impl(func(a []domain.Value) domain.Value {
			x, y, ok := setPair(a[0], a[1], "set:intersect")
			if !ok {
				return x
			}
			yHash := hashSet(y)
			var out []domain.Value
			for _, v := range x.Set {
				if yHash[domain.CanonicalHash(v)] {
					out = append(out, v)
				}
			}
			return domain.SetOf(out...)
		}).Build(),
		DefineOperator("set", "difference").Arity(2).Impl(func(a []domain.Value) domain.Value {
			x, y, ok := setPair(a[0], a[1], "set:difference")
			if !ok {
				return x
			}
			yHash := hashSet(y)
			var out []domain.Value
			for _, v := range x.Set {
				if !yHash[domain.CanonicalHash(v)] {
					out = append(out, v)
				}
			}
			return domain.SetOf(out...)
		}).Build(),
		DefineOperator("set", "contains").Arity(2).Impl(func(a []domain.Value) domain.Value {
			if a[0].Kind != domain.KindSet {
				return domain.Errorf(domain.ErrTypeError, "set:contains expects a set, got %s", a[0].TypeName())
			}
			h := domain.CanonicalHash(a[1])
			for _, v := range a[0].Set {
				if domain.CanonicalHash(v) == h {
					return domain.Bool(true)
				}
			}
			return domain.Bool(false)
		}).Build(),
		DefineOperator("set", "subset").Arity(2).Impl(func(a []domain.Value) domain.Value {
			x, y, ok := setPair(a[0], a[1], "set:subset")
			if !ok {
				return x
			}
			yHash := hashSet(y)
			for _, v := range x.Set {
				if !yHash[domain.CanonicalHash(v)] {
					return domain.Bool(false)
				}
			}
			return domain.Bool(true)
		}).Build(),
		DefineOperator("set", "add").Arity(2).Impl(func(a []domain.Value) domain.Value {
			if a[0].Kind != domain.KindSet {
				return domain.Errorf(domain.ErrTypeError, "set:add expects a set, got %s", a[0].TypeName())
			}
			return domain.SetOf(append(append([]domain.Value{}, a[0].Set...), a[1])...)
		}).Build(),
		DefineOperator("set", "remove").Arity(2).Impl(func(a []domain.Value) domain.Value {
			if a[0].Kind != domain.KindSet {
				return domain.Errorf(domain.ErrTypeError, "set:remove expects a set, got %s", a[0].TypeName())
			}
			h := domain.CanonicalHash(a[1])
			var out []domain.Value
			for _, v := range a[0].Set {
				if domain.CanonicalHash(v) != h {
					out = append(out, v)
				}
			}
			return domain.SetOf(out...)
		}).Build(),
		DefineOperator("set", "size").Arity(1).Impl(func(a []domain.Value) domain.Value {
			if a[0].Kind != domain.KindSet {
				return domain.Errorf(domain.ErrTypeError, "set:size expects a set, got %s", a[0].TypeName())
			}
			return domain.Int(int64(len(a[0].Set)))
		}).Build(),
		DefineOperator("set", "toList").Arity(1).Impl(func(a []domain.Value) domain.Value {
			if a[0].Kind != domain.KindSet {
				return domain.Errorf(domain.ErrTypeError, "set:toList expects a set, got %s", a[0].TypeName())
			}
			return domain.ListOf(append([]domain.Value{}, a[0].Set...)...)
		}).Build(),
	}
}

func setPair(a, b domain.Value, op string) (domain.Value, domain.Value, bool) {
	if a.Kind != domain.KindSet || b.Kind != domain.KindSet {
		return domain.Errorf(domain.ErrTypeError, "%s expects two sets, got %s and %s", op, a.TypeName(), b.TypeName()), domain.Void, false
	}
	return a, b, true
}

func hashSet(v domain.Value) map[string]bool {
	out := make(map[string]bool, len(v.Set))
	for _, e := range v.Set {
		out[domain.CanonicalHash(e)] = true
	}
	return out
}
