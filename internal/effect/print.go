package effect

import (
	"context"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/spiral-run/spiral/internal/domain"
)

// NewPrintEffect returns the io:print effect: it logs its arguments'
// string forms at info level through logger and returns void. Grounded on
// the teacher's convention of logging straight through a zerolog.Logger
// (internal/application/executor/node_executors.go's log.Debug()/log.Info()
// calls) rather than writing to stdout directly.
func NewPrintEffect(logger zerolog.Logger) Effect {
	return DefineEffect("io", "print").Variadic(0).Fn(func(ctx context.Context, args []domain.Value) (domain.Value, error) {
		parts := make([]string, len(args))
		for i, a := range args {
			parts[i] = stringify(a)
		}
		logger.Info().Str("effect", "io:print").Msg(strings.Join(parts, " "))
		return domain.Void, nil
	}).Build()
}

func stringify(v domain.Value) string {
	switch v.Kind {
	case domain.KindString:
		return v.S
	case domain.KindInt:
		return strconv.FormatInt(v.I, 10)
	case domain.KindFloat:
		return strconv.FormatFloat(v.F, 'g', -1, 64)
	case domain.KindBool:
		if v.B {
			return "true"
		}
		return "false"
	case domain.KindVoid:
		return "void"
	default:
		return domain.CanonicalHash(v)
	}
}
