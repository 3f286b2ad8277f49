package expr

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
	"github.com/google/cel-go/ext"
	"github.com/l0p7/slideforge/internal/runtime/slides"
)

// Environment builds and compiles CEL programs over slide records.
type Environment struct {
	env *cel.Env
}

// NewEnvironment declares the variables exposed to slide expressions:
// slide (the record as a map), meta, text (first text layer), sheet and now.
func NewEnvironment() (*Environment, error) {
	env, err := cel.NewEnv(
		cel.Variable("slide", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("meta", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("text", cel.StringType),
		cel.Variable("sheet", cel.StringType),
		cel.Variable("now", cel.TimestampType),
		cel.Function("lookup",
			cel.Overload("lookup_map_string",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.StringType},
				cel.DynType,
				cel.BinaryBinding(lookupMapValue),
			),
		),
		ext.Strings(),
		cel.HomogeneousAggregateLiterals(),
	)
	if err != nil {
		return nil, fmt.Errorf("expr: build environment: %w", err)
	}
	return &Environment{env: env}, nil
}

// Program wraps a compiled CEL program.
type Program struct {
	source   string
	program  cel.Program
	wantBool bool
}

// Compile prepares a program that must yield a boolean.
func (e *Environment) Compile(expression string) (Program, error) {
	return e.compile(expression, true)
}

// CompileValue prepares a program that may yield any value.
func (e *Environment) CompileValue(expression string) (Program, error) {
	return e.compile(expression, false)
}

// EvalBool executes the program and coerces the result to bool.
func (p Program) EvalBool(vars map[string]any) (bool, error) {
	if p.program == nil {
		return false, fmt.Errorf("expr: program not initialized")
	}
	if !p.wantBool {
		return false, fmt.Errorf("expr: program %q does not return a boolean", p.source)
	}
	val, _, err := p.program.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("expr: eval %q: %w", p.source, err)
	}
	if b, ok := val.(types.Bool); ok {
		return bool(b), nil
	}
	return false, fmt.Errorf("expr: %q yielded non-bool result %T", p.source, val)
}

// Source returns the trimmed CEL expression for logging.
func (p Program) Source() string { return p.source }

// Eval executes the program and returns the native value.
func (p Program) Eval(vars map[string]any) (any, error) {
	if p.program == nil {
		return nil, fmt.Errorf("expr: program not initialized")
	}
	val, _, err := p.program.Eval(vars)
	if err != nil {
		return nil, fmt.Errorf("expr: eval %q: %w", p.source, err)
	}
	if val == types.NullValue {
		return nil, nil
	}
	return val.Value(), nil
}

// EvalString executes the program and formats the result. null yields "".
func (p Program) EvalString(vars map[string]any) (string, error) {
	val, err := p.Eval(vars)
	if err != nil {
		return "", err
	}
	return Stringify(val), nil
}

// Stringify formats an evaluation result the way captions and day labels expect.
func Stringify(val any) string {
	switch v := val.(type) {
	case nil:
		return ""
	case string:
		return v
	case time.Time:
		return v.Format(time.DateOnly)
	default:
		return fmt.Sprint(v)
	}
}

func (e *Environment) compile(expression string, wantBool bool) (Program, error) {
	expr := strings.TrimSpace(expression)
	if expr == "" {
		return Program{}, fmt.Errorf("expr: expression required")
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return Program{}, fmt.Errorf("expr: compile %q: %w", expr, issues.Err())
	}
	if wantBool {
		if t := ast.OutputType(); t != cel.BoolType && t != cel.DynType {
			return Program{}, fmt.Errorf("expr: %q must return bool, got %s", expr, cel.FormatCELType(t))
		}
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return Program{}, fmt.Errorf("expr: program %q: %w", expr, err)
	}
	return Program{source: expr, program: program, wantBool: wantBool}, nil
}

// SlideActivation exposes a slide to CEL programs and templates.
func SlideActivation(s *slides.Slide, now time.Time) map[string]any {
	meta := make(map[string]any, len(s.Meta))
	for k, v := range s.Meta {
		meta[k] = v
	}
	texts := make([]any, 0, len(s.TextLayers))
	for _, layer := range s.TextLayers {
		texts = append(texts, layer.Text)
	}
	return map[string]any{
		"slide": map[string]any{
			"id":           s.ID,
			"sheetId":      s.SheetID,
			"seed":         s.Seed,
			"revision":     int64(s.Revision),
			"updatedAt":    s.UpdatedAt,
			"exportWidth":  int64(s.ExportWidth),
			"exportHeight": int64(s.ExportHeight),
			"aspectRatio":  s.Aspect(),
			"texts":        texts,
			"meta":         meta,
		},
		"meta":  meta,
		"text":  s.FirstText(),
		"sheet": s.SheetID,
		"now":   now,
	}
}

func lookupMapValue(mapVal ref.Val, key ref.Val) ref.Val {
	mapper, ok := mapVal.(traits.Mapper)
	if !ok {
		return types.NewErr("expr: lookup only supports string-key maps")
	}
	value, found := mapper.Find(key)
	if !found || value == nil {
		return types.NullValue
	}
	return value
}
