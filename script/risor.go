package script

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/risor-io/risor"
	"github.com/risor-io/risor/compiler"
	"github.com/risor-io/risor/modules/all"
	"github.com/risor-io/risor/object"
	"github.com/risor-io/risor/parser"
)

// safeBuiltins are the Risor builtins that are deterministic and free of
// side effects, which is all a validation expression may use
var safeBuiltins = []string{
	"all", "any", "bool", "coalesce", "float", "getattr", "int", "keys",
	"len", "list", "map", "math", "reversed", "sorted", "sprintf", "string",
	"strings", "type",
}

// RisorEngine compiles expressions with the Risor language. Expressions may
// reference the declared global names and the safe builtins.
type RisorEngine struct {
	builtins map[string]any
	names    []string
}

// NewRisorEngine returns an engine whose expressions may reference the given
// global names in addition to the safe builtins
func NewRisorEngine(globalNames ...string) *RisorEngine {
	builtins := map[string]any{}
	available := all.Builtins()
	for _, name := range safeBuiltins {
		if value, ok := available[name]; ok {
			builtins[name] = value
		}
	}
	names := slices.Collect(maps.Keys(builtins))
	for _, name := range globalNames {
		if !slices.Contains(names, name) {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return &RisorEngine{builtins: builtins, names: names}
}

// GlobalNames returns every name an expression may reference
func (e *RisorEngine) GlobalNames() []string {
	return slices.Clone(e.names)
}

func (e *RisorEngine) Compile(ctx context.Context, code string) (Script, error) {
	if strings.TrimSpace(code) == "" {
		return nil, fmt.Errorf("empty expression")
	}
	ast, err := parser.Parse(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to parse expression %q: %w", code, err)
	}
	compiled, err := compiler.Compile(ast, compiler.WithGlobalNames(e.names))
	if err != nil {
		return nil, fmt.Errorf("failed to compile expression %q: %w", code, err)
	}
	return &RisorScript{engine: e, source: code, code: compiled}, nil
}

// RisorScript is a compiled Risor expression
type RisorScript struct {
	engine *RisorEngine
	source string
	code   *compiler.Code
}

func (s *RisorScript) Source() string {
	return s.source
}

// Evaluate runs the expression. Every declared global must be supplied.
func (s *RisorScript) Evaluate(ctx context.Context, globals map[string]any) (Value, error) {
	combined := make(map[string]any, len(s.engine.builtins)+len(globals))
	maps.Copy(combined, s.engine.builtins)
	maps.Copy(combined, globals)
	for _, name := range s.engine.names {
		if _, ok := combined[name]; !ok {
			return nil, fmt.Errorf("expression %q: global %q is not set", s.source, name)
		}
	}
	result, err := risor.EvalCode(ctx, s.code, risor.WithGlobals(combined))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate expression %q: %w", s.source, err)
	}
	return &RisorValue{obj: result}, nil
}

// RisorValue wraps a Risor evaluation result
type RisorValue struct {
	obj object.Object
}

func (v *RisorValue) Value() any {
	return toGo(v.obj)
}

func (v *RisorValue) IsTruthy() bool {
	switch obj := v.obj.(type) {
	case *object.Bool:
		return obj.Value()
	case *object.Int:
		return obj.Value() != 0
	case *object.Float:
		return obj.Value() != 0.0
	case *object.String:
		val := obj.Value()
		return val != "" && strings.ToLower(val) != "false"
	case *object.List:
		return len(obj.Value()) > 0
	case *object.Map:
		return len(obj.Value()) > 0
	case *object.NilType:
		return false
	default:
		return obj.IsTruthy()
	}
}

func (v *RisorValue) String() string {
	switch obj := v.obj.(type) {
	case *object.String:
		return obj.Value()
	case *object.Int:
		return strconv.FormatInt(obj.Value(), 10)
	case *object.Float:
		return strconv.FormatFloat(obj.Value(), 'g', -1, 64)
	case *object.Bool:
		return strconv.FormatBool(obj.Value())
	case *object.NilType:
		return ""
	default:
		return v.obj.Inspect()
	}
}

func toGo(obj object.Object) any {
	switch o := obj.(type) {
	case *object.String:
		return o.Value()
	case *object.Int:
		return o.Value()
	case *object.Float:
		return o.Value()
	case *object.Bool:
		return o.Value()
	case *object.NilType:
		return nil
	case *object.List:
		result := make([]any, 0, len(o.Value()))
		for _, item := range o.Value() {
			result = append(result, toGo(item))
		}
		return result
	case *object.Map:
		result := make(map[string]any, len(o.Value()))
		for key, value := range o.Value() {
			result[key] = toGo(value)
		}
		return result
	default:
		return obj.Inspect()
	}
}
