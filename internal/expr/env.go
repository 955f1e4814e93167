package expr

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"

	"github.com/l0p7/ledgerlens/internal/normalize"
)

// Environment builds and compiles CEL programs over one ledger record.
//
// Variables:
//
//	record  map of the record's fields plus the canonical index, uri, price,
//	        listed and owner names
//	index   the record's ledger index
//
// Functions: lookup(map, key) returns null for missing keys; num(value)
// converts numbers and numeric strings to double.
type Environment struct {
	env *cel.Env
}

// NewEnvironment declares the CEL variables exposed to discovery predicates.
func NewEnvironment() (*Environment, error) {
	env, err := cel.NewEnv(
		cel.Variable("record", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("index", cel.IntType),
		cel.Function("lookup",
			cel.Overload("lookup_map_string",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.StringType},
				cel.DynType,
				cel.BinaryBinding(lookupMapValue),
			),
		),
		cel.Function("num",
			cel.Overload("num_dyn",
				[]*cel.Type{cel.DynType},
				cel.DoubleType,
				cel.UnaryBinding(toNumber),
			),
		),
		cel.HomogeneousAggregateLiterals(),
	)
	if err != nil {
		return nil, fmt.Errorf("expr: build environment: %w", err)
	}
	return &Environment{env: env}, nil
}

// Activation binds a record's fields and index to the declared variables.
func Activation(index uint64, record map[string]any) map[string]any {
	if record == nil {
		record = map[string]any{}
	}
	return map[string]any{
		"record": record,
		"index":  int64(index),
	}
}

// Program wraps a compiled CEL program.
type Program struct {
	source   string
	program  cel.Program
	wantBool bool
}

// Compile prepares a predicate, ensuring the expression yields a boolean.
func (e *Environment) Compile(expression string) (Program, error) {
	return e.compile(expression, true)
}

// CompileValue prepares the program for execution without enforcing a boolean
// return type. Stat expressions use it.
func (e *Environment) CompileValue(expression string) (Program, error) {
	return e.compile(expression, false)
}

// EvalBool executes the program against the provided activation and coerces the result to bool.
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
	switch v := val.(type) {
	case types.Bool:
		return bool(v), nil
	case ref.Val:
		if v.Type() == types.BoolType {
			if b, ok := v.Value().(bool); ok {
				return b, nil
			}
		}
	}
	return false, fmt.Errorf("expr: %q yielded non-bool result %T", p.source, val)
}

// EvalFloat executes the program and converts a numeric result to float64.
// ok is false when the result is null or not numeric.
func (p Program) EvalFloat(vars map[string]any) (float64, bool, error) {
	value, err := p.Eval(vars)
	if err != nil {
		return 0, false, err
	}
	if value == nil {
		return 0, false, nil
	}
	f, ok := normalize.ToFloat(value)
	return f, ok, nil
}

// Source returns the original CEL expression for logging.
func (p Program) Source() string { return p.source }

// Valid reports whether the program was compiled.
func (p Program) Valid() bool { return p.program != nil }

// Eval executes the CEL program and returns the raw value.
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

func toNumber(value ref.Val) ref.Val {
	if f, ok := normalize.ToFloat(value.Value()); ok {
		return types.Double(f)
	}
	return types.NewErr("expr: num: %v is not numeric", value.Value())
}
