package rql

import (
	"fmt"
	"strings"
)

// Env supplies values to the formula evaluator. Bind arguments resolve
// against Row (a flat column → value map from the external source), param()
// calls resolve against Params.
type Env struct {
	Row    map[string]interface{}
	Params map[string]interface{}
	// Self is the value the formula is applied to, available as self().
	Self interface{}
}

// Eval evaluates a formula expression against the environment. It is the
// dispatcher for the prepare/where mini-language: a fixed set of functions
// over tagged variants, no reflection.
func (env *Env) Eval(e *Expr) (interface{}, error) {
	switch e.Name {
	case "and":
		for _, arg := range e.Args {
			v, err := env.evalArg(arg)
			if err != nil {
				return nil, err
			}
			if !truthy(v) {
				return false, nil
			}
		}
		return true, nil
	case "or":
		for _, arg := range e.Args {
			v, err := env.evalArg(arg)
			if err != nil {
				return nil, err
			}
			if truthy(v) {
				return true, nil
			}
		}
		return false, nil
	case "not":
		if len(e.Args) != 1 {
			return nil, fmt.Errorf("rql: not() takes one argument")
		}
		v, err := env.evalArg(e.Args[0])
		if err != nil {
			return nil, err
		}
		return !truthy(v), nil
	case "eq", "ne", "gt", "ge", "lt", "le":
		if len(e.Args) != 2 {
			return nil, fmt.Errorf("rql: %s() takes two arguments", e.Name)
		}
		a, err := env.evalArg(e.Args[0])
		if err != nil {
			return nil, err
		}
		b, err := env.evalArg(e.Args[1])
		if err != nil {
			return nil, err
		}
		return compareOp(e.Name, a, b)
	case "contains":
		a, b, err := env.evalPair(e)
		if err != nil {
			return nil, err
		}
		return strings.Contains(strings.ToLower(toString(a)), strings.ToLower(toString(b))), nil
	case "startswith":
		a, b, err := env.evalPair(e)
		if err != nil {
			return nil, err
		}
		return strings.HasPrefix(strings.ToLower(toString(a)), strings.ToLower(toString(b))), nil
	case "bind":
		if len(e.Args) != 1 {
			return nil, fmt.Errorf("rql: bind() takes one argument")
		}
		name, ok := e.Args[0].(string)
		if !ok {
			if b, isBind := e.Args[0].(*Bind); isBind {
				name = b.Name
				ok = true
			}
		}
		if !ok {
			return nil, fmt.Errorf("rql: bind() argument must be a name")
		}
		return env.lookup(name)
	case "param":
		if len(e.Args) != 1 {
			return nil, fmt.Errorf("rql: param() takes one argument")
		}
		name := toString(e.Args[0])
		if b, isBind := e.Args[0].(*Bind); isBind {
			name = b.Name
		}
		v, ok := env.Params[name]
		if !ok {
			return nil, fmt.Errorf("rql: unknown parameter %q", name)
		}
		return v, nil
	case "self":
		return env.Self, nil
	case "lower":
		v, err := env.evalSingle(e)
		if err != nil {
			return nil, err
		}
		return strings.ToLower(toString(v)), nil
	case "upper":
		v, err := env.evalSingle(e)
		if err != nil {
			return nil, err
		}
		return strings.ToUpper(toString(v)), nil
	case "strip":
		v, err := env.evalSingle(e)
		if err != nil {
			return nil, err
		}
		return strings.TrimSpace(toString(v)), nil
	default:
		return nil, fmt.Errorf("rql: unknown function %q", e.Name)
	}
}

func (env *Env) evalSingle(e *Expr) (interface{}, error) {
	if len(e.Args) == 0 {
		return env.Self, nil
	}
	if len(e.Args) != 1 {
		return nil, fmt.Errorf("rql: %s() takes at most one argument", e.Name)
	}
	return env.evalArg(e.Args[0])
}

func (env *Env) evalPair(e *Expr) (interface{}, interface{}, error) {
	if len(e.Args) != 2 {
		return nil, nil, fmt.Errorf("rql: %s() takes two arguments", e.Name)
	}
	a, err := env.evalArg(e.Args[0])
	if err != nil {
		return nil, nil, err
	}
	b, err := env.evalArg(e.Args[1])
	if err != nil {
		return nil, nil, err
	}
	return a, b, nil
}

func (env *Env) evalArg(arg interface{}) (interface{}, error) {
	switch v := arg.(type) {
	case *Expr:
		return env.Eval(v)
	case *Bind:
		return env.lookup(v.Name)
	default:
		return v, nil
	}
}

func (env *Env) lookup(name string) (interface{}, error) {
	if env.Row == nil {
		return nil, fmt.Errorf("rql: no row bound for %q", name)
	}
	v, ok := env.Row[name]
	if !ok {
		return nil, fmt.Errorf("rql: unknown column %q", name)
	}
	return v, nil
}

func truthy(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	default:
		return true
	}
}

func compareOp(op string, a, b interface{}) (interface{}, error) {
	c, err := compare(a, b)
	if err != nil {
		return nil, err
	}
	switch op {
	case "eq":
		return c == 0, nil
	case "ne":
		return c != 0, nil
	case "gt":
		return c > 0, nil
	case "ge":
		return c >= 0, nil
	case "lt":
		return c < 0, nil
	case "le":
		return c <= 0, nil
	}
	return nil, fmt.Errorf("rql: unknown comparison %q", op)
}

func compare(a, b interface{}) (int, error) {
	if a == nil || b == nil {
		if a == nil && b == nil {
			return 0, nil
		}
		return -1, nil
	}
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			switch {
			case af < bf:
				return -1, nil
			case af > bf:
				return 1, nil
			default:
				return 0, nil
			}
		}
	}
	// Strings compare case-insensitive, like the query operators.
	as := strings.ToLower(toString(a))
	bs := strings.ToLower(toString(b))
	return strings.Compare(as, bs), nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
