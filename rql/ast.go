// Package rql implements the query expression language used across the
// service: the URL query syntax (eq, ne, gt, ge, lt, le, contains,
// startswith, select, sort, limit, offset) and the formula mini-language
// found in manifest prepare/where cells. Both share one AST.
//
// The AST is a tree of Expr nodes. Arguments are either nested *Expr
// values, *Bind references to property names, or plain Go literals.
package rql

import (
	"fmt"
	"strconv"
	"strings"
)

// Expr is a single function call node, e.g. eq(code,"lt").
type Expr struct {
	Name string
	Args []interface{}
}

// Bind is a reference to a property or column by name.
type Bind struct {
	Name string
}

// E builds an expression node.
func E(name string, args ...interface{}) *Expr {
	return &Expr{Name: name, Args: args}
}

// B builds a bind argument.
func B(name string) *Bind {
	return &Bind{Name: name}
}

// Eq builds the eq(bind(name), value) predicate used by the push engine for
// _where clauses.
func Eq(name string, value interface{}) *Expr {
	return E("eq", B(name), value)
}

// Merge combines two expressions into a single predicate with and().
// Either side may be nil. Arguments of nested and() nodes are inlined so
// merged formulas stay flat.
func Merge(a, b *Expr) *Expr {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	args := make([]interface{}, 0, 2)
	for _, e := range []*Expr{a, b} {
		if e.Name == "and" {
			args = append(args, e.Args...)
		} else {
			args = append(args, e)
		}
	}
	return E("and", args...)
}

// Unparse renders an expression back into its textual form. The output of
// Unparse(Parse(s)) is stable, which the push engine relies on when writing
// _where clauses.
func Unparse(e *Expr) string {
	if e == nil {
		return ""
	}
	args := make([]string, len(e.Args))
	for i, a := range e.Args {
		args[i] = unparseArg(a)
	}
	return fmt.Sprintf("%s(%s)", e.Name, strings.Join(args, ","))
}

func unparseArg(a interface{}) string {
	switch v := a.(type) {
	case *Expr:
		return Unparse(v)
	case *Bind:
		return v.Name
	case string:
		return strconv.Quote(v)
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%v", v)
	}
}
