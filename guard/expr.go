// Package guard implements the restricted boolean grammar used by edge
// guards and condition nodes. Expressions are parsed into an explicit tree
// and evaluated by walking it; there is no ambient code execution and no
// side effect on the context map.
//
// Grammar:
//
//	expr    := and { ("||" | "or") and }
//	and     := unary { ("&&" | "and") unary }
//	unary   := ["!" | "not"] cmp
//	cmp     := operand [ ("==" | "!=" | "<" | "<=" | ">" | ">=") operand ]
//	operand := literal | path | "(" expr ")"
//	literal := number | 'string' | "string" | true | false
//	path    := ident { "." ident }
package guard

import (
	"strings"

	"github.com/juju/errors"
	"github.com/spf13/cast"
)

// Expr is one node of a parsed guard expression.
type Expr interface {
	// Eval resolves the node against the context map. It never mutates
	// the context. A missing variable or an incomparable pair of values
	// is an error, never a silent false.
	Eval(ctx map[string]any) (any, error)
	String() string
}

var (
	_ Expr = &Literal{}
	_ Expr = &Var{}
	_ Expr = &Compare{}
	_ Expr = &And{}
	_ Expr = &Or{}
	_ Expr = &Not{}
)

type Literal struct {
	Value any
}

func (l *Literal) Eval(ctx map[string]any) (any, error) {
	return l.Value, nil
}

func (l *Literal) String() string {
	return cast.ToString(l.Value)
}

// Var is a dot-separated lookup path into the context map.
type Var struct {
	Path []string
}

func (v *Var) Eval(ctx map[string]any) (any, error) {
	var current any = ctx
	for i, seg := range v.Path {
		m, err := cast.ToStringMapE(current)
		if err != nil {
			return nil, errors.Errorf("path %s: %s is not a map", v.String(), strings.Join(v.Path[:i], "."))
		}
		val, exists := m[seg]
		if !exists {
			return nil, errors.NotFoundf("variable %s", strings.Join(v.Path[:i+1], "."))
		}
		current = val
	}
	return current, nil
}

func (v *Var) String() string {
	return strings.Join(v.Path, ".")
}

type Compare struct {
	Op    string
	Left  Expr
	Right Expr
}

func (c *Compare) Eval(ctx map[string]any) (any, error) {
	lv, err := c.Left.Eval(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	rv, err := c.Right.Eval(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return compareValues(c.Op, lv, rv)
}

func (c *Compare) String() string {
	return c.Left.String() + " " + c.Op + " " + c.Right.String()
}

type And struct {
	Left  Expr
	Right Expr
}

func (a *And) Eval(ctx map[string]any) (any, error) {
	lv, err := evalBool(a.Left, ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if !lv {
		return false, nil
	}
	return evalBoolAny(a.Right, ctx)
}

func (a *And) String() string {
	return "(" + a.Left.String() + " && " + a.Right.String() + ")"
}

type Or struct {
	Left  Expr
	Right Expr
}

func (o *Or) Eval(ctx map[string]any) (any, error) {
	lv, err := evalBool(o.Left, ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if lv {
		return true, nil
	}
	return evalBoolAny(o.Right, ctx)
}

func (o *Or) String() string {
	return "(" + o.Left.String() + " || " + o.Right.String() + ")"
}

type Not struct {
	Expr Expr
}

func (n *Not) Eval(ctx map[string]any) (any, error) {
	v, err := evalBool(n.Expr, ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return !v, nil
}

func (n *Not) String() string {
	return "!" + n.Expr.String()
}

func evalBool(e Expr, ctx map[string]any) (bool, error) {
	v, err := e.Eval(ctx)
	if err != nil {
		return false, errors.Trace(err)
	}
	b, ok := v.(bool)
	if !ok {
		return false, errors.Errorf("expression %s is not boolean, got %T", e.String(), v)
	}
	return b, nil
}

func evalBoolAny(e Expr, ctx map[string]any) (any, error) {
	b, err := evalBool(e, ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return b, nil
}

func compareValues(op string, lv, rv any) (any, error) {
	// booleans only support equality
	lb, lok := lv.(bool)
	rb, rok := rv.(bool)
	if lok || rok {
		if !lok || !rok {
			return nil, errors.Errorf("cannot compare %T with %T", lv, rv)
		}
		switch op {
		case "==":
			return lb == rb, nil
		case "!=":
			return lb != rb, nil
		}
		return nil, errors.Errorf("operator %s is not defined for booleans", op)
	}

	lf, lerr := cast.ToFloat64E(lv)
	rf, rerr := cast.ToFloat64E(rv)
	if lerr == nil && rerr == nil {
		return compareOrdered(op, lf, rf)
	}

	ls, lerr := cast.ToStringE(lv)
	rs, rerr := cast.ToStringE(rv)
	if lerr != nil || rerr != nil {
		return nil, errors.Errorf("cannot compare %T with %T", lv, rv)
	}
	return compareOrdered(op, ls, rs)
}

func compareOrdered[T string | float64](op string, l, r T) (any, error) {
	switch op {
	case "==":
		return l == r, nil
	case "!=":
		return l != r, nil
	case "<":
		return l < r, nil
	case "<=":
		return l <= r, nil
	case ">":
		return l > r, nil
	case ">=":
		return l >= r, nil
	}
	return nil, errors.Errorf("unknown operator %s", op)
}

// Evaluate parses and evaluates expression as a boolean against ctx.
func Evaluate(expression string, ctx map[string]any) (bool, error) {
	e, err := Parse(expression)
	if err != nil {
		return false, errors.Trace(err)
	}
	return evalBool(e, ctx)
}
