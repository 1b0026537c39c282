package cancel

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/gregtusar/kiteexec/pkg/models"
)

// Predicate is a parsed, type-checked filter over orders. Expressions are only
// ever interpreted against the fixed field set below; nothing is executed.
type Predicate interface {
	Match(o *models.Order, now time.Time) bool
	String() string
}

type kind int

const (
	kindString kind = iota
	kindNumber
	kindBool
)

func (k kind) String() string {
	switch k {
	case kindNumber:
		return "number"
	case kindBool:
		return "bool"
	}
	return "string"
}

type field struct {
	name string
	kind kind
	get  func(o *models.Order, now time.Time) any
}

var fields = map[string]field{
	"age":           {"age", kindNumber, func(o *models.Order, now time.Time) any { return o.Age(now) }},
	"role":          {"role", kindString, func(o *models.Order, _ time.Time) any { return string(o.Role) }},
	"group":         {"group", kindString, func(o *models.Order, _ time.Time) any { return o.Group }},
	"symbol":        {"symbol", kindString, func(o *models.Order, _ time.Time) any { return o.Symbol }},
	"exchange":      {"exchange", kindString, func(o *models.Order, _ time.Time) any { return o.Exchange }},
	"status":        {"status", kindString, func(o *models.Order, _ time.Time) any { return string(o.Status) }},
	"side":          {"side", kindString, func(o *models.Order, _ time.Time) any { return string(o.Side) }},
	"protected":     {"protected", kindBool, func(o *models.Order, _ time.Time) any { return o.Protected }},
	"strategy_id":   {"strategy_id", kindString, func(o *models.Order, _ time.Time) any { return o.StrategyID }},
	"job_id":        {"job_id", kindString, func(o *models.Order, _ time.Time) any { return o.ParentJobID }},
	"quantity":      {"quantity", kindNumber, func(o *models.Order, _ time.Time) any { return float64(o.Quantity) }},
	"price":         {"price", kindNumber, func(o *models.Order, _ time.Time) any { return o.Price.InexactFloat64() }},
	"modifications": {"modifications", kindNumber, func(o *models.Order, _ time.Time) any { return float64(o.ModificationCount) }},
}

// Fields lists the attribute names a predicate may reference.
func Fields() []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Compile parses src into a Predicate. An empty source matches every order.
func Compile(src string) (Predicate, error) {
	if strings.TrimSpace(src) == "" {
		return matchAll{}, nil
	}
	tree, err := parser.Parse(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidPredicate, err)
	}
	p, err := build(tree.Node)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidPredicate, err)
	}
	return p, nil
}

// MustCompile is Compile for expressions known to be valid.
func MustCompile(src string) Predicate {
	p, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return p
}

func build(node ast.Node) (Predicate, error) {
	switch n := node.(type) {
	case *ast.BinaryNode:
		switch n.Operator {
		case "and", "&&":
			return buildLogical(n, true)
		case "or", "||":
			return buildLogical(n, false)
		}
		return buildComparison(n)

	case *ast.UnaryNode:
		if n.Operator != "not" && n.Operator != "!" {
			return nil, fmt.Errorf("unsupported operator %q", n.Operator)
		}
		inner, err := build(n.Node)
		if err != nil {
			return nil, err
		}
		return not{inner}, nil

	case *ast.IdentifierNode:
		f, err := lookup(n.Value)
		if err != nil {
			return nil, err
		}
		if f.kind != kindBool {
			return nil, fmt.Errorf("%s is a %s, not a condition", f.name, f.kind)
		}
		return compare{field: f, op: "==", value: true}, nil

	case *ast.BoolNode:
		if n.Value {
			return matchAll{}, nil
		}
		return not{matchAll{}}, nil
	}
	return nil, fmt.Errorf("unsupported expression %q", node.String())
}

func buildLogical(n *ast.BinaryNode, isAnd bool) (Predicate, error) {
	left, err := build(n.Left)
	if err != nil {
		return nil, err
	}
	right, err := build(n.Right)
	if err != nil {
		return nil, err
	}
	if isAnd {
		return and{left, right}, nil
	}
	return or{left, right}, nil
}

var flipped = map[string]string{"<": ">", ">": "<", "<=": ">=", ">=": "<=", "==": "==", "!=": "!="}

func buildComparison(n *ast.BinaryNode) (Predicate, error) {
	ident, ok := n.Left.(*ast.IdentifierNode)
	other := n.Right
	op := n.Operator
	if !ok {
		// allow "30 < age"
		rightIdent, rok := n.Right.(*ast.IdentifierNode)
		flip, fok := flipped[op]
		if !rok || !fok {
			return nil, fmt.Errorf("left side of %q must be a field", op)
		}
		ident, other, op = rightIdent, n.Left, flip
	}
	f, err := lookup(ident.Value)
	if err != nil {
		return nil, err
	}

	switch op {
	case "in":
		arr, ok := other.(*ast.ArrayNode)
		if !ok {
			return nil, fmt.Errorf("%s in ... needs a list", f.name)
		}
		values := make([]any, 0, len(arr.Nodes))
		for _, item := range arr.Nodes {
			v, err := literal(item, f.kind)
			if err != nil {
				return nil, fmt.Errorf("%s: %v", f.name, err)
			}
			values = append(values, v)
		}
		return membership{field: f, values: values}, nil

	case "==", "!=":
		v, err := literal(other, f.kind)
		if err != nil {
			return nil, fmt.Errorf("%s: %v", f.name, err)
		}
		return compare{field: f, op: op, value: v}, nil

	case "<", "<=", ">", ">=":
		if f.kind != kindNumber {
			return nil, fmt.Errorf("%s is a %s and cannot be ordered", f.name, f.kind)
		}
		v, err := literal(other, kindNumber)
		if err != nil {
			return nil, fmt.Errorf("%s: %v", f.name, err)
		}
		return compare{field: f, op: op, value: v}, nil

	case "matches", "contains", "startsWith", "endsWith":
		if f.kind != kindString {
			return nil, fmt.Errorf("%s is a %s; %s needs a string field", f.name, f.kind, op)
		}
		v, err := literal(other, kindString)
		if err != nil {
			return nil, fmt.Errorf("%s: %v", f.name, err)
		}
		t := text{field: f, op: op, arg: v.(string)}
		if op == "matches" {
			re, err := regexp.Compile(t.arg)
			if err != nil {
				return nil, fmt.Errorf("%s matches: %v", f.name, err)
			}
			t.re = re
		}
		return t, nil
	}
	return nil, fmt.Errorf("unsupported operator %q", op)
}

func lookup(name string) (field, error) {
	f, ok := fields[name]
	if !ok {
		return field{}, fmt.Errorf("unknown field %q (known: %s)", name, strings.Join(Fields(), ", "))
	}
	return f, nil
}

func literal(node ast.Node, want kind) (any, error) {
	switch n := node.(type) {
	case *ast.StringNode:
		if want == kindString {
			return n.Value, nil
		}
	case *ast.IntegerNode:
		if want == kindNumber {
			return float64(n.Value), nil
		}
	case *ast.FloatNode:
		if want == kindNumber {
			return n.Value, nil
		}
	case *ast.BoolNode:
		if want == kindBool {
			return n.Value, nil
		}
	case *ast.UnaryNode:
		if n.Operator == "-" && want == kindNumber {
			v, err := literal(n.Node, kindNumber)
			if err != nil {
				return nil, err
			}
			return -v.(float64), nil
		}
	default:
		return nil, fmt.Errorf("expected a %s literal, got %q", want, node.String())
	}
	return nil, fmt.Errorf("expected a %s literal, got %q", want, node.String())
}

type matchAll struct{}

func (matchAll) Match(*models.Order, time.Time) bool { return true }
func (matchAll) String() string                      { return "true" }

type and struct{ left, right Predicate }

func (p and) Match(o *models.Order, now time.Time) bool {
	return p.left.Match(o, now) && p.right.Match(o, now)
}
func (p and) String() string { return "(" + p.left.String() + " and " + p.right.String() + ")" }

type or struct{ left, right Predicate }

func (p or) Match(o *models.Order, now time.Time) bool {
	return p.left.Match(o, now) || p.right.Match(o, now)
}
func (p or) String() string { return "(" + p.left.String() + " or " + p.right.String() + ")" }

type not struct{ inner Predicate }

func (p not) Match(o *models.Order, now time.Time) bool { return !p.inner.Match(o, now) }
func (p not) String() string                            { return "not " + p.inner.String() }

type compare struct {
	field field
	op    string
	value any
}

func (p compare) Match(o *models.Order, now time.Time) bool {
	got := p.field.get(o, now)
	switch p.op {
	case "==":
		return equal(got, p.value)
	case "!=":
		return !equal(got, p.value)
	}
	a, b := got.(float64), p.value.(float64)
	switch p.op {
	case "<":
		return a < b
	case "<=":
		return a <= b
	case ">":
		return a > b
	case ">=":
		return a >= b
	}
	return false
}

func (p compare) String() string { return fmt.Sprintf("%s %s %s", p.field.name, p.op, quote(p.value)) }

type membership struct {
	field  field
	values []any
}

func (p membership) Match(o *models.Order, now time.Time) bool {
	got := p.field.get(o, now)
	for _, v := range p.values {
		if equal(got, v) {
			return true
		}
	}
	return false
}

func (p membership) String() string {
	parts := make([]string, len(p.values))
	for i, v := range p.values {
		parts[i] = quote(v)
	}
	return fmt.Sprintf("%s in [%s]", p.field.name, strings.Join(parts, ", "))
}

type text struct {
	field field
	op    string
	arg   string
	re    *regexp.Regexp
}

func (p text) Match(o *models.Order, now time.Time) bool {
	s := p.field.get(o, now).(string)
	switch p.op {
	case "matches":
		return p.re.MatchString(s)
	case "contains":
		return strings.Contains(s, p.arg)
	case "startsWith":
		return strings.HasPrefix(s, p.arg)
	case "endsWith":
		return strings.HasSuffix(s, p.arg)
	}
	return false
}

func (p text) String() string { return fmt.Sprintf("%s %s %q", p.field.name, p.op, p.arg) }

// Strings compare case-insensitively so "buy" matches BUY.
func equal(a, b any) bool {
	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		return ok && strings.EqualFold(as, bs)
	}
	return a == b
}

func quote(v any) string {
	if s, ok := v.(string); ok {
		return fmt.Sprintf("%q", s)
	}
	return fmt.Sprint(v)
}

// All, Eq and In build predicates without going through the parser.
func All(preds ...Predicate) Predicate {
	if len(preds) == 0 {
		return matchAll{}
	}
	out := preds[0]
	for _, p := range preds[1:] {
		out = and{out, p}
	}
	return out
}

func Eq(name string, value any) Predicate {
	f := fields[name]
	return compare{field: f, op: "==", value: normalise(value)}
}

func In(name string, values ...any) Predicate {
	f := fields[name]
	norm := make([]any, len(values))
	for i, v := range values {
		norm[i] = normalise(v)
	}
	return membership{field: f, values: norm}
}

func normalise(v any) any {
	switch t := v.(type) {
	case int:
		return float64(t)
	case models.OrderStatus:
		return string(t)
	case models.OrderRole:
		return string(t)
	}
	return v
}
