// Package filter compiles AIP-160 filter expressions over recorded history
// into in-memory predicates.
package filter

import (
	"fmt"
	"strings"

	"github.com/louisbranch/rewind/internal/services/debugger/domain/envelope"
	"go.einride.tech/aip/filtering"
	expr "google.golang.org/genproto/googleapis/api/expr/v1alpha1"
)

// Predicate reports whether an event matches a filter.
type Predicate func(ev envelope.TimestampedEvent) bool

// All matches every event.
func All(envelope.TimestampedEvent) bool { return true }

// EventDeclarations returns the field declarations for history filtering.
func EventDeclarations() (*filtering.Declarations, error) {
	return filtering.NewDeclarations(
		filtering.DeclareStandardFunctions(),
		filtering.DeclareIdent("kind", filtering.TypeString),
		filtering.DeclareIdent("sender", filtering.TypeString),
		filtering.DeclareIdent("recipient", filtering.TypeString),
		filtering.DeclareIdent("topic", filtering.TypeString),
		filtering.DeclareIdent("type", filtering.TypeString),
		filtering.DeclareIdent("timestamp", filtering.TypeInt),
	)
}

// field reads one filterable attribute from a rendered event.
type field struct {
	numeric bool
	str     func(envelope.Rendered) string
	num     func(envelope.Rendered) int64
}

var fields = map[string]field{
	"kind":      {str: func(r envelope.Rendered) string { return string(r.Kind) }},
	"sender":    {str: func(r envelope.Rendered) string { return r.Sender }},
	"recipient": {str: func(r envelope.Rendered) string { return r.Recipient }},
	"topic":     {str: func(r envelope.Rendered) string { return r.Topic }},
	"type":      {str: func(r envelope.Rendered) string { return r.Message.Type }},
	"timestamp": {numeric: true, num: func(r envelope.Rendered) int64 {
		if r.Timestamp == nil {
			return -1
		}
		return int64(*r.Timestamp)
	}},
}

// Parse compiles filterStr. An empty filter matches everything.
func Parse(filterStr string) (Predicate, error) {
	if strings.TrimSpace(filterStr) == "" {
		return All, nil
	}

	decls, err := EventDeclarations()
	if err != nil {
		return nil, fmt.Errorf("create declarations: %w", err)
	}

	filter, err := filtering.ParseFilterString(filterStr, decls)
	if err != nil {
		return nil, fmt.Errorf("parse filter: %w", err)
	}
	if filter.CheckedExpr == nil || filter.CheckedExpr.GetExpr() == nil {
		return All, nil
	}

	match, err := compileExpr(filter.CheckedExpr.GetExpr())
	if err != nil {
		return nil, err
	}
	return func(ev envelope.TimestampedEvent) bool {
		return match(envelope.RenderEvent(ev))
	}, nil
}

type matcher func(envelope.Rendered) bool

func compileExpr(e *expr.Expr) (matcher, error) {
	if e == nil {
		return nil, fmt.Errorf("nil expression")
	}
	switch kind := e.ExprKind.(type) {
	case *expr.Expr_CallExpr:
		return compileCall(kind.CallExpr)
	default:
		return nil, fmt.Errorf("unsupported expression type: %T", kind)
	}
}

func compileCall(call *expr.Expr_Call) (matcher, error) {
	switch call.Function {
	case "_&&_", "AND":
		return compileLogical(call.Args, true)
	case "_||_", "OR":
		return compileLogical(call.Args, false)
	case "!_", "NOT":
		if len(call.Args) != 1 {
			return nil, fmt.Errorf("NOT requires 1 argument")
		}
		inner, err := compileExpr(call.Args[0])
		if err != nil {
			return nil, err
		}
		return func(r envelope.Rendered) bool { return !inner(r) }, nil
	case "_==_", "=":
		return compileComparison(call.Args, "=")
	case "_!=_", "!=":
		return compileComparison(call.Args, "!=")
	case "_<_", "<":
		return compileComparison(call.Args, "<")
	case "_<=_", "<=":
		return compileComparison(call.Args, "<=")
	case "_>_", ">":
		return compileComparison(call.Args, ">")
	case "_>=_", ">=":
		return compileComparison(call.Args, ">=")
	case ":":
		return compileComparison(call.Args, ":")
	default:
		return nil, fmt.Errorf("unsupported function: %s", call.Function)
	}
}

func compileLogical(args []*expr.Expr, and bool) (matcher, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("logical operator requires 2 arguments")
	}
	left, err := compileExpr(args[0])
	if err != nil {
		return nil, err
	}
	right, err := compileExpr(args[1])
	if err != nil {
		return nil, err
	}
	if and {
		return func(r envelope.Rendered) bool { return left(r) && right(r) }, nil
	}
	return func(r envelope.Rendered) bool { return left(r) || right(r) }, nil
}

func compileComparison(args []*expr.Expr, op string) (matcher, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("comparison requires 2 arguments")
	}

	name, err := extractFieldName(args[0])
	if err != nil {
		return nil, err
	}
	f, ok := fields[name]
	if !ok {
		return nil, fmt.Errorf("unknown field: %s", name)
	}

	value, err := extractConstValue(args[1])
	if err != nil {
		return nil, err
	}

	if f.numeric {
		want, ok := value.(int64)
		if !ok {
			return nil, fmt.Errorf("field %s needs an integer, got %T", name, value)
		}
		cmp, err := intComparison(op)
		if err != nil {
			return nil, err
		}
		return func(r envelope.Rendered) bool { return cmp(f.num(r), want) }, nil
	}

	want, ok := value.(string)
	if !ok {
		return nil, fmt.Errorf("field %s needs a string, got %T", name, value)
	}
	cmp, err := stringComparison(op)
	if err != nil {
		return nil, err
	}
	return func(r envelope.Rendered) bool { return cmp(f.str(r), want) }, nil
}

func intComparison(op string) (func(a, b int64) bool, error) {
	switch op {
	case "=":
		return func(a, b int64) bool { return a == b }, nil
	case "!=":
		return func(a, b int64) bool { return a != b }, nil
	case "<":
		return func(a, b int64) bool { return a < b }, nil
	case "<=":
		return func(a, b int64) bool { return a <= b }, nil
	case ">":
		return func(a, b int64) bool { return a > b }, nil
	case ">=":
		return func(a, b int64) bool { return a >= b }, nil
	default:
		return nil, fmt.Errorf("operator %s is not supported on timestamp", op)
	}
}

// stringComparison matches agent and topic ids either exactly or, for a bare
// type without "/", on the type part.
func stringComparison(op string) (func(got, want string) bool, error) {
	switch op {
	case "=":
		return stringEquals, nil
	case "!=":
		return func(got, want string) bool { return !stringEquals(got, want) }, nil
	case ":":
		return strings.Contains, nil
	case "<":
		return func(got, want string) bool { return got < want }, nil
	case "<=":
		return func(got, want string) bool { return got <= want }, nil
	case ">":
		return func(got, want string) bool { return got > want }, nil
	case ">=":
		return func(got, want string) bool { return got >= want }, nil
	default:
		return nil, fmt.Errorf("unsupported operator: %s", op)
	}
}

func stringEquals(got, want string) bool {
	if got == want {
		return true
	}
	if strings.Contains(want, "/") {
		return false
	}
	prefix, _, found := strings.Cut(got, "/")
	return found && prefix == want
}

func extractFieldName(e *expr.Expr) (string, error) {
	if e == nil {
		return "", fmt.Errorf("nil expression")
	}
	switch kind := e.ExprKind.(type) {
	case *expr.Expr_IdentExpr:
		return kind.IdentExpr.Name, nil
	default:
		return "", fmt.Errorf("expected identifier, got %T", kind)
	}
}

func extractConstValue(e *expr.Expr) (any, error) {
	if e == nil {
		return nil, fmt.Errorf("nil expression")
	}
	constExpr, ok := e.ExprKind.(*expr.Expr_ConstExpr)
	if !ok {
		return nil, fmt.Errorf("expected constant, got %T", e.ExprKind)
	}
	switch kind := constExpr.ConstExpr.ConstantKind.(type) {
	case *expr.Constant_StringValue:
		return kind.StringValue, nil
	case *expr.Constant_Int64Value:
		return kind.Int64Value, nil
	case *expr.Constant_Uint64Value:
		return int64(kind.Uint64Value), nil
	default:
		return nil, fmt.Errorf("unsupported constant type: %T", kind)
	}
}
