// Package filter compiles declarative rule YAML into expression trees and
// evaluates alerts against them.
package filter

import (
	"fmt"
	"net/netip"
	"regexp"
	"strings"

	"github.com/gobwas/glob"
)

// maxRegexLen bounds compiled patterns; longer patterns are treated as
// invalid and never match.
const maxRegexLen = 500

// Expr is a node of a compiled filter expression.
type Expr interface {
	// Eval reports whether the alert matches and, on match, a
	// human-readable reason.
	Eval(alert map[string]any) (bool, string)
	describe() string
}

// Compile builds an expression tree from the generic YAML form. Invalid
// regex, glob, or CIDR operands are downgraded to never-match conditions;
// structural errors (unknown op, missing conditions) are returned.
func Compile(raw map[string]any) (Expr, error) {
	op, _ := raw["op"].(string)

	switch op {
	case "and", "or":
		conds, ok := raw["conditions"].([]any)
		if !ok || len(conds) == 0 {
			return nil, fmt.Errorf("%s requires a non-empty conditions list", op)
		}
		children := make([]Expr, 0, len(conds))
		for i, c := range conds {
			m, ok := toStringMap(c)
			if !ok {
				return nil, fmt.Errorf("%s condition %d is not a mapping", op, i)
			}
			child, err := Compile(m)
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		if op == "and" {
			return &andExpr{children}, nil
		}
		return &orExpr{children}, nil

	case "not":
		m, ok := toStringMap(raw["condition"])
		if !ok {
			return nil, fmt.Errorf("not requires a condition mapping")
		}
		child, err := Compile(m)
		if err != nil {
			return nil, err
		}
		return &notExpr{child}, nil
	}

	return compileField(raw)
}

func toStringMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			ks, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[ks] = val
		}
		return out, true
	}
	return nil, false
}

type andExpr struct{ children []Expr }

func (e *andExpr) Eval(alert map[string]any) (bool, string) {
	reasons := make([]string, 0, len(e.children))
	for _, c := range e.children {
		ok, reason := c.Eval(alert)
		if !ok {
			return false, ""
		}
		reasons = append(reasons, reason)
	}
	return true, strings.Join(reasons, " AND ")
}

func (e *andExpr) describe() string { return describeJoin(e.children, " AND ") }

type orExpr struct{ children []Expr }

func (e *orExpr) Eval(alert map[string]any) (bool, string) {
	for _, c := range e.children {
		if ok, reason := c.Eval(alert); ok {
			return true, reason
		}
	}
	return false, ""
}

func (e *orExpr) describe() string { return describeJoin(e.children, " OR ") }

func describeJoin(children []Expr, sep string) string {
	parts := make([]string, len(children))
	for i, c := range children {
		parts[i] = c.describe()
	}
	return "(" + strings.Join(parts, sep) + ")"
}

type notExpr struct{ child Expr }

func (e *notExpr) Eval(alert map[string]any) (bool, string) {
	ok, _ := e.child.Eval(alert)
	if ok {
		return false, ""
	}
	return true, "NOT " + e.child.describe()
}

func (e *notExpr) describe() string { return "NOT " + e.child.describe() }

// fieldExpr is a single field condition with precompiled operands.
type fieldExpr struct {
	path  []string
	field string
	op    string
	value any

	// Precompiled operands for pattern ops. A nil entry stands for an
	// invalid operand that never matches.
	regexes  []*regexp.Regexp
	globs    []glob.Glob
	prefixes []*netip.Prefix
}

var fieldOps = map[string]bool{
	"eq": true, "ne": true,
	"gt": true, "gte": true, "lt": true, "lte": true,
	"in": true, "not_in": true,
	"contains": true, "not_contains": true,
	"starts_with": true, "ends_with": true,
	"empty": true, "not_empty": true,
	"glob": true, "regex": true, "cidr": true,
}

func compileField(raw map[string]any) (Expr, error) {
	field, _ := raw["field"].(string)
	op, _ := raw["op"].(string)
	if field == "" {
		return nil, fmt.Errorf("field condition requires a field path")
	}
	if !fieldOps[op] {
		return nil, fmt.Errorf("unknown operator %q", op)
	}

	e := &fieldExpr{
		path:  strings.Split(field, "."),
		field: field,
		op:    op,
		value: raw["value"],
	}

	switch op {
	case "regex":
		for _, p := range operandStrings(e.value) {
			if len(p) > maxRegexLen {
				e.regexes = append(e.regexes, nil)
				continue
			}
			re, err := regexp.Compile(p)
			if err != nil {
				re = nil
			}
			e.regexes = append(e.regexes, re)
		}
	case "glob":
		for _, p := range operandStrings(e.value) {
			g, err := glob.Compile(p)
			if err != nil {
				g = nil
			}
			e.globs = append(e.globs, g)
		}
	case "cidr":
		for _, p := range operandStrings(e.value) {
			e.prefixes = append(e.prefixes, parsePrefix(p))
		}
	}

	return e, nil
}

// operandStrings normalizes a scalar-or-list operand into a string slice.
func operandStrings(v any) []string {
	switch val := v.(type) {
	case string:
		return []string{val}
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// parsePrefix parses a CIDR, accepting a bare address as a single-host
// prefix. Returns nil for invalid input.
func parsePrefix(s string) *netip.Prefix {
	if p, err := netip.ParsePrefix(s); err == nil {
		return &p
	}
	if a, err := netip.ParseAddr(s); err == nil {
		p := netip.PrefixFrom(a, a.BitLen())
		return &p
	}
	return nil
}

func (e *fieldExpr) describe() string {
	if e.value == nil {
		return fmt.Sprintf("%s %s", e.field, e.op)
	}
	return fmt.Sprintf("%s %s %v", e.field, e.op, e.value)
}

// Resolve walks a dot path through nested maps. The second return reports
// whether the leaf is defined.
func Resolve(alert map[string]any, path []string) (any, bool) {
	var cur any = alert
	for _, seg := range path {
		m, ok := toStringMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok || cur == nil {
			// A present-but-null intermediate is an undefined leaf for
			// every segment below it; a null leaf itself is undefined.
			return nil, false
		}
	}
	return cur, true
}

func (e *fieldExpr) Eval(alert map[string]any) (bool, string) {
	v, defined := Resolve(alert, e.path)

	// Undefined leaves only satisfy the emptiness operators.
	if !defined {
		switch e.op {
		case "empty":
			return true, e.describe()
		case "not_empty":
			return false, ""
		default:
			return false, ""
		}
	}

	matched := false
	switch e.op {
	case "eq":
		matched = looseEqual(v, e.value)
	case "ne":
		matched = !looseEqual(v, e.value)
	case "gt", "gte", "lt", "lte":
		matched = numericCompare(v, e.value, e.op)
	case "in":
		matched = member(e.value, v)
	case "not_in":
		matched = !member(e.value, v)
	case "contains":
		matched = containsValue(v, e.value)
	case "not_contains":
		matched = !containsValue(v, e.value)
	case "starts_with":
		s, ok1 := v.(string)
		p, ok2 := e.value.(string)
		matched = ok1 && ok2 && strings.HasPrefix(s, p)
	case "ends_with":
		s, ok1 := v.(string)
		p, ok2 := e.value.(string)
		matched = ok1 && ok2 && strings.HasSuffix(s, p)
	case "empty":
		matched = isEmpty(v)
	case "not_empty":
		matched = !isEmpty(v)
	case "glob":
		if s, ok := v.(string); ok {
			for _, g := range e.globs {
				if g != nil && g.Match(s) {
					matched = true
					break
				}
			}
		}
	case "regex":
		if s, ok := v.(string); ok {
			for _, re := range e.regexes {
				if re != nil && re.MatchString(s) {
					matched = true
					break
				}
			}
		}
	case "cidr":
		if s, ok := v.(string); ok {
			if addr, err := netip.ParseAddr(s); err == nil {
				for _, p := range e.prefixes {
					if p != nil && p.Addr().Is4() == addr.Is4() && p.Contains(addr) {
						matched = true
						break
					}
				}
			}
		}
	}

	if matched {
		return true, e.describe()
	}
	return false, ""
}

// looseEqual compares with numeric normalization: YAML ints and JSON
// floats representing the same value are equal. Everything else compares
// strictly by type and value.
func looseEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	if _, ok := toFloat(b); ok {
		return false
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func numericCompare(v, operand any, op string) bool {
	a, ok1 := toFloat(v)
	b, ok2 := toFloat(operand)
	if !ok1 || !ok2 {
		return false
	}
	switch op {
	case "gt":
		return a > b
	case "gte":
		return a >= b
	case "lt":
		return a < b
	default:
		return a <= b
	}
}

// member reports whether v is an element of the list operand.
func member(list any, v any) bool {
	items, ok := list.([]any)
	if !ok {
		return false
	}
	for _, item := range items {
		if looseEqual(v, item) {
			return true
		}
	}
	return false
}

// containsValue handles both substring containment (string field) and
// element containment (list field).
func containsValue(v, operand any) bool {
	switch field := v.(type) {
	case string:
		needle, ok := operand.(string)
		return ok && strings.Contains(field, needle)
	case []any:
		for _, item := range field {
			if looseEqual(item, operand) {
				return true
			}
		}
	}
	return false
}

func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case []any:
		return len(val) == 0
	}
	return false
}
