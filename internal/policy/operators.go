// Package policy implements the JSON rule DSL that decides whether a
// paused workflow node is auto-approved, routed to a human, or escalated.
//
// A policy document is an ordered list of rules, each with a condition
// tree and an outcome. Conditions combine comparison, equality,
// membership, and existence operators with all/any logical nodes, and
// operands may reference context values via {{name}} templates.
// Evaluation is first-match-wins against a context map.
package policy

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// operatorFunc is a binary predicate over two resolved operand values.
// Unary operators receive nil as their second argument.
type operatorFunc func(a, b any) bool

// operators is the fixed registry of condition operators. The logical
// combinators "all" and "any" are handled at the condition-tree level
// and are deliberately not in this map.
var operators = map[string]operatorFunc{
	"gt":       func(a, b any) bool { return compareNumeric(a, b, func(x, y float64) bool { return x > y }) },
	"gte":      func(a, b any) bool { return compareNumeric(a, b, func(x, y float64) bool { return x >= y }) },
	"lt":       func(a, b any) bool { return compareNumeric(a, b, func(x, y float64) bool { return x < y }) },
	"lte":      func(a, b any) bool { return compareNumeric(a, b, func(x, y float64) bool { return x <= y }) },
	"eq":       opEq,
	"neq":      func(a, b any) bool { return !opEq(a, b) },
	"includes": opIncludes,
	"in":       func(a, b any) bool { return opIncludes(b, a) },
	"missing":  func(a, _ any) bool { return isMissing(a) },
	"exists":   func(a, _ any) bool { return !isMissing(a) },
	"matches":  opMatches,
}

// unaryOperators take a single operand.
var unaryOperators = map[string]bool{
	"missing": true,
	"exists":  true,
}

// operator returns the predicate registered under name.
func operator(name string) (operatorFunc, error) {
	fn, ok := operators[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperator, name)
	}
	return fn, nil
}

// isOperator reports whether name is a known operator or logical combinator.
func isOperator(name string) bool {
	_, ok := operators[name]
	return ok || name == "all" || name == "any"
}

// toNumber coerces a value to float64. Numeric types and numeric strings
// coerce; nil and everything else do not.
func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// compareNumeric applies cmp to both operands coerced to numbers.
// Returns false (not an error) when either operand is nil or not coercible.
func compareNumeric(a, b any, cmp func(x, y float64) bool) bool {
	if a == nil || b == nil {
		return false
	}
	x, okA := toNumber(a)
	y, okB := toNumber(b)
	if !okA || !okB {
		return false
	}
	return cmp(x, y)
}

// opEq compares numerically when both operands coerce to numbers, else
// by string form. Two nils are equal; one nil is not.
func opEq(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	if x, okA := toNumber(a); okA {
		if y, okB := toNumber(b); okB {
			return x == y
		}
	}
	return stringify(a) == stringify(b)
}

// opIncludes reports whether collection contains value: element of a
// list, or substring of a string. Nil or unsupported collection types
// yield false.
func opIncludes(collection, value any) bool {
	switch c := collection.(type) {
	case nil:
		return false
	case []any:
		for _, item := range c {
			if opEq(item, value) {
				return true
			}
		}
		return false
	case []string:
		needle := stringify(value)
		for _, item := range c {
			if item == needle {
				return true
			}
		}
		return false
	case string:
		return strings.Contains(c, stringify(value))
	default:
		return false
	}
}

// isMissing reports whether a value is nil or an empty collection/string.
func isMissing(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return len(x) == 0
	case []any:
		return len(x) == 0
	case []string:
		return len(x) == 0
	case map[string]any:
		return len(x) == 0
	default:
		return false
	}
}

// opMatches reports whether the string form of value matches pattern
// anchored at the start. Nil operands or an invalid pattern yield false.
func opMatches(value, pattern any) bool {
	if value == nil || pattern == nil {
		return false
	}
	re, err := regexp.Compile(stringify(pattern))
	if err != nil {
		return false
	}
	loc := re.FindStringIndex(stringify(value))
	return loc != nil && loc[0] == 0
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'g', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}
