package policy

import (
	"fmt"
	"regexp"
)

// templatePattern matches {{name}} template references inside operands.
var templatePattern = regexp.MustCompile(`\{\{(\w+)\}\}`)

// wholeTemplatePattern matches operands that are exactly one template
// reference. These resolve to the context value with its type preserved,
// which is what makes numeric comparisons against templated operands work.
var wholeTemplatePattern = regexp.MustCompile(`^\{\{(\w+)\}\}$`)

// Condition is a parsed node of a rule's condition tree. Conditions are
// built once at document-load time and evaluated repeatedly against
// per-decision context maps. A nil Condition is vacuously true.
type Condition interface {
	eval(ctx map[string]any) bool
}

// allCondition is the conjunction of its children.
type allCondition struct {
	children []Condition
}

func (c *allCondition) eval(ctx map[string]any) bool {
	for _, child := range c.children {
		if child != nil && !child.eval(ctx) {
			return false
		}
	}
	return true
}

// anyCondition is the disjunction of its children.
type anyCondition struct {
	children []Condition
}

func (c *anyCondition) eval(ctx map[string]any) bool {
	for _, child := range c.children {
		if child == nil || child.eval(ctx) {
			return true
		}
	}
	return false
}

// comparison is a binary operator node: {op: [left, right]}.
type comparison struct {
	op    string
	fn    operatorFunc
	left  operand
	right operand
}

func (c *comparison) eval(ctx map[string]any) bool {
	return c.fn(c.left.resolve(ctx), c.right.resolve(ctx))
}

// unary is a single-operand node: {missing: [x]} or {exists: x}.
type unary struct {
	op  string
	fn  operatorFunc
	arg operand
}

func (c *unary) eval(ctx map[string]any) bool {
	return c.fn(c.arg.resolve(ctx), nil)
}

// operand wraps a raw operand value. Template references are resolved
// lazily at evaluation time because they depend on the context.
type operand struct {
	raw any
}

// resolve substitutes template references in string operands.
// An operand that is exactly "{{name}}" resolves to ctx[name] with its
// native type preserved (absent names resolve to nil). A string merely
// containing templates has each replaced by the stringified value
// (nil becomes the empty string) and always yields a string.
// Non-string operands pass through unchanged.
func (o operand) resolve(ctx map[string]any) any {
	s, ok := o.raw.(string)
	if !ok {
		return o.raw
	}
	if m := wholeTemplatePattern.FindStringSubmatch(s); m != nil {
		return ctx[m[1]]
	}
	if !templatePattern.MatchString(s) {
		return s
	}
	return templatePattern.ReplaceAllStringFunc(s, func(match string) string {
		name := templatePattern.FindStringSubmatch(match)[1]
		v, present := ctx[name]
		if !present || v == nil {
			return ""
		}
		return stringify(v)
	})
}

// parseCondition builds a Condition from the raw JSON shape of a rule's
// "when" clause. A nil or empty object parses to a nil Condition
// (vacuous match). Unknown operator names and malformed operand lists
// are rejected here, at load time, rather than per evaluation.
func parseCondition(raw any) (Condition, error) {
	if raw == nil {
		return nil, nil
	}
	node, ok := raw.(map[string]any)
	if !ok {
		return nil, &ConditionError{Reason: "condition must be an object"}
	}
	if len(node) == 0 {
		return nil, nil
	}

	if sub, present := node["all"]; present {
		children, err := parseConditionList("all", sub)
		if err != nil {
			return nil, err
		}
		return &allCondition{children: children}, nil
	}
	if sub, present := node["any"]; present {
		children, err := parseConditionList("any", sub)
		if err != nil {
			return nil, err
		}
		return &anyCondition{children: children}, nil
	}

	if len(node) != 1 {
		return nil, &ConditionError{Reason: "condition must contain exactly one operator"}
	}

	var opName string
	var args any
	for k, v := range node {
		opName, args = k, v
	}

	if !isOperator(opName) {
		return nil, &ConditionError{
			Reason: "unrecognized condition key",
			Err:    fmt.Errorf("%w: %s", ErrUnknownOperator, opName),
		}
	}
	fn, err := operator(opName)
	if err != nil {
		return nil, &ConditionError{Reason: "unrecognized condition key", Err: err}
	}

	if unaryOperators[opName] {
		// Unary operators accept a bare value or a list whose first
		// element is the operand.
		arg := args
		if list, isList := args.([]any); isList && len(list) >= 1 {
			arg = list[0]
		}
		return &unary{op: opName, fn: fn, arg: operand{raw: arg}}, nil
	}

	list, isList := args.([]any)
	if !isList || len(list) < 2 {
		return nil, &ConditionError{
			Reason: fmt.Sprintf("operator %s requires a [left, right] operand list", opName),
		}
	}
	return &comparison{
		op:    opName,
		fn:    fn,
		left:  operand{raw: list[0]},
		right: operand{raw: list[1]},
	}, nil
}

func parseConditionList(combinator string, raw any) ([]Condition, error) {
	list, ok := raw.([]any)
	if !ok {
		return nil, &ConditionError{
			Reason: fmt.Sprintf("%q requires a list of conditions", combinator),
		}
	}
	children := make([]Condition, 0, len(list))
	for _, item := range list {
		child, err := parseCondition(item)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return children, nil
}
