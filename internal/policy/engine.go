package policy

import (
	"encoding/json"
	"fmt"
)

// Result labels a policy evaluation can produce.
const (
	ResultAutoApprove     = "auto_approve"
	ResultRequireHuman    = "require_human"
	ResultForceEscalation = "force_escalation"
)

// Outcome is the result/reason pair attached to a rule's "then" clause
// and to the document default.
type Outcome struct {
	Result string `json:"result"`
	Reason string `json:"reason"`
}

// Document is the raw JSON shape of a policy document.
type Document struct {
	Version     string  `json:"version"`
	Description string  `json:"description,omitempty"`
	Rules       []Rule  `json:"rules"`
	Default     Outcome `json:"default"`
}

// Rule is one entry of a policy document's ordered rule list.
type Rule struct {
	ID          string  `json:"id"`
	Description string  `json:"description,omitempty"`
	When        any     `json:"when"`
	Then        Outcome `json:"then"`
}

// RuleTrace is one entry of the evaluation trace: every rule attempted
// before (and including) the match is recorded, for audit and debugging.
type RuleTrace struct {
	RuleID  string  `json:"id"`
	Matched bool    `json:"matched"`
	Outcome *string `json:"outcome,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// Result is the outcome of evaluating a policy against a context.
type Result struct {
	Result         string      `json:"result"`
	Reason         string      `json:"reason"`
	MatchedRuleID  *string     `json:"matched_rule_id"`
	EvaluatedRules []RuleTrace `json:"evaluated_rules"`
}

// TraceMap renders the evaluation trace as a generic map for persisting
// into a decision's policy snapshot.
func (r Result) TraceMap() map[string]any {
	rules := make([]any, 0, len(r.EvaluatedRules))
	for _, t := range r.EvaluatedRules {
		entry := map[string]any{"id": t.RuleID, "matched": t.Matched}
		if t.Outcome != nil {
			entry["outcome"] = *t.Outcome
		}
		if t.Error != "" {
			entry["error"] = t.Error
		}
		rules = append(rules, entry)
	}
	out := map[string]any{"rules": rules}
	if r.MatchedRuleID != nil {
		out["matched_rule_id"] = *r.MatchedRuleID
	}
	return out
}

// compiledRule pairs a rule with its pre-parsed condition. A rule whose
// condition failed to parse is kept with parseErr set: it never matches
// and is reported in the trace, so one malformed rule cannot take down
// the rest of the policy.
type compiledRule struct {
	id       string
	cond     Condition
	then     Outcome
	parseErr error
}

// Engine evaluates a compiled policy document. Engines are immutable
// after construction and safe for concurrent use; reloading a policy
// builds a new Engine rather than mutating one in place.
type Engine struct {
	version      string
	rules        []compiledRule
	defaultOut   Outcome
	parseErrored int
}

// NewEngine compiles a policy document into an Engine. Structural errors
// at the document level (e.g. no usable rules because of a nil receiver)
// are not possible here; per-rule condition errors are tolerated and
// surface in evaluation traces instead.
func NewEngine(doc Document) *Engine {
	version := doc.Version
	if version == "" {
		version = "1.0.0"
	}
	def := doc.Default
	if def.Result == "" {
		def = Outcome{Result: ResultRequireHuman, Reason: "No rule matched"}
	}

	eng := &Engine{version: version, defaultOut: def}
	for _, r := range doc.Rules {
		id := r.ID
		if id == "" {
			id = "unknown"
		}
		cond, err := parseCondition(normalizeJSON(r.When))
		cr := compiledRule{id: id, cond: cond, then: r.Then, parseErr: err}
		if cr.then.Result == "" {
			cr.then.Result = ResultRequireHuman
		}
		if cr.then.Reason == "" {
			cr.then.Reason = fmt.Sprintf("Rule %s matched", id)
		}
		if err != nil {
			eng.parseErrored++
		}
		eng.rules = append(eng.rules, cr)
	}
	return eng
}

// Version returns the document version the engine was compiled from.
func (e *Engine) Version() string { return e.version }

// RuleCount returns the number of rules in the compiled policy.
func (e *Engine) RuleCount() int { return len(e.rules) }

// Evaluate runs the policy against a context map, first match wins.
//
// Every rule attempted is recorded in the trace. A rule whose condition
// could not be parsed is recorded as non-matching with an error
// annotation and evaluation continues. If no rule matches, the document
// default is returned with the full trace and no matched rule id.
func (e *Engine) Evaluate(ctx map[string]any) Result {
	var trace []RuleTrace

	for _, rule := range e.rules {
		if rule.parseErr != nil {
			trace = append(trace, RuleTrace{
				RuleID:  rule.id,
				Matched: false,
				Error:   rule.parseErr.Error(),
			})
			continue
		}

		matched := rule.cond == nil || rule.cond.eval(ctx)
		entry := RuleTrace{RuleID: rule.id, Matched: matched}
		if matched {
			outcome := rule.then.Result
			entry.Outcome = &outcome
		}
		trace = append(trace, entry)

		if matched {
			id := rule.id
			return Result{
				Result:         rule.then.Result,
				Reason:         rule.then.Reason,
				MatchedRuleID:  &id,
				EvaluatedRules: trace,
			}
		}
	}

	return Result{
		Result:         e.defaultOut.Result,
		Reason:         e.defaultOut.Reason,
		MatchedRuleID:  nil,
		EvaluatedRules: trace,
	}
}

// normalizeJSON converts values that did not come through encoding/json
// (e.g. documents constructed in Go) into the json-decoded shapes the
// condition parser expects: map[string]any, []any, float64.
func normalizeJSON(v any) any {
	switch v.(type) {
	case nil, map[string]any, []any, string, float64, bool:
		return v
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}
