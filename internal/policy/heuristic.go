package policy

// HeuristicVersion tags policy snapshots produced by the legacy
// heuristic fallback rather than the DSL engine.
const HeuristicVersion = "heuristic-v1"

// Heuristic is the legacy hard-coded evaluation, kept as the fallback
// when the DSL engine is unavailable. Decision creation must never
// hard-fail because of policy misconfiguration.
//
// Rules (same outcomes as the built-in default document):
//   - force_escalation when any compliance flag is present or risk >= 0.8
//   - auto_approve when risk <= 0.2, confidence >= 0.8, and cost is
//     absent or <= 500
//   - require_human otherwise
func Heuristic(riskScore, confidenceScore, estimatedCost *float64, complianceFlags []string) Result {
	id := "heuristic"
	trace := []RuleTrace{{RuleID: id, Matched: true}}

	if len(complianceFlags) > 0 {
		return Result{Result: ResultForceEscalation, Reason: "Compliance flag", MatchedRuleID: &id, EvaluatedRules: trace}
	}
	if riskScore != nil && *riskScore >= 0.8 {
		return Result{Result: ResultForceEscalation, Reason: "High risk", MatchedRuleID: &id, EvaluatedRules: trace}
	}
	if riskScore != nil && *riskScore <= 0.2 &&
		confidenceScore != nil && *confidenceScore >= 0.8 &&
		(estimatedCost == nil || *estimatedCost <= 500) {
		return Result{Result: ResultAutoApprove, Reason: "Low risk + high confidence", MatchedRuleID: &id, EvaluatedRules: trace}
	}
	return Result{Result: ResultRequireHuman, Reason: "Default", MatchedRuleID: &id, EvaluatedRules: trace}
}
