package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func floatPtr(f float64) *float64 { return &f }

func defaultEngine(t *testing.T) *Engine {
	t.Helper()
	return NewEngine(DefaultDocument())
}

func TestEvaluate_FirstMatchWins(t *testing.T) {
	eng := NewEngine(Document{
		Version: "1.0.0",
		Rules: []Rule{
			{ID: "r1", When: map[string]any{"gte": []any{"{{score}}", 10.0}}, Then: Outcome{Result: ResultForceEscalation, Reason: "first"}},
			{ID: "r2", When: map[string]any{"gte": []any{"{{score}}", 5.0}}, Then: Outcome{Result: ResultRequireHuman, Reason: "second"}},
			{ID: "r3", Then: Outcome{Result: ResultAutoApprove, Reason: "third"}},
		},
		Default: Outcome{Result: ResultRequireHuman, Reason: "default"},
	})

	res := eng.Evaluate(map[string]any{"score": 7.0})
	assert.Equal(t, ResultRequireHuman, res.Result)
	assert.Equal(t, "second", res.Reason)
	require.NotNil(t, res.MatchedRuleID)
	assert.Equal(t, "r2", *res.MatchedRuleID)

	// Trace covers rules up to and including the match, not r3.
	require.Len(t, res.EvaluatedRules, 2)
	assert.False(t, res.EvaluatedRules[0].Matched)
	assert.True(t, res.EvaluatedRules[1].Matched)
	require.NotNil(t, res.EvaluatedRules[1].Outcome)
	assert.Equal(t, ResultRequireHuman, *res.EvaluatedRules[1].Outcome)
}

func TestEvaluate_NoMatchReturnsDefaultWithFullTrace(t *testing.T) {
	eng := NewEngine(Document{
		Rules: []Rule{
			{ID: "r1", When: map[string]any{"gte": []any{"{{score}}", 10.0}}, Then: Outcome{Result: ResultForceEscalation}},
			{ID: "r2", When: map[string]any{"lte": []any{"{{score}}", 1.0}}, Then: Outcome{Result: ResultAutoApprove}},
		},
		Default: Outcome{Result: ResultRequireHuman, Reason: "nothing applied"},
	})

	res := eng.Evaluate(map[string]any{"score": 5.0})
	assert.Equal(t, ResultRequireHuman, res.Result)
	assert.Equal(t, "nothing applied", res.Reason)
	assert.Nil(t, res.MatchedRuleID)
	assert.Len(t, res.EvaluatedRules, 2)
}

func TestEvaluate_EmptyConditionMatchesVacuously(t *testing.T) {
	eng := NewEngine(Document{
		Rules:   []Rule{{ID: "always", When: map[string]any{}, Then: Outcome{Result: ResultAutoApprove, Reason: "always"}}},
		Default: Outcome{Result: ResultRequireHuman},
	})
	res := eng.Evaluate(map[string]any{})
	assert.Equal(t, ResultAutoApprove, res.Result)
}

func TestEvaluate_MalformedRuleIsSkippedNotFatal(t *testing.T) {
	eng := NewEngine(Document{
		Rules: []Rule{
			{ID: "bad", When: map[string]any{"xor": []any{1.0, 2.0}}, Then: Outcome{Result: ResultForceEscalation}},
			{ID: "good", When: map[string]any{"gte": []any{"{{risk}}", 0.5}}, Then: Outcome{Result: ResultForceEscalation, Reason: "risk"}},
		},
		Default: Outcome{Result: ResultRequireHuman},
	})

	res := eng.Evaluate(map[string]any{"risk": 0.9})
	assert.Equal(t, ResultForceEscalation, res.Result)
	require.NotNil(t, res.MatchedRuleID)
	assert.Equal(t, "good", *res.MatchedRuleID)

	require.Len(t, res.EvaluatedRules, 2)
	assert.False(t, res.EvaluatedRules[0].Matched)
	assert.NotEmpty(t, res.EvaluatedRules[0].Error, "malformed rule carries an error annotation")
}

func TestParseCondition_ErrorTaxonomy(t *testing.T) {
	t.Run("unknown operator", func(t *testing.T) {
		_, err := parseCondition(map[string]any{"xor": []any{1.0, 2.0}})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnknownOperator)
	})

	t.Run("malformed operand list is not an unknown operator", func(t *testing.T) {
		_, err := parseCondition(map[string]any{"gte": "not-a-list"})
		require.Error(t, err)
		var condErr *ConditionError
		require.ErrorAs(t, err, &condErr)
		assert.NotErrorIs(t, err, ErrUnknownOperator)
	})

	t.Run("all requires a list", func(t *testing.T) {
		_, err := parseCondition(map[string]any{"all": "nope"})
		require.Error(t, err)
	})

	t.Run("any requires a list", func(t *testing.T) {
		_, err := parseCondition(map[string]any{"any": map[string]any{}})
		require.Error(t, err)
	})

	t.Run("non-object condition", func(t *testing.T) {
		_, err := parseCondition([]any{1.0})
		require.Error(t, err)
	})

	t.Run("unary accepts bare value", func(t *testing.T) {
		cond, err := parseCondition(map[string]any{"exists": "{{x}}"})
		require.NoError(t, err)
		assert.True(t, cond.eval(map[string]any{"x": 1.0}))
		assert.False(t, cond.eval(map[string]any{}))
	})

	t.Run("unary accepts one-element list", func(t *testing.T) {
		cond, err := parseCondition(map[string]any{"missing": []any{"{{x}}"}})
		require.NoError(t, err)
		assert.True(t, cond.eval(map[string]any{}))
		assert.False(t, cond.eval(map[string]any{"x": "present"}))
	})
}

func TestTemplateResolution(t *testing.T) {
	t.Run("whole-string template preserves native type", func(t *testing.T) {
		// gte only works if {{risk_score}} resolves to the float, not "0.8".
		cond, err := parseCondition(map[string]any{"gte": []any{"{{risk_score}}", 0.8}})
		require.NoError(t, err)
		assert.True(t, cond.eval(map[string]any{"risk_score": 0.8}))
		assert.False(t, cond.eval(map[string]any{"risk_score": 0.79}))

		op := operand{raw: "{{risk_score}}"}
		assert.Equal(t, 0.8, op.resolve(map[string]any{"risk_score": 0.8}))
	})

	t.Run("absent variable resolves to nil", func(t *testing.T) {
		op := operand{raw: "{{absent}}"}
		assert.Nil(t, op.resolve(map[string]any{}))
	})

	t.Run("partial template stringifies", func(t *testing.T) {
		op := operand{raw: "score is {{risk_score}}"}
		assert.Equal(t, "score is 0.8", op.resolve(map[string]any{"risk_score": 0.8}))
	})

	t.Run("partial template with nil becomes empty string", func(t *testing.T) {
		op := operand{raw: "score is {{risk_score}}"}
		assert.Equal(t, "score is ", op.resolve(map[string]any{"risk_score": nil}))
	})

	t.Run("non-template string passes through", func(t *testing.T) {
		op := operand{raw: "plain"}
		assert.Equal(t, "plain", op.resolve(map[string]any{}))
	})

	t.Run("non-string operand passes through", func(t *testing.T) {
		op := operand{raw: 0.5}
		assert.Equal(t, 0.5, op.resolve(map[string]any{}))
	})
}

func TestDefaultPolicy_ComplianceFlagPrecedence(t *testing.T) {
	eng := defaultEngine(t)

	// Compliance flags escalate regardless of every other signal.
	res := eng.Evaluate(map[string]any{
		"risk_score":       0.1,
		"confidence_score": 0.9,
		"estimated_cost":   100.0,
		"compliance_flags": []any{"aml"},
	})
	assert.Equal(t, ResultForceEscalation, res.Result)
	require.NotNil(t, res.MatchedRuleID)
	assert.Equal(t, "compliance-flag", *res.MatchedRuleID)
}

func TestDefaultPolicy_RiskBoundaries(t *testing.T) {
	eng := defaultEngine(t)

	tests := []struct {
		name string
		ctx  map[string]any
		want string
	}{
		{
			"risk exactly 0.8 escalates",
			map[string]any{"risk_score": 0.8, "confidence_score": 0.9},
			ResultForceEscalation,
		},
		{
			"risk just below 0.8 does not escalate",
			map[string]any{"risk_score": 0.79, "confidence_score": 0.5},
			ResultRequireHuman,
		},
		{
			"boundary auto-approve: risk 0.2, confidence 0.8, cost 500",
			map[string]any{"risk_score": 0.2, "confidence_score": 0.8, "estimated_cost": 500.0},
			ResultAutoApprove,
		},
		{
			"cost above 500 requires human",
			map[string]any{"risk_score": 0.1, "confidence_score": 0.9, "estimated_cost": 500.01},
			ResultRequireHuman,
		},
		{
			"missing cost still auto-approves",
			map[string]any{"risk_score": 0.1, "confidence_score": 0.9},
			ResultAutoApprove,
		},
		{
			"risk above 0.2 requires human",
			map[string]any{"risk_score": 0.21, "confidence_score": 0.9, "estimated_cost": 100.0},
			ResultRequireHuman,
		},
		{
			"low confidence requires human",
			map[string]any{"risk_score": 0.1, "confidence_score": 0.79, "estimated_cost": 100.0},
			ResultRequireHuman,
		},
		{
			"empty context requires human",
			map[string]any{},
			ResultRequireHuman,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := eng.Evaluate(tt.ctx)
			assert.Equal(t, tt.want, res.Result)
		})
	}
}

func TestDefaultPolicy_ResultLabelsAreClosed(t *testing.T) {
	eng := defaultEngine(t)
	contexts := []map[string]any{
		{},
		{"risk_score": 0.99},
		{"risk_score": 0.0, "confidence_score": 1.0},
		{"compliance_flags": []any{"pep", "sanctions"}},
		{"risk_score": "garbage"},
	}
	for _, ctx := range contexts {
		res := eng.Evaluate(ctx)
		assert.Contains(t, []string{ResultAutoApprove, ResultRequireHuman, ResultForceEscalation}, res.Result)
	}
}

func TestHeuristic_MatchesDefaultPolicyLaws(t *testing.T) {
	tests := []struct {
		name  string
		risk  *float64
		conf  *float64
		cost  *float64
		flags []string
		want  string
	}{
		{"compliance flag wins", floatPtr(0.1), floatPtr(0.9), floatPtr(100), []string{"aml"}, ResultForceEscalation},
		{"high risk", floatPtr(0.8), floatPtr(0.9), nil, nil, ResultForceEscalation},
		{"auto approve", floatPtr(0.1), floatPtr(0.9), floatPtr(100), nil, ResultAutoApprove},
		{"auto approve nil cost", floatPtr(0.2), floatPtr(0.8), nil, nil, ResultAutoApprove},
		{"cost too high", floatPtr(0.1), floatPtr(0.9), floatPtr(501), nil, ResultRequireHuman},
		{"nil scores require human", nil, nil, nil, nil, ResultRequireHuman},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Heuristic(tt.risk, tt.conf, tt.cost, tt.flags)
			assert.Equal(t, tt.want, res.Result)
		})
	}
}

func TestTraceMap(t *testing.T) {
	eng := defaultEngine(t)
	res := eng.Evaluate(map[string]any{"risk_score": 0.9})

	m := res.TraceMap()
	rules, ok := m["rules"].([]any)
	require.True(t, ok)
	assert.Len(t, rules, len(res.EvaluatedRules))
	assert.Equal(t, "high-risk", m["matched_rule_id"])
}
