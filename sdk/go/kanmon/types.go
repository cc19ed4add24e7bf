package kanmon

import (
	"time"

	"github.com/google/uuid"
)

// Decision statuses returned by the API.
const (
	StatusPendingHumanReview = "pending_human_review"
	StatusApproved           = "approved"
	StatusRejected           = "rejected"
	StatusModified           = "modified"
	StatusEscalated          = "escalated"
	StatusExpired            = "expired"
)

// Policy evaluation results.
const (
	ResultAutoApprove     = "auto_approve"
	ResultRequireHuman    = "require_human"
	ResultForceEscalation = "force_escalation"
)

// Roles accepted by the token endpoint.
const (
	RoleAdmin    = "admin"
	RoleReviewer = "reviewer"
	RoleService  = "service"
)

// Decision is a paused workflow node awaiting a human or policy outcome.
type Decision struct {
	ID              uuid.UUID  `json:"id"`
	OrgID           string     `json:"org_id"`
	ExecutionID     uuid.UUID  `json:"execution_id"`
	FlowID          string     `json:"flow_id"`
	NodeID          string     `json:"node_id"`
	Status          string     `json:"status"`
	Language        string     `json:"language"`
	RiskScore       *float64   `json:"risk_score,omitempty"`
	ConfidenceScore *float64   `json:"confidence_score,omitempty"`
	EstimatedCost   *float64   `json:"estimated_cost,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`

	Recommendation *Recommendation `json:"recommendation,omitempty"`
	PolicySnapshot *PolicySnapshot `json:"policy_snapshot,omitempty"`
	Actions        []Action        `json:"actions"`
}

// Recommendation is the upstream system's suggested action for a decision.
type Recommendation struct {
	Summary             *string        `json:"summary,omitempty"`
	DetailedExplanation map[string]any `json:"detailed_explanation,omitempty"`
	ModelUsed           *string        `json:"model_used,omitempty"`
	PromptVersion       *string        `json:"prompt_version,omitempty"`
}

// PolicySnapshot records which policy version and rules were evaluated at
// decision-creation time and the outcome label.
type PolicySnapshot struct {
	PolicyVersion  *string        `json:"policy_version,omitempty"`
	EvaluatedRules map[string]any `json:"evaluated_rules,omitempty"`
	Result         *string        `json:"result,omitempty"`
}

// Action is one entry of a decision's append-only lifecycle log.
type Action struct {
	ID         uuid.UUID      `json:"id"`
	ActionType string         `json:"action_type"`
	ActorType  string         `json:"actor_type"`
	ActorID    *string        `json:"actor_id,omitempty"`
	Comment    *string        `json:"comment,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// CreateGateRequest is the body for CreateGate. The decision's org is
// taken from the client's token, not from the request.
type CreateGateRequest struct {
	ExecutionID     uuid.UUID            `json:"execution_id"`
	FlowID          string               `json:"flow_id"`
	NodeID          string               `json:"node_id"`
	Language        string               `json:"language,omitempty"`
	RiskScore       *float64             `json:"risk_score,omitempty"`
	ConfidenceScore *float64             `json:"confidence_score,omitempty"`
	EstimatedCost   *float64             `json:"estimated_cost,omitempty"`
	ImpactLevel     *string              `json:"impact_level,omitempty"`
	ComplianceFlags []string             `json:"compliance_flags,omitempty"`
	Recommendation  RecommendationInput  `json:"recommendation"`
	PolicySnapshot  *PolicySnapshotInput `json:"policy_snapshot,omitempty"`
	ExpiresAt       *time.Time           `json:"expires_at,omitempty"`
}

// RecommendationInput is the recommendation portion of a gate creation request.
type RecommendationInput struct {
	Summary             *string        `json:"summary,omitempty"`
	DetailedExplanation map[string]any `json:"detailed_explanation,omitempty"`
	ModelUsed           *string        `json:"model_used,omitempty"`
	PromptVersion       *string        `json:"prompt_version,omitempty"`
}

// PolicySnapshotInput is a caller-supplied policy snapshot. When present,
// the server persists it verbatim instead of evaluating the live policy.
type PolicySnapshotInput struct {
	PolicyVersion  *string        `json:"policy_version,omitempty"`
	EvaluatedRules map[string]any `json:"evaluated_rules,omitempty"`
	Result         *string        `json:"result,omitempty"`
}

// ActionRequest is the body for the approve, reject, and escalate methods.
type ActionRequest struct {
	ActorID   *string `json:"actor_id,omitempty"`
	ActorType string  `json:"actor_type,omitempty"`
	Comment   *string `json:"comment,omitempty"`
	Language  *string `json:"language,omitempty"`
}

// ModifyRequest extends ActionRequest with the modification payload.
type ModifyRequest struct {
	ActionRequest
	Modifications map[string]any `json:"modifications"`
}

// ListOptions are optional filters for ListDecisions.
type ListOptions struct {
	Status string
	Limit  int
	Offset int
}

// ListDecisionsResponse is a page of decisions. Total reflects the
// filtered set before pagination.
type ListDecisionsResponse struct {
	Items  []Decision `json:"items"`
	Total  int        `json:"total"`
	Limit  int        `json:"limit"`
	Offset int        `json:"offset"`
}

// EvaluateRequest is the body for the policy dry-run method.
type EvaluateRequest struct {
	RiskScore       *float64 `json:"risk_score,omitempty"`
	ConfidenceScore *float64 `json:"confidence_score,omitempty"`
	EstimatedCost   *float64 `json:"estimated_cost,omitempty"`
	ImpactLevel     *string  `json:"impact_level,omitempty"`
	ComplianceFlags []string `json:"compliance_flags,omitempty"`
}

// RuleTrace is the per-rule record of a policy evaluation.
type RuleTrace struct {
	RuleID  string  `json:"id"`
	Matched bool    `json:"matched"`
	Outcome *string `json:"outcome,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// EvaluateResponse is the outcome of a policy dry run. No decision is
// created and no events are published.
type EvaluateResponse struct {
	Result         string      `json:"result"`
	Reason         string      `json:"reason"`
	MatchedRuleID  *string     `json:"matched_rule_id"`
	EvaluatedRules []RuleTrace `json:"evaluated_rules"`
	PolicyVersion  string      `json:"policy_version"`
}

// ReloadPolicyResponse reports the active policy after a reload.
type ReloadPolicyResponse struct {
	PolicyVersion string `json:"policy_version"`
	Rules         int    `json:"rules"`
}

// HealthResponse is the server's health status.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Postgres      string `json:"postgres"`
	PolicyVersion string `json:"policy_version"`
	Uptime        int64  `json:"uptime_seconds"`
}
