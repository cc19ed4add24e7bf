package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role represents the RBAC role assigned to an API principal.
type Role string

const (
	RoleAdmin    Role = "admin"    // policy reload, full access
	RoleReviewer Role = "reviewer" // list, inspect, and action decisions
	RoleService  Role = "service"  // create decision gates
)

// RoleRank returns the numeric rank of a role (higher = more privileges).
// Only relative ordering matters — RoleAtLeast uses >= comparison.
func RoleRank(r Role) int {
	switch r {
	case RoleAdmin:
		return 3
	case RoleReviewer:
		return 2
	case RoleService:
		return 1
	default:
		return 0
	}
}

// RoleAtLeast returns true if role r has at least the privileges of minRole.
func RoleAtLeast(r, minRole Role) bool {
	return RoleRank(r) >= RoleRank(minRole)
}

// APIResponse is the standard success envelope for all endpoints.
type APIResponse struct {
	Data any          `json:"data"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	ActorID string `json:"actor_id"`
	OrgID   string `json:"org_id"`
	Role    Role   `json:"role"`
	APIKey  string `json:"api_key"`
}

// AuthTokenResponse is the response body for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Postgres      string `json:"postgres"`
	PolicyVersion string `json:"policy_version"`
	Uptime        int64  `json:"uptime_seconds"`
}

// EvaluateRequest is the request body for the policy dry-run endpoint.
type EvaluateRequest struct {
	RiskScore       *float64 `json:"risk_score,omitempty"`
	ConfidenceScore *float64 `json:"confidence_score,omitempty"`
	EstimatedCost   *float64 `json:"estimated_cost,omitempty"`
	ImpactLevel     *string  `json:"impact_level,omitempty"`
	ComplianceFlags []string `json:"compliance_flags,omitempty"`
}

// ReloadPolicyResponse is the response body for POST /v1/policy/reload.
type ReloadPolicyResponse struct {
	PolicyVersion string `json:"policy_version"`
	Rules         int    `json:"rules"`
}

// RecommendationInput is the recommendation portion of a gate creation request.
type RecommendationInput struct {
	Summary             *string        `json:"summary,omitempty"`
	DetailedExplanation map[string]any `json:"detailed_explanation,omitempty"`
	ModelUsed           *string        `json:"model_used,omitempty"`
	PromptVersion       *string        `json:"prompt_version,omitempty"`
}

// PolicySnapshotInput is a caller-supplied policy snapshot. When present,
// the service persists it verbatim instead of evaluating the live policy.
type PolicySnapshotInput struct {
	PolicyVersion  *string        `json:"policy_version,omitempty"`
	EvaluatedRules map[string]any `json:"evaluated_rules,omitempty"`
	Result         *string        `json:"result,omitempty"`
}

// CreateGateRequest is the request body for POST /v1/decision-gates.
type CreateGateRequest struct {
	OrgID           string               `json:"-"` // Set from JWT claims, not from request body.
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

// Validate checks field ranges on a gate creation request.
// Shape errors are the decode layer's job; this covers value ranges.
func (r CreateGateRequest) Validate() error {
	if r.ExecutionID == uuid.Nil {
		return fmt.Errorf("execution_id is required")
	}
	if r.FlowID == "" {
		return fmt.Errorf("flow_id is required")
	}
	if r.NodeID == "" {
		return fmt.Errorf("node_id is required")
	}
	if r.RiskScore != nil && (*r.RiskScore < 0 || *r.RiskScore > 1) {
		return fmt.Errorf("risk_score must be in [0, 1]")
	}
	if r.ConfidenceScore != nil && (*r.ConfidenceScore < 0 || *r.ConfidenceScore > 1) {
		return fmt.Errorf("confidence_score must be in [0, 1]")
	}
	if r.EstimatedCost != nil && *r.EstimatedCost < 0 {
		return fmt.Errorf("estimated_cost must be >= 0")
	}
	return nil
}

// ActionRequest is the request body for the approve/reject/escalate endpoints.
type ActionRequest struct {
	ActorID   *string   `json:"actor_id,omitempty"`
	ActorType ActorType `json:"actor_type,omitempty"`
	Comment   *string   `json:"comment,omitempty"`
	Language  *string   `json:"language,omitempty"`
}

// ModifyRequest extends ActionRequest with the modification payload
// carried on the appended action row.
type ModifyRequest struct {
	ActionRequest
	Modifications map[string]any `json:"modifications"`
}

// ListDecisionsResponse is the response body for GET /v1/decisions.
// Total reflects the filtered set before pagination.
type ListDecisionsResponse struct {
	Items  []Decision `json:"items"`
	Total  int        `json:"total"`
	Limit  int        `json:"limit"`
	Offset int        `json:"offset"`
}
