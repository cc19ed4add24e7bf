// Package model defines the core entities of the decision gate:
// decisions, their child records (recommendation, policy snapshot,
// actions), and the API request/response shapes built on them.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a decision.
type Status string

const (
	StatusCreated            Status = "created"
	StatusPendingHumanReview Status = "pending_human_review"
	StatusApproved           Status = "approved"
	StatusRejected           Status = "rejected"
	StatusModified           Status = "modified"
	StatusEscalated          Status = "escalated"
	StatusExpired            Status = "expired"
	StatusExecuted           Status = "executed"
)

// ValidStatus reports whether s is a known decision status.
func ValidStatus(s Status) bool {
	switch s {
	case StatusCreated, StatusPendingHumanReview, StatusApproved, StatusRejected,
		StatusModified, StatusEscalated, StatusExpired, StatusExecuted:
		return true
	}
	return false
}

// ActionType identifies a lifecycle action taken on a decision.
type ActionType string

const (
	ActionApprove  ActionType = "approve"
	ActionReject   ActionType = "reject"
	ActionModify   ActionType = "modify"
	ActionEscalate ActionType = "escalate"
)

// ActorType identifies who (or what) performed an action.
type ActorType string

const (
	ActorHuman  ActorType = "human"
	ActorSystem ActorType = "system"
	ActorPolicy ActorType = "policy"
)

// ValidActorType reports whether a is a known actor type.
func ValidActorType(a ActorType) bool {
	return a == ActorHuman || a == ActorSystem || a == ActorPolicy
}

// Decision is the root entity: a paused workflow node awaiting a
// human or policy outcome. The pair (ExecutionID, NodeID) is unique —
// repeated creation requests return the original row unchanged.
type Decision struct {
	ID              uuid.UUID  `json:"id"`
	OrgID           string     `json:"org_id"`
	ExecutionID     uuid.UUID  `json:"execution_id"`
	FlowID          string     `json:"flow_id"`
	NodeID          string     `json:"node_id"`
	Status          Status     `json:"status"`
	Language        string     `json:"language"`
	RiskScore       *float64   `json:"risk_score,omitempty"`
	ConfidenceScore *float64   `json:"confidence_score,omitempty"`
	EstimatedCost   *float64   `json:"estimated_cost,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`

	// Joined children (loaded by the store, not columns of the decisions table).
	Recommendation *Recommendation `json:"recommendation,omitempty"`
	PolicySnapshot *PolicySnapshot `json:"policy_snapshot,omitempty"`
	Actions        []Action        `json:"actions"`
}

// Recommendation is the upstream system's suggested action for a
// decision. Created atomically with the decision; immutable thereafter.
type Recommendation struct {
	DecisionID          uuid.UUID      `json:"-"`
	Summary             *string        `json:"summary,omitempty"`
	DetailedExplanation map[string]any `json:"detailed_explanation,omitempty"`
	ModelUsed           *string        `json:"model_used,omitempty"`
	PromptVersion       *string        `json:"prompt_version,omitempty"`
}

// PolicySnapshot records which policy version and rules were evaluated
// at decision-creation time and the outcome label. It is an audit record:
// it stays valid even if the live policy is later reloaded.
type PolicySnapshot struct {
	DecisionID     uuid.UUID      `json:"-"`
	PolicyVersion  *string        `json:"policy_version,omitempty"`
	EvaluatedRules map[string]any `json:"evaluated_rules,omitempty"`
	Result         *string        `json:"result,omitempty"`
}

// Action is one row of the append-only lifecycle log. Actions are
// ordered by creation time and never mutated or deleted; the decision's
// status always reflects the most recent one.
type Action struct {
	ID         uuid.UUID      `json:"id"`
	DecisionID uuid.UUID      `json:"-"`
	ActionType ActionType     `json:"action_type"`
	ActorType  ActorType      `json:"actor_type"`
	ActorID    *string        `json:"actor_id,omitempty"`
	Comment    *string        `json:"comment,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}
