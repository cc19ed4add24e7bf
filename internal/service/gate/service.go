// Package gate provides the shared business logic for decision gates.
//
// The HTTP handlers delegate here, keeping policy evaluation, idempotent
// creation, lifecycle actions, and event emission in one place.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/kanmon-dev/kanmon/internal/events"
	"github.com/kanmon-dev/kanmon/internal/model"
	"github.com/kanmon-dev/kanmon/internal/policy"
	"github.com/kanmon-dev/kanmon/internal/telemetry"
)

// ErrInvalid marks request validation failures so the transport layer
// can map them to a 400 without inspecting message text.
var ErrInvalid = errors.New("gate: invalid request")

// Store is the decision persistence surface the service needs.
type Store interface {
	CreateDecision(ctx context.Context, d model.Decision) (model.Decision, bool, error)
	GetDecision(ctx context.Context, orgID string, id uuid.UUID) (model.Decision, error)
	ListDecisions(ctx context.Context, orgID string, status *model.Status, limit, offset int) ([]model.Decision, int, error)
	AppendAction(ctx context.Context, orgID string, id uuid.UUID, newStatus model.Status, a model.Action) (model.Decision, error)
}

// Service encapsulates decision-gate business logic.
type Service struct {
	store     Store
	policies  *policy.Source
	publisher events.Publisher
	logger    *slog.Logger

	evalDuration metric.Float64Histogram
	createdCount metric.Int64Counter
}

// New creates a gate Service.
func New(store Store, policies *policy.Source, publisher events.Publisher, logger *slog.Logger) *Service {
	meter := telemetry.Meter("kanmon/gate")
	evalDur, _ := meter.Float64Histogram("kanmon.policy.evaluation.duration",
		metric.WithDescription("Time to evaluate the policy for a gate request (ms)"),
		metric.WithUnit("ms"),
	)
	created, _ := meter.Int64Counter("kanmon.decisions.created",
		metric.WithDescription("Decisions created, labeled by policy result"),
	)
	return &Service{
		store:        store,
		policies:     policies,
		publisher:    publisher,
		logger:       logger,
		evalDuration: evalDur,
		createdCount: created,
	}
}

// Create handles a decision-gate submission. Creation is idempotent on
// (execution_id, node_id): a repeated submission returns the original
// decision with created=false and emits nothing.
//
// When the request carries no policy snapshot, the live policy is
// evaluated and its outcome persisted as the snapshot. The decision
// always starts in pending_human_review regardless of the policy result;
// the snapshot tells the caller whether it may auto-proceed.
func (s *Service) Create(ctx context.Context, req model.CreateGateRequest) (model.Decision, bool, error) {
	if err := req.Validate(); err != nil {
		return model.Decision{}, false, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("kanmon.flow_id", req.FlowID),
		attribute.String("kanmon.node_id", req.NodeID),
		attribute.String("kanmon.execution_id", req.ExecutionID.String()),
	)

	snapshot := s.resolveSnapshot(ctx, req)

	language := req.Language
	if language == "" {
		language = "en"
	}

	d := model.Decision{
		OrgID:           req.OrgID,
		ExecutionID:     req.ExecutionID,
		FlowID:          req.FlowID,
		NodeID:          req.NodeID,
		Status:          model.StatusPendingHumanReview,
		Language:        language,
		RiskScore:       req.RiskScore,
		ConfidenceScore: req.ConfidenceScore,
		EstimatedCost:   req.EstimatedCost,
		ExpiresAt:       req.ExpiresAt,
		Recommendation: &model.Recommendation{
			Summary:             req.Recommendation.Summary,
			DetailedExplanation: req.Recommendation.DetailedExplanation,
			ModelUsed:           req.Recommendation.ModelUsed,
			PromptVersion:       req.Recommendation.PromptVersion,
		},
		PolicySnapshot: snapshot,
	}

	stored, created, err := s.store.CreateDecision(ctx, d)
	if err != nil {
		return model.Decision{}, false, fmt.Errorf("gate: create: %w", err)
	}

	if created {
		result := ""
		if stored.PolicySnapshot != nil && stored.PolicySnapshot.Result != nil {
			result = *stored.PolicySnapshot.Result
		}
		s.createdCount.Add(ctx, 1, metric.WithAttributes(attribute.String("policy_result", result)))

		data := map[string]any{
			"decision_id":  stored.ID.String(),
			"org_id":       stored.OrgID,
			"execution_id": stored.ExecutionID.String(),
			"flow_id":      stored.FlowID,
			"node_id":      stored.NodeID,
			"status":       string(stored.Status),
		}
		if stored.ExpiresAt != nil {
			data["expires_at"] = stored.ExpiresAt.Format(time.RFC3339)
		}
		s.publish(ctx, events.New(events.TypeDecisionPaused, stored.ID.String(), data))
	}

	return stored, created, nil
}

// resolveSnapshot returns the caller-supplied snapshot verbatim, or
// evaluates the live policy when none is supplied.
func (s *Service) resolveSnapshot(ctx context.Context, req model.CreateGateRequest) *model.PolicySnapshot {
	if req.PolicySnapshot != nil {
		return &model.PolicySnapshot{
			PolicyVersion:  req.PolicySnapshot.PolicyVersion,
			EvaluatedRules: req.PolicySnapshot.EvaluatedRules,
			Result:         req.PolicySnapshot.Result,
		}
	}

	result, version := s.evaluate(ctx, EvaluationInput{
		RiskScore:       req.RiskScore,
		ConfidenceScore: req.ConfidenceScore,
		EstimatedCost:   req.EstimatedCost,
		ComplianceFlags: req.ComplianceFlags,
		ImpactLevel:     req.ImpactLevel,
	})

	return &model.PolicySnapshot{
		PolicyVersion:  &version,
		EvaluatedRules: result.TraceMap(),
		Result:         &result.Result,
	}
}

// EvaluationInput is the decision context handed to the policy engine.
type EvaluationInput struct {
	RiskScore       *float64
	ConfidenceScore *float64
	EstimatedCost   *float64
	ComplianceFlags []string
	ImpactLevel     *string
}

// Evaluate runs the live policy against the given context without
// creating a decision. Used by the dry-run endpoint.
func (s *Service) Evaluate(ctx context.Context, input EvaluationInput) (policy.Result, string) {
	return s.evaluate(ctx, input)
}

func (s *Service) evaluate(ctx context.Context, input EvaluationInput) (policy.Result, string) {
	start := time.Now()
	defer func() {
		s.evalDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	}()

	if s.policies == nil {
		// No engine configured: the legacy heuristic keeps gate
		// creation working.
		return policy.Heuristic(input.RiskScore, input.ConfidenceScore, input.EstimatedCost, input.ComplianceFlags), policy.HeuristicVersion
	}

	eng := s.policies.Engine()
	evalCtx := map[string]any{
		"risk_score":       deref(input.RiskScore),
		"confidence_score": deref(input.ConfidenceScore),
		"estimated_cost":   deref(input.EstimatedCost),
		"compliance_flags": flagsValue(input.ComplianceFlags),
		"impact_level":     derefStr(input.ImpactLevel),
	}
	return eng.Evaluate(evalCtx), eng.Version()
}

// ReloadPolicy swaps in a freshly compiled policy engine and reports its
// version and rule count.
func (s *Service) ReloadPolicy() (version string, rules int) {
	eng := s.policies.Reload()
	s.logger.Info("policy reloaded", "version", eng.Version(), "rules", eng.RuleCount())
	return eng.Version(), eng.RuleCount()
}

// PolicyVersion reports the version of the currently active policy.
func (s *Service) PolicyVersion() string {
	if s.policies == nil {
		return policy.HeuristicVersion
	}
	return s.policies.Engine().Version()
}

// Get returns a decision with all children loaded.
func (s *Service) Get(ctx context.Context, orgID string, id uuid.UUID) (model.Decision, error) {
	return s.store.GetDecision(ctx, orgID, id)
}

// List returns decisions newest-first with an optional status filter.
// Total counts the filtered set before pagination.
func (s *Service) List(ctx context.Context, orgID string, status *model.Status, limit, offset int) ([]model.Decision, int, error) {
	if status != nil && !model.ValidStatus(*status) {
		return nil, 0, fmt.Errorf("%w: unknown status %q", ErrInvalid, *status)
	}
	return s.store.ListDecisions(ctx, orgID, status, limit, offset)
}

// Approve moves the decision to approved and appends the action.
func (s *Service) Approve(ctx context.Context, orgID string, id uuid.UUID, req model.ActionRequest) (model.Decision, error) {
	return s.act(ctx, orgID, id, model.ActionApprove, model.StatusApproved, req, nil)
}

// Reject moves the decision to rejected and appends the action.
func (s *Service) Reject(ctx context.Context, orgID string, id uuid.UUID, req model.ActionRequest) (model.Decision, error) {
	return s.act(ctx, orgID, id, model.ActionReject, model.StatusRejected, req, nil)
}

// Escalate moves the decision to escalated and appends the action.
func (s *Service) Escalate(ctx context.Context, orgID string, id uuid.UUID, req model.ActionRequest) (model.Decision, error) {
	return s.act(ctx, orgID, id, model.ActionEscalate, model.StatusEscalated, req, nil)
}

// Modify moves the decision to modified, carrying the modification
// payload on the appended action.
func (s *Service) Modify(ctx context.Context, orgID string, id uuid.UUID, req model.ModifyRequest) (model.Decision, error) {
	if len(req.Modifications) == 0 {
		return model.Decision{}, fmt.Errorf("%w: modifications are required", ErrInvalid)
	}
	return s.act(ctx, orgID, id, model.ActionModify, model.StatusModified, req.ActionRequest, req.Modifications)
}

// act is the shared mutation primitive: set status, append one action
// row, publish the actioned event after commit. Repeated actions on a
// non-pending decision are accepted; the status reflects the latest one.
func (s *Service) act(ctx context.Context, orgID string, id uuid.UUID, actionType model.ActionType, newStatus model.Status, req model.ActionRequest, payload map[string]any) (model.Decision, error) {
	actorType := req.ActorType
	if actorType == "" {
		actorType = model.ActorHuman
	}
	if !model.ValidActorType(actorType) {
		return model.Decision{}, fmt.Errorf("%w: unknown actor_type %q", ErrInvalid, actorType)
	}

	action := model.Action{
		ActionType: actionType,
		ActorType:  actorType,
		ActorID:    req.ActorID,
		Comment:    req.Comment,
		Payload:    payload,
	}

	d, err := s.store.AppendAction(ctx, orgID, id, newStatus, action)
	if err != nil {
		return model.Decision{}, err
	}

	data := map[string]any{
		"decision_id":  d.ID.String(),
		"org_id":       d.OrgID,
		"execution_id": d.ExecutionID.String(),
		"flow_id":      d.FlowID,
		"node_id":      d.NodeID,
		"action":       string(actionType),
		"status":       string(d.Status),
	}
	if req.ActorID != nil {
		data["actor_id"] = *req.ActorID
	}
	s.publish(ctx, events.New(events.TypeDecisionActioned, d.ID.String(), data))

	return d, nil
}

// publish delivers an event after the owning write committed. Failures
// are logged, never propagated: state is authoritative, events are not.
func (s *Service) publish(ctx context.Context, ev events.CloudEvent) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Error("publish event", "type", ev.Type, "subject", ev.Subject, "error", err)
	}
}

func deref(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func derefStr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// flagsValue maps an empty flag list to nil so the missing/exists
// operators treat "no flags" and "flags omitted" the same way.
func flagsValue(flags []string) any {
	if len(flags) == 0 {
		return nil
	}
	out := make([]any, len(flags))
	for i, f := range flags {
		out[i] = f
	}
	return out
}
