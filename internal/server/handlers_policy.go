package server

import (
	"context"
	"net/http"

	"github.com/kanmon-dev/kanmon/internal/model"
	"github.com/kanmon-dev/kanmon/internal/policy"
	"github.com/kanmon-dev/kanmon/internal/service/gate"
)

type evaluateResponse struct {
	policy.Result
	PolicyVersion string `json:"policy_version"`
}

// HandleEvaluatePolicy handles POST /v1/policy/evaluate.
// Dry-runs the live policy against the supplied context without creating
// a decision.
func (h *Handlers) HandleEvaluatePolicy(w http.ResponseWriter, r *http.Request) {
	var req model.EvaluateRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	result, version := h.gateSvc.Evaluate(r.Context(), gate.EvaluationInput{
		RiskScore:       req.RiskScore,
		ConfidenceScore: req.ConfidenceScore,
		EstimatedCost:   req.EstimatedCost,
		ComplianceFlags: req.ComplianceFlags,
		ImpactLevel:     req.ImpactLevel,
	})

	writeJSON(w, r, http.StatusOK, evaluateResponse{
		Result:        result,
		PolicyVersion: version,
	})
}

// HandleReloadPolicy handles POST /v1/policy/reload (admin-only).
// Re-reads the policy file from disk; a missing or malformed file falls
// back to the built-in default policy.
func (h *Handlers) HandleReloadPolicy(w http.ResponseWriter, r *http.Request) {
	version, rules := h.gateSvc.ReloadPolicy()

	h.logger.Info("policy reloaded",
		"policy_version", version,
		"rules", rules,
		"actor_id", actorIDFromContext(r.Context()),
		"request_id", RequestIDFromContext(r.Context()),
	)

	writeJSON(w, r, http.StatusOK, model.ReloadPolicyResponse{
		PolicyVersion: version,
		Rules:         rules,
	})
}

func actorIDFromContext(ctx context.Context) string {
	if claims := ClaimsFromContext(ctx); claims != nil {
		return claims.Subject
	}
	return ""
}
