package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/kanmon-dev/kanmon/internal/model"
)

// HandleCreateGate handles POST /v1/decision-gates.
// Returns 201 when a new decision is created and 200 with the original
// row when the (execution_id, node_id) pair was already gated.
func (h *Handlers) HandleCreateGate(w http.ResponseWriter, r *http.Request) {
	var req model.CreateGateRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	req.OrgID = OrgIDFromContext(r.Context())

	decision, created, err := h.gateSvc.Create(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, r, status, decision)
}

// HandleListDecisions handles GET /v1/decisions.
// Supports status, limit, and offset query parameters. An absent status
// filters to pending_human_review, the review queue.
func (h *Handlers) HandleListDecisions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	st := model.StatusPendingHumanReview
	if s := q.Get("status"); s != "" {
		st = model.Status(s)
	}
	status := &st

	limit := 0
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "limit must be an integer")
			return
		}
		limit = n
	}
	offset := 0
	if s := q.Get("offset"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "offset must be a non-negative integer")
			return
		}
		offset = n
	}

	items, total, err := h.gateSvc.List(r.Context(), OrgIDFromContext(r.Context()), status, limit, offset)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.ListDecisionsResponse{
		Items:  items,
		Total:  total,
		Limit:  clampLimit(limit),
		Offset: offset,
	})
}

// clampLimit mirrors the store's limit clamping so the response echoes
// the limit actually applied.
func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 50
	case limit > 200:
		return 200
	default:
		return limit
	}
}

// HandleGetDecision handles GET /v1/decisions/{decision_id}.
func (h *Handlers) HandleGetDecision(w http.ResponseWriter, r *http.Request) {
	id, ok := decisionIDFromPath(w, r)
	if !ok {
		return
	}

	decision, err := h.gateSvc.Get(r.Context(), OrgIDFromContext(r.Context()), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, decision)
}

// HandleApprove handles POST /v1/decisions/{decision_id}/approve.
func (h *Handlers) HandleApprove(w http.ResponseWriter, r *http.Request) {
	h.handleAction(w, r, h.gateSvc.Approve)
}

// HandleReject handles POST /v1/decisions/{decision_id}/reject.
func (h *Handlers) HandleReject(w http.ResponseWriter, r *http.Request) {
	h.handleAction(w, r, h.gateSvc.Reject)
}

// HandleEscalate handles POST /v1/decisions/{decision_id}/escalate.
func (h *Handlers) HandleEscalate(w http.ResponseWriter, r *http.Request) {
	h.handleAction(w, r, h.gateSvc.Escalate)
}

type actionFunc func(ctx context.Context, orgID string, id uuid.UUID, req model.ActionRequest) (model.Decision, error)

func (h *Handlers) handleAction(w http.ResponseWriter, r *http.Request, action actionFunc) {
	id, ok := decisionIDFromPath(w, r)
	if !ok {
		return
	}

	var req model.ActionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	decision, err := action(r.Context(), OrgIDFromContext(r.Context()), id, req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, decision)
}

// HandleModify handles POST /v1/decisions/{decision_id}/modify.
// Modify carries a payload, so it does not share the plain action path.
func (h *Handlers) HandleModify(w http.ResponseWriter, r *http.Request) {
	id, ok := decisionIDFromPath(w, r)
	if !ok {
		return
	}

	var req model.ModifyRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	decision, err := h.gateSvc.Modify(r.Context(), OrgIDFromContext(r.Context()), id, req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, decision)
}

// decisionIDFromPath parses the {decision_id} path segment. Writes the
// error response itself so callers can just return on !ok.
func decisionIDFromPath(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("decision_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "decision_id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}
