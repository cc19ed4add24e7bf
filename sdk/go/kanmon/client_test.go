package kanmon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockServer creates an httptest server that mimics the Kanmon API.
func mockServer(t *testing.T, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	// Always register auth endpoint.
	if _, ok := handlers["POST /auth/token"]; !ok {
		mux.HandleFunc("POST /auth/token", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"data": map[string]any{
					"token":      "test-token-xyz",
					"expires_at": time.Now().Add(1 * time.Hour).Format(time.RFC3339),
				},
			})
		})
	}

	for pattern, handler := range handlers {
		mux.HandleFunc(pattern, handler)
	}

	return httptest.NewServer(mux)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	c, err := NewClient(Config{
		BaseURL: serverURL,
		ActorID: "test-actor",
		OrgID:   "org-1",
		Role:    RoleReviewer,
		APIKey:  "test-key",
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	return c
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{BaseURL: "http://localhost:8080"})
	require.Error(t, err)

	_, err = NewClient(Config{ActorID: "a", OrgID: "o", Role: RoleService, APIKey: "k"})
	require.Error(t, err)
}

func TestCreateGateSendsTokenAndDecodesEnvelope(t *testing.T) {
	decisionID := uuid.New()
	executionID := uuid.New()

	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/decision-gates": func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer test-token-xyz" {
				writeJSON(w, http.StatusUnauthorized, map[string]any{
					"error": map[string]any{"code": "UNAUTHORIZED", "message": "bad token"},
				})
				return
			}
			var body CreateGateRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, executionID, body.ExecutionID)

			writeJSON(w, http.StatusCreated, map[string]any{
				"data": Decision{
					ID:          decisionID,
					OrgID:       "org-1",
					ExecutionID: executionID,
					FlowID:      "invoice-flow",
					NodeID:      "approve-payment",
					Status:      StatusPendingHumanReview,
					Actions:     []Action{},
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	d, err := client.CreateGate(context.Background(), CreateGateRequest{
		ExecutionID: executionID,
		FlowID:      "invoice-flow",
		NodeID:      "approve-payment",
	})
	require.NoError(t, err)
	assert.Equal(t, decisionID, d.ID)
	assert.Equal(t, StatusPendingHumanReview, d.Status)
}

func TestTokenCachedAcrossRequests(t *testing.T) {
	var authCalls atomic.Int32

	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /auth/token": func(w http.ResponseWriter, r *http.Request) {
			authCalls.Add(1)
			var body authRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "test-actor", body.ActorID)
			assert.Equal(t, "org-1", body.OrgID)
			assert.Equal(t, RoleReviewer, body.Role)

			writeJSON(w, http.StatusOK, map[string]any{
				"data": map[string]any{
					"token":      "test-token-xyz",
					"expires_at": time.Now().Add(1 * time.Hour).Format(time.RFC3339),
				},
			})
		},
		"GET /v1/decisions": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"data": ListDecisionsResponse{Items: []Decision{}, Limit: 50},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	for range 3 {
		_, err := client.ListDecisions(context.Background(), nil)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), authCalls.Load())
}

func TestListDecisionsQueryParams(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/decisions": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "pending_human_review", r.URL.Query().Get("status"))
			assert.Equal(t, "10", r.URL.Query().Get("limit"))
			assert.Equal(t, "20", r.URL.Query().Get("offset"))
			writeJSON(w, http.StatusOK, map[string]any{
				"data": ListDecisionsResponse{Items: []Decision{}, Total: 42, Limit: 10, Offset: 20},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	resp, err := client.ListDecisions(context.Background(), &ListOptions{
		Status: StatusPendingHumanReview,
		Limit:  10,
		Offset: 20,
	})
	require.NoError(t, err)
	assert.Equal(t, 42, resp.Total)
}

func TestApprovePostsToActionPath(t *testing.T) {
	decisionID := uuid.New()

	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/decisions/{decision_id}/approve": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, decisionID.String(), r.PathValue("decision_id"))
			writeJSON(w, http.StatusOK, map[string]any{
				"data": Decision{ID: decisionID, Status: StatusApproved, Actions: []Action{}},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	comment := "looks fine"
	d, err := client.Approve(context.Background(), decisionID, ActionRequest{Comment: &comment})
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, d.Status)
}

func TestErrorEnvelopeParsed(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/decisions/{decision_id}": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusNotFound, map[string]any{
				"error": map[string]any{"code": "NOT_FOUND", "message": "decision not found"},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.GetDecision(context.Background(), uuid.New())
	require.Error(t, err)
	assert.True(t, IsNotFound(err))

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "NOT_FOUND", apiErr.Code)
	assert.Equal(t, "decision not found", apiErr.Message)
}

func TestEvaluatePolicyDryRun(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/policy/evaluate": func(w http.ResponseWriter, r *http.Request) {
			ruleID := "high-risk-escalation"
			outcome := ResultForceEscalation
			writeJSON(w, http.StatusOK, map[string]any{
				"data": EvaluateResponse{
					Result:        ResultForceEscalation,
					Reason:        "risk score exceeds threshold",
					MatchedRuleID: &ruleID,
					EvaluatedRules: []RuleTrace{
						{RuleID: ruleID, Matched: true, Outcome: &outcome},
					},
					PolicyVersion: "2.0.0",
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	risk := 0.95
	resp, err := client.EvaluatePolicy(context.Background(), EvaluateRequest{RiskScore: &risk})
	require.NoError(t, err)
	assert.Equal(t, ResultForceEscalation, resp.Result)
	assert.Equal(t, "2.0.0", resp.PolicyVersion)
}

func TestHealthSkipsAuth(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /auth/token": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"error": map[string]any{"code": "UNAUTHORIZED", "message": "invalid API key"},
			})
		},
		"GET /health": func(w http.ResponseWriter, r *http.Request) {
			assert.Empty(t, r.Header.Get("Authorization"))
			writeJSON(w, http.StatusOK, map[string]any{
				"data": HealthResponse{Status: "healthy", Postgres: "connected", PolicyVersion: "2.0.0"},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	h, err := client.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", h.Status)
}
