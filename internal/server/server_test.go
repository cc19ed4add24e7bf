package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kanmon-dev/kanmon/internal/auth"
	"github.com/kanmon-dev/kanmon/internal/model"
	"github.com/kanmon-dev/kanmon/internal/policy"
	"github.com/kanmon-dev/kanmon/internal/ratelimit"
	"github.com/kanmon-dev/kanmon/internal/server"
	"github.com/kanmon-dev/kanmon/internal/service/gate"
	"github.com/kanmon-dev/kanmon/internal/storage"
)

// memStore is an in-memory gate.Store good enough to drive the HTTP
// surface: idempotent creation on (execution_id, node_id), org scoping,
// and an append-only action log.
type memStore struct {
	mu        sync.Mutex
	decisions map[uuid.UUID]model.Decision
	byNode    map[string]uuid.UUID
}

func newMemStore() *memStore {
	return &memStore{
		decisions: make(map[uuid.UUID]model.Decision),
		byNode:    make(map[string]uuid.UUID),
	}
}

func nodeKey(executionID uuid.UUID, nodeID string) string {
	return executionID.String() + "/" + nodeID
}

func (m *memStore) CreateDecision(_ context.Context, d model.Decision) (model.Decision, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := nodeKey(d.ExecutionID, d.NodeID)
	if id, ok := m.byNode[key]; ok {
		return m.decisions[id], false, nil
	}
	d.ID = uuid.New()
	d.CreatedAt = time.Now().UTC()
	if d.Actions == nil {
		d.Actions = []model.Action{}
	}
	m.decisions[d.ID] = d
	m.byNode[key] = d.ID
	return d, true, nil
}

func (m *memStore) GetDecision(_ context.Context, orgID string, id uuid.UUID) (model.Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.decisions[id]
	if !ok || d.OrgID != orgID {
		return model.Decision{}, storage.ErrNotFound
	}
	return d, nil
}

func (m *memStore) ListDecisions(_ context.Context, orgID string, status *model.Status, limit, offset int) ([]model.Decision, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []model.Decision
	for _, d := range m.decisions {
		if d.OrgID != orgID {
			continue
		}
		if status != nil && d.Status != *status {
			continue
		}
		items = append(items, d)
	}
	total := len(items)
	if offset > len(items) {
		offset = len(items)
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, total, nil
}

func (m *memStore) AppendAction(_ context.Context, orgID string, id uuid.UUID, newStatus model.Status, a model.Action) (model.Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.decisions[id]
	if !ok || d.OrgID != orgID {
		return model.Decision{}, storage.ErrNotFound
	}
	a.ID = uuid.New()
	a.DecisionID = id
	a.CreatedAt = time.Now().UTC()
	d.Actions = append(d.Actions, a)
	d.Status = newStatus
	m.decisions[id] = d
	return d, nil
}

const testAPIKey = "test-api-key"

type testEnv struct {
	srv   *httptest.Server
	store *memStore
}

func newTestEnv(t *testing.T, opts ...func(*server.ServerConfig)) *testEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	store := newMemStore()
	gateSvc := gate.New(store, policy.NewSource("", logger), nil, logger)

	cfg := server.ServerConfig{
		JWTMgr:              jwtMgr,
		GateSvc:             gateSvc,
		Logger:              logger,
		ReadTimeout:         10 * time.Second,
		WriteTimeout:        10 * time.Second,
		Version:             "test",
		AdminAPIKey:         testAPIKey,
		MaxRequestBodyBytes: 1 << 20,
		OpenAPISpec:         []byte("openapi: 3.1.0\n"),
	}
	for _, fn := range opts {
		fn(&cfg)
	}
	srv := server.New(cfg)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{srv: ts, store: store}
}

func (e *testEnv) token(t *testing.T, actorID, orgID string, role model.Role) string {
	t.Helper()
	body, _ := json.Marshal(model.AuthTokenRequest{
		ActorID: actorID,
		OrgID:   orgID,
		Role:    role,
		APIKey:  testAPIKey,
	})
	resp, err := http.Post(e.srv.URL+"/auth/token", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var envelope struct {
		Data model.AuthTokenResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	require.NotEmpty(t, envelope.Data.Token)
	return envelope.Data.Token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeData[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var envelope struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	return envelope.Data
}

func gateRequest(riskScore float64) map[string]any {
	return map[string]any{
		"execution_id": uuid.New().String(),
		"flow_id":      "invoice-flow",
		"node_id":      "approve-payment",
		"risk_score":   riskScore,
	}
}

func TestAuthTokenInvalidKey(t *testing.T) {
	env := newTestEnv(t)

	body, _ := json.Marshal(model.AuthTokenRequest{
		ActorID: "svc-1", OrgID: "org-1", Role: model.RoleService, APIKey: "wrong",
	})
	resp, err := http.Post(env.srv.URL+"/auth/token", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAuthTokenUnknownRole(t *testing.T) {
	env := newTestEnv(t)

	body, _ := json.Marshal(map[string]any{
		"actor_id": "svc-1", "org_id": "org-1", "role": "superuser", "api_key": testAPIKey,
	})
	resp, err := http.Post(env.srv.URL+"/auth/token", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRequestsWithoutTokenRejected(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/v1/decisions", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var apiErr model.APIError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&apiErr))
	assert.Equal(t, model.ErrCodeUnauthorized, apiErr.Error.Code)
	assert.NotEmpty(t, apiErr.Meta.RequestID)
}

func TestServiceRoleCannotReview(t *testing.T) {
	env := newTestEnv(t)
	svcToken := env.token(t, "svc-1", "org-1", model.RoleService)

	resp := env.do(t, http.MethodGet, "/v1/decisions", svcToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestReviewerCannotReloadPolicy(t *testing.T) {
	env := newTestEnv(t)
	reviewer := env.token(t, "alice", "org-1", model.RoleReviewer)

	resp := env.do(t, http.MethodPost, "/v1/policy/reload", reviewer, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestCreateGateIdempotent(t *testing.T) {
	env := newTestEnv(t)
	svcToken := env.token(t, "svc-1", "org-1", model.RoleService)

	req := gateRequest(0.5)
	resp := env.do(t, http.MethodPost, "/v1/decision-gates", svcToken, req)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	first := decodeData[model.Decision](t, resp)
	assert.Equal(t, model.StatusPendingHumanReview, first.Status)
	assert.Equal(t, "org-1", first.OrgID)

	// Same (execution_id, node_id) returns the original row with 200.
	resp = env.do(t, http.MethodPost, "/v1/decision-gates", svcToken, req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	second := decodeData[model.Decision](t, resp)
	assert.Equal(t, first.ID, second.ID)
}

func TestCreateGateValidation(t *testing.T) {
	env := newTestEnv(t)
	svcToken := env.token(t, "svc-1", "org-1", model.RoleService)

	req := gateRequest(1.5) // risk_score out of range
	resp := env.do(t, http.MethodPost, "/v1/decision-gates", svcToken, req)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var apiErr model.APIError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&apiErr))
	assert.Equal(t, model.ErrCodeInvalidInput, apiErr.Error.Code)
}

func TestGetDecisionOrgScoped(t *testing.T) {
	env := newTestEnv(t)
	svcToken := env.token(t, "svc-1", "org-1", model.RoleService)
	reviewer := env.token(t, "alice", "org-1", model.RoleReviewer)
	outsider := env.token(t, "bob", "org-2", model.RoleReviewer)

	resp := env.do(t, http.MethodPost, "/v1/decision-gates", svcToken, gateRequest(0.5))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeData[model.Decision](t, resp)

	resp = env.do(t, http.MethodGet, "/v1/decisions/"+created.ID.String(), reviewer, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Another org gets 404, not 403: existence is not revealed.
	resp = env.do(t, http.MethodGet, "/v1/decisions/"+created.ID.String(), outsider, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetDecisionBadID(t *testing.T) {
	env := newTestEnv(t)
	reviewer := env.token(t, "alice", "org-1", model.RoleReviewer)

	resp := env.do(t, http.MethodGet, "/v1/decisions/not-a-uuid", reviewer, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestApproveFlow(t *testing.T) {
	env := newTestEnv(t)
	svcToken := env.token(t, "svc-1", "org-1", model.RoleService)
	reviewer := env.token(t, "alice", "org-1", model.RoleReviewer)

	resp := env.do(t, http.MethodPost, "/v1/decision-gates", svcToken, gateRequest(0.5))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeData[model.Decision](t, resp)

	actorID := "alice"
	resp = env.do(t, http.MethodPost, "/v1/decisions/"+created.ID.String()+"/approve", reviewer,
		model.ActionRequest{ActorID: &actorID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	approved := decodeData[model.Decision](t, resp)
	assert.Equal(t, model.StatusApproved, approved.Status)
	require.Len(t, approved.Actions, 1)
	assert.Equal(t, model.ActionApprove, approved.Actions[0].ActionType)
	assert.Equal(t, model.ActorHuman, approved.Actions[0].ActorType)
}

func TestModifyRequiresPayload(t *testing.T) {
	env := newTestEnv(t)
	svcToken := env.token(t, "svc-1", "org-1", model.RoleService)
	reviewer := env.token(t, "alice", "org-1", model.RoleReviewer)

	resp := env.do(t, http.MethodPost, "/v1/decision-gates", svcToken, gateRequest(0.5))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeData[model.Decision](t, resp)

	resp = env.do(t, http.MethodPost, "/v1/decisions/"+created.ID.String()+"/modify", reviewer,
		map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/v1/decisions/"+created.ID.String()+"/modify", reviewer,
		map[string]any{"modifications": map[string]any{"amount": 100}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	modified := decodeData[model.Decision](t, resp)
	assert.Equal(t, model.StatusModified, modified.Status)
}

func TestListDecisionsFilterAndPagination(t *testing.T) {
	env := newTestEnv(t)
	svcToken := env.token(t, "svc-1", "org-1", model.RoleService)
	reviewer := env.token(t, "alice", "org-1", model.RoleReviewer)

	for range 3 {
		resp := env.do(t, http.MethodPost, "/v1/decision-gates", svcToken, gateRequest(0.5))
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp := env.do(t, http.MethodGet, "/v1/decisions?status=pending_human_review&limit=2", reviewer, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeData[model.ListDecisionsResponse](t, resp)
	assert.Equal(t, 3, list.Total)
	assert.Len(t, list.Items, 2)
	assert.Equal(t, 2, list.Limit)

	// Unknown status is rejected by the service.
	resp = env.do(t, http.MethodGet, "/v1/decisions?status=bogus", reviewer, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPolicyEvaluateDryRun(t *testing.T) {
	env := newTestEnv(t)
	reviewer := env.token(t, "alice", "org-1", model.RoleReviewer)

	risk := 0.95
	resp := env.do(t, http.MethodPost, "/v1/policy/evaluate", reviewer,
		model.EvaluateRequest{RiskScore: &risk})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data := decodeData[map[string]any](t, resp)
	assert.Equal(t, policy.ResultForceEscalation, data["result"])
	assert.Equal(t, "2.0.0", data["policy_version"])
}

func TestPolicyReloadAsAdmin(t *testing.T) {
	env := newTestEnv(t)
	admin := env.token(t, "root", "org-1", model.RoleAdmin)

	resp := env.do(t, http.MethodPost, "/v1/policy/reload", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := decodeData[model.ReloadPolicyResponse](t, resp)
	assert.Equal(t, "2.0.0", data.PolicyVersion)
	assert.Equal(t, 3, data.Rules)
}

func TestSubscribeWithoutBroker(t *testing.T) {
	env := newTestEnv(t)
	reviewer := env.token(t, "alice", "org-1", model.RoleReviewer)

	resp := env.do(t, http.MethodGet, "/v1/subscribe", reviewer, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMutationRateLimitPerOrg(t *testing.T) {
	// rate 0, burst 1: exactly one mutation per org, never refilled.
	limiter := ratelimit.NewMemoryLimiter(0, 1)
	t.Cleanup(func() { _ = limiter.Close() })

	env := newTestEnv(t, func(cfg *server.ServerConfig) {
		cfg.MutationLimiter = limiter
	})
	svcToken := env.token(t, "svc-1", "org-1", model.RoleService)
	otherOrg := env.token(t, "svc-2", "org-2", model.RoleService)

	resp := env.do(t, http.MethodPost, "/v1/decision-gates", svcToken, gateRequest(0.5))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/v1/decision-gates", svcToken, gateRequest(0.5))
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))

	// A different org has its own bucket.
	resp = env.do(t, http.MethodPost, "/v1/decision-gates", otherOrg, gateRequest(0.5))
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	// Reads are not mutation-limited.
	reviewer := env.token(t, "alice", "org-1", model.RoleReviewer)
	resp = env.do(t, http.MethodGet, "/v1/decisions", reviewer, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestOpenAPISpecServedWithoutAuth(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.srv.URL + "/openapi.yaml")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/yaml", resp.Header.Get("Content-Type"))
}

func TestUnknownBodyFieldRejected(t *testing.T) {
	env := newTestEnv(t)
	svcToken := env.token(t, "svc-1", "org-1", model.RoleService)

	req := gateRequest(0.5)
	req["not_a_field"] = true
	resp := env.do(t, http.MethodPost, "/v1/decision-gates", svcToken, req)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRequestIDEchoed(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/v1/decisions", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "req-abc")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "req-abc", resp.Header.Get("X-Request-ID"))
}
