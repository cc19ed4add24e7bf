package kanmon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Kanmon server (e.g. "http://localhost:8080").
	BaseURL string

	// ActorID identifies the caller in issued tokens and action logs.
	ActorID string

	// OrgID is the organization every request is scoped to.
	OrgID string

	// Role is the RBAC role to request: "admin", "reviewer", or "service".
	Role string

	// APIKey is the secret used to obtain a JWT token.
	APIKey string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the Kanmon decision gate API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL  string
	client   *http.Client
	tokenMgr *tokenManager
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL, ActorID, OrgID, Role, or APIKey is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("kanmon: BaseURL is required")
	}
	if cfg.ActorID == "" {
		return nil, fmt.Errorf("kanmon: ActorID is required")
	}
	if cfg.OrgID == "" {
		return nil, fmt.Errorf("kanmon: OrgID is required")
	}
	if cfg.Role == "" {
		return nil, fmt.Errorf("kanmon: Role is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("kanmon: APIKey is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:  baseURL,
		client:   httpClient,
		tokenMgr: newTokenManager(baseURL, cfg.ActorID, cfg.OrgID, cfg.Role, cfg.APIKey, httpClient),
	}, nil
}

// CreateGate pauses a workflow node for review. Creation is idempotent on
// (execution_id, node_id): repeated calls return the original decision.
func (c *Client) CreateGate(ctx context.Context, req CreateGateRequest) (*Decision, error) {
	var resp Decision
	if err := c.post(ctx, "/v1/decision-gates", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetDecision retrieves a single decision with its recommendation,
// policy snapshot, and action history.
func (c *Client) GetDecision(ctx context.Context, decisionID uuid.UUID) (*Decision, error) {
	var resp Decision
	if err := c.get(ctx, "/v1/decisions/"+decisionID.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListDecisions retrieves decisions newest-first. Nil opts use the
// server defaults: the pending_human_review queue, limit 50, offset 0.
func (c *Client) ListDecisions(ctx context.Context, opts *ListOptions) (*ListDecisionsResponse, error) {
	params := url.Values{}
	if opts != nil {
		if opts.Status != "" {
			params.Set("status", opts.Status)
		}
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
		if opts.Offset > 0 {
			params.Set("offset", strconv.Itoa(opts.Offset))
		}
	}

	path := "/v1/decisions"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var resp ListDecisionsResponse
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Approve records an approval on a pending decision.
func (c *Client) Approve(ctx context.Context, decisionID uuid.UUID, req ActionRequest) (*Decision, error) {
	return c.action(ctx, decisionID, "approve", req)
}

// Reject records a rejection on a pending decision.
func (c *Client) Reject(ctx context.Context, decisionID uuid.UUID, req ActionRequest) (*Decision, error) {
	return c.action(ctx, decisionID, "reject", req)
}

// Escalate forwards a decision to a higher review tier. The decision
// stays actionable afterwards.
func (c *Client) Escalate(ctx context.Context, decisionID uuid.UUID, req ActionRequest) (*Decision, error) {
	return c.action(ctx, decisionID, "escalate", req)
}

func (c *Client) action(ctx context.Context, decisionID uuid.UUID, verb string, req ActionRequest) (*Decision, error) {
	var resp Decision
	path := "/v1/decisions/" + decisionID.String() + "/" + verb
	if err := c.post(ctx, path, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Modify approves a decision with changes. Modifications must be non-empty;
// they are carried on the appended action, not merged into the decision.
func (c *Client) Modify(ctx context.Context, decisionID uuid.UUID, req ModifyRequest) (*Decision, error) {
	var resp Decision
	path := "/v1/decisions/" + decisionID.String() + "/modify"
	if err := c.post(ctx, path, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// EvaluatePolicy runs the live policy against the given signals without
// creating a decision.
func (c *Client) EvaluatePolicy(ctx context.Context, req EvaluateRequest) (*EvaluateResponse, error) {
	var resp EvaluateResponse
	if err := c.post(ctx, "/v1/policy/evaluate", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ReloadPolicy re-reads the policy document from disk. Requires admin role.
func (c *Client) ReloadPolicy(ctx context.Context) (*ReloadPolicyResponse, error) {
	var resp ReloadPolicyResponse
	if err := c.post(ctx, "/v1/policy/reload", struct{}{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health checks the server's health status. This endpoint does not require
// authentication and will work even if the client has invalid credentials.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.getNoAuth(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("kanmon: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("kanmon: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(ctx, req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("kanmon: create request: %w", err)
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) getNoAuth(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("kanmon: create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("kanmon: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func (c *Client) doRequest(ctx context.Context, req *http.Request, dest any) error {
	token, err := c.tokenMgr.getToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("kanmon: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("kanmon: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("kanmon: decode response envelope: %w", err)
	}

	if envelope.Data == nil {
		// Fallback: some endpoints may not wrap in "data".
		return json.Unmarshal(bodyBytes, dest)
	}

	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
