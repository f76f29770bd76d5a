package takara

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
	// BaseURL is the root URL of the takara server (e.g. "http://localhost:8080").
	BaseURL string

	// AgentID identifies this agent for authentication.
	AgentID string

	// APIKey is the secret used to obtain a JWT token.
	APIKey string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the takara payment and bounty API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL  string
	agentID  string
	client   *http.Client
	tokenMgr *tokenManager
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL, AgentID, or APIKey is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("takara: BaseURL is required")
	}
	if cfg.AgentID == "" {
		return nil, fmt.Errorf("takara: AgentID is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("takara: APIKey is required")
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
		agentID:  cfg.AgentID,
		client:   httpClient,
		tokenMgr: newTokenManager(baseURL, cfg.AgentID, cfg.APIKey, httpClient),
	}, nil
}

// ---------------------------------------------------------------------------
// Agents
// ---------------------------------------------------------------------------

// CreateAgent registers a new agent identity. Requires operator role.
func (c *Client) CreateAgent(ctx context.Context, req CreateAgentRequest) (*Agent, error) {
	var resp Agent
	if err := c.post(ctx, "/v1/agents", "", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetAgent retrieves an agent's public profile.
func (c *Client) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	var resp Agent
	if err := c.get(ctx, "/v1/agents/"+url.PathEscape(agentID), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Balance retrieves the caller's (or, for operators, any agent's) balance.
func (c *Client) Balance(ctx context.Context, agentID string) (*Balance, error) {
	var resp Balance
	if err := c.get(ctx, "/v1/agents/"+url.PathEscape(agentID)+"/balance", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Ledger retrieves an agent's balance movements, newest first.
func (c *Client) Ledger(ctx context.Context, agentID string, page *Page) ([]LedgerEntry, error) {
	path := "/v1/agents/" + url.PathEscape(agentID) + "/ledger" + pageQuery(page)
	var resp []LedgerEntry
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// UpdateWallets sets payout destinations for an agent.
func (c *Client) UpdateWallets(ctx context.Context, agentID string, req UpdateWalletsRequest) (*Agent, error) {
	var resp Agent
	if err := c.put(ctx, "/v1/agents/"+url.PathEscape(agentID)+"/wallets", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Deposits and withdrawals
// ---------------------------------------------------------------------------

// CreateDeposit asks for a receive request (invoice, address, or payment
// URL) on the currency's rail. The agent pays the returned handle; the
// deposit settles asynchronously.
func (c *Client) CreateDeposit(ctx context.Context, req CreateDepositRequest) (*Deposit, error) {
	var resp Deposit
	if err := c.post(ctx, "/v1/deposits", req.IdempotencyKey, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetDeposit retrieves a deposit, reconciling it against the provider when
// reachable.
func (c *Client) GetDeposit(ctx context.Context, depositID uuid.UUID) (*Deposit, error) {
	var resp Deposit
	if err := c.get(ctx, "/v1/deposits/"+depositID.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListDeposits lists the caller's deposits, newest first.
func (c *Client) ListDeposits(ctx context.Context, page *Page) ([]Deposit, error) {
	var resp []Deposit
	if err := c.get(ctx, "/v1/deposits"+pageQuery(page), &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// CreateWithdrawal pays out part of the caller's balance. On
// IsReconcilePending errors the payment was submitted but unconfirmed: poll
// GetWithdrawal rather than retrying, or the funds may be sent twice.
func (c *Client) CreateWithdrawal(ctx context.Context, req CreateWithdrawalRequest) (*Withdrawal, error) {
	var resp Withdrawal
	if err := c.post(ctx, "/v1/withdrawals", req.IdempotencyKey, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetWithdrawal retrieves a withdrawal's current state.
func (c *Client) GetWithdrawal(ctx context.Context, withdrawalID uuid.UUID) (*Withdrawal, error) {
	var resp Withdrawal
	if err := c.get(ctx, "/v1/withdrawals/"+withdrawalID.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListWithdrawals lists the caller's withdrawals, newest first.
func (c *Client) ListWithdrawals(ctx context.Context, page *Page) ([]Withdrawal, error) {
	var resp []Withdrawal
	if err := c.get(ctx, "/v1/withdrawals"+pageQuery(page), &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ---------------------------------------------------------------------------
// Bounties
// ---------------------------------------------------------------------------

// CreateBounty posts a bounty. With Fund set, the amount is escrowed from
// the poster's balance and the bounty opens immediately.
func (c *Client) CreateBounty(ctx context.Context, req CreateBountyRequest) (*Bounty, error) {
	var resp Bounty
	if err := c.post(ctx, "/v1/bounties", req.IdempotencyKey, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListBounties searches bounties with optional filters.
func (c *Client) ListBounties(ctx context.Context, filter *BountyFilter) ([]Bounty, error) {
	params := url.Values{}
	if filter != nil {
		if filter.Status != "" {
			params.Set("status", filter.Status)
		}
		if filter.PosterID != "" {
			params.Set("poster_id", filter.PosterID)
		}
		if filter.Skill != "" {
			params.Set("skill", filter.Skill)
		}
		if filter.Query != "" {
			params.Set("q", filter.Query)
		}
		if filter.Limit > 0 {
			params.Set("limit", strconv.Itoa(filter.Limit))
		}
		if filter.Offset > 0 {
			params.Set("offset", strconv.Itoa(filter.Offset))
		}
	}

	path := "/v1/bounties"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var resp []Bounty
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetBounty retrieves a bounty.
func (c *Client) GetBounty(ctx context.Context, bountyID uuid.UUID) (*Bounty, error) {
	var resp Bounty
	if err := c.get(ctx, "/v1/bounties/"+bountyID.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FundBounty escrows a draft bounty's amount from the poster's balance and
// opens it to workers.
func (c *Client) FundBounty(ctx context.Context, bountyID uuid.UUID) (*Bounty, error) {
	var resp Bounty
	if err := c.post(ctx, "/v1/bounties/"+bountyID.String()+"/fund", "", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ClaimBounty takes an exclusive, time-bounded hold on an open bounty.
// Returns IsConflict errors when another worker already holds it.
func (c *Client) ClaimBounty(ctx context.Context, bountyID uuid.UUID) (*Bounty, error) {
	var resp Bounty
	if err := c.post(ctx, "/v1/bounties/"+bountyID.String()+"/claim", "", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SubmitBounty delivers work for the caller's claimed bounty.
func (c *Client) SubmitBounty(ctx context.Context, bountyID uuid.UUID, req SubmitBountyRequest) (*Bounty, error) {
	var resp Bounty
	if err := c.post(ctx, "/v1/bounties/"+bountyID.String()+"/submit", "", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// JudgeBounty runs the auto-judge on a submitted bounty. A nil req runs the
// base battery only.
func (c *Client) JudgeBounty(ctx context.Context, bountyID uuid.UUID, req *JudgeBountyRequest) (*JudgeResult, error) {
	var body any
	if req != nil {
		body = req
	}
	var resp JudgeResult
	if err := c.post(ctx, "/v1/bounties/"+bountyID.String()+"/judge", "", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ApproveBounty releases escrowed funds to the worker. Poster only.
func (c *Client) ApproveBounty(ctx context.Context, bountyID uuid.UUID) (*Bounty, error) {
	var resp Bounty
	if err := c.post(ctx, "/v1/bounties/"+bountyID.String()+"/approve", "", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RejectBounty disputes a submission, freezing funds for operator
// resolution. Poster only.
func (c *Client) RejectBounty(ctx context.Context, bountyID uuid.UUID) (*Bounty, error) {
	var resp Bounty
	if err := c.post(ctx, "/v1/bounties/"+bountyID.String()+"/reject", "", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ResolveBounty rules on a disputed bounty. Operator only.
func (c *Client) ResolveBounty(ctx context.Context, bountyID uuid.UUID, payWorker bool) (*Bounty, error) {
	body := map[string]any{"pay_worker": payWorker}
	var resp Bounty
	if err := c.post(ctx, "/v1/bounties/"+bountyID.String()+"/resolve", "", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CancelBounty cancels an unclaimed bounty, refunding escrow to the poster.
func (c *Client) CancelBounty(ctx context.Context, bountyID uuid.UUID) (*Bounty, error) {
	var resp Bounty
	if err := c.post(ctx, "/v1/bounties/"+bountyID.String()+"/cancel", "", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Escrows
// ---------------------------------------------------------------------------

// CreateEscrow holds funds from the caller's balance against a task.
func (c *Client) CreateEscrow(ctx context.Context, req CreateEscrowRequest) (*Escrow, error) {
	var resp Escrow
	if err := c.post(ctx, "/v1/escrows", req.IdempotencyKey, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetEscrow retrieves an escrow.
func (c *Client) GetEscrow(ctx context.Context, escrowID uuid.UUID) (*Escrow, error) {
	var resp Escrow
	if err := c.get(ctx, "/v1/escrows/"+escrowID.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListEscrows lists escrows where the caller is the client.
func (c *Client) ListEscrows(ctx context.Context, page *Page) ([]Escrow, error) {
	var resp []Escrow
	if err := c.get(ctx, "/v1/escrows"+pageQuery(page), &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// CompleteEscrow releases net funds to the provider and the fee to the
// platform. providerID may be empty when the escrow was created assigned.
func (c *Client) CompleteEscrow(ctx context.Context, escrowID uuid.UUID, providerID string) (*Escrow, error) {
	var body any
	if providerID != "" {
		body = map[string]any{"provider_id": providerID}
	}
	var resp Escrow
	if err := c.post(ctx, "/v1/escrows/"+escrowID.String()+"/complete", "", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RefundEscrow returns the gross amount to the client.
func (c *Client) RefundEscrow(ctx context.Context, escrowID uuid.UUID) (*Escrow, error) {
	var resp Escrow
	if err := c.post(ctx, "/v1/escrows/"+escrowID.String()+"/refund", "", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DisputeEscrow freezes a funded escrow for operator resolution. Either
// party may call it.
func (c *Client) DisputeEscrow(ctx context.Context, escrowID uuid.UUID) (*Escrow, error) {
	var resp Escrow
	if err := c.post(ctx, "/v1/escrows/"+escrowID.String()+"/dispute", "", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

// Health checks the server's health status. This endpoint does not require
// authentication and will work even if the client has invalid credentials.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var resp Health
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

func pageQuery(page *Page) string {
	if page == nil {
		return ""
	}
	params := url.Values{}
	if page.Limit > 0 {
		params.Set("limit", strconv.Itoa(page.Limit))
	}
	if page.Offset > 0 {
		params.Set("offset", strconv.Itoa(page.Offset))
	}
	if len(params) == 0 {
		return ""
	}
	return "?" + params.Encode()
}

func (c *Client) post(ctx context.Context, path, idempotencyKey string, body any, dest any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("takara: marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("takara: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) put(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("takara: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("takara: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(ctx, req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("takara: create request: %w", err)
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) getNoAuth(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("takara: create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("takara: %s %s: %w", req.Method, req.URL.Path, err)
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
		return fmt.Errorf("takara: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("takara: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	// A 202 carries an error envelope: the operation was accepted but is in
	// an unconfirmed provider state (RECONCILE_PENDING).
	if resp.StatusCode == http.StatusAccepted {
		var envelope apiErrorEnvelope
		if err := json.Unmarshal(bodyBytes, &envelope); err == nil && envelope.Error.Code != "" {
			return parseErrorResponse(resp.StatusCode, bodyBytes)
		}
	}

	// 204 No Content has nothing to decode.
	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("takara: decode response envelope: %w", err)
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
