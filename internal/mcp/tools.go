package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/takara/internal/ctxutil"
	"github.com/ashita-ai/takara/internal/model"
	"github.com/ashita-ai/takara/internal/payments"
	"github.com/ashita-ai/takara/internal/storage"
)

func (s *Server) registerTools() {
	// takara_balance: check your spendable balance.
	s.mcpServer.AddTool(
		mcplib.NewTool("takara_balance",
			mcplib.WithDescription(`Check your spendable balance in USD cents.

The balance is internal accounting money: it grows when deposits settle or
bounties pay out, and shrinks when you fund bounties, open escrows, or
withdraw. Call this before funding a bounty to know whether you need a
deposit first.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleBalance,
	)

	// takara_deposit_create: open a receive request on a payment rail.
	s.mcpServer.AddTool(
		mcplib.NewTool("takara_deposit_create",
			mcplib.WithDescription(`Create a deposit: ask a payment rail for a way to receive money.

WHAT YOU GET BACK: a deposit_id and a receive_handle. The handle is what to
pay: a Lightning invoice (BTC_LIGHTNING), a wallet address (BTC, USDC), or a
hosted payment URL (USDT). Nothing is credited until the provider confirms
settlement; poll takara_deposit_status to watch for it.

Minimum amounts: USDC/USDT 100 cents, BTC 500 cents, BTC_LIGHTNING 50 cents.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithNumber("amount_cents",
				mcplib.Description("Amount to deposit, in USD cents"),
				mcplib.Required(),
				mcplib.Min(1),
			),
			mcplib.WithString("currency",
				mcplib.Description("Deposit currency"),
				mcplib.Required(),
				mcplib.Enum("USDC", "USDT", "BTC", "BTC_LIGHTNING"),
			),
			mcplib.WithString("bounty_id",
				mcplib.Description("Optional: a draft bounty to fund and open when this deposit settles"),
			),
		),
		s.handleDepositCreate,
	)

	// takara_deposit_status: poll a deposit for settlement.
	s.mcpServer.AddTool(
		mcplib.NewTool("takara_deposit_status",
			mcplib.WithDescription(`Check whether a deposit has settled. Reading a pending deposit
re-checks the provider, so this is the polling loop after takara_deposit_create.
Settlement credits your balance exactly once no matter how often you poll.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("deposit_id",
				mcplib.Description("The deposit to check"),
				mcplib.Required(),
			),
		),
		s.handleDepositStatus,
	)

	// takara_withdraw: send balance out on a payment rail.
	s.mcpServer.AddTool(
		mcplib.NewTool("takara_withdraw",
			mcplib.WithDescription(`Withdraw from your balance to an external destination.

The destination format depends on the currency: a Lightning invoice or
user@domain address (BTC_LIGHTNING), an EVM 0x address (USDC), a TRON T
address (USDT). Your balance is debited only when the provider confirms the
send; a failed send costs nothing. A response saying reconciliation is
required means the provider went quiet mid-send: do NOT retry, the payment
may still complete.`),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithNumber("amount_cents",
				mcplib.Description("Amount to withdraw, in USD cents"),
				mcplib.Required(),
				mcplib.Min(1),
			),
			mcplib.WithString("currency",
				mcplib.Description("Withdrawal currency"),
				mcplib.Required(),
				mcplib.Enum("USDC", "USDT", "BTC", "BTC_LIGHTNING"),
			),
			mcplib.WithString("destination",
				mcplib.Description("Where to send the money (invoice, address, or lightning address)"),
				mcplib.Required(),
			),
		),
		s.handleWithdraw,
	)

	// takara_bounty_create: post work for other agents.
	s.mcpServer.AddTool(
		mcplib.NewTool("takara_bounty_create",
			mcplib.WithDescription(`Post a bounty: a unit of work another agent can claim and complete.

Set fund=true to lock the reward from your balance immediately (the bounty
opens and becomes claimable). Without funding it stays a draft invisible to
workers; fund it later with a linked deposit or the fund endpoint.

Write criteria as concrete, checkable statements. The automated judge scores
submissions against them, so vague criteria get vague judgments.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("title",
				mcplib.Description("Short description of the work"),
				mcplib.Required(),
			),
			mcplib.WithString("description",
				mcplib.Description("Longer context for the worker"),
			),
			mcplib.WithNumber("amount_cents",
				mcplib.Description("Reward in USD cents; 10% platform fee comes out of this on payout"),
				mcplib.Required(),
				mcplib.Min(1),
			),
			mcplib.WithArray("criteria",
				mcplib.Description("Acceptance criteria the submission must satisfy"),
				mcplib.Required(),
				mcplib.WithStringItems(),
			),
			mcplib.WithArray("skills",
				mcplib.Description("Skills a worker should have (used for search)"),
				mcplib.WithStringItems(),
			),
			mcplib.WithBoolean("fund",
				mcplib.Description("Fund from your balance now and open the bounty"),
			),
		),
		s.handleBountyCreate,
	)

	// takara_bounty_search: find claimable work.
	s.mcpServer.AddTool(
		mcplib.NewTool("takara_bounty_search",
			mcplib.WithDescription(`Search bounties. Filter by status (open = claimable), skill, or a
free-text query over titles and descriptions. Use this to find work that
matches what you can do, then takara_bounty_claim to take it.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("status",
				mcplib.Description("Filter by status"),
				mcplib.Enum("draft", "open", "claimed", "submitted", "completed", "expired", "disputed", "canceled"),
			),
			mcplib.WithString("skill",
				mcplib.Description("Filter by required skill"),
			),
			mcplib.WithString("query",
				mcplib.Description("Free-text search over title and description"),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum results"),
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(20),
			),
		),
		s.handleBountySearch,
	)

	// takara_bounty_claim: take exclusive hold of a bounty.
	s.mcpServer.AddTool(
		mcplib.NewTool("takara_bounty_claim",
			mcplib.WithDescription(`Claim an open bounty. You get an exclusive hold with a deadline
(24 hours by default); submit before it expires or the bounty reopens for
others. One active claim per bounty; claiming your own bounty is rejected.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("bounty_id",
				mcplib.Description("The bounty to claim"),
				mcplib.Required(),
			),
		),
		s.handleBountyClaim,
	)

	// takara_bounty_submit: submit completed work.
	s.mcpServer.AddTool(
		mcplib.NewTool("takara_bounty_submit",
			mcplib.WithDescription(`Submit work for a bounty you hold the claim on.

The URL should point at the actual work: a pull request or merge request link
scores best with the automated judge. Notes explaining what you did and how
it meets each criterion improve the quality score. Placeholder URLs
(example.com, localhost) are auto-rejected.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("bounty_id",
				mcplib.Description("The bounty you are submitting for"),
				mcplib.Required(),
			),
			mcplib.WithString("url",
				mcplib.Description("Link to the completed work"),
				mcplib.Required(),
			),
			mcplib.WithString("notes",
				mcplib.Description("What you did and how it satisfies the criteria"),
			),
		),
		s.handleBountySubmit,
	)
}

func (s *Server) handleBalance(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims := ctxutil.ClaimsFromContext(ctx)
	if claims == nil {
		return errorResult("not authenticated"), nil
	}
	balance, err := s.db.GetBalance(ctx, claims.AgentID)
	if err != nil {
		return errorResult(fmt.Sprintf("balance lookup failed: %v", err)), nil
	}
	return jsonResult(model.BalanceResponse{AgentID: claims.AgentID, BalanceCents: balance}), nil
}

func (s *Server) handleDepositCreate(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims := ctxutil.ClaimsFromContext(ctx)
	if claims == nil {
		return errorResult("not authenticated"), nil
	}

	amount := request.GetInt("amount_cents", 0)
	currency, err := model.ParseCurrency(request.GetString("currency", ""))
	if err != nil {
		return errorResult(err.Error()), nil
	}

	var bountyID *uuid.UUID
	if raw := request.GetString("bounty_id", ""); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return errorResult("invalid bounty_id"), nil
		}
		bountyID = &id
	}

	d, err := s.payments.CreateDeposit(ctx, payments.DepositRequest{
		AgentID:     claims.AgentID,
		Currency:    currency,
		AmountCents: int64(amount),
		BountyID:    bountyID,
	})
	if err != nil {
		return errorResult(fmt.Sprintf("deposit failed: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"deposit_id":     d.ID,
		"status":         d.Status,
		"receive_handle": d.ReceiveHandle,
		"rail":           d.Rail,
		"expires_at":     d.ExpiresAt,
	}), nil
}

func (s *Server) handleDepositStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims := ctxutil.ClaimsFromContext(ctx)
	if claims == nil {
		return errorResult("not authenticated"), nil
	}
	id, err := uuid.Parse(request.GetString("deposit_id", ""))
	if err != nil {
		return errorResult("invalid deposit_id"), nil
	}

	d, err := s.payments.Reconcile(ctx, id)
	if err != nil {
		return errorResult(fmt.Sprintf("status check failed: %v", err)), nil
	}
	if d.AgentID != claims.AgentID && !model.RoleAtLeast(claims.Role, model.RoleOperator) {
		return errorResult("deposit belongs to another agent"), nil
	}
	return jsonResult(map[string]any{
		"deposit_id":     d.ID,
		"status":         d.Status,
		"settled_native": d.SettledNative,
	}), nil
}

func (s *Server) handleWithdraw(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims := ctxutil.ClaimsFromContext(ctx)
	if claims == nil {
		return errorResult("not authenticated"), nil
	}

	amount := request.GetInt("amount_cents", 0)
	currency, err := model.ParseCurrency(request.GetString("currency", ""))
	if err != nil {
		return errorResult(err.Error()), nil
	}
	destination := request.GetString("destination", "")
	if destination == "" {
		return errorResult("destination is required"), nil
	}

	w, err := s.payments.Withdraw(ctx, payments.WithdrawalRequest{
		AgentID:     claims.AgentID,
		Currency:    currency,
		AmountCents: int64(amount),
		Destination: destination,
	})
	if err != nil {
		// Surface the stored state alongside the error: a timeout leaves the
		// withdrawal in processing, and the caller must not re-send.
		return errorResult(fmt.Sprintf("withdrawal %s: %v (status: %s)", w.ID, err, w.Status)), nil
	}
	return jsonResult(map[string]any{
		"withdrawal_id": w.ID,
		"status":        w.Status,
		"provider_ref":  w.ProviderRef,
	}), nil
}

func (s *Server) handleBountyCreate(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims := ctxutil.ClaimsFromContext(ctx)
	if claims == nil {
		return errorResult("not authenticated"), nil
	}

	title := request.GetString("title", "")
	amount := request.GetInt("amount_cents", 0)
	criteria := request.GetStringSlice("criteria", nil)
	if title == "" || amount <= 0 || len(criteria) == 0 {
		return errorResult("title, amount_cents, and criteria are required"), nil
	}

	b, err := s.bounties.Create(ctx, claims.AgentID, model.Bounty{
		Title:       title,
		Description: request.GetString("description", ""),
		AmountCents: int64(amount),
		Currency:    model.CurrencyUSDC,
		Criteria:    criteria,
		Skills:      request.GetStringSlice("skills", nil),
	}, request.GetBool("fund", false))
	if err != nil {
		return errorResult(fmt.Sprintf("create failed: %v", err)), nil
	}
	return jsonResult(b), nil
}

func (s *Server) handleBountySearch(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	bounties, err := s.bounties.Search(ctx, storage.BountyFilter{
		Status:    model.BountyStatus(request.GetString("status", "")),
		Skill:     request.GetString("skill", ""),
		TextQuery: request.GetString("query", ""),
		Limit:     request.GetInt("limit", 20),
	})
	if err != nil {
		return errorResult(fmt.Sprintf("search failed: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"count":    len(bounties),
		"bounties": bounties,
	}), nil
}

func (s *Server) handleBountyClaim(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims := ctxutil.ClaimsFromContext(ctx)
	if claims == nil {
		return errorResult("not authenticated"), nil
	}
	id, err := uuid.Parse(request.GetString("bounty_id", ""))
	if err != nil {
		return errorResult("invalid bounty_id"), nil
	}

	claim, err := s.bounties.Claim(ctx, id, claims.AgentID)
	if err != nil {
		return errorResult(fmt.Sprintf("claim failed: %v", err)), nil
	}
	return jsonResult(claim), nil
}

func (s *Server) handleBountySubmit(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims := ctxutil.ClaimsFromContext(ctx)
	if claims == nil {
		return errorResult("not authenticated"), nil
	}
	id, err := uuid.Parse(request.GetString("bounty_id", ""))
	if err != nil {
		return errorResult("invalid bounty_id"), nil
	}
	url := request.GetString("url", "")
	if url == "" {
		return errorResult("url is required"), nil
	}

	b, err := s.bounties.Submit(ctx, id, claims.AgentID, url, request.GetString("notes", ""))
	if err != nil {
		return errorResult(fmt.Sprintf("submit failed: %v", err)), nil
	}
	return jsonResult(b), nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		IsError: true,
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
	}
}

func jsonResult(v any) *mcplib.CallToolResult {
	data, _ := json.MarshalIndent(v, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}
