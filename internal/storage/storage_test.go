package storage_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/takara/internal/model"
	"github.com/ashita-ai/takara/internal/storage"
	"github.com/ashita-ai/takara/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close(ctx)
	tc.Terminate()
	os.Exit(code)
}

func newTestAgent(t *testing.T, balanceCents int64) model.Agent {
	t.Helper()
	ctx := context.Background()

	agent, err := testDB.CreateAgent(ctx, model.Agent{
		AgentID: "agent-" + uuid.NewString()[:8],
		Name:    "Test Agent",
	})
	require.NoError(t, err)

	if balanceCents > 0 {
		require.NoError(t, testDB.Credit(ctx, agent.AgentID, balanceCents, "deposit", "", uuid.Nil))
	}
	return agent
}

func TestLedgerCreditDebit(t *testing.T) {
	ctx := context.Background()
	agent := newTestAgent(t, 0)

	require.NoError(t, testDB.Credit(ctx, agent.AgentID, 1000, "deposit", "", uuid.Nil))

	balance, err := testDB.GetBalance(ctx, agent.AgentID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance)

	require.NoError(t, testDB.Debit(ctx, agent.AgentID, 300, "withdrawal", "", uuid.Nil))

	balance, err = testDB.GetBalance(ctx, agent.AgentID)
	require.NoError(t, err)
	assert.Equal(t, int64(700), balance)

	entries, err := testDB.ListLedgerEntries(ctx, agent.AgentID, 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(-300), entries[0].AmountCents)
	assert.Equal(t, int64(1000), entries[1].AmountCents)
}

func TestLedgerDebitFailsClosed(t *testing.T) {
	ctx := context.Background()
	agent := newTestAgent(t, 500)

	err := testDB.Debit(ctx, agent.AgentID, 501, "withdrawal", "", uuid.Nil)
	require.ErrorIs(t, err, storage.ErrInsufficientFunds)

	// The failed debit left no partial state behind.
	balance, err := testDB.GetBalance(ctx, agent.AgentID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance)

	entries, err := testDB.ListLedgerEntries(ctx, agent.AgentID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLedgerConcurrentDebits(t *testing.T) {
	ctx := context.Background()
	agent := newTestAgent(t, 1000)

	// 20 debits of 100 against a balance of 1000: exactly 10 may win.
	var g errgroup.Group
	results := make(chan error, 20)
	for range 20 {
		g.Go(func() error {
			results <- testDB.Debit(ctx, agent.AgentID, 100, "withdrawal", "", uuid.Nil)
			return nil
		})
	}
	require.NoError(t, g.Wait())
	close(results)

	var succeeded, insufficient int
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case assert.ErrorIs(t, err, storage.ErrInsufficientFunds):
			insufficient++
		}
	}
	assert.Equal(t, 10, succeeded)
	assert.Equal(t, 10, insufficient)

	balance, err := testDB.GetBalance(ctx, agent.AgentID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestTransferAtomic(t *testing.T) {
	ctx := context.Background()
	from := newTestAgent(t, 800)
	to := newTestAgent(t, 0)

	require.NoError(t, testDB.Transfer(ctx, from.AgentID, to.AgentID, 800, "transfer", "", uuid.Nil))

	fromBal, err := testDB.GetBalance(ctx, from.AgentID)
	require.NoError(t, err)
	toBal, err := testDB.GetBalance(ctx, to.AgentID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), fromBal)
	assert.Equal(t, int64(800), toBal)

	// Underfunded transfer moves nothing on either side.
	err = testDB.Transfer(ctx, from.AgentID, to.AgentID, 1, "transfer", "", uuid.Nil)
	require.ErrorIs(t, err, storage.ErrInsufficientFunds)
	toBal, err = testDB.GetBalance(ctx, to.AgentID)
	require.NoError(t, err)
	assert.Equal(t, int64(800), toBal)
}

func TestDepositCompleteExactlyOnce(t *testing.T) {
	ctx := context.Background()
	agent := newTestAgent(t, 0)

	d, err := testDB.CreateDeposit(ctx, model.Deposit{
		AgentID:       agent.AgentID,
		Currency:      model.CurrencyUSDC,
		Rail:          model.RailOnchain,
		AmountCents:   2500,
		AmountNative:  25_000_000,
		ReceiveHandle: "0xdeposit",
		ExternalRef:   "ref-" + uuid.NewString()[:8],
		ExpiresAt:     time.Now().UTC().Add(time.Hour),
	})
	require.NoError(t, err)

	// Webhook and reconcile poll race to complete the same deposit.
	_, credited, err := testDB.CompleteDeposit(ctx, d.ID, 25_000_000)
	require.NoError(t, err)
	assert.True(t, credited)

	_, credited, err = testDB.CompleteDeposit(ctx, d.ID, 25_000_000)
	require.NoError(t, err)
	assert.False(t, credited, "second completion must not credit again")

	balance, err := testDB.GetBalance(ctx, agent.AgentID)
	require.NoError(t, err)
	assert.Equal(t, int64(2500), balance)
}

func TestDepositLateSettlementAfterExpiry(t *testing.T) {
	ctx := context.Background()
	agent := newTestAgent(t, 0)

	d, err := testDB.CreateDeposit(ctx, model.Deposit{
		AgentID:       agent.AgentID,
		Currency:      model.CurrencyBTCLightning,
		Rail:          model.RailLightning,
		AmountCents:   100,
		AmountNative:  1_000_000,
		ReceiveHandle: "lnbc...",
		ExternalRef:   "ref-" + uuid.NewString()[:8],
		ExpiresAt:     time.Now().UTC().Add(-time.Minute),
	})
	require.NoError(t, err)

	ids, err := testDB.ExpireDeposits(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Contains(t, ids, d.ID)

	// The payer settled late; the money arrived and must be credited.
	_, credited, err := testDB.CompleteDeposit(ctx, d.ID, 1_000_000)
	require.NoError(t, err)
	assert.True(t, credited)

	balance, err := testDB.GetBalance(ctx, agent.AgentID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)
}

func TestEscrowConservation(t *testing.T) {
	ctx := context.Background()
	client := newTestAgent(t, 2000)
	provider := newTestAgent(t, 0)

	e, err := testDB.CreateEscrow(ctx, model.Escrow{
		ClientID:   client.AgentID,
		Task:       "summarize dataset",
		GrossCents: 2000,
		FeeCents:   200,
		NetCents:   1800,
	})
	require.NoError(t, err)

	clientBal, err := testDB.GetBalance(ctx, client.AgentID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), clientBal, "gross leaves the client at funding")

	platformBefore, err := testDB.GetBalance(ctx, model.PlatformAgentID)
	require.NoError(t, err)

	_, err = testDB.CompleteEscrow(ctx, e.ID, provider.AgentID)
	require.NoError(t, err)

	providerBal, err := testDB.GetBalance(ctx, provider.AgentID)
	require.NoError(t, err)
	platformAfter, err := testDB.GetBalance(ctx, model.PlatformAgentID)
	require.NoError(t, err)

	assert.Equal(t, int64(1800), providerBal)
	assert.Equal(t, int64(200), platformAfter-platformBefore)

	// Double release is rejected.
	_, err = testDB.CompleteEscrow(ctx, e.ID, provider.AgentID)
	require.ErrorIs(t, err, storage.ErrInvalidTransition)
	_, err = testDB.RefundEscrow(ctx, e.ID)
	require.ErrorIs(t, err, storage.ErrInvalidTransition)

	// Completion bumped the provider's stats.
	updated, err := testDB.GetAgentByAgentID(ctx, provider.AgentID)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.TasksCompleted)
	assert.Equal(t, int64(1800), updated.TotalEarnedCents)
}

func TestEscrowRefundReturnsGross(t *testing.T) {
	ctx := context.Background()
	client := newTestAgent(t, 1000)

	e, err := testDB.CreateEscrow(ctx, model.Escrow{
		ClientID:   client.AgentID,
		GrossCents: 1000,
		FeeCents:   100,
		NetCents:   900,
	})
	require.NoError(t, err)

	_, err = testDB.RefundEscrow(ctx, e.ID)
	require.NoError(t, err)

	balance, err := testDB.GetBalance(ctx, client.AgentID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance, "refund returns gross including fee")
}

func TestEscrowInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	client := newTestAgent(t, 500)

	_, err := testDB.CreateEscrow(ctx, model.Escrow{
		ClientID:   client.AgentID,
		GrossCents: 600,
		FeeCents:   60,
		NetCents:   540,
	})
	require.ErrorIs(t, err, storage.ErrInsufficientFunds)

	// Nothing was inserted and nothing moved.
	balance, err := testDB.GetBalance(ctx, client.AgentID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance)
}

func TestPendingEscrowActivation(t *testing.T) {
	ctx := context.Background()
	client := newTestAgent(t, 0)

	e, err := testDB.CreatePendingEscrow(ctx, model.Escrow{
		ClientID:   client.AgentID,
		GrossCents: 500,
		FeeCents:   50,
		NetCents:   450,
	})
	require.NoError(t, err)
	assert.Equal(t, model.EscrowPendingPayment, e.Status)

	// Pending means no funds held and nothing releasable.
	balance, err := testDB.GetBalance(ctx, client.AgentID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
	_, err = testDB.CompleteEscrow(ctx, e.ID, "anyone")
	require.ErrorIs(t, err, storage.ErrInvalidTransition)

	// Activation with an empty balance rolls back; the escrow keeps waiting.
	_, _, err = testDB.ActivateEscrow(ctx, e.ID)
	require.ErrorIs(t, err, storage.ErrInsufficientFunds)
	still, err := testDB.GetEscrow(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EscrowPendingPayment, still.Status)

	// With the deposit credited, activation debits the gross exactly once.
	require.NoError(t, testDB.Credit(ctx, client.AgentID, 500, "deposit", "", uuid.Nil))
	funded, activated, err := testDB.ActivateEscrow(ctx, e.ID)
	require.NoError(t, err)
	assert.True(t, activated)
	assert.Equal(t, model.EscrowFunded, funded.Status)

	again, activated, err := testDB.ActivateEscrow(ctx, e.ID)
	require.NoError(t, err)
	assert.False(t, activated, "replayed activation is a no-op")
	assert.Equal(t, model.EscrowFunded, again.Status)

	balance, err = testDB.GetBalance(ctx, client.AgentID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestBountyClaimGuard(t *testing.T) {
	ctx := context.Background()
	poster := newTestAgent(t, 0)
	worker1 := newTestAgent(t, 0)
	worker2 := newTestAgent(t, 0)

	b, err := testDB.CreateBounty(ctx, model.Bounty{
		PosterID:    poster.AgentID,
		Title:       "scrape product pages",
		AmountCents: 1500,
		Currency:    model.CurrencyUSDC,
		Status:      model.BountyOpen,
	})
	require.NoError(t, err)

	claim, err := testDB.ClaimBounty(ctx, b.ID, worker1.AgentID, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, model.ClaimActive, claim.Status)

	_, err = testDB.ClaimBounty(ctx, b.ID, worker2.AgentID, 24*time.Hour)
	require.Error(t, err)
}

func TestBountyClaimExpiryReopens(t *testing.T) {
	ctx := context.Background()
	poster := newTestAgent(t, 0)
	worker1 := newTestAgent(t, 0)
	worker2 := newTestAgent(t, 0)

	b, err := testDB.CreateBounty(ctx, model.Bounty{
		PosterID:    poster.AgentID,
		Title:       "label images",
		AmountCents: 800,
		Currency:    model.CurrencyUSDC,
		Status:      model.BountyOpen,
	})
	require.NoError(t, err)

	_, err = testDB.ClaimBounty(ctx, b.ID, worker1.AgentID, time.Millisecond)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	released, err := testDB.ReleaseExpiredClaims(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, released, int64(1))

	got, err := testDB.GetBounty(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BountyOpen, got.Status)

	// The bounty is claimable again.
	_, err = testDB.ClaimBounty(ctx, b.ID, worker2.AgentID, 24*time.Hour)
	require.NoError(t, err)
}

func TestBountySubmitRequiresClaimHolder(t *testing.T) {
	ctx := context.Background()
	poster := newTestAgent(t, 0)
	worker := newTestAgent(t, 0)
	other := newTestAgent(t, 0)

	b, err := testDB.CreateBounty(ctx, model.Bounty{
		PosterID:    poster.AgentID,
		Title:       "write integration tests",
		AmountCents: 3000,
		Currency:    model.CurrencyUSDC,
		Status:      model.BountyOpen,
	})
	require.NoError(t, err)

	_, err = testDB.ClaimBounty(ctx, b.ID, worker.AgentID, 24*time.Hour)
	require.NoError(t, err)

	_, err = testDB.SubmitBounty(ctx, b.ID, other.AgentID, "https://example.com/pr/1", "done")
	require.ErrorIs(t, err, storage.ErrInvalidTransition)

	got, err := testDB.SubmitBounty(ctx, b.ID, worker.AgentID, "https://example.com/pr/1", "done")
	require.NoError(t, err)
	assert.Equal(t, model.BountySubmitted, got.Status)
	require.NotNil(t, got.SubmissionURL)
	assert.Equal(t, "https://example.com/pr/1", *got.SubmissionURL)
}

func TestWithdrawalDebitsOnlyOnSent(t *testing.T) {
	ctx := context.Background()
	agent := newTestAgent(t, 1000)

	w, err := testDB.CreateWithdrawal(ctx, model.Withdrawal{
		AgentID:     agent.AgentID,
		Currency:    model.CurrencyUSDC,
		Rail:        model.RailOnchain,
		AmountCents: 600,
		Destination: "0x" + fmt.Sprintf("%040d", 1),
	})
	require.NoError(t, err)

	// Creation and processing leave the balance untouched.
	balance, err := testDB.GetBalance(ctx, agent.AgentID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance)

	_, err = testDB.MarkWithdrawalProcessing(ctx, w.ID)
	require.NoError(t, err)
	balance, err = testDB.GetBalance(ctx, agent.AgentID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance)

	_, err = testDB.MarkWithdrawalSent(ctx, w.ID, "provider-tx-1")
	require.NoError(t, err)
	balance, err = testDB.GetBalance(ctx, agent.AgentID)
	require.NoError(t, err)
	assert.Equal(t, int64(400), balance)

	// The sent transition fires at most once.
	_, err = testDB.MarkWithdrawalSent(ctx, w.ID, "provider-tx-1")
	require.ErrorIs(t, err, storage.ErrInvalidTransition)
}

func TestWithdrawalReservesUnsettledAmounts(t *testing.T) {
	ctx := context.Background()
	agent := newTestAgent(t, 1000)

	first, err := testDB.CreateWithdrawal(ctx, model.Withdrawal{
		AgentID:     agent.AgentID,
		Currency:    model.CurrencyBTCLightning,
		Rail:        model.RailLightning,
		AmountCents: 600,
		Destination: "worker@wallet.example.com",
	})
	require.NoError(t, err)

	// The first request holds 600 of the 1000 even though nothing is
	// debited yet, so a second 600 must not fit.
	_, err = testDB.CreateWithdrawal(ctx, model.Withdrawal{
		AgentID:     agent.AgentID,
		Currency:    model.CurrencyBTCLightning,
		Rail:        model.RailLightning,
		AmountCents: 600,
		Destination: "worker@wallet.example.com",
	})
	require.ErrorIs(t, err, storage.ErrInsufficientFunds)

	// The remaining 400 does fit.
	_, err = testDB.CreateWithdrawal(ctx, model.Withdrawal{
		AgentID:     agent.AgentID,
		Currency:    model.CurrencyBTCLightning,
		Rail:        model.RailLightning,
		AmountCents: 400,
		Destination: "worker@wallet.example.com",
	})
	require.NoError(t, err)

	// A failed withdrawal releases its reservation.
	_, err = testDB.MarkWithdrawalFailed(ctx, first.ID)
	require.NoError(t, err)
	_, err = testDB.CreateWithdrawal(ctx, model.Withdrawal{
		AgentID:     agent.AgentID,
		Currency:    model.CurrencyBTCLightning,
		Rail:        model.RailLightning,
		AmountCents: 600,
		Destination: "worker@wallet.example.com",
	})
	require.NoError(t, err)
}

func TestConcurrentWithdrawalsCannotOverdraw(t *testing.T) {
	ctx := context.Background()
	agent := newTestAgent(t, 1000)

	var g errgroup.Group
	created := make([]bool, 8)
	for i := range created {
		g.Go(func() error {
			_, err := testDB.CreateWithdrawal(ctx, model.Withdrawal{
				AgentID:     agent.AgentID,
				Currency:    model.CurrencyBTCLightning,
				Rail:        model.RailLightning,
				AmountCents: 1000,
				Destination: "worker@wallet.example.com",
			})
			if err == nil {
				created[i] = true
				return nil
			}
			if errors.Is(err, storage.ErrInsufficientFunds) {
				return nil
			}
			return err
		})
	}
	require.NoError(t, g.Wait())

	var winners int
	for _, ok := range created {
		if ok {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "exactly one full-balance withdrawal may be created")
}

func TestWithdrawalFailedNeverDebits(t *testing.T) {
	ctx := context.Background()
	agent := newTestAgent(t, 500)

	w, err := testDB.CreateWithdrawal(ctx, model.Withdrawal{
		AgentID:     agent.AgentID,
		Currency:    model.CurrencyBTCLightning,
		Rail:        model.RailLightning,
		AmountCents: 200,
		Destination: "worker@wallet.example.com",
	})
	require.NoError(t, err)

	_, err = testDB.MarkWithdrawalProcessing(ctx, w.ID)
	require.NoError(t, err)
	_, err = testDB.MarkWithdrawalFailed(ctx, w.ID)
	require.NoError(t, err)

	balance, err := testDB.GetBalance(ctx, agent.AgentID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance)
}

func TestProofVaultRoundTrip(t *testing.T) {
	ctx := context.Background()
	vault := storage.NewProofVault(testDB)

	ref := "quote-" + uuid.NewString()[:8]
	require.NoError(t, vault.Store(ctx, ref, []byte(`[{"amount":64}]`)))

	stored, err := vault.Unredeemed(ctx)
	require.NoError(t, err)
	var found bool
	for _, s := range stored {
		if s.ExternalRef == ref {
			found = true
		}
	}
	assert.True(t, found)

	require.NoError(t, vault.MarkRedeemed(ctx, []string{ref}))
	stored, err = vault.Unredeemed(ctx)
	require.NoError(t, err)
	for _, s := range stored {
		assert.NotEqual(t, ref, s.ExternalRef)
	}
}

func TestSearchBounties(t *testing.T) {
	ctx := context.Background()
	poster := newTestAgent(t, 0)

	_, err := testDB.CreateBounty(ctx, model.Bounty{
		PosterID:    poster.AgentID,
		Title:       "transcribe podcast episode",
		AmountCents: 1200,
		Currency:    model.CurrencyUSDC,
		Status:      model.BountyOpen,
		Skills:      []string{"transcription", "english"},
	})
	require.NoError(t, err)

	results, err := testDB.SearchBounties(ctx, storage.BountyFilter{
		Status: model.BountyOpen,
		Skill:  "transcription",
	})
	require.NoError(t, err)
	require.NotEmpty(t, results)

	results, err = testDB.SearchBounties(ctx, storage.BountyFilter{
		PosterID:  poster.AgentID,
		TextQuery: "podcast",
	})
	require.NoError(t, err)
	assert.Len(t, results, 1)

	results, err = testDB.SearchBounties(ctx, storage.BountyFilter{
		PosterID: poster.AgentID,
		MinCents: 5000,
	})
	require.NoError(t, err)
	assert.Empty(t, results)
}
