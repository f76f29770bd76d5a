package bounty_test

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/takara/internal/bounty"
	"github.com/ashita-ai/takara/internal/escrow"
	"github.com/ashita-ai/takara/internal/judge"
	"github.com/ashita-ai/takara/internal/model"
	"github.com/ashita-ai/takara/internal/storage"
	"github.com/ashita-ai/takara/internal/testutil"
)

var (
	testDB  *storage.DB
	testSvc *bounty.Service
)

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

	escrows := escrow.NewManager(testDB, 0.10, testutil.TestLogger())
	testSvc = bounty.NewService(testDB, escrows, judge.New(judge.Config{}), 0, testutil.TestLogger())

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

func balance(t *testing.T, agentID string) int64 {
	t.Helper()
	b, err := testDB.GetBalance(context.Background(), agentID)
	require.NoError(t, err)
	return b
}

func retryBounty(amountCents int64) model.Bounty {
	return model.Bounty{
		Title:       "add retry logic to the fetch client",
		Description: "The fetch client gives up on the first transient error.",
		AmountCents: amountCents,
		Currency:    model.CurrencyUSDC,
		Criteria:    []string{"retry on transient errors", "backoff between attempts"},
		Skills:      []string{"go"},
	}
}

const goodNotes = "Implemented retry with jittered backoff between attempts. " +
	"Transient errors are retried up to three times; see the linked PR for tests."

const goodURL = "https://github.com/acme/fetch/pull/42"

// openBounty posts and funds a bounty from the poster's balance.
func openBounty(t *testing.T, poster model.Agent, amountCents int64) model.Bounty {
	t.Helper()
	b, err := testSvc.Create(context.Background(), poster.AgentID, retryBounty(amountCents), true)
	require.NoError(t, err)
	require.Equal(t, model.BountyOpen, b.Status)
	return b
}

func TestLifecycleJudgeApprovesAndPays(t *testing.T) {
	ctx := context.Background()
	poster := newTestAgent(t, 1000)
	worker := newTestAgent(t, 0)
	platformBefore := balance(t, model.PlatformAgentID)

	b := openBounty(t, poster, 1000)
	assert.Equal(t, int64(0), balance(t, poster.AgentID), "full amount locked in escrow")

	_, err := testSvc.Claim(ctx, b.ID, worker.AgentID)
	require.NoError(t, err)

	_, err = testSvc.Submit(ctx, b.ID, worker.AgentID, goodURL, goodNotes)
	require.NoError(t, err)

	judgment, updated, err := testSvc.Judge(ctx, b.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, model.VerdictApprove, judgment.Verdict)
	assert.Equal(t, model.BountyCompleted, updated.Status)

	// 10% fee: worker nets 900, platform takes 100.
	assert.Equal(t, int64(900), balance(t, worker.AgentID))
	assert.Equal(t, platformBefore+100, balance(t, model.PlatformAgentID))

	paid, err := testDB.GetAgentByAgentID(ctx, worker.AgentID)
	require.NoError(t, err)
	assert.Equal(t, 1, paid.TasksCompleted)
	assert.Equal(t, int64(900), paid.TotalEarnedCents)
}

func TestJudgeRejectReopens(t *testing.T) {
	ctx := context.Background()
	poster := newTestAgent(t, 500)
	worker := newTestAgent(t, 0)

	b := openBounty(t, poster, 500)

	_, err := testSvc.Claim(ctx, b.ID, worker.AgentID)
	require.NoError(t, err)
	_, err = testSvc.Submit(ctx, b.ID, worker.AgentID, "https://example.com/my-work", "done")
	require.NoError(t, err)

	judgment, updated, err := testSvc.Judge(ctx, b.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, model.VerdictReject, judgment.Verdict)
	assert.Equal(t, model.BountyOpen, updated.Status)
	assert.Nil(t, updated.SubmissionURL, "submission cleared on reopen")

	// The escrow stays funded and another worker can pick it up.
	assert.Equal(t, int64(0), balance(t, worker.AgentID))
	other := newTestAgent(t, 0)
	_, err = testSvc.Claim(ctx, b.ID, other.AgentID)
	require.NoError(t, err)
}

func TestJudgeManualReviewDisputesThenRefund(t *testing.T) {
	ctx := context.Background()
	poster := newTestAgent(t, 800)
	worker := newTestAgent(t, 0)

	b := openBounty(t, poster, 800)

	_, err := testSvc.Claim(ctx, b.ID, worker.AgentID)
	require.NoError(t, err)

	// Substantive submission with a fraud marker routes to manual review.
	notes := goodNotes + " lorem ipsum"
	_, err = testSvc.Submit(ctx, b.ID, worker.AgentID, goodURL, notes)
	require.NoError(t, err)

	judgment, updated, err := testSvc.Judge(ctx, b.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, model.VerdictManualReview, judgment.Verdict)
	assert.Equal(t, model.BountyDisputed, updated.Status)

	// Operator rules against the worker: poster gets the gross back.
	resolved, err := testSvc.Resolve(ctx, b.ID, false)
	require.NoError(t, err)
	assert.Equal(t, model.BountyExpired, resolved.Status)
	assert.Equal(t, int64(800), balance(t, poster.AgentID))
	assert.Equal(t, int64(0), balance(t, worker.AgentID))
}

func TestResolvePaysWorker(t *testing.T) {
	ctx := context.Background()
	poster := newTestAgent(t, 1000)
	worker := newTestAgent(t, 0)

	b := openBounty(t, poster, 1000)
	_, err := testSvc.Claim(ctx, b.ID, worker.AgentID)
	require.NoError(t, err)
	_, err = testSvc.Submit(ctx, b.ID, worker.AgentID, goodURL, goodNotes)
	require.NoError(t, err)

	// Poster rejects; operator overrules and pays.
	disputed, err := testSvc.Reject(ctx, b.ID, poster.AgentID)
	require.NoError(t, err)
	assert.Equal(t, model.BountyDisputed, disputed.Status)

	resolved, err := testSvc.Resolve(ctx, b.ID, true)
	require.NoError(t, err)
	assert.Equal(t, model.BountyCompleted, resolved.Status)
	assert.Equal(t, int64(900), balance(t, worker.AgentID))
}

func TestPosterApprovePays(t *testing.T) {
	ctx := context.Background()
	poster := newTestAgent(t, 600)
	worker := newTestAgent(t, 0)

	b := openBounty(t, poster, 600)
	_, err := testSvc.Claim(ctx, b.ID, worker.AgentID)
	require.NoError(t, err)
	_, err = testSvc.Submit(ctx, b.ID, worker.AgentID, goodURL, goodNotes)
	require.NoError(t, err)

	updated, err := testSvc.Approve(ctx, b.ID, poster.AgentID)
	require.NoError(t, err)
	assert.Equal(t, model.BountyCompleted, updated.Status)
	assert.Equal(t, int64(540), balance(t, worker.AgentID))

	// A second approval finds nothing to complete.
	_, err = testSvc.Approve(ctx, b.ID, poster.AgentID)
	require.ErrorIs(t, err, storage.ErrInvalidTransition)
}

func TestPosterOnlyOperations(t *testing.T) {
	ctx := context.Background()
	poster := newTestAgent(t, 500)
	stranger := newTestAgent(t, 0)

	b := openBounty(t, poster, 500)

	_, err := testSvc.Cancel(ctx, b.ID, stranger.AgentID)
	require.ErrorIs(t, err, bounty.ErrNotPoster)

	_, err = testSvc.Claim(ctx, b.ID, poster.AgentID)
	require.ErrorIs(t, err, bounty.ErrSelfClaim)
}

func TestCancelOpenRefundsEscrow(t *testing.T) {
	ctx := context.Background()
	poster := newTestAgent(t, 700)

	b := openBounty(t, poster, 700)
	assert.Equal(t, int64(0), balance(t, poster.AgentID))

	updated, err := testSvc.Cancel(ctx, b.ID, poster.AgentID)
	require.NoError(t, err)
	assert.Equal(t, model.BountyCanceled, updated.Status)
	assert.Equal(t, int64(700), balance(t, poster.AgentID))
}

func TestFundRequiresBalance(t *testing.T) {
	ctx := context.Background()
	poster := newTestAgent(t, 0)

	b, err := testSvc.Create(ctx, poster.AgentID, retryBounty(500), false)
	require.NoError(t, err)

	_, err = testSvc.Fund(ctx, b.ID, poster.AgentID)
	require.ErrorIs(t, err, storage.ErrInsufficientFunds)

	draft, err := testSvc.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BountyDraft, draft.Status, "failed funding leaves the draft intact")
}

func TestExportMarkdown(t *testing.T) {
	ctx := context.Background()
	poster := newTestAgent(t, 1200)

	b := openBounty(t, poster, 1200)

	md, err := testSvc.ExportMarkdown(ctx, 50)
	require.NoError(t, err)
	assert.Contains(t, md, "# Open Bounties")
	assert.Contains(t, md, b.Title)
	assert.Contains(t, md, "$12.00")
	assert.Contains(t, md, b.ID.String())
}
