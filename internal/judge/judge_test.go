package judge

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/takara/internal/model"
)

func testBounty(amountCents int64) model.Bounty {
	return model.Bounty{
		Title:       "add retry logic to the fetch client",
		AmountCents: amountCents,
		Criteria:    []string{"retry on transient errors", "backoff between attempts"},
	}
}

func goodInput() Input {
	return Input{
		Bounty: testBounty(2000),
		URL:    "https://github.com/acme/fetch/pull/42",
		Notes: "Implemented retry with jittered backoff between attempts. " +
			"Transient errors are retried up to three times; see the linked PR for tests.",
		Claimant: model.Agent{Reputation: 5, TasksCompleted: 3},
	}
}

func TestEvaluateApprovesGoodSubmission(t *testing.T) {
	j := New(Config{})
	judgment := j.Evaluate(goodInput())

	assert.Equal(t, model.VerdictApprove, judgment.Verdict)
	assert.Equal(t, 100, judgment.Score)
	for _, c := range judgment.Checks {
		assert.True(t, c.Passed, "check %s should pass: %s", c.Name, c.Detail)
	}
}

func TestEvaluateRejectsPlaceholderURL(t *testing.T) {
	j := New(Config{})
	judgment := j.Evaluate(Input{
		Bounty:   testBounty(300),
		URL:      "https://example.com/my-work",
		Notes:    "done",
		Claimant: model.Agent{},
	})

	assert.Equal(t, model.VerdictReject, judgment.Verdict)
	for _, c := range judgment.Checks {
		if c.Name == "submission_exists" {
			assert.False(t, c.Passed)
		}
	}
}

func TestEvaluateRejectsEmptyURL(t *testing.T) {
	j := New(Config{})
	judgment := j.Evaluate(Input{
		Bounty:   testBounty(2000),
		Claimant: model.Agent{},
	})
	assert.Equal(t, model.VerdictReject, judgment.Verdict)
}

func TestEvaluateFraudSignals(t *testing.T) {
	tests := []struct {
		name  string
		url   string
		notes string
	}{
		{"loopback url", "http://localhost:8080/result", "retry backoff implemented with full test coverage as requested"},
		{"lorem ipsum", "https://github.com/acme/fetch/pull/42", "lorem ipsum dolor sit amet retry backoff transient errors attempts"},
		{"todo marker", "https://github.com/acme/fetch/pull/42", "TODO: finish the retry backoff for transient errors between attempts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := New(Config{})
			judgment := j.Evaluate(Input{
				Bounty:   testBounty(2000),
				URL:      tt.url,
				Notes:    tt.notes,
				Claimant: model.Agent{Reputation: 5, TasksCompleted: 3},
			})
			var fraud model.CheckResult
			for _, c := range judgment.Checks {
				if c.Name == "fraud_signals" {
					fraud = c
				}
			}
			assert.False(t, fraud.Passed, "fraud check should fail: %s", fraud.Detail)
			assert.NotEqual(t, model.VerdictApprove, judgment.Verdict)
		})
	}
}

func TestEvaluateNegativeReputationFails(t *testing.T) {
	j := New(Config{})
	in := goodInput()
	in.Claimant = model.Agent{Reputation: -2, TasksCompleted: 4}

	judgment := j.Evaluate(in)
	for _, c := range judgment.Checks {
		if c.Name == "reputation" {
			assert.False(t, c.Passed)
		}
	}
	assert.Equal(t, 85, judgment.Score)
}

func TestEvaluateLowValueLeniency(t *testing.T) {
	j := New(Config{})

	// Notes cover no criteria keywords at all.
	in := Input{
		Bounty:   testBounty(300),
		URL:      "https://gist.github.com/worker/abc123",
		Notes:    "Uploaded the result file here, fifty-plus characters of description text.",
		Claimant: model.Agent{},
	}
	judgment := j.Evaluate(in)
	for _, c := range judgment.Checks {
		if c.Name == "criteria_coverage" {
			assert.True(t, c.Passed, "low-value bounty gets lenient criteria treatment")
		}
	}

	// The same submission on a high-value bounty fails coverage.
	in.Bounty = testBounty(2000)
	judgment = j.Evaluate(in)
	for _, c := range judgment.Checks {
		if c.Name == "criteria_coverage" {
			assert.False(t, c.Passed)
		}
	}
}

func TestEvaluateVerifiedBattery(t *testing.T) {
	j := New(Config{})
	in := goodInput()
	in.Verified = &VerifiedChange{Merged: true, ChecksPassed: true, Additions: 40, Deletions: 5}

	judgment := j.Evaluate(in)
	require.Len(t, judgment.Checks, 8)
	assert.Equal(t, model.VerdictApprove, judgment.Verdict)
	assert.Equal(t, 100, judgment.Score)
}

func TestMergedOverrideGatedByFraud(t *testing.T) {
	j := New(Config{})

	// Merged change request with fraud signals must not auto-approve.
	in := goodInput()
	in.Notes = "lorem ipsum " + strings.Repeat("filler ", 10)
	in.Verified = &VerifiedChange{Merged: true, ChecksPassed: true, Additions: 40, Deletions: 5}

	judgment := j.Evaluate(in)
	assert.Equal(t, model.VerdictManualReview, judgment.Verdict)

	// Without the fraud signal the merge carries the approval even when the
	// base score alone would not.
	in = goodInput()
	in.Notes = "short"
	in.Claimant = model.Agent{}
	in.Verified = &VerifiedChange{Merged: true, ChecksPassed: false, Additions: 1, Deletions: 0}

	judgment = j.Evaluate(in)
	assert.Equal(t, model.VerdictApprove, judgment.Verdict)
}

func TestScoreRoundsToNearest(t *testing.T) {
	j := New(Config{})

	// All five base checks pass (weight 100) while the verified battery
	// fails outright (weight 55): 100*100/155 is 64.5, which rounds up.
	in := goodInput()
	in.Verified = &VerifiedChange{Merged: false, ChecksPassed: false, Additions: 1, Deletions: 0}

	judgment := j.Evaluate(in)
	require.Len(t, judgment.Checks, 8)
	assert.Equal(t, 65, judgment.Score, "score rounds to nearest, not down")
	assert.Equal(t, model.VerdictManualReview, judgment.Verdict)
}

func TestScoreMonotonicInPassedWeight(t *testing.T) {
	j := New(Config{})

	// Flip individual inputs from passing to failing; the score must never rise.
	base := j.Evaluate(goodInput()).Score

	degraded := goodInput()
	degraded.Notes = "short"
	assert.LessOrEqual(t, j.Evaluate(degraded).Score, base)

	degraded = goodInput()
	degraded.Claimant.Reputation = -1
	assert.LessOrEqual(t, j.Evaluate(degraded).Score, base)

	degraded = goodInput()
	degraded.URL = "http://127.0.0.1/result"
	assert.LessOrEqual(t, j.Evaluate(degraded).Score, base)
}
