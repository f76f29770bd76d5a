package model

import "time"

// Verdict is the outcome of an automated evaluation.
type Verdict string

const (
	VerdictApprove      Verdict = "approve"
	VerdictReject       Verdict = "reject"
	VerdictManualReview Verdict = "manual_review"
)

// CheckResult is one named check in a judgment.
type CheckResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Weight int    `json:"weight"`
	Detail string `json:"detail"`
}

// Judgment is produced fresh on each evaluation and never mutated; a
// re-evaluation with new evidence (e.g. a merge landing) replaces it.
// Score = 100 × (passed weight) / (total weight), in [0,100].
type Judgment struct {
	Checks      []CheckResult `json:"checks"`
	Score       int           `json:"score"`
	Verdict     Verdict       `json:"verdict"`
	EvaluatedAt time.Time     `json:"evaluated_at"`
}
