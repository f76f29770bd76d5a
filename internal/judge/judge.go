// Package judge evaluates bounty submissions with a weighted checklist.
// Each check contributes its weight when it passes; the score is
// 100 * passed / total, rounded to the nearest point. Thresholds map the
// score to approve, reject, or manual review.
package judge

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ashita-ai/takara/internal/model"
)

// placeholderDomains never host real work. A submission pointing at one
// fails the existence check outright.
var placeholderDomains = map[string]bool{
	"example.com": true,
	"example.org": true,
	"example.net": true,
	"test.com":    true,
	"foo.com":     true,
	"placeholder": true,
}

// fraudMarkers are content signals of a non-genuine submission.
var fraudMarkers = []string{
	"lorem ipsum",
	"todo:",
	"fixme:",
	"xxx:",
}

// loopbackHosts in a submission URL point at the worker's own machine.
var loopbackHosts = []string{
	"localhost",
	"127.0.0.1",
	"0.0.0.0",
	"::1",
}

// changeRequestPaths mark a URL as a reviewable change request.
var changeRequestPaths = []string{
	"/pull/",
	"/merge_requests/",
	"/pulls/",
}

// Input is everything one evaluation sees.
type Input struct {
	Bounty   model.Bounty
	URL      string
	Notes    string
	Claimant model.Agent
	// Verified carries externally confirmed change-request signals.
	// Nil means no external verification was available.
	Verified *VerifiedChange
}

// VerifiedChange is the externally verified state of a linked change request.
type VerifiedChange struct {
	Merged       bool
	ChecksPassed bool
	Additions    int
	Deletions    int
}

// Check is one named, weighted predicate. Checks are independent: each sees
// the full input and reports pass/fail with a human-readable detail.
type Check struct {
	Name   string
	Weight int
	Run    func(j *Judge, in Input) (bool, string)
}

// Config holds evaluation policy.
type Config struct {
	ApproveThreshold int   // score at or above approves; default 70
	RejectThreshold  int   // score below rejects; default 30
	LowValueCents    int64 // bounties below this get a lenient criteria check; default 500
}

// Judge runs the check batteries.
type Judge struct {
	cfg Config
}

// New creates a Judge, applying policy defaults.
func New(cfg Config) *Judge {
	if cfg.ApproveThreshold <= 0 {
		cfg.ApproveThreshold = 70
	}
	if cfg.RejectThreshold <= 0 {
		cfg.RejectThreshold = 30
	}
	if cfg.LowValueCents <= 0 {
		cfg.LowValueCents = 500
	}
	return &Judge{cfg: cfg}
}

// baseChecks run on every submission.
var baseChecks = []Check{
	{Name: "submission_exists", Weight: 25, Run: (*Judge).checkSubmissionExists},
	{Name: "quality", Weight: 20, Run: (*Judge).checkQuality},
	{Name: "criteria_coverage", Weight: 20, Run: (*Judge).checkCriteriaCoverage},
	{Name: "fraud_signals", Weight: 20, Run: (*Judge).checkFraudSignals},
	{Name: "reputation", Weight: 15, Run: (*Judge).checkReputation},
}

// verifiedChecks run only when external change-request signals are present.
var verifiedChecks = []Check{
	{Name: "change_merged", Weight: 30, Run: (*Judge).checkMerged},
	{Name: "diff_volume", Weight: 10, Run: (*Judge).checkDiffVolume},
	{Name: "ci_checks_passed", Weight: 15, Run: (*Judge).checkCIPassed},
}

// Evaluate runs the applicable battery and maps the score to a verdict.
//
// A confirmed merge is a strong approval signal, but it does not bypass the
// fraud check: a merged submission that still trips fraud signals routes to
// manual review rather than auto-approving.
func (j *Judge) Evaluate(in Input) model.Judgment {
	checks := baseChecks
	if in.Verified != nil {
		checks = append(append([]Check{}, baseChecks...), verifiedChecks...)
	}

	results := make([]model.CheckResult, 0, len(checks))
	var passedWeight, totalWeight int
	fraudPassed, existsPassed := true, true
	for _, c := range checks {
		passed, detail := c.Run(j, in)
		results = append(results, model.CheckResult{
			Name:   c.Name,
			Passed: passed,
			Weight: c.Weight,
			Detail: detail,
		})
		totalWeight += c.Weight
		if passed {
			passedWeight += c.Weight
		}
		switch c.Name {
		case "fraud_signals":
			fraudPassed = fraudPassed && passed
		case "submission_exists":
			existsPassed = passed
		}
	}

	// Rounded to the nearest point so a borderline submission is not pushed
	// under a threshold by truncation.
	score := (100*passedWeight + totalWeight/2) / totalWeight

	verdict := model.VerdictManualReview
	switch {
	case !existsPassed:
		// A submission that does not exist has nothing to review.
		verdict = model.VerdictReject
	case in.Verified != nil && in.Verified.Merged:
		if fraudPassed {
			verdict = model.VerdictApprove
		}
	case score >= j.cfg.ApproveThreshold:
		// Fraud signals always demand a human look, whatever the score.
		if fraudPassed {
			verdict = model.VerdictApprove
		}
	case score < j.cfg.RejectThreshold:
		verdict = model.VerdictReject
	}

	return model.Judgment{
		Checks:      results,
		Score:       score,
		Verdict:     verdict,
		EvaluatedAt: time.Now().UTC(),
	}
}

// checkSubmissionExists requires a parseable, non-placeholder URL.
func (j *Judge) checkSubmissionExists(in Input) (bool, string) {
	raw := strings.TrimSpace(in.URL)
	if raw == "" {
		return false, "no submission URL"
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false, fmt.Sprintf("unparseable URL %q", raw)
	}
	host := strings.ToLower(u.Hostname())
	for domain := range placeholderDomains {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return false, "placeholder domain " + host
		}
	}
	return true, "URL present"
}

// checkQuality rewards substantive notes, a change-request link, or notes
// that reference the bounty by title.
func (j *Judge) checkQuality(in Input) (bool, string) {
	notes := strings.TrimSpace(in.Notes)
	if len(notes) > 50 {
		return true, "substantive notes"
	}
	lower := strings.ToLower(in.URL)
	for _, p := range changeRequestPaths {
		if strings.Contains(lower, p) {
			return true, "change request linked"
		}
	}
	if title := strings.ToLower(strings.TrimSpace(in.Bounty.Title)); title != "" &&
		strings.Contains(strings.ToLower(notes), title) {
		return true, "notes reference bounty title"
	}
	return false, "thin submission"
}

// checkCriteriaCoverage matches the leading keywords of each acceptance
// criterion against the submission text. Low-value bounties pass leniently:
// trivial work is hard to verify by keywords and not worth rejecting.
func (j *Judge) checkCriteriaCoverage(in Input) (bool, string) {
	if in.Bounty.AmountCents < j.cfg.LowValueCents {
		return true, "low-value bounty, lenient"
	}
	if len(in.Bounty.Criteria) == 0 {
		return true, "no criteria to cover"
	}

	haystack := strings.ToLower(in.Notes + " " + in.URL)
	matched := 0
	for _, criterion := range in.Bounty.Criteria {
		words := strings.Fields(strings.ToLower(criterion))
		if len(words) > 3 {
			words = words[:3]
		}
		for _, w := range words {
			if len(w) >= 4 && strings.Contains(haystack, w) {
				matched++
				break
			}
		}
	}

	ratio := float64(matched) / float64(len(in.Bounty.Criteria))
	if ratio >= 0.5 {
		return true, fmt.Sprintf("%d/%d criteria referenced", matched, len(in.Bounty.Criteria))
	}
	return false, fmt.Sprintf("only %d/%d criteria referenced", matched, len(in.Bounty.Criteria))
}

// checkFraudSignals fails on loopback hosts and boilerplate content markers.
func (j *Judge) checkFraudSignals(in Input) (bool, string) {
	lowerURL := strings.ToLower(in.URL)
	for _, host := range loopbackHosts {
		if strings.Contains(lowerURL, host) {
			return false, "loopback host in URL"
		}
	}
	lowerNotes := strings.ToLower(in.Notes)
	for _, marker := range fraudMarkers {
		if strings.Contains(lowerNotes, marker) {
			return false, "content marker " + strings.TrimSuffix(marker, ":")
		}
	}
	return true, "no fraud signals"
}

// checkReputation gives new claimants neutral treatment and fails claimants
// who have gone negative.
func (j *Judge) checkReputation(in Input) (bool, string) {
	if in.Claimant.Reputation < 0 {
		return false, fmt.Sprintf("negative reputation %d", in.Claimant.Reputation)
	}
	if in.Claimant.TasksCompleted == 0 {
		return true, "new claimant, neutral"
	}
	return true, fmt.Sprintf("reputation %d over %d tasks", in.Claimant.Reputation, in.Claimant.TasksCompleted)
}

func (j *Judge) checkMerged(in Input) (bool, string) {
	if in.Verified.Merged {
		return true, "change request merged"
	}
	return false, "change request not merged"
}

// checkDiffVolume rejects empty or near-empty diffs.
func (j *Judge) checkDiffVolume(in Input) (bool, string) {
	total := in.Verified.Additions + in.Verified.Deletions
	if total >= 3 {
		return true, fmt.Sprintf("%d lines changed", total)
	}
	return false, fmt.Sprintf("only %d lines changed", total)
}

func (j *Judge) checkCIPassed(in Input) (bool, string) {
	if in.Verified.ChecksPassed {
		return true, "CI checks passed"
	}
	return false, "CI checks not passing"
}
