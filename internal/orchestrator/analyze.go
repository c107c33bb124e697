package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/hochfrequenz/claude-tdd-orchestrator/internal/attempts"
	"github.com/hochfrequenz/claude-tdd-orchestrator/internal/classify"
	"github.com/hochfrequenz/claude-tdd-orchestrator/internal/domain"
	"github.com/hochfrequenz/claude-tdd-orchestrator/internal/notify"
)

// AnalyzeInput identifies the finished worker run to act on.
type AnalyzeInput struct {
	IssueNumber int
	PRNumber    int   // 0 when the worker never opened a PR
	RunID       int64 // 0 when no logs are available
	Conclusion  domain.RunConclusion
}

// AnalyzeOutcome is the analyze-result command output.
type AnalyzeOutcome struct {
	IssueNumber int                    `json:"issue_number"`
	Success     bool                   `json:"success"`
	Category    domain.FailureCategory `json:"category,omitempty"`
	Crash       bool                   `json:"crash,omitempty"`
	Failure     *FailureOutcome        `json:"failure,omitempty"`
}

// AnalyzeResult settles an issue after its worker run finished. A
// successful run completes the issue; a failed run is classified (a
// crash signature forces infra) and handed to the failure path.
func (o *Orchestrator) AnalyzeResult(ctx context.Context, in AnalyzeInput) (*AnalyzeOutcome, error) {
	outcome := &AnalyzeOutcome{IssueNumber: in.IssueNumber}

	if in.Conclusion == domain.ConclusionSuccess {
		if _, err := o.state.TransitionTo(ctx, in.IssueNumber, domain.StateCompleted); err != nil {
			return nil, err
		}
		if err := o.state.ClearFailureType(ctx, in.IssueNumber); err != nil {
			o.log.Warn("failure type not cleared", "issue", in.IssueNumber, "err", err)
		}
		outcome.Success = true
		return outcome, nil
	}

	category := domain.FailureInfra
	if in.RunID != 0 {
		classification, crash, err := o.classifyRun(ctx, in.RunID)
		if err != nil {
			// no logs, no verdict; infra is the safe category because
			// it burns the transient budget
			o.log.Warn("run logs unavailable, classifying as infra", "run", in.RunID, "err", err)
		} else {
			category = classification.Category
			outcome.Crash = crash
			if crash {
				category = domain.FailureInfra
			}
		}
	}
	outcome.Category = category

	failure, err := o.HandleFailure(ctx, in.IssueNumber, in.PRNumber, category)
	if err != nil {
		return nil, err
	}
	outcome.Failure = failure
	return outcome, nil
}

// FailureOutcome is the handle-failure command output.
type FailureOutcome struct {
	IssueNumber int                    `json:"issue_number"`
	Category    domain.FailureCategory `json:"category"`
	RetryCount  int                    `json:"retry_count"`
	NewState    domain.SpecState       `json:"new_state"`
	Escalated   bool                   `json:"escalated"`
}

// HandleFailure consumes one retry from the category's budget and
// routes the issue onward: back to queued while budget remains, to
// manual intervention at either ceiling (state retries or PR
// attempts).
func (o *Orchestrator) HandleFailure(ctx context.Context, issueNumber, prNumber int, category domain.FailureCategory) (*FailureOutcome, error) {
	outcome := &FailureOutcome{IssueNumber: issueNumber, Category: category}

	if err := o.state.SetFailureType(ctx, issueNumber, category); err != nil {
		return nil, err
	}
	count, err := o.state.IncrementRetry(ctx, issueNumber, category)
	if err != nil {
		return nil, err
	}
	outcome.RetryCount = count

	retryState := domain.StateRetrySpec
	if category == domain.FailureInfra {
		retryState = domain.StateRetryInfra
	}
	if _, err := o.state.TransitionTo(ctx, issueNumber, retryState); err != nil {
		return nil, err
	}

	escalate := false
	var specID string
	maxed, err := o.state.HasMaxRetriesFor(ctx, issueNumber, category)
	if err != nil {
		return nil, err
	}
	if maxed {
		escalate = true
	}

	if prNumber > 0 {
		result, err := o.tracker.IncrementAttempt(ctx, prNumber)
		var reached *domain.MaxAttemptsReachedError
		switch {
		case errors.As(err, &reached):
			escalate = true
			specID = reached.SpecID
		case err != nil:
			return nil, err
		default:
			o.log.Info("attempt recorded", "pr", prNumber, "attempt", result.NewAttempt, "max", result.Max)
		}
	}

	target := domain.StateQueued
	if escalate {
		target = domain.StateManualIntervention
	}
	if _, err := o.state.TransitionTo(ctx, issueNumber, target); err != nil {
		return nil, err
	}
	outcome.NewState = target
	outcome.Escalated = escalate

	if escalate {
		body := fmt.Sprintf(
			"Retry budget for the %s category is exhausted after %d retries. Escalating for manual review.",
			category, count)
		if err := o.host.AddComment(ctx, issueNumber, body); err != nil {
			o.log.Warn("escalation comment not posted", "issue", issueNumber, "err", err)
		}
		n := notify.ManualIntervention(specID, issueNumber, prNumber, o.state.MaxRetries())
		if err := o.notify.Send(n); err != nil {
			o.log.Warn("escalation alert not delivered", "issue", issueNumber, "err", err)
		}
	}
	return outcome, nil
}

// Classification is the classify-failures / detect-sdk-crash output.
type Classification struct {
	RunID          int64                  `json:"run_id"`
	Category       domain.FailureCategory `json:"category"`
	MatchedRules   []string               `json:"matched_rules,omitempty"`
	Crash          bool                   `json:"crash"`
	CrashSignature string                 `json:"crash_signature,omitempty"`
}

// ClassifyFailures classifies one run's logs without mutating host
// state.
func (o *Orchestrator) ClassifyFailures(ctx context.Context, runID int64) (*Classification, error) {
	logs, err := o.host.GetRunLogs(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("logs of run %d: %w", runID, err)
	}
	result := o.rules.Classify(logs)
	c := &Classification{
		RunID:        runID,
		Category:     result.Category,
		MatchedRules: result.MatchedRules,
	}
	if crashed, sig := classify.DetectCrash(logs); crashed {
		c.Crash = true
		c.CrashSignature = sig
		c.Category = domain.FailureInfra
	}
	return c, nil
}

// DetectSDKCrash reports only the crash verdict for one run.
func (o *Orchestrator) DetectSDKCrash(ctx context.Context, runID int64) (*Classification, error) {
	logs, err := o.host.GetRunLogs(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("logs of run %d: %w", runID, err)
	}
	c := &Classification{RunID: runID}
	if crashed, sig := classify.DetectCrash(logs); crashed {
		c.Crash = true
		c.CrashSignature = sig
		c.Category = domain.FailureInfra
	}
	return c, nil
}

func (o *Orchestrator) classifyRun(ctx context.Context, runID int64) (*classify.Result, bool, error) {
	logs, err := o.host.GetRunLogs(ctx, runID)
	if err != nil {
		return nil, false, err
	}
	crashed, _ := classify.DetectCrash(logs)
	return o.rules.Classify(logs), crashed, nil
}

// TDDPRInfo is the detect-tdd-pr command output.
type TDDPRInfo struct {
	Exists      bool   `json:"exists"`
	Number      int    `json:"number,omitempty"`
	Branch      string `json:"branch,omitempty"`
	IssueNumber int    `json:"issue_number,omitempty"`
	Title       string `json:"title,omitempty"`
}

// DetectTDDPR reports the currently active automation PR, if any.
func (o *Orchestrator) DetectTDDPR(ctx context.Context) (*TDDPRInfo, error) {
	pr, err := o.prs.FindActiveTDDPR(ctx)
	if err != nil {
		return nil, err
	}
	if pr == nil {
		return &TDDPRInfo{}, nil
	}
	info := &TDDPRInfo{Exists: true, Number: pr.Number, Branch: pr.Branch, Title: pr.Title}
	if wb, ok := domain.ParseWorkBranch(pr.Branch); ok {
		info.IssueNumber = wb.IssueNumber
	}
	return info, nil
}

// ChangeTypeResult is the detect-change-type command output.
type ChangeTypeResult struct {
	Type          domain.ChangeType         `json:"type"`
	ShouldTrigger bool                      `json:"should_trigger"`
	Counts        map[domain.ChangeType]int `json:"counts"`
}

// DetectChangeType classifies changed files and decides whether the
// push warrants a pipeline trigger. Docs-only pushes never trigger.
func DetectChangeType(files []string) *ChangeTypeResult {
	counts := map[domain.ChangeType]int{}
	for _, f := range files {
		counts[classifyFile(f)]++
	}

	result := &ChangeTypeResult{Counts: counts}
	switch {
	case len(files) == 0:
		result.Type = domain.ChangeDocs
	case len(counts) == 1:
		for t := range counts {
			result.Type = t
		}
	default:
		result.Type = domain.ChangeMixed
	}
	result.ShouldTrigger = result.Type != domain.ChangeDocs
	return result
}

func classifyFile(file string) domain.ChangeType {
	normalized := strings.ToLower(strings.ReplaceAll(file, "\\", "/"))
	base := path.Base(normalized)
	switch {
	case strings.HasPrefix(normalized, "docs/") || strings.HasSuffix(base, ".md") ||
		strings.HasSuffix(base, ".rst") || base == "license":
		return domain.ChangeDocs
	case strings.HasPrefix(normalized, ".github/") || base == "dockerfile" ||
		base == "makefile" || strings.HasSuffix(base, ".yml") || strings.HasSuffix(base, ".yaml") ||
		base == "go.mod" || base == "go.sum" || base == "package.json" || base == "package-lock.json":
		return domain.ChangeInfra
	case strings.Contains(base, "_test.") || strings.Contains(base, ".test.") ||
		strings.Contains(base, ".spec.") || strings.Contains(normalized, "/test/") ||
		strings.Contains(normalized, "/tests/"):
		return domain.ChangeTest
	default:
		return domain.ChangeCode
	}
}

// BranchCheck is the verify-branch command output.
type BranchCheck struct {
	Branch      string `json:"branch"`
	Valid       bool   `json:"valid"`
	IssueNumber int    `json:"issue_number,omitempty"`
	SpecID      string `json:"spec_id,omitempty"`
	Suffix      string `json:"suffix,omitempty"`
}

// VerifyBranch validates a branch against the work-branch convention
// and resolves its spec id from the tracking issue.
func (o *Orchestrator) VerifyBranch(ctx context.Context, branch string) (*BranchCheck, error) {
	check := &BranchCheck{Branch: domain.NormalizeBranchRef(branch)}
	wb, ok := domain.ParseWorkBranch(check.Branch)
	if !ok || wb.Prefix != o.cfg.BranchPrefix {
		return check, nil
	}
	check.Valid = true
	check.IssueNumber = wb.IssueNumber
	check.Suffix = wb.Suffix

	issue, err := o.host.GetIssue(ctx, wb.IssueNumber)
	if err != nil {
		return nil, fmt.Errorf("issue #%d for branch %s: %w", wb.IssueNumber, branch, err)
	}
	check.SpecID = domain.SpecIDFromTitle(issue.Title)
	return check, nil
}

// WorkContext is the extract-context command output, the identifiers
// downstream worker prompts need.
type WorkContext struct {
	Branch      string `json:"branch"`
	IssueNumber int    `json:"issue_number,omitempty"`
	SpecID      string `json:"spec_id,omitempty"`
	Attempt     int    `json:"attempt,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
}

// ExtractContext derives spec id, issue number, and attempt from a
// branch and PR. With a PR number the title comes from the host,
// otherwise the given title is used as-is.
func (o *Orchestrator) ExtractContext(ctx context.Context, branch, prTitle string, prNumber int) (*WorkContext, error) {
	wc := &WorkContext{Branch: domain.NormalizeBranchRef(branch)}
	if wb, ok := domain.ParseWorkBranch(wc.Branch); ok {
		wc.IssueNumber = wb.IssueNumber
	}

	title := prTitle
	if prNumber > 0 {
		pr, err := o.host.GetPullRequest(ctx, prNumber)
		if err != nil {
			return nil, fmt.Errorf("get PR #%d: %w", prNumber, err)
		}
		title = pr.Title
	}

	wc.SpecID = domain.SpecIDFromTitle(title)
	if wc.SpecID == "" && wc.IssueNumber > 0 {
		issue, err := o.host.GetIssue(ctx, wc.IssueNumber)
		if err == nil {
			wc.SpecID = domain.SpecIDFromTitle(issue.Title)
		}
	}
	if attempt, err := attempts.ParseAttempt(title); err == nil {
		wc.Attempt = attempt.Current
		wc.MaxAttempts = attempt.Max
	}
	return wc, nil
}
