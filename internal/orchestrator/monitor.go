package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hochfrequenz/claude-tdd-orchestrator/internal/attempts"
	"github.com/hochfrequenz/claude-tdd-orchestrator/internal/domain"
	"github.com/hochfrequenz/claude-tdd-orchestrator/internal/githost"
	"github.com/hochfrequenz/claude-tdd-orchestrator/internal/prmanager"
)

// PROutcome is one PR's row in the monitor-prs result.
type PROutcome struct {
	Number           int    `json:"number"`
	Branch           string `json:"branch"`
	IssueNumber      int    `json:"issue_number,omitempty"`
	HasConflicts     bool   `json:"has_conflicts"`
	AutoMergeEnabled bool   `json:"auto_merge_enabled"`
	DuplicatesClosed []int  `json:"duplicates_closed,omitempty"`
	Error            string `json:"error,omitempty"`
}

// MonitorResult is the monitor-prs command output.
type MonitorResult struct {
	Checked   int         `json:"checked"`
	Conflicts int         `json:"conflicts"`
	Outcomes  []PROutcome `json:"outcomes,omitempty"`
}

// rateLimitFloor is the remaining-request budget below which batch
// sweeps refuse to start.
const rateLimitFloor = 25

// ensureRateBudget checks the host API budget before a batch sweep.
// A failed check is a warning, not a block; an exhausted budget is.
func (o *Orchestrator) ensureRateBudget(ctx context.Context) error {
	rl, err := o.host.CheckRateLimit(ctx)
	if err != nil {
		o.log.Warn("rate limit check failed, proceeding", "err", err)
		return nil
	}
	if rl.Remaining < rateLimitFloor {
		return fmt.Errorf("host API rate budget too low for a sweep: %d remaining, resets %s",
			rl.Remaining, rl.ResetAt.Format(time.RFC3339))
	}
	return nil
}

// MonitorPRs walks every open automation PR: conflicted PRs are
// recorded and never auto-merged, clean ones get auto-merge enabled,
// and duplicate PRs per issue are superseded. One PR's failure never
// stops the sweep.
func (o *Orchestrator) MonitorPRs(ctx context.Context) (*MonitorResult, error) {
	if err := o.ensureRateBudget(ctx); err != nil {
		return nil, err
	}
	open, err := o.host.ListPullRequests(ctx, "open", "")
	if err != nil {
		return nil, fmt.Errorf("list open PRs: %w", err)
	}

	result := &MonitorResult{}
	seenIssues := map[int]bool{}
	for _, pr := range open {
		wb, ok := domain.ParseWorkBranch(pr.Branch)
		if !ok || wb.Prefix != o.cfg.BranchPrefix || pr.Superseded() {
			continue
		}
		result.Checked++
		outcome := PROutcome{Number: pr.Number, Branch: pr.Branch, IssueNumber: wb.IssueNumber}

		if !seenIssues[wb.IssueNumber] {
			seenIssues[wb.IssueNumber] = true
			closed, err := o.prs.CloseDuplicatePRs(ctx, wb.IssueNumber)
			if err != nil {
				outcome.Error = err.Error()
				o.log.Warn("duplicate sweep failed", "issue", wb.IssueNumber, "err", err)
			}
			outcome.DuplicatesClosed = closed
		}

		// The list endpoint never reports mergeability, so each PR
		// needs its own fetch before the merge decision.
		info, err := o.prs.GetPRInfo(ctx, pr.Number)
		if err != nil {
			outcome.Error = err.Error()
			o.log.Warn("mergeability check failed", "pr", pr.Number, "err", err)
			result.Outcomes = append(result.Outcomes, outcome)
			continue
		}

		switch {
		case info.HasConflicts:
			outcome.HasConflicts = true
			result.Conflicts++
			o.log.Info("PR has conflicts, skipping auto-merge", "pr", pr.Number)
		case info.Draft:
			// drafts merge manually
		case info.Mergeable == domain.Mergeable:
			if err := o.prs.EnableAutoMerge(ctx, pr.Number); err != nil {
				outcome.Error = err.Error()
				o.log.Warn("auto-merge not enabled", "pr", pr.Number, "err", err)
			} else {
				outcome.AutoMergeEnabled = true
			}
		default:
			// UNKNOWN: the host is still computing mergeability.
			// Leave the PR alone; the next sweep decides.
			o.log.Info("mergeability not computed yet", "pr", pr.Number)
		}

		result.Outcomes = append(result.Outcomes, outcome)
	}
	return result, nil
}

// CleanupResult is the cleanup-branches command output.
type CleanupResult struct {
	Outcomes []prmanager.CleanupOutcome `json:"outcomes,omitempty"`
	Deleted  int                        `json:"deleted"`
	Failed   int                        `json:"failed"`
}

// CleanupBranches deletes aged orphan work branches.
func (o *Orchestrator) CleanupBranches(ctx context.Context) (*CleanupResult, error) {
	if err := o.ensureRateBudget(ctx); err != nil {
		return nil, err
	}
	outcomes, err := o.prs.CleanupOrphanBranches(ctx, o.cfg.OrphanBranchMinAge)
	if err != nil {
		return nil, err
	}
	result := &CleanupResult{Outcomes: outcomes}
	for _, oc := range outcomes {
		if oc.Deleted {
			result.Deleted++
		} else {
			result.Failed++
		}
	}
	return result, nil
}

// Stuck-PR reasons.
const (
	StuckStale             = "stale"
	StuckAttemptsExhausted = "attempts_exhausted"
)

// StuckPR is one finding of check-stuck-prs.
type StuckPR struct {
	Number      int       `json:"number"`
	Title       string    `json:"title"`
	Branch      string    `json:"branch"`
	IssueNumber int       `json:"issue_number,omitempty"`
	Reason      string    `json:"reason"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// StuckPRsResult is the check-stuck-prs command output.
type StuckPRsResult struct {
	Stuck []StuckPR `json:"stuck,omitempty"`
}

// CheckStuckPRs flags open automation PRs that have gone quiet past
// the stuck threshold or have no attempts left. Read-only.
func (o *Orchestrator) CheckStuckPRs(ctx context.Context) (*StuckPRsResult, error) {
	open, err := o.host.ListPullRequests(ctx, "open", "")
	if err != nil {
		return nil, fmt.Errorf("list open PRs: %w", err)
	}

	cutoff := o.now().Add(-o.cfg.StuckPRThreshold)
	result := &StuckPRsResult{}
	for _, pr := range open {
		wb, ok := domain.ParseWorkBranch(pr.Branch)
		if !ok || wb.Prefix != o.cfg.BranchPrefix || pr.Superseded() {
			continue
		}
		finding := StuckPR{
			Number: pr.Number, Title: pr.Title,
			Branch: pr.Branch, IssueNumber: wb.IssueNumber,
			UpdatedAt: pr.UpdatedAt,
		}
		if attempt, err := attempts.ParseAttempt(pr.Title); err == nil && attempt.Current >= attempt.Max {
			finding.Reason = StuckAttemptsExhausted
		} else if !pr.UpdatedAt.IsZero() && pr.UpdatedAt.Before(cutoff) {
			finding.Reason = StuckStale
		} else {
			continue
		}
		result.Stuck = append(result.Stuck, finding)
	}
	sort.Slice(result.Stuck, func(i, j int) bool { return result.Stuck[i].Number < result.Stuck[j].Number })
	return result, nil
}

// RunHealthCheck adapts HealthCheck for watch mode.
func (o *Orchestrator) RunHealthCheck(ctx context.Context) error {
	_, err := o.HealthCheck(ctx)
	return err
}

// RunPRMonitor adapts MonitorPRs for watch mode.
func (o *Orchestrator) RunPRMonitor(ctx context.Context) error {
	_, err := o.MonitorPRs(ctx)
	return err
}

// RunBranchCleanup adapts CleanupBranches for watch mode.
func (o *Orchestrator) RunBranchCleanup(ctx context.Context) error {
	_, err := o.CleanupBranches(ctx)
	return err
}

// Recovery is one issue's row in the recover-stuck result.
type Recovery struct {
	IssueNumber int    `json:"issue_number"`
	Recovered   bool   `json:"recovered"`
	SkipReason  string `json:"skip_reason,omitempty"`
	Error       string `json:"error,omitempty"`
}

// RecoverResult is the recover-stuck command output.
type RecoverResult struct {
	Examined   int        `json:"examined"`
	Recovered  int        `json:"recovered"`
	Recoveries []Recovery `json:"recoveries,omitempty"`
}

// RecoverStuck re-queues issues marked in-progress that nothing is
// actually working on: no live worker run mentions them and no open PR
// carries their branch. The in-progress to queued edge is outside the
// normal transition table, so recovery always forces it. With force,
// the live-run and open-PR safety checks are skipped too.
func (o *Orchestrator) RecoverStuck(ctx context.Context, force bool) (*RecoverResult, error) {
	label := o.state.StateLabel(domain.StateInProgress)
	issues, err := o.host.ListIssuesByLabel(ctx, label, "open")
	if err != nil {
		return nil, fmt.Errorf("list in-progress issues: %w", err)
	}

	result := &RecoverResult{}
	for _, issue := range issues {
		result.Examined++
		recovery := Recovery{IssueNumber: issue.Number}

		if !force {
			skip, err := o.recoverySkipReason(ctx, issue.Number)
			if err != nil {
				recovery.Error = err.Error()
				result.Recoveries = append(result.Recoveries, recovery)
				continue
			}
			if skip != "" {
				recovery.SkipReason = skip
				result.Recoveries = append(result.Recoveries, recovery)
				continue
			}
		}

		if _, err := o.state.ForceTransitionTo(ctx, issue.Number, domain.StateQueued); err != nil {
			recovery.Error = err.Error()
		} else {
			recovery.Recovered = true
			result.Recovered++
			o.log.Info("recovered stuck issue", "issue", issue.Number)
		}
		result.Recoveries = append(result.Recoveries, recovery)
	}
	return result, nil
}

// recoverySkipReason reports why an in-progress issue is not stuck:
// a live worker run mentions it, or an open PR carries its branch.
func (o *Orchestrator) recoverySkipReason(ctx context.Context, issueNumber int) (string, error) {
	for _, status := range []domain.RunStatus{domain.RunQueued, domain.RunInProgress} {
		runs, err := o.host.ListWorkflowRuns(ctx, githost.RunFilter{
			Workflow: o.cfg.WorkerWorkflow,
			Status:   string(status),
		})
		if err != nil {
			return "", fmt.Errorf("list %s worker runs: %w", status, err)
		}
		threshold := o.cfg.StaleRunThreshold
		for _, run := range runs {
			if threshold > 0 && run.StaleSince(o.now(), threshold) {
				continue
			}
			if runMentionsIssue(run, issueNumber, o.cfg.BranchPrefix) {
				return "active_worker_run", nil
			}
		}
	}

	open, err := o.host.ListPullRequests(ctx, "open", "")
	if err != nil {
		return "", fmt.Errorf("list open PRs: %w", err)
	}
	for _, pr := range open {
		if wb, ok := domain.ParseWorkBranch(pr.Branch); ok && wb.IssueNumber == issueNumber {
			return "open_pr", nil
		}
	}
	return "", nil
}

func runMentionsIssue(run domain.WorkflowRun, issueNumber int, branchPrefix string) bool {
	if wb, ok := domain.ParseWorkBranch(run.Branch); ok && wb.Prefix == branchPrefix && wb.IssueNumber == issueNumber {
		return true
	}
	needle := fmt.Sprintf("#%d", issueNumber)
	return run.Title != "" && containsToken(run.Title, needle)
}

// containsToken reports whether s contains needle not followed by
// another digit, so "#12" does not match inside "#123".
func containsToken(s, needle string) bool {
	for i := 0; i+len(needle) <= len(s); i++ {
		if s[i:i+len(needle)] != needle {
			continue
		}
		end := i + len(needle)
		if end == len(s) || s[end] < '0' || s[end] > '9' {
			return true
		}
	}
	return false
}
