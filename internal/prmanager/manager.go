// Package prmanager manages the lifecycle of automation pull requests:
// conflict detection, auto-merge, duplicate supersession, orphan branch
// cleanup, and the serial-processing invariant that at most one open
// automation PR exists at a time.
package prmanager

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hochfrequenz/claude-tdd-orchestrator/internal/domain"
)

// HostAPI is the slice of the host client the manager needs.
type HostAPI interface {
	GetPullRequest(ctx context.Context, number int) (*domain.PullRequest, error)
	ListPullRequests(ctx context.Context, state, branch string) ([]domain.PullRequest, error)
	EnableAutoMerge(ctx context.Context, number int) error
	ClosePullRequest(ctx context.Context, number int) error
	AddLabels(ctx context.Context, number int, labels []string) error
	AddComment(ctx context.Context, number int, body string) error
	ListBranches(ctx context.Context) ([]domain.Branch, error)
	DeleteBranch(ctx context.Context, name string) error
}

// Manager drives PR lifecycle decisions against the host.
type Manager struct {
	host         HostAPI
	branchPrefix string
	now          func() time.Time
}

func New(host HostAPI, branchPrefix string) *Manager {
	return &Manager{host: host, branchPrefix: branchPrefix, now: time.Now}
}

// WithClock overrides the time source for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// PRInfo is the conflict and merge view of one pull request.
type PRInfo struct {
	Number       int                   `json:"number"`
	Title        string                `json:"title"`
	Branch       string                `json:"branch"`
	Mergeable    domain.MergeableState `json:"mergeable"`
	HasConflicts bool                  `json:"has_conflicts"`
	AutoMerge    bool                  `json:"auto_merge"`
	Draft        bool                  `json:"draft"`
	LinkedIssues []int                 `json:"linked_issues,omitempty"`
}

// GetPRInfo fetches the merge-relevant view of a pull request.
func (m *Manager) GetPRInfo(ctx context.Context, number int) (*PRInfo, error) {
	pr, err := m.host.GetPullRequest(ctx, number)
	if err != nil {
		return nil, fmt.Errorf("get PR #%d: %w", number, err)
	}
	return &PRInfo{
		Number:       pr.Number,
		Title:        pr.Title,
		Branch:       pr.Branch,
		Mergeable:    pr.Mergeable,
		HasConflicts: pr.Mergeable == domain.Conflicting,
		AutoMerge:    pr.AutoMerge,
		Draft:        pr.Draft,
		LinkedIssues: pr.LinkedIssues,
	}, nil
}

// HasConflicts reports whether the host marks the PR as unmergeable.
// UNKNOWN is not a conflict: the host may still be computing.
func (m *Manager) HasConflicts(ctx context.Context, number int) (bool, error) {
	pr, err := m.host.GetPullRequest(ctx, number)
	if err != nil {
		return false, fmt.Errorf("get PR #%d: %w", number, err)
	}
	return pr.Mergeable == domain.Conflicting, nil
}

// EnableAutoMerge turns on auto-merge, no-op when already enabled.
func (m *Manager) EnableAutoMerge(ctx context.Context, number int) error {
	pr, err := m.host.GetPullRequest(ctx, number)
	if err != nil {
		return fmt.Errorf("get PR #%d: %w", number, err)
	}
	if pr.AutoMerge {
		return nil
	}
	if err := m.host.EnableAutoMerge(ctx, number); err != nil {
		return fmt.Errorf("enable auto-merge on PR #%d: %w", number, err)
	}
	return nil
}

// DuplicateCheck is the outcome of a per-issue duplicate scan.
type DuplicateCheck struct {
	IssueNumber int                  `json:"issue_number"`
	Canonical   *domain.PullRequest  `json:"canonical,omitempty"`
	Duplicates  []domain.PullRequest `json:"duplicates,omitempty"`
	Action      string               `json:"action"` // proceed | supersede
}

// CheckDuplicatePRs finds all open non-superseded PRs referencing the
// same issue. The oldest PR is canonical; anything newer is a
// duplicate to supersede.
func (m *Manager) CheckDuplicatePRs(ctx context.Context, issueNumber int) (*DuplicateCheck, error) {
	prs, err := m.openPRsForIssue(ctx, issueNumber)
	if err != nil {
		return nil, err
	}

	check := &DuplicateCheck{IssueNumber: issueNumber, Action: "proceed"}
	if len(prs) == 0 {
		return check, nil
	}
	sort.Slice(prs, func(i, j int) bool { return prs[i].CreatedAt.Before(prs[j].CreatedAt) })
	canonical := prs[0]
	check.Canonical = &canonical
	if len(prs) > 1 {
		check.Duplicates = prs[1:]
		check.Action = "supersede"
	}
	return check, nil
}

// CloseDuplicatePRs closes every open PR for the issue except the
// canonical (oldest) one, labelling each closed PR as superseded.
// Returns the numbers of the PRs it closed.
func (m *Manager) CloseDuplicatePRs(ctx context.Context, issueNumber int) ([]int, error) {
	check, err := m.CheckDuplicatePRs(ctx, issueNumber)
	if err != nil {
		return nil, err
	}
	var closed []int
	for _, dup := range check.Duplicates {
		if err := m.host.AddLabels(ctx, dup.Number, []string{"superseded"}); err != nil {
			return closed, fmt.Errorf("label PR #%d superseded: %w", dup.Number, err)
		}
		body := fmt.Sprintf("Superseded by #%d, closing.", check.Canonical.Number)
		if err := m.host.AddComment(ctx, dup.Number, body); err != nil {
			return closed, fmt.Errorf("comment on PR #%d: %w", dup.Number, err)
		}
		if err := m.host.ClosePullRequest(ctx, dup.Number); err != nil {
			return closed, fmt.Errorf("close PR #%d: %w", dup.Number, err)
		}
		closed = append(closed, dup.Number)
	}
	return closed, nil
}

func (m *Manager) openPRsForIssue(ctx context.Context, issueNumber int) ([]domain.PullRequest, error) {
	all, err := m.host.ListPullRequests(ctx, "open", "")
	if err != nil {
		return nil, fmt.Errorf("list open PRs: %w", err)
	}
	var prs []domain.PullRequest
	for _, pr := range all {
		if pr.Superseded() {
			continue
		}
		for _, n := range pr.LinkedIssues {
			if n == issueNumber {
				prs = append(prs, pr)
				break
			}
		}
	}
	return prs, nil
}

// FindActiveTDDPR returns the open non-superseded automation PR, or
// nil when none exists. Work branches identify automation PRs.
func (m *Manager) FindActiveTDDPR(ctx context.Context) (*domain.PullRequest, error) {
	all, err := m.host.ListPullRequests(ctx, "open", "")
	if err != nil {
		return nil, fmt.Errorf("list open PRs: %w", err)
	}
	for _, pr := range all {
		if pr.Superseded() {
			continue
		}
		if domain.IsWorkBranch(pr.Branch, m.branchPrefix) {
			found := pr
			return &found, nil
		}
	}
	return nil, nil
}

// RequireNoActivePR enforces serial processing: it fails with
// ActiveTDDPRError while an automation PR is still open. Query errors
// fail closed, a blind trigger could violate the invariant.
func (m *Manager) RequireNoActivePR(ctx context.Context) error {
	pr, err := m.FindActiveTDDPR(ctx)
	if err != nil {
		return err
	}
	if pr == nil {
		return nil
	}
	issue := 0
	if wb, ok := domain.ParseWorkBranch(pr.Branch); ok {
		issue = wb.IssueNumber
	}
	return &domain.ActiveTDDPRError{PRNumber: pr.Number, IssueNumber: issue, Title: pr.Title}
}

// FindOrphanBranches lists work branches older than minAge with no
// associated open PR.
func (m *Manager) FindOrphanBranches(ctx context.Context, minAge time.Duration) ([]domain.Branch, error) {
	branches, err := m.host.ListBranches(ctx)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	open, err := m.host.ListPullRequests(ctx, "open", "")
	if err != nil {
		return nil, fmt.Errorf("list open PRs: %w", err)
	}
	withPR := make(map[string]bool, len(open))
	for _, pr := range open {
		withPR[pr.Branch] = true
	}

	cutoff := m.now().Add(-minAge)
	var orphans []domain.Branch
	for _, b := range branches {
		if !domain.IsWorkBranch(b.Name, m.branchPrefix) {
			continue
		}
		if withPR[b.Name] {
			continue
		}
		// Zero commit dates come from a degraded branch listing;
		// treat them as too young rather than deleting blind.
		if b.CommittedAt.IsZero() || b.CommittedAt.After(cutoff) {
			continue
		}
		orphans = append(orphans, b)
	}
	return orphans, nil
}

// CleanupOutcome records one branch deletion attempt.
type CleanupOutcome struct {
	Branch  string `json:"branch"`
	Deleted bool   `json:"deleted"`
	Error   string `json:"error,omitempty"`
}

// CleanupOrphanBranches deletes every orphan, one outcome per branch.
// A failed deletion never aborts the rest of the batch.
func (m *Manager) CleanupOrphanBranches(ctx context.Context, minAge time.Duration) ([]CleanupOutcome, error) {
	orphans, err := m.FindOrphanBranches(ctx, minAge)
	if err != nil {
		return nil, err
	}
	outcomes := make([]CleanupOutcome, 0, len(orphans))
	for _, b := range orphans {
		outcome := CleanupOutcome{Branch: b.Name}
		if err := m.host.DeleteBranch(ctx, b.Name); err != nil {
			outcome.Error = err.Error()
		} else {
			outcome.Deleted = true
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}
