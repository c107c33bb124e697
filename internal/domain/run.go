package domain

import "time"

// WorkflowRun is an immutable record of one workflow execution on the
// host. The orchestrator only ever reads these; health, staleness and
// budget decisions are all aggregations over them.
type WorkflowRun struct {
	ID           int64
	Title        string
	WorkflowName string
	Status       RunStatus
	Conclusion   RunConclusion
	Branch       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Finished reports whether the run has reached a terminal state
func (r *WorkflowRun) Finished() bool {
	return r.Status == RunCompleted
}

// Active reports whether the run is queued or currently executing
func (r *WorkflowRun) Active() bool {
	return r.Status == RunQueued || r.Status == RunInProgress
}

// StaleSince reports whether the run's last update is older than the
// given threshold at the reference time. Stale in-flight runs are
// presumed phantom and excluded from triggering decisions.
func (r *WorkflowRun) StaleSince(now time.Time, threshold time.Duration) bool {
	return now.Sub(r.UpdatedAt) > threshold
}

// PullRequest represents a change proposal tied to a spec work item
type PullRequest struct {
	Number       int
	Title        string
	Branch       string
	BaseBranch   string
	State        string // open | closed | merged
	Mergeable    MergeableState
	AutoMerge    bool
	Draft        bool
	Labels       []string
	LinkedIssues []int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Open reports whether the PR is still open
func (p *PullRequest) Open() bool {
	return p.State == "open"
}

// HasLabel reports whether the PR carries the given label
func (p *PullRequest) HasLabel(name string) bool {
	for _, l := range p.Labels {
		if l == name {
			return true
		}
	}
	return false
}

// Superseded reports whether the PR has been marked as replaced by a
// newer PR for the same issue.
func (p *PullRequest) Superseded() bool {
	return p.HasLabel("superseded")
}

// Branch is a lightweight ref record used for orphan detection
type Branch struct {
	Name        string
	CommitSHA   string
	CommittedAt time.Time
}

// IssueStateInfo is the derived view of a spec's lifecycle as read
// from its tracking issue's labels. Missing labels mean a fresh item.
type IssueStateInfo struct {
	IssueNumber     int
	SpecID          string
	CurrentState    SpecState
	SpecRetryCount  int
	InfraRetryCount int
	FailureType     FailureCategory // empty if none recorded
	Labels          []string
}

// RetryCount returns the counter for the given failure category
func (i *IssueStateInfo) RetryCount(category FailureCategory) int {
	if category == FailureInfra {
		return i.InfraRetryCount
	}
	return i.SpecRetryCount
}
