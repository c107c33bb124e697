// Package staleness decides whether the current invocation is the one
// that should trigger the worker, so near-simultaneous test runs on a
// branch do not cause a thundering herd of duplicate triggers.
package staleness

import (
	"context"
	"time"

	"github.com/hochfrequenz/claude-tdd-orchestrator/internal/domain"
	"github.com/hochfrequenz/claude-tdd-orchestrator/internal/githost"
)

// Skip reasons reported in trigger decisions.
const (
	SkipPendingTests    = "pending_tests"
	SkipActiveClaudeRun = "active_claude_run"
)

// HostAPI is the slice of the host client the detector needs.
type HostAPI interface {
	ListWorkflowRuns(ctx context.Context, filter githost.RunFilter) ([]domain.WorkflowRun, error)
}

// Config holds the conventions used to recognize competing runs.
type Config struct {
	TestWorkflow      string        // workflow that runs the spec tests
	WorkerWorkflow    string        // workflow that invokes the worker
	WorkerTitlePrefix string        // worker runs are matched by title, not branch
	Threshold         time.Duration // runs idle longer than this are phantom
}

// Detector evaluates trigger eligibility for one invocation.
type Detector struct {
	host HostAPI
	cfg  Config
	now  func() time.Time
}

// New creates a Detector.
func New(host HostAPI, cfg Config) *Detector {
	return &Detector{host: host, cfg: cfg, now: time.Now}
}

// WithClock overrides the time source for tests.
func (d *Detector) WithClock(now func() time.Time) *Detector {
	d.now = now
	return d
}

// Decision is the outcome of a staleness check.
type Decision struct {
	ShouldTrigger    bool   `json:"should_trigger"`
	SkipReason       string `json:"skip_reason,omitempty"`
	PendingTestRuns  int    `json:"pending_test_runs"`
	ActiveWorkerRuns int    `json:"active_worker_runs"`
	StaleExcluded    int    `json:"stale_excluded"`
	FailedOpen       bool   `json:"failed_open,omitempty"`
	Warning          string `json:"warning,omitempty"`
}

// ShouldTrigger determines whether this run should trigger the worker.
//
// Query failures fail OPEN: a missed trigger stalls the whole pipeline,
// while a duplicate trigger is merely wasteful and is independently
// bounded by the serial-processing invariant.
func (d *Detector) ShouldTrigger(ctx context.Context, currentRunID int64, branch string) *Decision {
	decision := &Decision{}

	otherTests, err := d.activeRuns(ctx, d.cfg.TestWorkflow, branch)
	if err != nil {
		decision.ShouldTrigger = true
		decision.FailedOpen = true
		decision.Warning = "test run query failed: " + err.Error()
		return decision
	}

	workerRuns, err := d.activeRuns(ctx, d.cfg.WorkerWorkflow, "")
	if err != nil {
		decision.ShouldTrigger = true
		decision.FailedOpen = true
		decision.Warning = "worker run query failed: " + err.Error()
		return decision
	}

	now := d.now()

	for _, run := range otherTests {
		if run.ID == currentRunID {
			continue
		}
		if run.StaleSince(now, d.cfg.Threshold) {
			decision.StaleExcluded++
			continue
		}
		decision.PendingTestRuns++
	}

	for _, run := range workerRuns {
		// The worker's triggering event does not reliably report the
		// originating branch, so worker runs are matched by their
		// title convention instead.
		if d.cfg.WorkerTitlePrefix != "" && !hasPrefix(run.Title, d.cfg.WorkerTitlePrefix) {
			continue
		}
		if run.StaleSince(now, d.cfg.Threshold) {
			decision.StaleExcluded++
			continue
		}
		decision.ActiveWorkerRuns++
	}

	switch {
	case decision.PendingTestRuns > 0:
		// A later test run on this branch will be the authoritative one.
		decision.SkipReason = SkipPendingTests
	case decision.ActiveWorkerRuns > 0:
		decision.SkipReason = SkipActiveClaudeRun
	default:
		decision.ShouldTrigger = true
	}
	return decision
}

// activeRuns lists queued and in-progress runs of a workflow.
func (d *Detector) activeRuns(ctx context.Context, workflow, branch string) ([]domain.WorkflowRun, error) {
	var all []domain.WorkflowRun
	for _, status := range []string{string(domain.RunQueued), string(domain.RunInProgress)} {
		runs, err := d.host.ListWorkflowRuns(ctx, githost.RunFilter{
			Workflow: workflow,
			Status:   status,
			Branch:   branch,
		})
		if err != nil {
			return nil, err
		}
		all = append(all, runs...)
	}
	return all, nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
