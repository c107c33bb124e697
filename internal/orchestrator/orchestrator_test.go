package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/hochfrequenz/claude-tdd-orchestrator/internal/attempts"
	"github.com/hochfrequenz/claude-tdd-orchestrator/internal/budget"
	"github.com/hochfrequenz/claude-tdd-orchestrator/internal/classify"
	"github.com/hochfrequenz/claude-tdd-orchestrator/internal/config"
	"github.com/hochfrequenz/claude-tdd-orchestrator/internal/domain"
	"github.com/hochfrequenz/claude-tdd-orchestrator/internal/githost"
	"github.com/hochfrequenz/claude-tdd-orchestrator/internal/health"
	"github.com/hochfrequenz/claude-tdd-orchestrator/internal/labels"
	"github.com/hochfrequenz/claude-tdd-orchestrator/internal/notify"
	"github.com/hochfrequenz/claude-tdd-orchestrator/internal/prmanager"
	"github.com/hochfrequenz/claude-tdd-orchestrator/internal/staleness"
)

var testTime = time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

func testClock() time.Time { return testTime }

const (
	testTestWorkflow   = "spec-tests.yml"
	testWorkerWorkflow = "claude-worker.yml"
)

// fakeHost backs every component interface with one in-memory store,
// the same way the production client does.
type fakeHost struct {
	issues   map[int]*githost.Issue
	prs      map[int]*domain.PullRequest
	runs     []domain.WorkflowRun
	logs     map[int64]string
	branches []domain.Branch

	comments  map[int][]string
	prLabels  map[int][]string
	autoMerge map[int]bool
	deleted   []string

	rateRemaining int

	issuesErr error
	runsErr   error
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		issues:    map[int]*githost.Issue{},
		prs:       map[int]*domain.PullRequest{},
		logs:      map[int64]string{},
		comments:  map[int][]string{},
		prLabels:  map[int][]string{},
		autoMerge: map[int]bool{},

		rateRemaining: 5000,
	}
}

func (f *fakeHost) GetIssue(_ context.Context, number int) (*githost.Issue, error) {
	issue, ok := f.issues[number]
	if !ok {
		return nil, fmt.Errorf("issue #%d not found", number)
	}
	return issue, nil
}

func (f *fakeHost) ListIssuesByLabel(_ context.Context, labelName, state string) ([]githost.Issue, error) {
	if f.issuesErr != nil {
		return nil, f.issuesErr
	}
	var numbers []int
	for n := range f.issues {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)
	var out []githost.Issue
	for _, n := range numbers {
		issue := f.issues[n]
		if state != "" && issue.State != state {
			continue
		}
		for _, l := range issue.Labels {
			if l == labelName {
				out = append(out, *issue)
				break
			}
		}
	}
	return out, nil
}

func (f *fakeHost) ReplaceLabels(_ context.Context, number int, labelSet []string) error {
	issue, ok := f.issues[number]
	if !ok {
		return fmt.Errorf("issue #%d not found", number)
	}
	issue.Labels = labelSet
	return nil
}

func (f *fakeHost) GetPullRequest(_ context.Context, number int) (*domain.PullRequest, error) {
	pr, ok := f.prs[number]
	if !ok {
		return nil, fmt.Errorf("PR #%d not found", number)
	}
	return pr, nil
}

func (f *fakeHost) ListPullRequests(_ context.Context, state, branch string) ([]domain.PullRequest, error) {
	var numbers []int
	for n := range f.prs {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)
	var out []domain.PullRequest
	for _, n := range numbers {
		pr := f.prs[n]
		if state != "" && pr.State != state {
			continue
		}
		if branch != "" && pr.Branch != branch {
			continue
		}
		// The list endpoint never carries the mergeable field; only a
		// single-PR fetch reports it.
		listed := *pr
		listed.Mergeable = domain.Unknown
		out = append(out, listed)
	}
	return out, nil
}

func (f *fakeHost) ListWorkflowRuns(_ context.Context, filter githost.RunFilter) ([]domain.WorkflowRun, error) {
	if f.runsErr != nil {
		return nil, f.runsErr
	}
	var out []domain.WorkflowRun
	for _, run := range f.runs {
		if filter.Workflow != "" && run.WorkflowName != filter.Workflow {
			continue
		}
		if filter.Status != "" && string(run.Status) != filter.Status {
			continue
		}
		if filter.Branch != "" && run.Branch != filter.Branch {
			continue
		}
		if !filter.CreatedAfter.IsZero() && !run.CreatedAt.After(filter.CreatedAfter) {
			continue
		}
		out = append(out, run)
	}
	return out, nil
}

func (f *fakeHost) GetRunLogs(_ context.Context, runID int64) (string, error) {
	logs, ok := f.logs[runID]
	if !ok {
		return "", fmt.Errorf("no logs for run %d", runID)
	}
	return logs, nil
}

func (f *fakeHost) AddComment(_ context.Context, number int, body string) error {
	f.comments[number] = append(f.comments[number], body)
	return nil
}

func (f *fakeHost) AddLabels(_ context.Context, number int, labelSet []string) error {
	f.prLabels[number] = append(f.prLabels[number], labelSet...)
	if pr, ok := f.prs[number]; ok {
		pr.Labels = append(pr.Labels, labelSet...)
	}
	return nil
}

func (f *fakeHost) UpdatePullRequestTitle(_ context.Context, number int, title string) error {
	pr, ok := f.prs[number]
	if !ok {
		return fmt.Errorf("PR #%d not found", number)
	}
	pr.Title = title
	return nil
}

func (f *fakeHost) EnableAutoMerge(_ context.Context, number int) error {
	pr, ok := f.prs[number]
	if !ok {
		return fmt.Errorf("PR #%d not found", number)
	}
	pr.AutoMerge = true
	f.autoMerge[number] = true
	return nil
}

func (f *fakeHost) ClosePullRequest(_ context.Context, number int) error {
	pr, ok := f.prs[number]
	if !ok {
		return fmt.Errorf("PR #%d not found", number)
	}
	pr.State = "closed"
	return nil
}

func (f *fakeHost) ListBranches(_ context.Context) ([]domain.Branch, error) {
	return f.branches, nil
}

func (f *fakeHost) DeleteBranch(_ context.Context, name string) error {
	f.deleted = append(f.deleted, name)
	return nil
}

func (f *fakeHost) CheckRateLimit(_ context.Context) (*githost.RateLimit, error) {
	return &githost.RateLimit{Limit: 5000, Remaining: f.rateRemaining, ResetAt: testTime.Add(time.Hour)}, nil
}

type fakeNotifier struct {
	sent []notify.Notification
}

func (f *fakeNotifier) Send(n notify.Notification) error {
	f.sent = append(f.sent, n)
	return nil
}

func newTestOrchestrator(h *fakeHost, notifier notify.Notifier) *Orchestrator {
	pipeline := config.PipelineConfig{
		TrunkBranch:        "main",
		BranchPrefix:       "tdd",
		TestWorkflow:       testTestWorkflow,
		WorkerWorkflow:     testWorkerWorkflow,
		WorkerTitlePrefix:  "TDD worker",
		MaxRetries:         3,
		StaleRunThreshold:  30 * time.Minute,
		StuckPRThreshold:   2 * time.Hour,
		OrphanBranchMinAge: 24 * time.Hour,
	}
	return New(Deps{
		Host:  h,
		State: labels.New(h, "tdd", 3),
		Staleness: staleness.New(h, staleness.Config{
			TestWorkflow:      testTestWorkflow,
			WorkerWorkflow:    testWorkerWorkflow,
			WorkerTitlePrefix: "TDD worker",
			Threshold:         30 * time.Minute,
		}).WithClock(testClock),
		Budget: budget.New(h, nil, testWorkerWorkflow, budget.Limits{
			DailyUSD:        10,
			WeeklyUSD:       50,
			FallbackCostUSD: 1,
			WarnFraction:    0.8,
		}).WithClock(testClock),
		Health: health.New(h, health.Config{
			LabelPrefix:     "tdd",
			WorkerWorkflow:  testWorkerWorkflow,
			Window:          24 * time.Hour,
			CriticalRate:    0.5,
			DegradedRate:    0.25,
			CloseRate:       0.2,
			MaxTotalRetries: 10,
		}).WithClock(testClock),
		PRs:        prmanager.New(h, "tdd").WithClock(testClock),
		Attempts:   attempts.New(h),
		Classifier: classify.Default(),
		Notifier:   notifier,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Pipeline:   pipeline,
	}).WithClock(testClock)
}

func openIssue(number int, title string, labelSet ...string) *githost.Issue {
	return &githost.Issue{
		Number: number,
		Title:  title,
		State:  "open",
		Labels: labelSet,
	}
}

func completedRun(id int64, conclusion domain.RunConclusion, age time.Duration) domain.WorkflowRun {
	return domain.WorkflowRun{
		ID:           id,
		WorkflowName: testWorkerWorkflow,
		Status:       domain.RunCompleted,
		Conclusion:   conclusion,
		CreatedAt:    testTime.Add(-age),
		UpdatedAt:    testTime.Add(-age),
	}
}

func hasLabel(issue *githost.Issue, label string) bool {
	for _, l := range issue.Labels {
		if l == label {
			return true
		}
	}
	return false
}

func TestPreCheckAllowsTrigger(t *testing.T) {
	h := newFakeHost()
	o := newTestOrchestrator(h, nil)

	result, err := o.PreCheck(context.Background(), 500, "main")
	if err != nil {
		t.Fatalf("PreCheck: %v", err)
	}
	if !result.ShouldTrigger {
		t.Fatalf("expected trigger, blocked by %q (skip %q)", result.BlockedBy, result.SkipReason)
	}
	if result.Health != domain.HealthHealthy {
		t.Errorf("health = %q, want healthy", result.Health)
	}
}

func TestPreCheckBlocksWhenCircuitOpen(t *testing.T) {
	h := newFakeHost()
	h.runs = []domain.WorkflowRun{
		completedRun(1, domain.ConclusionFailure, time.Hour),
		completedRun(2, domain.ConclusionFailure, time.Hour),
		completedRun(3, domain.ConclusionFailure, time.Hour),
		completedRun(4, domain.ConclusionSuccess, time.Hour),
	}
	o := newTestOrchestrator(h, nil)

	result, err := o.PreCheck(context.Background(), 500, "main")
	if err != nil {
		t.Fatalf("PreCheck: %v", err)
	}
	if result.ShouldTrigger {
		t.Fatal("expected block")
	}
	if result.BlockedBy != BlockedCircuitOpen {
		t.Errorf("blocked by %q, want %q", result.BlockedBy, BlockedCircuitOpen)
	}
}

func TestPreCheckBlocksAtCreditLimit(t *testing.T) {
	h := newFakeHost()
	h.runs = []domain.WorkflowRun{
		completedRun(1, domain.ConclusionSuccess, time.Hour),
		completedRun(2, domain.ConclusionSuccess, 2*time.Hour),
	}
	h.logs[1] = `worker done, Total cost: $6.00`
	h.logs[2] = `worker done, Total cost: $6.00`
	o := newTestOrchestrator(h, nil)

	result, err := o.PreCheck(context.Background(), 500, "main")
	if err != nil {
		t.Fatalf("PreCheck: %v", err)
	}
	if result.BlockedBy != BlockedCreditLimit {
		t.Fatalf("blocked by %q, want %q", result.BlockedBy, BlockedCreditLimit)
	}
	if result.Budget == nil || result.Budget.DailySpendUSD != 12 {
		t.Errorf("budget result = %+v, want daily spend 12", result.Budget)
	}
}

func TestPreCheckBlocksOnActivePR(t *testing.T) {
	h := newFakeHost()
	h.prs[30] = &domain.PullRequest{
		Number: 30,
		Title:  "Implement API-FOO-001 | Attempt 1/5",
		Branch: "tdd/issue-7-foo",
		State:  "open",
	}
	o := newTestOrchestrator(h, nil)

	result, err := o.PreCheck(context.Background(), 500, "main")
	if err != nil {
		t.Fatalf("PreCheck: %v", err)
	}
	if result.BlockedBy != BlockedActivePR {
		t.Errorf("blocked by %q, want %q", result.BlockedBy, BlockedActivePR)
	}
}

func TestPreCheckBlocksOnPendingTests(t *testing.T) {
	h := newFakeHost()
	h.runs = []domain.WorkflowRun{{
		ID:           501,
		WorkflowName: testTestWorkflow,
		Status:       domain.RunQueued,
		Branch:       "main",
		CreatedAt:    testTime.Add(-time.Minute),
		UpdatedAt:    testTime.Add(-time.Minute),
	}}
	o := newTestOrchestrator(h, nil)

	result, err := o.PreCheck(context.Background(), 500, "main")
	if err != nil {
		t.Fatalf("PreCheck: %v", err)
	}
	if result.BlockedBy != BlockedStaleness {
		t.Fatalf("blocked by %q, want %q", result.BlockedBy, BlockedStaleness)
	}
	if result.SkipReason != staleness.SkipPendingTests {
		t.Errorf("skip reason = %q, want %q", result.SkipReason, staleness.SkipPendingTests)
	}
}

func TestPreCheckContinuesWithoutHealthData(t *testing.T) {
	h := newFakeHost()
	h.issuesErr = errors.New("labels endpoint down")
	o := newTestOrchestrator(h, nil)

	result, err := o.PreCheck(context.Background(), 500, "main")
	if err != nil {
		t.Fatalf("PreCheck: %v", err)
	}
	if !result.ShouldTrigger {
		t.Fatalf("expected fail-open trigger, blocked by %q", result.BlockedBy)
	}
	if len(result.Warnings) == 0 {
		t.Error("expected a warning about the missing health data")
	}
}

func TestAnalyzeResultSuccessCompletesIssue(t *testing.T) {
	h := newFakeHost()
	h.issues[5] = openIssue(5, "Implement API-FOO-001",
		"tdd-in-progress", "failure:spec", "spec-retries:1")
	o := newTestOrchestrator(h, nil)

	outcome, err := o.AnalyzeResult(context.Background(), AnalyzeInput{
		IssueNumber: 5, Conclusion: domain.ConclusionSuccess,
	})
	if err != nil {
		t.Fatalf("AnalyzeResult: %v", err)
	}
	if !outcome.Success {
		t.Error("expected success outcome")
	}
	if !hasLabel(h.issues[5], "tdd-completed") {
		t.Errorf("labels = %v, want tdd-completed", h.issues[5].Labels)
	}
	if hasLabel(h.issues[5], "failure:spec") {
		t.Error("failure label should be cleared on success")
	}
}

func TestAnalyzeResultSpecFailureRequeues(t *testing.T) {
	h := newFakeHost()
	h.issues[5] = openIssue(5, "Implement API-FOO-001", "tdd-in-progress")
	h.logs[99] = "=== RUN TestFoo\n--- FAIL: TestFoo (0.01s)\nexpected 200 got 500"
	o := newTestOrchestrator(h, nil)

	outcome, err := o.AnalyzeResult(context.Background(), AnalyzeInput{
		IssueNumber: 5, RunID: 99, Conclusion: domain.ConclusionFailure,
	})
	if err != nil {
		t.Fatalf("AnalyzeResult: %v", err)
	}
	if outcome.Category != domain.FailureSpec {
		t.Errorf("category = %q, want spec", outcome.Category)
	}
	if outcome.Failure == nil || outcome.Failure.NewState != domain.StateQueued {
		t.Fatalf("failure outcome = %+v, want requeued", outcome.Failure)
	}
	if !hasLabel(h.issues[5], "spec-retries:1") {
		t.Errorf("labels = %v, want spec-retries:1", h.issues[5].Labels)
	}
	if !hasLabel(h.issues[5], "tdd-queued") {
		t.Errorf("labels = %v, want tdd-queued", h.issues[5].Labels)
	}
}

func TestAnalyzeResultCrashForcesInfra(t *testing.T) {
	h := newFakeHost()
	h.issues[5] = openIssue(5, "Implement API-FOO-001", "tdd-in-progress")
	h.logs[99] = "--- FAIL: TestFoo\npanic: runtime error: invalid memory address"
	o := newTestOrchestrator(h, nil)

	outcome, err := o.AnalyzeResult(context.Background(), AnalyzeInput{
		IssueNumber: 5, RunID: 99, Conclusion: domain.ConclusionFailure,
	})
	if err != nil {
		t.Fatalf("AnalyzeResult: %v", err)
	}
	if !outcome.Crash {
		t.Error("expected crash detection")
	}
	if outcome.Category != domain.FailureInfra {
		t.Errorf("category = %q, want infra", outcome.Category)
	}
	if !hasLabel(h.issues[5], "infra-retries:1") {
		t.Errorf("labels = %v, want infra-retries:1", h.issues[5].Labels)
	}
}

func TestHandleFailureEscalatesAtRetryCeiling(t *testing.T) {
	h := newFakeHost()
	h.issues[5] = openIssue(5, "Implement API-FOO-001", "tdd-in-progress", "spec-retries:2")
	notifier := &fakeNotifier{}
	o := newTestOrchestrator(h, notifier)

	outcome, err := o.HandleFailure(context.Background(), 5, 0, domain.FailureSpec)
	if err != nil {
		t.Fatalf("HandleFailure: %v", err)
	}
	if !outcome.Escalated {
		t.Fatal("expected escalation at the retry ceiling")
	}
	if outcome.NewState != domain.StateManualIntervention {
		t.Errorf("new state = %q, want manual-intervention", outcome.NewState)
	}
	if !hasLabel(h.issues[5], "tdd-manual-intervention") {
		t.Errorf("labels = %v, want tdd-manual-intervention", h.issues[5].Labels)
	}
	if len(h.comments[5]) == 0 {
		t.Error("expected an escalation comment on the issue")
	}
	if len(notifier.sent) != 1 {
		t.Errorf("notifications sent = %d, want 1", len(notifier.sent))
	}
}

func TestHandleFailureIncrementsAttemptCounter(t *testing.T) {
	h := newFakeHost()
	h.issues[123] = openIssue(123, "Implement API-FOO-001", "tdd-in-progress")
	h.prs[40] = &domain.PullRequest{
		Number: 40,
		Title:  "Implement API-FOO-001 | Attempt 4/5",
		Branch: "tdd/issue-123-foo",
		State:  "open",
	}
	o := newTestOrchestrator(h, nil)

	outcome, err := o.HandleFailure(context.Background(), 123, 40, domain.FailureSpec)
	if err != nil {
		t.Fatalf("HandleFailure: %v", err)
	}
	if outcome.Escalated {
		t.Fatal("attempt 4/5 still has budget, no escalation expected")
	}
	if outcome.NewState != domain.StateQueued {
		t.Errorf("new state = %q, want queued", outcome.NewState)
	}
	if want := "Implement API-FOO-001 | Attempt 5/5"; h.prs[40].Title != want {
		t.Errorf("PR title = %q, want %q", h.prs[40].Title, want)
	}
}

func TestHandleFailureEscalatesAtAttemptCeiling(t *testing.T) {
	h := newFakeHost()
	h.issues[123] = openIssue(123, "Implement API-FOO-001", "tdd-in-progress")
	h.prs[40] = &domain.PullRequest{
		Number: 40,
		Title:  "Implement API-FOO-001 | Attempt 5/5",
		Branch: "tdd/issue-123-foo",
		State:  "open",
	}
	notifier := &fakeNotifier{}
	o := newTestOrchestrator(h, notifier)

	outcome, err := o.HandleFailure(context.Background(), 123, 40, domain.FailureSpec)
	if err != nil {
		t.Fatalf("HandleFailure: %v", err)
	}
	if !outcome.Escalated {
		t.Fatal("expected escalation when the attempt budget is spent")
	}
	if !hasLabel(h.issues[123], "tdd-manual-intervention") {
		t.Errorf("labels = %v, want tdd-manual-intervention", h.issues[123].Labels)
	}
	found := false
	for _, l := range h.prLabels[40] {
		if l == attempts.ManualInterventionLabel {
			found = true
		}
	}
	if !found {
		t.Errorf("PR labels = %v, want %q", h.prLabels[40], attempts.ManualInterventionLabel)
	}
	if len(notifier.sent) != 1 {
		t.Errorf("notifications sent = %d, want 1", len(notifier.sent))
	}
}

func TestMonitorPRs(t *testing.T) {
	h := newFakeHost()
	h.prs[1] = &domain.PullRequest{
		Number: 1, Branch: "tdd/issue-10-a", State: "open",
		Mergeable: domain.Mergeable, CreatedAt: testTime.Add(-time.Hour),
	}
	h.prs[2] = &domain.PullRequest{
		Number: 2, Branch: "tdd/issue-11-b", State: "open",
		Mergeable: domain.Conflicting, CreatedAt: testTime.Add(-time.Hour),
	}
	h.prs[3] = &domain.PullRequest{
		Number: 3, Branch: "feature/manual-work", State: "open",
		Mergeable: domain.Mergeable, CreatedAt: testTime.Add(-time.Hour),
	}
	o := newTestOrchestrator(h, nil)

	result, err := o.MonitorPRs(context.Background())
	if err != nil {
		t.Fatalf("MonitorPRs: %v", err)
	}
	if result.Checked != 2 {
		t.Errorf("checked = %d, want 2 (the manual PR is not ours)", result.Checked)
	}
	if result.Conflicts != 1 {
		t.Errorf("conflicts = %d, want 1", result.Conflicts)
	}
	if !h.autoMerge[1] {
		t.Error("clean PR #1 should have auto-merge enabled")
	}
	if h.autoMerge[2] {
		t.Error("conflicted PR #2 must never get auto-merge")
	}
	if h.autoMerge[3] {
		t.Error("manual PR #3 must be left alone")
	}
}

func TestMonitorPRsFetchesMergeabilityPerPR(t *testing.T) {
	h := newFakeHost()
	h.prs[6] = &domain.PullRequest{
		Number: 6, Branch: "tdd/issue-14", State: "open",
		Mergeable: domain.Conflicting, CreatedAt: testTime.Add(-time.Hour),
	}
	o := newTestOrchestrator(h, nil)

	result, err := o.MonitorPRs(context.Background())
	if err != nil {
		t.Fatalf("MonitorPRs: %v", err)
	}
	if result.Conflicts != 1 || len(result.Outcomes) != 1 || !result.Outcomes[0].HasConflicts {
		t.Errorf("result = %+v, want the conflict recorded", result)
	}
	if h.autoMerge[6] {
		t.Error("the listing hides the conflict, the per-PR fetch must still catch it")
	}
}

func TestMonitorPRsDefersUnknownMergeability(t *testing.T) {
	h := newFakeHost()
	h.prs[7] = &domain.PullRequest{
		Number: 7, Branch: "tdd/issue-15", State: "open",
		Mergeable: domain.Unknown, CreatedAt: testTime.Add(-time.Hour),
	}
	o := newTestOrchestrator(h, nil)

	result, err := o.MonitorPRs(context.Background())
	if err != nil {
		t.Fatalf("MonitorPRs: %v", err)
	}
	if result.Conflicts != 0 {
		t.Errorf("conflicts = %d, UNKNOWN is not a conflict", result.Conflicts)
	}
	if h.autoMerge[7] {
		t.Error("auto-merge must wait until the host reports MERGEABLE")
	}
}

func TestMonitorPRsSupersedesDuplicates(t *testing.T) {
	h := newFakeHost()
	h.prs[4] = &domain.PullRequest{
		Number: 4, Branch: "tdd/issue-12-first", State: "open",
		LinkedIssues: []int{12},
		Mergeable:    domain.Mergeable, CreatedAt: testTime.Add(-2 * time.Hour),
	}
	h.prs[5] = &domain.PullRequest{
		Number: 5, Branch: "tdd/issue-12-second", State: "open",
		LinkedIssues: []int{12}, Draft: true,
		Mergeable: domain.Mergeable, CreatedAt: testTime.Add(-time.Hour),
	}
	o := newTestOrchestrator(h, nil)

	result, err := o.MonitorPRs(context.Background())
	if err != nil {
		t.Fatalf("MonitorPRs: %v", err)
	}
	if len(result.Outcomes) == 0 {
		t.Fatal("expected outcomes")
	}
	if got := result.Outcomes[0].DuplicatesClosed; len(got) != 1 || got[0] != 5 {
		t.Errorf("duplicates closed = %v, want [5]", got)
	}
	if h.prs[5].State != "closed" {
		t.Errorf("duplicate PR state = %q, want closed", h.prs[5].State)
	}
	if h.prs[4].State != "open" {
		t.Error("the oldest PR is canonical and stays open")
	}
}

func TestMonitorPRsRefusesOnLowRateBudget(t *testing.T) {
	h := newFakeHost()
	h.rateRemaining = 10
	o := newTestOrchestrator(h, nil)

	if _, err := o.MonitorPRs(context.Background()); err == nil {
		t.Error("expected the sweep to refuse with almost no API budget left")
	}
}

func TestCheckStuckPRs(t *testing.T) {
	h := newFakeHost()
	h.prs[1] = &domain.PullRequest{
		Number: 1, Title: "Implement API-A-001 | Attempt 2/5",
		Branch: "tdd/issue-1-a", State: "open",
		UpdatedAt: testTime.Add(-3 * time.Hour),
	}
	h.prs[2] = &domain.PullRequest{
		Number: 2, Title: "Implement API-B-002 | Attempt 5/5",
		Branch: "tdd/issue-2-b", State: "open",
		UpdatedAt: testTime.Add(-10 * time.Minute),
	}
	h.prs[3] = &domain.PullRequest{
		Number: 3, Title: "Implement API-C-003 | Attempt 1/5",
		Branch: "tdd/issue-3-c", State: "open",
		UpdatedAt: testTime.Add(-10 * time.Minute),
	}
	o := newTestOrchestrator(h, nil)

	result, err := o.CheckStuckPRs(context.Background())
	if err != nil {
		t.Fatalf("CheckStuckPRs: %v", err)
	}
	if len(result.Stuck) != 2 {
		t.Fatalf("stuck = %+v, want 2 findings", result.Stuck)
	}
	if result.Stuck[0].Number != 1 || result.Stuck[0].Reason != StuckStale {
		t.Errorf("first finding = %+v, want #1 stale", result.Stuck[0])
	}
	if result.Stuck[1].Number != 2 || result.Stuck[1].Reason != StuckAttemptsExhausted {
		t.Errorf("second finding = %+v, want #2 attempts_exhausted", result.Stuck[1])
	}
}

func TestRecoverStuck(t *testing.T) {
	h := newFakeHost()
	h.issues[20] = openIssue(20, "Implement API-A-001", "tdd-in-progress")
	h.issues[21] = openIssue(21, "Implement API-B-002", "tdd-in-progress")
	h.issues[22] = openIssue(22, "Implement API-C-003", "tdd-in-progress")
	h.runs = []domain.WorkflowRun{{
		ID:           700,
		Title:        "TDD worker: API-A-001 (#20)",
		WorkflowName: testWorkerWorkflow,
		Status:       domain.RunInProgress,
		CreatedAt:    testTime.Add(-5 * time.Minute),
		UpdatedAt:    testTime.Add(-5 * time.Minute),
	}}
	h.prs[41] = &domain.PullRequest{
		Number: 41, Branch: "tdd/issue-21-b", State: "open",
	}
	o := newTestOrchestrator(h, nil)

	result, err := o.RecoverStuck(context.Background(), false)
	if err != nil {
		t.Fatalf("RecoverStuck: %v", err)
	}
	if result.Examined != 3 {
		t.Errorf("examined = %d, want 3", result.Examined)
	}
	if result.Recovered != 1 {
		t.Fatalf("recovered = %d, want 1: %+v", result.Recovered, result.Recoveries)
	}
	byIssue := map[int]Recovery{}
	for _, r := range result.Recoveries {
		byIssue[r.IssueNumber] = r
	}
	if byIssue[20].SkipReason != "active_worker_run" {
		t.Errorf("issue #20 skip = %q, want active_worker_run", byIssue[20].SkipReason)
	}
	if byIssue[21].SkipReason != "open_pr" {
		t.Errorf("issue #21 skip = %q, want open_pr", byIssue[21].SkipReason)
	}
	if !byIssue[22].Recovered {
		t.Error("idle issue #22 should be requeued")
	}
	if !hasLabel(h.issues[22], "tdd-queued") {
		t.Errorf("labels = %v, want tdd-queued", h.issues[22].Labels)
	}
}

func TestRecoverStuckForceSkipsSafetyChecks(t *testing.T) {
	h := newFakeHost()
	h.issues[20] = openIssue(20, "Implement API-A-001", "tdd-in-progress")
	h.prs[41] = &domain.PullRequest{
		Number: 41, Branch: "tdd/issue-20-a", State: "open",
	}
	o := newTestOrchestrator(h, nil)

	result, err := o.RecoverStuck(context.Background(), true)
	if err != nil {
		t.Fatalf("RecoverStuck: %v", err)
	}
	if result.Recovered != 1 {
		t.Errorf("recovered = %d, want 1 despite the open PR", result.Recovered)
	}
}

func TestHealthCheckAlertsWhenCircuitOpens(t *testing.T) {
	h := newFakeHost()
	h.runs = []domain.WorkflowRun{
		completedRun(1, domain.ConclusionFailure, time.Hour),
		completedRun(2, domain.ConclusionFailure, time.Hour),
		completedRun(3, domain.ConclusionSuccess, time.Hour),
	}
	notifier := &fakeNotifier{}
	o := newTestOrchestrator(h, notifier)

	result, err := o.HealthCheck(context.Background())
	if err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
	if !result.CircuitOpen {
		t.Fatalf("health = %+v, want open circuit", result.Health)
	}
	if len(notifier.sent) != 1 {
		t.Errorf("notifications sent = %d, want 1", len(notifier.sent))
	}
}

func TestClassifyFailures(t *testing.T) {
	h := newFakeHost()
	h.logs[99] = "curl: (56) connection reset by peer ECONNRESET"
	o := newTestOrchestrator(h, nil)

	c, err := o.ClassifyFailures(context.Background(), 99)
	if err != nil {
		t.Fatalf("ClassifyFailures: %v", err)
	}
	if c.Category != domain.FailureInfra {
		t.Errorf("category = %q, want infra", c.Category)
	}
}

func TestDetectSDKCrash(t *testing.T) {
	h := newFakeHost()
	h.logs[99] = "worker starting\npanic: send on closed channel"
	o := newTestOrchestrator(h, nil)

	c, err := o.DetectSDKCrash(context.Background(), 99)
	if err != nil {
		t.Fatalf("DetectSDKCrash: %v", err)
	}
	if !c.Crash {
		t.Fatal("expected crash detection")
	}
	if !strings.Contains(c.CrashSignature, "panic:") {
		t.Errorf("signature = %q, want the panic line", c.CrashSignature)
	}
}

func TestDetectChangeType(t *testing.T) {
	tests := []struct {
		name    string
		files   []string
		want    domain.ChangeType
		trigger bool
	}{
		{"code only", []string{"internal/api/tables.go"}, domain.ChangeCode, true},
		{"docs only", []string{"README.md", "docs/setup.md"}, domain.ChangeDocs, false},
		{"tests only", []string{"internal/api/tables_test.go"}, domain.ChangeTest, true},
		{"infra only", []string{".github/workflows/ci.yml", "Dockerfile"}, domain.ChangeInfra, true},
		{"mixed", []string{"internal/api/tables.go", "README.md"}, domain.ChangeMixed, true},
		{"no files", nil, domain.ChangeDocs, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DetectChangeType(tt.files)
			if got.Type != tt.want {
				t.Errorf("type = %q, want %q", got.Type, tt.want)
			}
			if got.ShouldTrigger != tt.trigger {
				t.Errorf("should_trigger = %v, want %v", got.ShouldTrigger, tt.trigger)
			}
		})
	}
}

func TestVerifyBranch(t *testing.T) {
	h := newFakeHost()
	h.issues[42] = openIssue(42, "Implement API-TABLES-LIST-003")
	o := newTestOrchestrator(h, nil)

	check, err := o.VerifyBranch(context.Background(), "refs/heads/tdd/issue-42-tables")
	if err != nil {
		t.Fatalf("VerifyBranch: %v", err)
	}
	if !check.Valid {
		t.Fatal("expected a valid work branch")
	}
	if check.IssueNumber != 42 {
		t.Errorf("issue = %d, want 42", check.IssueNumber)
	}
	if check.SpecID != "API-TABLES-LIST-003" {
		t.Errorf("spec id = %q, want API-TABLES-LIST-003", check.SpecID)
	}

	check, err = o.VerifyBranch(context.Background(), "feature/just-a-branch")
	if err != nil {
		t.Fatalf("VerifyBranch: %v", err)
	}
	if check.Valid {
		t.Error("a non-work branch must not verify")
	}

	check, err = o.VerifyBranch(context.Background(), "other/issue-9")
	if err != nil {
		t.Fatalf("VerifyBranch: %v", err)
	}
	if check.Valid {
		t.Error("a foreign prefix must not verify")
	}
}

func TestExtractContext(t *testing.T) {
	h := newFakeHost()
	h.prs[40] = &domain.PullRequest{
		Number: 40,
		Title:  "Implement API-FOO-001 | Attempt 2/5",
		Branch: "tdd/issue-123-foo",
		State:  "open",
	}
	o := newTestOrchestrator(h, nil)

	wc, err := o.ExtractContext(context.Background(), "tdd/issue-123-foo", "", 40)
	if err != nil {
		t.Fatalf("ExtractContext: %v", err)
	}
	if wc.IssueNumber != 123 {
		t.Errorf("issue = %d, want 123", wc.IssueNumber)
	}
	if wc.SpecID != "API-FOO-001" {
		t.Errorf("spec id = %q, want API-FOO-001", wc.SpecID)
	}
	if wc.Attempt != 2 || wc.MaxAttempts != 5 {
		t.Errorf("attempt = %d/%d, want 2/5", wc.Attempt, wc.MaxAttempts)
	}
}
