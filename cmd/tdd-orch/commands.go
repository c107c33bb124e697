package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/claude-tdd-orchestrator/internal/config"
	"github.com/hochfrequenz/claude-tdd-orchestrator/internal/domain"
	"github.com/hochfrequenz/claude-tdd-orchestrator/internal/githost"
	"github.com/hochfrequenz/claude-tdd-orchestrator/internal/notify"
	"github.com/hochfrequenz/claude-tdd-orchestrator/internal/orchestrator"
	"github.com/hochfrequenz/claude-tdd-orchestrator/internal/output"
	"github.com/hochfrequenz/claude-tdd-orchestrator/internal/report"
	"github.com/hochfrequenz/claude-tdd-orchestrator/internal/watch"
)

var (
	preCheckRunID    int64
	preCheckBranch   string
	staleRunID       int64
	staleBranch      string
	syncStatusBranch string
	syncBranchName   string
	analyzeIssue     int
	analyzePR        int
	analyzeRunID     int64
	analyzeConc      string
	classifyRunID    int64
	failureIssue     int
	failurePR        int
	failureCategory  string
	crashRunID       int64
	contextBranch    string
	contextPRTitle   string
	contextPR        int
	recoverForce     bool
)

func init() {
	healthCmd := &cobra.Command{
		Use:   "health-check",
		Short: "Assess pipeline health and budget, alerting if the circuit opens",
		RunE:  runHealthCheck,
	}
	rootCmd.AddCommand(healthCmd)

	preCheckCmd := &cobra.Command{
		Use:   "pre-check",
		Short: "Gate a new worker trigger behind health, budget, serial-PR, and staleness checks",
		RunE:  runPreCheck,
	}
	preCheckCmd.Flags().Int64Var(&preCheckRunID, "run-id", 0, "workflow run id of this invocation")
	preCheckCmd.Flags().StringVar(&preCheckBranch, "branch", "", "branch the triggering run executed on")
	rootCmd.AddCommand(preCheckCmd)

	staleCmd := &cobra.Command{
		Use:   "check-staleness",
		Short: "Decide whether this run should trigger the worker",
		RunE:  runCheckStaleness,
	}
	staleCmd.Flags().Int64Var(&staleRunID, "run-id", 0, "workflow run id of this invocation")
	staleCmd.Flags().StringVar(&staleBranch, "branch", "", "branch the triggering run executed on")
	rootCmd.AddCommand(staleCmd)

	syncStatusCmd := &cobra.Command{
		Use:   "check-sync-status",
		Short: "Report how far a work branch has fallen behind the trunk",
		RunE:  runCheckSyncStatus,
	}
	syncStatusCmd.Flags().StringVar(&syncStatusBranch, "branch", "", "branch to inspect")
	rootCmd.AddCommand(syncStatusCmd)

	syncBranchCmd := &cobra.Command{
		Use:   "sync-branch",
		Short: "Rebase a work branch onto the trunk",
		RunE:  runSyncBranch,
	}
	syncBranchCmd.Flags().StringVar(&syncBranchName, "branch", "", "branch to rebase")
	rootCmd.AddCommand(syncBranchCmd)

	analyzeCmd := &cobra.Command{
		Use:   "analyze-result",
		Short: "Settle an issue after its worker run finished",
		RunE:  runAnalyzeResult,
	}
	analyzeCmd.Flags().IntVar(&analyzeIssue, "issue", 0, "tracking issue number")
	analyzeCmd.Flags().IntVar(&analyzePR, "pr", 0, "PR number, if the worker opened one")
	analyzeCmd.Flags().Int64Var(&analyzeRunID, "run-id", 0, "finished worker run id")
	analyzeCmd.Flags().StringVar(&analyzeConc, "conclusion", "", "run conclusion: success or failure")
	rootCmd.AddCommand(analyzeCmd)

	classifyCmd := &cobra.Command{
		Use:   "classify-failures",
		Short: "Classify a failed run's logs as spec or infra, read-only",
		RunE:  runClassifyFailures,
	}
	classifyCmd.Flags().Int64Var(&classifyRunID, "run-id", 0, "workflow run id")
	rootCmd.AddCommand(classifyCmd)

	failureCmd := &cobra.Command{
		Use:   "handle-failure",
		Short: "Consume a retry for a failed run and route the issue onward",
		RunE:  runHandleFailure,
	}
	failureCmd.Flags().IntVar(&failureIssue, "issue", 0, "tracking issue number")
	failureCmd.Flags().IntVar(&failurePR, "pr", 0, "PR number, if one exists")
	failureCmd.Flags().StringVar(&failureCategory, "category", "", "failure category: spec or infra")
	rootCmd.AddCommand(failureCmd)

	detectPRCmd := &cobra.Command{
		Use:   "detect-tdd-pr",
		Short: "Report the currently active automation PR, if any",
		RunE:  runDetectTDDPR,
	}
	rootCmd.AddCommand(detectPRCmd)

	changeTypeCmd := &cobra.Command{
		Use:   "detect-change-type [FILE...]",
		Short: "Classify changed files and decide whether the push warrants a trigger",
		RunE:  runDetectChangeType,
	}
	rootCmd.AddCommand(changeTypeCmd)

	crashCmd := &cobra.Command{
		Use:   "detect-sdk-crash",
		Short: "Scan a worker run's logs for crash signatures",
		RunE:  runDetectSDKCrash,
	}
	crashCmd.Flags().Int64Var(&crashRunID, "run-id", 0, "workflow run id")
	rootCmd.AddCommand(crashCmd)

	verifyCmd := &cobra.Command{
		Use:   "verify-branch BRANCH",
		Short: "Validate a branch against the work-branch convention",
		Args:  cobra.ExactArgs(1),
		RunE:  runVerifyBranch,
	}
	rootCmd.AddCommand(verifyCmd)

	contextCmd := &cobra.Command{
		Use:   "extract-context",
		Short: "Derive spec id, issue number, and attempt from branch and PR",
		RunE:  runExtractContext,
	}
	contextCmd.Flags().StringVar(&contextBranch, "branch", "", "work branch name or ref")
	contextCmd.Flags().StringVar(&contextPRTitle, "pr-title", "", "PR title, if no PR number is given")
	contextCmd.Flags().IntVar(&contextPR, "pr", 0, "PR number to fetch the title from")
	rootCmd.AddCommand(contextCmd)

	stuckCmd := &cobra.Command{
		Use:   "check-stuck-prs",
		Short: "Flag open automation PRs that have gone quiet or are out of attempts",
		RunE:  runCheckStuckPRs,
	}
	rootCmd.AddCommand(stuckCmd)

	recoverCmd := &cobra.Command{
		Use:   "recover-stuck",
		Short: "Requeue in-progress issues nothing is actually working on",
		RunE:  runRecoverStuck,
	}
	recoverCmd.Flags().BoolVar(&recoverForce, "force", false, "skip the live-run and open-PR safety checks")
	rootCmd.AddCommand(recoverCmd)

	monitorCmd := &cobra.Command{
		Use:   "monitor-prs",
		Short: "Sweep open automation PRs: conflicts, auto-merge, duplicates",
		RunE:  runMonitorPRs,
	}
	rootCmd.AddCommand(monitorCmd)

	cleanupCmd := &cobra.Command{
		Use:   "cleanup-branches",
		Short: "Delete aged orphan work branches",
		RunE:  runCleanupBranches,
	}
	rootCmd.AddCommand(cleanupCmd)

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Run the periodic sweeps on their cron schedules until interrupted",
		RunE:  runWatch,
	}
	rootCmd.AddCommand(watchCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setup() (*orchestrator.Orchestrator, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	client := githost.NewClient(cfg.Host.Token, cfg.Host.Owner, cfg.Host.Repo)
	if cfg.Host.BaseURL != "" {
		client = client.WithBaseURL(cfg.Host.BaseURL)
	}

	var notifier notify.Notifier = notify.NoopNotifier{}
	if cfg.Notifications.SlackWebhook != "" {
		notifier = notify.NewSlackNotifier(cfg.Notifications.SlackWebhook)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	orch, err := orchestrator.FromConfig(client, cfg, notifier, logger)
	if err != nil {
		return nil, nil, err
	}
	return orch, cfg, nil
}

// emit writes a command result to $GITHUB_OUTPUT when set, stdout
// otherwise.
func emit(r *output.Result) error {
	if path := os.Getenv("GITHUB_OUTPUT"); path != "" {
		w, f, err := output.OpenFile(path)
		if err != nil {
			return err
		}
		defer f.Close()
		return w.Emit(r)
	}
	return output.New(os.Stdout).Emit(r)
}

func runHealthCheck(cmd *cobra.Command, args []string) error {
	orch, _, err := setup()
	if err != nil {
		return err
	}
	result, err := orch.HealthCheck(context.Background())
	if err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr, report.Health(result.Health))
	if result.Budget != nil {
		fmt.Fprintln(os.Stderr, report.Budget(result.Budget))
	}

	out := output.NewResult("health-check").
		Set("level", string(result.Health.Level)).
		Set("circuit_open", result.CircuitOpen).
		Set("can_close", result.CanClose)
	if result.BudgetBlocked != "" {
		out.Set("budget_blocked", result.BudgetBlocked)
	}
	out.SetPayload(result)
	return emit(out)
}

func runPreCheck(cmd *cobra.Command, args []string) error {
	orch, _, err := setup()
	if err != nil {
		return err
	}
	result, err := orch.PreCheck(context.Background(), preCheckRunID, preCheckBranch)
	if err != nil {
		return err
	}

	out := output.NewResult("pre-check").
		Set("should_trigger", result.ShouldTrigger)
	if result.BlockedBy != "" {
		out.Set("blocked_by", result.BlockedBy)
	}
	if result.SkipReason != "" {
		out.Set("skip_reason", result.SkipReason)
	}
	out.SetPayload(result)
	return emit(out)
}

func runCheckStaleness(cmd *cobra.Command, args []string) error {
	orch, _, err := setup()
	if err != nil {
		return err
	}
	decision := orch.CheckStaleness(context.Background(), staleRunID, staleBranch)

	out := output.NewResult("check-staleness").
		Set("should_trigger", decision.ShouldTrigger)
	if decision.SkipReason != "" {
		out.Set("skip_reason", decision.SkipReason)
	}
	out.SetPayload(decision)
	return emit(out)
}

func runCheckSyncStatus(cmd *cobra.Command, args []string) error {
	orch, _, err := setup()
	if err != nil {
		return err
	}
	status, err := orch.CheckSyncStatus(context.Background(), syncStatusBranch)
	if err != nil {
		return err
	}

	out := output.NewResult("check-sync-status").
		Set("needs_sync", status.NeedsSync).
		Set("commits_behind", status.CommitsBehind).
		SetPayload(status)
	return emit(out)
}

func runSyncBranch(cmd *cobra.Command, args []string) error {
	orch, _, err := setup()
	if err != nil {
		return err
	}
	result, err := orch.SyncBranch(context.Background(), syncBranchName)
	if err != nil {
		if !domain.IsDomainTerminal(err) {
			return err
		}
		// A conflict is an expected outcome for the automation to
		// route, not a process failure.
		out := output.NewResult("sync-branch").
			Set("synced", false).
			Set("conflict", true).
			SetPayload(map[string]string{"error": err.Error()})
		return emit(out)
	}

	out := output.NewResult("sync-branch").
		Set("synced", true).
		Set("was_out_of_sync", result.WasOutOfSync).
		SetPayload(result)
	return emit(out)
}

func runAnalyzeResult(cmd *cobra.Command, args []string) error {
	orch, _, err := setup()
	if err != nil {
		return err
	}
	outcome, err := orch.AnalyzeResult(context.Background(), orchestrator.AnalyzeInput{
		IssueNumber: analyzeIssue,
		PRNumber:    analyzePR,
		RunID:       analyzeRunID,
		Conclusion:  domain.RunConclusion(analyzeConc),
	})
	if err != nil {
		return err
	}

	out := output.NewResult("analyze-result").
		Set("success", outcome.Success)
	if outcome.Category != "" {
		out.Set("category", string(outcome.Category))
	}
	if outcome.Failure != nil {
		out.Set("new_state", string(outcome.Failure.NewState))
		out.Set("escalated", outcome.Failure.Escalated)
	}
	out.SetPayload(outcome)
	return emit(out)
}

func runClassifyFailures(cmd *cobra.Command, args []string) error {
	orch, _, err := setup()
	if err != nil {
		return err
	}
	c, err := orch.ClassifyFailures(context.Background(), classifyRunID)
	if err != nil {
		return err
	}

	out := output.NewResult("classify-failures").
		Set("category", string(c.Category)).
		Set("crash", c.Crash).
		SetPayload(c)
	return emit(out)
}

func runHandleFailure(cmd *cobra.Command, args []string) error {
	orch, _, err := setup()
	if err != nil {
		return err
	}
	category := domain.FailureCategory(failureCategory)
	if category != domain.FailureSpec && category != domain.FailureInfra {
		return fmt.Errorf("category must be spec or infra, got %q", failureCategory)
	}
	outcome, err := orch.HandleFailure(context.Background(), failureIssue, failurePR, category)
	if err != nil {
		return err
	}

	out := output.NewResult("handle-failure").
		Set("retry_count", outcome.RetryCount).
		Set("new_state", string(outcome.NewState)).
		Set("escalated", outcome.Escalated).
		SetPayload(outcome)
	return emit(out)
}

func runDetectTDDPR(cmd *cobra.Command, args []string) error {
	orch, _, err := setup()
	if err != nil {
		return err
	}
	info, err := orch.DetectTDDPR(context.Background())
	if err != nil {
		return err
	}

	out := output.NewResult("detect-tdd-pr").
		Set("exists", info.Exists)
	if info.Exists {
		out.Set("pr_number", info.Number)
		out.Set("branch", info.Branch)
	}
	out.SetPayload(info)
	return emit(out)
}

func runDetectChangeType(cmd *cobra.Command, args []string) error {
	result := orchestrator.DetectChangeType(args)

	out := output.NewResult("detect-change-type").
		Set("type", string(result.Type)).
		Set("should_trigger", result.ShouldTrigger).
		SetPayload(result)
	return emit(out)
}

func runDetectSDKCrash(cmd *cobra.Command, args []string) error {
	orch, _, err := setup()
	if err != nil {
		return err
	}
	c, err := orch.DetectSDKCrash(context.Background(), crashRunID)
	if err != nil {
		return err
	}

	out := output.NewResult("detect-sdk-crash").
		Set("crash", c.Crash)
	if c.Crash {
		out.Set("signature", c.CrashSignature)
	}
	out.SetPayload(c)
	return emit(out)
}

func runVerifyBranch(cmd *cobra.Command, args []string) error {
	orch, _, err := setup()
	if err != nil {
		return err
	}
	check, err := orch.VerifyBranch(context.Background(), args[0])
	if err != nil {
		return err
	}

	out := output.NewResult("verify-branch").
		Set("valid", check.Valid)
	if check.Valid {
		out.Set("issue_number", check.IssueNumber)
		out.Set("spec_id", check.SpecID)
	}
	out.SetPayload(check)
	return emit(out)
}

func runExtractContext(cmd *cobra.Command, args []string) error {
	orch, _, err := setup()
	if err != nil {
		return err
	}
	wc, err := orch.ExtractContext(context.Background(), contextBranch, contextPRTitle, contextPR)
	if err != nil {
		return err
	}

	out := output.NewResult("extract-context").
		Set("issue_number", wc.IssueNumber).
		Set("spec_id", wc.SpecID).
		Set("attempt", wc.Attempt).
		Set("max_attempts", wc.MaxAttempts).
		SetPayload(wc)
	return emit(out)
}

func runCheckStuckPRs(cmd *cobra.Command, args []string) error {
	orch, _, err := setup()
	if err != nil {
		return err
	}
	result, err := orch.CheckStuckPRs(context.Background())
	if err != nil {
		return err
	}

	findings := make([]report.StuckPR, 0, len(result.Stuck))
	for _, s := range result.Stuck {
		findings = append(findings, report.StuckPR{
			Number:      s.Number,
			Title:       s.Title,
			LastUpdated: s.UpdatedAt,
			Reason:      s.Reason,
		})
	}
	fmt.Fprintln(os.Stderr, report.StuckPRs(findings))

	out := output.NewResult("check-stuck-prs").
		Set("stuck_count", len(result.Stuck)).
		SetPayload(result)
	return emit(out)
}

func runRecoverStuck(cmd *cobra.Command, args []string) error {
	orch, _, err := setup()
	if err != nil {
		return err
	}
	result, err := orch.RecoverStuck(context.Background(), recoverForce)
	if err != nil {
		return err
	}

	out := output.NewResult("recover-stuck").
		Set("examined", result.Examined).
		Set("recovered", result.Recovered).
		SetPayload(result)
	return emit(out)
}

func runMonitorPRs(cmd *cobra.Command, args []string) error {
	orch, _, err := setup()
	if err != nil {
		return err
	}
	result, err := orch.MonitorPRs(context.Background())
	if err != nil {
		return err
	}

	out := output.NewResult("monitor-prs").
		Set("checked", result.Checked).
		Set("conflicts", result.Conflicts).
		SetPayload(result)
	return emit(out)
}

func runCleanupBranches(cmd *cobra.Command, args []string) error {
	orch, _, err := setup()
	if err != nil {
		return err
	}
	result, err := orch.CleanupBranches(context.Background())
	if err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr, report.Cleanup(result.Outcomes))

	out := output.NewResult("cleanup-branches").
		Set("deleted", result.Deleted).
		Set("failed", result.Failed).
		SetPayload(result)
	return emit(out)
}

func runWatch(cmd *cobra.Command, args []string) error {
	orch, cfg, err := setup()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	watcher, err := watch.FromConfig(cfg.Watch, orch, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("watch mode started", "jobs", watcher.Jobs())
	watcher.Start(ctx)
	return nil
}
