// Package orchestrator composes the pipeline components into the
// procedures behind each CLI entry point. Every procedure re-reads
// host state, decides, applies at most one batch of host mutations,
// and returns a structured result for the automation output channel.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hochfrequenz/claude-tdd-orchestrator/internal/attempts"
	"github.com/hochfrequenz/claude-tdd-orchestrator/internal/budget"
	"github.com/hochfrequenz/claude-tdd-orchestrator/internal/classify"
	"github.com/hochfrequenz/claude-tdd-orchestrator/internal/config"
	"github.com/hochfrequenz/claude-tdd-orchestrator/internal/domain"
	"github.com/hochfrequenz/claude-tdd-orchestrator/internal/githost"
	"github.com/hochfrequenz/claude-tdd-orchestrator/internal/gitsync"
	"github.com/hochfrequenz/claude-tdd-orchestrator/internal/health"
	"github.com/hochfrequenz/claude-tdd-orchestrator/internal/labels"
	"github.com/hochfrequenz/claude-tdd-orchestrator/internal/notify"
	"github.com/hochfrequenz/claude-tdd-orchestrator/internal/prmanager"
	"github.com/hochfrequenz/claude-tdd-orchestrator/internal/staleness"
)

// HostAPI is the slice of the host client the orchestrator calls
// directly, on top of what its components call through their own
// interfaces.
type HostAPI interface {
	GetIssue(ctx context.Context, number int) (*githost.Issue, error)
	ListIssuesByLabel(ctx context.Context, labelName, state string) ([]githost.Issue, error)
	GetPullRequest(ctx context.Context, number int) (*domain.PullRequest, error)
	ListPullRequests(ctx context.Context, state, branch string) ([]domain.PullRequest, error)
	ListWorkflowRuns(ctx context.Context, filter githost.RunFilter) ([]domain.WorkflowRun, error)
	GetRunLogs(ctx context.Context, runID int64) (string, error)
	AddComment(ctx context.Context, number int, body string) error
	CheckRateLimit(ctx context.Context) (*githost.RateLimit, error)
}

// Deps carries the composed components. Tests inject fakes per field.
type Deps struct {
	Host       HostAPI
	State      *labels.StateMachine
	Staleness  *staleness.Detector
	Budget     *budget.Enforcer
	Health     *health.Monitor
	PRs        *prmanager.Manager
	Attempts   *attempts.Tracker
	Sync       *gitsync.Coordinator
	Classifier *classify.Classifier
	Notifier   notify.Notifier
	Logger     *slog.Logger
	Pipeline   config.PipelineConfig
}

type Orchestrator struct {
	host    HostAPI
	state   *labels.StateMachine
	stale   *staleness.Detector
	budget  *budget.Enforcer
	health  *health.Monitor
	prs     *prmanager.Manager
	tracker *attempts.Tracker
	gits    *gitsync.Coordinator
	rules   *classify.Classifier
	notify  notify.Notifier
	log     *slog.Logger
	cfg     config.PipelineConfig
	now     func() time.Time
}

func New(deps Deps) *Orchestrator {
	o := &Orchestrator{
		host:    deps.Host,
		state:   deps.State,
		stale:   deps.Staleness,
		budget:  deps.Budget,
		health:  deps.Health,
		prs:     deps.PRs,
		tracker: deps.Attempts,
		gits:    deps.Sync,
		rules:   deps.Classifier,
		notify:  deps.Notifier,
		log:     deps.Logger,
		cfg:     deps.Pipeline,
		now:     time.Now,
	}
	if o.notify == nil {
		o.notify = notify.NoopNotifier{}
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	return o
}

// WithClock overrides the time source for tests.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// FromConfig wires the full production component graph onto one host
// client.
func FromConfig(client *githost.Client, cfg *config.Config, notifier notify.Notifier, logger *slog.Logger) (*Orchestrator, error) {
	classifier, err := classify.Load(cfg.Health.ClassifyRulesPath)
	if err != nil {
		return nil, err
	}

	var prober budget.Prober
	if cfg.Budget.ProbeCommand != "" {
		prober = budget.NewCommandProber(cfg.Budget.ProbeCommand)
	}

	return New(Deps{
		Host:  client,
		State: labels.New(client, cfg.Pipeline.BranchPrefix, cfg.Pipeline.MaxRetries),
		Staleness: staleness.New(client, staleness.Config{
			TestWorkflow:      cfg.Pipeline.TestWorkflow,
			WorkerWorkflow:    cfg.Pipeline.WorkerWorkflow,
			WorkerTitlePrefix: cfg.Pipeline.WorkerTitlePrefix,
			Threshold:         cfg.Pipeline.StaleRunThreshold,
		}),
		Budget: budget.New(client, prober, cfg.Pipeline.WorkerWorkflow, budget.Limits{
			DailyUSD:        cfg.Budget.DailyLimitUSD,
			WeeklyUSD:       cfg.Budget.WeeklyLimitUSD,
			FallbackCostUSD: cfg.Budget.FallbackCostUSD,
			WarnFraction:    cfg.Budget.WarnFraction,
		}),
		Health: health.New(client, health.Config{
			LabelPrefix:     cfg.Pipeline.BranchPrefix,
			WorkerWorkflow:  cfg.Pipeline.WorkerWorkflow,
			Window:          cfg.Health.Window,
			CriticalRate:    cfg.Health.CriticalRate,
			DegradedRate:    cfg.Health.DegradedRate,
			CloseRate:       cfg.Health.CloseRate,
			MaxTotalRetries: cfg.Health.MaxTotalRetries,
		}),
		PRs:        prmanager.New(client, cfg.Pipeline.BranchPrefix),
		Attempts:   attempts.New(client),
		Sync:       gitsync.New(cfg.Pipeline.RepoDir, cfg.Pipeline.TrunkBranch),
		Classifier: classifier,
		Notifier:   notifier,
		Logger:     logger,
		Pipeline:   cfg.Pipeline,
	}), nil
}

// HealthCheckResult is the health-check command output.
type HealthCheckResult struct {
	Health        *health.Assessment  `json:"health"`
	Budget        *budget.CheckResult `json:"budget,omitempty"`
	BudgetBlocked string              `json:"budget_blocked,omitempty"`
	CircuitOpen   bool                `json:"circuit_open"`
	CanClose      bool                `json:"can_close"`
}

// HealthCheck assesses pipeline health and budget, alerting when the
// circuit breaker opens.
func (o *Orchestrator) HealthCheck(ctx context.Context) (*HealthCheckResult, error) {
	assessment, err := o.health.AssessHealth(ctx)
	if err != nil {
		return nil, err
	}
	result := &HealthCheckResult{
		Health:      assessment,
		CircuitOpen: health.ShouldOpenCircuit(assessment),
		CanClose:    o.health.CanCloseCircuit(assessment),
	}

	budgetResult, err := o.budget.CheckCreditLimits(ctx)
	result.Budget = budgetResult
	if err != nil {
		if !domain.IsDomainTerminal(err) {
			return nil, err
		}
		result.BudgetBlocked = err.Error()
	}

	if result.CircuitOpen {
		o.log.Warn("circuit breaker open", "reason", assessment.Breaker.Reason)
		if err := o.notify.Send(notify.CriticalHealth(assessment)); err != nil {
			o.log.Warn("health alert not delivered", "err", err)
		}
	}
	return result, nil
}

// PreCheckResult is the pre-check command output. A blocked check is a
// structured result, not a process failure.
type PreCheckResult struct {
	ShouldTrigger bool                `json:"should_trigger"`
	BlockedBy     string              `json:"blocked_by,omitempty"`
	SkipReason    string              `json:"skip_reason,omitempty"`
	Warnings      []string            `json:"warnings,omitempty"`
	Health        domain.HealthLevel  `json:"health,omitempty"`
	Budget        *budget.CheckResult `json:"budget,omitempty"`
	Staleness     *staleness.Decision `json:"staleness,omitempty"`
}

// Blocked-by reasons for PreCheck.
const (
	BlockedCircuitOpen      = "circuit_open"
	BlockedCreditLimit      = "credit_limit"
	BlockedCreditsExhausted = "credits_exhausted"
	BlockedActivePR         = "active_pr"
	BlockedStaleness        = "staleness"
)

// PreCheck gates a new worker trigger. Check order is cheapest-to-
// safest: circuit breaker, budget caps, serial-PR invariant, then the
// staleness decision. Breaker and staleness fail open; budget caps and
// the serial invariant fail closed.
func (o *Orchestrator) PreCheck(ctx context.Context, runID int64, branch string) (*PreCheckResult, error) {
	result := &PreCheckResult{}

	assessment, err := o.health.AssessHealth(ctx)
	if err != nil {
		result.Warnings = append(result.Warnings, "health assessment unavailable: "+err.Error())
		o.log.Warn("pre-check continues without health data", "err", err)
	} else {
		result.Health = assessment.Level
		if health.ShouldOpenCircuit(assessment) {
			result.BlockedBy = BlockedCircuitOpen
			return result, nil
		}
	}

	budgetResult, err := o.budget.CheckCreditLimits(ctx)
	result.Budget = budgetResult
	if err != nil {
		if errors.Is(err, domain.ErrCreditsExhausted) {
			result.BlockedBy = BlockedCreditsExhausted
			return result, nil
		}
		var limitErr *domain.CreditLimitExceededError
		if errors.As(err, &limitErr) {
			result.BlockedBy = BlockedCreditLimit
			return result, nil
		}
		// no safe default for an unverifiable hard cap
		return nil, fmt.Errorf("budget check: %w", err)
	}
	result.Warnings = append(result.Warnings, budgetResult.Warnings...)

	if err := o.prs.RequireNoActivePR(ctx); err != nil {
		var active *domain.ActiveTDDPRError
		if errors.As(err, &active) {
			result.BlockedBy = BlockedActivePR
			return result, nil
		}
		return nil, err
	}

	decision := o.stale.ShouldTrigger(ctx, runID, branch)
	result.Staleness = decision
	if decision.Warning != "" {
		result.Warnings = append(result.Warnings, decision.Warning)
	}
	if !decision.ShouldTrigger {
		result.BlockedBy = BlockedStaleness
		result.SkipReason = decision.SkipReason
		return result, nil
	}

	result.ShouldTrigger = true
	return result, nil
}

// CheckStaleness runs the staleness decision alone.
func (o *Orchestrator) CheckStaleness(ctx context.Context, runID int64, branch string) *staleness.Decision {
	return o.stale.ShouldTrigger(ctx, runID, branch)
}

// SyncStatus is the check-sync-status command output.
type SyncStatus struct {
	Branch        string `json:"branch"`
	NeedsSync     bool   `json:"needs_sync"`
	CommitsBehind int    `json:"commits_behind"`
}

// CheckSyncStatus reports how far a branch has fallen behind the
// trunk, without touching it.
func (o *Orchestrator) CheckSyncStatus(ctx context.Context, branch string) (*SyncStatus, error) {
	needs, behind, err := o.gits.NeedsSync(ctx, branch)
	if err != nil {
		return nil, err
	}
	return &SyncStatus{Branch: branch, NeedsSync: needs, CommitsBehind: behind}, nil
}

// SyncBranch rebases a work branch onto the trunk. A conflict is
// domain-terminal and reported with the conflicting files.
func (o *Orchestrator) SyncBranch(ctx context.Context, branch string) (*gitsync.SyncResult, error) {
	return o.gits.SyncWithMain(ctx, branch)
}
