// Package budget gates new pipeline work on worker spend. Historical
// cost is summed from workflow-run logs over trailing windows, and a
// live probe catches provider-side exhaustion that the totals have not
// caught up with yet.
package budget

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/hochfrequenz/claude-tdd-orchestrator/internal/domain"
	"github.com/hochfrequenz/claude-tdd-orchestrator/internal/githost"
)

// HostAPI is the slice of the host client the enforcer needs.
type HostAPI interface {
	ListWorkflowRuns(ctx context.Context, filter githost.RunFilter) ([]domain.WorkflowRun, error)
	GetRunLogs(ctx context.Context, runID int64) (string, error)
}

// Prober performs the minimal live worker call used to detect
// provider-side exhaustion ahead of the numeric totals.
type Prober interface {
	Probe(ctx context.Context) (*ProbeResult, error)
}

// ProbeResult is the outcome of one live exhaustion probe.
type ProbeResult struct {
	Exhausted bool
	RawOutput string
}

// Limits holds the configured spend caps.
type Limits struct {
	DailyUSD        float64
	WeeklyUSD       float64
	FallbackCostUSD float64 // substituted when a run's cost is unparseable
	WarnFraction    float64 // warning threshold, e.g. 0.8
}

// Enforcer aggregates spend and applies the caps.
type Enforcer struct {
	host           HostAPI
	prober         Prober
	workerWorkflow string
	limits         Limits
	now            func() time.Time
}

// New creates an Enforcer. prober may be nil, in which case only the
// numeric totals gate new work.
func New(host HostAPI, prober Prober, workerWorkflow string, limits Limits) *Enforcer {
	return &Enforcer{
		host:           host,
		prober:         prober,
		workerWorkflow: workerWorkflow,
		limits:         limits,
		now:            time.Now,
	}
}

// WithClock overrides the time source for tests.
func (e *Enforcer) WithClock(now func() time.Time) *Enforcer {
	e.now = now
	return e
}

// CheckResult reports the spend aggregation, returned even when the
// check fails so callers can surface the numbers.
type CheckResult struct {
	DailySpendUSD  float64  `json:"daily_spend_usd"`
	WeeklySpendUSD float64  `json:"weekly_spend_usd"`
	DailyLimitUSD  float64  `json:"daily_limit_usd"`
	WeeklyLimitUSD float64  `json:"weekly_limit_usd"`
	DailyRuns      int      `json:"daily_runs"`
	WeeklyRuns     int      `json:"weekly_runs"`
	UnparsedRuns   int      `json:"unparsed_runs"`
	ProbeExhausted bool     `json:"probe_exhausted"`
	Warnings       []string `json:"warnings,omitempty"`
}

// costParseConcurrency bounds the log-fetch fan-out, purely to respect
// host API rate limits.
const costParseConcurrency = 3

// Cost lines as the worker emits them into run logs.
var costPatterns = []*regexp.Regexp{
	regexp.MustCompile(`"total_cost_usd"\s*:\s*([0-9]+(?:\.[0-9]+)?)`),
	regexp.MustCompile(`[Tt]otal cost:?\s*\$([0-9]+(?:\.[0-9]+)?)`),
}

// ParseCost extracts a USD cost from run log text.
func ParseCost(logs string) (float64, bool) {
	for _, p := range costPatterns {
		if m := p.FindStringSubmatch(logs); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				return v, true
			}
		}
	}
	return 0, false
}

// CheckCreditLimits verifies that new work fits the budget.
//
// The two hard numeric caps fail CLOSED; the probe's own transport
// errors fail OPEN (degrade to a warning), because a broken probe must
// not stall the pipeline while the totals still bound the damage.
func (e *Enforcer) CheckCreditLimits(ctx context.Context) (*CheckResult, error) {
	result := &CheckResult{
		DailyLimitUSD:  e.limits.DailyUSD,
		WeeklyLimitUSD: e.limits.WeeklyUSD,
	}

	now := e.now()
	daily, err := e.spendSince(ctx, now.Add(-24*time.Hour))
	if err != nil {
		return result, fmt.Errorf("aggregate daily spend: %w", err)
	}
	weekly, err := e.spendSince(ctx, now.Add(-7*24*time.Hour))
	if err != nil {
		return result, fmt.Errorf("aggregate weekly spend: %w", err)
	}
	result.DailySpendUSD = daily.total
	result.DailyRuns = daily.runs
	result.WeeklySpendUSD = weekly.total
	result.WeeklyRuns = weekly.runs
	// The daily window is inside the weekly one, so the weekly count
	// already covers every unparseable run.
	result.UnparsedRuns = weekly.unparsed

	if e.limits.WarnFraction > 0 {
		if daily.total >= e.limits.DailyUSD*e.limits.WarnFraction && daily.total < e.limits.DailyUSD {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("daily spend $%.2f at %.0f%% of limit $%.2f",
					daily.total, 100*daily.total/e.limits.DailyUSD, e.limits.DailyUSD))
		}
		if weekly.total >= e.limits.WeeklyUSD*e.limits.WarnFraction && weekly.total < e.limits.WeeklyUSD {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("weekly spend $%.2f at %.0f%% of limit $%.2f",
					weekly.total, 100*weekly.total/e.limits.WeeklyUSD, e.limits.WeeklyUSD))
		}
	}

	if daily.total >= e.limits.DailyUSD {
		return result, &domain.CreditLimitExceededError{Limit: "daily", Spent: daily.total, Cap: e.limits.DailyUSD}
	}
	if weekly.total >= e.limits.WeeklyUSD {
		return result, &domain.CreditLimitExceededError{Limit: "weekly", Spent: weekly.total, Cap: e.limits.WeeklyUSD}
	}

	// The probe is authoritative and independent of the totals: the
	// provider's real-time billing state can be exhausted while run
	// logs still sum under budget.
	if e.prober != nil {
		probe, err := e.prober.Probe(ctx)
		switch {
		case err != nil:
			result.Warnings = append(result.Warnings, "exhaustion probe failed: "+err.Error())
		case probe.Exhausted:
			result.ProbeExhausted = true
			return result, domain.ErrCreditsExhausted
		}
	}

	return result, nil
}

type spendWindow struct {
	total    float64
	runs     int
	unparsed int
}

// spendSince sums the cost of successful worker runs created after the
// cutoff. One unparseable log never blocks enforcement; the configured
// fallback cost is substituted instead.
func (e *Enforcer) spendSince(ctx context.Context, cutoff time.Time) (spendWindow, error) {
	runs, err := e.host.ListWorkflowRuns(ctx, githost.RunFilter{
		Workflow:     e.workerWorkflow,
		Status:       string(domain.RunCompleted),
		CreatedAfter: cutoff,
	})
	if err != nil {
		return spendWindow{}, err
	}

	var successful []domain.WorkflowRun
	for _, run := range runs {
		if run.Conclusion == domain.ConclusionSuccess {
			successful = append(successful, run)
		}
	}

	costs := make([]float64, len(successful))
	unparsed := make([]bool, len(successful))

	sem := make(chan struct{}, costParseConcurrency)
	var wg sync.WaitGroup
	for i, run := range successful {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, runID int64) {
			defer wg.Done()
			defer func() { <-sem }()

			logs, err := e.host.GetRunLogs(ctx, runID)
			if err != nil {
				costs[i] = e.limits.FallbackCostUSD
				unparsed[i] = true
				return
			}
			cost, ok := ParseCost(logs)
			if !ok {
				costs[i] = e.limits.FallbackCostUSD
				unparsed[i] = true
				return
			}
			costs[i] = cost
		}(i, run.ID)
	}
	wg.Wait()

	window := spendWindow{runs: len(successful)}
	for i := range costs {
		window.total += costs[i]
		if unparsed[i] {
			window.unparsed++
		}
	}
	return window, nil
}
