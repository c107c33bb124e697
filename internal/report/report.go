// Package report renders health, budget, and monitor summaries for
// terminal use. The machine-readable channel lives in internal/output;
// this is the human side.
package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/hochfrequenz/claude-tdd-orchestrator/internal/budget"
	"github.com/hochfrequenz/claude-tdd-orchestrator/internal/domain"
	"github.com/hochfrequenz/claude-tdd-orchestrator/internal/health"
	"github.com/hochfrequenz/claude-tdd-orchestrator/internal/prmanager"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	criticalStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("196"))

	dimmedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))
)

func levelStyle(level domain.HealthLevel) lipgloss.Style {
	switch level {
	case domain.HealthCritical:
		return criticalStyle
	case domain.HealthDegraded:
		return warningStyle
	default:
		return healthyStyle
	}
}

// Health renders one health assessment.
func Health(a *health.Assessment) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Pipeline Health"))
	b.WriteString("\n")

	level := levelStyle(a.Level).Render(strings.ToUpper(string(a.Level)))
	body := fmt.Sprintf("Level: %s\n", level)
	body += fmt.Sprintf("Queue: %d queued, %d in progress, %d retrying, %d need a human\n",
		a.Queue.Queued, a.Queue.InProgress,
		a.Queue.RetrySpec+a.Queue.RetryInfra, a.Queue.ManualIntervention)
	body += fmt.Sprintf("Runs: %d failed of %d in the last %s (%.0f%%)",
		a.Workflow.FailedRuns, a.Workflow.TotalRuns,
		humanizeWindow(a.Workflow.Window), 100*a.Workflow.FailureRate)
	if a.Breaker.IsOpen {
		body += "\n" + criticalStyle.Render("Circuit breaker OPEN: "+a.Breaker.Reason)
	}
	for _, issue := range a.Issues {
		body += "\n" + warningStyle.Render("! "+issue)
	}

	b.WriteString(sectionStyle.Render(body))
	b.WriteString("\n")
	return b.String()
}

// Budget renders a credit check result.
func Budget(r *budget.CheckResult) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Worker Budget"))
	b.WriteString("\n")

	body := fmt.Sprintf("Today:     %s of %s (%d runs)\n",
		usd(r.DailySpendUSD), usd(r.DailyLimitUSD), r.DailyRuns)
	body += fmt.Sprintf("This week: %s of %s (%d runs)",
		usd(r.WeeklySpendUSD), usd(r.WeeklyLimitUSD), r.WeeklyRuns)
	if r.UnparsedRuns > 0 {
		body += "\n" + dimmedStyle.Render(
			fmt.Sprintf("%d runs had no parseable cost, fallback applied", r.UnparsedRuns))
	}
	if r.ProbeExhausted {
		body += "\n" + criticalStyle.Render("Probe reports credits EXHAUSTED")
	}
	for _, w := range r.Warnings {
		body += "\n" + warningStyle.Render("! "+w)
	}

	b.WriteString(sectionStyle.Render(body))
	b.WriteString("\n")
	return b.String()
}

// Cleanup renders branch cleanup outcomes.
func Cleanup(outcomes []prmanager.CleanupOutcome) string {
	if len(outcomes) == 0 {
		return dimmedStyle.Render("No orphan branches.") + "\n"
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render("Orphan Branch Cleanup"))
	b.WriteString("\n")
	for _, o := range outcomes {
		if o.Deleted {
			b.WriteString(healthyStyle.Render("  deleted " + o.Branch))
		} else {
			b.WriteString(criticalStyle.Render("  failed  " + o.Branch + ": " + o.Error))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// StuckPR is one row of the stuck-PR report.
type StuckPR struct {
	Number      int
	Title       string
	LastUpdated time.Time
	Reason      string
}

// StuckPRs renders the monitor's stuck-PR findings.
func StuckPRs(prs []StuckPR) string {
	if len(prs) == 0 {
		return healthyStyle.Render("No stuck PRs.") + "\n"
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render("Stuck Pull Requests"))
	b.WriteString("\n")
	for _, pr := range prs {
		b.WriteString(fmt.Sprintf("  #%d %s\n", pr.Number, pr.Title))
		b.WriteString(dimmedStyle.Render(fmt.Sprintf(
			"     last update %s, %s", humanize.Time(pr.LastUpdated), pr.Reason)))
		b.WriteString("\n")
	}
	return b.String()
}

func usd(v float64) string {
	return "$" + humanize.CommafWithDigits(v, 2)
}

func humanizeWindow(d time.Duration) string {
	if d%(24*time.Hour) == 0 {
		days := int(d / (24 * time.Hour))
		if days == 1 {
			return "24h"
		}
		return fmt.Sprintf("%dd", days)
	}
	return d.String()
}
