// Package health aggregates queue and workflow-run statistics into a
// health level and a circuit breaker verdict. Nothing here is stored:
// the breaker state is re-derived from host data on every call, so all
// consumers computing it over the same window agree.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/hochfrequenz/claude-tdd-orchestrator/internal/domain"
	"github.com/hochfrequenz/claude-tdd-orchestrator/internal/githost"
	"github.com/hochfrequenz/claude-tdd-orchestrator/internal/labels"
)

// HostAPI is the slice of the host client the monitor needs.
type HostAPI interface {
	ListIssuesByLabel(ctx context.Context, labelName, state string) ([]githost.Issue, error)
	ListWorkflowRuns(ctx context.Context, filter githost.RunFilter) ([]domain.WorkflowRun, error)
}

// Config holds the classifier thresholds. CloseRate must sit below
// CriticalRate: the breaker re-closes only through a stricter bar than
// the one that opened it.
type Config struct {
	LabelPrefix     string
	WorkerWorkflow  string
	Window          time.Duration
	CriticalRate    float64
	DegradedRate    float64
	CloseRate       float64
	MaxTotalRetries int
}

// Monitor computes health assessments from host data.
type Monitor struct {
	host HostAPI
	cfg  Config
	now  func() time.Time
}

func New(host HostAPI, cfg Config) *Monitor {
	return &Monitor{host: host, cfg: cfg, now: time.Now}
}

// WithClock overrides the time source for tests.
func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.now = now
	return m
}

// QueueMetrics counts issues per lifecycle state. TotalRetries sums
// both retry counters across every non-terminal issue.
type QueueMetrics struct {
	Queued             int `json:"queued"`
	InProgress         int `json:"in_progress"`
	Completed          int `json:"completed"`
	RetrySpec          int `json:"retry_spec"`
	RetryInfra         int `json:"retry_infra"`
	ManualIntervention int `json:"manual_intervention"`
	TotalRetries       int `json:"total_retries"`
}

// WorkflowMetrics is the failure rate of completed worker runs over
// the trailing window.
type WorkflowMetrics struct {
	TotalRuns   int           `json:"total_runs"`
	FailedRuns  int           `json:"failed_runs"`
	FailureRate float64       `json:"failure_rate"`
	Window      time.Duration `json:"-"`
}

// CircuitBreakerState is derived, never persisted.
type CircuitBreakerState struct {
	IsOpen      bool    `json:"is_open"`
	Reason      string  `json:"reason,omitempty"`
	FailureRate float64 `json:"failure_rate"`
	RetryCount  int     `json:"retry_count"`
}

// Assessment is the full health view for one point in time.
type Assessment struct {
	Level    domain.HealthLevel  `json:"level"`
	Queue    QueueMetrics        `json:"queue"`
	Workflow WorkflowMetrics     `json:"workflow"`
	Breaker  CircuitBreakerState `json:"circuit_breaker"`
	Issues   []string            `json:"issues,omitempty"`
}

// AssessHealth recomputes the health level from scratch. Query errors
// are returned to the caller; health has no fail-open shortcut because
// a wrong "healthy" verdict un-pauses a broken pipeline.
func (m *Monitor) AssessHealth(ctx context.Context) (*Assessment, error) {
	queue, err := m.queueMetrics(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue metrics: %w", err)
	}
	workflow, err := m.workflowMetrics(ctx)
	if err != nil {
		return nil, fmt.Errorf("workflow metrics: %w", err)
	}

	a := &Assessment{Queue: *queue, Workflow: *workflow}
	a.Level = m.classify(a)
	a.Breaker = CircuitBreakerState{
		IsOpen:      a.Level == domain.HealthCritical,
		FailureRate: workflow.FailureRate,
		RetryCount:  queue.TotalRetries,
	}
	if a.Breaker.IsOpen {
		a.Breaker.Reason = a.Issues[0]
	}
	return a, nil
}

func (m *Monitor) queueMetrics(ctx context.Context) (*QueueMetrics, error) {
	q := &QueueMetrics{}
	counts := []struct {
		state domain.SpecState
		dst   *int
		live  bool
	}{
		{domain.StateQueued, &q.Queued, true},
		{domain.StateInProgress, &q.InProgress, true},
		{domain.StateCompleted, &q.Completed, false},
		{domain.StateRetrySpec, &q.RetrySpec, true},
		{domain.StateRetryInfra, &q.RetryInfra, true},
		{domain.StateManualIntervention, &q.ManualIntervention, false},
	}
	for _, c := range counts {
		issues, err := m.host.ListIssuesByLabel(ctx, labels.StateLabelFor(m.cfg.LabelPrefix, c.state), "open")
		if err != nil {
			return nil, fmt.Errorf("list %s issues: %w", c.state, err)
		}
		*c.dst = len(issues)
		if !c.live {
			continue
		}
		for _, issue := range issues {
			q.TotalRetries += labels.RetryCount(issue.Labels, domain.FailureSpec)
			q.TotalRetries += labels.RetryCount(issue.Labels, domain.FailureInfra)
		}
	}
	return q, nil
}

func (m *Monitor) workflowMetrics(ctx context.Context) (*WorkflowMetrics, error) {
	runs, err := m.host.ListWorkflowRuns(ctx, githost.RunFilter{
		Workflow:     m.cfg.WorkerWorkflow,
		Status:       string(domain.RunCompleted),
		CreatedAfter: m.now().Add(-m.cfg.Window),
	})
	if err != nil {
		return nil, err
	}

	w := &WorkflowMetrics{Window: m.cfg.Window}
	for _, run := range runs {
		w.TotalRuns++
		if run.Conclusion == domain.ConclusionFailure {
			w.FailedRuns++
		}
	}
	if w.TotalRuns > 0 {
		w.FailureRate = float64(w.FailedRuns) / float64(w.TotalRuns)
	}
	return w, nil
}

func (m *Monitor) classify(a *Assessment) domain.HealthLevel {
	rate := a.Workflow.FailureRate
	switch {
	case a.Workflow.TotalRuns > 0 && rate >= m.cfg.CriticalRate:
		a.Issues = append(a.Issues, fmt.Sprintf(
			"failure rate %.0f%% over %d runs exceeds critical threshold %.0f%%",
			100*rate, a.Workflow.TotalRuns, 100*m.cfg.CriticalRate))
		return domain.HealthCritical
	case m.cfg.MaxTotalRetries > 0 && a.Queue.TotalRetries > m.cfg.MaxTotalRetries:
		a.Issues = append(a.Issues, fmt.Sprintf(
			"%d accumulated retries exceed ceiling %d",
			a.Queue.TotalRetries, m.cfg.MaxTotalRetries))
		return domain.HealthCritical
	case a.Workflow.TotalRuns > 0 && rate >= m.cfg.DegradedRate:
		a.Issues = append(a.Issues, fmt.Sprintf(
			"failure rate %.0f%% over %d runs is elevated", 100*rate, a.Workflow.TotalRuns))
		return domain.HealthDegraded
	default:
		return domain.HealthHealthy
	}
}

// ShouldOpenCircuit reports whether new pipeline triggers must pause.
func ShouldOpenCircuit(a *Assessment) bool {
	return a.Level == domain.HealthCritical
}

// CanCloseCircuit applies the hysteresis bar: healthy alone is not
// enough, the failure rate must also have dropped below the close
// threshold.
func (m *Monitor) CanCloseCircuit(a *Assessment) bool {
	return a.Level == domain.HealthHealthy && a.Workflow.FailureRate < m.cfg.CloseRate
}
