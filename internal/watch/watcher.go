// Package watch runs the periodic maintenance sweeps when the
// orchestrator is started in long-running mode instead of being
// invoked per event.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hochfrequenz/claude-tdd-orchestrator/internal/config"
)

// Job is one named periodic sweep.
type Job struct {
	Name string
	Cron string
	Run  func(ctx context.Context) error
}

// Validate checks the job definition.
func (j *Job) Validate() error {
	if j.Name == "" {
		return fmt.Errorf("job name is required")
	}
	if j.Cron == "" {
		return fmt.Errorf("cron expression is required for job %q", j.Name)
	}
	if _, err := ParseCron(j.Cron); err != nil {
		return fmt.Errorf("job %q: invalid cron expression: %w", j.Name, err)
	}
	if j.Run == nil {
		return fmt.Errorf("job %q has no run function", j.Name)
	}
	return nil
}

// Watcher schedules the registered jobs. A job never overlaps with
// itself; distinct jobs run concurrently.
type Watcher struct {
	jobs     map[string]Job
	parser   cron.Parser
	lastRun  map[string]time.Time
	running  map[string]bool
	mu       sync.RWMutex
	stopChan chan struct{}
	log      *slog.Logger
	tick     time.Duration
	now      func() time.Time
}

// New creates a Watcher over the given jobs.
func New(jobs []Job, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{
		jobs:     make(map[string]Job),
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		lastRun:  make(map[string]time.Time),
		running:  make(map[string]bool),
		stopChan: make(chan struct{}),
		log:      logger,
		tick:     time.Minute,
		now:      time.Now,
	}
	for _, job := range jobs {
		if err := job.Validate(); err != nil {
			return nil, err
		}
		w.jobs[job.Name] = job
	}
	return w, nil
}

// Sweeps is the set of periodic procedures watch mode drives. The
// orchestrator satisfies it.
type Sweeps interface {
	RunHealthCheck(ctx context.Context) error
	RunPRMonitor(ctx context.Context) error
	RunBranchCleanup(ctx context.Context) error
}

// FromConfig builds the standard three-sweep watcher: health, PR
// monitoring, and branch cleanup.
func FromConfig(cfg config.WatchConfig, sweeps Sweeps, logger *slog.Logger) (*Watcher, error) {
	return New([]Job{
		{Name: "health-check", Cron: cfg.HealthCron, Run: sweeps.RunHealthCheck},
		{Name: "monitor-prs", Cron: cfg.MonitorCron, Run: sweeps.RunPRMonitor},
		{Name: "cleanup-branches", Cron: cfg.CleanupCron, Run: sweeps.RunBranchCleanup},
	}, logger)
}

// ParseCron parses a standard five-field cron expression.
func ParseCron(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return parser.Parse(expr)
}

// NextRun returns the next scheduled time for a job.
func (w *Watcher) NextRun(name string) time.Time {
	w.mu.RLock()
	defer w.mu.RUnlock()

	job, ok := w.jobs[name]
	if !ok {
		return time.Time{}
	}
	sched, err := w.parser.Parse(job.Cron)
	if err != nil {
		return time.Time{}
	}
	return sched.Next(w.now())
}

// ShouldRun reports whether a job is due and not already running.
func (w *Watcher) ShouldRun(name string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()

	job, ok := w.jobs[name]
	if !ok || w.running[name] {
		return false
	}
	sched, err := w.parser.Parse(job.Cron)
	if err != nil {
		return false
	}

	lastRun := w.lastRun[name]
	if lastRun.IsZero() {
		lastRun = w.now().Add(-24 * time.Hour)
	}
	return w.now().After(sched.Next(lastRun))
}

// Jobs returns all registered job names.
func (w *Watcher) Jobs() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	names := make([]string, 0, len(w.jobs))
	for name := range w.jobs {
		names = append(names, name)
	}
	return names
}

func (w *Watcher) markRunning(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.running[name] = true
}

func (w *Watcher) markComplete(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.running[name] = false
	w.lastRun[name] = w.now()
}

// Start runs the scheduling loop until Stop is called or the context
// is cancelled. Job failures are logged and retried at the next tick.
func (w *Watcher) Start(ctx context.Context) {
	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.C:
			for name := range w.jobs {
				if !w.ShouldRun(name) {
					continue
				}
				job := w.jobs[name]
				w.markRunning(name)
				go func(j Job) {
					defer w.markComplete(j.Name)
					w.log.Info("running scheduled sweep", "job", j.Name)
					if err := j.Run(ctx); err != nil {
						w.log.Error("scheduled sweep failed", "job", j.Name, "err", err)
					}
				}(job)
			}
		}
	}
}

// Stop terminates the scheduling loop.
func (w *Watcher) Stop() {
	close(w.stopChan)
}
