package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	Host          HostConfig          `toml:"host"`
	Pipeline      PipelineConfig      `toml:"pipeline"`
	Budget        BudgetConfig        `toml:"budget"`
	Health        HealthConfig        `toml:"health"`
	Notifications NotificationsConfig `toml:"notifications"`
	Watch         WatchConfig         `toml:"watch"`
}

// HostConfig holds connection settings for the issue/PR host
type HostConfig struct {
	Token   string `toml:"token"`
	Owner   string `toml:"owner"`
	Repo    string `toml:"repo"`
	BaseURL string `toml:"base_url"`
}

// PipelineConfig holds pipeline-wide conventions and ceilings
type PipelineConfig struct {
	TrunkBranch        string        `toml:"trunk_branch"`
	BranchPrefix       string        `toml:"branch_prefix"`
	TestWorkflow       string        `toml:"test_workflow"`
	WorkerWorkflow     string        `toml:"worker_workflow"`
	WorkerTitlePrefix  string        `toml:"worker_title_prefix"`
	MaxRetries         int           `toml:"max_retries"`
	StaleRunThreshold  time.Duration `toml:"stale_run_threshold"`
	StuckPRThreshold   time.Duration `toml:"stuck_pr_threshold"`
	OrphanBranchMinAge time.Duration `toml:"orphan_branch_min_age"`
	RepoDir            string        `toml:"repo_dir"`
}

// BudgetConfig holds spend limits for the worker
type BudgetConfig struct {
	DailyLimitUSD   float64 `toml:"daily_limit_usd"`
	WeeklyLimitUSD  float64 `toml:"weekly_limit_usd"`
	FallbackCostUSD float64 `toml:"fallback_cost_usd"`
	WarnFraction    float64 `toml:"warn_fraction"`
	ProbeCommand    string  `toml:"probe_command"`
}

// HealthConfig holds thresholds for the health classifier and breaker
type HealthConfig struct {
	Window            time.Duration `toml:"window"`
	CriticalRate      float64       `toml:"critical_rate"`
	DegradedRate      float64       `toml:"degraded_rate"`
	CloseRate         float64       `toml:"close_rate"`
	MaxTotalRetries   int           `toml:"max_total_retries"`
	ClassifyRulesPath string        `toml:"classify_rules_path"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	SlackWebhook string `toml:"slack_webhook"`
}

// WatchConfig holds schedules for long-running watch mode
type WatchConfig struct {
	HealthCron  string `toml:"health_cron"`
	MonitorCron string `toml:"monitor_cron"`
	CleanupCron string `toml:"cleanup_cron"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	return &Config{
		Host: HostConfig{
			BaseURL: "https://api.github.com",
		},
		Pipeline: PipelineConfig{
			TrunkBranch:        "main",
			BranchPrefix:       "tdd",
			TestWorkflow:       "spec-tests",
			WorkerWorkflow:     "claude-implement",
			WorkerTitlePrefix:  "Claude TDD",
			MaxRetries:         3,
			StaleRunThreshold:  30 * time.Minute,
			StuckPRThreshold:   2 * time.Hour,
			OrphanBranchMinAge: 30 * time.Minute,
			RepoDir:            ".",
		},
		Budget: BudgetConfig{
			DailyLimitUSD:   50,
			WeeklyLimitUSD:  250,
			FallbackCostUSD: 1.50,
			WarnFraction:    0.8,
		},
		Health: HealthConfig{
			Window:          24 * time.Hour,
			CriticalRate:    0.5,
			DegradedRate:    0.25,
			CloseRate:       0.2,
			MaxTotalRetries: 10,
		},
		Watch: WatchConfig{
			HealthCron:  "*/15 * * * *",
			MonitorCron: "*/5 * * * *",
			CleanupCron: "0 * * * *",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.Pipeline.RepoDir = ExpandPath(cfg.Pipeline.RepoDir)
	cfg.Health.ClassifyRulesPath = ExpandPath(cfg.Health.ClassifyRulesPath)

	return cfg, nil
}

// ApplyEnv overrides configuration from environment variables. Only the
// outermost CLI layer calls this; components never read the environment
// themselves.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("GITHUB_TOKEN"); ok {
		c.Host.Token = v
	}
	if v, ok := lookup("GITHUB_REPOSITORY"); ok {
		owner, repo, found := strings.Cut(v, "/")
		if !found {
			return fmt.Errorf("GITHUB_REPOSITORY must be owner/repo, got %q", v)
		}
		c.Host.Owner = owner
		c.Host.Repo = repo
	}
	if v, ok := lookup("GITHUB_API_URL"); ok {
		c.Host.BaseURL = v
	}
	if v, ok := lookup("TDD_ORCH_TRUNK"); ok {
		c.Pipeline.TrunkBranch = v
	}
	if v, ok := lookup("TDD_ORCH_BRANCH_PREFIX"); ok {
		c.Pipeline.BranchPrefix = v
	}
	if v, ok := lookup("TDD_ORCH_MAX_RETRIES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TDD_ORCH_MAX_RETRIES: %w", err)
		}
		c.Pipeline.MaxRetries = n
	}
	if v, ok := lookup("TDD_ORCH_STALE_THRESHOLD"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("TDD_ORCH_STALE_THRESHOLD: %w", err)
		}
		c.Pipeline.StaleRunThreshold = d
	}
	if v, ok := lookup("TDD_ORCH_DAILY_LIMIT_USD"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("TDD_ORCH_DAILY_LIMIT_USD: %w", err)
		}
		c.Budget.DailyLimitUSD = f
	}
	if v, ok := lookup("TDD_ORCH_WEEKLY_LIMIT_USD"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("TDD_ORCH_WEEKLY_LIMIT_USD: %w", err)
		}
		c.Budget.WeeklyLimitUSD = f
	}
	if v, ok := lookup("SLACK_WEBHOOK_URL"); ok {
		c.Notifications.SlackWebhook = v
	}
	return nil
}

// Validate checks that required settings are present
func (c *Config) Validate() error {
	if c.Host.Owner == "" || c.Host.Repo == "" {
		return fmt.Errorf("host owner/repo not configured (set GITHUB_REPOSITORY)")
	}
	if c.Host.Token == "" {
		return fmt.Errorf("host token not configured (set GITHUB_TOKEN)")
	}
	if c.Health.CloseRate >= c.Health.CriticalRate {
		return fmt.Errorf("close_rate (%.2f) must be below critical_rate (%.2f) for hysteresis",
			c.Health.CloseRate, c.Health.CriticalRate)
	}
	return nil
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "tdd-orch", "config.toml")
}
