// Package classify sorts worker failures into spec failures (the
// generated change is wrong) and infra failures (the run itself broke).
// The two categories draw on separate retry budgets, so the verdict
// decides which counter a retry consumes.
package classify

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/claude-tdd-orchestrator/internal/domain"
)

// Rule matches log text against one failure category.
type Rule struct {
	Name     string   `yaml:"name"`
	Category string   `yaml:"category"` // spec | infra
	Patterns []string `yaml:"patterns"`
}

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

type compiledRule struct {
	name     string
	category domain.FailureCategory
	patterns []*regexp.Regexp
}

// Classifier applies an ordered rule list to run logs.
type Classifier struct {
	rules []compiledRule
}

// defaultRules cover the failure signatures seen in worker runs.
// A rules file extends them, it never has to restate them.
var defaultRules = []Rule{
	{
		Name:     "network",
		Category: "infra",
		Patterns: []string{
			`(?i)connection (refused|reset|timed out)`,
			`(?i)\bETIMEDOUT\b|\bECONNRESET\b|\bENOTFOUND\b`,
			`(?i)TLS handshake (timeout|error)`,
			`(?i)temporary failure in name resolution`,
		},
	},
	{
		Name:     "host-api",
		Category: "infra",
		Patterns: []string{
			`(?i)API rate limit exceeded`,
			`\b50[234]\b.*(Bad Gateway|Service Unavailable|Gateway Timeout)`,
			`(?i)secondary rate limit`,
		},
	},
	{
		Name:     "git",
		Category: "infra",
		Patterns: []string{
			`(?i)failed to push some refs`,
			`(?i)could not resolve host`,
			`(?i)fatal: unable to access`,
		},
	},
	{
		Name:     "runner",
		Category: "infra",
		Patterns: []string{
			`(?i)no space left on device`,
			`(?i)runner has received a shutdown signal`,
			`(?i)the operation was canceled`,
		},
	},
	{
		Name:     "test-failure",
		Category: "spec",
		Patterns: []string{
			`(?m)^--- FAIL:`,
			`(?i)assertion(s)? failed`,
			`(?i)expected .+ (but )?got`,
			`(?i)\d+ (test(s)?|spec(s)?) failed`,
		},
	},
	{
		Name:     "compile-error",
		Category: "spec",
		Patterns: []string{
			`(?i)(compilation|build) failed`,
			`(?i)syntax error`,
			`(?m)undefined: \w+`,
		},
	},
}

// Default builds a classifier from the built-in rules alone.
func Default() *Classifier {
	c, err := compile(defaultRules)
	if err != nil {
		// the built-in rules are constants, a bad pattern is a bug
		panic(err)
	}
	return c
}

// Load reads extra rules from a YAML file and prepends them to the
// built-in set, so repo-specific rules win on specificity. An empty
// path yields the defaults.
func Load(path string) (*Classifier, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read classify rules: %w", err)
	}
	var file rulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse classify rules %s: %w", path, err)
	}
	return compile(append(file.Rules, defaultRules...))
}

func compile(rules []Rule) (*Classifier, error) {
	c := &Classifier{}
	for _, r := range rules {
		cat := domain.FailureCategory(r.Category)
		if cat != domain.FailureSpec && cat != domain.FailureInfra {
			return nil, fmt.Errorf("rule %q: unknown category %q", r.Name, r.Category)
		}
		cr := compiledRule{name: r.Name, category: cat}
		for _, p := range r.Patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("rule %q: pattern %q: %w", r.Name, p, err)
			}
			cr.patterns = append(cr.patterns, re)
		}
		c.rules = append(c.rules, cr)
	}
	return c, nil
}

// Result is one classification verdict.
type Result struct {
	Category     domain.FailureCategory `json:"category"`
	MatchedRules []string               `json:"matched_rules,omitempty"`
}

// Classify scores run logs against all rules. When both categories
// match the same logs, infra wins: infra failures are typically
// transient, and burning a spec retry on a flaky network masks the
// real signal. Logs matching nothing classify as spec, a failed run
// with no infra signature is presumed a genuine test failure.
func (c *Classifier) Classify(logs string) *Result {
	result := &Result{Category: domain.FailureSpec}
	infra := false
	for _, r := range c.rules {
		for _, re := range r.patterns {
			if re.MatchString(logs) {
				result.MatchedRules = append(result.MatchedRules, r.name)
				if r.category == domain.FailureInfra {
					infra = true
				}
				break
			}
		}
	}
	if infra {
		result.Category = domain.FailureInfra
	}
	return result
}

// crashSignatures are hard process-death patterns. Any of them marks
// the run as an SDK/runner crash, always an infra failure.
var crashSignatures = []*regexp.Regexp{
	regexp.MustCompile(`(?m)^panic: `),
	regexp.MustCompile(`(?m)^fatal error: `),
	regexp.MustCompile(`(?i)signal: (killed|segmentation fault)`),
	regexp.MustCompile(`(?i)out of memory|oom-?killed`),
	regexp.MustCompile(`(?i)JavaScript heap out of memory`),
	regexp.MustCompile(`(?i)process exited with (status|code) 1[34][0-9]\b`),
}

// DetectCrash scans logs for crash signatures and returns the first
// matching excerpt.
func DetectCrash(logs string) (bool, string) {
	for _, re := range crashSignatures {
		if loc := re.FindStringIndex(logs); loc != nil {
			return true, excerpt(logs, loc[0])
		}
	}
	return false, ""
}

// excerpt returns the full log line containing offset.
func excerpt(logs string, offset int) string {
	start := strings.LastIndexByte(logs[:offset], '\n') + 1
	end := strings.IndexByte(logs[offset:], '\n')
	if end < 0 {
		return logs[start:]
	}
	return logs[start : offset+end]
}
