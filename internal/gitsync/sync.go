// Package gitsync rebases work branches onto the trunk. A failed
// rebase is always aborted so the branch is left exactly as it was
// before the sync attempt.
package gitsync

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	gosync "sync"

	"github.com/hochfrequenz/claude-tdd-orchestrator/internal/domain"
)

// Runner executes one git command in a directory and returns its
// combined output.
type Runner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("git %s failed: %w\n%s", args[0], err, output)
	}
	return string(output), nil
}

// Coordinator serializes git operations on one checkout.
type Coordinator struct {
	repoDir string
	trunk   string
	runner  Runner
	gitMu   gosync.Mutex
}

func New(repoDir, trunk string) *Coordinator {
	return &Coordinator{repoDir: repoDir, trunk: trunk, runner: execRunner{}}
}

// WithRunner overrides the git runner for tests.
func (c *Coordinator) WithRunner(r Runner) *Coordinator {
	c.runner = r
	return c
}

// SyncResult reports one sync attempt.
type SyncResult struct {
	Branch        string `json:"branch"`
	WasOutOfSync  bool   `json:"was_out_of_sync"`
	CommitsBehind int    `json:"commits_behind"`
	NewHeadSHA    string `json:"new_head_sha,omitempty"`
}

// SyncWithMain rebases the branch onto the trunk. In-sync branches are
// untouched. A conflicted rebase is aborted and reported as
// MergeConflictError with the conflicting files.
func (c *Coordinator) SyncWithMain(ctx context.Context, branch string) (*SyncResult, error) {
	c.gitMu.Lock()
	defer c.gitMu.Unlock()

	if _, err := c.runner.Run(ctx, c.repoDir, "fetch", "origin"); err != nil {
		return nil, err
	}

	behind, err := c.commitsBehind(ctx, branch)
	if err != nil {
		return nil, err
	}
	result := &SyncResult{Branch: branch, CommitsBehind: behind}
	if behind == 0 {
		return result, nil
	}
	result.WasOutOfSync = true

	if _, err := c.runner.Run(ctx, c.repoDir, "checkout", branch); err != nil {
		return nil, err
	}
	if _, err := c.runner.Run(ctx, c.repoDir, "rebase", "origin/"+c.trunk); err != nil {
		conflicting := c.conflictingFiles(ctx)
		if _, abortErr := c.runner.Run(ctx, c.repoDir, "rebase", "--abort"); abortErr != nil {
			return nil, fmt.Errorf("abort failed rebase of %s: %w", branch, abortErr)
		}
		return nil, &domain.MergeConflictError{Branch: branch, ConflictingFiles: conflicting}
	}

	if _, err := c.runner.Run(ctx, c.repoDir, "push", "--force-with-lease", "origin", branch); err != nil {
		return nil, err
	}
	head, err := c.runner.Run(ctx, c.repoDir, "rev-parse", "HEAD")
	if err != nil {
		return nil, err
	}
	result.NewHeadSHA = strings.TrimSpace(head)
	return result, nil
}

// NeedsSync is the read-only predicate: it fetches and counts but
// never rebases or pushes.
func (c *Coordinator) NeedsSync(ctx context.Context, branch string) (bool, int, error) {
	c.gitMu.Lock()
	defer c.gitMu.Unlock()

	if _, err := c.runner.Run(ctx, c.repoDir, "fetch", "origin"); err != nil {
		return false, 0, err
	}
	behind, err := c.commitsBehind(ctx, branch)
	if err != nil {
		return false, 0, err
	}
	return behind > 0, behind, nil
}

func (c *Coordinator) commitsBehind(ctx context.Context, branch string) (int, error) {
	output, err := c.runner.Run(ctx, c.repoDir,
		"rev-list", "--count", fmt.Sprintf("origin/%s..origin/%s", branch, c.trunk))
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(output))
	if err != nil {
		return 0, fmt.Errorf("parse rev-list count %q: %w", output, err)
	}
	return n, nil
}

// conflictingFiles asks git for unmerged paths mid-rebase. Errors are
// swallowed: the caller is already on the conflict path and an empty
// file list is still a usable report.
func (c *Coordinator) conflictingFiles(ctx context.Context) []string {
	output, err := c.runner.Run(ctx, c.repoDir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil
	}
	var files []string
	for _, line := range strings.Split(output, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files
}
