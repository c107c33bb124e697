package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestIsDomainTerminal(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"credits exhausted", ErrCreditsExhausted, true},
		{"wrapped credits exhausted", fmt.Errorf("budget check: %w", ErrCreditsExhausted), true},
		{"max attempts", &MaxAttemptsReachedError{PRNumber: 40, Attempt: 5, MaxAttempts: 5}, true},
		{"active PR", &ActiveTDDPRError{PRNumber: 30, IssueNumber: 7}, true},
		{"merge conflict", &MergeConflictError{Branch: "tdd/issue-7", ConflictingFiles: []string{"a.go"}}, true},
		{"credit limit", &CreditLimitExceededError{Limit: "daily", Spent: 12, Cap: 10}, true},
		{"plain error", errors.New("connection refused"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsDomainTerminal(tt.err); got != tt.want {
				t.Errorf("IsDomainTerminal(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestErrorMessages(t *testing.T) {
	err := &CreditLimitExceededError{Limit: "weekly", Spent: 55.5, Cap: 50}
	if got := err.Error(); got != "weekly credit limit exceeded: $55.50 of $50.00" {
		t.Errorf("Error() = %q", got)
	}

	conflict := &MergeConflictError{Branch: "tdd/issue-9", ConflictingFiles: []string{"a.go", "b.go"}}
	if got := conflict.Error(); got != "rebase of tdd/issue-9 conflicts in 2 file(s)" {
		t.Errorf("Error() = %q", got)
	}
}

func TestStaleSince(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	run := WorkflowRun{Status: RunInProgress, UpdatedAt: now.Add(-time.Hour)}

	if !run.StaleSince(now, 30*time.Minute) {
		t.Error("an hour-idle run is stale past a 30m threshold")
	}
	if run.StaleSince(now, 2*time.Hour) {
		t.Error("not stale inside a 2h threshold")
	}
}
