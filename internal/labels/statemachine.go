// Package labels maps a spec work item's lifecycle onto labels of its
// tracking issue. The issue's label set is the only durable record of
// pipeline state, so every read derives state fresh from the host and
// every write replaces the full label set in a single call.
package labels

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/hochfrequenz/claude-tdd-orchestrator/internal/domain"
	"github.com/hochfrequenz/claude-tdd-orchestrator/internal/githost"
)

// HostAPI is the slice of the host client the state machine needs.
type HostAPI interface {
	GetIssue(ctx context.Context, number int) (*githost.Issue, error)
	ReplaceLabels(ctx context.Context, number int, labels []string) error
}

// StateMachine computes and applies lifecycle transitions.
type StateMachine struct {
	host       HostAPI
	prefix     string // label namespace, e.g. "tdd"
	maxRetries int
}

// New creates a StateMachine. maxRetries is the per-category ceiling;
// crossing it is the sole trigger for manual-intervention.
func New(host HostAPI, prefix string, maxRetries int) *StateMachine {
	return &StateMachine{host: host, prefix: prefix, maxRetries: maxRetries}
}

// transitions is the complete legal transition table. Anything not
// listed is invalid. Terminal states have no outgoing edges.
var transitions = map[domain.SpecState][]domain.SpecState{
	domain.StateQueued:     {domain.StateInProgress},
	domain.StateInProgress: {domain.StateCompleted, domain.StateRetrySpec, domain.StateRetryInfra, domain.StateManualIntervention},
	domain.StateRetrySpec:  {domain.StateQueued, domain.StateManualIntervention},
	domain.StateRetryInfra: {domain.StateQueued, domain.StateManualIntervention},
}

// IsValidTransition reports whether from → to appears in the
// transition table. Pure and total over all state pairs.
func IsValidTransition(from, to domain.SpecState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// allStates enumerates every state label value.
var allStates = []domain.SpecState{
	domain.StateQueued, domain.StateInProgress, domain.StateCompleted,
	domain.StateRetrySpec, domain.StateRetryInfra, domain.StateManualIntervention,
}

// StateLabelFor builds the label encoding a state under a namespace
// prefix, e.g. "tdd-in-progress".
func StateLabelFor(prefix string, state domain.SpecState) string {
	return prefix + "-" + string(state)
}

// StateLabel returns the label encoding a state under this machine's
// namespace.
func (m *StateMachine) StateLabel(state domain.SpecState) string {
	return StateLabelFor(m.prefix, state)
}

func (m *StateMachine) retryLabel(category domain.FailureCategory, count int) string {
	return string(category) + "-retries:" + strconv.Itoa(count)
}

func (m *StateMachine) failureLabel(category domain.FailureCategory) string {
	return "failure:" + string(category)
}

// parseState extracts the current state from a label set. Missing
// state labels default to queued: a fresh issue with no labels is a
// fresh queue entry, never an error.
func (m *StateMachine) parseState(labelSet []string) domain.SpecState {
	for _, state := range allStates {
		for _, l := range labelSet {
			if l == m.StateLabel(state) {
				return state
			}
		}
	}
	return domain.StateQueued
}

// RetryCount extracts the retry counter for one failure category from
// a label set. Missing or malformed counter labels read as zero.
func RetryCount(labelSet []string, category domain.FailureCategory) int {
	prefix := string(category) + "-retries:"
	for _, l := range labelSet {
		if strings.HasPrefix(l, prefix) {
			if n, err := strconv.Atoi(strings.TrimPrefix(l, prefix)); err == nil {
				return n
			}
		}
	}
	return 0
}

func (m *StateMachine) parseFailureType(labelSet []string) domain.FailureCategory {
	for _, l := range labelSet {
		if strings.HasPrefix(l, "failure:") {
			return domain.FailureCategory(strings.TrimPrefix(l, "failure:"))
		}
	}
	return ""
}

// GetIssueState reads the issue's labels and derives the full state
// view. Never fails on missing labels.
func (m *StateMachine) GetIssueState(ctx context.Context, issueNumber int) (*domain.IssueStateInfo, error) {
	issue, err := m.host.GetIssue(ctx, issueNumber)
	if err != nil {
		return nil, fmt.Errorf("get issue state #%d: %w", issueNumber, err)
	}

	return &domain.IssueStateInfo{
		IssueNumber:     issueNumber,
		SpecID:          domain.SpecIDFromTitle(issue.Title),
		CurrentState:    m.parseState(issue.Labels),
		SpecRetryCount:  RetryCount(issue.Labels, domain.FailureSpec),
		InfraRetryCount: RetryCount(issue.Labels, domain.FailureInfra),
		FailureType:     m.parseFailureType(issue.Labels),
		Labels:          issue.Labels,
	}, nil
}

// TransitionResult reports the label delta applied by a transition.
type TransitionResult struct {
	Success       bool
	PreviousState domain.SpecState
	NewState      domain.SpecState
	LabelsAdded   []string
	LabelsRemoved []string
}

// TransitionTo validates and applies a state transition. The new label
// set is written with a single replace call so no reader observes two
// state labels across round trips.
func (m *StateMachine) TransitionTo(ctx context.Context, issueNumber int, to domain.SpecState) (*TransitionResult, error) {
	return m.transition(ctx, issueNumber, to, false)
}

// ForceTransitionTo applies a transition without validating it against
// the transition table. Used for operator overrides and recovery.
func (m *StateMachine) ForceTransitionTo(ctx context.Context, issueNumber int, to domain.SpecState) (*TransitionResult, error) {
	return m.transition(ctx, issueNumber, to, true)
}

func (m *StateMachine) transition(ctx context.Context, issueNumber int, to domain.SpecState, force bool) (*TransitionResult, error) {
	issue, err := m.host.GetIssue(ctx, issueNumber)
	if err != nil {
		return nil, fmt.Errorf("transition #%d: %w", issueNumber, err)
	}

	from := m.parseState(issue.Labels)
	if !force && !IsValidTransition(from, to) {
		return &TransitionResult{Success: false, PreviousState: from, NewState: from},
			fmt.Errorf("invalid transition %s -> %s for issue #%d", from, to, issueNumber)
	}

	newLabels, added, removed := m.replaceStateLabel(issue.Labels, to)
	if err := m.host.ReplaceLabels(ctx, issueNumber, newLabels); err != nil {
		return nil, fmt.Errorf("apply transition %s -> %s on #%d: %w", from, to, issueNumber, err)
	}

	return &TransitionResult{
		Success:       true,
		PreviousState: from,
		NewState:      to,
		LabelsAdded:   added,
		LabelsRemoved: removed,
	}, nil
}

// replaceStateLabel computes the new full label set: all non-state
// labels preserved, every state label dropped, the target state label
// appended.
func (m *StateMachine) replaceStateLabel(current []string, to domain.SpecState) (newSet, added, removed []string) {
	stateLabels := make(map[string]bool, len(allStates))
	for _, s := range allStates {
		stateLabels[m.StateLabel(s)] = true
	}

	target := m.StateLabel(to)
	for _, l := range current {
		if stateLabels[l] {
			if l != target {
				removed = append(removed, l)
			}
			continue
		}
		newSet = append(newSet, l)
	}
	newSet = append(newSet, target)
	if !contains(current, target) {
		added = append(added, target)
	}
	return newSet, added, removed
}

// IncrementRetry bumps the counter for one failure category. The two
// categories are independent budgets: a flaky-infra failure must never
// consume a spec-quality retry, and vice versa. Returns the new count.
func (m *StateMachine) IncrementRetry(ctx context.Context, issueNumber int, category domain.FailureCategory) (int, error) {
	issue, err := m.host.GetIssue(ctx, issueNumber)
	if err != nil {
		return 0, fmt.Errorf("increment %s retry on #%d: %w", category, issueNumber, err)
	}

	count := RetryCount(issue.Labels, category) + 1
	prefix := string(category) + "-retries:"

	newLabels := make([]string, 0, len(issue.Labels)+1)
	for _, l := range issue.Labels {
		if !strings.HasPrefix(l, prefix) {
			newLabels = append(newLabels, l)
		}
	}
	newLabels = append(newLabels, m.retryLabel(category, count))

	if err := m.host.ReplaceLabels(ctx, issueNumber, newLabels); err != nil {
		return 0, fmt.Errorf("apply %s retry count on #%d: %w", category, issueNumber, err)
	}
	return count, nil
}

// HasMaxRetries reports whether either category's counter has reached
// the ceiling.
func (m *StateMachine) HasMaxRetries(ctx context.Context, issueNumber int) (bool, error) {
	info, err := m.GetIssueState(ctx, issueNumber)
	if err != nil {
		return false, err
	}
	return info.SpecRetryCount >= m.maxRetries || info.InfraRetryCount >= m.maxRetries, nil
}

// HasMaxRetriesFor checks a single category's budget.
func (m *StateMachine) HasMaxRetriesFor(ctx context.Context, issueNumber int, category domain.FailureCategory) (bool, error) {
	info, err := m.GetIssueState(ctx, issueNumber)
	if err != nil {
		return false, err
	}
	return info.RetryCount(category) >= m.maxRetries, nil
}

// SetFailureType records the category of the most recent failure on
// the issue, replacing any previous failure label.
func (m *StateMachine) SetFailureType(ctx context.Context, issueNumber int, category domain.FailureCategory) error {
	issue, err := m.host.GetIssue(ctx, issueNumber)
	if err != nil {
		return fmt.Errorf("set failure type on #%d: %w", issueNumber, err)
	}

	newLabels := withoutPrefix(issue.Labels, "failure:")
	newLabels = append(newLabels, m.failureLabel(category))
	if err := m.host.ReplaceLabels(ctx, issueNumber, newLabels); err != nil {
		return fmt.Errorf("apply failure type on #%d: %w", issueNumber, err)
	}
	return nil
}

// ClearFailureType removes any recorded failure category.
func (m *StateMachine) ClearFailureType(ctx context.Context, issueNumber int) error {
	issue, err := m.host.GetIssue(ctx, issueNumber)
	if err != nil {
		return fmt.Errorf("clear failure type on #%d: %w", issueNumber, err)
	}

	newLabels := withoutPrefix(issue.Labels, "failure:")
	if len(newLabels) == len(issue.Labels) {
		return nil // nothing to clear
	}
	if err := m.host.ReplaceLabels(ctx, issueNumber, newLabels); err != nil {
		return fmt.Errorf("apply cleared failure type on #%d: %w", issueNumber, err)
	}
	return nil
}

// MaxRetries exposes the configured ceiling for reporting.
func (m *StateMachine) MaxRetries() int { return m.maxRetries }

func withoutPrefix(labelSet []string, prefix string) []string {
	out := make([]string, 0, len(labelSet))
	for _, l := range labelSet {
		if !strings.HasPrefix(l, prefix) {
			out = append(out, l)
		}
	}
	return out
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
