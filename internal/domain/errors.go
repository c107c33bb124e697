package domain

import (
	"errors"
	"fmt"
)

// Domain-terminal errors. These are expected outcomes that drive a
// host-side action (label, comment, pause); callers match them with
// errors.Is / errors.As and must never treat them as crashes.

// ErrCreditsExhausted signals provider-side budget exhaustion reported
// by the live probe, independent of the numeric spend totals.
var ErrCreditsExhausted = errors.New("worker credits exhausted")

// MaxAttemptsReachedError is returned when an attempt increment would
// cross the ceiling encoded in the PR title.
type MaxAttemptsReachedError struct {
	PRNumber    int
	SpecID      string
	Attempt     int
	MaxAttempts int
}

func (e *MaxAttemptsReachedError) Error() string {
	return fmt.Sprintf("PR #%d reached max attempts (%d/%d)", e.PRNumber, e.Attempt, e.MaxAttempts)
}

// ActiveTDDPRError enforces the serial-processing invariant: at most
// one open, non-superseded automation PR may exist at a time.
type ActiveTDDPRError struct {
	PRNumber    int
	IssueNumber int
	Title       string
}

func (e *ActiveTDDPRError) Error() string {
	return fmt.Sprintf("active TDD PR #%d already exists for issue #%d", e.PRNumber, e.IssueNumber)
}

// MergeConflictError reports a rebase that could not be completed.
// The branch is left exactly as it was before the sync attempt.
type MergeConflictError struct {
	Branch           string
	ConflictingFiles []string
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("rebase of %s conflicts in %d file(s)", e.Branch, len(e.ConflictingFiles))
}

// CreditLimitExceededError is returned when historical spend reaches a
// hard cap. Limit is "daily" or "weekly".
type CreditLimitExceededError struct {
	Limit string
	Spent float64
	Cap   float64
}

func (e *CreditLimitExceededError) Error() string {
	return fmt.Sprintf("%s credit limit exceeded: $%.2f of $%.2f", e.Limit, e.Spent, e.Cap)
}

// IsDomainTerminal reports whether err belongs to the expected,
// structured failure taxonomy rather than an infrastructure fault.
func IsDomainTerminal(err error) bool {
	if errors.Is(err, ErrCreditsExhausted) {
		return true
	}
	var maxAttempts *MaxAttemptsReachedError
	var activePR *ActiveTDDPRError
	var conflict *MergeConflictError
	var creditLimit *CreditLimitExceededError
	return errors.As(err, &maxAttempts) ||
		errors.As(err, &activePR) ||
		errors.As(err, &conflict) ||
		errors.As(err, &creditLimit)
}
