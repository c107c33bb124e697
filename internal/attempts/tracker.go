// Package attempts tracks per-PR retry budgets encoded in the PR
// title as "... | Attempt X/Y" and escalates to manual intervention
// at the ceiling.
package attempts

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"github.com/hochfrequenz/claude-tdd-orchestrator/internal/domain"
)

// HostAPI is the slice of the host client the tracker needs.
type HostAPI interface {
	GetPullRequest(ctx context.Context, number int) (*domain.PullRequest, error)
	UpdatePullRequestTitle(ctx context.Context, number int, title string) error
	AddLabels(ctx context.Context, number int, labels []string) error
	AddComment(ctx context.Context, number int, body string) error
}

var attemptPattern = regexp.MustCompile(`\|\s*Attempt\s+(\d+)/(\d+)\s*$`)

// ManualInterventionLabel marks a PR whose attempt budget is spent.
const ManualInterventionLabel = "manual-intervention"

// Tracker reads and rewrites the attempt counter in PR titles.
type Tracker struct {
	host HostAPI
}

func New(host HostAPI) *Tracker {
	return &Tracker{host: host}
}

// Attempt is a parsed "X/Y" counter.
type Attempt struct {
	Current int `json:"current"`
	Max     int `json:"max"`
}

// ParseAttempt extracts the attempt counter from a PR title.
func ParseAttempt(title string) (Attempt, error) {
	m := attemptPattern.FindStringSubmatch(title)
	if m == nil {
		return Attempt{}, fmt.Errorf("no attempt counter in title %q", title)
	}
	current, err := strconv.Atoi(m[1])
	if err != nil {
		return Attempt{}, fmt.Errorf("attempt counter in %q: %w", title, err)
	}
	max, err := strconv.Atoi(m[2])
	if err != nil {
		return Attempt{}, fmt.Errorf("attempt ceiling in %q: %w", title, err)
	}
	return Attempt{Current: current, Max: max}, nil
}

// FormatTitle rewrites the counter in a title that already carries one.
func FormatTitle(title string, attempt Attempt) string {
	return attemptPattern.ReplaceAllString(title,
		fmt.Sprintf("| Attempt %d/%d", attempt.Current, attempt.Max))
}

// IncrementResult reports a successful attempt bump.
type IncrementResult struct {
	PRNumber   int    `json:"pr_number"`
	OldAttempt int    `json:"old_attempt"`
	NewAttempt int    `json:"new_attempt"`
	Max        int    `json:"max"`
	NewTitle   string `json:"new_title"`
}

// IncrementAttempt bumps the counter in the PR title. At the ceiling
// it labels the PR for manual intervention, leaves a comment, and
// fails with MaxAttemptsReachedError; the title keeps the last
// attempt number as a record.
func (t *Tracker) IncrementAttempt(ctx context.Context, prNumber int) (*IncrementResult, error) {
	pr, err := t.host.GetPullRequest(ctx, prNumber)
	if err != nil {
		return nil, fmt.Errorf("get PR #%d: %w", prNumber, err)
	}
	attempt, err := ParseAttempt(pr.Title)
	if err != nil {
		return nil, err
	}

	if attempt.Current+1 > attempt.Max {
		specID := domain.SpecIDFromTitle(pr.Title)
		if err := t.host.AddLabels(ctx, prNumber, []string{ManualInterventionLabel}); err != nil {
			return nil, fmt.Errorf("label PR #%d: %w", prNumber, err)
		}
		body := fmt.Sprintf(
			"All %d attempts for %s are exhausted. This PR needs a human: review the last failure before re-queueing.",
			attempt.Max, specLabel(specID))
		if err := t.host.AddComment(ctx, prNumber, body); err != nil {
			return nil, fmt.Errorf("comment on PR #%d: %w", prNumber, err)
		}
		return nil, &domain.MaxAttemptsReachedError{
			PRNumber: prNumber, SpecID: specID,
			Attempt: attempt.Current, MaxAttempts: attempt.Max,
		}
	}

	next := Attempt{Current: attempt.Current + 1, Max: attempt.Max}
	newTitle := FormatTitle(pr.Title, next)
	if err := t.host.UpdatePullRequestTitle(ctx, prNumber, newTitle); err != nil {
		return nil, fmt.Errorf("update title of PR #%d: %w", prNumber, err)
	}
	return &IncrementResult{
		PRNumber:   prNumber,
		OldAttempt: attempt.Current,
		NewAttempt: next.Current,
		Max:        attempt.Max,
		NewTitle:   newTitle,
	}, nil
}

// HasRemainingAttempts reports whether the PR may retry. An
// unparseable title reads as exhausted: silent infinite retry is
// worse than forcing human review.
func (t *Tracker) HasRemainingAttempts(ctx context.Context, prNumber int) (bool, error) {
	pr, err := t.host.GetPullRequest(ctx, prNumber)
	if err != nil {
		return false, fmt.Errorf("get PR #%d: %w", prNumber, err)
	}
	attempt, err := ParseAttempt(pr.Title)
	if err != nil {
		return false, nil
	}
	return attempt.Current < attempt.Max, nil
}

func specLabel(specID string) string {
	if specID == "" {
		return "this spec"
	}
	return specID
}
