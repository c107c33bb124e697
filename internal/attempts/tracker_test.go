package attempts

import (
	"context"
	"errors"
	"testing"

	"github.com/hochfrequenz/claude-tdd-orchestrator/internal/domain"
)

type fakeHost struct {
	prs      map[int]*domain.PullRequest
	comments map[int][]string
	titleErr error
}

func newFakeHost(prs ...*domain.PullRequest) *fakeHost {
	f := &fakeHost{prs: map[int]*domain.PullRequest{}, comments: map[int][]string{}}
	for _, pr := range prs {
		f.prs[pr.Number] = pr
	}
	return f
}

func (f *fakeHost) GetPullRequest(_ context.Context, number int) (*domain.PullRequest, error) {
	pr, ok := f.prs[number]
	if !ok {
		return nil, errors.New("not found")
	}
	return pr, nil
}

func (f *fakeHost) UpdatePullRequestTitle(_ context.Context, number int, title string) error {
	if f.titleErr != nil {
		return f.titleErr
	}
	f.prs[number].Title = title
	return nil
}

func (f *fakeHost) AddLabels(_ context.Context, number int, labels []string) error {
	f.prs[number].Labels = append(f.prs[number].Labels, labels...)
	return nil
}

func (f *fakeHost) AddComment(_ context.Context, number int, body string) error {
	f.comments[number] = append(f.comments[number], body)
	return nil
}

func TestParseAttempt(t *testing.T) {
	tests := []struct {
		title   string
		want    Attempt
		wantErr bool
	}{
		{"Implement API-TABLES-RECORDS-LIST-014 | Attempt 2/5", Attempt{2, 5}, false},
		{"Fix flaky test | Attempt 1/3", Attempt{1, 3}, false},
		{"Implement API-TABLES-RECORDS-LIST-014", Attempt{}, true},
		{"Attempt 2/5 moved to the front", Attempt{}, true},
		{"", Attempt{}, true},
	}
	for _, tc := range tests {
		got, err := ParseAttempt(tc.title)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseAttempt(%q) err = %v, wantErr %v", tc.title, err, tc.wantErr)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseAttempt(%q) = %+v, want %+v", tc.title, got, tc.want)
		}
	}
}

func TestIncrementAttempt(t *testing.T) {
	host := newFakeHost(&domain.PullRequest{
		Number: 7, Title: "Implement API-TABLES-RECORDS-LIST-014 | Attempt 2/5",
	})
	tracker := New(host)

	result, err := tracker.IncrementAttempt(context.Background(), 7)
	if err != nil {
		t.Fatal(err)
	}
	if result.OldAttempt != 2 || result.NewAttempt != 3 {
		t.Errorf("result = %+v", result)
	}
	want := "Implement API-TABLES-RECORDS-LIST-014 | Attempt 3/5"
	if host.prs[7].Title != want {
		t.Errorf("title = %q, want %q", host.prs[7].Title, want)
	}
}

func TestIncrementAttempt_AtCeilingEscalates(t *testing.T) {
	host := newFakeHost(&domain.PullRequest{
		Number: 7, Title: "Implement API-TABLES-RECORDS-LIST-014 | Attempt 5/5",
	})
	tracker := New(host)

	_, err := tracker.IncrementAttempt(context.Background(), 7)
	var reached *domain.MaxAttemptsReachedError
	if !errors.As(err, &reached) {
		t.Fatalf("err = %v, want MaxAttemptsReachedError", err)
	}
	if reached.SpecID != "API-TABLES-RECORDS-LIST-014" {
		t.Errorf("SpecID = %q", reached.SpecID)
	}
	if !host.prs[7].HasLabel(ManualInterventionLabel) {
		t.Error("manual-intervention label not applied")
	}
	if len(host.comments[7]) != 1 {
		t.Error("no escalation comment posted")
	}
	// the last attempt stays on record
	if host.prs[7].Title != "Implement API-TABLES-RECORDS-LIST-014 | Attempt 5/5" {
		t.Errorf("title rewritten past the ceiling: %q", host.prs[7].Title)
	}
}

func TestIncrementAttempt_UnparseableTitle(t *testing.T) {
	host := newFakeHost(&domain.PullRequest{Number: 7, Title: "no counter here"})
	tracker := New(host)

	if _, err := tracker.IncrementAttempt(context.Background(), 7); err == nil {
		t.Fatal("expected format error")
	}
}

func TestHasRemainingAttempts(t *testing.T) {
	tests := []struct {
		title string
		want  bool
	}{
		{"Implement X | Attempt 2/5", true},
		{"Implement X | Attempt 5/5", false},
		{"unparseable title", false}, // fail closed
	}
	for _, tc := range tests {
		host := newFakeHost(&domain.PullRequest{Number: 7, Title: tc.title})
		got, err := New(host).HasRemainingAttempts(context.Background(), 7)
		if err != nil {
			t.Fatal(err)
		}
		if got != tc.want {
			t.Errorf("HasRemainingAttempts(%q) = %v, want %v", tc.title, got, tc.want)
		}
	}
}
