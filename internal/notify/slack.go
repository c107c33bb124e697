package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hochfrequenz/claude-tdd-orchestrator/internal/health"
)

// SlackNotifier posts alerts to an incoming webhook. An empty webhook
// URL disables delivery without the callers having to care.
type SlackNotifier struct {
	webhookURL string
	client     *http.Client
}

// SlackMessage is the webhook payload.
type SlackMessage struct {
	Text        string            `json:"text"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

type SlackAttachment struct {
	Color  string `json:"color"`
	Title  string `json:"title"`
	Text   string `json:"text"`
	Footer string `json:"footer,omitempty"`
}

func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (m *SlackMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// SlackColor maps a severity onto the webhook's attachment palette.
func SlackColor(t NotificationType) string {
	switch t {
	case NotifySuccess:
		return "good"
	case NotifyWarning:
		return "warning"
	case NotifyError:
		return "danger"
	default:
		return "#439FE0"
	}
}

// Send posts one notification. A disabled notifier reports success so
// a missing webhook never looks like a delivery failure.
func (s *SlackNotifier) Send(n Notification) error {
	if s.webhookURL == "" {
		return nil
	}

	footer := "tdd-orch"
	if n.IssueNumber > 0 {
		footer = fmt.Sprintf("tdd-orch · issue #%d", n.IssueNumber)
	}
	msg := SlackMessage{
		Text: n.Title,
		Attachments: []SlackAttachment{
			{
				Color:  SlackColor(n.Type),
				Text:   n.Message,
				Footer: footer,
			},
		},
	}

	if n.SpecID != "" {
		msg.Attachments[0].Title = n.SpecID
	}

	payload, err := msg.ToJSON()
	if err != nil {
		return err
	}

	resp, err := s.client.Post(s.webhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned %d", resp.StatusCode)
	}

	return nil
}

// CriticalHealth builds the alert for an open circuit breaker.
func CriticalHealth(a *health.Assessment) Notification {
	return Notification{
		Title: "TDD pipeline circuit breaker is OPEN",
		Message: fmt.Sprintf(
			"%s. Failure rate %.0f%% over %d runs, %d accumulated retries. New triggers are paused until the pipeline recovers.",
			a.Breaker.Reason, 100*a.Workflow.FailureRate, a.Workflow.TotalRuns, a.Queue.TotalRetries),
		Type: NotifyError,
	}
}

// ManualIntervention builds the alert for an exhausted attempt budget.
func ManualIntervention(specID string, issueNumber, prNumber, maxAttempts int) Notification {
	return Notification{
		Title: fmt.Sprintf("Spec %s needs a human", specID),
		Message: fmt.Sprintf(
			"All %d attempts on PR #%d are exhausted. Review the last failure on issue #%d before re-queueing.",
			maxAttempts, prNumber, issueNumber),
		Type:        NotifyError,
		SpecID:      specID,
		IssueNumber: issueNumber,
		PRNumber:    prNumber,
	}
}

// CreditAlert builds the alert for a blown budget or exhausted credits.
func CreditAlert(reason string) Notification {
	return Notification{
		Title:   "Worker budget stop",
		Message: reason,
		Type:    NotifyError,
	}
}
