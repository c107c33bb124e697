// Package notify delivers pipeline alerts. Only conditions that need
// a human are worth a message: an open circuit breaker, an exhausted
// attempt budget, a blown credit limit.
package notify

// NotificationType grades an alert's severity.
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// Notification is one alert, with optional references back to the
// spec, tracking issue, and PR it concerns.
type Notification struct {
	Title       string
	Message     string
	Type        NotificationType
	SpecID      string
	IssueNumber int
	PRNumber    int
}

type Notifier interface {
	Send(n Notification) error
}

// MultiNotifier fans one notification out to several channels. Every
// channel is attempted; the last failure wins.
type MultiNotifier struct {
	notifiers []Notifier
}

func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

func (m *MultiNotifier) Send(n Notification) error {
	var lastErr error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(n); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// NoopNotifier swallows everything, for runs with alerting turned off.
type NoopNotifier struct{}

func (NoopNotifier) Send(n Notification) error { return nil }
