package notify

import (
	"fmt"

	"github.com/loopwork/taskmill/internal/domain"
)

// NotificationType represents the type of notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// Notification represents a notification to be sent
type Notification struct {
	Title   string
	Message string
	Type    NotificationType
	RunID   string // Optional run reference
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(n Notification) error
}

// RunFinished builds the notification for a run that reached a terminal
// status.
func RunFinished(run *domain.WorkflowRun) Notification {
	counts := run.TaskCounts()
	n := Notification{
		RunID: run.ID,
		Message: fmt.Sprintf("%d completed, %d failed, %d skipped",
			counts[domain.TaskCompleted], counts[domain.TaskFailed], counts[domain.TaskSkipped]),
	}
	if run.Status == domain.RunCompleted {
		n.Title = fmt.Sprintf("Run %s completed", run.ID)
		n.Type = NotifySuccess
	} else {
		n.Title = fmt.Sprintf("Run %s failed", run.ID)
		n.Type = NotifyError
	}
	return n
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send sends the notification to all notifiers
func (m *MultiNotifier) Send(n Notification) error {
	var lastErr error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(n); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(n Notification) error { return nil }
