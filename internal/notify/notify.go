// Package notify sends job completion notices to desktop and chat targets.
package notify

import (
	"fmt"
	"time"

	"github.com/hochfrequenz/playbook-orchestrator/internal/domain"
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
	JobID   string // Optional job reference
	Project string // Optional project folder

	// Set for job notices
	Playbook   string
	Inventory  string
	Status     domain.JobStatus
	ExitCode   *int
	Duration   time.Duration
	FinishedAt time.Time
}

// FromJob builds the notice for a finished job
func FromJob(job domain.Job) Notification {
	n := Notification{
		JobID:     job.ID,
		Project:   job.Project,
		Playbook:  job.Runnable,
		Inventory: job.Inventory,
		Status:    job.Status,
		ExitCode:  job.ExitCode,
	}
	if job.DurationSeconds != nil {
		n.Duration = time.Duration(*job.DurationSeconds * float64(time.Second))
	}
	if job.CompletedAt != nil {
		n.FinishedAt = *job.CompletedAt
	}

	target := job.Project + "/" + job.Runnable
	switch job.Status {
	case domain.JobCompleted:
		n.Type = NotifySuccess
		n.Title = "Playbook completed"
		n.Message = target
	case domain.JobFailed:
		n.Type = NotifyWarning
		n.Title = "Playbook failed"
		n.Message = fmt.Sprintf("%s exited with code %d", target, *job.ExitCode)
	case domain.JobError:
		n.Type = NotifyError
		n.Title = "Playbook could not run"
		n.Message = target
	default:
		n.Type = NotifyInfo
		n.Title = "Playbook " + string(job.Status)
		n.Message = target
	}

	if job.DurationSeconds != nil {
		n.Message += fmt.Sprintf(" (%.2fs)", *job.DurationSeconds)
	}
	return n
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(n Notification) error
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

// NoopNotifier does nothing
type NoopNotifier struct{}

func (NoopNotifier) Send(n Notification) error { return nil }
