package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// ErrInvalidTransition is returned when a status change would move a job backwards
var ErrInvalidTransition = errors.New("invalid job status transition")

// Job represents one execution attempt of a playbook
type Job struct {
	ID              string     `json:"job_id"`
	Status          JobStatus  `json:"status"`
	Project         string     `json:"folder"`
	Runnable        string     `json:"playbook"`
	Inventory       string     `json:"inventory,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at"`
	DurationSeconds *float64   `json:"duration"`
	ExitCode        *int       `json:"return_code"`
	Output          string     `json:"output"`
}

// NewJob creates a queued job
func NewJob(id, project, runnable, inventory string, now time.Time) *Job {
	return &Job{
		ID:        id,
		Status:    JobQueued,
		Project:   project,
		Runnable:  runnable,
		Inventory: inventory,
		StartedAt: now,
	}
}

func (j *Job) transition(next JobStatus) error {
	if !j.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, next)
	}
	j.Status = next
	return nil
}

// MarkRunning moves a queued job to running
func (j *Job) MarkRunning() error {
	return j.transition(JobRunning)
}

// AppendOutput adds a chunk of captured output verbatim, terminator
// included, and returns the byte offset at which it was written. Output is
// frozen outside of the running state.
func (j *Job) AppendOutput(chunk string) (int, bool) {
	if j.Status != JobRunning {
		return 0, false
	}
	offset := len(j.Output)
	j.Output += chunk
	return offset, true
}

// settleOutput returns the terminal output. Text already streamed is never
// rewritten: a final output that does not extend it is appended after it.
func (j *Job) settleOutput(final string) string {
	if strings.HasPrefix(final, j.Output) {
		return final
	}
	if j.Output == "" || strings.HasSuffix(j.Output, "\n") {
		return j.Output + final
	}
	return j.Output + "\n" + final
}

// Finish records the process exit. A zero exit code completes the job,
// anything else fails it.
func (j *Job) Finish(exitCode int, output string, duration time.Duration, now time.Time) error {
	next := JobCompleted
	if exitCode != 0 {
		next = JobFailed
	}
	if err := j.transition(next); err != nil {
		return err
	}
	j.ExitCode = &exitCode
	j.Output = j.settleOutput(output)
	j.setCompleted(duration, now)
	return nil
}

// Abort records an orchestration fault. The exit code stays nil.
func (j *Job) Abort(output string, duration time.Duration, now time.Time) error {
	if err := j.transition(JobError); err != nil {
		return err
	}
	j.ExitCode = nil
	j.Output = j.settleOutput(output)
	j.setCompleted(duration, now)
	return nil
}

func (j *Job) setCompleted(duration time.Duration, now time.Time) {
	secs := Round(duration.Seconds(), 2)
	j.DurationSeconds = &secs
	j.CompletedAt = &now
}

// Snapshot returns a deep copy safe to hand out of the store
func (j *Job) Snapshot() Job {
	c := *j
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.DurationSeconds != nil {
		d := *j.DurationSeconds
		c.DurationSeconds = &d
	}
	if j.ExitCode != nil {
		e := *j.ExitCode
		c.ExitCode = &e
	}
	return c
}

// HistoryEntry builds the compact summary stored in the history log.
// Only valid for terminal jobs.
func (j *Job) HistoryEntry(previewChars int) (HistoryEntry, error) {
	if !j.Status.IsTerminal() {
		return HistoryEntry{}, fmt.Errorf("job %s is not terminal: %s", j.ID, j.Status)
	}
	c := j.Snapshot()
	return HistoryEntry{
		ID:              c.ID,
		Project:         c.Project,
		Runnable:        c.Runnable,
		Status:          c.Status,
		StartedAt:       c.StartedAt,
		CompletedAt:     c.CompletedAt,
		DurationSeconds: c.DurationSeconds,
		ExitCode:        c.ExitCode,
		OutputPreview:   Preview(c.Output, previewChars),
	}, nil
}

// Preview returns at most n runes of s
func Preview(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
