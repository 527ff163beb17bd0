package domain

// JobStatus represents the lifecycle state of a job
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobError     JobStatus = "error"
)

// IsTerminal returns true if no further transitions are allowed
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobError:
		return true
	}
	return false
}

// CanTransition reports whether a job may move from s to next.
// Status only moves forward: queued -> running -> {completed|failed|error},
// and a queued job may go straight to error when it never got to launch.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobQueued:
		return next == JobRunning || next == JobError
	case JobRunning:
		return next == JobCompleted || next == JobFailed || next == JobError
	}
	return false
}

// RunTarget is a resolved project location handed to the runner
type RunTarget struct {
	Dir       string // Working directory of the project
	Runnable  string // Absolute path of the automation file
	Inventory string // Absolute path of the inventory file
}
