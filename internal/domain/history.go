package domain

import (
	"math"
	"time"
)

// HistoryEntry is the immutable summary of a job that reached a terminal state
type HistoryEntry struct {
	ID              string     `json:"job_id"`
	Project         string     `json:"folder"`
	Runnable        string     `json:"playbook"`
	Status          JobStatus  `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at"`
	DurationSeconds *float64   `json:"duration"`
	ExitCode        *int       `json:"return_code"`
	OutputPreview   string     `json:"output_preview"`

	// Output is only filled when the entry is served while the job is still
	// held in memory. It is never persisted.
	Output string `json:"output,omitempty"`
}

// ProjectCount is a project and how often it appears in history
type ProjectCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Statistics is a point-in-time aggregate over the history log
type Statistics struct {
	TotalExecutions        int            `json:"total_executions"`
	Successful             int            `json:"successful"`
	Failed                 int            `json:"failed"`
	SuccessRate            float64        `json:"success_rate"`
	AverageDurationSeconds float64        `json:"average_duration"`
	MostUsedProjects       []ProjectCount `json:"most_used_folders"`
	RecentActivity         []HistoryEntry `json:"recent_activity"`
}

// Round rounds v to the given number of decimal places
func Round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
