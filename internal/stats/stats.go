// Package stats derives aggregate metrics from the execution history.
package stats

import (
	"sort"
	"time"

	"github.com/hochfrequenz/playbook-orchestrator/internal/domain"
)

const (
	// TopProjects is the number of projects reported as most used
	TopProjects = 5
	// RecentLookback is how many of the newest entries are considered for recent activity
	RecentLookback = 20
	// RecentWindow is the age limit for recent activity
	RecentWindow = 24 * time.Hour
)

// Compute aggregates entries (in insertion order) as of now. It has no side
// effects and never fails; an empty history yields zero values.
func Compute(entries []domain.HistoryEntry, now time.Time) domain.Statistics {
	s := domain.Statistics{
		TotalExecutions:  len(entries),
		MostUsedProjects: []domain.ProjectCount{},
		RecentActivity:   []domain.HistoryEntry{},
	}
	if len(entries) == 0 {
		return s
	}

	var durationSum float64
	var durationCount int
	counts := make(map[string]int)

	for _, e := range entries {
		switch e.Status {
		case domain.JobCompleted:
			s.Successful++
		case domain.JobFailed:
			s.Failed++
		}
		if e.DurationSeconds != nil {
			durationSum += *e.DurationSeconds
			durationCount++
		}
		counts[e.Project]++
	}

	s.SuccessRate = domain.Round(float64(s.Successful)/float64(s.TotalExecutions)*100, 1)
	if durationCount > 0 {
		s.AverageDurationSeconds = domain.Round(durationSum/float64(durationCount), 2)
	}
	s.MostUsedProjects = mostUsed(counts, TopProjects)
	s.RecentActivity = recentActivity(entries, now)

	return s
}

// mostUsed orders projects by count descending, then by name ascending
func mostUsed(counts map[string]int, n int) []domain.ProjectCount {
	out := make([]domain.ProjectCount, 0, len(counts))
	for name, count := range counts {
		out = append(out, domain.ProjectCount{Name: name, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// recentActivity looks at the last RecentLookback entries only and keeps
// those started within RecentWindow of now, newest first. Older entries
// beyond the lookback are never considered even if they fall in the window.
func recentActivity(entries []domain.HistoryEntry, now time.Time) []domain.HistoryEntry {
	start := len(entries) - RecentLookback
	if start < 0 {
		start = 0
	}
	out := []domain.HistoryEntry{}
	for i := len(entries) - 1; i >= start; i-- {
		if now.Sub(entries[i].StartedAt) <= RecentWindow {
			out = append(out, entries[i])
		}
	}
	return out
}
