package stats

import (
	"fmt"
	"testing"
	"time"

	"github.com/hochfrequenz/playbook-orchestrator/internal/domain"
)

var now = time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

func mk(id, project string, status domain.JobStatus, age time.Duration, duration *float64) domain.HistoryEntry {
	return domain.HistoryEntry{
		ID:              id,
		Project:         project,
		Runnable:        "site.yml",
		Status:          status,
		StartedAt:       now.Add(-age),
		DurationSeconds: duration,
	}
}

func f(v float64) *float64 { return &v }

func TestCompute_Empty(t *testing.T) {
	s := Compute(nil, now)

	if s.TotalExecutions != 0 || s.Successful != 0 || s.Failed != 0 {
		t.Errorf("counts = %+v, want zeros", s)
	}
	if s.SuccessRate != 0 {
		t.Errorf("SuccessRate = %v, want 0", s.SuccessRate)
	}
	if s.AverageDurationSeconds != 0 {
		t.Errorf("AverageDurationSeconds = %v, want 0", s.AverageDurationSeconds)
	}
	if s.MostUsedProjects == nil || len(s.MostUsedProjects) != 0 {
		t.Errorf("MostUsedProjects = %#v, want empty slice", s.MostUsedProjects)
	}
	if s.RecentActivity == nil || len(s.RecentActivity) != 0 {
		t.Errorf("RecentActivity = %#v, want empty slice", s.RecentActivity)
	}
}

func TestCompute_CountsAndRates(t *testing.T) {
	entries := []domain.HistoryEntry{
		mk("1", "web", domain.JobCompleted, time.Hour, f(2)),
		mk("2", "web", domain.JobFailed, time.Hour, f(4)),
		mk("3", "db", domain.JobError, time.Hour, nil),
	}

	s := Compute(entries, now)

	if s.TotalExecutions != 3 {
		t.Errorf("TotalExecutions = %d, want 3", s.TotalExecutions)
	}
	if s.Successful != 1 || s.Failed != 1 {
		t.Errorf("Successful/Failed = %d/%d, want 1/1", s.Successful, s.Failed)
	}
	// error counts toward total only
	if s.SuccessRate != 33.3 {
		t.Errorf("SuccessRate = %v, want 33.3", s.SuccessRate)
	}
	// nil durations are excluded from the mean
	if s.AverageDurationSeconds != 3 {
		t.Errorf("AverageDurationSeconds = %v, want 3", s.AverageDurationSeconds)
	}
}

func TestCompute_AverageRounding(t *testing.T) {
	entries := []domain.HistoryEntry{
		mk("1", "a", domain.JobCompleted, time.Hour, f(1)),
		mk("2", "a", domain.JobCompleted, time.Hour, f(1)),
		mk("3", "a", domain.JobCompleted, time.Hour, f(2)),
	}
	s := Compute(entries, now)
	if s.AverageDurationSeconds != 1.33 {
		t.Errorf("AverageDurationSeconds = %v, want 1.33", s.AverageDurationSeconds)
	}
	if s.SuccessRate != 100 {
		t.Errorf("SuccessRate = %v, want 100", s.SuccessRate)
	}
}

func TestCompute_MostUsedProjects(t *testing.T) {
	var entries []domain.HistoryEntry
	add := func(project string, n int) {
		for i := 0; i < n; i++ {
			entries = append(entries, mk(fmt.Sprintf("%s-%d", project, i), project, domain.JobCompleted, time.Hour, f(1)))
		}
	}
	add("web", 4)
	add("db", 2)
	add("cache", 2)
	add("lb", 3)
	add("mail", 1)
	add("dns", 1)

	s := Compute(entries, now)

	want := "[{web 4} {lb 3} {cache 2} {db 2} {dns 1}]"
	if got := fmt.Sprint(s.MostUsedProjects); got != want {
		t.Errorf("MostUsedProjects = %s, want %s", got, want)
	}
}

func TestCompute_RecentActivity(t *testing.T) {
	var entries []domain.HistoryEntry
	// 5 old entries followed by 25 fresh ones: only the last 20 are looked at
	for i := 0; i < 5; i++ {
		entries = append(entries, mk(fmt.Sprintf("old-%d", i), "web", domain.JobCompleted, 48*time.Hour, f(1)))
	}
	for i := 0; i < 25; i++ {
		entries = append(entries, mk(fmt.Sprintf("new-%d", i), "web", domain.JobCompleted, time.Duration(25-i)*time.Minute, f(1)))
	}
	// An outdated entry inside the lookback is filtered by age
	entries[len(entries)-2] = mk("stale", "web", domain.JobCompleted, 30*time.Hour, f(1))

	s := Compute(entries, now)

	if len(s.RecentActivity) != 19 {
		t.Fatalf("RecentActivity len = %d, want 19", len(s.RecentActivity))
	}
	if s.RecentActivity[0].ID != "new-24" {
		t.Errorf("first = %s, want new-24 (newest first)", s.RecentActivity[0].ID)
	}
	if s.RecentActivity[len(s.RecentActivity)-1].ID != "new-5" {
		t.Errorf("last = %s, want new-5", s.RecentActivity[len(s.RecentActivity)-1].ID)
	}
	for _, e := range s.RecentActivity {
		if e.ID == "stale" {
			t.Error("entries older than the window must be excluded")
		}
	}
}
