package batch

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hochfrequenz/playbook-orchestrator/internal/domain"
	"github.com/hochfrequenz/playbook-orchestrator/internal/jobs"
)

// Submitter starts jobs and waits for them
type Submitter interface {
	Submit(req jobs.RunRequest) (string, error)
	Wait(ctx context.Context, id string) (domain.Job, error)
}

// EntryStatus describes the state of one scheduled run
type EntryStatus struct {
	Name      string    `json:"name"`
	Cron      string    `json:"cron"`
	Project   string    `json:"folder"`
	Playbook  string    `json:"playbook"`
	Disabled  bool      `json:"disabled"`
	Running   bool      `json:"running"`
	LastRun   time.Time `json:"last_run"`
	LastJobID string    `json:"last_job_id,omitempty"`
	NextRun   time.Time `json:"next_run"`
}

// Scheduler submits scheduled runs when their cron expression fires.
// A run is skipped while the previous job of the same entry is live.
type Scheduler struct {
	entries   map[string]Entry
	schedules map[string]cron.Schedule
	submitter Submitter
	interval  time.Duration

	lastRun map[string]time.Time
	lastJob map[string]string
	running map[string]bool
	mu      sync.RWMutex
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler. Entries are first due at the next cron
// tick after now.
func NewScheduler(entries []Entry, submitter Submitter, now time.Time) (*Scheduler, error) {
	s := &Scheduler{
		entries:   make(map[string]Entry),
		schedules: make(map[string]cron.Schedule),
		submitter: submitter,
		interval:  time.Minute,
		lastRun:   make(map[string]time.Time),
		lastJob:   make(map[string]string),
		running:   make(map[string]bool),
	}

	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return nil, err
		}
		sched, err := ParseCron(e.Cron)
		if err != nil {
			return nil, err
		}
		s.entries[e.Name] = e
		s.schedules[e.Name] = sched
		s.lastRun[e.Name] = now
	}

	return s, nil
}

// ParseCron parses a five-field cron expression
func ParseCron(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return parser.Parse(expr)
}

// SetInterval sets how often Start checks for due entries
func (s *Scheduler) SetInterval(d time.Duration) {
	s.interval = d
}

// NextRun returns the next time an entry is due
func (s *Scheduler) NextRun(name string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sched, ok := s.schedules[name]
	if !ok {
		return time.Time{}
	}
	return sched.Next(s.lastRun[name])
}

// ShouldRun reports whether an entry is due at now
func (s *Scheduler) ShouldRun(name string, now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[name]
	if !ok || e.Disabled || s.running[name] {
		return false
	}
	next := s.schedules[name].Next(s.lastRun[name])
	return !now.Before(next)
}

// Tick submits every entry that is due at now and returns the new job IDs
func (s *Scheduler) Tick(ctx context.Context, now time.Time) []string {
	var started []string
	for _, name := range s.names() {
		if !s.ShouldRun(name, now) {
			continue
		}

		e := s.entries[name]
		id, err := s.submitter.Submit(jobs.RunRequest{
			Project:   e.Project,
			Runnable:  e.Playbook,
			Inventory: e.Inventory,
			Variables: e.Variables,
		})

		s.mu.Lock()
		s.lastRun[name] = now
		if err != nil {
			s.mu.Unlock()
			log.Printf("[batch] %s: submit failed: %v", name, err)
			continue
		}
		s.running[name] = true
		s.lastJob[name] = id
		s.mu.Unlock()

		log.Printf("[batch] %s: started job %s", name, id)
		started = append(started, id)

		s.wg.Add(1)
		go func(name, id string) {
			defer s.wg.Done()
			job, err := s.submitter.Wait(ctx, id)
			if err != nil {
				log.Printf("[batch] %s: waiting for %s: %v", name, id, err)
			} else {
				log.Printf("[batch] %s: job %s %s", name, id, job.Status)
			}
			s.mu.Lock()
			s.running[name] = false
			s.mu.Unlock()
		}(name, id)
	}
	return started
}

// Start checks for due entries until ctx is cancelled
func (s *Scheduler) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return nil
		case now := <-ticker.C:
			s.Tick(ctx, now)
		}
	}
}

// Status returns the state of every entry sorted by name
func (s *Scheduler) Status() []EntryStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]EntryStatus, 0, len(s.entries))
	for _, name := range s.namesLocked() {
		e := s.entries[name]
		out = append(out, EntryStatus{
			Name:      e.Name,
			Cron:      e.Cron,
			Project:   e.Project,
			Playbook:  e.Playbook,
			Disabled:  e.Disabled,
			Running:   s.running[name],
			LastRun:   s.lastRun[name],
			LastJobID: s.lastJob[name],
			NextRun:   s.schedules[name].Next(s.lastRun[name]),
		})
	}
	return out
}

func (s *Scheduler) names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.namesLocked()
}

func (s *Scheduler) namesLocked() []string {
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
