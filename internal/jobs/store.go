package jobs

import (
	"errors"
	"fmt"
	"sync"

	"github.com/hochfrequenz/playbook-orchestrator/internal/domain"
)

var (
	// ErrJobNotFound is returned for unknown job IDs
	ErrJobNotFound = errors.New("job not found")
	// ErrDuplicateJob is returned when inserting an ID that is already present
	ErrDuplicateJob = errors.New("duplicate job id")
)

// Store holds live and recently finished jobs in insertion order.
// Readers always receive copies so a half-applied update is never visible.
type Store struct {
	mu    sync.RWMutex
	jobs  map[string]*domain.Job
	order []string
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{jobs: make(map[string]*domain.Job)}
}

// Insert registers a new job
func (s *Store) Insert(job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
	}
	s.jobs[job.ID] = job
	s.order = append(s.order, job.ID)
	return nil
}

// Get returns a snapshot of a job
func (s *Store) Get(id string) (domain.Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, false
	}
	return job.Snapshot(), true
}

// List returns snapshots of all jobs, oldest first
func (s *Store) List() []domain.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Job, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.jobs[id].Snapshot())
	}
	return out
}

// Len returns the number of jobs held
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Update applies fn to a job under the write lock and returns the result.
// If fn fails the job is left as fn left it and the error is returned.
func (s *Store) Update(id string, fn func(*domain.Job) error) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err := fn(job); err != nil {
		return job.Snapshot(), err
	}
	return job.Snapshot(), nil
}

// Prune evicts the oldest terminal jobs until at most max terminal jobs
// remain. Queued and running jobs are never evicted. max <= 0 disables
// pruning. Returns the number of evicted jobs.
func (s *Store) Prune(max int) int {
	if max <= 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	terminal := 0
	for _, id := range s.order {
		if s.jobs[id].Status.IsTerminal() {
			terminal++
		}
	}
	excess := terminal - max
	if excess <= 0 {
		return 0
	}

	kept := s.order[:0]
	evicted := 0
	for _, id := range s.order {
		if evicted < excess && s.jobs[id].Status.IsTerminal() {
			delete(s.jobs, id)
			evicted++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return evicted
}
