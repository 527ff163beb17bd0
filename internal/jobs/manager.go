// Package jobs accepts run requests and drives each job from queued to a
// terminal state, recording a history entry when it finishes.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/hochfrequenz/playbook-orchestrator/internal/domain"
	"github.com/hochfrequenz/playbook-orchestrator/internal/notify"
	"github.com/hochfrequenz/playbook-orchestrator/internal/runner"
	"github.com/hochfrequenz/playbook-orchestrator/internal/stats"
)

var (
	// ErrHistoryNotFound is returned for unknown history entries
	ErrHistoryNotFound = errors.New("history entry not found")
	// ErrShuttingDown is returned by Submit once Shutdown has begun
	ErrShuttingDown = errors.New("job manager is shutting down")
)

// Workspace resolves run targets and persists variables before a run
type Workspace interface {
	Resolve(project, runnable, inventory string) (domain.RunTarget, error)
	WriteVariables(project string, vars map[string]any) error
}

// HistoryLog is the bounded record of finished jobs
type HistoryLog interface {
	Append(entry domain.HistoryEntry) error
	Clear() error
	Recent(limit int) []domain.HistoryEntry
	Entries() []domain.HistoryEntry
	Find(id string) (domain.HistoryEntry, bool)
}

// Metrics receives job lifecycle counters
type Metrics interface {
	JobSubmitted()
	SetRunning(n int)
	JobFinished(status domain.JobStatus, duration time.Duration)
	HistoryWriteFailed()
}

type noopMetrics struct{}

func (noopMetrics) JobSubmitted()                               {}
func (noopMetrics) SetRunning(int)                              {}
func (noopMetrics) JobFinished(domain.JobStatus, time.Duration) {}
func (noopMetrics) HistoryWriteFailed()                         {}

// RunRequest describes one requested playbook run
type RunRequest struct {
	Project   string         `json:"folder"`
	Runnable  string         `json:"playbook"`
	Inventory string         `json:"inventory"`
	Variables map[string]any `json:"vars,omitempty"`
}

// Options configures how jobs are launched
type Options struct {
	// Command is the executable to run. When empty the resolved runnable
	// itself is executed.
	Command string
	// Args may contain {runnable}, {inventory} and {project} placeholders.
	// Arguments that expand to an empty string are dropped.
	Args []string
	Env  map[string]string
	// Timeout bounds each run. Zero means no deadline.
	Timeout time.Duration
	// MaxParallel caps concurrently running jobs. Zero means unlimited.
	MaxParallel int
	// PreviewChars bounds the output preview stored in history.
	PreviewChars int
	// MaxRetained caps finished jobs kept in memory. Zero keeps all.
	MaxRetained int
	Debug       bool
}

// historyOp is one write handed to the history writer goroutine
type historyOp struct {
	entry  domain.HistoryEntry
	clear  bool
	result chan error
}

// Manager schedules jobs and answers queries about them
type Manager struct {
	opts      Options
	store     *Store
	history   HistoryLog
	workspace Workspace
	runner    runner.Runner
	events    *broadcaster
	sem       *semaphore.Weighted
	now       func() time.Time

	notifier notify.Notifier
	metrics  Metrics
	running  atomic.Int64

	mu     sync.Mutex
	closed bool
	done   map[string]chan struct{}
	wg     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	// History writes are serialized through a single goroutine
	historyOps  chan historyOp
	historyDone chan struct{}
}

// NewManager creates a manager and starts its history writer
func NewManager(r runner.Runner, workspace Workspace, history HistoryLog, opts Options) *Manager {
	if opts.PreviewChars <= 0 {
		opts.PreviewChars = 500
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		opts:        opts,
		store:       NewStore(),
		history:     history,
		workspace:   workspace,
		runner:      r,
		events:      newBroadcaster(),
		now:         time.Now,
		notifier:    notify.NoopNotifier{},
		metrics:     noopMetrics{},
		done:        make(map[string]chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
		historyOps:  make(chan historyOp),
		historyDone: make(chan struct{}),
	}
	if opts.MaxParallel > 0 {
		m.sem = semaphore.NewWeighted(int64(opts.MaxParallel))
	}

	go m.historyWriter()
	return m
}

// SetNotifier sets the notifier used when jobs finish
func (m *Manager) SetNotifier(n notify.Notifier) {
	m.notifier = n
}

// SetMetrics sets the metrics sink
func (m *Manager) SetMetrics(metrics Metrics) {
	m.metrics = metrics
}

func (m *Manager) historyWriter() {
	defer close(m.historyDone)
	for op := range m.historyOps {
		var err error
		if op.clear {
			err = m.history.Clear()
		} else {
			err = m.history.Append(op.entry)
		}
		op.result <- err
	}
}

func (m *Manager) writeHistory(op historyOp) error {
	op.result = make(chan error, 1)
	m.historyOps <- op
	return <-op.result
}

// enter registers in-flight work. It fails once Shutdown has begun.
func (m *Manager) enter() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.wg.Add(1)
	return true
}

// Submit registers a queued job and starts it in the background. It
// returns without waiting for the run.
func (m *Manager) Submit(req RunRequest) (string, error) {
	if !m.enter() {
		return "", ErrShuttingDown
	}

	job := domain.NewJob(uuid.NewString(), req.Project, req.Runnable, req.Inventory, m.now())
	if err := m.store.Insert(job); err != nil {
		m.wg.Done()
		return "", err
	}

	done := make(chan struct{})
	m.mu.Lock()
	m.done[job.ID] = done
	m.mu.Unlock()

	m.metrics.JobSubmitted()
	m.publishStatus(job.Snapshot())

	go m.execute(job.ID, req, done)
	return job.ID, nil
}

func (m *Manager) execute(id string, req RunRequest, done chan struct{}) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		delete(m.done, id)
		m.mu.Unlock()
		close(done)
	}()

	start := time.Now()

	if m.sem != nil {
		if err := m.sem.Acquire(m.ctx, 1); err != nil {
			m.finish(id, nil, fmt.Errorf("%w: not started: %w", runner.ErrLaunch, err), time.Since(start), false)
			return
		}
		defer m.sem.Release(1)
	}

	job, err := m.store.Update(id, (*domain.Job).MarkRunning)
	if err != nil {
		log.Printf("[jobs] %s: %v", id, err)
		return
	}
	m.metrics.SetRunning(int(m.running.Add(1)))
	m.publishStatus(job)

	start = time.Now()
	if len(req.Variables) > 0 {
		if err := m.workspace.WriteVariables(req.Project, req.Variables); err != nil {
			m.finish(id, nil, fmt.Errorf("%w: writing variables for %s: %w", runner.ErrLaunch, req.Project, err), time.Since(start), true)
			return
		}
	}
	target, err := m.workspace.Resolve(req.Project, req.Runnable, req.Inventory)
	if err != nil {
		m.finish(id, nil, fmt.Errorf("%w: %w", runner.ErrLaunch, err), time.Since(start), true)
		return
	}
	cmd := m.command(target)

	if m.opts.Debug {
		log.Printf("[jobs] %s: %s", id, cmd)
	}

	ctx := m.ctx
	if m.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.Timeout)
		defer cancel()
	}

	res, err := m.runner.Run(ctx, cmd, func(line string) {
		var offset int
		var ok bool
		if _, uerr := m.store.Update(id, func(j *domain.Job) error {
			offset, ok = j.AppendOutput(line)
			return nil
		}); uerr != nil || !ok {
			return
		}
		m.events.publish(Event{Type: EventJobOutput, JobID: id, Line: line, Offset: offset})
	})

	elapsed := time.Since(start)
	if res != nil {
		elapsed = res.Duration
	}
	m.finish(id, res, err, elapsed, true)
}

// command expands the configured command line for a target
func (m *Manager) command(target domain.RunTarget) runner.Command {
	r := strings.NewReplacer(
		"{runnable}", target.Runnable,
		"{inventory}", target.Inventory,
		"{project}", target.Dir,
	)

	c := runner.Command{
		Executable: m.opts.Command,
		Dir:        target.Dir,
		Env:        m.opts.Env,
	}
	if c.Executable == "" {
		c.Executable = target.Runnable
	}
	for _, a := range m.opts.Args {
		if expanded := r.Replace(a); expanded != "" {
			c.Args = append(c.Args, expanded)
		}
	}
	return c
}

// finish moves the job to its terminal state and records it. This is the
// single write point for terminal transitions.
func (m *Manager) finish(id string, res *runner.Result, runErr error, elapsed time.Duration, wasRunning bool) {
	now := m.now()
	job, err := m.store.Update(id, func(j *domain.Job) error {
		if runErr != nil {
			output := j.Output
			if res != nil {
				output = res.Output
			}
			return j.Abort(faultOutput(output, runErr), elapsed, now)
		}
		return j.Finish(res.ExitCode, res.Output, res.Duration, now)
	})
	if err != nil {
		log.Printf("[jobs] %s: cannot finish: %v", id, err)
		return
	}

	if wasRunning {
		m.metrics.SetRunning(int(m.running.Add(-1)))
	}
	if runErr != nil {
		log.Printf("[jobs] %s: %v", id, runErr)
	}

	entry, err := job.HistoryEntry(m.opts.PreviewChars)
	if err == nil {
		if err := m.writeHistory(historyOp{entry: entry}); err != nil {
			// The in-memory job stays authoritative
			log.Printf("[jobs] %s: history write failed: %v", id, err)
			m.metrics.HistoryWriteFailed()
		}
	}

	var duration time.Duration
	if job.DurationSeconds != nil {
		duration = time.Duration(*job.DurationSeconds * float64(time.Second))
	}
	m.metrics.JobFinished(job.Status, duration)

	go func(n notify.Notification) {
		if err := m.notifier.Send(n); err != nil {
			log.Printf("[jobs] %s: notification failed: %v", id, err)
		}
	}(notify.FromJob(job))

	m.publishStatus(job)
	if evicted := m.store.Prune(m.opts.MaxRetained); evicted > 0 && m.opts.Debug {
		log.Printf("[jobs] evicted %d finished jobs", evicted)
	}
}

func faultOutput(output string, err error) string {
	if output != "" && !strings.HasSuffix(output, "\n") {
		output += "\n"
	}
	return output + err.Error()
}

func (m *Manager) publishStatus(job domain.Job) {
	m.events.publish(Event{Type: EventJobStatus, JobID: job.ID, Job: &job})
}

// GetJob returns a snapshot of a job
func (m *Manager) GetJob(id string) (domain.Job, error) {
	job, ok := m.store.Get(id)
	if !ok {
		return domain.Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return job, nil
}

// ListJobs returns all resident jobs, oldest first
func (m *Manager) ListJobs() []domain.Job {
	return m.store.List()
}

// Wait blocks until a job is terminal and its history entry is written
func (m *Manager) Wait(ctx context.Context, id string) (domain.Job, error) {
	m.mu.Lock()
	done := m.done[id]
	m.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return domain.Job{}, ctx.Err()
		}
	}
	return m.GetJob(id)
}

// RecentHistory returns up to limit entries, newest first
func (m *Manager) RecentHistory(limit int) []domain.HistoryEntry {
	return m.history.Recent(limit)
}

// HistoryEntry returns one entry. When the job is still resident the full
// output is attached.
func (m *Manager) HistoryEntry(id string) (domain.HistoryEntry, error) {
	entry, ok := m.history.Find(id)
	if !ok {
		return domain.HistoryEntry{}, fmt.Errorf("%w: %s", ErrHistoryNotFound, id)
	}
	if job, ok := m.store.Get(id); ok {
		entry.Output = job.Output
	}
	return entry, nil
}

// Statistics computes aggregates over the retained history
func (m *Manager) Statistics() domain.Statistics {
	return stats.Compute(m.history.Entries(), m.now())
}

// ClearHistory empties the history log
func (m *Manager) ClearHistory() error {
	if !m.enter() {
		return ErrShuttingDown
	}
	defer m.wg.Done()

	if err := m.writeHistory(historyOp{clear: true}); err != nil {
		return err
	}
	m.events.publish(Event{Type: EventHistoryCleared})
	return nil
}

// Subscribe returns a channel of job events and a function to stop
// receiving them
func (m *Manager) Subscribe(buf int) (<-chan Event, func()) {
	return m.events.subscribe(buf)
}

// RunningCount returns the number of jobs currently running
func (m *Manager) RunningCount() int {
	return int(m.running.Load())
}

// Shutdown stops accepting jobs and waits for running ones. If ctx expires
// first, running processes are killed and their jobs end in error.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	idle := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(idle)
	}()

	var err error
	select {
	case <-idle:
	case <-ctx.Done():
		err = ctx.Err()
		m.cancel()
		<-idle
	}
	m.cancel()

	close(m.historyOps)
	<-m.historyDone
	return err
}
