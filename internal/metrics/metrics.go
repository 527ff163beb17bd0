// Package metrics exports job lifecycle counters to Prometheus.
package metrics

import (
	"errors"
	"fmt"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/hochfrequenz/playbook-orchestrator/internal/domain"
	"github.com/hochfrequenz/playbook-orchestrator/internal/jobs"
)

// DefaultNamespace prefixes every metric name
const DefaultNamespace = "playbook_orch"

// ExporterOptions controls collector configuration
type ExporterOptions struct {
	DurationBuckets []float64
}

// Exporter adapts jobs.Metrics to Prometheus collectors
type Exporter struct {
	jobsSubmitted       prom.Counter
	jobsFinished        *prom.CounterVec
	jobDurationSeconds  *prom.HistogramVec
	jobsRunning         prom.Gauge
	historyWriteFailure prom.Counter
}

var _ jobs.Metrics = (*Exporter)(nil)

// NewExporter creates and registers the collectors on reg
func NewExporter(namespace string, reg prom.Registerer, opts ExporterOptions) (*Exporter, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	buckets := opts.DurationBuckets
	if len(buckets) == 0 {
		// Playbook runs take seconds to tens of minutes
		buckets = prom.ExponentialBuckets(1, 2, 12)
	}

	submitted := prom.NewCounter(prom.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_submitted_total",
		Help:      "Total number of submitted jobs.",
	})
	finished := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_finished_total",
		Help:      "Total number of jobs that reached a terminal state.",
	}, []string{"status"})
	duration := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "job_duration_seconds",
		Help:      "Wall-clock duration of finished jobs in seconds.",
		Buckets:   buckets,
	}, []string{"status"})
	running := prom.NewGauge(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "jobs_running",
		Help:      "Number of jobs currently running.",
	})
	historyFailures := prom.NewCounter(prom.CounterOpts{
		Namespace: namespace,
		Name:      "history_write_failures_total",
		Help:      "Total number of history entries that could not be persisted.",
	})

	var err error
	if submitted, err = registerCollector(reg, submitted); err != nil {
		return nil, err
	}
	if finished, err = registerCollector(reg, finished); err != nil {
		return nil, err
	}
	if duration, err = registerCollector(reg, duration); err != nil {
		return nil, err
	}
	if running, err = registerCollector(reg, running); err != nil {
		return nil, err
	}
	if historyFailures, err = registerCollector(reg, historyFailures); err != nil {
		return nil, err
	}

	return &Exporter{
		jobsSubmitted:       submitted,
		jobsFinished:        finished,
		jobDurationSeconds:  duration,
		jobsRunning:         running,
		historyWriteFailure: historyFailures,
	}, nil
}

// JobSubmitted counts an accepted run request
func (e *Exporter) JobSubmitted() {
	if e == nil {
		return
	}
	e.jobsSubmitted.Inc()
}

// SetRunning records the number of running jobs
func (e *Exporter) SetRunning(n int) {
	if e == nil {
		return
	}
	e.jobsRunning.Set(float64(n))
}

// JobFinished counts a terminal job and observes its duration
func (e *Exporter) JobFinished(status domain.JobStatus, duration time.Duration) {
	if e == nil {
		return
	}
	label := statusLabel(status)
	e.jobsFinished.WithLabelValues(label).Inc()
	e.jobDurationSeconds.WithLabelValues(label).Observe(duration.Seconds())
}

// HistoryWriteFailed counts a lost history write
func (e *Exporter) HistoryWriteFailed() {
	if e == nil {
		return
	}
	e.historyWriteFailure.Inc()
}

func statusLabel(s domain.JobStatus) string {
	if s == "" {
		return "unknown"
	}
	return string(s)
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}
