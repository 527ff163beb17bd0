package main

import (
	"context"
	"fmt"
	"log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hochfrequenz/playbook-orchestrator/internal/config"
	"github.com/hochfrequenz/playbook-orchestrator/internal/history"
	"github.com/hochfrequenz/playbook-orchestrator/internal/jobs"
	"github.com/hochfrequenz/playbook-orchestrator/internal/metrics"
	"github.com/hochfrequenz/playbook-orchestrator/internal/notify"
	"github.com/hochfrequenz/playbook-orchestrator/internal/projects"
	"github.com/hochfrequenz/playbook-orchestrator/internal/runner"
)

// app holds the wired components shared by the commands
type app struct {
	cfg      *config.Config
	catalog  *projects.Catalog
	history  *history.Log
	manager  *jobs.Manager
	registry *prometheus.Registry
}

func loadConfig() (*config.Config, error) {
	return config.LoadWithLocalFallback(configPath)
}

// newApp loads the config and wires catalog, history, runner and job manager
func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	backend, err := history.NewBackend(cfg.General.HistoryBackend, cfg.General.HistoryPath)
	if err != nil {
		return nil, fmt.Errorf("opening history backend: %w", err)
	}
	hist, err := history.Open(backend, cfg.General.HistoryLimit)
	if err != nil {
		backend.Close()
		return nil, err
	}

	timeout, err := cfg.Runner.TimeoutDuration()
	if err != nil {
		hist.Close()
		return nil, err
	}

	catalog := projects.NewCatalog(cfg.General.ProjectsRoot)
	manager := jobs.NewManager(runner.New(cfg.Runner.Debug), catalog, hist, jobs.Options{
		Command:      cfg.Runner.Command,
		Args:         cfg.Runner.Args,
		Env:          cfg.Runner.Env,
		Timeout:      timeout,
		MaxParallel:  cfg.General.MaxParallelJobs,
		PreviewChars: cfg.General.OutputPreviewChars,
		MaxRetained:  cfg.General.MaxRetainedJobs,
		Debug:        cfg.Runner.Debug,
	})

	var notifiers []notify.Notifier
	if cfg.Notifications.Desktop {
		notifiers = append(notifiers, notify.NewDesktopNotifier(true))
	}
	if cfg.Notifications.SlackWebhook != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(cfg.Notifications.SlackWebhook))
	}
	if len(notifiers) > 0 {
		manager.SetNotifier(notify.NewMultiNotifier(notifiers...))
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	exporter, err := metrics.NewExporter(metrics.DefaultNamespace, registry, metrics.ExporterOptions{})
	if err != nil {
		log.Printf("[metrics] disabled: %v", err)
	} else {
		manager.SetMetrics(exporter)
	}

	return &app{
		cfg:      cfg,
		catalog:  catalog,
		history:  hist,
		manager:  manager,
		registry: registry,
	}, nil
}

// close waits for running jobs, then closes the history backend
func (a *app) close(ctx context.Context) error {
	shutdownErr := a.manager.Shutdown(ctx)
	if err := a.history.Close(); err != nil {
		log.Printf("[history] close: %v", err)
	}
	return shutdownErr
}
