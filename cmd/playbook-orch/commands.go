package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/playbook-orchestrator/internal/batch"
	"github.com/hochfrequenz/playbook-orchestrator/internal/domain"
	"github.com/hochfrequenz/playbook-orchestrator/internal/jobs"
	"github.com/hochfrequenz/playbook-orchestrator/internal/projects"
	"github.com/hochfrequenz/playbook-orchestrator/tui"
	"github.com/hochfrequenz/playbook-orchestrator/web/api"
)

// shutdownGrace bounds how long running jobs may finish after a signal
const shutdownGrace = 30 * time.Second

var (
	servePort     int
	serveNoBatch  bool
	runInventory  string
	runVars       []string
	historyLimit  int
	historyJSON   bool
	statsJSON     bool
	tuiLogFile    string
	tuiWithServer bool
)

func init() {
	// serve command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, scheduled batches and project watcher",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (overrides config)")
	serveCmd.Flags().BoolVar(&serveNoBatch, "no-batch", false, "do not run scheduled batches")
	rootCmd.AddCommand(serveCmd)

	// run command
	runCmd := &cobra.Command{
		Use:   "run FOLDER PLAYBOOK",
		Short: "Run one playbook and stream its output",
		Args:  cobra.ExactArgs(2),
		RunE:  runRun,
	}
	runCmd.Flags().StringVarP(&runInventory, "inventory", "i", "inventory.ini", "inventory file inside the folder")
	runCmd.Flags().StringArrayVarP(&runVars, "var", "e", nil, "variable as key=value, written to vars.yml before the run (repeatable)")
	rootCmd.AddCommand(runCmd)

	// history command
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent runs",
		RunE:  runHistory,
	}
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of entries to show")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "print JSON")
	historyCmd.AddCommand(&cobra.Command{
		Use:   "show ID",
		Short: "Show one history entry",
		Args:  cobra.ExactArgs(1),
		RunE:  runHistoryShow,
	})
	historyCmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Delete all history entries",
		RunE:  runHistoryClear,
	})
	rootCmd.AddCommand(historyCmd)

	// stats command
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show execution statistics",
		RunE:  runStats,
	}
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "print JSON")
	rootCmd.AddCommand(statsCmd)

	// projects command
	projectsCmd := &cobra.Command{
		Use:   "projects",
		Short: "List project folders and their playbooks",
		RunE:  runProjects,
	}
	projectsCmd.AddCommand(&cobra.Command{
		Use:   "vars FOLDER",
		Short: "Print a folder's variables",
		Args:  cobra.ExactArgs(1),
		RunE:  runProjectVars,
	})
	projectsCmd.AddCommand(&cobra.Command{
		Use:   "inventory FOLDER",
		Short: "Print a folder's inventory groups",
		Args:  cobra.ExactArgs(1),
		RunE:  runProjectInventory,
	})
	rootCmd.AddCommand(projectsCmd)

	// schedule command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "schedule",
		Short: "List scheduled batch runs",
		RunE:  runSchedule,
	})

	// tui command
	tuiCmd := &cobra.Command{
		Use:   "tui",
		Short: "Launch TUI dashboard",
		RunE:  runTUI,
	}
	tuiCmd.Flags().StringVar(&tuiLogFile, "log-file", "", "write logs to this file instead of discarding them")
	tuiCmd.Flags().BoolVar(&tuiWithServer, "serve", true, "also serve the HTTP API and scheduled batches")
	rootCmd.AddCommand(tuiCmd)

	rootCmd.AddCommand(newServiceCmd())
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// background starts the API server, project watcher and batch scheduler
// under g. It returns once everything is started.
func (a *app) background(ctx context.Context, g *errgroup.Group, addr string, withBatch bool) error {
	server := api.NewServer(a.manager, a.catalog, addr)
	server.SetMetricsHandler(promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))

	watcher, err := projects.NewWatcher(a.catalog)
	if err != nil {
		log.Printf("[projects] file watching disabled: %v", err)
	} else {
		watcher.Start(ctx)
		g.Go(func() error {
			<-ctx.Done()
			watcher.Stop()
			return nil
		})
	}

	if withBatch {
		sched, err := loadScheduler(a.cfg.General.SchedulePath, a.manager)
		if err != nil {
			return err
		}
		server.SetSchedules(sched)
		g.Go(func() error { return sched.Start(ctx) })
	}

	g.Go(func() error { return server.Start(ctx) })
	return nil
}

func loadScheduler(path string, submitter batch.Submitter) (*batch.Scheduler, error) {
	schedule, err := batch.LoadScheduleConfig(path)
	if err != nil {
		return nil, err
	}
	return batch.NewScheduler(schedule.Entries, submitter, time.Now())
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}

	web := a.cfg.Web
	if servePort != 0 {
		web.Port = servePort
	}

	ctx, stop := signalContext()
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	if err := a.background(gctx, g, web.Addr(), !serveNoBatch); err != nil {
		a.close(context.Background())
		return err
	}

	fmt.Printf("Serving API at http://%s (projects: %s)\n", web.Addr(), a.cfg.General.ProjectsRoot)
	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := a.close(shutdownCtx); err != nil {
		log.Printf("[jobs] shutdown: %v", err)
	}
	return runErr
}

func runRun(cmd *cobra.Command, args []string) error {
	vars, err := parseVars(runVars)
	if err != nil {
		return err
	}

	a, err := newApp()
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	events, unsubscribe := a.manager.Subscribe(1024)
	defer unsubscribe()

	id, err := a.manager.Submit(jobs.RunRequest{
		Project:   args[0],
		Runnable:  args[1],
		Inventory: runInventory,
		Variables: vars,
	})
	if err != nil {
		a.close(context.Background())
		return err
	}

	job, err := streamJob(ctx, a.manager, id, events, os.Stdout)

	// After an interrupt the run is killed instead of awaited
	grace := shutdownGrace
	if ctx.Err() != nil {
		grace = 0
	}
	closeCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if cerr := a.close(closeCtx); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "\n%s %s/%s: %s", shortID(job.ID), job.Project, job.Runnable, job.Status)
	if job.DurationSeconds != nil {
		fmt.Fprintf(os.Stderr, " in %.2fs", *job.DurationSeconds)
	}
	fmt.Fprintln(os.Stderr)

	switch job.Status {
	case domain.JobCompleted:
		return nil
	case domain.JobFailed:
		if job.ExitCode != nil && *job.ExitCode > 0 {
			return &exitError{code: *job.ExitCode}
		}
	}
	return &exitError{code: 1}
}

// jobReader is the part of the job manager streamJob needs
type jobReader interface {
	GetJob(id string) (domain.Job, error)
}

// streamJob copies a job's output to w as it grows and returns the final
// snapshot. Output events only trigger a re-read, so dropped events lose
// nothing.
func streamJob(ctx context.Context, jr jobReader, id string, events <-chan jobs.Event, w io.Writer) (domain.Job, error) {
	written := 0
	flush := func() (domain.Job, error) {
		job, err := jr.GetJob(id)
		if err != nil {
			return job, err
		}
		if len(job.Output) > written {
			io.WriteString(w, job.Output[written:])
			written = len(job.Output)
		}
		return job, nil
	}

	// The job may have finished before the first event arrives
	if job, err := flush(); err != nil || job.Status.IsTerminal() {
		return job, err
	}

	for {
		select {
		case <-ctx.Done():
			return domain.Job{}, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return flush()
			}
			if ev.JobID != id {
				continue
			}
			job, err := flush()
			if err != nil || job.Status.IsTerminal() {
				return job, err
			}
		}
	}
}

// parseVars turns key=value pairs into a variables map. Values are decoded
// as YAML scalars so numbers and booleans keep their type.
func parseVars(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	vars := make(map[string]any, len(pairs))
	for _, p := range pairs {
		key, raw, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid variable %q, expected key=value", p)
		}
		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil || value == nil {
			value = raw
		}
		vars[key] = value
	}
	return vars, nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	entries := a.manager.RecentHistory(historyLimit)
	if historyJSON {
		return printJSON(entries)
	}
	if len(entries) == 0 {
		fmt.Println("No history")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tFOLDER\tPLAYBOOK\tSTATUS\tSTARTED\tDURATION\tRC")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(e.ID), e.Project, e.Runnable, e.Status,
			humanize.Time(e.StartedAt), formatSeconds(e.DurationSeconds), formatExitCode(e.ExitCode))
	}
	return w.Flush()
}

func runHistoryShow(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	entry, err := findHistory(a.manager.RecentHistory(0), args[0])
	if err != nil {
		return err
	}
	return printJSON(entry)
}

// findHistory matches a full id or a unique id prefix
func findHistory(entries []domain.HistoryEntry, id string) (domain.HistoryEntry, error) {
	var found []domain.HistoryEntry
	for _, e := range entries {
		if e.ID == id {
			return e, nil
		}
		if strings.HasPrefix(e.ID, id) {
			found = append(found, e)
		}
	}
	switch len(found) {
	case 0:
		return domain.HistoryEntry{}, fmt.Errorf("history entry %s: %w", id, jobs.ErrHistoryNotFound)
	case 1:
		return found[0], nil
	}
	return domain.HistoryEntry{}, fmt.Errorf("id prefix %q matches %d entries", id, len(found))
}

func runHistoryClear(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	n := len(a.manager.RecentHistory(0))
	if err := a.manager.ClearHistory(); err != nil {
		return err
	}
	fmt.Printf("Cleared %d history entries\n", n)
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	s := a.manager.Statistics()
	if statsJSON {
		return printJSON(s)
	}

	fmt.Printf("Executions: %s total | %s successful | %s failed\n",
		humanize.Comma(int64(s.TotalExecutions)), humanize.Comma(int64(s.Successful)), humanize.Comma(int64(s.Failed)))
	fmt.Printf("Success rate: %.1f%% | Average duration: %.2fs\n", s.SuccessRate, s.AverageDurationSeconds)

	if len(s.MostUsedProjects) > 0 {
		fmt.Println("\nMost used folders:")
		for _, p := range s.MostUsedProjects {
			fmt.Printf("  %-24s %d\n", p.Name, p.Count)
		}
	}
	return nil
}

func runProjects(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	folders, err := projects.NewCatalog(cfg.General.ProjectsRoot).Folders()
	if err != nil {
		return err
	}
	if len(folders) == 0 {
		fmt.Printf("No project folders in %s\n", cfg.General.ProjectsRoot)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FOLDER\tINVENTORY\tVARS\tPLAYBOOKS")
	for _, f := range folders {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", f.Name, yesNo(f.HasInventory), yesNo(f.HasVars), strings.Join(f.Playbooks, ", "))
	}
	return w.Flush()
}

func runProjectVars(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	vars, err := projects.NewCatalog(cfg.General.ProjectsRoot).ReadVariables(args[0])
	if err != nil {
		return err
	}
	fmt.Print(vars.Raw)
	return nil
}

func runProjectInventory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	inv, err := projects.NewCatalog(cfg.General.ProjectsRoot).ReadInventory(args[0])
	if err != nil {
		return err
	}
	fmt.Print(projects.FormatInventory(inv.Content))
	return nil
}

func runSchedule(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	sched, err := loadScheduler(cfg.General.SchedulePath, nil)
	if err != nil {
		return err
	}
	status := sched.Status()
	if len(status) == 0 {
		fmt.Printf("No scheduled runs in %s\n", cfg.General.SchedulePath)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tCRON\tFOLDER\tPLAYBOOK\tNEXT RUN")
	for _, s := range status {
		next := "disabled"
		if !s.Disabled {
			next = humanize.Time(s.NextRun)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.Name, s.Cron, s.Project, s.Playbook, next)
	}
	return w.Flush()
}

func runTUI(cmd *cobra.Command, args []string) error {
	// Log lines would corrupt the alternate screen
	logOut := io.Discard
	if tuiLogFile != "" {
		f, err := os.OpenFile(tuiLogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		defer f.Close()
		logOut = f
	}
	log.SetOutput(logOut)
	defer log.SetOutput(os.Stderr)

	a, err := newApp()
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()
	ctx, cancel := context.WithCancel(ctx)

	g, gctx := errgroup.WithContext(ctx)
	if tuiWithServer {
		if err := a.background(gctx, g, a.cfg.Web.Addr(), true); err != nil {
			cancel()
			a.close(context.Background())
			return err
		}
	}

	model := tui.NewModel(tui.ModelConfig{
		Source:      a.manager,
		MaxParallel: a.cfg.General.MaxParallelJobs,
	})
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	_, runErr := p.Run()
	if errors.Is(runErr, tea.ErrProgramKilled) {
		runErr = nil
	}

	cancel()
	if err := g.Wait(); err != nil && runErr == nil {
		runErr = err
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancelShutdown()
	if err := a.close(shutdownCtx); err != nil {
		log.Printf("[jobs] shutdown: %v", err)
	}
	return runErr
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatSeconds(s *float64) string {
	if s == nil {
		return "-"
	}
	return fmt.Sprintf("%.2fs", *s)
}

func formatExitCode(code *int) string {
	if code == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *code)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
