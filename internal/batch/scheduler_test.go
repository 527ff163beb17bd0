package batch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/playbook-orchestrator/internal/domain"
	"github.com/hochfrequenz/playbook-orchestrator/internal/jobs"
)

// fakeSubmitter records requests; jobs stay live until finish is called
type fakeSubmitter struct {
	mu       sync.Mutex
	requests []jobs.RunRequest
	done     map[string]chan struct{}
	err      error
}

func newFakeSubmitter() *fakeSubmitter {
	return &fakeSubmitter{done: make(map[string]chan struct{})}
}

func (f *fakeSubmitter) Submit(req jobs.RunRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.requests = append(f.requests, req)
	id := req.Runnable + "-" + string(rune('0'+len(f.requests)))
	f.done[id] = make(chan struct{})
	return id, nil
}

func (f *fakeSubmitter) Wait(ctx context.Context, id string) (domain.Job, error) {
	f.mu.Lock()
	ch := f.done[id]
	f.mu.Unlock()
	select {
	case <-ch:
		return domain.Job{ID: id, Status: domain.JobCompleted}, nil
	case <-ctx.Done():
		return domain.Job{}, ctx.Err()
	}
}

func (f *fakeSubmitter) finish(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	close(f.done[id])
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

var base = time.Date(2026, 3, 2, 10, 0, 30, 0, time.UTC)

func TestParseCron(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"0 22 * * *", false},   // 10 PM daily
		{"0 12 * * 1-5", false}, // noon weekdays
		{"*/5 * * * *", false},  // every 5 minutes
		{"invalid", true},
	}

	for _, tt := range tests {
		_, err := ParseCron(tt.expr)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseCron(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
		}
	}
}

func TestEntry_Validate(t *testing.T) {
	e := Entry{Name: "nightly", Cron: "0 22 * * *", Project: "web", Playbook: "site.yml"}
	if err := e.Validate(); err != nil {
		t.Fatalf("Valid entry should not error: %v", err)
	}
	if e.Inventory != "inventory.ini" {
		t.Errorf("Inventory = %q, want default inventory.ini", e.Inventory)
	}

	bad := []Entry{
		{Cron: "0 22 * * *", Project: "web", Playbook: "site.yml"},
		{Name: "x", Project: "web", Playbook: "site.yml"},
		{Name: "x", Cron: "nope", Project: "web", Playbook: "site.yml"},
		{Name: "x", Cron: "0 22 * * *", Playbook: "site.yml"},
	}
	for _, b := range bad {
		if err := b.Validate(); err == nil {
			t.Errorf("Validate(%+v) should fail", b)
		}
	}
}

func TestLoadScheduleConfig(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadScheduleConfig(filepath.Join(dir, "missing.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Entries) != 0 {
		t.Errorf("missing file should give empty schedule")
	}

	path := filepath.Join(dir, "schedule.toml")
	content := `
[[run]]
name = "nightly-web"
cron = "0 2 * * *"
folder = "web"
playbook = "site.yml"

[run.variables]
env = "prod"

[[run]]
name = "backup"
cron = "*/30 * * * *"
folder = "db"
playbook = "backup.yml"
inventory = "hosts"
disabled = true
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err = LoadScheduleConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(cfg.Entries))
	}
	if cfg.Entries[0].Variables["env"] != "prod" {
		t.Errorf("variables = %v", cfg.Entries[0].Variables)
	}
	if cfg.Entries[1].Inventory != "hosts" || !cfg.Entries[1].Disabled {
		t.Errorf("second entry = %+v", cfg.Entries[1])
	}

	dup := content + "\n[[run]]\nname = \"backup\"\ncron = \"* * * * *\"\nfolder = \"db\"\nplaybook = \"x.yml\"\n"
	os.WriteFile(path, []byte(dup), 0644)
	if _, err := LoadScheduleConfig(path); err == nil {
		t.Error("duplicate names should be rejected")
	}
}

func TestScheduler_NextRun(t *testing.T) {
	s, err := NewScheduler([]Entry{
		{Name: "nightly", Cron: "0 22 * * *", Project: "web", Playbook: "site.yml"},
	}, newFakeSubmitter(), base)
	if err != nil {
		t.Fatal(err)
	}

	want := time.Date(2026, 3, 2, 22, 0, 0, 0, time.UTC)
	if got := s.NextRun("nightly"); !got.Equal(want) {
		t.Errorf("NextRun = %v, want %v", got, want)
	}
	if !s.NextRun("unknown").IsZero() {
		t.Error("unknown entry should have zero NextRun")
	}
}

func TestScheduler_TickSubmitsDueEntries(t *testing.T) {
	sub := newFakeSubmitter()
	s, err := NewScheduler([]Entry{
		{Name: "every-minute", Cron: "* * * * *", Project: "web", Playbook: "site.yml", Variables: map[string]any{"a": 1}},
		{Name: "nightly", Cron: "0 22 * * *", Project: "web", Playbook: "night.yml"},
		{Name: "off", Cron: "* * * * *", Project: "web", Playbook: "off.yml", Disabled: true},
	}, sub, base)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Not yet due
	if ids := s.Tick(ctx, base.Add(10*time.Second)); len(ids) != 0 {
		t.Errorf("started %v before the first cron tick", ids)
	}

	ids := s.Tick(ctx, base.Add(time.Minute))
	if len(ids) != 1 {
		t.Fatalf("started %v, want exactly one job", ids)
	}
	if sub.requests[0].Project != "web" || sub.requests[0].Runnable != "site.yml" || sub.requests[0].Inventory != "inventory.ini" {
		t.Errorf("request = %+v", sub.requests[0])
	}
	if sub.requests[0].Variables["a"] != 1 {
		t.Errorf("variables = %v", sub.requests[0].Variables)
	}
}

func TestScheduler_SkipsWhilePreviousRunIsLive(t *testing.T) {
	sub := newFakeSubmitter()
	s, err := NewScheduler([]Entry{
		{Name: "every-minute", Cron: "* * * * *", Project: "web", Playbook: "site.yml"},
	}, sub, base)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ids := s.Tick(ctx, base.Add(time.Minute))
	if len(ids) != 1 {
		t.Fatalf("started %v", ids)
	}

	if more := s.Tick(ctx, base.Add(2*time.Minute)); len(more) != 0 {
		t.Errorf("started %v while previous run is live", more)
	}
	status := s.Status()
	if !status[0].Running || status[0].LastJobID != ids[0] {
		t.Errorf("status = %+v", status[0])
	}

	sub.finish(ids[0])
	deadline := time.Now().Add(5 * time.Second)
	for s.Status()[0].Running && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if more := s.Tick(ctx, base.Add(3*time.Minute)); len(more) != 1 {
		t.Errorf("started %v after previous run finished, want one", more)
	}
	if sub.count() != 2 {
		t.Errorf("submitted %d, want 2", sub.count())
	}
}

func TestScheduler_SubmitFailure(t *testing.T) {
	sub := newFakeSubmitter()
	sub.err = errors.New("shutting down")
	s, err := NewScheduler([]Entry{
		{Name: "every-minute", Cron: "* * * * *", Project: "web", Playbook: "site.yml"},
	}, sub, base)
	if err != nil {
		t.Fatal(err)
	}

	if ids := s.Tick(context.Background(), base.Add(time.Minute)); len(ids) != 0 {
		t.Errorf("started %v", ids)
	}
	st := s.Status()[0]
	if st.Running {
		t.Error("failed submit must not mark the entry running")
	}
	if !st.LastRun.Equal(base.Add(time.Minute)) {
		t.Errorf("LastRun = %v, failed attempts still consume the tick", st.LastRun)
	}
}

func TestScheduler_StartStopsOnCancel(t *testing.T) {
	s, err := NewScheduler(nil, newFakeSubmitter(), base)
	if err != nil {
		t.Fatal(err)
	}
	s.SetInterval(5 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
