package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/playbook-orchestrator/internal/domain"
	"github.com/hochfrequenz/playbook-orchestrator/internal/jobs"
)

func TestParseVars(t *testing.T) {
	tests := []struct {
		name    string
		pairs   []string
		want    map[string]any
		wantErr bool
	}{
		{name: "none", pairs: nil, want: nil},
		{
			name:  "typed scalars",
			pairs: []string{"port=8080", "debug=true", "env=prod", "ratio=0.5"},
			want:  map[string]any{"port": 8080, "debug": true, "env": "prod", "ratio": 0.5},
		},
		{name: "value with equals", pairs: []string{"opts=a=b"}, want: map[string]any{"opts": "a=b"}},
		{name: "empty value", pairs: []string{"empty="}, want: map[string]any{"empty": ""}},
		{name: "missing equals", pairs: []string{"novalue"}, wantErr: true},
		{name: "empty key", pairs: []string{"=x"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseVars(tt.pairs)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseVars() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("parseVars() = %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("%s = %#v, want %#v", k, got[k], v)
				}
			}
		})
	}
}

func TestFindHistory(t *testing.T) {
	entries := []domain.HistoryEntry{
		{ID: "abc-111"},
		{ID: "abd-222"},
		{ID: "xyz-333"},
	}

	if e, err := findHistory(entries, "xyz-333"); err != nil || e.ID != "xyz-333" {
		t.Errorf("exact match = %v, %v", e.ID, err)
	}
	if e, err := findHistory(entries, "abc"); err != nil || e.ID != "abc-111" {
		t.Errorf("prefix match = %v, %v", e.ID, err)
	}
	if _, err := findHistory(entries, "ab"); err == nil {
		t.Error("ambiguous prefix should fail")
	}
	if _, err := findHistory(entries, "nope"); !errors.Is(err, jobs.ErrHistoryNotFound) {
		t.Errorf("missing id err = %v, want ErrHistoryNotFound", err)
	}
}

func TestRenderUnit(t *testing.T) {
	unit, err := renderUnit(unitConfig{
		ExecStart:    "/usr/local/bin/playbook-orch --config /etc/po.toml serve",
		User:         "ansible",
		ProjectsRoot: "/srv/ansible",
		StateDir:     "/var/lib/playbook-orch",
	})
	if err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{
		"ExecStart=/usr/local/bin/playbook-orch --config /etc/po.toml serve",
		"User=ansible\n",
		"ReadWritePaths=/srv/ansible /var/lib/playbook-orch",
	} {
		if !strings.Contains(unit, want) {
			t.Errorf("unit missing %q:\n%s", want, unit)
		}
	}
	if strings.Contains(unit, "Group=") {
		t.Error("Group should be omitted when not set")
	}
}

// fakeJobs grows a job's output and publishes events like the manager does
type fakeJobs struct {
	mu  sync.Mutex
	job domain.Job
}

func (f *fakeJobs) GetJob(id string) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id != f.job.ID {
		return domain.Job{}, jobs.ErrJobNotFound
	}
	return f.job, nil
}

func (f *fakeJobs) set(fn func(j *domain.Job)) {
	f.mu.Lock()
	fn(&f.job)
	f.mu.Unlock()
}

func TestStreamJob(t *testing.T) {
	fj := &fakeJobs{job: domain.Job{ID: "j1", Status: domain.JobRunning}}
	events := make(chan jobs.Event, 8)
	var out bytes.Buffer

	go func() {
		fj.set(func(j *domain.Job) { j.Output = "PLAY [all]\n" })
		events <- jobs.Event{Type: jobs.EventJobOutput, JobID: "j1"}
		// An event for another job is ignored
		events <- jobs.Event{Type: jobs.EventJobOutput, JobID: "other"}
		// Two lines land but only one event is delivered
		fj.set(func(j *domain.Job) { j.Output += "ok: [web1]\nok: [web2]\n" })
		events <- jobs.Event{Type: jobs.EventJobOutput, JobID: "j1"}
		fj.set(func(j *domain.Job) { j.Status = domain.JobCompleted })
		events <- jobs.Event{Type: jobs.EventJobStatus, JobID: "j1"}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	job, err := streamJob(ctx, fj, "j1", events, &out)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != domain.JobCompleted {
		t.Errorf("status = %s, want completed", job.Status)
	}
	if out.String() != "PLAY [all]\nok: [web1]\nok: [web2]\n" {
		t.Errorf("output = %q", out.String())
	}
}

func TestStreamJob_AlreadyFinished(t *testing.T) {
	fj := &fakeJobs{job: domain.Job{ID: "j1", Status: domain.JobFailed, Output: "boom\n"}}
	var out bytes.Buffer

	job, err := streamJob(context.Background(), fj, "j1", make(chan jobs.Event), &out)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != domain.JobFailed || out.String() != "boom\n" {
		t.Errorf("job = %+v, output = %q", job, out.String())
	}
}

func TestStreamJob_Cancelled(t *testing.T) {
	fj := &fakeJobs{job: domain.Job{ID: "j1", Status: domain.JobRunning}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := streamJob(ctx, fj, "j1", make(chan jobs.Event), &bytes.Buffer{}); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestExitError(t *testing.T) {
	var err error = &exitError{code: 2}
	var exit *exitError
	if !errors.As(err, &exit) || exit.code != 2 {
		t.Errorf("errors.As failed for %v", err)
	}
	if err.Error() != "exit status 2" {
		t.Errorf("Error() = %q", err.Error())
	}
}
