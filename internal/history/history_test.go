package history

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/playbook-orchestrator/internal/domain"
)

func entry(id string) domain.HistoryEntry {
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	completed := started.Add(3 * time.Second)
	duration := 3.0
	code := 0
	return domain.HistoryEntry{
		ID:              id,
		Project:         "web",
		Runnable:        "site.yml",
		Status:          domain.JobCompleted,
		StartedAt:       started,
		CompletedAt:     &completed,
		DurationSeconds: &duration,
		ExitCode:        &code,
		OutputPreview:   "ok",
	}
}

func ids(entries []domain.HistoryEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func backends(t *testing.T) map[string]func(path string) Backend {
	t.Helper()
	return map[string]func(path string) Backend{
		"file": func(path string) Backend {
			b, err := NewFileBackend(path + ".json")
			if err != nil {
				t.Fatal(err)
			}
			return b
		},
		"sqlite": func(path string) Backend {
			b, err := NewSQLiteBackend(path + ".db")
			if err != nil {
				t.Fatal(err)
			}
			return b
		},
	}
}

func TestLog_RoundTripAcrossRestart(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "history")

			log, err := Open(open(path), 10)
			if err != nil {
				t.Fatal(err)
			}
			failed := entry("b")
			failed.Status = domain.JobError
			failed.ExitCode = nil
			for _, e := range []domain.HistoryEntry{entry("a"), failed, entry("c")} {
				if err := log.Append(e); err != nil {
					t.Fatal(err)
				}
			}
			log.Close()

			reopened, err := Open(open(path), 10)
			if err != nil {
				t.Fatal(err)
			}
			defer reopened.Close()

			got := reopened.Entries()
			if fmt.Sprint(ids(got)) != "[a b c]" {
				t.Fatalf("ids after restart = %v, want [a b c]", ids(got))
			}
			if got[1].Status != domain.JobError || got[1].ExitCode != nil {
				t.Errorf("error entry not preserved: %+v", got[1])
			}
			if got[0].ExitCode == nil || *got[0].ExitCode != 0 {
				t.Errorf("exit code not preserved: %+v", got[0])
			}
			if !got[0].StartedAt.Equal(entry("a").StartedAt) {
				t.Errorf("StartedAt = %v, want %v", got[0].StartedAt, entry("a").StartedAt)
			}
			if got[0].DurationSeconds == nil || *got[0].DurationSeconds != 3.0 {
				t.Errorf("duration not preserved: %v", got[0].DurationSeconds)
			}
		})
	}
}

func TestLog_TruncatesOldestFirst(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "history")
			log, err := Open(open(path), 3)
			if err != nil {
				t.Fatal(err)
			}
			defer log.Close()

			for i := 0; i < 3; i++ {
				log.Append(entry(fmt.Sprintf("e%d", i)))
			}
			if log.Len() != 3 {
				t.Fatalf("Len = %d, want 3", log.Len())
			}

			// At capacity: exactly one eviction per append
			log.Append(entry("e3"))
			if got := ids(log.Entries()); fmt.Sprint(got) != "[e1 e2 e3]" {
				t.Errorf("entries = %v, want [e1 e2 e3]", got)
			}

			loaded, err := open(path).Load()
			if err != nil {
				t.Fatal(err)
			}
			if got := ids(loaded); fmt.Sprint(got) != "[e1 e2 e3]" {
				t.Errorf("persisted entries = %v, want [e1 e2 e3]", got)
			}
		})
	}
}

func TestLog_Recent(t *testing.T) {
	log, err := Open(newMemoryBackend(), 10)
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"a", "b", "c", "d"} {
		log.Append(entry(id))
	}

	tests := []struct {
		limit int
		want  string
	}{
		{1, "[d]"},
		{2, "[d c]"},
		{4, "[d c b a]"},
		{50, "[d c b a]"},
		{0, "[d c b a]"},
	}
	for _, tt := range tests {
		if got := fmt.Sprint(ids(log.Recent(tt.limit))); got != tt.want {
			t.Errorf("Recent(%d) = %s, want %s", tt.limit, got, tt.want)
		}
	}
}

func TestLog_FindAndClear(t *testing.T) {
	backend := newMemoryBackend()
	log, _ := Open(backend, 10)
	log.Append(entry("a"))

	if _, ok := log.Find("a"); !ok {
		t.Error("Find(a) should succeed")
	}
	if _, ok := log.Find("missing"); ok {
		t.Error("Find(missing) should fail")
	}

	if err := log.Clear(); err != nil {
		t.Fatal(err)
	}
	if log.Len() != 0 {
		t.Errorf("Len after Clear = %d", log.Len())
	}
	if len(backend.saved) != 0 {
		t.Errorf("Clear should persist the empty state, backend has %d", len(backend.saved))
	}
}

func TestLog_AppendKeepsEntryWhenPersistFails(t *testing.T) {
	backend := newMemoryBackend()
	backend.saveErr = errors.New("disk full")
	log, _ := Open(backend, 10)

	if err := log.Append(entry("a")); err == nil {
		t.Fatal("expected persistence error")
	}
	if log.Len() != 1 {
		t.Errorf("in-memory entry should be kept, Len = %d", log.Len())
	}
}

func TestLog_StripsFullOutput(t *testing.T) {
	log, _ := Open(newMemoryBackend(), 10)
	e := entry("a")
	e.Output = "very long output"
	log.Append(e)

	got, _ := log.Find("a")
	if got.Output != "" {
		t.Errorf("full output must not be stored, got %q", got.Output)
	}
}

func TestLog_ConcurrentAppendsLoseNothing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	backend, err := NewFileBackend(path)
	if err != nil {
		t.Fatal(err)
	}
	log, _ := Open(backend, 100)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := log.Append(entry(fmt.Sprintf("job-%d", i))); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	loaded, err := backend.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 20 {
		t.Errorf("persisted %d entries, want 20", len(loaded))
	}
}

func TestOpen_CorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	backend, _ := NewFileBackend(path)

	log, err := Open(backend, 10)
	if err != nil {
		t.Fatal(err)
	}
	if log.Len() != 0 {
		t.Errorf("Len = %d, want 0", log.Len())
	}
}

func TestOpen_TrimsOversizedArtifact(t *testing.T) {
	backend := newMemoryBackend()
	for i := 0; i < 5; i++ {
		backend.saved = append(backend.saved, entry(fmt.Sprintf("e%d", i)))
	}
	log, _ := Open(backend, 2)
	if got := fmt.Sprint(ids(log.Entries())); got != "[e3 e4]" {
		t.Errorf("entries = %s, want [e3 e4]", got)
	}
}

func TestNewBackend(t *testing.T) {
	dir := t.TempDir()
	if _, err := NewBackend("file", filepath.Join(dir, "h.json")); err != nil {
		t.Errorf("file backend: %v", err)
	}
	b, err := NewBackend("sqlite", filepath.Join(dir, "h.db"))
	if err != nil {
		t.Errorf("sqlite backend: %v", err)
	} else {
		b.Close()
	}
	if _, err := NewBackend("redis", "x"); err == nil {
		t.Error("unknown backend should fail")
	}
}

type memoryBackend struct {
	mu      sync.Mutex
	saved   []domain.HistoryEntry
	saveErr error
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{}
}

func (m *memoryBackend) Load() ([]domain.HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.HistoryEntry(nil), m.saved...), nil
}

func (m *memoryBackend) Save(entries []domain.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saved = append([]domain.HistoryEntry(nil), entries...)
	return nil
}

func (m *memoryBackend) Close() error { return nil }
