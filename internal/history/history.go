// Package history keeps the bounded, persisted log of finished jobs.
package history

import (
	"fmt"
	"log"
	"sync"

	"github.com/hochfrequenz/playbook-orchestrator/internal/domain"
)

// DefaultLimit is the number of entries retained when no limit is configured
const DefaultLimit = 100

// Backend persists the whole entry sequence as one unit
type Backend interface {
	Load() ([]domain.HistoryEntry, error)
	Save(entries []domain.HistoryEntry) error
	Close() error
}

// NewBackend creates the backend named by kind ("file" or "sqlite")
func NewBackend(kind, path string) (Backend, error) {
	switch kind {
	case "", "file":
		return NewFileBackend(path)
	case "sqlite":
		return NewSQLiteBackend(path)
	default:
		return nil, fmt.Errorf("unknown history backend %q", kind)
	}
}

// Log is an insertion-ordered, size-bounded sequence of history entries.
// Writers serialize through writeMu for the whole mutate-truncate-persist
// sequence; readers only take mu and never touch the backend.
type Log struct {
	backend Backend
	limit   int

	writeMu sync.Mutex
	mu      sync.RWMutex
	entries []domain.HistoryEntry
}

// Open loads the persisted entries from the backend. An unreadable artifact
// is logged and replaced by an empty history on the next write.
func Open(backend Backend, limit int) (*Log, error) {
	if backend == nil {
		return nil, fmt.Errorf("history backend is required")
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	entries, err := backend.Load()
	if err != nil {
		log.Printf("[history] starting with empty history, could not load: %v", err)
		entries = nil
	}
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}

	return &Log{
		backend: backend,
		limit:   limit,
		entries: entries,
	}, nil
}

// Limit returns the retention bound
func (l *Log) Limit() int {
	return l.limit
}

// Append adds an entry at the tail, evicts the oldest entries beyond the
// limit and persists the result. The in-memory log keeps the entry even when
// persisting fails.
func (l *Log) Append(entry domain.HistoryEntry) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	entry.Output = ""

	l.mu.Lock()
	entries := append(l.entries, entry)
	if len(entries) > l.limit {
		// Copy so the evicted prefix does not stay reachable through the backing array
		entries = append([]domain.HistoryEntry(nil), entries[len(entries)-l.limit:]...)
	}
	l.entries = entries
	snapshot := l.snapshotLocked()
	l.mu.Unlock()

	if err := l.backend.Save(snapshot); err != nil {
		return fmt.Errorf("persisting history: %w", err)
	}
	return nil
}

// Clear removes all entries and persists the empty state
func (l *Log) Clear() error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.mu.Lock()
	l.entries = nil
	l.mu.Unlock()

	if err := l.backend.Save(nil); err != nil {
		return fmt.Errorf("persisting history: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first. A limit <= 0 returns all.
func (l *Log) Recent(limit int) []domain.HistoryEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := len(l.entries)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]domain.HistoryEntry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, l.entries[i])
	}
	return out
}

// Entries returns a copy of all entries in insertion order
func (l *Log) Entries() []domain.HistoryEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshotLocked()
}

// Find returns the entry for a job id
func (l *Log) Find(id string) (domain.HistoryEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].ID == id {
			return l.entries[i], true
		}
	}
	return domain.HistoryEntry{}, false
}

// Len returns the number of retained entries
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Close closes the backend
func (l *Log) Close() error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.backend.Close()
}

func (l *Log) snapshotLocked() []domain.HistoryEntry {
	out := make([]domain.HistoryEntry, len(l.entries))
	copy(out, l.entries)
	return out
}
