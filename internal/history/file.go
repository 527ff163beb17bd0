package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hochfrequenz/playbook-orchestrator/internal/domain"
)

// FileBackend stores the history as one JSON document. Every save rewrites
// the whole file through a temp file and rename.
type FileBackend struct {
	path string
}

// NewFileBackend creates a backend writing to path, creating its directory if needed
func NewFileBackend(path string) (*FileBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating history directory: %w", err)
	}
	return &FileBackend{path: path}, nil
}

// Path returns the file location
func (b *FileBackend) Path() string {
	return b.path
}

// Load reads all entries. A missing file is an empty history.
func (b *FileBackend) Load() ([]domain.HistoryEntry, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	var entries []domain.HistoryEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", b.path, err)
	}
	return entries, nil
}

// Save replaces the file with the given entries
func (b *FileBackend) Save(entries []domain.HistoryEntry) error {
	if entries == nil {
		entries = []domain.HistoryEntry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(b.path), ".history-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, b.path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// Close is a no-op for files
func (b *FileBackend) Close() error {
	return nil
}
