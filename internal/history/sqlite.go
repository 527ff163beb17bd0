package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hochfrequenz/playbook-orchestrator/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteBackend stores the history in a SQLite table. Every save rewrites
// the table inside one transaction so the persisted sequence always matches
// a complete in-memory state.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens (or creates) the database at dbPath
func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("creating history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// A single connection keeps ":memory:" databases shared across calls
	db.SetMaxOpenConns(1)

	// Run migrations
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLiteBackend{db: db}, nil
}

// Close closes the database connection
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

// Load returns all entries in insertion order
func (b *SQLiteBackend) Load() ([]domain.HistoryEntry, error) {
	rows, err := b.db.Query(`
		SELECT job_id, folder, playbook, status, started_at, completed_at, duration, return_code, output_preview
		FROM history ORDER BY seq
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.HistoryEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Save replaces the stored sequence
func (b *SQLiteBackend) Save(entries []domain.HistoryEntry) error {
	tx, err := b.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM history`); err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT INTO history (seq, job_id, folder, playbook, status, started_at, completed_at, duration, return_code, output_preview)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, e := range entries {
		var completedAt, duration, exitCode interface{}
		if e.CompletedAt != nil {
			completedAt = e.CompletedAt.UTC().Format(time.RFC3339Nano)
		}
		if e.DurationSeconds != nil {
			duration = *e.DurationSeconds
		}
		if e.ExitCode != nil {
			exitCode = *e.ExitCode
		}
		if _, err := stmt.Exec(
			i,
			e.ID,
			e.Project,
			e.Runnable,
			string(e.Status),
			e.StartedAt.UTC().Format(time.RFC3339Nano),
			completedAt,
			duration,
			exitCode,
			e.OutputPreview,
		); err != nil {
			return fmt.Errorf("inserting history entry %s: %w", e.ID, err)
		}
	}

	return tx.Commit()
}

func scanEntry(rows *sql.Rows) (domain.HistoryEntry, error) {
	var entry domain.HistoryEntry
	var status, startedAt string
	var completedAt sql.NullString
	var duration sql.NullFloat64
	var exitCode sql.NullInt64

	err := rows.Scan(&entry.ID, &entry.Project, &entry.Runnable, &status, &startedAt, &completedAt, &duration, &exitCode, &entry.OutputPreview)
	if err != nil {
		return entry, err
	}

	entry.Status = domain.JobStatus(status)
	if entry.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return entry, fmt.Errorf("parsing started_at of %s: %w", entry.ID, err)
	}
	if completedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, completedAt.String)
		if err != nil {
			return entry, fmt.Errorf("parsing completed_at of %s: %w", entry.ID, err)
		}
		entry.CompletedAt = &t
	}
	if duration.Valid {
		d := duration.Float64
		entry.DurationSeconds = &d
	}
	if exitCode.Valid {
		c := int(exitCode.Int64)
		entry.ExitCode = &c
	}

	return entry, nil
}
