package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"golang.org/x/mod/semver"

	"github.com/steveyegge/overseer/internal/types"
)

const schemaVersion = "v1"

// Store keeps the queue and archive in a SQLite database. Each task is stored
// as its JSON document so a round trip reproduces every field.
type Store struct {
	db   *sql.DB
	path string
}

// New opens (or creates) the database at path
func New(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Single writer per process.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := ensureVersion(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, path: path}, nil
}

func ensureVersion(db *sql.DB) error {
	var version string
	err := db.QueryRow("SELECT value FROM meta WHERE key = 'version'").Scan(&version)
	if err == sql.ErrNoRows {
		_, err = db.Exec("INSERT INTO meta (key, value) VALUES ('version', ?)", schemaVersion)
		if err != nil {
			return fmt.Errorf("failed to record schema version: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if !semver.IsValid(version) || semver.Major(version) != semver.Major(schemaVersion) {
		return fmt.Errorf("unsupported database version %q (expected %s)", version, schemaVersion)
	}
	return nil
}

// Path returns the database file path
func (s *Store) Path() string { return s.path }

func (s *Store) LoadTasks(ctx context.Context) ([]*types.Task, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT data FROM tasks ORDER BY seq")
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*types.Task
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		var task types.Task
		if err := json.Unmarshal([]byte(data), &task); err != nil {
			return nil, fmt.Errorf("failed to decode task: %w", err)
		}
		tasks = append(tasks, &task)
	}
	return tasks, rows.Err()
}

// SaveTasks replaces the live queue in one transaction.
func (s *Store) SaveTasks(ctx context.Context, tasks []*types.Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM tasks"); err != nil {
		return fmt.Errorf("failed to clear tasks: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO tasks (seq, id, priority, status, anomaly_type, created_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, task := range tasks {
		data, err := json.Marshal(task)
		if err != nil {
			return fmt.Errorf("failed to encode task %s: %w", task.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, i, task.ID, string(task.Priority), string(task.Status),
			string(task.AnomalyType), task.CreatedAt.UTC().Format(time.RFC3339Nano), string(data)); err != nil {
			return fmt.Errorf("failed to insert task %s: %w", task.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit tasks: %w", err)
	}
	return nil
}

func (s *Store) AppendArchive(ctx context.Context, archived []types.ArchivedTask) error {
	if len(archived) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, a := range archived {
		data, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("failed to encode archived task %s: %w", a.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_archive (id, archive_reason, archived_at, data)
			VALUES (?, ?, ?, ?)
		`, a.ID, string(a.ArchiveReason), a.ArchivedAt.UTC().Format(time.RFC3339Nano), string(data)); err != nil {
			return fmt.Errorf("failed to archive task %s: %w", a.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit archive: %w", err)
	}
	return nil
}

func (s *Store) LoadArchive(ctx context.Context) ([]types.ArchivedTask, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT data FROM task_archive ORDER BY seq")
	if err != nil {
		return nil, fmt.Errorf("failed to query archive: %w", err)
	}
	defer rows.Close()

	var archived []types.ArchivedTask
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan archived task: %w", err)
		}
		var a types.ArchivedTask
		if err := json.Unmarshal([]byte(data), &a); err != nil {
			return nil, fmt.Errorf("failed to decode archived task: %w", err)
		}
		archived = append(archived, a)
	}
	return archived, rows.Err()
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}
