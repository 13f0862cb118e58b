// Package store persists job history.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"wanctl/internal/domain"
)

// DefaultListLimit applies when List is called with limit <= 0.
const DefaultListLimit = 20

// SQLiteJobStore implements domain.JobStore using SQLite.
type SQLiteJobStore struct {
	db *sql.DB
}

var _ domain.JobStore = (*SQLiteJobStore)(nil)

// NewSQLiteJobStore opens (or creates) the database at dbPath and migrates
// the schema. ":memory:" is accepted for tests.
func NewSQLiteJobStore(dbPath string) (*SQLiteJobStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// one connection keeps ":memory:" databases shared
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history db: %w", err)
	}
	return &SQLiteJobStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id          TEXT PRIMARY KEY,
			executable  TEXT NOT NULL,
			script_path TEXT NOT NULL,
			arguments   TEXT NOT NULL DEFAULT '[]',
			task        TEXT NOT NULL DEFAULT '',
			started_at  TEXT NOT NULL,
			ended_at    TEXT NOT NULL DEFAULT '',
			exit_code   INTEGER,
			phase       TEXT NOT NULL,
			output_path TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_started_at ON jobs (started_at DESC);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteJobStore) Close() error {
	return s.db.Close()
}

// Record inserts rec or replaces the row with the same ID.
func (s *SQLiteJobStore) Record(ctx context.Context, rec domain.JobRecord) error {
	if rec.ID == "" {
		return domain.NewSubSystemError("store", "JobStore.Record", domain.ErrInvalidInput, "id is required")
	}
	args, err := json.Marshal(rec.Arguments)
	if err != nil {
		return fmt.Errorf("marshal job arguments: %w", err)
	}
	var exit sql.NullInt64
	if rec.ExitCode != nil {
		exit = sql.NullInt64{Int64: int64(*rec.ExitCode), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, executable, script_path, arguments, task, started_at, ended_at, exit_code, phase, output_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			ended_at = excluded.ended_at,
			exit_code = excluded.exit_code,
			phase = excluded.phase,
			output_path = excluded.output_path,
			task = excluded.task`,
		rec.ID, rec.Executable, rec.ScriptPath, string(args), rec.Task,
		formatTime(rec.StartedAt), formatTime(rec.EndedAt), exit, string(rec.Phase), rec.OutputPath,
	)
	if err != nil {
		return domain.WrapOp("JobStore.Record", fmt.Errorf("%w: %v", domain.ErrHistoryStore, err))
	}
	return nil
}

func (s *SQLiteJobStore) Get(ctx context.Context, id string) (*domain.JobRecord, error) {
	row := s.db.QueryRowContext(ctx, selectJobs+" WHERE id = ?", id)
	rec, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewSubSystemError("store", "JobStore.Get", domain.ErrNotFound, id)
	}
	return rec, err
}

// List returns up to limit records, newest first.
func (s *SQLiteJobStore) List(ctx context.Context, limit int) ([]domain.JobRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, selectJobs+" ORDER BY started_at DESC, id DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// Prune deletes finished jobs that started before cutoff. Running jobs
// (no ended_at) are kept.
func (s *SQLiteJobStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM jobs WHERE ended_at != '' AND started_at < ?", formatTime(cutoff))
	if err != nil {
		return 0, domain.WrapOp("JobStore.Prune", fmt.Errorf("%w: %v", domain.ErrHistoryStore, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, domain.WrapOp("JobStore.Prune", err)
	}
	return int(n), nil
}

const selectJobs = "SELECT id, executable, script_path, arguments, task, started_at, ended_at, exit_code, phase, output_path FROM jobs"

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(sc scanner) (*domain.JobRecord, error) {
	var (
		rec            domain.JobRecord
		args, phase    string
		started, ended string
		exit           sql.NullInt64
	)
	if err := sc.Scan(&rec.ID, &rec.Executable, &rec.ScriptPath, &args, &rec.Task,
		&started, &ended, &exit, &phase, &rec.OutputPath); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(args), &rec.Arguments); err != nil {
		return nil, fmt.Errorf("unmarshal job arguments: %w", err)
	}
	rec.Phase = domain.Phase(phase)
	rec.StartedAt = parseTime(started)
	rec.EndedAt = parseTime(ended)
	if exit.Valid {
		code := int(exit.Int64)
		rec.ExitCode = &code
	}
	return &rec, nil
}

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
