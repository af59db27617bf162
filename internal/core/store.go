package core

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/3cpo-dev/dgdbatch/pkg/api"
)

// Store is the SQLite run history. Rows are only appended; nothing in a
// run reads them back.
type Store struct{ db *sql.DB }

// RunRecord is one row of the runs table.
type RunRecord struct {
	ID         string        `json:"id"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	PoolSize   int           `json:"pool_size"`
	Manifest   string        `json:"manifest"`
	WorkDir    string        `json:"work_dir"`
	Status     api.RunStatus `json:"status"`
	Succeeded  int           `json:"succeeded"`
	Failed     int           `json:"failed"`
}

// BatchRecord is one batch of a recorded run.
type BatchRecord struct {
	api.Outcome
	Project  string `json:"project"`
	Category string `json:"category"`
	Command  string `json:"command"`
	// Completed is the position of the outcome in completion order.
	Completed int `json:"completed"`
}

//go:embed migrations/*.sql
var migrationFS embed.FS

func NewStore(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("history path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	s := &Store{db: db}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, pragma := range []string{"PRAGMA foreign_keys = ON;", "PRAGMA busy_timeout = 5000;"} {
		if _, err := db.ExecContext(pctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	for _, e := range entries {
		schema, err := migrationFS.ReadFile("migrations/" + e.Name())
		if err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, string(schema)); err != nil {
			return fmt.Errorf("apply migration %s: %w", e.Name(), err)
		}
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

// RecordRun writes a run and its batch outcomes in one transaction.
func (s *Store) RecordRun(ctx context.Context, rec RunRecord, specs []api.JobSpec, result api.RunResult) error {
	rec.Succeeded = len(result.Succeeded())
	rec.Failed = len(result.Failed())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, finished_at, pool_size, manifest, work_dir, status, succeeded, failed)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, formatTime(rec.StartedAt), formatTime(rec.FinishedAt), rec.PoolSize,
		rec.Manifest, rec.WorkDir, string(rec.Status), rec.Succeeded, rec.Failed)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	position := make(map[int]int, len(result.Order))
	for i, n := range result.Order {
		position[n] = i + 1
	}
	for _, spec := range specs {
		o, ok := result.Outcomes[spec.BatchNumber]
		if !ok {
			continue
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO batch_outcomes (run_id, batch_number, project, category, command, status, reason, exit_code, log_path, duration_ms, completed)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, spec.BatchNumber, spec.Project, spec.Category, strings.Join(spec.CommandLine(), " "),
			string(o.Status), o.Reason, o.ExitCode, o.LogPath, o.Duration.Milliseconds(), position[spec.BatchNumber])
		if err != nil {
			return fmt.Errorf("insert batch %d: %w", spec.BatchNumber, err)
		}
	}
	return tx.Commit()
}

// ListRuns returns the most recent runs first. limit <= 0 returns all.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, finished_at, pool_size, manifest, work_dir, status, succeeded, failed
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var rec RunRecord
		var started, finished, status string
		var manifest, workDir sql.NullString
		if err := rows.Scan(&rec.ID, &started, &finished, &rec.PoolSize, &manifest, &workDir, &status, &rec.Succeeded, &rec.Failed); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		rec.StartedAt = parseTime(started)
		rec.FinishedAt = parseTime(finished)
		rec.Manifest = manifest.String
		rec.WorkDir = workDir.String
		rec.Status = api.RunStatus(status)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RunBatches returns the batches of one run ordered by batch number.
func (s *Store) RunBatches(ctx context.Context, runID string) ([]BatchRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT batch_number, project, category, command, status, reason, exit_code, log_path, duration_ms, completed
		 FROM batch_outcomes WHERE run_id = ? ORDER BY batch_number`, runID)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	var out []BatchRecord
	for rows.Next() {
		var b BatchRecord
		var status string
		var reason, logPath sql.NullString
		var durationMS int64
		if err := rows.Scan(&b.BatchNumber, &b.Project, &b.Category, &b.Command, &status, &reason, &b.ExitCode, &logPath, &durationMS, &b.Completed); err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		b.Status = api.BatchStatus(status)
		b.Reason = reason.String
		b.LogPath = logPath.String
		b.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, b)
	}
	return out, rows.Err()
}

// timeLayout has a fixed width so stored times sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}
