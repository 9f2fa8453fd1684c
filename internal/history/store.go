// Package history persists job records so they outlive the process.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mattjoyce/martec-compiler/internal/session"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 500

	// InterruptedError is stored on jobs a previous process left unfinished.
	InterruptedError = "interrupted by restart"
)

// Store reads and writes the sessions table.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Record upserts the latest snapshot of job.
func (s *Store) Record(ctx context.Context, job session.Job) error {
	var exitCode sql.NullInt64
	if job.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*job.ExitCode), Valid: true}
	}
	var lastError sql.NullString
	if job.Error != "" {
		lastError = sql.NullString{String: job.Error, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions(id, workspace, state, created_at, started_at, completed_at, exit_code, last_error, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  workspace = excluded.workspace,
  state = excluded.state,
  started_at = excluded.started_at,
  completed_at = excluded.completed_at,
  exit_code = excluded.exit_code,
  last_error = excluded.last_error,
  updated_at = excluded.updated_at;
`,
		job.ID,
		job.Workspace,
		string(job.State),
		formatTime(job.CreatedAt),
		formatTimePtr(job.StartedAt),
		formatTimePtr(job.CompletedAt),
		exitCode,
		lastError,
		formatTime(s.now()),
	)
	if err != nil {
		return fmt.Errorf("record session %s: %w", job.ID, err)
	}
	return nil
}

// List returns up to limit jobs, newest first. A non-positive limit means
// DefaultListLimit; limits above MaxListLimit are clamped.
func (s *Store) List(ctx context.Context, limit int) ([]session.Job, error) {
	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, workspace, state, created_at, started_at, completed_at, exit_code, last_error
FROM sessions
ORDER BY created_at DESC, id DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []session.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// Get returns the persisted record for id.
func (s *Store) Get(ctx context.Context, id string) (session.Job, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, workspace, state, created_at, started_at, completed_at, exit_code, last_error
FROM sessions WHERE id = ?;
`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return session.Job{}, false, nil
	}
	if err != nil {
		return session.Job{}, false, err
	}
	return job, true, nil
}

// RecoverInterrupted marks every job a previous process left active or
// running as failed. It returns how many records changed.
func (s *Store) RecoverInterrupted(ctx context.Context) (int, error) {
	now := formatTime(s.now())
	res, err := s.db.ExecContext(ctx, `
UPDATE sessions
SET state = ?, last_error = ?, completed_at = COALESCE(completed_at, ?), updated_at = ?
WHERE state IN (?, ?);
`,
		string(session.StateFailed), InterruptedError, now, now,
		string(session.StateActive), string(session.StateRunning),
	)
	if err != nil {
		return 0, fmt.Errorf("recover interrupted sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count recovered sessions: %w", err)
	}
	return int(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(sc scanner) (session.Job, error) {
	var (
		job          session.Job
		state        string
		createdAtS   string
		startedAtS   sql.NullString
		completedAtS sql.NullString
		exitCode     sql.NullInt64
		lastError    sql.NullString
	)
	if err := sc.Scan(&job.ID, &job.Workspace, &state, &createdAtS, &startedAtS, &completedAtS, &exitCode, &lastError); err != nil {
		if err == sql.ErrNoRows {
			return job, err
		}
		return job, fmt.Errorf("scan session: %w", err)
	}
	job.State = session.State(state)
	if t, err := time.Parse(timeLayout, createdAtS); err == nil {
		job.CreatedAt = t
	}
	job.StartedAt = parseTimePtr(startedAtS)
	job.CompletedAt = parseTimePtr(completedAtS)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		job.ExitCode = &code
	}
	if lastError.Valid {
		job.Error = lastError.String
	}
	return job, nil
}

// timeLayout is fixed width so text ordering in SQL matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return nil
	}
	return &t
}
