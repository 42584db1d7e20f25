package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/katsubs/dispatchd/internal/protocol"
)

// Store persists dispatch job records in SQLite. It is the durable side of
// the dispatcher: worker assignment lives only in pool memory, but every
// submitted task leaves a row here so a task lost to a worker crash can be
// marked failed.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Record inserts the durable row for a freshly submitted task.
func (s *Store) Record(ctx context.Context, task *protocol.Task) error {
	if task == nil || task.UUID == "" {
		return fmt.Errorf("task missing correlation id")
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)

	var payload any
	if len(task.Kwargs) > 0 || len(task.Args) > 0 {
		b, err := json.Marshal(map[string]any{"args": task.Args, "kwargs": task.Kwargs})
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		payload = string(b)
	}

	var guid any
	if task.GUID != "" {
		guid = task.GUID
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO dispatch_jobs(id, task, payload, status, guid, created_at)
VALUES(?, ?, ?, ?, ?, ?);
`, task.UUID, task.Name, payload, StatusDispatched, guid, now)
	if err != nil {
		return fmt.Errorf("record job: %w", err)
	}
	return nil
}

// ReapFailed marks the job belonging to a dead worker's executing task as
// failed. Fire-and-forget from the caller's point of view: the cleanup cycle
// logs errors and moves on, it never retries.
func (s *Store) ReapFailed(ctx context.Context, jobID string, reason string) error {
	return s.complete(ctx, jobID, StatusFailed, &reason)
}

// MarkSucceeded records normal completion for a job.
func (s *Store) MarkSucceeded(ctx context.Context, jobID string) error {
	return s.complete(ctx, jobID, StatusSucceeded, nil)
}

// complete marks a job terminal and appends a row to job_log.
func (s *Store) complete(ctx context.Context, jobID string, status Status, lastError *string) error {
	if jobID == "" {
		return fmt.Errorf("jobID is empty")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		taskName  string
		createdAt string
	)
	err = tx.QueryRowContext(ctx, `
SELECT task, created_at FROM dispatch_jobs WHERE id = ?;
`, jobID).Scan(&taskName, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return fmt.Errorf("load job for completion: %w", err)
	}

	completedAt := time.Now().UTC().Format(time.RFC3339Nano)

	_, err = tx.ExecContext(ctx, `
UPDATE dispatch_jobs SET status = ?, completed_at = ?, last_error = ? WHERE id = ?;
`, status, completedAt, lastError, jobID)
	if err != nil {
		return fmt.Errorf("update job completion: %w", err)
	}

	logID := fmt.Sprintf("%s-%s", jobID, status)
	_, err = tx.ExecContext(ctx, `
INSERT OR REPLACE INTO job_log(id, job_id, task, status, created_at, completed_at, last_error)
VALUES(?, ?, ?, ?, ?, ?, ?);
`, logID, jobID, taskName, status, createdAt, completedAt, lastError)
	if err != nil {
		return fmt.Errorf("insert job_log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Get returns the job record for the given correlation id.
func (s *Store) Get(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, task, payload, status, guid, created_at, completed_at, last_error
FROM dispatch_jobs WHERE id = ?;
`, jobID)

	var (
		j           Job
		payload     sql.NullString
		guid        sql.NullString
		statusS     string
		createdAtS  string
		completedAt sql.NullString
		lastError   sql.NullString
	)
	err := row.Scan(&j.ID, &j.Task, &payload, &statusS, &guid, &createdAtS, &completedAt, &lastError)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}

	j.Status = Status(statusS)
	if payload.Valid {
		j.Payload = []byte(payload.String)
	}
	if guid.Valid {
		j.GUID = guid.String
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
		j.CreatedAt = t
	}
	if completedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completedAt.String); err == nil {
			j.CompletedAt = &t
		}
	}
	if lastError.Valid {
		j.LastError = &lastError.String
	}
	return &j, nil
}
