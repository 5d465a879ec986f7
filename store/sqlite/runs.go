package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pricewise/affiliate-engine/scheduler"
)

// =============================================================================
// JOB RUNS (scheduler.RunRecorder interface)
// =============================================================================

const defaultRunLimit = 50

// SaveJobRun writes a run. A run is saved once when it starts and again
// when it finishes, under the same id.
func (s *Store) SaveJobRun(ctx context.Context, r scheduler.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO job_runs (id, job, trigger, status, started_at, finished_at, processed, succeeded, failed, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			finished_at = excluded.finished_at,
			processed = excluded.processed,
			succeeded = excluded.succeeded,
			failed = excluded.failed,
			error = excluded.error
	`
	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.Job, r.Trigger, string(r.Status), formatTime(r.StartedAt), formatNullTime(r.FinishedAt),
		r.Result.Processed, r.Result.Succeeded, r.Result.Failed, r.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to save job run: %w", err)
	}
	return nil
}

// ListJobRuns returns the newest runs first. An empty job lists all jobs.
func (s *Store) ListJobRuns(ctx context.Context, job string, limit int) ([]scheduler.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = defaultRunLimit
	}

	query := `
		SELECT id, job, trigger, status, started_at, finished_at, processed, succeeded, failed, error
		FROM job_runs`
	var args []any
	if job != "" {
		query += ` WHERE job = ?`
		args = append(args, job)
	}
	query += ` ORDER BY started_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list job runs: %w", err)
	}
	defer rows.Close()

	var out []scheduler.Run
	for rows.Next() {
		var (
			r         scheduler.Run
			status    string
			startedAt string
			finished  sql.NullString
		)
		err := rows.Scan(&r.ID, &r.Job, &r.Trigger, &status, &startedAt, &finished,
			&r.Result.Processed, &r.Result.Succeeded, &r.Result.Failed, &r.Error)
		if err != nil {
			return nil, err
		}
		r.Status = scheduler.State(status)
		if r.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if r.FinishedAt, err = parseNullTime(finished); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

var _ scheduler.RunRecorder = (*Store)(nil)
