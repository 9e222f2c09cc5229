package queue

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS queue_jobs (
	id TEXT PRIMARY KEY,
	device_id TEXT NOT NULL,
	device_kind TEXT NOT NULL,
	operation TEXT NOT NULL,
	params TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	started_at DATETIME,
	completed_at DATETIME,
	error TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_queue_jobs_device_id ON queue_jobs(device_id);
CREATE INDEX IF NOT EXISTS idx_queue_jobs_status ON queue_jobs(status);
CREATE INDEX IF NOT EXISTS idx_queue_jobs_created_at ON queue_jobs(created_at);
`

// Store wraps the queue_jobs SQLite table (spec §6).
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if absent) the SQLite database at path and
// ensures the schema exists.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open queue store %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver is not safe for concurrent writers
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create queue schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert adds a new pending job.
func (s *Store) Insert(j Job) error {
	_, err := s.db.Exec(
		`INSERT INTO queue_jobs (id, device_id, device_kind, operation, params, status, created_at, retry_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.DeviceID, j.DeviceKind, j.Operation, j.Params, j.Status, j.CreatedAt, j.RetryCount,
	)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", j.ID, err)
	}
	return nil
}

// ClaimOldestPending atomically selects the oldest pending job and
// marks it processing, returning it. Returns (Job{}, false, nil) if
// none are pending.
func (s *Store) ClaimOldestPending() (Job, bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return Job{}, false, err
	}
	defer tx.Rollback()

	row := tx.QueryRow(
		`SELECT id, device_id, device_kind, operation, params, status, created_at, started_at, completed_at, error, retry_count
		 FROM queue_jobs WHERE status = ? ORDER BY created_at ASC LIMIT 1`, StatusPending)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}

	now := time.Now()
	res, err := tx.Exec(`UPDATE queue_jobs SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
		StatusProcessing, now, j.ID, StatusPending)
	if err != nil {
		return Job{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Job{}, false, err
	}
	if n == 0 {
		// Another claimant (shouldn't happen with MaxOpenConns(1), kept
		// for correctness if that ever changes).
		return Job{}, false, nil
	}
	if err := tx.Commit(); err != nil {
		return Job{}, false, err
	}
	j.Status = StatusProcessing
	j.StartedAt = &now
	return j, true, nil
}

// Complete marks a job completed.
func (s *Store) Complete(id string) error {
	_, err := s.db.Exec(`UPDATE queue_jobs SET status = ?, completed_at = ? WHERE id = ?`,
		StatusCompleted, time.Now(), id)
	return err
}

// RetryOrFail either resets the job to pending (incrementing retry_count)
// or marks it permanently failed, depending on maxAttempts.
func (s *Store) RetryOrFail(id string, retryCount, maxAttempts int, errMsg string) error {
	if retryCount+1 < maxAttempts {
		_, err := s.db.Exec(`UPDATE queue_jobs SET status = ?, retry_count = ?, error = ? WHERE id = ?`,
			StatusPending, retryCount+1, errMsg, id)
		return err
	}
	_, err := s.db.Exec(`UPDATE queue_jobs SET status = ?, completed_at = ?, error = ? WHERE id = ?`,
		StatusFailed, time.Now(), errMsg, id)
	return err
}

// Cancel transitions a job from pending/processing to cancelled.
// Returns whether the transition applied.
func (s *Store) Cancel(id string) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE queue_jobs SET status = ? WHERE id = ? AND status IN (?, ?)`,
		StatusCancelled, id, StatusPending, StatusProcessing,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Retry transitions a job from failed/cancelled back to pending.
func (s *Store) Retry(id string) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE queue_jobs SET status = ?, retry_count = retry_count + 1, error = NULL WHERE id = ? AND status IN (?, ?)`,
		StatusPending, id, StatusFailed, StatusCancelled,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Get returns a single job by ID.
func (s *Store) Get(id string) (Job, bool, error) {
	row := s.db.QueryRow(
		`SELECT id, device_id, device_kind, operation, params, status, created_at, started_at, completed_at, error, retry_count
		 FROM queue_jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}
	return j, true, nil
}

// List returns jobs matching the optional filters, newest first.
func (s *Store) List(deviceID string, status Status, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, device_id, device_kind, operation, params, status, created_at, started_at, completed_at, error, retry_count
	          FROM queue_jobs WHERE 1=1`
	var args []any
	if deviceID != "" {
		query += " AND device_id = ?"
		args = append(args, deviceID)
	}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Summarize aggregates per-status counts and average completed duration.
func (s *Store) Summarize() (Summary, error) {
	var sum Summary
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM queue_jobs GROUP BY status`)
	if err != nil {
		return sum, err
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return sum, err
		}
		switch Status(status) {
		case StatusPending:
			sum.Pending = count
		case StatusProcessing:
			sum.Processing = count
		case StatusCompleted:
			sum.Completed = count
		case StatusFailed:
			sum.Failed = count
		case StatusCancelled:
			sum.Cancelled = count
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return sum, err
	}

	row := s.db.QueryRow(
		`SELECT AVG((julianday(completed_at) - julianday(started_at)) * 86400000.0)
		 FROM queue_jobs WHERE status = ? AND started_at IS NOT NULL AND completed_at IS NOT NULL`,
		StatusCompleted,
	)
	var avg sql.NullFloat64
	if err := row.Scan(&avg); err != nil {
		return sum, err
	}
	if avg.Valid {
		sum.AvgDurationMs = avg.Float64
	}
	return sum, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (Job, error) {
	var j Job
	var started, completed sql.NullTime
	var errMsg sql.NullString
	if err := row.Scan(&j.ID, &j.DeviceID, &j.DeviceKind, &j.Operation, &j.Params, &j.Status,
		&j.CreatedAt, &started, &completed, &errMsg, &j.RetryCount); err != nil {
		return Job{}, err
	}
	if started.Valid {
		j.StartedAt = &started.Time
	}
	if completed.Valid {
		j.CompletedAt = &completed.Time
	}
	j.Error = errMsg.String
	return j, nil
}
