package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrLeaseLost is returned when a worker tries to transition a job it no
// longer holds: its lock went stale and another worker reclaimed the row.
// Only the current lock holder may complete or fail a job.
var ErrLeaseLost = errors.New("job lease no longer held")

// Options control retry and staleness policy for one family table
type Options struct {
	// MaxAttempts is the attempt ceiling; a job whose handler fails with
	// attempts already at the ceiling moves to 'failed' and stays there
	// until an explicit retry action.
	MaxAttempts int

	// StaleAfter is the lock age past which a 'processing' row is treated
	// as abandoned and becomes eligible for re-lease.
	StaleAfter time.Duration

	// RetryDelay computes the delay before a returned-to-pending job is
	// eligible again. Nil or zero means immediate retry on the next cycle.
	RetryDelay func(attempt int) time.Duration
}

// DefaultOptions matches the production policy: three attempts,
// five-minute stale locks, immediate retry on the next cycle.
func DefaultOptions() Options {
	return Options{
		MaxAttempts: 3,
		StaleAfter:  5 * time.Minute,
	}
}

// LinearBackoff returns a jittered delay proportional to the attempt count.
func LinearBackoff(base time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		if base <= 0 {
			return 0
		}
		jitter := time.Duration(rand.Int63n(int64(base)/2 + 1))
		return time.Duration(attempt)*base + jitter
	}
}

// Store is a durable job store bound to one family table. All family
// tables share identical lifecycle columns, so one implementation covers
// every queue in the service.
type Store struct {
	pool  *pgxpool.Pool
	table string
	opts  Options
}

func NewStore(pool *pgxpool.Pool, table string, opts Options) *Store {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultOptions().MaxAttempts
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultOptions().StaleAfter
	}
	return &Store{pool: pool, table: table, opts: opts}
}

// Family returns the table name, used as the metric and logging label
func (s *Store) Family() string { return s.table }

func (s *Store) Pool() *pgxpool.Pool { return s.pool }

const jobColumns = `id, status, attempts, error, locked_at, locked_by, group_key, dedupe_key, payload, next_attempt_at, created_at, updated_at`

func scanJob(row pgx.CollectableRow) (Job, error) {
	var j Job
	err := row.Scan(&j.ID, &j.Status, &j.Attempts, &j.Error, &j.LockedAt, &j.LockedBy,
		&j.GroupKey, &j.DedupeKey, &j.Payload, &j.NextAttemptAt, &j.CreatedAt, &j.UpdatedAt)
	return j, err
}

// Enqueue inserts a new pending job and returns its id
func (s *Store) Enqueue(ctx context.Context, payload any) (string, error) {
	return s.enqueue(ctx, nil, payload)
}

// EnqueueGroup inserts a new pending job scoped to a group (e.g. the
// parent import job id)
func (s *Store) EnqueueGroup(ctx context.Context, groupKey string, payload any) (string, error) {
	return s.enqueue(ctx, &groupKey, payload)
}

func (s *Store) enqueue(ctx context.Context, groupKey *string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	id := uuid.NewString()
	_, err = s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, group_key, payload)
		VALUES ($1, $2, $3)
	`, s.table), id, groupKey, data)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}
	return id, nil
}

// EnqueueDeduped inserts a job keyed by a natural external id. Redelivery
// of the same key is a no-op; the return value reports whether a row was
// actually inserted.
func (s *Store) EnqueueDeduped(ctx context.Context, dedupeKey string, payload any) (bool, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("failed to marshal payload: %w", err)
	}

	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, dedupe_key, payload)
		VALUES ($1, $2, $3)
		ON CONFLICT (dedupe_key) DO NOTHING
	`, s.table), uuid.NewString(), dedupeKey, data)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Lease atomically claims up to batch eligible jobs for workerID,
// oldest first. Eligible means pending and due, or processing with a lock
// older than StaleAfter. Concurrent callers never claim the same row.
func (s *Store) Lease(ctx context.Context, batch int, workerID string) ([]Job, error) {
	return s.lease(ctx, nil, batch, workerID)
}

// LeaseGroup is Lease restricted to one group key
func (s *Store) LeaseGroup(ctx context.Context, groupKey string, batch int, workerID string) ([]Job, error) {
	return s.lease(ctx, &groupKey, batch, workerID)
}

func (s *Store) lease(ctx context.Context, groupKey *string, batch int, workerID string) ([]Job, error) {
	if batch <= 0 {
		return nil, nil
	}

	groupFilter := ""
	args := []any{workerID, s.opts.StaleAfter, batch}
	if groupKey != nil {
		groupFilter = "AND group_key = $4"
		args = append(args, *groupKey)
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		UPDATE %[1]s
		SET status = 'processing',
		    attempts = attempts + 1,
		    locked_at = NOW(),
		    locked_by = $1,
		    updated_at = NOW()
		WHERE id IN (
			SELECT id FROM %[1]s
			WHERE ((status = 'pending' AND next_attempt_at <= NOW())
			   OR (status = 'processing' AND locked_at < NOW() - $2))
			%[2]s
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT $3
		)
		RETURNING `+jobColumns,
		s.table, groupFilter), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to lease jobs: %w", err)
	}

	jobs, err := pgx.CollectRows(rows, scanJob)
	if err != nil {
		return nil, fmt.Errorf("failed to scan leased jobs: %w", err)
	}
	return jobs, nil
}

// Complete marks a leased job as completed and clears its error and lock.
// The guard on locked_by keeps a worker whose stale lock was reclaimed
// from finishing a job another worker now holds.
func (s *Store) Complete(ctx context.Context, id, workerID string) error {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET status = 'completed', error = NULL,
		    locked_at = NULL, locked_by = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'processing' AND locked_by = $2
	`, s.table), id, workerID)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Fail records a handler failure. Below the attempt ceiling the job goes
// back to pending for a later cycle; at the ceiling it becomes failed and
// stays there until an explicit retry. The resulting status is returned.
// ErrLeaseLost if the caller no longer holds the lock.
func (s *Store) Fail(ctx context.Context, id string, attempts int, workerID string, cause error) (Status, error) {
	msg := cause.Error()

	if attempts >= s.opts.MaxAttempts {
		tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
			UPDATE %s
			SET status = 'failed', error = $2,
			    locked_at = NULL, locked_by = NULL,
			    updated_at = NOW()
			WHERE id = $1 AND status = 'processing' AND locked_by = $3
		`, s.table), id, msg, workerID)
		if err != nil {
			return "", fmt.Errorf("failed to mark job failed: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return "", ErrLeaseLost
		}
		return StatusFailed, nil
	}

	var delay time.Duration
	if s.opts.RetryDelay != nil {
		delay = s.opts.RetryDelay(attempts)
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET status = 'pending', error = $2,
		    locked_at = NULL, locked_by = NULL,
		    next_attempt_at = NOW() + $3,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'processing' AND locked_by = $4
	`, s.table), id, msg, delay, workerID)
	if err != nil {
		return "", fmt.Errorf("failed to return job to pending: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return "", ErrLeaseLost
	}
	return StatusPending, nil
}

// Reset returns a failed job to the pending pool with a fresh attempt
// budget. Reports whether a row was actually reset.
func (s *Store) Reset(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET status = 'pending', attempts = 0, error = NULL,
		    locked_at = NULL, locked_by = NULL,
		    next_attempt_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND status = 'failed'
	`, s.table), id)
	if err != nil {
		return false, fmt.Errorf("failed to reset job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ResetFailed resets up to limit failed jobs, oldest failures first
func (s *Store) ResetFailed(ctx context.Context, limit int) (int, error) {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %[1]s
		SET status = 'pending', attempts = 0, error = NULL,
		    locked_at = NULL, locked_by = NULL,
		    next_attempt_at = NOW(),
		    updated_at = NOW()
		WHERE id IN (
			SELECT id FROM %[1]s
			WHERE status = 'failed'
			ORDER BY updated_at
			LIMIT $1
		)
	`, s.table), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to reset failed jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Get fetches a single job by id
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM %s WHERE id = $1
	`, jobColumns, s.table), id)
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	job, err := pgx.CollectExactlyOneRow(rows, scanJob)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	return &job, nil
}

// CountByStatus returns row counts per lifecycle status
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT status, COUNT(*) FROM %s GROUP BY status
	`, s.table))
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// Stuck lists processing rows whose lock is older than olderThan.
// Diagnostic only; reclamation happens inside Lease.
func (s *Store) Stuck(ctx context.Context, olderThan time.Duration) ([]Job, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE status = 'processing' AND locked_at < NOW() - $1
		ORDER BY locked_at
	`, jobColumns, s.table), olderThan)
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck jobs: %w", err)
	}
	return pgx.CollectRows(rows, scanJob)
}

// DeleteTerminal removes completed and failed rows older than olderThan.
// The queue logic never deletes rows; this exists for the admin cleanup
// command only.
func (s *Store) DeleteTerminal(ctx context.Context, olderThan time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		DELETE FROM %s
		WHERE status IN ('completed', 'failed') AND updated_at < NOW() - $1
	`, s.table), olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
