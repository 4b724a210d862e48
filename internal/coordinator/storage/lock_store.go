package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/taskfleet/internal/coordinator/domain"
	"github.com/jmoiron/sqlx"
)

// LockStore persists lease records in the task_locks table. The table carries
// a unique constraint on (kind, task_id); that constraint, not any prior
// read, decides the winner of concurrent acquires.
type LockStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewLockStore creates a LockStore instance
func NewLockStore(db *sqlx.DB, logger *slog.Logger) *LockStore {
	return &LockStore{
		db:     db,
		logger: logger,
	}
}

// Insert atomically removes an expired row for the lock's key and inserts the
// new lease. Returns true when the row was inserted, false when a live lease
// already exists. ON CONFLICT DO NOTHING makes the insert race-safe: the
// loser of a concurrent acquire observes zero rows affected.
func (s *LockStore) Insert(ctx context.Context, lock *domain.TaskLock) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin lock transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	deleteExpired := `
		DELETE FROM task_locks
		WHERE kind = $1 AND task_id = $2 AND expires_at <= $3
	`
	if _, err := tx.ExecContext(ctx, deleteExpired, lock.Kind, lock.TaskID, lock.AcquiredAt); err != nil {
		return false, fmt.Errorf("failed to clear expired lock: %w", err)
	}

	insert := `
		INSERT INTO task_locks (kind, task_id, worker_id, acquired_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (kind, task_id) DO NOTHING
	`
	result, err := tx.ExecContext(ctx, insert, lock.Kind, lock.TaskID, lock.WorkerID, lock.AcquiredAt, lock.ExpiresAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert lock: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit lock transaction: %w", err)
	}

	return rows > 0, nil
}

// Get returns the lock row for (kind, task_id), or nil when none exists.
func (s *LockStore) Get(ctx context.Context, kind, taskID string) (*domain.TaskLock, error) {
	query := `
		SELECT kind, task_id, worker_id, acquired_at, expires_at
		FROM task_locks
		WHERE kind = $1 AND task_id = $2
	`

	var lock domain.TaskLock
	err := s.db.GetContext(ctx, &lock, query, kind, taskID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get lock: %w", err)
	}

	return &lock, nil
}

// Delete removes the lock row for (kind, task_id). A non-empty workerID makes
// the delete ownership-checked. Returns whether a row was deleted.
func (s *LockStore) Delete(ctx context.Context, kind, taskID, workerID string) (bool, error) {
	var result sql.Result
	var err error

	if workerID != "" {
		query := `DELETE FROM task_locks WHERE kind = $1 AND task_id = $2 AND worker_id = $3`
		result, err = s.db.ExecContext(ctx, query, kind, taskID, workerID)
	} else {
		query := `DELETE FROM task_locks WHERE kind = $1 AND task_id = $2`
		result, err = s.db.ExecContext(ctx, query, kind, taskID)
	}

	if err != nil {
		return false, fmt.Errorf("failed to delete lock: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows > 0, nil
}

// UpdateExpiry extends the lease, only when the row is owned by workerID.
func (s *LockStore) UpdateExpiry(ctx context.Context, kind, taskID, workerID string, expiresAt time.Time) (bool, error) {
	query := `
		UPDATE task_locks
		SET expires_at = $1
		WHERE kind = $2 AND task_id = $3 AND worker_id = $4
	`

	result, err := s.db.ExecContext(ctx, query, expiresAt, kind, taskID, workerID)
	if err != nil {
		return false, fmt.Errorf("failed to refresh lock: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows > 0, nil
}

// DeleteExpired removes every lock whose lease has passed.
func (s *LockStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	query := `DELETE FROM task_locks WHERE expires_at <= $1`

	result, err := s.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired locks: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows > 0 {
		s.logger.Info("Expired locks removed",
			slog.Int64("count", rows),
		)
	}

	return rows, nil
}

// DeleteByWorker removes every lock owned by workerID regardless of TTL.
// Crash recovery only; callers are expected to have confirmed the worker dead.
func (s *LockStore) DeleteByWorker(ctx context.Context, workerID string) (int64, error) {
	query := `DELETE FROM task_locks WHERE worker_id = $1`

	result, err := s.db.ExecContext(ctx, query, workerID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete locks by worker: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	s.logger.Info("Locks force-removed for worker",
		slog.String("worker_id", workerID),
		slog.Int64("count", rows),
	)

	return rows, nil
}

// CountByWorker reports how many locks a worker currently owns. Used by the
// operator cleanup endpoint's dry-run path.
func (s *LockStore) CountByWorker(ctx context.Context, workerID string) (int64, error) {
	var count int64
	err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM task_locks WHERE worker_id = $1`, workerID)
	if err != nil {
		return 0, fmt.Errorf("failed to count locks by worker: %w", err)
	}
	return count, nil
}
