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

// TaskStore persists task and per-item status updated by worker callbacks.
type TaskStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewTaskStore creates a TaskStore instance
func NewTaskStore(db *sqlx.DB, logger *slog.Logger) *TaskStore {
	return &TaskStore{
		db:     db,
		logger: logger,
	}
}

// UpsertTask creates the task row on first dispatch and resets its status and
// batch bookkeeping for a fresh run.
func (s *TaskStore) UpsertTask(ctx context.Context, kind domain.TaskKind, taskID, status string, now time.Time) error {
	query := `
		INSERT INTO tasks (kind, task_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (kind, task_id) DO UPDATE SET
			status = EXCLUDED.status,
			batch_count = 0,
			batches_done = 0,
			failed_batches = 0,
			updated_at = EXCLUDED.updated_at
	`

	if _, err := s.db.ExecContext(ctx, query, kind.String(), taskID, status, now); err != nil {
		return fmt.Errorf("failed to upsert task: %w", err)
	}

	return nil
}

// SetTaskDispatched records how many batches the fleet accepted for this run.
// Terminal batch callbacks are counted against this number; the task only
// turns terminal once all of them have arrived.
func (s *TaskStore) SetTaskDispatched(ctx context.Context, kind domain.TaskKind, taskID string, batches int, now time.Time) error {
	query := `
		UPDATE tasks
		SET batch_count = $1,
		    updated_at = $2
		WHERE kind = $3 AND task_id = $4
	`

	result, err := s.db.ExecContext(ctx, query, batches, now, kind.String(), taskID)
	if err != nil {
		return fmt.Errorf("failed to record dispatched batches: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return domain.ErrTaskNotFound
	}

	return nil
}

// UpdateTaskStatus sets a non-terminal task status. Returns ErrTaskNotFound
// when no row matches and ErrTaskFinished when the task is already terminal:
// a late RUNNING callback must never flip a finished task backwards.
func (s *TaskStore) UpdateTaskStatus(ctx context.Context, kind domain.TaskKind, taskID, status, errMsg string, now time.Time) error {
	query := `
		UPDATE tasks
		SET status = $1,
		    last_error = NULLIF($2, ''),
		    updated_at = $3
		WHERE kind = $4 AND task_id = $5
		  AND status NOT IN ($6, $7)
	`

	result, err := s.db.ExecContext(ctx, query, status, errMsg, now, kind.String(), taskID,
		domain.TaskStatusCompleted, domain.TaskStatusFailed)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return s.missReason(ctx, kind, taskID)
	}

	s.logger.Info("Task status updated",
		slog.String("kind", kind.String()),
		slog.String("task_id", taskID),
		slog.String("status", status),
	)

	return nil
}

// CompleteBatch counts one terminal batch callback. The increment and the
// finalize decision run in one transaction so concurrent callbacks from
// sibling batches cannot both finalize: exactly one observes the count
// reaching batch_count. A task with any failed batch finishes FAILED.
func (s *TaskStore) CompleteBatch(ctx context.Context, kind domain.TaskKind, taskID, status, errMsg string, now time.Time) (*domain.BatchCompletion, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin batch completion transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	failInc := 0
	if status == domain.TaskStatusFailed {
		failInc = 1
	}

	count := `
		UPDATE tasks
		SET batches_done = batches_done + 1,
		    failed_batches = failed_batches + $1,
		    last_error = COALESCE(NULLIF($2, ''), last_error),
		    updated_at = $3
		WHERE kind = $4 AND task_id = $5
		  AND status NOT IN ($6, $7)
		RETURNING batch_count, batches_done, failed_batches, status
	`

	var completion domain.BatchCompletion
	err = tx.QueryRowxContext(ctx, count, failInc, errMsg, now, kind.String(), taskID,
		domain.TaskStatusCompleted, domain.TaskStatusFailed).
		Scan(&completion.BatchCount, &completion.BatchesDone, &completion.FailedBatches, &completion.Status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.missReason(ctx, kind, taskID)
		}
		return nil, fmt.Errorf("failed to count batch completion: %w", err)
	}

	// batch_count is zero until SetTaskDispatched lands; never finalize
	// against an unrecorded total.
	if completion.BatchCount > 0 && completion.BatchesDone >= completion.BatchCount {
		final := domain.TaskStatusCompleted
		if completion.FailedBatches > 0 {
			final = domain.TaskStatusFailed
		}

		finalize := `
			UPDATE tasks
			SET status = $1,
			    updated_at = $2
			WHERE kind = $3 AND task_id = $4
		`
		if _, err := tx.ExecContext(ctx, finalize, final, now, kind.String(), taskID); err != nil {
			return nil, fmt.Errorf("failed to finalize task: %w", err)
		}

		completion.Finished = true
		completion.Status = final
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit batch completion: %w", err)
	}

	s.logger.Info("Batch completion recorded",
		slog.String("kind", kind.String()),
		slog.String("task_id", taskID),
		slog.Int("batches_done", completion.BatchesDone),
		slog.Int("batch_count", completion.BatchCount),
		slog.Bool("finished", completion.Finished),
	)

	return &completion, nil
}

// missReason distinguishes a callback for an unknown task from one for a task
// that has already finished.
func (s *TaskStore) missReason(ctx context.Context, kind domain.TaskKind, taskID string) error {
	var status string
	err := s.db.GetContext(ctx, &status,
		`SELECT status FROM tasks WHERE kind = $1 AND task_id = $2`, kind.String(), taskID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrTaskNotFound
		}
		return fmt.Errorf("failed to inspect task status: %w", err)
	}
	if domain.IsTerminalStatus(status) {
		return domain.ErrTaskFinished
	}
	return domain.ErrTaskNotFound
}

// AddTaskCounters increments the task's aggregate outcome counters.
func (s *TaskStore) AddTaskCounters(ctx context.Context, kind domain.TaskKind, taskID string, c domain.Counters, now time.Time) error {
	query := `
		UPDATE tasks
		SET successful = successful + $1,
		    failed = failed + $2,
		    permanently_blocked = permanently_blocked + $3,
		    verification_required = verification_required + $4,
		    updated_at = $5
		WHERE kind = $6 AND task_id = $7
	`

	result, err := s.db.ExecContext(ctx, query,
		c.Successful, c.Failed, c.PermanentlyBlocked, c.VerificationRequired,
		now, kind.String(), taskID,
	)
	if err != nil {
		return fmt.Errorf("failed to add task counters: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return domain.ErrTaskNotFound
	}

	return nil
}

// GetTask returns the task row for (kind, task_id).
func (s *TaskStore) GetTask(ctx context.Context, kind domain.TaskKind, taskID string) (*domain.Task, error) {
	query := `
		SELECT kind, task_id, status, batch_count, batches_done, failed_batches,
		       successful, failed, permanently_blocked, verification_required,
		       last_error, created_at, updated_at
		FROM tasks
		WHERE kind = $1 AND task_id = $2
	`

	var task domain.Task
	err := s.db.GetContext(ctx, &task, query, kind.String(), taskID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}

	return &task, nil
}

// UpsertItemStatus records the latest status of one work item.
func (s *TaskStore) UpsertItemStatus(ctx context.Context, kind domain.TaskKind, itemID, status, errMsg string, now time.Time) error {
	query := `
		INSERT INTO task_items (kind, item_id, status, last_error, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5)
		ON CONFLICT (kind, item_id) DO UPDATE SET
			status = EXCLUDED.status,
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at
	`

	if _, err := s.db.ExecContext(ctx, query, kind.String(), itemID, status, errMsg, now); err != nil {
		return fmt.Errorf("failed to upsert item status: %w", err)
	}

	return nil
}
