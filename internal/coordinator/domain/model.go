package domain

import (
	"database/sql"
	"time"
)

// Task status constants
const (
	TaskStatusPending   = "PENDING"
	TaskStatusRunning   = "RUNNING"
	TaskStatusCompleted = "COMPLETED"
	TaskStatusFailed    = "FAILED"
)

// IsTerminalStatus reports whether a task status releases the task lock.
func IsTerminalStatus(status string) bool {
	return status == TaskStatusCompleted || status == TaskStatusFailed
}

// WorkerNode is a registered automation worker. Identity is BaseURL; a node
// is never hard-deleted, only soft-disabled via IsActive.
type WorkerNode struct {
	ID            string         `db:"id"`
	BaseURL       string         `db:"base_url"`
	Name          string         `db:"name"`
	Capacity      int            `db:"capacity"`
	IsActive      bool           `db:"is_active"`
	LastHeartbeat sql.NullTime   `db:"last_heartbeat"`
	LastError     sql.NullString `db:"last_error"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

// TaskLock is a lease record. At most one live (non-expired) row exists per
// (kind, task_id); the unique constraint on that pair is the source of truth
// for mutual exclusion.
type TaskLock struct {
	Kind       string    `db:"kind"`
	TaskID     string    `db:"task_id"`
	WorkerID   string    `db:"worker_id"`
	AcquiredAt time.Time `db:"acquired_at"`
	ExpiresAt  time.Time `db:"expires_at"`
}

// Expired reports whether the lease has passed its TTL at the given instant.
func (l *TaskLock) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

// Task is the persisted status record for one (kind, task_id), updated by
// worker status callbacks. BatchCount is the number of batches the fleet
// accepted at dispatch; BatchesDone counts terminal batch callbacks. The task
// only turns terminal when every accepted batch has reported.
type Task struct {
	Kind                 string         `db:"kind"`
	TaskID               string         `db:"task_id"`
	Status               string         `db:"status"`
	BatchCount           int            `db:"batch_count"`
	BatchesDone          int            `db:"batches_done"`
	FailedBatches        int            `db:"failed_batches"`
	Successful           int            `db:"successful"`
	Failed               int            `db:"failed"`
	PermanentlyBlocked   int            `db:"permanently_blocked"`
	VerificationRequired int            `db:"verification_required"`
	LastError            sql.NullString `db:"last_error"`
	CreatedAt            time.Time      `db:"created_at"`
	UpdatedAt            time.Time      `db:"updated_at"`
}

// BatchCompletion reports the task's batch bookkeeping after one terminal
// batch callback was counted. Finished is true only for the callback that
// completed the last outstanding batch; Status is the task status in effect
// after the call.
type BatchCompletion struct {
	BatchCount    int
	BatchesDone   int
	FailedBatches int
	Finished      bool
	Status        string
}

// TaskItem is the persisted status of a single work item (account).
type TaskItem struct {
	Kind      string         `db:"kind"`
	ItemID    string         `db:"item_id"`
	Status    string         `db:"status"`
	LastError sql.NullString `db:"last_error"`
	UpdatedAt time.Time      `db:"updated_at"`
}

// Counters carries per-category outcome increments reported by workers.
type Counters struct {
	Successful           int `json:"successful"`
	Failed               int `json:"failed"`
	PermanentlyBlocked   int `json:"permanently_blocked"`
	VerificationRequired int `json:"verification_required"`
}

// BatchAssignment is one slice of a task handed to one worker. It lives only
// for the duration of the dispatch request that carries it.
type BatchAssignment struct {
	TaskID     string `json:"task_id"`
	BatchIndex int    `json:"batch_index"`
	BatchCount int    `json:"batch_count"`
	WorkerURL  string `json:"-"`
}
