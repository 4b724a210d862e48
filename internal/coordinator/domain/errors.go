package domain

import "errors"

var (
	// ErrUnknownKind is returned when a request names a task kind outside the closed set.
	ErrUnknownKind = errors.New("unknown task kind")

	// ErrWorkerNotFound is returned when a heartbeat or lookup names an unregistered worker.
	ErrWorkerNotFound = errors.New("worker not found")

	// ErrTaskNotFound is returned when a status callback names an unknown task.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskFinished is returned when a status callback arrives for a task
	// already in a terminal status. Terminal is absorbing.
	ErrTaskFinished = errors.New("task already finished")

	// ErrNoWorkers is returned when dispatch finds no active workers and no default worker is configured.
	ErrNoWorkers = errors.New("no active workers available")

	// ErrInvalidTTL is returned when a lock is requested with a non-positive TTL.
	ErrInvalidTTL = errors.New("lock ttl must be positive")

	// ErrInvalidLockKey is returned when kind or task_id is empty.
	ErrInvalidLockKey = errors.New("lock kind and task_id are required")
)
