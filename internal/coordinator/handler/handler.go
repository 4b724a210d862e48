package handler

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/taskfleet/internal/coordinator/dispatch"
	"github.com/cuongbtq/taskfleet/internal/coordinator/domain"
	"github.com/cuongbtq/taskfleet/internal/coordinator/events"
	"github.com/cuongbtq/taskfleet/internal/coordinator/lock"
	"github.com/cuongbtq/taskfleet/internal/coordinator/registry"
)

// TaskStore is the slice of persistent task state the handlers need.
type TaskStore interface {
	UpsertTask(ctx context.Context, kind domain.TaskKind, taskID, status string, now time.Time) error
	SetTaskDispatched(ctx context.Context, kind domain.TaskKind, taskID string, batches int, now time.Time) error
	UpdateTaskStatus(ctx context.Context, kind domain.TaskKind, taskID, status, errMsg string, now time.Time) error
	CompleteBatch(ctx context.Context, kind domain.TaskKind, taskID, status, errMsg string, now time.Time) (*domain.BatchCompletion, error)
	AddTaskCounters(ctx context.Context, kind domain.TaskKind, taskID string, c domain.Counters, now time.Time) error
	GetTask(ctx context.Context, kind domain.TaskKind, taskID string) (*domain.Task, error)
	UpsertItemStatus(ctx context.Context, kind domain.TaskKind, itemID, status, errMsg string, now time.Time) error
}

// Fanout is the dispatcher surface the task handler calls.
type Fanout interface {
	Dispatch(ctx context.Context, kind domain.TaskKind, taskID string, workers []domain.WorkerNode) (*dispatch.Report, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger     *slog.Logger
	Locks      *lock.Manager
	Registry   *registry.Registry
	Tasks      TaskStore
	Dispatcher Fanout
	Events     *events.Publisher
	// InstanceID identifies this coordinator instance as a lock owner for
	// dispatch-gating leases.
	InstanceID string
	// LockTTL is the lease duration used when gating dispatch.
	LockTTL time.Duration
	// DBHealth is the database liveness probe behind GET /health. Optional.
	DBHealth func(ctx context.Context) error
}
