// Package registry tracks the fleet of automation workers: who is
// registered, how much capacity they advertise, and whether their latest
// heartbeat succeeded.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/taskfleet/internal/coordinator/domain"
)

// Store is the durable worker_nodes table.
type Store interface {
	Upsert(ctx context.Context, baseURL, name string, capacity int, now time.Time) (*domain.WorkerNode, error)
	MarkHeartbeat(ctx context.Context, baseURL string, ok bool, errMsg string, now time.Time) (bool, error)
	ListActive(ctx context.Context) ([]domain.WorkerNode, error)
	ListAll(ctx context.Context) ([]domain.WorkerNode, error)
	GetByURL(ctx context.Context, baseURL string) (*domain.WorkerNode, error)
	GetByID(ctx context.Context, id string) (*domain.WorkerNode, error)
}

// Registry exposes worker registration and liveness over a Store.
type Registry struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewRegistry creates a Registry over the given store.
func NewRegistry(store Store, logger *slog.Logger) *Registry {
	return &Registry{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Register upserts a worker keyed by base_url. Idempotent: repeat calls with
// identical fields leave one row; changed name/capacity update in place.
// Registration counts as a successful heartbeat.
func (r *Registry) Register(ctx context.Context, baseURL, name string, capacity int) (*domain.WorkerNode, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("worker base_url is required")
	}
	if capacity < 1 {
		return nil, fmt.Errorf("worker capacity must be at least 1, got %d", capacity)
	}

	node, err := r.store.Upsert(ctx, baseURL, name, capacity, r.now())
	if err != nil {
		return nil, err
	}

	r.logger.Info("Worker registered",
		slog.String("base_url", baseURL),
		slog.String("name", name),
		slog.Int("capacity", capacity),
	)

	return node, nil
}

// Heartbeat records a liveness observation for a registered worker. Unknown
// base_url is an error: workers must register before heartbeating.
func (r *Registry) Heartbeat(ctx context.Context, baseURL string, ok bool, errMsg string) error {
	known, err := r.store.MarkHeartbeat(ctx, baseURL, ok, errMsg, r.now())
	if err != nil {
		return err
	}
	if !known {
		return fmt.Errorf("%w: %s", domain.ErrWorkerNotFound, baseURL)
	}

	if !ok {
		r.logger.Warn("Worker reported unhealthy",
			slog.String("base_url", baseURL),
			slog.String("error", errMsg),
		)
	}

	return nil
}

// ListActive returns active workers ordered by capacity descending.
func (r *Registry) ListActive(ctx context.Context) ([]domain.WorkerNode, error) {
	return r.store.ListActive(ctx)
}

// ListAll returns every registered worker.
func (r *Registry) ListAll(ctx context.Context) ([]domain.WorkerNode, error) {
	return r.store.ListAll(ctx)
}

// GetByURL returns the worker registered under baseURL.
func (r *Registry) GetByURL(ctx context.Context, baseURL string) (*domain.WorkerNode, error) {
	return r.store.GetByURL(ctx, baseURL)
}

// GetByID returns the worker with the given id.
func (r *Registry) GetByID(ctx context.Context, id string) (*domain.WorkerNode, error) {
	return r.store.GetByID(ctx, id)
}
