package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/taskfleet/internal/coordinator/domain"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// WorkerStore persists worker descriptors in the worker_nodes table,
// unique on base_url.
type WorkerStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewWorkerStore creates a WorkerStore instance
func NewWorkerStore(db *sqlx.DB, logger *slog.Logger) *WorkerStore {
	return &WorkerStore{
		db:     db,
		logger: logger,
	}
}

// Upsert creates the node on first sight of base_url and updates name and
// capacity on subsequent calls. Either way the node comes back active with a
// fresh heartbeat.
func (s *WorkerStore) Upsert(ctx context.Context, baseURL, name string, capacity int, now time.Time) (*domain.WorkerNode, error) {
	query := `
		INSERT INTO worker_nodes (id, base_url, name, capacity, is_active, last_heartbeat, created_at, updated_at)
		VALUES ($1, $2, $3, $4, TRUE, $5, $5, $5)
		ON CONFLICT (base_url) DO UPDATE SET
			name = EXCLUDED.name,
			capacity = EXCLUDED.capacity,
			is_active = TRUE,
			last_heartbeat = EXCLUDED.last_heartbeat,
			last_error = NULL,
			updated_at = EXCLUDED.updated_at
		RETURNING id, base_url, name, capacity, is_active, last_heartbeat, last_error, created_at, updated_at
	`

	var node domain.WorkerNode
	err := s.db.GetContext(ctx, &node, query, uuid.New().String(), baseURL, name, capacity, now)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert worker: %w", err)
	}

	return &node, nil
}

// MarkHeartbeat records a heartbeat outcome for the node identified by
// base_url. Returns false when the node has never registered.
func (s *WorkerStore) MarkHeartbeat(ctx context.Context, baseURL string, ok bool, errMsg string, now time.Time) (bool, error) {
	query := `
		UPDATE worker_nodes
		SET is_active = $1,
		    last_heartbeat = $2,
		    last_error = NULLIF($3, ''),
		    updated_at = $2
		WHERE base_url = $4
	`

	result, err := s.db.ExecContext(ctx, query, ok, now, errMsg, baseURL)
	if err != nil {
		return false, fmt.Errorf("failed to mark heartbeat: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows > 0, nil
}

// ListActive returns active nodes ordered by capacity descending, the order
// the batch planner consumes them in.
func (s *WorkerStore) ListActive(ctx context.Context) ([]domain.WorkerNode, error) {
	query := `
		SELECT id, base_url, name, capacity, is_active, last_heartbeat, last_error, created_at, updated_at
		FROM worker_nodes
		WHERE is_active = TRUE
		ORDER BY capacity DESC, base_url ASC
	`

	var nodes []domain.WorkerNode
	if err := s.db.SelectContext(ctx, &nodes, query); err != nil {
		return nil, fmt.Errorf("failed to list active workers: %w", err)
	}

	return nodes, nil
}

// ListAll returns every registered node, active or not. The health monitor
// polls the full set so disabled nodes can come back on their own.
func (s *WorkerStore) ListAll(ctx context.Context) ([]domain.WorkerNode, error) {
	query := `
		SELECT id, base_url, name, capacity, is_active, last_heartbeat, last_error, created_at, updated_at
		FROM worker_nodes
		ORDER BY base_url ASC
	`

	var nodes []domain.WorkerNode
	if err := s.db.SelectContext(ctx, &nodes, query); err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}

	return nodes, nil
}

// GetByURL returns the node with the given base_url.
func (s *WorkerStore) GetByURL(ctx context.Context, baseURL string) (*domain.WorkerNode, error) {
	return s.getOne(ctx, `base_url = $1`, baseURL)
}

// GetByID returns the node with the given id.
func (s *WorkerStore) GetByID(ctx context.Context, id string) (*domain.WorkerNode, error) {
	return s.getOne(ctx, `id = $1`, id)
}

func (s *WorkerStore) getOne(ctx context.Context, where string, arg any) (*domain.WorkerNode, error) {
	query := `
		SELECT id, base_url, name, capacity, is_active, last_heartbeat, last_error, created_at, updated_at
		FROM worker_nodes
		WHERE ` + where

	var node domain.WorkerNode
	err := s.db.GetContext(ctx, &node, query, arg)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrWorkerNotFound
		}
		return nil, fmt.Errorf("failed to get worker: %w", err)
	}

	return &node, nil
}
