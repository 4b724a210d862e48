// Package lock implements lease-based mutual exclusion keyed by
// (kind, task_id). A lease self-expires after its TTL, so a crashed owner
// never wedges a task permanently.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/taskfleet/internal/coordinator/domain"
)

// Store is the durable lease table. Insert must be atomic with respect to
// concurrent callers: exactly one of N simultaneous inserts for the same key
// may report true.
type Store interface {
	Insert(ctx context.Context, lock *domain.TaskLock) (bool, error)
	Get(ctx context.Context, kind, taskID string) (*domain.TaskLock, error)
	Delete(ctx context.Context, kind, taskID, workerID string) (bool, error)
	UpdateExpiry(ctx context.Context, kind, taskID, workerID string, expiresAt time.Time) (bool, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	DeleteByWorker(ctx context.Context, workerID string) (int64, error)
	CountByWorker(ctx context.Context, workerID string) (int64, error)
}

// AcquireOutcome tags the result of an acquire attempt.
type AcquireOutcome int

const (
	// Acquired means the caller now owns the lease.
	Acquired AcquireOutcome = iota
	// AlreadyHeld means a live lease owned by another worker exists.
	AlreadyHeld
)

// AcquireResult reports the outcome of Acquire along with the lease holder
// and expiry that apply after the call.
type AcquireResult struct {
	Outcome   AcquireOutcome
	HolderID  string
	ExpiresAt time.Time
}

// Manager enforces TTL semantics over a Store. It is injected into every
// component that needs locking; there is no package-level instance.
type Manager struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates a lock manager over the given store.
func NewManager(store Store, logger *slog.Logger) *Manager {
	return &Manager{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Acquire attempts to take the lease for (kind, taskID) on behalf of
// workerID. The winner of a concurrent race is decided by the store's
// uniqueness constraint; a lost race comes back AlreadyHeld, never as a
// silent overwrite. Re-acquire by the current owner extends the lease.
// Storage errors propagate; a failed acquire is never reported as Acquired.
func (m *Manager) Acquire(ctx context.Context, kind domain.TaskKind, taskID, workerID string, ttl time.Duration) (*AcquireResult, error) {
	if kind == "" || taskID == "" {
		return nil, domain.ErrInvalidLockKey
	}
	if ttl <= 0 {
		return nil, domain.ErrInvalidTTL
	}

	now := m.now()
	candidate := &domain.TaskLock{
		Kind:       kind.String(),
		TaskID:     taskID,
		WorkerID:   workerID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}

	var existing *domain.TaskLock
	for attempt := 0; attempt < 2; attempt++ {
		inserted, err := m.store.Insert(ctx, candidate)
		if err != nil {
			return nil, fmt.Errorf("lock acquire failed: %w", err)
		}

		if inserted {
			m.logger.Info("Lock acquired",
				slog.String("kind", kind.String()),
				slog.String("task_id", taskID),
				slog.String("worker_id", workerID),
				slog.Time("expires_at", candidate.ExpiresAt),
			)
			return &AcquireResult{Outcome: Acquired, HolderID: workerID, ExpiresAt: candidate.ExpiresAt}, nil
		}

		// Insert lost: a row exists. Either we already own it (refresh the
		// lease) or another worker holds it.
		existing, err = m.store.Get(ctx, kind.String(), taskID)
		if err != nil {
			return nil, fmt.Errorf("lock acquire failed: %w", err)
		}

		// The holder released between the insert and the read-back, so the
		// key is free again. One more insert keeps the contention report
		// truthful instead of returning AlreadyHeld with no holder.
		if existing == nil {
			continue
		}

		if existing.WorkerID == workerID {
			refreshed, err := m.store.UpdateExpiry(ctx, kind.String(), taskID, workerID, now.Add(ttl))
			if err != nil {
				return nil, fmt.Errorf("lock acquire failed: %w", err)
			}
			if refreshed {
				return &AcquireResult{Outcome: Acquired, HolderID: workerID, ExpiresAt: now.Add(ttl)}, nil
			}
		}
		break
	}

	holder := ""
	expires := time.Time{}
	if existing != nil {
		holder = existing.WorkerID
		expires = existing.ExpiresAt
	}

	m.logger.Debug("Lock contended",
		slog.String("kind", kind.String()),
		slog.String("task_id", taskID),
		slog.String("worker_id", workerID),
		slog.String("held_by", holder),
	)

	return &AcquireResult{Outcome: AlreadyHeld, HolderID: holder, ExpiresAt: expires}, nil
}

// Release deletes the lease. A non-empty workerID restricts the delete to a
// lease owned by that worker; an empty workerID force-releases. Returns
// whether a row was deleted.
func (m *Manager) Release(ctx context.Context, kind domain.TaskKind, taskID, workerID string) (bool, error) {
	if kind == "" || taskID == "" {
		return false, domain.ErrInvalidLockKey
	}

	released, err := m.store.Delete(ctx, kind.String(), taskID, workerID)
	if err != nil {
		return false, fmt.Errorf("lock release failed: %w", err)
	}

	if released {
		m.logger.Info("Lock released",
			slog.String("kind", kind.String()),
			slog.String("task_id", taskID),
			slog.String("worker_id", workerID),
		)
	}

	return released, nil
}

// Refresh extends the lease only when it exists and is owned by workerID.
func (m *Manager) Refresh(ctx context.Context, kind domain.TaskKind, taskID, workerID string, ttl time.Duration) (bool, error) {
	if kind == "" || taskID == "" {
		return false, domain.ErrInvalidLockKey
	}
	if ttl <= 0 {
		return false, domain.ErrInvalidTTL
	}

	return m.store.UpdateExpiry(ctx, kind.String(), taskID, workerID, m.now().Add(ttl))
}

// IsLocked reports whether a live lease exists for (kind, taskID) and who
// holds it. An expired row found on the way is removed opportunistically.
func (m *Manager) IsLocked(ctx context.Context, kind domain.TaskKind, taskID string) (bool, string, error) {
	existing, err := m.store.Get(ctx, kind.String(), taskID)
	if err != nil {
		return false, "", fmt.Errorf("lock lookup failed: %w", err)
	}
	if existing == nil {
		return false, "", nil
	}

	if existing.Expired(m.now()) {
		if _, err := m.store.Delete(ctx, kind.String(), taskID, existing.WorkerID); err != nil {
			return false, "", fmt.Errorf("lock lookup failed: %w", err)
		}
		return false, "", nil
	}

	return true, existing.WorkerID, nil
}

// CleanupExpired removes every expired lease. Idempotent, safe on any cadence.
func (m *Manager) CleanupExpired(ctx context.Context) (int64, error) {
	return m.store.DeleteExpired(ctx, m.now())
}

// ForceCleanupByWorker removes every lease owned by workerID regardless of
// TTL. Crash recovery for confirmed-dead workers; never invoked
// automatically by health checks.
func (m *Manager) ForceCleanupByWorker(ctx context.Context, workerID string) (int64, error) {
	return m.store.DeleteByWorker(ctx, workerID)
}

// CountByWorker reports how many leases workerID holds without touching them.
func (m *Manager) CountByWorker(ctx context.Context, workerID string) (int64, error) {
	return m.store.CountByWorker(ctx, workerID)
}
