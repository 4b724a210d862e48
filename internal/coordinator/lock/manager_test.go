package lock

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/taskfleet/internal/coordinator/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore mirrors the real table's semantics in memory: one row per
// (kind, task_id), insert wins only when no live row exists.
type fakeStore struct {
	mu   sync.Mutex
	rows map[string]domain.TaskLock
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]domain.TaskLock)}
}

func key(kind, taskID string) string {
	return kind + "/" + taskID
}

func (s *fakeStore) Insert(_ context.Context, l *domain.TaskLock) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(l.Kind, l.TaskID)
	if existing, ok := s.rows[k]; ok {
		if !existing.Expired(l.AcquiredAt) {
			return false, nil
		}
		delete(s.rows, k)
	}

	s.rows[k] = *l
	return true, nil
}

func (s *fakeStore) Get(_ context.Context, kind, taskID string) (*domain.TaskLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[key(kind, taskID)]
	if !ok {
		return nil, nil
	}
	return &row, nil
}

func (s *fakeStore) Delete(_ context.Context, kind, taskID, workerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(kind, taskID)
	row, ok := s.rows[k]
	if !ok {
		return false, nil
	}
	if workerID != "" && row.WorkerID != workerID {
		return false, nil
	}
	delete(s.rows, k)
	return true, nil
}

func (s *fakeStore) UpdateExpiry(_ context.Context, kind, taskID, workerID string, expiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(kind, taskID)
	row, ok := s.rows[k]
	if !ok || row.WorkerID != workerID {
		return false, nil
	}
	row.ExpiresAt = expiresAt
	s.rows[k] = row
	return true, nil
}

func (s *fakeStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for k, row := range s.rows {
		if row.Expired(now) {
			delete(s.rows, k)
			removed++
		}
	}
	return removed, nil
}

func (s *fakeStore) DeleteByWorker(_ context.Context, workerID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for k, row := range s.rows {
		if row.WorkerID == workerID {
			delete(s.rows, k)
			removed++
		}
	}
	return removed, nil
}

func (s *fakeStore) CountByWorker(_ context.Context, workerID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for _, row := range s.rows {
		if row.WorkerID == workerID {
			count++
		}
	}
	return count, nil
}

func newTestManager(store Store) *Manager {
	return NewManager(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestAcquireValidation(t *testing.T) {
	m := newTestManager(newFakeStore())
	ctx := context.Background()

	_, err := m.Acquire(ctx, "", "task-1", "w1", time.Minute)
	assert.ErrorIs(t, err, domain.ErrInvalidLockKey)

	_, err = m.Acquire(ctx, domain.KindWarmup, "", "w1", time.Minute)
	assert.ErrorIs(t, err, domain.ErrInvalidLockKey)

	_, err = m.Acquire(ctx, domain.KindWarmup, "task-1", "w1", 0)
	assert.ErrorIs(t, err, domain.ErrInvalidTTL)
}

func TestAcquireAndContention(t *testing.T) {
	m := newTestManager(newFakeStore())
	ctx := context.Background()

	got, err := m.Acquire(ctx, domain.KindWarmup, "task-1", "w1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, Acquired, got.Outcome)
	assert.Equal(t, "w1", got.HolderID)
	assert.False(t, got.ExpiresAt.IsZero())

	// A second worker must see the live lease, with the holder reported.
	got, err = m.Acquire(ctx, domain.KindWarmup, "task-1", "w2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, AlreadyHeld, got.Outcome)
	assert.Equal(t, "w1", got.HolderID)

	// A different task id under the same kind is independent.
	got, err = m.Acquire(ctx, domain.KindWarmup, "task-2", "w2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, Acquired, got.Outcome)

	// Same task id under a different kind is independent too.
	got, err = m.Acquire(ctx, domain.KindOutreach, "task-1", "w2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, Acquired, got.Outcome)
}

func TestAcquireMutualExclusion(t *testing.T) {
	m := newTestManager(newFakeStore())
	ctx := context.Background()

	const workers = 32

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		acquired []string
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			got, err := m.Acquire(ctx, domain.KindOutreach, "task-race", string(rune('a'+id)), time.Minute)
			if !assert.NoError(t, err) {
				return
			}

			if got.Outcome == Acquired {
				mu.Lock()
				acquired = append(acquired, got.HolderID)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, acquired, 1, "exactly one concurrent acquire may win")
}

// vanishingHolderStore loses the first insert without leaving a row behind,
// as when the holder releases between a lost insert and the read-back.
type vanishingHolderStore struct {
	*fakeStore
	lostOnce bool
}

func (s *vanishingHolderStore) Insert(ctx context.Context, l *domain.TaskLock) (bool, error) {
	if !s.lostOnce {
		s.lostOnce = true
		return false, nil
	}
	return s.fakeStore.Insert(ctx, l)
}

func TestAcquireRetriesWhenHolderVanishes(t *testing.T) {
	m := newTestManager(&vanishingHolderStore{fakeStore: newFakeStore()})

	// The key is free by the time the lost insert is investigated; one more
	// insert must win rather than reporting contention with no holder.
	got, err := m.Acquire(context.Background(), domain.KindWarmup, "task-1", "w1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, Acquired, got.Outcome)
	assert.Equal(t, "w1", got.HolderID)
}

func TestAcquireOwnerReacquireExtendsLease(t *testing.T) {
	m := newTestManager(newFakeStore())
	ctx := context.Background()

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	first, err := m.Acquire(ctx, domain.KindWarmup, "task-1", "w1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, Acquired, first.Outcome)

	m.now = func() time.Time { return base.Add(30 * time.Second) }

	second, err := m.Acquire(ctx, domain.KindWarmup, "task-1", "w1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, Acquired, second.Outcome)
	assert.True(t, second.ExpiresAt.After(first.ExpiresAt), "re-acquire by the owner extends the lease")
}

func TestAcquireAfterTTLExpiry(t *testing.T) {
	m := newTestManager(newFakeStore())
	ctx := context.Background()

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	got, err := m.Acquire(ctx, domain.KindWarmup, "task-1", "w1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, Acquired, got.Outcome)

	// Before expiry the lease holds.
	m.now = func() time.Time { return base.Add(59 * time.Second) }
	got, err = m.Acquire(ctx, domain.KindWarmup, "task-1", "w2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, AlreadyHeld, got.Outcome)

	// After expiry another worker may take it without any explicit release.
	m.now = func() time.Time { return base.Add(61 * time.Second) }
	got, err = m.Acquire(ctx, domain.KindWarmup, "task-1", "w2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, Acquired, got.Outcome)
	assert.Equal(t, "w2", got.HolderID)
}

func TestReleaseOwnership(t *testing.T) {
	m := newTestManager(newFakeStore())
	ctx := context.Background()

	_, err := m.Acquire(ctx, domain.KindWarmup, "task-1", "w1", time.Minute)
	require.NoError(t, err)

	// Wrong owner cannot release.
	released, err := m.Release(ctx, domain.KindWarmup, "task-1", "w2")
	require.NoError(t, err)
	assert.False(t, released)

	locked, holder, err := m.IsLocked(ctx, domain.KindWarmup, "task-1")
	require.NoError(t, err)
	assert.True(t, locked)
	assert.Equal(t, "w1", holder)

	// The owner can.
	released, err = m.Release(ctx, domain.KindWarmup, "task-1", "w1")
	require.NoError(t, err)
	assert.True(t, released)

	// Releasing an absent lease reports false without error.
	released, err = m.Release(ctx, domain.KindWarmup, "task-1", "w1")
	require.NoError(t, err)
	assert.False(t, released)
}

func TestForceReleaseWithoutOwner(t *testing.T) {
	m := newTestManager(newFakeStore())
	ctx := context.Background()

	_, err := m.Acquire(ctx, domain.KindWarmup, "task-1", "w1", time.Minute)
	require.NoError(t, err)

	released, err := m.Release(ctx, domain.KindWarmup, "task-1", "")
	require.NoError(t, err)
	assert.True(t, released)
}

func TestRefresh(t *testing.T) {
	m := newTestManager(newFakeStore())
	ctx := context.Background()

	_, err := m.Acquire(ctx, domain.KindWarmup, "task-1", "w1", time.Minute)
	require.NoError(t, err)

	ok, err := m.Refresh(ctx, domain.KindWarmup, "task-1", "w1", 2*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// A non-owner cannot refresh.
	ok, err = m.Refresh(ctx, domain.KindWarmup, "task-1", "w2", 2*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIsLockedRemovesExpiredRow(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(store)
	ctx := context.Background()

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	_, err := m.Acquire(ctx, domain.KindWarmup, "task-1", "w1", time.Minute)
	require.NoError(t, err)

	m.now = func() time.Time { return base.Add(2 * time.Minute) }

	locked, holder, err := m.IsLocked(ctx, domain.KindWarmup, "task-1")
	require.NoError(t, err)
	assert.False(t, locked)
	assert.Empty(t, holder)

	store.mu.Lock()
	_, exists := store.rows[key("warmup", "task-1")]
	store.mu.Unlock()
	assert.False(t, exists, "expired row is removed on lookup")
}

func TestCleanupExpired(t *testing.T) {
	m := newTestManager(newFakeStore())
	ctx := context.Background()

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	_, err := m.Acquire(ctx, domain.KindWarmup, "task-1", "w1", time.Minute)
	require.NoError(t, err)
	_, err = m.Acquire(ctx, domain.KindWarmup, "task-2", "w1", time.Hour)
	require.NoError(t, err)

	m.now = func() time.Time { return base.Add(10 * time.Minute) }

	removed, err := m.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	// The long-lived lease survives.
	locked, _, err := m.IsLocked(ctx, domain.KindWarmup, "task-2")
	require.NoError(t, err)
	assert.True(t, locked)
}

func TestForceCleanupByWorkerScoping(t *testing.T) {
	m := newTestManager(newFakeStore())
	ctx := context.Background()

	_, err := m.Acquire(ctx, domain.KindWarmup, "task-1", "w1", time.Hour)
	require.NoError(t, err)
	_, err = m.Acquire(ctx, domain.KindOutreach, "task-2", "w1", time.Hour)
	require.NoError(t, err)
	_, err = m.Acquire(ctx, domain.KindWarmup, "task-3", "w2", time.Hour)
	require.NoError(t, err)

	count, err := m.CountByWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	removed, err := m.ForceCleanupByWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	// The other worker's lease is untouched.
	locked, holder, err := m.IsLocked(ctx, domain.KindWarmup, "task-3")
	require.NoError(t, err)
	assert.True(t, locked)
	assert.Equal(t, "w2", holder)
}
