package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fastConfig keeps backoff windows in the microseconds so retry tests finish
// instantly.
func fastConfig() Config {
	return Config{
		MaxConcurrentItems: 4,
		MaxRetriesPerItem:  3,
		BackoffBase:        time.Microsecond,
		BackoffMax:         time.Millisecond,
	}
}

func TestExecuteBatchAllSuccess(t *testing.T) {
	e := NewExecutor(fastConfig(), func(ctx context.Context, item Item) (Outcome, error) {
		return OutcomeSuccess, nil
	}, discardLogger())

	items := []Item{{ID: "a"}, {ID: "b"}, {ID: "c"}}

	result := e.ExecuteBatch(context.Background(), items, nil)

	assert.Equal(t, 3, result.Successful)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, 3, result.TotalProcessed)
}

func TestRetryExhaustionCountsAsFailed(t *testing.T) {
	var attempts atomic.Int64

	e := NewExecutor(fastConfig(), func(ctx context.Context, item Item) (Outcome, error) {
		attempts.Add(1)
		return OutcomeTransient, errors.New("flaky")
	}, discardLogger())

	var outcomes []ItemOutcome
	result := e.ExecuteBatch(context.Background(), []Item{{ID: "a"}}, func(o ItemOutcome) {
		outcomes = append(outcomes, o)
	})

	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 0, result.Successful)
	assert.Equal(t, int64(3), attempts.Load(), "transient failures retry to the budget, no further")

	require.Len(t, outcomes, 1)
	assert.Equal(t, OutcomeTransient, outcomes[0].Outcome)
	assert.Equal(t, 3, outcomes[0].Attempts)
	assert.Error(t, outcomes[0].Err)
}

func TestSuccessAfterRetry(t *testing.T) {
	var attempts atomic.Int64

	e := NewExecutor(fastConfig(), func(ctx context.Context, item Item) (Outcome, error) {
		if attempts.Add(1) < 3 {
			return OutcomeTransient, errors.New("not yet")
		}
		return OutcomeSuccess, nil
	}, discardLogger())

	result := e.ExecuteBatch(context.Background(), []Item{{ID: "a"}}, nil)

	assert.Equal(t, 1, result.Successful)
	assert.Equal(t, int64(3), attempts.Load())
}

func TestTerminalOutcomeShortCircuits(t *testing.T) {
	tests := []struct {
		name    string
		outcome Outcome
		check   func(r *BatchResult) int
	}{
		{"permanently blocked", OutcomePermanentlyBlocked, func(r *BatchResult) int { return r.PermanentlyBlocked }},
		{"verification required", OutcomeVerificationRequired, func(r *BatchResult) int { return r.VerificationRequired }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var attempts atomic.Int64

			e := NewExecutor(fastConfig(), func(ctx context.Context, item Item) (Outcome, error) {
				attempts.Add(1)
				return tt.outcome, nil
			}, discardLogger())

			result := e.ExecuteBatch(context.Background(), []Item{{ID: "a"}}, nil)

			assert.Equal(t, 1, tt.check(result))
			assert.Equal(t, 0, result.Failed)
			assert.Equal(t, int64(1), attempts.Load(), "terminal outcomes absorb on first sight")
		})
	}
}

func TestPanicIsolation(t *testing.T) {
	var attempts atomic.Int64

	e := NewExecutor(fastConfig(), func(ctx context.Context, item Item) (Outcome, error) {
		if item.ID == "bad" {
			attempts.Add(1)
			panic("payload exploded")
		}
		return OutcomeSuccess, nil
	}, discardLogger())

	result := e.ExecuteBatch(context.Background(), []Item{{ID: "good-1"}, {ID: "bad"}, {ID: "good-2"}}, nil)

	assert.Equal(t, 2, result.Successful, "siblings of a panicking item still complete")
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, int64(1), attempts.Load(), "a panicking item does not burn its retry budget")
}

func TestAdmissionGateBoundsConcurrency(t *testing.T) {
	var inflight, peak atomic.Int64

	cfg := fastConfig()
	cfg.MaxConcurrentItems = 2

	e := NewExecutor(cfg, func(ctx context.Context, item Item) (Outcome, error) {
		cur := inflight.Add(1)
		defer inflight.Add(-1)

		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}

		time.Sleep(10 * time.Millisecond)
		return OutcomeSuccess, nil
	}, discardLogger())

	items := make([]Item, 8)
	for i := range items {
		items[i] = Item{ID: string(rune('a' + i))}
	}

	result := e.ExecuteBatch(context.Background(), items, nil)

	assert.Equal(t, 8, result.Successful)
	assert.LessOrEqual(t, peak.Load(), int64(2))
}

func TestGateSharedAcrossBatches(t *testing.T) {
	var inflight, peak atomic.Int64

	cfg := fastConfig()
	cfg.MaxConcurrentItems = 2

	e := NewExecutor(cfg, func(ctx context.Context, item Item) (Outcome, error) {
		cur := inflight.Add(1)
		defer inflight.Add(-1)

		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}

		time.Sleep(10 * time.Millisecond)
		return OutcomeSuccess, nil
	}, discardLogger())

	var wg sync.WaitGroup
	for b := 0; b < 3; b++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.ExecuteBatch(context.Background(), []Item{{ID: "x"}, {ID: "y"}}, nil)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(2), "the gate bounds the worker total, not per batch")
}

func TestCanceledContextStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	cfg := fastConfig()
	cfg.BackoffBase = time.Hour // force the retry wait onto the context path
	cfg.BackoffMax = time.Hour

	e := NewExecutor(cfg, func(ctx context.Context, item Item) (Outcome, error) {
		cancel()
		return OutcomeTransient, errors.New("flaky")
	}, discardLogger())

	done := make(chan *BatchResult, 1)
	go func() {
		done <- e.ExecuteBatch(ctx, []Item{{ID: "a"}}, nil)
	}()

	select {
	case result := <-done:
		assert.Equal(t, 1, result.Failed)
	case <-time.After(5 * time.Second):
		t.Fatal("batch did not finish after context cancellation")
	}
}

func TestActiveItems(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})

	e := NewExecutor(fastConfig(), func(ctx context.Context, item Item) (Outcome, error) {
		close(started)
		<-release
		return OutcomeSuccess, nil
	}, discardLogger())

	done := make(chan struct{})
	go func() {
		e.ExecuteBatch(context.Background(), []Item{{ID: "a"}}, nil)
		close(done)
	}()

	<-started
	assert.Equal(t, int64(1), e.ActiveItems())

	close(release)
	<-done
	assert.Equal(t, int64(0), e.ActiveItems())
}
