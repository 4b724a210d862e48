// Package executor runs a batch of work items under a bounded-concurrency
// admission gate, with per-item retry, backoff, and outcome classification.
// The automation payload itself is injected; the executor only coordinates.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// errPayloadPanic marks an attempt that panicked. A panicking item is
// recorded failed immediately instead of burning its retry budget.
var errPayloadPanic = errors.New("payload panic")

// PayloadFunc is the injected automation payload. It performs one attempt on
// one item and classifies the result. A non-nil error counts as a transient
// attempt regardless of the returned outcome.
type PayloadFunc func(ctx context.Context, item Item) (Outcome, error)

// Config holds executor configuration
type Config struct {
	// MaxConcurrentItems sizes the admission gate.
	MaxConcurrentItems int
	// MaxRetriesPerItem bounds attempts per item for transient outcomes.
	MaxRetriesPerItem int
	// BackoffBase is the base of the jittered backoff window between
	// attempts. Tens of seconds in production; milliseconds in tests.
	BackoffBase time.Duration
	// BackoffMax caps the backoff window.
	BackoffMax time.Duration
}

// Executor processes batches. Safe for concurrent ExecuteBatch calls; the
// admission gate is shared so the worker's total in-flight items stay
// bounded across overlapping batches.
type Executor struct {
	cfg     Config
	payload PayloadFunc
	logger  *slog.Logger
	gate    chan struct{}
	active  atomic.Int64
}

// NewExecutor creates an executor around the given payload.
func NewExecutor(cfg Config, payload PayloadFunc, logger *slog.Logger) *Executor {
	if cfg.MaxConcurrentItems < 1 {
		cfg.MaxConcurrentItems = 1
	}
	if cfg.MaxRetriesPerItem < 1 {
		cfg.MaxRetriesPerItem = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 30 * time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 5 * time.Minute
	}

	return &Executor{
		cfg:     cfg,
		payload: payload,
		logger:  logger,
		gate:    make(chan struct{}, cfg.MaxConcurrentItems),
	}
}

// ActiveItems reports how many items are currently holding a gate slot.
func (e *Executor) ActiveItems() int64 {
	return e.active.Load()
}

// ItemOutcome pairs an item with its final classification.
type ItemOutcome struct {
	Item    Item
	Outcome Outcome
	// Attempts is how many payload calls the item consumed.
	Attempts int
	// Err is the last attempt's error, when any.
	Err error
}

// ExecuteBatch runs every item to a final outcome and aggregates the batch
// result. One item's failure, or even a panic inside its payload call, never
// aborts the siblings. The optional onItem callback observes each item's
// final outcome as it lands (used for per-item status callbacks).
func (e *Executor) ExecuteBatch(ctx context.Context, items []Item, onItem func(ItemOutcome)) *BatchResult {
	e.logger.Info("Batch started",
		slog.Int("items", len(items)),
		slog.Int("max_concurrent", e.cfg.MaxConcurrentItems),
	)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		result BatchResult
	)

	for _, item := range items {
		wg.Add(1)
		go func(item Item) {
			defer wg.Done()

			select {
			case e.gate <- struct{}{}:
			case <-ctx.Done():
				mu.Lock()
				result.record(OutcomeTransient)
				mu.Unlock()
				return
			}
			e.active.Add(1)
			defer func() {
				e.active.Add(-1)
				<-e.gate
			}()

			out := e.runItem(ctx, item)

			mu.Lock()
			result.record(out.Outcome)
			mu.Unlock()

			if onItem != nil {
				onItem(out)
			}
		}(item)
	}

	wg.Wait()

	e.logger.Info("Batch finished",
		slog.Int("total", result.TotalProcessed),
		slog.Int("successful", result.Successful),
		slog.Int("failed", result.Failed),
		slog.Int("permanently_blocked", result.PermanentlyBlocked),
		slog.Int("verification_required", result.VerificationRequired),
	)

	return &result
}

// runItem drives one item through its retry budget. A terminal outcome stops
// the loop on first sight; transient outcomes retry after a jittered backoff
// until attempts are exhausted, at which point the item counts as failed.
func (e *Executor) runItem(ctx context.Context, item Item) ItemOutcome {
	var lastErr error

	for attempt := 1; attempt <= e.cfg.MaxRetriesPerItem; attempt++ {
		outcome, err := e.attempt(ctx, item)
		lastErr = err

		if errors.Is(err, errPayloadPanic) {
			return ItemOutcome{Item: item, Outcome: OutcomeTransient, Attempts: attempt, Err: err}
		}

		if err == nil && outcome == OutcomeSuccess {
			return ItemOutcome{Item: item, Outcome: OutcomeSuccess, Attempts: attempt}
		}

		if err == nil && outcome.Terminal() {
			e.logger.Warn("Item hit terminal outcome",
				slog.String("item_id", item.ID),
				slog.String("outcome", outcome.String()),
				slog.Int("attempt", attempt),
			)
			return ItemOutcome{Item: item, Outcome: outcome, Attempts: attempt}
		}

		e.logger.Debug("Item attempt failed",
			slog.String("item_id", item.ID),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", e.cfg.MaxRetriesPerItem),
			slog.Any("error", err),
		)

		if attempt < e.cfg.MaxRetriesPerItem {
			if !e.sleepBackoff(ctx, attempt) {
				break
			}
		}
	}

	return ItemOutcome{
		Item:     item,
		Outcome:  OutcomeTransient,
		Attempts: e.cfg.MaxRetriesPerItem,
		Err:      lastErr,
	}
}

// attempt performs one payload call, converting a panic into a transient
// attempt so one misbehaving item cannot take down its siblings.
func (e *Executor) attempt(ctx context.Context, item Item) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Payload panicked",
				slog.String("item_id", item.ID),
				slog.Any("panic", r),
			)
			outcome = OutcomeTransient
			err = fmt.Errorf("%w: %v", errPayloadPanic, r)
		}
	}()

	return e.payload(ctx, item)
}

// sleepBackoff waits a full-jitter exponential window before the next
// attempt. Returns false when the context ended first.
func (e *Executor) sleepBackoff(ctx context.Context, attempt int) bool {
	base := float64(e.cfg.BackoffBase) * math.Pow(2, float64(attempt-1))
	if limit := float64(e.cfg.BackoffMax); base > limit {
		base = limit
	}
	delay := time.Duration(rand.Float64() * base) //nolint:gosec // jitter intentionally uses non-crypto rand

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
