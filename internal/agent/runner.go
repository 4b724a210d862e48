// Package agent runs the worker-side registration and heartbeat loop
// against the coordinator.
package agent

import (
	"context"
	"log/slog"
	"time"
)

// Coordinator is the slice of the coordinator client the runner needs.
type Coordinator interface {
	Register(ctx context.Context, baseURL, name string, capacity int) error
	Heartbeat(ctx context.Context, baseURL string) error
}

// Config holds runner configuration
type Config struct {
	BaseURL           string
	Name              string
	Capacity          int
	HeartbeatInterval time.Duration
}

// Runner registers the agent with the coordinator and keeps pushing
// heartbeats. Registration is retried from the heartbeat loop, so a
// coordinator restart heals without agent intervention.
type Runner struct {
	cfg        Config
	client     Coordinator
	logger     *slog.Logger
	registered bool
}

// NewRunner creates a Runner.
func NewRunner(cfg Config, client Coordinator, logger *slog.Logger) *Runner {
	return &Runner{
		cfg:    cfg,
		client: client,
		logger: logger,
	}
}

// Start runs the register-then-heartbeat loop until the context is canceled.
func (r *Runner) Start(ctx context.Context) {
	r.tick(ctx)

	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.tick(ctx)
		case <-ctx.Done():
			r.logger.Info("Agent heartbeat loop stopped")
			return
		}
	}
}

// tick registers on first contact (or after a lost registration) and pushes
// one heartbeat.
func (r *Runner) tick(ctx context.Context) {
	if !r.registered {
		if err := r.client.Register(ctx, r.cfg.BaseURL, r.cfg.Name, r.cfg.Capacity); err != nil {
			r.logger.Warn("Agent registration failed",
				slog.String("coordinator_error", err.Error()),
			)
			return
		}
		r.registered = true
		r.logger.Info("Agent registered",
			slog.String("base_url", r.cfg.BaseURL),
			slog.Int("capacity", r.cfg.Capacity),
		)
		return
	}

	if err := r.client.Heartbeat(ctx, r.cfg.BaseURL); err != nil {
		r.logger.Warn("Agent heartbeat failed",
			slog.String("coordinator_error", err.Error()),
		)
		// Heartbeats 404 until registration; force a re-register next tick.
		r.registered = false
	}
}
