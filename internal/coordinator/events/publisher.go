// Package events publishes task lifecycle events to the configured exchange
// for downstream audit consumers. Publishing is best-effort: a broker outage
// never fails the operation that produced the event.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cuongbtq/taskfleet/internal/coordinator/domain"
)

// Event names
const (
	EventTaskDispatched = "task.dispatched"
	EventTaskTerminal   = "task.terminal"
	EventLocksReclaimed = "locks.reclaimed"
)

// Broker is the publishing slice of the RabbitMQ client.
type Broker interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// Event is the wire shape of a lifecycle event.
type Event struct {
	Event      string    `json:"event"`
	Kind       string    `json:"kind,omitempty"`
	TaskID     string    `json:"task_id,omitempty"`
	WorkerID   string    `json:"worker_id,omitempty"`
	Status     string    `json:"status,omitempty"`
	BatchCount int       `json:"batch_count,omitempty"`
	Accepted   int       `json:"accepted,omitempty"`
	Removed    int64     `json:"removed,omitempty"`
	At         time.Time `json:"at"`
}

// Publisher emits lifecycle events. A nil *Publisher is valid and publishes
// nothing, so wiring stays unconditional at call sites.
type Publisher struct {
	broker Broker
	logger *slog.Logger
}

// NewPublisher creates a Publisher over the given broker.
func NewPublisher(broker Broker, logger *slog.Logger) *Publisher {
	return &Publisher{
		broker: broker,
		logger: logger,
	}
}

// TaskDispatched records a completed fan-out.
func (p *Publisher) TaskDispatched(ctx context.Context, kind domain.TaskKind, taskID string, batchCount, accepted int) {
	p.publish(ctx, Event{
		Event:      EventTaskDispatched,
		Kind:       kind.String(),
		TaskID:     taskID,
		BatchCount: batchCount,
		Accepted:   accepted,
		At:         time.Now(),
	})
}

// TaskTerminal records a task reaching a terminal status.
func (p *Publisher) TaskTerminal(ctx context.Context, kind domain.TaskKind, taskID, status string) {
	p.publish(ctx, Event{
		Event:  EventTaskTerminal,
		Kind:   kind.String(),
		TaskID: taskID,
		Status: status,
		At:     time.Now(),
	})
}

// LocksReclaimed records an operator crash-recovery cleanup.
func (p *Publisher) LocksReclaimed(ctx context.Context, workerID string, removed int64) {
	p.publish(ctx, Event{
		Event:    EventLocksReclaimed,
		WorkerID: workerID,
		Removed:  removed,
		At:       time.Now(),
	})
}

func (p *Publisher) publish(ctx context.Context, ev Event) {
	if p == nil || p.broker == nil {
		return
	}

	body, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("Failed to encode event",
			slog.String("event", ev.Event),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := p.broker.PublishWithRetry(ctx, body, "application/json"); err != nil {
		p.logger.Error("Failed to publish event",
			slog.String("event", ev.Event),
			slog.String("error", err.Error()),
		)
	}
}
