// Package payload supplies the batch handler's two seams: the account source
// that resolves which items belong to a batch, and the HTTP payload that
// performs one automation attempt per item.
package payload

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/taskfleet/internal/agent/executor"
	"github.com/cuongbtq/taskfleet/internal/coordinator/domain"
	"github.com/jmoiron/sqlx"
)

// AccountSource resolves batch membership from the agent's local accounts
// table. Membership is deterministic: accounts are ordered by item_id and
// account i belongs to batch i mod batch_count, so every agent slices the
// same task the same way without coordination.
type AccountSource struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewAccountSource creates an AccountSource over the given database.
func NewAccountSource(db *sqlx.DB, logger *slog.Logger) *AccountSource {
	return &AccountSource{
		db:     db,
		logger: logger.With(slog.String("component", "account_source")),
	}
}

// ItemsForBatch returns the items of one batch of a task.
func (s *AccountSource) ItemsForBatch(ctx context.Context, kind domain.TaskKind, taskID string, batchIndex, batchCount int) ([]executor.Item, error) {
	if batchCount < 1 {
		batchCount = 1
	}

	var ids []string
	err := s.db.SelectContext(ctx, &ids, `
		SELECT item_id
		FROM accounts
		WHERE kind = $1 AND enabled = TRUE
		ORDER BY item_id ASC`,
		kind.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	var items []executor.Item
	for i, id := range ids {
		if i%batchCount != batchIndex {
			continue
		}
		items = append(items, executor.Item{
			ID:     id,
			Kind:   kind.String(),
			TaskID: taskID,
		})
	}

	s.logger.Debug("Resolved batch items",
		slog.String("kind", kind.String()),
		slog.String("task_id", taskID),
		slog.Int("batch_index", batchIndex),
		slog.Int("batch_count", batchCount),
		slog.Int("items", len(items)),
	)

	return items, nil
}
