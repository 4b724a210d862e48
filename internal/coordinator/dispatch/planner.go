package dispatch

import (
	"github.com/cuongbtq/taskfleet/internal/coordinator/domain"
)

// BuildPlan partitions a task into capacity-weighted batch assignments.
//
// With capacities c1..cn the plan has max(1, sum(ci)) batches. Each worker's
// URL is expanded into the sequence ci times and batch indexes are dealt to
// that sequence cyclically, so every worker receives a share of batches
// proportional to its capacity and remainder batches spread round-robin
// instead of piling onto one worker. Integer arithmetic only.
//
// An empty worker list falls back to defaultWorkerURL with a single batch;
// with no fallback either, dispatch has nowhere to go and errors.
func BuildPlan(taskID string, workers []domain.WorkerNode, defaultWorkerURL string) ([]domain.BatchAssignment, error) {
	if len(workers) == 0 {
		if defaultWorkerURL == "" {
			return nil, domain.ErrNoWorkers
		}
		return []domain.BatchAssignment{{
			TaskID:     taskID,
			BatchIndex: 0,
			BatchCount: 1,
			WorkerURL:  defaultWorkerURL,
		}}, nil
	}

	total := 0
	for _, w := range workers {
		total += w.Capacity
	}

	batchCount := total
	if batchCount < 1 {
		batchCount = 1
	}

	expanded := make([]string, 0, total)
	for _, w := range workers {
		for i := 0; i < w.Capacity; i++ {
			expanded = append(expanded, w.BaseURL)
		}
	}
	if len(expanded) == 0 {
		expanded = []string{workers[0].BaseURL}
	}

	plan := make([]domain.BatchAssignment, batchCount)
	for i := 0; i < batchCount; i++ {
		plan[i] = domain.BatchAssignment{
			TaskID:     taskID,
			BatchIndex: i,
			BatchCount: batchCount,
			WorkerURL:  expanded[i%len(expanded)],
		}
	}

	return plan, nil
}
