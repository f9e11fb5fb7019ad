package state

import (
	"context"
	"time"
)

// CleanupOlderThan deletes terminal executions whose last update is older
// than age, including their checkpoints and idempotency keys. Returns the
// number of workflows removed.
//
// Runs over the Store interface so every backend gets retention for free.
func CleanupOlderThan(ctx context.Context, s Store, age time.Duration) (int, error) {
	records, err := s.ListExecutions(ctx, "")
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-age)
	removed := 0
	for _, rec := range records {
		if !rec.Status.Terminal() || rec.UpdatedAt.After(cutoff) {
			continue
		}
		if err := s.DeleteWorkflow(ctx, rec.WorkflowID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
