package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/mtr002/taskmanager/internal/logger"
)

// CleanupAge is how long a completed task is kept.
const CleanupAge = 30 * 24 * time.Hour

// cleanup deletes completed tasks last updated more than CleanupAge ago.
// It is not retried.
func (r *Runner) cleanup(ctx context.Context, _ CleanupPayload, rep Reporter) (Result, error) {
	cutoff := r.now().UTC().Add(-CleanupAge)

	deleted, err := r.tasks.DeleteCompletedBefore(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("delete completed tasks before %s: %w", cutoff.Format(time.RFC3339), err)
	}

	msg := fmt.Sprintf("Successfully cleaned up %d old tasks", deleted)
	if err := rep.Report(ctx, 1, 1, msg); err != nil {
		return nil, err
	}

	logger.Logger.Info().Int64("deleted", deleted).Time("cutoff", cutoff).Msg("Cleanup finished")
	return &CleanupResult{Deleted: deleted, Message: msg}, nil
}
