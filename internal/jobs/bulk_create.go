package jobs

import (
	"context"
	"fmt"
)

// bulkCreate creates each item in order, reporting before every one.
// Items created before a failure stay; a retry starts from the first item.
func (r *Runner) bulkCreate(ctx context.Context, p BulkCreatePayload, rep Reporter) (Result, error) {
	total := len(p.Tasks)
	created := make([]CreatedTask, 0, total)

	for i, item := range p.Tasks {
		status := fmt.Sprintf("Processing task %d/%d: %s", i+1, total, item.Title)
		if err := rep.Report(ctx, i+1, total, status); err != nil {
			return nil, err
		}

		task, err := r.tasks.CreateTask(ctx, p.UserID, item.Title, item.Description)
		if err != nil {
			return nil, Retryable(fmt.Errorf("create task %d/%d: %w", i+1, total, err))
		}
		created = append(created, CreatedTask{
			ID:        task.ID,
			Title:     task.Title,
			CreatedAt: task.CreatedAt,
		})

		if err := sleep(ctx, r.timing.BulkItemDelay); err != nil {
			return nil, Retryable(err)
		}
	}

	return &BulkCreateResult{
		Message: fmt.Sprintf("Successfully processed %d tasks", len(created)),
		Tasks:   created,
	}, nil
}
