package jobs

import (
	"context"
	"fmt"

	"github.com/mtr002/taskmanager/internal/logger"
)

const notifySteps = 5

// notify simulates delivering an email in five steps.
func (r *Runner) notify(ctx context.Context, p NotifyPayload, rep Reporter) (Result, error) {
	for step := 1; step <= notifySteps; step++ {
		if err := sleep(ctx, r.timing.NotifyStepDelay); err != nil {
			return nil, Retryable(err)
		}
		status := fmt.Sprintf("Sending email notification... %d/%d", step, notifySteps)
		if err := rep.Report(ctx, step, notifySteps, status); err != nil {
			return nil, err
		}
	}

	logger.Logger.Info().
		Int64("user_id", p.UserID).
		Str("task_title", p.TaskTitle).
		Str("notification_type", p.NotificationType).
		Msg("Email notification sent")

	return &NotifyResult{
		Message:          fmt.Sprintf("Notification sent to user %d", p.UserID),
		UserID:           p.UserID,
		TaskTitle:        p.TaskTitle,
		NotificationType: p.NotificationType,
	}, nil
}
