package jobs

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/mtr002/taskmanager/internal/interfaces"
)

const (
	reportStages      = 4
	reportRecentLimit = 5
)

// report builds task statistics for one user in four stages.
func (r *Runner) report(ctx context.Context, p ReportPayload, rep Reporter) (Result, error) {
	if err := rep.Report(ctx, 1, reportStages, "Fetching user tasks..."); err != nil {
		return nil, err
	}

	user, err := r.users.GetUser(ctx, p.UserID)
	if err != nil {
		if errors.Is(err, interfaces.ErrUserNotFound) {
			return nil, Fatal(fmt.Errorf("user %d not found", p.UserID))
		}
		return nil, Retryable(fmt.Errorf("get user %d: %w", p.UserID, err))
	}
	tasks, err := r.tasks.ListTasksByOwner(ctx, p.UserID)
	if err != nil {
		return nil, Retryable(fmt.Errorf("list tasks for user %d: %w", p.UserID, err))
	}

	if err := rep.Report(ctx, 2, reportStages, "Analyzing task data..."); err != nil {
		return nil, err
	}
	if err := sleep(ctx, r.timing.ReportStageDelay); err != nil {
		return nil, Retryable(err)
	}
	stats := taskStatistics(tasks)

	if err := rep.Report(ctx, 3, reportStages, "Generating report..."); err != nil {
		return nil, err
	}
	if err := sleep(ctx, r.timing.ReportStageDelay); err != nil {
		return nil, Retryable(err)
	}

	result := &ReportResult{
		User: ReportUser{
			ID:       user.ID,
			Username: user.Username,
			Email:    user.Email,
		},
		Statistics:  stats,
		RecentTasks: recentTasks(tasks, reportRecentLimit),
		GeneratedAt: r.now().UTC(),
	}

	if err := rep.Report(ctx, 4, reportStages, "Report generated successfully"); err != nil {
		return nil, err
	}
	return result, nil
}

func taskStatistics(tasks []*interfaces.Task) ReportStatistics {
	stats := ReportStatistics{TotalTasks: len(tasks)}
	for _, t := range tasks {
		if t.Completed {
			stats.CompletedTasks++
		}
	}
	stats.PendingTasks = stats.TotalTasks - stats.CompletedTasks
	if stats.TotalTasks > 0 {
		rate := float64(stats.CompletedTasks) / float64(stats.TotalTasks) * 100
		stats.CompletionRate = math.Round(rate*100) / 100
	}
	return stats
}

// recentTasks returns up to limit tasks, newest first.
func recentTasks(tasks []*interfaces.Task, limit int) []ReportTask {
	sorted := make([]*interfaces.Task, len(tasks))
	copy(sorted, tasks)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})
	if len(sorted) > limit {
		sorted = sorted[:limit]
	}

	recent := make([]ReportTask, 0, len(sorted))
	for _, t := range sorted {
		recent = append(recent, ReportTask{
			ID:        t.ID,
			Title:     t.Title,
			Completed: t.Completed,
			CreatedAt: t.CreatedAt,
		})
	}
	return recent
}
