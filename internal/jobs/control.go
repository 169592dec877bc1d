package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/mtr002/taskmanager/internal/interfaces"
	"github.com/mtr002/taskmanager/internal/logger"
	"github.com/mtr002/taskmanager/internal/metrics"
)

// Status is the caller-facing view of one job.
type Status struct {
	TaskID  string          `json:"task_id"`
	State   string          `json:"state"`
	Current int             `json:"current"`
	Total   int             `json:"total"`
	Status  string          `json:"status"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type ActiveJob struct {
	TaskID string          `json:"task_id"`
	Type   string          `json:"type"`
	Worker string          `json:"worker"`
	Args   json.RawMessage `json:"args"`
	Since  *time.Time      `json:"since,omitempty"`
}

type WorkerStat struct {
	Worker          string           `json:"worker"`
	Status          string           `json:"status"`
	TotalTasks      map[string]int64 `json:"total_tasks"`
	RegisteredTasks []string         `json:"registered_tasks"`
	Queues          []string         `json:"queues"`
	ActiveJob       string           `json:"active_job,omitempty"`
	LastSeen        time.Time        `json:"last_seen"`
}

// Control answers status, revocation and introspection queries. It reads
// only the job store and the worker registry.
type Control struct {
	store    interfaces.JobStore
	registry interfaces.WorkerRegistry
	queues   []string
}

func NewControl(store interfaces.JobStore, registry interfaces.WorkerRegistry, queues []string) *Control {
	if len(queues) == 0 {
		queues = Queues()
	}
	return &Control{store: store, registry: registry, queues: queues}
}

// GetStatus returns the rendered status of a job or ErrJobNotFound.
func (c *Control) GetStatus(ctx context.Context, id string) (*Status, error) {
	j, err := c.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	return RenderStatus(j), nil
}

// RenderStatus maps a stored record to what pollers see.
func RenderStatus(j *interfaces.Job) *Status {
	s := &Status{TaskID: j.ID, State: string(j.State)}

	switch j.State {
	case interfaces.StatePending:
		s.Current, s.Total, s.Status = 0, 1, "Pending..."
		if j.Retries > 0 {
			s.Status = fmt.Sprintf("Retry %d/%d scheduled: %s", j.Retries, j.MaxRetries, j.Error)
		}
	case interfaces.StateProgress:
		s.Current, s.Total, s.Status = j.Current, j.Total, j.Status
	case interfaces.StateSuccess:
		s.Current, s.Total, s.Status = j.Current, j.Total, j.Status
		s.Result = json.RawMessage(j.Result)
	case interfaces.StateFailure:
		s.Current, s.Total, s.Status = 1, 1, "Task failed"
		s.Error = j.Error
	case interfaces.StateRevoked:
		s.Current, s.Total, s.Status = j.Current, j.Total, "Task revoked"
	default:
		s.Status = j.Status
	}
	if len(s.Result) > 0 && !json.Valid(s.Result) {
		s.Result = nil
	}
	return s
}

// Revoke cancels a job. It returns the state the job was in; SUCCESS,
// FAILURE and REVOKED jobs are left alone.
func (c *Control) Revoke(ctx context.Context, id string) (interfaces.JobState, error) {
	prev, err := c.store.Revoke(ctx, id)
	if err != nil {
		return "", err
	}

	log := logger.WithJobID(id)
	switch prev {
	case interfaces.StatePending:
		if j, err := c.store.GetJob(ctx, id); err == nil {
			metrics.JobsRevokedTotal.WithLabelValues(j.Type).Inc()
		}
		log.Info().Msg("Pending job revoked")
	case interfaces.StateProgress:
		log.Info().Msg("Revocation requested for running job")
	default:
		log.Debug().Str("state", string(prev)).Msg("Revoke ignored for finished job")
	}
	return prev, nil
}

// ListActive returns the jobs currently executing on live workers.
func (c *Control) ListActive(ctx context.Context) ([]ActiveJob, error) {
	workers, err := c.listWorkers(ctx)
	if err != nil {
		return nil, err
	}

	active := make([]ActiveJob, 0, len(workers))
	for _, w := range workers {
		if w.ActiveJob == "" {
			continue
		}
		args := json.RawMessage(w.ActiveArgs)
		if !json.Valid(args) {
			quoted, _ := json.Marshal(w.ActiveArgs) //nolint:errcheck // strings always marshal
			args = quoted
		}
		active = append(active, ActiveJob{
			TaskID: w.ActiveJob,
			Type:   w.ActiveType,
			Worker: w.Name,
			Args:   args,
			Since:  w.ActiveSince,
		})
	}
	return active, nil
}

// WorkerStats summarises every live worker.
func (c *Control) WorkerStats(ctx context.Context) ([]WorkerStat, error) {
	workers, err := c.listWorkers(ctx)
	if err != nil {
		return nil, err
	}

	stats := make([]WorkerStat, 0, len(workers))
	for _, w := range workers {
		stats = append(stats, WorkerStat{
			Worker:          w.Name,
			Status:          w.Status,
			TotalTasks:      w.Totals,
			RegisteredTasks: w.Registered,
			Queues:          w.Queues,
			ActiveJob:       w.ActiveJob,
			LastSeen:        w.LastSeen,
		})
	}
	return stats, nil
}

// QueueLengths reports how many ids wait on each routed queue and mirrors
// the numbers into the queue depth gauge.
func (c *Control) QueueLengths(ctx context.Context) (map[string]int64, error) {
	lengths, err := c.store.QueueLengths(ctx, c.queues)
	if err != nil {
		return nil, err
	}
	for q, n := range lengths {
		metrics.QueueDepth.WithLabelValues(q).Set(float64(n))
	}
	return lengths, nil
}

func (c *Control) listWorkers(ctx context.Context) ([]*interfaces.WorkerInfo, error) {
	workers, err := c.registry.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].Name < workers[j].Name })
	return workers, nil
}
