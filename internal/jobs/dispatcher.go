package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mtr002/taskmanager/internal/interfaces"
	"github.com/mtr002/taskmanager/internal/logger"
	"github.com/mtr002/taskmanager/internal/metrics"
)

// Dispatcher turns payloads into PENDING jobs on their routed queue.
type Dispatcher struct {
	store interfaces.JobStore
	now   func() time.Time
	newID func() string
}

// NewDispatcher creates a dispatcher backed by store.
func NewDispatcher(store interfaces.JobStore) *Dispatcher {
	return &Dispatcher{
		store: store,
		now:   time.Now,
		newID: func() string { return uuid.New().String() },
	}
}

// Submit enqueues p and returns the new job id. It does not wait for any
// worker; the payload is assumed to be validated by the caller.
func (d *Dispatcher) Submit(ctx context.Context, p Payload) (string, error) {
	if p == nil {
		return "", fmt.Errorf("%w: missing payload", ErrValidation)
	}
	jobType := p.Type()

	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s payload: %w", jobType, err)
	}

	now := d.now().UTC()
	job := &interfaces.Job{
		ID:         d.newID(),
		Type:       string(jobType),
		Queue:      QueueFor(jobType),
		Payload:    raw,
		State:      interfaces.StatePending,
		Total:      1,
		Status:     "Pending...",
		MaxRetries: MaxRetries(jobType),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := d.store.Enqueue(ctx, job); err != nil {
		return "", fmt.Errorf("failed to submit %s job: %w", jobType, err)
	}

	metrics.JobsSubmittedTotal.WithLabelValues(string(jobType)).Inc()
	log := logger.WithJobID(job.ID)
	log.Info().Str("type", job.Type).Str("queue", job.Queue).Msg("Job submitted successfully")
	return job.ID, nil
}
