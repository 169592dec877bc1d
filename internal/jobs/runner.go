package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/mtr002/taskmanager/internal/interfaces"
)

// Reporter receives progress updates from a running job. Report returns
// ErrRevoked once the job has been revoked; the job must stop and return it.
type Reporter interface {
	Report(ctx context.Context, current, total int, status string) error
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, current, total int, status string) error

func (f ReporterFunc) Report(ctx context.Context, current, total int, status string) error {
	return f(ctx, current, total, status)
}

// Timing holds the simulated work delays of each definition.
type Timing struct {
	NotifyStepDelay  time.Duration
	BulkItemDelay    time.Duration
	ReportStageDelay time.Duration
}

// DefaultTiming matches a production deployment.
var DefaultTiming = Timing{
	NotifyStepDelay:  time.Second,
	BulkItemDelay:    500 * time.Millisecond,
	ReportStageDelay: time.Second,
}

// Runner executes job payloads against the task and user stores.
type Runner struct {
	tasks  interfaces.TaskStore
	users  interfaces.UserStore
	timing Timing
	now    func() time.Time
}

type RunnerOption func(*Runner)

func WithTiming(t Timing) RunnerOption {
	return func(r *Runner) { r.timing = t }
}

func WithNow(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

func NewRunner(tasks interfaces.TaskStore, users interfaces.UserStore, opts ...RunnerOption) *Runner {
	r := &Runner{
		tasks:  tasks,
		users:  users,
		timing: DefaultTiming,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes one payload. Errors are *FatalError, *RetryableError,
// ErrRevoked, or plain errors which the caller treats as retryable.
func (r *Runner) Run(ctx context.Context, p Payload, rep Reporter) (Result, error) {
	if err := Validate(p); err != nil {
		return nil, Fatal(err)
	}

	switch p := p.(type) {
	case NotifyPayload:
		return r.notify(ctx, p, rep)
	case BulkCreatePayload:
		return r.bulkCreate(ctx, p, rep)
	case ReportPayload:
		return r.report(ctx, p, rep)
	case CleanupPayload:
		return r.cleanup(ctx, p, rep)
	default:
		return nil, Fatal(fmt.Errorf("unsupported payload %T", p))
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
