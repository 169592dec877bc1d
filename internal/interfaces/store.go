package interfaces

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrJobNotFound      = errors.New("job not found")
	ErrJobNotClaimable  = errors.New("job is not pending")
	ErrStoreUnavailable = errors.New("job store unavailable")
	ErrUserNotFound     = errors.New("user not found")
	ErrWorkerNotFound   = errors.New("worker not registered")
)

// JobState represents the current state of a job
type JobState string

const (
	StatePending  JobState = "PENDING"
	StateProgress JobState = "PROGRESS"
	StateSuccess  JobState = "SUCCESS"
	StateFailure  JobState = "FAILURE"
	StateRevoked  JobState = "REVOKED"
)

// Terminal reports whether no further transitions are expected.
func (s JobState) Terminal() bool {
	return s == StateSuccess || s == StateFailure || s == StateRevoked
}

// Job is the record kept in the job store for one unit of background work
type Job struct {
	ID              string     `json:"id"`
	Type            string     `json:"type"`
	Queue           string     `json:"queue"`
	Payload         []byte     `json:"payload"`
	State           JobState   `json:"state"`
	Current         int        `json:"current"`
	Total           int        `json:"total"`
	Status          string     `json:"status"`
	Result          []byte     `json:"result,omitempty"`
	Error           string     `json:"error,omitempty"`
	Retries         int        `json:"retries"`
	MaxRetries      int        `json:"max_retries"`
	Worker          string     `json:"worker,omitempty"`
	RevokeRequested bool       `json:"revoke_requested"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

// String returns a string representation of the job
func (j *Job) String() string {
	return fmt.Sprintf("Job{ID: %s, Type: %s, State: %s, Retries: %d/%d}",
		j.ID, j.Type, j.State, j.Retries, j.MaxRetries)
}

// CanRetry returns true if the job has retries left
func (j *Job) CanRetry() bool {
	return j.Retries < j.MaxRetries
}

// Progress is one progress publication for a running job.
type Progress struct {
	Current int
	Total   int
	Status  string
}

// JobStore is the shared key-value backend holding job records and queues.
// Writes to a running job are only made by the worker that claimed it.
type JobStore interface {
	Enqueue(ctx context.Context, job *Job) error
	// Dequeue blocks up to timeout for the next job id on any of the queues.
	// It returns "" when nothing arrived in time.
	Dequeue(ctx context.Context, queues []string, timeout time.Duration) (string, error)
	Claim(ctx context.Context, id, worker string) (*Job, error)
	// Release returns a dequeued id to its queue when Claim failed.
	Release(ctx context.Context, id, worker string) error
	GetJob(ctx context.Context, id string) (*Job, error)
	// UpdateProgress overwrites the progress fields and reports whether a
	// revocation was requested for the job.
	UpdateProgress(ctx context.Context, id string, p Progress) (bool, error)
	Complete(ctx context.Context, id string, p Progress, result []byte) error
	Fail(ctx context.Context, id string, errMsg string) error
	ScheduleRetry(ctx context.Context, id string, retries int, errMsg string, at time.Time) error
	PromoteDueRetries(ctx context.Context, now time.Time) (int, error)
	MarkRevoked(ctx context.Context, id string) error
	// Revoke returns the state observed before the request was applied.
	Revoke(ctx context.Context, id string) (JobState, error)
	QueueLengths(ctx context.Context, queues []string) (map[string]int64, error)
	Ping(ctx context.Context) error
}

// WorkerInfo is the registry record a worker keeps alive in the job store.
type WorkerInfo struct {
	Name        string           `json:"worker"`
	Hostname    string           `json:"hostname"`
	PID         int              `json:"pid"`
	Status      string           `json:"status"`
	Queues      []string         `json:"queues"`
	Registered  []string         `json:"registered_tasks"`
	Totals      map[string]int64 `json:"total_tasks"`
	ActiveJob   string           `json:"active_job,omitempty"`
	ActiveType  string           `json:"active_type,omitempty"`
	ActiveArgs  string           `json:"active_args,omitempty"`
	ActiveSince *time.Time       `json:"active_since,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	LastSeen    time.Time        `json:"last_seen"`
}

// WorkerRegistry tracks live workers for introspection.
type WorkerRegistry interface {
	RegisterWorker(ctx context.Context, w *WorkerInfo, ttl time.Duration) error
	HeartbeatWorker(ctx context.Context, name string, ttl time.Duration) error
	SetWorkerActive(ctx context.Context, name string, job *Job) error
	ClearWorkerActive(ctx context.Context, name, jobType string) error
	DeregisterWorker(ctx context.Context, name string) error
	ListWorkers(ctx context.Context) ([]*WorkerInfo, error)
}

// Locker provides a coarse named lock with expiry.
type Locker interface {
	AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error)
}

// User is the subset of the user record the jobs read
type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// Task is a persisted task record owned by a user
type Task struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Completed   bool      `json:"completed"`
	OwnerID     int64     `json:"owner_id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// UserStore reads users from the relational store.
type UserStore interface {
	GetUser(ctx context.Context, id int64) (*User, error)
}

// TaskStore is the part of the relational task store used by background jobs.
type TaskStore interface {
	CreateTask(ctx context.Context, ownerID int64, title, description string) (*Task, error)
	ListTasksByOwner(ctx context.Context, ownerID int64) ([]*Task, error)
	DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
