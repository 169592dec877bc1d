package jobs

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type names one of the job definitions.
type Type string

const (
	TypeNotify     Type = "notify"
	TypeBulkCreate Type = "bulk_create"
	TypeReport     Type = "report"
	TypeCleanup    Type = "cleanup"
)

// MaxBulkItems caps the size of a single bulk_create batch.
const MaxBulkItems = 100

type route struct {
	queue      string
	maxRetries int
}

// routes is the static job type to queue table plus the per-type retry
// budget.
var routes = map[Type]route{
	TypeNotify:     {queue: "notifications", maxRetries: 3},
	TypeBulkCreate: {queue: "bulk_operations", maxRetries: 3},
	TypeReport:     {queue: "default", maxRetries: 3},
	TypeCleanup:    {queue: "maintenance", maxRetries: 0},
}

// Types lists every job type in a stable order.
func Types() []Type {
	return []Type{TypeNotify, TypeBulkCreate, TypeReport, TypeCleanup}
}

// QueueFor returns the queue a job type is routed to.
func QueueFor(t Type) string {
	return routes[t].queue
}

// MaxRetries returns how many times a job type is retried after a
// retryable failure.
func MaxRetries(t Type) int {
	return routes[t].maxRetries
}

// Queues returns every routed queue name.
func Queues() []string {
	seen := make(map[string]bool)
	var queues []string
	for _, t := range Types() {
		q := QueueFor(t)
		if !seen[q] {
			seen[q] = true
			queues = append(queues, q)
		}
	}
	return queues
}

// Payload is the input of one job. The set of implementations is closed:
// NotifyPayload, BulkCreatePayload, ReportPayload and CleanupPayload.
type Payload interface {
	Type() Type
	isPayload()
}

type NotifyPayload struct {
	UserID           int64  `json:"user_id" validate:"gt=0"`
	TaskTitle        string `json:"task_title" validate:"required"`
	NotificationType string `json:"notification_type" validate:"required"`
}

type BulkCreatePayload struct {
	UserID int64          `json:"user_id" validate:"gt=0"`
	Tasks  []BulkTaskItem `json:"tasks" validate:"required,min=1,max=100,dive"`
}

type BulkTaskItem struct {
	Title       string `json:"title" validate:"required"`
	Description string `json:"description"`
}

type ReportPayload struct {
	UserID int64 `json:"user_id" validate:"gt=0"`
}

type CleanupPayload struct{}

func (NotifyPayload) Type() Type     { return TypeNotify }
func (BulkCreatePayload) Type() Type { return TypeBulkCreate }
func (ReportPayload) Type() Type     { return TypeReport }
func (CleanupPayload) Type() Type    { return TypeCleanup }

func (NotifyPayload) isPayload()     {}
func (BulkCreatePayload) isPayload() {}
func (ReportPayload) isPayload()     {}
func (CleanupPayload) isPayload()    {}

// DecodePayload turns a stored job type and payload back into its variant.
func DecodePayload(jobType string, raw []byte) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch Type(jobType) {
	case TypeNotify:
		var v NotifyPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeBulkCreate:
		var v BulkCreatePayload
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeReport:
		var v ReportPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeCleanup:
		p = CleanupPayload{}
	default:
		return nil, fmt.Errorf("unknown job type: %s", jobType)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", jobType, err)
	}
	return p, nil
}

// Result is the output of a successful job.
type Result interface {
	// StatusLine is the final status text shown to pollers.
	StatusLine() string
}

type NotifyResult struct {
	Message          string `json:"message"`
	UserID           int64  `json:"user_id"`
	TaskTitle        string `json:"task_title"`
	NotificationType string `json:"notification_type"`
}

type BulkCreateResult struct {
	Message string        `json:"message"`
	Tasks   []CreatedTask `json:"tasks"`
}

type CreatedTask struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

type ReportResult struct {
	User        ReportUser       `json:"user"`
	Statistics  ReportStatistics `json:"statistics"`
	RecentTasks []ReportTask     `json:"recent_tasks"`
	GeneratedAt time.Time        `json:"generated_at"`
}

type ReportUser struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

type ReportStatistics struct {
	TotalTasks     int     `json:"total_tasks"`
	CompletedTasks int     `json:"completed_tasks"`
	PendingTasks   int     `json:"pending_tasks"`
	CompletionRate float64 `json:"completion_rate"`
}

type ReportTask struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Completed bool      `json:"completed"`
	CreatedAt time.Time `json:"created_at"`
}

type CleanupResult struct {
	Deleted int64  `json:"deleted"`
	Message string `json:"message"`
}

func (r *NotifyResult) StatusLine() string {
	return "Email notification sent successfully for task: " + r.TaskTitle
}

func (r *BulkCreateResult) StatusLine() string { return "Bulk task processing completed" }

func (r *ReportResult) StatusLine() string { return "Task report generated successfully" }

func (r *CleanupResult) StatusLine() string { return r.Message }
