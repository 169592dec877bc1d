package nats

import (
	"encoding/json"
	"time"

	"github.com/mtr002/taskmanager/internal/interfaces"
)

// JobSubmissionMessage asks the API process to enqueue a job. Token is the
// same bearer token the HTTP API accepts; the job runs for its user.
type JobSubmissionMessage struct {
	Type    string          `json:"type"`
	Token   string          `json:"token"`
	Payload json.RawMessage `json:"payload"`
}

// JobSubmissionReply answers a request-style submission.
type JobSubmissionReply struct {
	TaskID string `json:"task_id,omitempty"`
	Error  string `json:"error,omitempty"`
}

// JobStatusMessage is published after every state write of a job.
type JobStatusMessage struct {
	JobID     string    `json:"job_id"`
	Type      string    `json:"type"`
	State     string    `json:"state"`
	Current   int       `json:"current"`
	Total     int       `json:"total"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Worker    string    `json:"worker,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func NewJobStatusMessage(j *interfaces.Job) *JobStatusMessage {
	return &JobStatusMessage{
		JobID:     j.ID,
		Type:      j.Type,
		State:     string(j.State),
		Current:   j.Current,
		Total:     j.Total,
		Status:    j.Status,
		Error:     j.Error,
		Worker:    j.Worker,
		Timestamp: j.UpdatedAt,
	}
}
