package nats

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/mtr002/taskmanager/internal/interfaces"
)

const (
	JobSubmitSubject = "jobs.submit"
	// JobStatusSubjects matches every per-job status subject.
	JobStatusSubjects = "jobs.status.>"
)

// JobStatusSubject is the subject status events of one job go to.
func JobStatusSubject(jobID string) string {
	return "jobs.status." + jobID
}

type Client struct {
	conn *nats.Conn
}

func NewClient(url, name string) (*Client, error) {
	conn, err := connect(url, name)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

func connect(url, name string) (*nats.Conn, error) {
	if url == "" {
		url = nats.DefaultURL
	}

	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return conn, nil
}

// PublishJobStatus publishes a status snapshot of j.
func (c *Client) PublishJobStatus(j *interfaces.Job) error {
	data, err := json.Marshal(NewJobStatusMessage(j))
	if err != nil {
		return fmt.Errorf("failed to marshal job status message: %w", err)
	}

	if err := c.conn.Publish(JobStatusSubject(j.ID), data); err != nil {
		return fmt.Errorf("failed to publish job status: %w", err)
	}

	return nil
}

func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}
