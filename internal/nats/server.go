package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mtr002/taskmanager/internal/auth"
	"github.com/mtr002/taskmanager/internal/jobs"
	"github.com/mtr002/taskmanager/internal/logger"
)

// Submitter enqueues a job.
type Submitter interface {
	Submit(ctx context.Context, p jobs.Payload) (string, error)
}

// TokenVerifier resolves a bearer token to its user.
type TokenVerifier interface {
	Verify(token string) (*auth.Claims, error)
}

// StatusHandler receives every job status event.
type StatusHandler func(msg *JobStatusMessage)

// Server accepts job submissions over NATS and fans job status events out
// to a handler.
type Server struct {
	conn       *nats.Conn
	subs       []*nats.Subscription
	dispatcher Submitter
	tokens     TokenVerifier
}

func NewServer(url string, dispatcher Submitter, tokens TokenVerifier) (*Server, error) {
	conn, err := connect(url, "taskmanager-api")
	if err != nil {
		return nil, err
	}

	return &Server{
		conn:       conn,
		dispatcher: dispatcher,
		tokens:     tokens,
	}, nil
}

// Subscribe starts listening for submissions and status events.
func (s *Server) Subscribe(onStatus StatusHandler) error {
	sub, err := s.conn.Subscribe(JobSubmitSubject, s.handleSubmission)
	if err != nil {
		return fmt.Errorf("failed to subscribe to NATS: %w", err)
	}
	s.subs = append(s.subs, sub)

	if onStatus == nil {
		return nil
	}
	sub, err = s.conn.Subscribe(JobStatusSubjects, func(msg *nats.Msg) {
		var status JobStatusMessage
		if err := json.Unmarshal(msg.Data, &status); err != nil {
			logger.Logger.Debug().Err(err).Str("subject", msg.Subject).Msg("Dropping malformed job status event")
			return
		}
		onStatus(&status)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to NATS: %w", err)
	}
	s.subs = append(s.subs, sub)
	return nil
}

func (s *Server) handleSubmission(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reply := s.submit(ctx, msg.Data)
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		return
	}
	if err := msg.Respond(data); err != nil {
		logger.Logger.Debug().Err(err).Msg("Failed to reply to job submission")
	}
}

func (s *Server) submit(ctx context.Context, data []byte) JobSubmissionReply {
	var jobMsg JobSubmissionMessage
	if err := json.Unmarshal(data, &jobMsg); err != nil {
		return JobSubmissionReply{Error: fmt.Sprintf("malformed submission: %v", err)}
	}

	claims, err := s.tokens.Verify(jobMsg.Token)
	if err != nil {
		return JobSubmissionReply{Error: fmt.Sprintf("unauthorized: %v", err)}
	}

	raw := jobMsg.Payload
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	payload, err := jobs.DecodePayload(jobMsg.Type, raw)
	if err != nil {
		return JobSubmissionReply{Error: err.Error()}
	}
	payload = forUser(payload, claims.UserID)
	if err := jobs.Validate(payload); err != nil {
		return JobSubmissionReply{Error: err.Error()}
	}

	id, err := s.dispatcher.Submit(ctx, payload)
	if err != nil {
		logger.Logger.Error().Err(err).Str("type", jobMsg.Type).Msg("Failed to submit job from NATS")
		return JobSubmissionReply{Error: err.Error()}
	}
	return JobSubmissionReply{TaskID: id}
}

// forUser binds user-scoped payloads to the token's user, whatever the
// message claimed.
func forUser(p jobs.Payload, userID int64) jobs.Payload {
	switch v := p.(type) {
	case jobs.NotifyPayload:
		v.UserID = userID
		return v
	case jobs.BulkCreatePayload:
		v.UserID = userID
		return v
	case jobs.ReportPayload:
		v.UserID = userID
		return v
	default:
		return p
	}
}

func (s *Server) Close() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	if s.conn != nil {
		s.conn.Close()
	}
}
