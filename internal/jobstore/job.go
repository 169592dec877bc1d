package jobstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/mtr002/taskmanager/internal/interfaces"
)

// Enqueue stores the PENDING record and pushes its id onto the queue in one
// MULTI/EXEC, so a failed call leaves nothing behind.
func (s *Store) Enqueue(ctx context.Context, j *interfaces.Job) error {
	fields := jobToMap(j)

	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, jobKey(j.ID), fields)
		pipe.LPush(ctx, queueKey(j.Queue), j.ID)
		return nil
	})
	if err != nil {
		return unavailable("enqueue job", err)
	}
	return nil
}

// Dequeue pops the oldest id from the first non-empty queue, waiting up to
// timeout. BRPOP hands each id to exactly one caller.
func (s *Store) Dequeue(ctx context.Context, queues []string, timeout time.Duration) (string, error) {
	keys := make([]string, len(queues))
	for i, q := range queues {
		keys[i] = queueKey(q)
	}

	res, err := s.client.BRPop(ctx, timeout, keys...).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return "", nil
		}
		return "", unavailable("dequeue", err)
	}
	if len(res) != 2 {
		return "", fmt.Errorf("taskmgr/redis: dequeue: unexpected reply %v", res)
	}
	return res[1], nil
}

// Claim moves a PENDING job to PROGRESS and records the owning worker.
func (s *Store) Claim(ctx context.Context, id, worker string) (*interfaces.Job, error) {
	key := jobKey(id)
	var claimed *interfaces.Job

	txf := func(tx *goredis.Tx) error {
		vals, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(vals) == 0 {
			return interfaces.ErrJobNotFound
		}
		j, err := mapToJob(vals)
		if err != nil {
			return err
		}
		if j.State != interfaces.StatePending {
			return interfaces.ErrJobNotClaimable
		}

		now := s.now().UTC()
		j.State = interfaces.StateProgress
		j.Worker = worker
		j.Current, j.Total = 0, 0
		j.Status = "Started"
		j.StartedAt = &now
		j.UpdatedAt = now

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key,
				"state", string(j.State),
				"worker", worker,
				"current", 0,
				"total", 0,
				"status", j.Status,
				"started_at", formatTime(now),
				"updated_at", formatTime(now),
			)
			return nil
		})
		if err != nil {
			return err
		}
		claimed = j
		return nil
	}

	if err := s.watch(ctx, txf, key); err != nil {
		return nil, s.classify("claim job", err)
	}
	return claimed, nil
}

// Release puts a dequeued id back at the head of its queue after a failed
// claim. A claim that landed before its reply was lost is rolled back to
// PENDING when worker still owns it; any other state is left alone.
func (s *Store) Release(ctx context.Context, id, worker string) error {
	key := jobKey(id)

	txf := func(tx *goredis.Tx) error {
		vals, err := tx.HMGet(ctx, key, "state", "queue", "worker").Result()
		if err != nil {
			return err
		}
		state, ok := vals[0].(string)
		if !ok {
			return interfaces.ErrJobNotFound
		}
		queue, _ := vals[1].(string)
		owner, _ := vals[2].(string)

		switch {
		case interfaces.JobState(state) == interfaces.StatePending:
		case interfaces.JobState(state) == interfaces.StateProgress && owner == worker:
		default:
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			if interfaces.JobState(state) == interfaces.StateProgress {
				pipe.HSet(ctx, key,
					"state", string(interfaces.StatePending),
					"worker", "",
					"current", 0,
					"total", 1,
					"status", "Pending...",
					"updated_at", formatTime(s.now().UTC()),
				)
			}
			pipe.RPush(ctx, queueKey(queue), id)
			return nil
		})
		return err
	}

	if err := s.watch(ctx, txf, key); err != nil {
		return s.classify("release job", err)
	}
	return nil
}

// GetJob retrieves a job record by id.
func (s *Store) GetJob(ctx context.Context, id string) (*interfaces.Job, error) {
	vals, err := s.client.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, unavailable("get job", err)
	}
	if len(vals) == 0 {
		return nil, interfaces.ErrJobNotFound
	}
	return mapToJob(vals)
}

// UpdateProgress overwrites the progress fields and returns whether a
// revocation is pending for the job.
func (s *Store) UpdateProgress(ctx context.Context, id string, p interfaces.Progress) (bool, error) {
	key := jobKey(id)
	var revoked *goredis.SliceCmd

	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"state", string(interfaces.StateProgress),
			"current", p.Current,
			"total", p.Total,
			"status", p.Status,
			"updated_at", formatTime(s.now().UTC()),
		)
		revoked = pipe.HMGet(ctx, key, "revoke_requested")
		return nil
	})
	if err != nil {
		return false, unavailable("update progress", err)
	}

	vals := revoked.Val()
	return len(vals) == 1 && vals[0] == "1", nil
}

// Complete records SUCCESS with the final progress and the encoded result.
func (s *Store) Complete(ctx context.Context, id string, p interfaces.Progress, result []byte) error {
	now := formatTime(s.now().UTC())
	return s.finish(ctx, "complete job", id,
		"state", string(interfaces.StateSuccess),
		"current", p.Current,
		"total", p.Total,
		"status", p.Status,
		"result", string(result),
		"finished_at", now,
		"updated_at", now,
	)
}

// Fail records a permanent FAILURE.
func (s *Store) Fail(ctx context.Context, id string, errMsg string) error {
	now := formatTime(s.now().UTC())
	return s.finish(ctx, "fail job", id,
		"state", string(interfaces.StateFailure),
		"status", "Task failed",
		"error", errMsg,
		"finished_at", now,
		"updated_at", now,
	)
}

// MarkRevoked records that the owning worker stopped the job after a
// revocation request.
func (s *Store) MarkRevoked(ctx context.Context, id string) error {
	now := formatTime(s.now().UTC())
	return s.finish(ctx, "mark revoked", id,
		"state", string(interfaces.StateRevoked),
		"status", "Task revoked",
		"finished_at", now,
		"updated_at", now,
	)
}

func (s *Store) finish(ctx context.Context, op, id string, values ...interface{}) error {
	key := jobKey(id)
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, key, values...)
		pipe.Expire(ctx, key, s.resultTTL)
		return nil
	})
	if err != nil {
		return unavailable(op, err)
	}
	return nil
}

// ScheduleRetry returns the job to PENDING and parks its id until at.
func (s *Store) ScheduleRetry(ctx context.Context, id string, retries int, errMsg string, at time.Time) error {
	key := jobKey(id)
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"state", string(interfaces.StatePending),
			"retries", retries,
			"error", errMsg,
			"status", fmt.Sprintf("Retry %d scheduled at %s", retries, at.UTC().Format(time.RFC3339)),
			"worker", "",
			"updated_at", formatTime(s.now().UTC()),
		)
		pipe.ZAdd(ctx, retryKey, goredis.Z{Score: float64(at.UnixMilli()), Member: id})
		return nil
	})
	if err != nil {
		return unavailable("schedule retry", err)
	}
	return nil
}

// PromoteDueRetries pushes every retry whose backoff elapsed back onto its
// queue. ZREM decides which promoter moves an id when several run at once.
func (s *Store) PromoteDueRetries(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.client.ZRangeByScore(ctx, retryKey, &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, unavailable("list due retries", err)
	}

	promoted := 0
	for _, id := range ids {
		removed, err := s.client.ZRem(ctx, retryKey, id).Result()
		if err != nil {
			return promoted, unavailable("claim due retry", err)
		}
		if removed == 0 {
			continue
		}

		vals, err := s.client.HMGet(ctx, jobKey(id), "state", "queue").Result()
		if err != nil {
			return promoted, unavailable("read retried job", err)
		}
		state, _ := vals[0].(string)
		queue, _ := vals[1].(string)
		if interfaces.JobState(state) != interfaces.StatePending || queue == "" {
			continue
		}

		if err := s.client.LPush(ctx, queueKey(queue), id).Err(); err != nil {
			return promoted, unavailable("requeue retry", err)
		}
		promoted++
	}
	return promoted, nil
}

// Revoke applies a revocation request. PENDING jobs become REVOKED and leave
// their queue; running jobs get a flag the worker checks on its next
// progress report; finished jobs are left untouched.
func (s *Store) Revoke(ctx context.Context, id string) (interfaces.JobState, error) {
	key := jobKey(id)
	var prev interfaces.JobState

	txf := func(tx *goredis.Tx) error {
		vals, err := tx.HMGet(ctx, key, "state", "queue").Result()
		if err != nil {
			return err
		}
		state, ok := vals[0].(string)
		if !ok {
			return interfaces.ErrJobNotFound
		}
		queue, _ := vals[1].(string)
		prev = interfaces.JobState(state)
		now := formatTime(s.now().UTC())

		switch prev {
		case interfaces.StatePending:
			_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				pipe.HSet(ctx, key,
					"state", string(interfaces.StateRevoked),
					"status", "Task revoked",
					"finished_at", now,
					"updated_at", now,
				)
				pipe.Expire(ctx, key, s.resultTTL)
				pipe.LRem(ctx, queueKey(queue), 0, id)
				pipe.ZRem(ctx, retryKey, id)
				return nil
			})
		case interfaces.StateProgress:
			_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				pipe.HSet(ctx, key, "revoke_requested", "1", "updated_at", now)
				return nil
			})
		}
		return err
	}

	if err := s.watch(ctx, txf, key); err != nil {
		return "", s.classify("revoke job", err)
	}
	return prev, nil
}

// watch runs an optimistic transaction, retrying when the watched key
// changed underneath it.
func (s *Store) watch(ctx context.Context, fn func(*goredis.Tx) error, keys ...string) error {
	var err error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err = s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, goredis.TxFailedErr) {
			return err
		}
	}
	return err
}

func (s *Store) classify(op string, err error) error {
	switch {
	case errors.Is(err, interfaces.ErrJobNotFound),
		errors.Is(err, interfaces.ErrJobNotClaimable):
		return err
	default:
		return unavailable(op, err)
	}
}

func jobToMap(j *interfaces.Job) map[string]interface{} {
	m := map[string]interface{}{
		"id":          j.ID,
		"type":        j.Type,
		"queue":       j.Queue,
		"payload":     string(j.Payload),
		"state":       string(j.State),
		"current":     strconv.Itoa(j.Current),
		"total":       strconv.Itoa(j.Total),
		"status":      j.Status,
		"result":      string(j.Result),
		"error":       j.Error,
		"retries":     strconv.Itoa(j.Retries),
		"max_retries": strconv.Itoa(j.MaxRetries),
		"worker":      j.Worker,
		"created_at":  formatTime(j.CreatedAt),
		"updated_at":  formatTime(j.UpdatedAt),
	}
	if j.RevokeRequested {
		m["revoke_requested"] = "1"
	}
	if j.StartedAt != nil {
		m["started_at"] = formatTime(*j.StartedAt)
	}
	if j.FinishedAt != nil {
		m["finished_at"] = formatTime(*j.FinishedAt)
	}
	return m
}

func mapToJob(m map[string]string) (*interfaces.Job, error) {
	if m["id"] == "" {
		return nil, fmt.Errorf("taskmgr/redis: job record without id")
	}

	current, _ := strconv.Atoi(m["current"])        //nolint:errcheck // best-effort parse from trusted Redis data
	total, _ := strconv.Atoi(m["total"])            //nolint:errcheck // best-effort parse from trusted Redis data
	retries, _ := strconv.Atoi(m["retries"])        //nolint:errcheck // best-effort parse from trusted Redis data
	maxRetries, _ := strconv.Atoi(m["max_retries"]) //nolint:errcheck // best-effort parse from trusted Redis data

	j := &interfaces.Job{
		ID:              m["id"],
		Type:            m["type"],
		Queue:           m["queue"],
		Payload:         []byte(m["payload"]),
		State:           interfaces.JobState(m["state"]),
		Current:         current,
		Total:           total,
		Status:          m["status"],
		Error:           m["error"],
		Retries:         retries,
		MaxRetries:      maxRetries,
		Worker:          m["worker"],
		RevokeRequested: m["revoke_requested"] == "1",
		CreatedAt:       parseTime(m["created_at"]),
		UpdatedAt:       parseTime(m["updated_at"]),
	}
	if r := m["result"]; r != "" {
		j.Result = []byte(r)
	}
	if v := m["started_at"]; v != "" {
		t := parseTime(v)
		j.StartedAt = &t
	}
	if v := m["finished_at"]; v != "" {
		t := parseTime(v)
		j.FinishedAt = &t
	}
	return j, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(v string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // zero time for missing fields
	return t
}
