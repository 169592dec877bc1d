package jobstore

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/mtr002/taskmanager/internal/interfaces"
)

// RegisterWorker adds a worker to the registry. The record disappears on its
// own if heartbeats stop for ttl.
func (s *Store) RegisterWorker(ctx context.Context, w *interfaces.WorkerInfo, ttl time.Duration) error {
	key := workerKey(w.Name)
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, workerToMap(w))
		pipe.Expire(ctx, key, ttl)
		pipe.SAdd(ctx, workersKey, w.Name)
		return nil
	})
	if err != nil {
		return unavailable("register worker", err)
	}
	return nil
}

// HeartbeatWorker refreshes the last-seen time and expiry of a worker.
// It returns ErrWorkerNotFound when the record already expired.
func (s *Store) HeartbeatWorker(ctx context.Context, name string, ttl time.Duration) error {
	key := workerKey(name)
	ok, err := s.client.Expire(ctx, key, ttl).Result()
	if err != nil {
		return unavailable("heartbeat worker", err)
	}
	if !ok {
		return interfaces.ErrWorkerNotFound
	}
	if err := s.client.HSet(ctx, key, "last_seen", formatTime(s.now().UTC())).Err(); err != nil {
		return unavailable("heartbeat worker", err)
	}
	return nil
}

// SetWorkerActive records the job a worker is executing.
func (s *Store) SetWorkerActive(ctx context.Context, name string, j *interfaces.Job) error {
	err := s.client.HSet(ctx, workerKey(name),
		"active_job", j.ID,
		"active_type", j.Type,
		"active_args", string(j.Payload),
		"active_since", formatTime(s.now().UTC()),
	).Err()
	if err != nil {
		return unavailable("set worker active", err)
	}
	return nil
}

// ClearWorkerActive clears the active job and counts it towards the
// worker's per-type totals.
func (s *Store) ClearWorkerActive(ctx context.Context, name, jobType string) error {
	key := workerKey(name)
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"active_job", "",
			"active_type", "",
			"active_args", "",
			"active_since", "",
		)
		pipe.HIncrBy(ctx, key, totalFieldPrefix+jobType, 1)
		return nil
	})
	if err != nil {
		return unavailable("clear worker active", err)
	}
	return nil
}

// DeregisterWorker removes a worker from the registry.
func (s *Store) DeregisterWorker(ctx context.Context, name string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, workerKey(name))
		pipe.SRem(ctx, workersKey, name)
		return nil
	})
	if err != nil {
		return unavailable("deregister worker", err)
	}
	return nil
}

// ListWorkers returns all live workers and drops names whose record expired.
func (s *Store) ListWorkers(ctx context.Context) ([]*interfaces.WorkerInfo, error) {
	names, err := s.client.SMembers(ctx, workersKey).Result()
	if err != nil {
		return nil, unavailable("list workers", err)
	}

	workers := make([]*interfaces.WorkerInfo, 0, len(names))
	for _, name := range names {
		vals, err := s.client.HGetAll(ctx, workerKey(name)).Result()
		if err != nil {
			return nil, unavailable("get worker", err)
		}
		if len(vals) == 0 {
			s.client.SRem(ctx, workersKey, name)
			continue
		}
		workers = append(workers, mapToWorker(name, vals))
	}
	return workers, nil
}

func workerToMap(w *interfaces.WorkerInfo) map[string]interface{} {
	queues, _ := json.Marshal(w.Queues)         //nolint:errcheck // string slices always marshal
	registered, _ := json.Marshal(w.Registered) //nolint:errcheck // string slices always marshal

	m := map[string]interface{}{
		"name":       w.Name,
		"hostname":   w.Hostname,
		"pid":        strconv.Itoa(w.PID),
		"status":     w.Status,
		"queues":     string(queues),
		"registered": string(registered),
		"started_at": formatTime(w.StartedAt),
		"last_seen":  formatTime(w.LastSeen),
	}
	for jobType, n := range w.Totals {
		m[totalFieldPrefix+jobType] = strconv.FormatInt(n, 10)
	}
	return m
}

func mapToWorker(name string, m map[string]string) *interfaces.WorkerInfo {
	pid, _ := strconv.Atoi(m["pid"]) //nolint:errcheck // best-effort parse from trusted Redis data

	w := &interfaces.WorkerInfo{
		Name:       name,
		Hostname:   m["hostname"],
		PID:        pid,
		Status:     m["status"],
		Totals:     make(map[string]int64),
		ActiveJob:  m["active_job"],
		ActiveType: m["active_type"],
		ActiveArgs: m["active_args"],
		StartedAt:  parseTime(m["started_at"]),
		LastSeen:   parseTime(m["last_seen"]),
	}
	_ = json.Unmarshal([]byte(m["queues"]), &w.Queues)         //nolint:errcheck // best-effort parse from trusted Redis data
	_ = json.Unmarshal([]byte(m["registered"]), &w.Registered) //nolint:errcheck // best-effort parse from trusted Redis data

	if v := m["active_since"]; v != "" {
		t := parseTime(v)
		w.ActiveSince = &t
	}
	for field, v := range m {
		if jobType, ok := strings.CutPrefix(field, totalFieldPrefix); ok {
			n, _ := strconv.ParseInt(v, 10, 64) //nolint:errcheck // best-effort parse from trusted Redis data
			w.Totals[jobType] = n
		}
	}
	return w
}
