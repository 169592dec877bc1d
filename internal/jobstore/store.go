// Package jobstore implements the job store on Redis. Job records are
// hashes, queues are lists of job ids (LPUSH on enqueue, BRPOP on dequeue)
// and delayed retries wait in a sorted set scored by due time.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	store := jobstore.New(client, jobstore.WithResultTTL(24*time.Hour))
//	if err := store.Ping(ctx); err != nil { ... }
package jobstore

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/mtr002/taskmanager/internal/interfaces"
)

// Compile-time interface checks.
var (
	_ interfaces.JobStore       = (*Store)(nil)
	_ interfaces.WorkerRegistry = (*Store)(nil)
	_ interfaces.Locker         = (*Store)(nil)
)

// DefaultResultTTL is how long finished job records are kept.
const DefaultResultTTL = 24 * time.Hour

// optimistic transactions are retried this many times on a conflicting write
const maxTxAttempts = 5

// Option configures the Store.
type Option func(*Store)

// WithResultTTL sets the retention of SUCCESS, FAILURE and REVOKED records.
func WithResultTTL(d time.Duration) Option {
	return func(s *Store) { s.resultTTL = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is the Redis backed job store and worker registry.
type Store struct {
	client    goredis.UniversalClient
	resultTTL time.Duration
	now       func() time.Time
}

// New creates a Store. The caller owns the client lifecycle.
func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client:    client,
		resultTTL: DefaultResultTTL,
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() goredis.UniversalClient { return s.client }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// QueueLengths returns the number of waiting ids per queue.
func (s *Store) QueueLengths(ctx context.Context, queues []string) (map[string]int64, error) {
	cmds := make(map[string]*goredis.IntCmd, len(queues))
	_, err := s.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, q := range queues {
			cmds[q] = pipe.LLen(ctx, queueKey(q))
		}
		return nil
	})
	if err != nil {
		return nil, unavailable("queue lengths", err)
	}

	lengths := make(map[string]int64, len(queues))
	for q, cmd := range cmds {
		lengths[q] = cmd.Val()
	}
	return lengths, nil
}

// AcquireLock takes a named lock for ttl. It returns false when somebody
// else holds it.
func (s *Store) AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, lockKey(name), s.now().UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return false, unavailable("acquire lock", err)
	}
	return ok, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("taskmgr/redis: %s: %w: %w", op, interfaces.ErrStoreUnavailable, err)
}
