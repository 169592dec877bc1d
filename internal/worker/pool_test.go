package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtr002/taskmanager/internal/interfaces"
	"github.com/mtr002/taskmanager/internal/jobs"
	"github.com/mtr002/taskmanager/internal/jobstore"
	"github.com/mtr002/taskmanager/internal/testutils"
)

type executorFunc func(ctx context.Context, p jobs.Payload, rep jobs.Reporter) (jobs.Result, error)

func (f executorFunc) Run(ctx context.Context, p jobs.Payload, rep jobs.Reporter) (jobs.Result, error) {
	return f(ctx, p, rep)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []interfaces.Job
}

func (r *recordingPublisher) PublishJobStatus(j *interfaces.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *j)
	return nil
}

func (r *recordingPublisher) snapshot() []interfaces.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]interfaces.Job(nil), r.events...)
}

var testConfig = Config{
	Concurrency:       1,
	PollTimeout:       time.Second,
	HeartbeatInterval: 50 * time.Millisecond,
	PromoteInterval:   20 * time.Millisecond,
}

func startPool(t *testing.T, store *jobstore.Store, exec Executor, cfg Config, opts ...Option) *Pool {
	t.Helper()
	opts = append([]Option{WithIdentity("test", 1)}, opts...)
	pool := NewPool(store, store, exec, cfg, opts...)
	pool.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Stop(ctx)
	})
	return pool
}

func waitForState(t *testing.T, store *jobstore.Store, id string, want interfaces.JobState) *interfaces.Job {
	t.Helper()
	var last *interfaces.Job
	require.Eventually(t, func() bool {
		j, err := store.GetJob(context.Background(), id)
		if err != nil {
			return false
		}
		last = j
		return j.State == want
	}, 5*time.Second, 10*time.Millisecond, "job %s never reached %s", id, want)
	return last
}

func fastRunner(mem *testutils.MemoryStore) *jobs.Runner {
	return jobs.NewRunner(mem, mem, jobs.WithTiming(jobs.Timing{}))
}

func TestNotifyEndToEnd(t *testing.T) {
	ctx := context.Background()
	store, _ := testutils.NewJobStore(t)
	pub := &recordingPublisher{}
	startPool(t, store, fastRunner(testutils.NewMemoryStore()), testConfig, WithPublisher(pub))

	id, err := jobs.NewDispatcher(store).Submit(ctx, jobs.NotifyPayload{
		UserID:           3,
		TaskTitle:        "Buy milk",
		NotificationType: "task_created",
	})
	require.NoError(t, err)

	j := waitForState(t, store, id, interfaces.StateSuccess)
	assert.Equal(t, 5, j.Current)
	assert.Equal(t, 5, j.Total)
	assert.Equal(t, "Email notification sent successfully for task: Buy milk", j.Status)
	assert.JSONEq(t,
		`{"message":"Notification sent to user 3","user_id":3,"task_title":"Buy milk","notification_type":"task_created"}`,
		string(j.Result))

	var progress []int
	for _, e := range pub.snapshot() {
		if e.ID == id && e.State == interfaces.StateProgress && e.Total == 5 {
			progress = append(progress, e.Current)
		}
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5}, progress)
}

func TestBulkCreateEndToEnd(t *testing.T) {
	ctx := context.Background()
	store, _ := testutils.NewJobStore(t)
	mem := testutils.NewMemoryStore()
	cfg := testConfig
	cfg.Concurrency = 2
	startPool(t, store, fastRunner(mem), cfg)

	id, err := jobs.NewDispatcher(store).Submit(ctx, jobs.BulkCreatePayload{
		UserID: 7,
		Tasks:  []jobs.BulkTaskItem{{Title: "A"}, {Title: "B"}},
	})
	require.NoError(t, err)

	j := waitForState(t, store, id, interfaces.StateSuccess)
	assert.Equal(t, 2, j.Current)
	assert.Equal(t, 2, j.Total)
	assert.Equal(t, "Bulk task processing completed", j.Status)
	assert.Len(t, mem.Tasks(), 2)
}

// lostClaimStore applies the first Claim but reports it as failed, like a
// connection dropped before the EXEC reply arrived.
type lostClaimStore struct {
	*jobstore.Store
	failed atomic.Bool
}

func (s *lostClaimStore) Claim(ctx context.Context, id, worker string) (*interfaces.Job, error) {
	j, err := s.Store.Claim(ctx, id, worker)
	if err == nil && s.failed.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("claim job: %w: connection reset", interfaces.ErrStoreUnavailable)
	}
	return j, err
}

func TestFailedClaimReturnsJobToQueue(t *testing.T) {
	ctx := context.Background()
	store, _ := testutils.NewJobStore(t)
	flaky := &lostClaimStore{Store: store}

	pool := NewPool(flaky, store, fastRunner(testutils.NewMemoryStore()), testConfig, WithIdentity("test", 1))
	pool.Start(ctx)
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Stop(stopCtx)
	})

	id, err := jobs.NewDispatcher(store).Submit(ctx, jobs.CleanupPayload{})
	require.NoError(t, err)

	j := waitForState(t, store, id, interfaces.StateSuccess)
	assert.True(t, flaky.failed.Load())
	assert.Equal(t, 0, j.Retries)
}

func TestRetryThenSucceed(t *testing.T) {
	ctx := context.Background()
	store, _ := testutils.NewJobStore(t)

	var calls atomic.Int32
	exec := executorFunc(func(context.Context, jobs.Payload, jobs.Reporter) (jobs.Result, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("smtp timeout")
		}
		return &jobs.CleanupResult{Message: "ok"}, nil
	})
	startPool(t, store, exec, testConfig)

	id, err := jobs.NewDispatcher(store).Submit(ctx, jobs.ReportPayload{UserID: 1})
	require.NoError(t, err)

	j := waitForState(t, store, id, interfaces.StateSuccess)
	assert.Equal(t, 1, j.Retries)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	store, _ := testutils.NewJobStore(t)

	var calls atomic.Int32
	exec := executorFunc(func(context.Context, jobs.Payload, jobs.Reporter) (jobs.Result, error) {
		calls.Add(1)
		return nil, jobs.Retryable(errors.New("still down"))
	})
	startPool(t, store, exec, testConfig)

	id, err := jobs.NewDispatcher(store).Submit(ctx, jobs.NotifyPayload{UserID: 1, TaskTitle: "t", NotificationType: "n"})
	require.NoError(t, err)

	j := waitForState(t, store, id, interfaces.StateFailure)
	assert.Equal(t, 3, j.Retries)
	assert.Equal(t, "still down", j.Error)
	assert.Equal(t, int32(4), calls.Load())
}

func TestCleanupIsNotRetried(t *testing.T) {
	ctx := context.Background()
	store, _ := testutils.NewJobStore(t)

	var calls atomic.Int32
	exec := executorFunc(func(context.Context, jobs.Payload, jobs.Reporter) (jobs.Result, error) {
		calls.Add(1)
		return nil, errors.New("db gone")
	})
	startPool(t, store, exec, testConfig)

	id, err := jobs.NewDispatcher(store).Submit(ctx, jobs.CleanupPayload{})
	require.NoError(t, err)

	j := waitForState(t, store, id, interfaces.StateFailure)
	assert.Equal(t, 0, j.Retries)
	assert.Equal(t, int32(1), calls.Load())
}

func TestReportMissingUserFailsWithoutRetry(t *testing.T) {
	ctx := context.Background()
	store, _ := testutils.NewJobStore(t)
	startPool(t, store, fastRunner(testutils.NewMemoryStore()), testConfig)

	id, err := jobs.NewDispatcher(store).Submit(ctx, jobs.ReportPayload{UserID: 42})
	require.NoError(t, err)

	j := waitForState(t, store, id, interfaces.StateFailure)
	assert.Equal(t, 0, j.Retries)
	assert.Equal(t, "user 42 not found", j.Error)

	st := jobs.RenderStatus(j)
	assert.Equal(t, "Task failed", st.Status)
	assert.Equal(t, 1, st.Current)
}

func TestRevokeRunningJob(t *testing.T) {
	ctx := context.Background()
	store, _ := testutils.NewJobStore(t)

	exec := executorFunc(func(ctx context.Context, _ jobs.Payload, rep jobs.Reporter) (jobs.Result, error) {
		for i := 1; ; i++ {
			if err := rep.Report(ctx, i, 1000, "working"); err != nil {
				return nil, err
			}
			time.Sleep(10 * time.Millisecond)
		}
	})
	startPool(t, store, exec, testConfig)

	id, err := jobs.NewDispatcher(store).Submit(ctx, jobs.ReportPayload{UserID: 1})
	require.NoError(t, err)
	waitForState(t, store, id, interfaces.StateProgress)

	control := jobs.NewControl(store, store, nil)
	require.Eventually(t, func() bool {
		active, err := control.ListActive(ctx)
		return err == nil && len(active) == 1 && active[0].TaskID == id
	}, 2*time.Second, 10*time.Millisecond)

	prev, err := control.Revoke(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StateProgress, prev)

	j := waitForState(t, store, id, interfaces.StateRevoked)
	assert.Equal(t, "Task revoked", j.Status)

	require.Eventually(t, func() bool {
		active, err := control.ListActive(ctx)
		return err == nil && len(active) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRegistryLifecycle(t *testing.T) {
	ctx := context.Background()
	store, _ := testutils.NewJobStore(t)

	cfg := testConfig
	cfg.Concurrency = 3
	cfg.Queues = []string{"notifications", "maintenance"}
	pool := NewPool(store, store, fastRunner(testutils.NewMemoryStore()), cfg, WithIdentity("box", 9))
	pool.Start(ctx)

	assert.Equal(t, []string{"box-9-0", "box-9-1", "box-9-2"}, pool.Names())

	stats, err := jobs.NewControl(store, store, nil).WorkerStats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 3)
	assert.Equal(t, []string{"notify", "cleanup"}, stats[0].RegisteredTasks)
	assert.Equal(t, "online", stats[0].Status)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, pool.Stop(stopCtx))

	workers, err := store.ListWorkers(ctx)
	require.NoError(t, err)
	assert.Empty(t, workers)
}

func TestHeartbeatReregistersExpiredWorker(t *testing.T) {
	store, mr := testutils.NewJobStore(t)
	pool := startPool(t, store, fastRunner(testutils.NewMemoryStore()), testConfig)

	key := "taskmgr:worker:" + pool.Names()[0]
	require.True(t, mr.Exists(key))
	mr.Del(key)

	require.Eventually(t, func() bool {
		return mr.Exists(key) && mr.HGet(key, "status") == "online"
	}, 2*time.Second, 10*time.Millisecond)
}
