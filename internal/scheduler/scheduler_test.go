package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtr002/taskmanager/internal/jobs"
	"github.com/mtr002/taskmanager/internal/jobstore"
	"github.com/mtr002/taskmanager/internal/testutils"
)

var base = time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)

func clockAt(t *time.Time) func() time.Time {
	return func() time.Time { return *t }
}

func maintenanceLength(t *testing.T, store *jobstore.Store) int64 {
	t.Helper()
	lengths, err := store.QueueLengths(context.Background(), []string{"maintenance"})
	require.NoError(t, err)
	return lengths["maintenance"]
}

func TestIntervalFiresOncePerPeriodAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	store, mr := testutils.NewJobStore(t)
	d := jobs.NewDispatcher(store)
	sched, err := cronParser.Parse("@every 24h")
	require.NoError(t, err)

	// Worker processes started an hour apart tick an hour apart.
	clockA, clockB := base, base.Add(time.Hour)
	procA := New(d, store, WithClock(clockAt(&clockA)))
	procB := New(d, store, WithClock(clockAt(&clockB)))

	_, firedA, err := procA.fire(ctx, "cleanup", sched, jobs.CleanupPayload{})
	require.NoError(t, err)
	mr.FastForward(time.Hour)
	_, firedB, err := procB.fire(ctx, "cleanup", sched, jobs.CleanupPayload{})
	require.NoError(t, err)

	assert.True(t, firedA)
	assert.False(t, firedB, "second process ticked within the same 24h period")
	assert.Equal(t, int64(1), maintenanceLength(t, store))

	// Next day: both tick again and only the first one enqueues.
	mr.FastForward(23 * time.Hour)
	clockA, clockB = base.Add(24*time.Hour), base.Add(25*time.Hour)
	_, firedA, err = procA.fire(ctx, "cleanup", sched, jobs.CleanupPayload{})
	require.NoError(t, err)
	mr.FastForward(time.Hour)
	_, firedB, err = procB.fire(ctx, "cleanup", sched, jobs.CleanupPayload{})
	require.NoError(t, err)

	assert.True(t, firedA)
	assert.False(t, firedB)
	assert.Equal(t, int64(2), maintenanceLength(t, store))
}

func TestWallClockFiresOncePerTick(t *testing.T) {
	ctx := context.Background()
	store, mr := testutils.NewJobStore(t)
	d := jobs.NewDispatcher(store)
	sched, err := cronParser.Parse("0 3 * * *")
	require.NoError(t, err)

	now := base
	first := New(d, store, WithLockTTL(time.Minute), WithClock(clockAt(&now)))
	second := New(d, store, WithLockTTL(time.Minute), WithClock(clockAt(&now)))

	id, fired, err := first.fire(ctx, "cleanup", sched, jobs.CleanupPayload{})
	require.NoError(t, err)
	assert.True(t, fired)
	assert.NotEmpty(t, id)

	_, fired, err = second.fire(ctx, "cleanup", sched, jobs.CleanupPayload{})
	require.NoError(t, err)
	assert.False(t, fired, "another process already took this tick")
	assert.Equal(t, int64(1), maintenanceLength(t, store))

	mr.FastForward(2 * time.Minute)
	now = base.Add(24 * time.Hour)
	_, fired, err = second.fire(ctx, "cleanup", sched, jobs.CleanupPayload{})
	require.NoError(t, err)
	assert.True(t, fired)
}

func TestLockWindow(t *testing.T) {
	s := New(nil, nil, WithLockTTL(5*time.Minute))

	every, err := cronParser.Parse("@every 24h")
	require.NoError(t, err)
	morning, ttl := s.lockWindow("cleanup", every, base)
	evening, _ := s.lockWindow("cleanup", every, base.Add(12*time.Hour))
	tomorrow, _ := s.lockWindow("cleanup", every, base.Add(24*time.Hour))
	assert.Equal(t, 24*time.Hour, ttl)
	assert.Equal(t, morning, evening)
	assert.NotEqual(t, morning, tomorrow)

	daily, err := cronParser.Parse("0 3 * * *")
	require.NoError(t, err)
	key, ttl := s.lockWindow("cleanup", daily, base.Add(30*time.Second))
	assert.Equal(t, 5*time.Minute, ttl)
	assert.Equal(t, "schedule:cleanup:1792404000", key)
}

func TestFireLockUnavailable(t *testing.T) {
	store, mr := testutils.NewJobStore(t)
	mr.Close()
	sched, err := cronParser.Parse("@every 24h")
	require.NoError(t, err)

	_, _, err = New(jobs.NewDispatcher(store), store).fire(context.Background(), "cleanup", sched, jobs.CleanupPayload{})
	assert.Error(t, err)
}

func TestAddSchedule(t *testing.T) {
	store, _ := testutils.NewJobStore(t)
	s := New(jobs.NewDispatcher(store), store)

	require.NoError(t, s.Add("cleanup", "@every 24h", jobs.CleanupPayload{}))
	assert.Error(t, s.Add("broken", "not a schedule", jobs.CleanupPayload{}))

	s.Start()
	defer s.Stop()

	next, ok := s.Next("cleanup")
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), next, time.Minute)

	_, ok = s.Next("broken")
	assert.False(t, ok)
}
