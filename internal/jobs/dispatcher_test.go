package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtr002/taskmanager/internal/interfaces"
	"github.com/mtr002/taskmanager/internal/testutils"
)

func TestRouting(t *testing.T) {
	assert.Equal(t, "notifications", QueueFor(TypeNotify))
	assert.Equal(t, "bulk_operations", QueueFor(TypeBulkCreate))
	assert.Equal(t, "maintenance", QueueFor(TypeCleanup))
	assert.Equal(t, "default", QueueFor(TypeReport))
	assert.Equal(t, 0, MaxRetries(TypeCleanup))
	assert.Equal(t, 3, MaxRetries(TypeNotify))
	assert.ElementsMatch(t, []string{"notifications", "bulk_operations", "default", "maintenance"}, Queues())
}

func TestSubmitEnqueuesPending(t *testing.T) {
	ctx := context.Background()
	store, _ := testutils.NewJobStore(t)
	d := NewDispatcher(store)

	id, err := d.Submit(ctx, NotifyPayload{UserID: 3, TaskTitle: "Buy milk", NotificationType: "task_created"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	j, err := store.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatePending, j.State)
	assert.Equal(t, "notify", j.Type)
	assert.Equal(t, "notifications", j.Queue)
	assert.Equal(t, 3, j.MaxRetries)

	p, err := DecodePayload(j.Type, j.Payload)
	require.NoError(t, err)
	assert.Equal(t, NotifyPayload{UserID: 3, TaskTitle: "Buy milk", NotificationType: "task_created"}, p)

	lengths, err := store.QueueLengths(ctx, []string{"notifications"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), lengths["notifications"])

	st, err := NewControl(store, store, nil).GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Contains(t, []string{"PENDING", "PROGRESS"}, st.State)
}

func TestSubmitStoreUnavailable(t *testing.T) {
	store, mr := testutils.NewJobStore(t)
	mr.Close()

	_, err := NewDispatcher(store).Submit(context.Background(), CleanupPayload{})
	assert.ErrorIs(t, err, interfaces.ErrStoreUnavailable)
}

func TestSubmitNilPayload(t *testing.T) {
	store, _ := testutils.NewJobStore(t)
	_, err := NewDispatcher(store).Submit(context.Background(), nil)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestDecodePayloadUnknownType(t *testing.T) {
	_, err := DecodePayload("mystery", []byte(`{}`))
	assert.Error(t, err)

	_, err = DecodePayload("report", []byte(`not json`))
	assert.Error(t, err)
}

func TestRenderStatus(t *testing.T) {
	tests := []struct {
		name string
		job  interfaces.Job
		want Status
	}{
		{
			name: "pending",
			job:  interfaces.Job{ID: "a", State: interfaces.StatePending, Total: 1},
			want: Status{TaskID: "a", State: "PENDING", Current: 0, Total: 1, Status: "Pending..."},
		},
		{
			name: "pending retry",
			job:  interfaces.Job{ID: "a", State: interfaces.StatePending, Retries: 1, MaxRetries: 3, Error: "timeout"},
			want: Status{TaskID: "a", State: "PENDING", Current: 0, Total: 1, Status: "Retry 1/3 scheduled: timeout"},
		},
		{
			name: "progress",
			job:  interfaces.Job{ID: "a", State: interfaces.StateProgress, Current: 2, Total: 5, Status: "step"},
			want: Status{TaskID: "a", State: "PROGRESS", Current: 2, Total: 5, Status: "step"},
		},
		{
			name: "success",
			job:  interfaces.Job{ID: "a", State: interfaces.StateSuccess, Current: 5, Total: 5, Status: "done", Result: []byte(`{"ok":true}`)},
			want: Status{TaskID: "a", State: "SUCCESS", Current: 5, Total: 5, Status: "done", Result: []byte(`{"ok":true}`)},
		},
		{
			name: "failure",
			job:  interfaces.Job{ID: "a", State: interfaces.StateFailure, Current: 3, Total: 5, Error: "boom"},
			want: Status{TaskID: "a", State: "FAILURE", Current: 1, Total: 1, Status: "Task failed", Error: "boom"},
		},
		{
			name: "revoked",
			job:  interfaces.Job{ID: "a", State: interfaces.StateRevoked},
			want: Status{TaskID: "a", State: "REVOKED", Status: "Task revoked"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RenderStatus(&tt.job)
			assert.Equal(t, tt.want.State, got.State)
			assert.Equal(t, tt.want.Current, got.Current)
			assert.Equal(t, tt.want.Total, got.Total)
			assert.Equal(t, tt.want.Status, got.Status)
			assert.Equal(t, tt.want.Error, got.Error)
			if tt.want.Result != nil {
				assert.JSONEq(t, string(tt.want.Result), string(got.Result))
			} else {
				assert.Empty(t, got.Result)
			}
		})
	}
}

func TestControlRevoke(t *testing.T) {
	ctx := context.Background()
	store, _ := testutils.NewJobStore(t)
	d := NewDispatcher(store)
	c := NewControl(store, store, nil)

	pending, err := d.Submit(ctx, ReportPayload{UserID: 1})
	require.NoError(t, err)
	prev, err := c.Revoke(ctx, pending)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatePending, prev)

	st, err := c.GetStatus(ctx, pending)
	require.NoError(t, err)
	assert.Equal(t, "REVOKED", st.State)
	assert.Equal(t, "Task revoked", st.Status)

	done, err := d.Submit(ctx, ReportPayload{UserID: 1})
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, done, interfaces.Progress{Current: 4, Total: 4, Status: "ok"}, []byte(`{}`)))
	prev, err = c.Revoke(ctx, done)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StateSuccess, prev)
	st, err = c.GetStatus(ctx, done)
	require.NoError(t, err)
	assert.Equal(t, "SUCCESS", st.State)

	_, err = c.Revoke(ctx, "unknown")
	assert.ErrorIs(t, err, interfaces.ErrJobNotFound)
	_, err = c.GetStatus(ctx, "unknown")
	assert.ErrorIs(t, err, interfaces.ErrJobNotFound)
}

func TestControlIntrospection(t *testing.T) {
	ctx := context.Background()
	store, _ := testutils.NewJobStore(t)
	c := NewControl(store, store, nil)

	active, err := c.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
	stats, err := c.WorkerStats(ctx)
	require.NoError(t, err)
	assert.Empty(t, stats)

	now := time.Now().UTC()
	for _, name := range []string{"host-1-1", "host-1-0"} {
		require.NoError(t, store.RegisterWorker(ctx, &interfaces.WorkerInfo{
			Name:       name,
			Status:     "online",
			Queues:     Queues(),
			Registered: []string{"notify", "report"},
			StartedAt:  now,
			LastSeen:   now,
		}, time.Minute))
	}

	id, err := NewDispatcher(store).Submit(ctx, NotifyPayload{UserID: 3, TaskTitle: "Buy milk", NotificationType: "task_created"})
	require.NoError(t, err)
	j, err := store.Claim(ctx, id, "host-1-1")
	require.NoError(t, err)
	require.NoError(t, store.SetWorkerActive(ctx, "host-1-1", j))

	active, err = c.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, id, active[0].TaskID)
	assert.Equal(t, "notify", active[0].Type)
	assert.Equal(t, "host-1-1", active[0].Worker)
	assert.JSONEq(t, `{"user_id":3,"task_title":"Buy milk","notification_type":"task_created"}`, string(active[0].Args))

	stats, err = c.WorkerStats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, "host-1-0", stats[0].Worker)
	assert.Equal(t, []string{"notify", "report"}, stats[1].RegisteredTasks)

	lengths, err := c.QueueLengths(ctx)
	require.NoError(t, err)
	assert.Len(t, lengths, 4)
	assert.Equal(t, int64(0), lengths["notifications"])
}
