package grpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/mtr002/taskmanager/internal/interfaces"
	"github.com/mtr002/taskmanager/internal/jobs"
	"github.com/mtr002/taskmanager/internal/jobstore"
	"github.com/mtr002/taskmanager/internal/testutils"
)

func newTestClient(t *testing.T) (*Client, *jobstore.Store) {
	t.Helper()
	store, _ := testutils.NewJobStore(t)

	lis := bufconn.Listen(1 << 20)
	srv := NewServer(jobs.NewControl(store, store, nil))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	client, err := NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, store
}

func TestGetStatusAndRevoke(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, store := newTestClient(t)

	id, err := jobs.NewDispatcher(store).Submit(ctx, jobs.ReportPayload{UserID: 4})
	require.NoError(t, err)

	st, err := client.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, st["task_id"])
	assert.Equal(t, "PENDING", st["state"])
	assert.Equal(t, "Pending...", st["status"])
	assert.EqualValues(t, 1, st["total"])

	res, err := client.Revoke(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "PENDING", res["previous_state"])
	assert.Equal(t, true, res["revoked"])

	st, err = client.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "REVOKED", st["state"])
}

func TestErrorCodes(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, _ := newTestClient(t)

	_, err := client.GetStatus(ctx, "missing")
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = client.Revoke(ctx, "missing")
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = client.GetStatus(ctx, "")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestIntrospection(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, store := newTestClient(t)

	now := time.Now().UTC()
	require.NoError(t, store.RegisterWorker(ctx, &interfaces.WorkerInfo{
		Name:       "box-1-0",
		Status:     "online",
		Queues:     []string{"notifications"},
		Registered: []string{"notify"},
		StartedAt:  now,
		LastSeen:   now,
	}, time.Minute))

	_, err := jobs.NewDispatcher(store).Submit(ctx, jobs.CleanupPayload{})
	require.NoError(t, err)

	workers, err := client.WorkerStats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, workers["total_workers"])

	active, err := client.ListActive(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, active["total_active"])

	queues, err := client.QueueLengths(ctx)
	require.NoError(t, err)
	lengths := queues["queues"].(map[string]interface{})
	assert.EqualValues(t, 1, lengths["maintenance"])
}
