package testutils

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/mtr002/taskmanager/internal/jobstore"
)

// NewJobStore starts an in-process Redis and returns a job store backed by
// it. Both are torn down with the test.
func NewJobStore(t *testing.T) (*jobstore.Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return jobstore.New(client, jobstore.WithResultTTL(time.Hour)), mr
}
