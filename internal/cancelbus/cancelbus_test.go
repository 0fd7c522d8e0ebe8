package cancelbus

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/scalyclaw/scalyclaw/internal/keyspace"
)

func newTestBus(t *testing.T) (*Bus, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb, nil), rdb
}

func TestRegisterAndAbortLocal(t *testing.T) {
	b, _ := newTestBus(t)
	_, cancel := context.WithCancel(context.Background())
	aborted := false
	b.Register("job-1", func() { aborted = true; cancel() })

	require.True(t, b.abortLocal("job-1"))
	require.True(t, aborted)

	// Second call finds nothing; already evicted.
	require.False(t, b.abortLocal("job-1"))
}

func TestUnregisterPreventsAbort(t *testing.T) {
	b, _ := newTestBus(t)
	called := false
	b.Register("job-1", func() { called = true })
	b.Unregister("job-1")

	require.False(t, b.abortLocal("job-1"))
	require.False(t, called)
}

func TestRequestJobCancelSetsFlagAndPublishes(t *testing.T) {
	b, rdb := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, b.RequestJobCancel(ctx, "job-1"))
	require.True(t, b.IsCancelled(ctx, "job-1"))

	ttl, err := rdb.TTL(ctx, keyspace.CancelJobKey("job-1")).Result()
	require.NoError(t, err)
	require.Greater(t, ttl, time.Duration(0))
}

func TestListenAbortsOnPublishedSignal(t *testing.T) {
	b, _ := newTestBus(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	b.Register("job-1", func() { close(done) })

	go b.Listen(ctx)
	// Give the subscription time to establish before publishing.
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, b.PublishCancel(ctx, []string{"job-1"}))

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("abort token was never invoked")
	}
}

func TestCancelAllForChannel(t *testing.T) {
	b, rdb := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, rdb.SAdd(ctx, keyspace.ChannelJobsKey("chan-1"), "job-a", "job-b").Err())
	require.NoError(t, b.CancelAllForChannel(ctx, "chan-1"))

	require.True(t, b.IsCancelled(ctx, "job-a"))
	require.True(t, b.IsCancelled(ctx, "job-b"))
}

func TestConsumeCancelFlagClearsAfterFirstRead(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	require.False(t, b.ConsumeCancelFlag(ctx, "job-1"))

	require.NoError(t, b.RequestJobCancel(ctx, "job-1"))
	require.True(t, b.ConsumeCancelFlag(ctx, "job-1"))
	require.False(t, b.ConsumeCancelFlag(ctx, "job-1"))
}

func TestRegisterPIDRoundTrip(t *testing.T) {
	b, rdb := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, b.RegisterPID(ctx, "job-1", os.Getpid()))
	val, err := rdb.Get(ctx, keyspace.PIDKey("job-1")).Result()
	require.NoError(t, err)
	require.NotEmpty(t, val)

	b.UnregisterPID(ctx, "job-1")
	_, err = rdb.Get(ctx, keyspace.PIDKey("job-1")).Result()
	require.ErrorIs(t, err, redis.Nil)
}
