package registry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/scalyclaw/scalyclaw/internal/keyspace"
)

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()}), mr
}

func TestRegisterWritesProcessKeyWithTTL(t *testing.T) {
	rdb, mr := newTestRedis(t)
	ctx := context.Background()
	r := New(rdb, nil)

	err := r.Register(ctx, ProcessInfo{ID: "node-1", Type: KindNode, Hostname: "host-a"})
	require.NoError(t, err)
	defer r.Deregister(ctx)

	require.True(t, mr.Exists(keyspace.ProcessKey("node-1")))
	ttl := mr.TTL(keyspace.ProcessKey("node-1"))
	require.Greater(t, ttl, time.Duration(0))
	require.LessOrEqual(t, ttl, keyspace.ProcessTTL)
}

func TestDeregisterDeletesKey(t *testing.T) {
	rdb, mr := newTestRedis(t)
	ctx := context.Background()
	r := New(rdb, nil)

	require.NoError(t, r.Register(ctx, ProcessInfo{ID: "worker-1", Type: KindWorker}))
	require.NoError(t, r.Deregister(ctx))
	require.False(t, mr.Exists(keyspace.ProcessKey("worker-1")))
}

func TestDeregisterWithoutRegisterIsSafe(t *testing.T) {
	rdb, _ := newTestRedis(t)
	r := New(rdb, nil)
	require.NoError(t, r.Deregister(context.Background()))
}

func TestListSortsByKindThenStartedAt(t *testing.T) {
	rdb, _ := newTestRedis(t)
	ctx := context.Background()

	now := time.Now()
	entries := []ProcessInfo{
		{ID: "dash-1", Type: KindDashboard, StartedAt: now},
		{ID: "worker-2", Type: KindWorker, StartedAt: now.Add(time.Minute)},
		{ID: "worker-1", Type: KindWorker, StartedAt: now},
		{ID: "node-1", Type: KindNode, StartedAt: now},
	}
	for _, e := range entries {
		reg := New(rdb, nil)
		require.NoError(t, reg.Register(ctx, e))
		defer reg.Deregister(ctx)
	}

	infos, err := List(ctx, rdb, nil)
	require.NoError(t, err)
	require.Len(t, infos, 4)

	var ids []string
	for _, info := range infos {
		ids = append(ids, info.ID)
	}
	require.Equal(t, []string{"node-1", "worker-1", "worker-2", "dash-1"}, ids)
}

func TestListSkipsCorruptEntries(t *testing.T) {
	rdb, mr := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, New(rdb, nil).Register(ctx, ProcessInfo{ID: "good", Type: KindNode}))
	require.NoError(t, mr.Set(keyspace.ProcessKey("bad"), "not-json"))

	infos, err := List(ctx, rdb, nil)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, "good", infos[0].ID)
}

func TestIDFromKey(t *testing.T) {
	require.Equal(t, "abc", IDFromKey("process:abc"))
	require.Equal(t, "", IDFromKey("other:abc"))
}
