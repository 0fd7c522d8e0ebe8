package systemqueue

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/scalyclaw/scalyclaw/internal/broker"
	"github.com/scalyclaw/scalyclaw/internal/keyspace"
	"github.com/scalyclaw/scalyclaw/internal/progressbus"
	"github.com/scalyclaw/scalyclaw/internal/vault"
)

func newTestHandler(t *testing.T) (*Handler, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	v, err := vault.New(vault.Options{Redis: rdb, HomeDir: t.TempDir()})
	require.NoError(t, err)
	h, err := New(Options{Progress: progressbus.New(rdb), Vault: v})
	require.NoError(t, err)
	return h, rdb
}

func TestHandleScheduledFireReminderPublishesComplete(t *testing.T) {
	h, rdb := newTestHandler(t)
	ctx := context.Background()

	sub := progressbus.New(rdb).Subscribe(ctx)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	data, err := json.Marshal(broker.ScheduledFirePayload{ChannelID: "c1", Kind: "reminder", Message: "water plants", ScheduledJobID: "sj-1"})
	require.NoError(t, err)

	result, err := h.Handle(ctx, &broker.Job{ID: "job-1", Name: string(keyspace.JobScheduledFire), Data: data})
	require.NoError(t, err)
	require.Contains(t, string(result), "reminder")

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	var evt progressbus.Event
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &evt))
	require.Equal(t, progressbus.EventComplete, evt.Type)
	require.Equal(t, "water plants", evt.Result)
}

func TestHandleScheduledFireTaskWithNoOrchestratorErrors(t *testing.T) {
	h, _ := newTestHandler(t)
	data, err := json.Marshal(broker.ScheduledFirePayload{ChannelID: "c1", Kind: "task", Task: "summarize inbox", ScheduledJobID: "sj-2"})
	require.NoError(t, err)

	_, err = h.Handle(context.Background(), &broker.Job{ID: "job-2", Name: string(keyspace.JobScheduledFire), Data: data})
	require.Error(t, err)
}

func TestHandleScheduledFireUnknownKindIsPermanent(t *testing.T) {
	h, _ := newTestHandler(t)
	data, err := json.Marshal(broker.ScheduledFirePayload{ChannelID: "c1", Kind: "bogus", ScheduledJobID: "sj-3"})
	require.NoError(t, err)

	_, err = h.Handle(context.Background(), &broker.Job{ID: "job-3", Name: string(keyspace.JobScheduledFire), Data: data})
	require.False(t, broker.IsRetryable(err))
}

func TestHandleMemoryExtractionSkipsWithoutExtractor(t *testing.T) {
	h, _ := newTestHandler(t)
	data, err := json.Marshal(broker.MemoryExtractionPayload{ChannelID: "c1", UserText: "hi", AssistantText: "hello"})
	require.NoError(t, err)

	result, err := h.Handle(context.Background(), &broker.Job{ID: "job-4", Name: string(keyspace.JobMemoryExtraction), Data: data})
	require.NoError(t, err)
	require.Contains(t, string(result), "skipped")
}

func TestHandleProactiveFirePublishesComplete(t *testing.T) {
	h, rdb := newTestHandler(t)
	ctx := context.Background()

	sub := progressbus.New(rdb).Subscribe(ctx)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	data, err := json.Marshal(broker.ProactiveFirePayload{ChannelID: "c1", Message: "checking in"})
	require.NoError(t, err)

	_, err = h.Handle(ctx, &broker.Job{ID: "job-5", Name: string(keyspace.JobProactiveFire), Data: data})
	require.NoError(t, err)

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	var evt progressbus.Event
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &evt))
	require.Equal(t, "checking in", evt.Result)
}

func TestHandleVaultKeyRotationRotatesSecrets(t *testing.T) {
	h, _ := newTestHandler(t)
	ctx := context.Background()
	require.NoError(t, h.vault.Store(ctx, "k", "v"))

	_, err := h.Handle(ctx, &broker.Job{ID: "job-6", Name: string(keyspace.JobVaultKeyRotation), Data: json.RawMessage(`{}`)})
	require.NoError(t, err)

	got, ok, err := h.vault.Resolve(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", got)
}

func TestHandleUnsupportedJobNameIsPermanent(t *testing.T) {
	h, _ := newTestHandler(t)
	_, err := h.Handle(context.Background(), &broker.Job{ID: "job-7", Name: "bogus-job", Data: json.RawMessage(`{}`)})
	require.False(t, broker.IsRetryable(err))
}
