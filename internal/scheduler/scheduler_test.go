package scheduler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/scalyclaw/scalyclaw/internal/broker"
	"github.com/scalyclaw/scalyclaw/internal/keyspace"
)

// noopPulseClient satisfies broker.PulseClient without touching a real
// stream. Delayed jobs go to the broker's ZAdd-backed delayed set; jobs
// dispatched immediately (zero delay, scheduled-fire) reach Add, which
// accepts and discards them.
type noopPulseClient struct{}

func (noopPulseClient) Stream(string, ...streamopts.Stream) (broker.PulseStream, error) {
	return noopPulseStream{}, nil
}

type noopPulseStream struct{}

func (noopPulseStream) Add(context.Context, string, []byte) (string, error) { return "", nil }
func (noopPulseStream) NewSink(context.Context, string, ...streamopts.Sink) (broker.PulseSink, error) {
	return nil, nil
}

func newTestScheduler(t *testing.T) (*Scheduler, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	brk, err := broker.New(broker.Options{Redis: rdb, Pulse: noopPulseClient{}})
	require.NoError(t, err)
	return New(rdb, brk, nil), rdb
}

func TestCreateReminderPersistsActiveRow(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()

	id, err := s.CreateReminder(ctx, "chan-1", "drink water", 5000)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	job, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusActive, job.Status)
	require.Equal(t, KindReminder, job.Kind)
	require.Equal(t, "chan-1", job.ChannelID)
	require.False(t, job.Recurrent)
}

func TestCreateRecurrentTaskRequiresCronOrEvery(t *testing.T) {
	s, _ := newTestScheduler(t)
	_, err := s.CreateRecurrentTask(context.Background(), "chan-1", "stand up", broker.Repeat{})
	require.Error(t, err)
}

func TestCreateRecurrentReminderComputesNextRunAt(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()

	id, err := s.CreateRecurrentReminder(ctx, "chan-1", "standup", broker.Repeat{Every: 60_000})
	require.NoError(t, err)

	job, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, job.Recurrent)
	require.WithinDuration(t, time.Now().Add(60*time.Second), job.NextRunAt, 5*time.Second)
}

func TestCancelMarksCancelledAndRemovesBrokerEntry(t *testing.T) {
	s, rdb := newTestScheduler(t)
	ctx := context.Background()

	id, err := s.CreateReminder(ctx, "chan-1", "water", 60_000)
	require.NoError(t, err)

	require.NoError(t, s.Cancel(ctx, id))

	job, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, job.Status)

	_, err = s.broker.GetJobStatus(ctx, id)
	require.Error(t, err)
	require.Zero(t, rdb.ZCard(ctx, "scalyclaw:delayed").Val())
}

func TestPurgeRejectsActiveJob(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()

	id, err := s.CreateReminder(ctx, "chan-1", "water", 60_000)
	require.NoError(t, err)

	require.Error(t, s.Purge(ctx, id))
	require.NoError(t, s.Cancel(ctx, id))
	require.NoError(t, s.Purge(ctx, id))

	_, err = s.Get(ctx, id)
	require.Error(t, err)
}

func TestHandleFiresOneShotAndMarksCompleted(t *testing.T) {
	s, rdb := newTestScheduler(t)
	ctx := context.Background()

	id, err := s.CreateReminder(ctx, "chan-1", "water", 0)
	require.NoError(t, err)

	data, err := json.Marshal(broker.ReminderPayload{ChannelID: "chan-1", Description: "water", ScheduledJobID: id})
	require.NoError(t, err)
	job := &broker.Job{ID: "job-1", Name: string(keyspace.JobReminder), Data: data, Queue: "scheduler"}

	_, err = s.Handle(ctx, job)
	require.NoError(t, err)

	sched, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, sched.Status)

	// The jobs index holds the reminder's own job plus the scheduled-fire job.
	n, err := rdb.SCard(ctx, "scalyclaw:jobs:index").Result()
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}

func TestHandleSkipsCancelledJob(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()

	id, err := s.CreateReminder(ctx, "chan-1", "water", 60_000)
	require.NoError(t, err)
	require.NoError(t, s.Cancel(ctx, id))

	data, err := json.Marshal(broker.ReminderPayload{ChannelID: "chan-1", Description: "water", ScheduledJobID: id})
	require.NoError(t, err)
	job := &broker.Job{ID: "job-1", Name: string(keyspace.JobReminder), Data: data, Queue: "scheduler"}

	result, err := s.Handle(ctx, job)
	require.NoError(t, err)
	require.JSONEq(t, `{"skipped":true}`, string(result))
}
