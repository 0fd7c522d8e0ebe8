package broker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/scalyclaw/scalyclaw/internal/keyspace"
)

func newTestBroker(t *testing.T) (*Broker, *fakePulseClient, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	pulse := newFakePulseClient()
	b, err := New(Options{Redis: rdb, Pulse: pulse})
	require.NoError(t, err)
	return b, pulse, rdb
}

func TestEnqueueRoutesToMappedQueue(t *testing.T) {
	b, pulse, _ := newTestBroker(t)
	ctx := context.Background()

	id, err := b.Enqueue(ctx, JobSpec{
		Name: string(keyspace.JobMessageProcessing),
		Data: json.RawMessage(`{"channelId":"c1","text":"hi"}`),
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	stream, err := pulse.Stream(keyspace.StreamName(keyspace.QueueMessages))
	require.NoError(t, err)
	fs := stream.(*fakeStream)
	select {
	case evt := <-fs.ch:
		require.Equal(t, string(keyspace.JobMessageProcessing), evt.EventName)
	default:
		t.Fatal("expected job published to the messages stream")
	}

	job, err := b.GetJobStatus(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StateWaiting, job.State)
	require.Equal(t, string(keyspace.QueueMessages), job.Queue)
}

func TestEnqueueUnknownJobName(t *testing.T) {
	b, _, _ := newTestBroker(t)
	_, err := b.Enqueue(context.Background(), JobSpec{Name: "not-a-real-job"})
	require.Error(t, err)
}

func TestEnqueueRejectsUnknownPayloadFields(t *testing.T) {
	b, _, _ := newTestBroker(t)
	_, err := b.Enqueue(context.Background(), JobSpec{
		Name: string(keyspace.JobReminder),
		Data: json.RawMessage(`{"channelId":"c1","description":"hi","bogusField":true}`),
	})
	require.Error(t, err)
}

func TestEnqueueDelayedJobIsNotPublishedImmediately(t *testing.T) {
	b, pulse, _ := newTestBroker(t)
	ctx := context.Background()

	id, err := b.Enqueue(ctx, JobSpec{
		Name:  string(keyspace.JobReminder),
		Data:  json.RawMessage(`{"channelId":"c1","description":"reminder"}`),
		Delay: 60_000,
	})
	require.NoError(t, err)

	stream, err := pulse.Stream(keyspace.StreamName(keyspace.QueueScheduler))
	require.NoError(t, err)
	fs := stream.(*fakeStream)
	select {
	case <-fs.ch:
		t.Fatal("delayed job should not be published before its due time")
	default:
	}

	job, err := b.GetJobStatus(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StateDelayed, job.State)
}

func TestRepeatableJobRequiresStableID(t *testing.T) {
	b, _, _ := newTestBroker(t)
	_, err := b.Enqueue(context.Background(), JobSpec{
		Name:   string(keyspace.JobRecurrentReminder),
		Data:   json.RawMessage(`{"channelId":"c1","description":"daily"}`),
		Repeat: &Repeat{Cron: "0 9 * * *"},
	})
	require.Error(t, err)
}

func TestDispatcherFiresDueDelayedJob(t *testing.T) {
	b, pulse, rdb := newTestBroker(t)
	ctx := context.Background()

	id, err := b.Enqueue(ctx, JobSpec{
		Name:  string(keyspace.JobReminder),
		Data:  json.RawMessage(`{"channelId":"c1","description":"reminder"}`),
		Delay: 1,
	})
	require.NoError(t, err)

	// Force the due time into the past so the dispatcher picks it up
	// regardless of the 1ms delay having already elapsed or not.
	require.NoError(t, rdb.ZAdd(ctx, keyspace.DelayedJobsKey(), redis.Z{
		Score: float64(time.Now().Add(-time.Second).UnixMilli()), Member: id,
	}).Err())

	b.drainDue(ctx)

	stream, err := pulse.Stream(keyspace.StreamName(keyspace.QueueScheduler))
	require.NoError(t, err)
	fs := stream.(*fakeStream)
	select {
	case evt := <-fs.ch:
		require.Equal(t, string(keyspace.JobReminder), evt.EventName)
	default:
		t.Fatal("expected dispatcher to publish the due job")
	}

	job, err := b.GetJobStatus(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StateWaiting, job.State)

	n, err := rdb.ZCard(ctx, keyspace.DelayedJobsKey()).Result()
	require.NoError(t, err)
	require.Zero(t, n, "one-shot delayed job should be removed from the schedule after firing")
}

func TestConsumeRetriesOnTransientErrorThenSucceeds(t *testing.T) {
	b, _, _ := newTestBroker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	id, err := b.Enqueue(ctx, JobSpec{
		Name:     string(keyspace.JobToolExecution),
		Data:     json.RawMessage(`{"toolName":"demo","input":{}}`),
		Attempts: 2,
		Backoff:  &Backoff{Type: BackoffFixed, DelayMs: 1},
	})
	require.NoError(t, err)

	attempts := 0
	done := make(chan struct{})
	go func() {
		_ = b.Consume(ctx, keyspace.QueueTools, "test-group", func(ctx context.Context, job *Job) (json.RawMessage, error) {
			attempts++
			if attempts == 1 {
				return nil, errTransient
			}
			close(done)
			return json.RawMessage(`{"ok":true}`), nil
		})
	}()

	// Drive the dispatcher manually so the retried job (scheduled via the
	// delayed set) gets re-published without waiting on a ticker.
	for i := 0; i < 50; i++ {
		b.drainDue(ctx)
		select {
		case <-done:
			goto verified
		case <-time.After(20 * time.Millisecond):
		}
	}
verified:
	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("handler never succeeded on retry")
	}

	job, err := b.GetJobStatus(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, job.State)
	require.GreaterOrEqual(t, attempts, 2)
}

func TestRemoveDeletesJobAndDelayedEntry(t *testing.T) {
	b, _, rdb := newTestBroker(t)
	ctx := context.Background()

	id, err := b.Enqueue(ctx, JobSpec{
		Name:  string(keyspace.JobReminder),
		Data:  json.RawMessage(`{"channelId":"c1","description":"x"}`),
		Delay: 60_000,
	})
	require.NoError(t, err)

	require.NoError(t, b.Remove(ctx, id))

	_, err = b.GetJobStatus(ctx, id)
	require.Error(t, err)

	n, err := rdb.ZCard(ctx, keyspace.DelayedJobsKey()).Result()
	require.NoError(t, err)
	require.Zero(t, n)
}

var errTransient = &transientError{"transient failure"}

type transientError struct{ msg string }

func (e *transientError) Error() string { return e.msg }
