package progressbus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) (*Bus, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb), rdb
}

func TestPublishDeliversToSubscriber(t *testing.T) {
	b, _ := newTestBus(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sub := b.Subscribe(ctx)
	defer sub.Close()
	_, err := sub.Receive(ctx) // subscription confirmation
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "chan-1", Event{JobID: "job-1", Type: EventProgress, Message: "working"}))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	require.Equal(t, "progress:chan-1", msg.Channel)
	require.Equal(t, "chan-1", ParseChannelID(msg.Channel))
}

func TestBufferedReturnsRecentEventsForJob(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, "chan-1", Event{JobID: "job-1", Type: EventProgress, Message: "step 1"}))
	require.NoError(t, b.Publish(ctx, "chan-1", Event{JobID: "job-1", Type: EventComplete, Message: "done"}))

	events, err := b.Buffered(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, EventProgress, events[0].Type)
	require.Equal(t, EventComplete, events[1].Type)
}

func TestBufferedEmptyForUnknownJob(t *testing.T) {
	b, _ := newTestBus(t)
	events, err := b.Buffered(context.Background(), "nope")
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestParseChannelIDRejectsOtherPrefixes(t *testing.T) {
	require.Equal(t, "", ParseChannelID("other:chan-1"))
}
