package processor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/scalyclaw/scalyclaw/internal/broker"
	"github.com/scalyclaw/scalyclaw/internal/budget"
	"github.com/scalyclaw/scalyclaw/internal/cancelbus"
	"github.com/scalyclaw/scalyclaw/internal/guards"
	"github.com/scalyclaw/scalyclaw/internal/keyspace"
	"github.com/scalyclaw/scalyclaw/internal/memstore"
	"github.com/scalyclaw/scalyclaw/internal/model"
	"github.com/scalyclaw/scalyclaw/internal/orchestrator"
	"github.com/scalyclaw/scalyclaw/internal/progressbus"
)

// fakeModel answers every Complete call by inspecting the last user message:
// a payload containing "BLOCK_ME" is rejected by the security-classifier
// layers, everything else ends the turn with a canned reply.
type fakeModel struct{ reply string }

func (f *fakeModel) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	last := req.Messages[len(req.Messages)-1]
	if req.ModelClass == model.ModelClassSmall {
		verdict := "OK"
		if containsBlocked(last.Content) {
			verdict = "BLOCK: forbidden payload"
		}
		return &model.Response{Text: verdict, StopReason: model.StopEndTurn}, nil
	}
	return &model.Response{Text: f.reply, StopReason: model.StopEndTurn}, nil
}

func containsBlocked(s string) bool {
	return len(s) >= len("BLOCK_ME") && (s == "BLOCK_ME" || stringsContains(s, "BLOCK_ME"))
}

func stringsContains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

func newTestProcessor(t *testing.T, reply string) (*Processor, *redis.Client, *progressbus.Bus) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	pulse := newFakePulseClient()
	brk, err := broker.New(broker.Options{Redis: rdb, Pulse: pulse})
	require.NoError(t, err)

	progress := progressbus.New(rdb)
	cancel := cancelbus.New(rdb, nil)
	store := memstore.New()
	fm := &fakeModel{reply: reply}

	orch, err := orchestrator.New(orchestrator.Options{
		Model:    fm,
		Broker:   brk,
		Progress: progress,
		Cancel:   cancel,
		Budget:   budget.New(rdb, budget.Limits{}),
		Guards:   guards.New(fm),
		Store:    store,
		Prompt:   store,
	})
	require.NoError(t, err)

	proc, err := New(Options{
		Broker:       brk,
		Progress:     progress,
		Cancel:       cancel,
		Guards:       guards.New(fm),
		Orchestrator: orch,
		Store:        store,
	})
	require.NoError(t, err)
	return proc, rdb, progress
}

func jobFor(t *testing.T, name keyspace.JobName, payload broker.MessageProcessingPayload) *broker.Job {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return &broker.Job{ID: "job-1", Name: string(name), Data: data}
}

func TestHandleHappyPathPublishesComplete(t *testing.T) {
	proc, _, progress := newTestProcessor(t, "hello back")
	ctx := context.Background()

	sub := progress.Subscribe(ctx)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	job := jobFor(t, keyspace.JobMessageProcessing, broker.MessageProcessingPayload{ChannelID: "chan-1", Text: "hello"})
	_, err = proc.Handle(ctx, job)
	require.NoError(t, err)

	msg := recvEvent(t, sub)
	require.Equal(t, progressbus.EventComplete, msg.Type)
	require.Equal(t, "hello back", msg.Result)
}

func TestHandleBlockedMessagePublishesRejection(t *testing.T) {
	proc, _, progress := newTestProcessor(t, "should not see this")
	ctx := context.Background()

	sub := progress.Subscribe(ctx)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	job := jobFor(t, keyspace.JobMessageProcessing, broker.MessageProcessingPayload{ChannelID: "chan-1", Text: "BLOCK_ME please"})
	_, err = proc.Handle(ctx, job)
	require.NoError(t, err)

	msg := recvEvent(t, sub)
	require.Equal(t, progressbus.EventComplete, msg.Type)
	require.Equal(t, blockedRejection, msg.Result)
}

func TestHandleConsumesPriorCancelFlag(t *testing.T) {
	proc, rdb, _ := newTestProcessor(t, "should not run")
	ctx := context.Background()

	require.NoError(t, rdb.Set(ctx, keyspace.CancelJobKey("job-1"), "1", 0).Err())

	job := jobFor(t, keyspace.JobMessageProcessing, broker.MessageProcessingPayload{ChannelID: "chan-1", Text: "hello"})
	_, err := proc.Handle(ctx, job)
	require.NoError(t, err)

	// The pre-set cancel flag is consumed before any work starts.
	require.False(t, rdb.Exists(ctx, keyspace.CancelJobKey("job-1")).Val() > 0)
}

func TestHandleStartCommandRepliesWithoutOrchestrator(t *testing.T) {
	proc, _, progress := newTestProcessor(t, "orchestrator reply")
	ctx := context.Background()

	sub := progress.Subscribe(ctx)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	job := jobFor(t, keyspace.JobCommand, broker.MessageProcessingPayload{ChannelID: "chan-1", Command: "/start"})
	_, err = proc.Handle(ctx, job)
	require.NoError(t, err)

	msg := recvEvent(t, sub)
	require.Equal(t, startText, msg.Result)
}

func TestBuildTextAppendsAttachments(t *testing.T) {
	text := buildText(broker.MessageProcessingPayload{Text: "hi", Attachments: []string{"a.png", "b.txt"}})
	require.Equal(t, "hi\n- attachment: a.png\n- attachment: b.txt", text)
}

func recvEvent(t *testing.T, sub *redis.PubSub) progressbus.Event {
	t.Helper()
	msg, err := sub.ReceiveMessage(context.Background())
	require.NoError(t, err)
	var evt progressbus.Event
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &evt))
	return evt
}
