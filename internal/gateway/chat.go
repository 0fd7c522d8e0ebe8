package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/scalyclaw/scalyclaw/internal/broker"
	"github.com/scalyclaw/scalyclaw/internal/keyspace"
	"github.com/scalyclaw/scalyclaw/internal/progressbus"
	"github.com/scalyclaw/scalyclaw/internal/telemetry"
)

// chatWaiter is the single long-lived PSUBSCRIBE progress:* receive loop
// shared by every /api/chat and /ws caller (spec §9 design note: "Pattern
// pub/sub subscribers as coroutines... a single long-lived receive loop
// that demultiplexes to per-waiter one-shot results; each waiter has an
// associated timeout").
type chatWaiter struct {
	bus *progressbus.Bus
	log telemetry.Logger

	mu      sync.Mutex
	waiters map[string]chan progressbus.Event // key: channelId:jobId
}

func newChatWaiter(bus *progressbus.Bus, log telemetry.Logger) *chatWaiter {
	return &chatWaiter{bus: bus, log: log, waiters: make(map[string]chan progressbus.Event)}
}

func waiterKey(channelID, jobID string) string { return channelID + ":" + jobID }

// Register returns a channel that receives every event published for
// (channelID, jobID) until the caller stops reading (typically after the
// first terminal complete/error, or a caller streaming all progress events
// over a WebSocket). Callers must call the returned cancel func exactly
// once when done.
func (w *chatWaiter) Register(channelID, jobID string) (<-chan progressbus.Event, func()) {
	ch := make(chan progressbus.Event, 16)
	key := waiterKey(channelID, jobID)
	w.mu.Lock()
	w.waiters[key] = ch
	w.mu.Unlock()
	return ch, func() {
		w.mu.Lock()
		delete(w.waiters, key)
		w.mu.Unlock()
	}
}

// Run subscribes to progress:* and demultiplexes incoming events to
// registered waiters by (channelId, jobId). Blocks until ctx is cancelled.
func (w *chatWaiter) Run(ctx context.Context) error {
	sub := w.bus.Subscribe(ctx)
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			w.dispatch(ctx, msg)
		}
	}
}

func (w *chatWaiter) dispatch(ctx context.Context, msg *redis.Message) {
	channelID := progressbus.ParseChannelID(msg.Channel)
	if channelID == "" {
		return
	}
	var event progressbus.Event
	if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
		w.log.Warn(ctx, "gateway: decode progress event failed", "err", err)
		return
	}
	if event.JobID == "" {
		return
	}
	key := waiterKey(channelID, event.JobID)
	w.mu.Lock()
	out, ok := w.waiters[key]
	w.mu.Unlock()
	if !ok {
		return
	}
	select {
	case out <- event:
	default:
		w.log.Warn(ctx, "gateway: waiter channel full, dropping event", "key", key)
	}
}

// chatRequest is the POST /api/chat body (spec §6).
type chatRequest struct {
	Text string `json:"text"`
}

// chatResponse mirrors spec §6's literal shape.
type chatResponse struct {
	JobID    string `json:"jobId"`
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
	FilePath string `json:"filePath,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

func (s *Server) handleChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Text == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
		return
	}

	ctx := c.Request.Context()
	data, err := json.Marshal(broker.MessageProcessingPayload{ChannelID: GatewayChannelID, Text: req.Text})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	jobID, err := s.deps.Broker.Enqueue(ctx, broker.JobSpec{Name: string(keyspace.JobMessageProcessing), Data: data})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("enqueue failed: %v", err)})
		return
	}
	_ = s.deps.Broker.TrackChannelJob(ctx, GatewayChannelID, jobID)

	events, cancel := s.waiter.Register(GatewayChannelID, jobID)
	defer cancel()

	// A client reconnecting (or one whose subscription raced the enqueue)
	// falls back to the short-lived buffered events endpoint (spec §4.2);
	// here we simply also drain it once so an event published before
	// Register ran is not lost.
	if buffered, err := s.deps.Progress.Buffered(ctx, jobID); err == nil {
		for _, e := range buffered {
			if resp, done := terminalResponse(jobID, e); done {
				c.JSON(http.StatusOK, resp)
				return
			}
		}
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, keyspace.ChatWaitTimeout)
	defer waitCancel()
	for {
		select {
		case <-waitCtx.Done():
			c.JSON(http.StatusGatewayTimeout, gin.H{"jobId": jobID, "error": "timed out waiting for a response"})
			return
		case event := <-events:
			if resp, done := terminalResponse(jobID, event); done {
				c.JSON(http.StatusOK, resp)
				return
			}
		}
	}
}

// terminalResponse reports whether event concludes a chat turn and, if so,
// the REST body to return for it (spec §8: "subscribers observe at most one
// of complete or error as the last event").
func terminalResponse(jobID string, event progressbus.Event) (chatResponse, bool) {
	switch event.Type {
	case progressbus.EventComplete:
		return chatResponse{JobID: jobID, Response: event.Result}, true
	case progressbus.EventError:
		return chatResponse{JobID: jobID, Error: event.Error}, true
	case progressbus.EventFile:
		return chatResponse{JobID: jobID, Response: event.Result, FilePath: event.FilePath, Caption: event.Caption}, true
	default:
		return chatResponse{}, false
	}
}
