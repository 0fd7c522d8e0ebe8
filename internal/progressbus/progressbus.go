// Package progressbus implements the progress delivery channel (spec §4.2):
// best-effort pub/sub fan-out of job progress to chat/dashboard subscribers,
// backed by a short-lived per-job buffer so reconnecting clients can catch
// up on events published while they were disconnected.
package progressbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/scalyclaw/scalyclaw/internal/keyspace"
)

// EventType discriminates a ProgressEvent's shape.
type EventType string

// Event types carried on the progress bus.
const (
	EventProgress EventType = "progress"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
	EventTyping   EventType = "typing"
	EventFile     EventType = "file"
)

// Event is published on progress:{channelId} and buffered briefly under
// ResponseBufferKey(jobId) for reconnecting subscribers (spec §3).
type Event struct {
	JobID    string    `json:"jobId"`
	Type     EventType `json:"type"`
	Message  string    `json:"message,omitempty"`
	Result   string    `json:"result,omitempty"`
	Error    string    `json:"error,omitempty"`
	FilePath string    `json:"filePath,omitempty"`
	Caption  string    `json:"caption,omitempty"`
	URL      string    `json:"url,omitempty"`
	Name     string    `json:"name,omitempty"`
	IsImage  bool      `json:"isImage,omitempty"`
}

// Bus publishes progress events and serves the buffered-catch-up fallback.
type Bus struct {
	redis *redis.Client
}

// New constructs a Bus.
func New(rdb *redis.Client) *Bus {
	return &Bus{redis: rdb}
}

// Publish delivers event on progress:{channelId} to any live subscribers and
// appends it to event.JobID's short-lived buffer (capped implicitly by TTL,
// spec §4.2: "implementers who need reliable delivery must also consume the
// buffered-responses fallback").
func (b *Bus) Publish(ctx context.Context, channelID string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("progressbus: marshal event: %w", err)
	}

	pipe := b.redis.Pipeline()
	pipe.Publish(ctx, keyspace.ProgressChannel(channelID), data)
	if event.JobID != "" {
		key := keyspace.ResponseBufferKey(event.JobID)
		pipe.RPush(ctx, key, data)
		pipe.Expire(ctx, key, keyspace.ResponseBufferTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("progressbus: publish event: %w", err)
	}
	return nil
}

// Subscribe opens a pattern subscription matching every channel's progress
// stream. Callers range over Subscription.Channel() and use ParseChannelID
// to recover which channel an incoming *redis.Message belongs to.
func (b *Bus) Subscribe(ctx context.Context) *redis.PubSub {
	return b.redis.PSubscribe(ctx, keyspace.ProgressChannelPattern)
}

// Buffered returns events published for jobID within the last
// keyspace.ResponseBufferTTL, oldest first, for a client reconnecting after
// a dropped subscription.
func (b *Bus) Buffered(ctx context.Context, jobID string) ([]Event, error) {
	raw, err := b.redis.LRange(ctx, keyspace.ResponseBufferKey(jobID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("progressbus: read buffered events: %w", err)
	}
	events := make([]Event, 0, len(raw))
	for _, item := range raw {
		var e Event
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue
		}
		events = append(events, e)
	}
	return events, nil
}

// ParseChannelID extracts the channel id from a progress:{id} pub/sub
// channel name, or "" if channel does not match that shape.
func ParseChannelID(channel string) string {
	const prefix = "progress:"
	if !strings.HasPrefix(channel, prefix) {
		return ""
	}
	return strings.TrimPrefix(channel, prefix)
}
