package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

// PulseClient exposes the subset of goa.design/pulse streaming operations
// the broker needs. Adapted from the teacher's
// features/stream/pulse/clients/pulse wrapper: callers build a Redis client,
// pass it to NewPulseClient, and receive a typed interface over Pulse
// streams, so the broker's tests can substitute a fake instead of a live
// Redis-backed Pulse stream.
type PulseClient interface {
	// Stream returns a handle to the named Pulse stream, creating it if needed.
	Stream(name string, opts ...streamopts.Stream) (PulseStream, error)
}

// PulseStream is a single named stream (one per queue).
type PulseStream interface {
	// Add publishes an event, returning the Redis-assigned entry id.
	Add(ctx context.Context, event string, payload []byte) (string, error)
	// NewSink opens a consumer group on this stream for pulling events.
	NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (PulseSink, error)
}

// PulseSink is a consumer group reading from a PulseStream.
type PulseSink interface {
	Subscribe() <-chan *streaming.Event
	Ack(ctx context.Context, evt *streaming.Event) error
	Close(ctx context.Context)
}

type pulseClient struct {
	redis   *redis.Client
	maxLen  int
	timeout time.Duration
}

// PulseClientOptions configures NewPulseClient.
type PulseClientOptions struct {
	// Redis is the connection backing every Pulse stream. Required.
	Redis *redis.Client
	// StreamMaxLen bounds entries retained per stream; zero uses Pulse defaults.
	StreamMaxLen int
	// OperationTimeout bounds individual Add calls; zero means no timeout.
	OperationTimeout time.Duration
}

// NewPulseClient constructs a PulseClient backed by the given Redis connection.
func NewPulseClient(opts PulseClientOptions) (PulseClient, error) {
	if opts.Redis == nil {
		return nil, errors.New("broker: redis client is required")
	}
	return &pulseClient{redis: opts.Redis, maxLen: opts.StreamMaxLen, timeout: opts.OperationTimeout}, nil
}

func (c *pulseClient) Stream(name string, opts ...streamopts.Stream) (PulseStream, error) {
	if name == "" {
		return nil, errors.New("broker: stream name is required")
	}
	var so []streamopts.Stream
	if c.maxLen > 0 {
		so = append(so, streamopts.WithStreamMaxLen(c.maxLen))
	}
	so = append(so, opts...)
	str, err := streaming.NewStream(name, c.redis, so...)
	if err != nil {
		return nil, fmt.Errorf("broker: create pulse stream %q: %w", name, err)
	}
	return &pulseStream{stream: str, timeout: c.timeout}, nil
}

type pulseStream struct {
	stream  *streaming.Stream
	timeout time.Duration
}

func (s *pulseStream) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	id, err := s.stream.Add(ctx, event, payload)
	if err != nil {
		return "", fmt.Errorf("broker: pulse add: %w", err)
	}
	return id, nil
}

func (s *pulseStream) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (PulseSink, error) {
	sink, err := s.stream.NewSink(ctx, name, opts...)
	if err != nil {
		return nil, fmt.Errorf("broker: pulse new sink: %w", err)
	}
	return &pulseSink{sink: sink}, nil
}

type pulseSink struct {
	sink *streaming.Sink
}

func (s *pulseSink) Subscribe() <-chan *streaming.Event         { return s.sink.Subscribe() }
func (s *pulseSink) Ack(ctx context.Context, evt *streaming.Event) error { return s.sink.Ack(ctx, evt) }
func (s *pulseSink) Close(ctx context.Context)                   { s.sink.Close(ctx) }
