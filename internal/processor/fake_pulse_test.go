package processor

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/scalyclaw/scalyclaw/internal/broker"
)

// fakePulseClient is an in-memory broker.PulseClient for tests that only
// need the Add/Subscribe contract, not a live Redis-backed Pulse stream.
// Mirrors internal/broker's own unexported test fake, duplicated here since
// that one isn't exported across package boundaries.
type fakePulseClient struct {
	mu      sync.Mutex
	streams map[string]*fakeStream
}

func newFakePulseClient() *fakePulseClient {
	return &fakePulseClient{streams: make(map[string]*fakeStream)}
}

func (c *fakePulseClient) Stream(name string, _ ...streamopts.Stream) (broker.PulseStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[name]
	if !ok {
		s = &fakeStream{name: name, ch: make(chan *streaming.Event, 256)}
		c.streams[name] = s
	}
	return s, nil
}

type fakeStream struct {
	name string
	ch   chan *streaming.Event
}

func (s *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	id := uuid.NewString()
	s.ch <- &streaming.Event{ID: id, EventName: event, Payload: payload}
	return id, nil
}

func (s *fakeStream) NewSink(context.Context, string, ...streamopts.Sink) (broker.PulseSink, error) {
	return &fakeSink{ch: s.ch}, nil
}

type fakeSink struct{ ch chan *streaming.Event }

func (s *fakeSink) Subscribe() <-chan *streaming.Event          { return s.ch }
func (s *fakeSink) Ack(context.Context, *streaming.Event) error { return nil }
func (s *fakeSink) Close(context.Context)                       {}
