package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/scalyclaw/scalyclaw/internal/keyspace"
)

// Handler processes one job pulled off a queue. A non-nil error marks the
// job for retry (subject to Attempts/Backoff) unless it is wrapped in a
// *PermanentError, in which case the job fails immediately. Handlers must be
// idempotent: per-job ordering of invocations is not guaranteed under
// redelivery (spec §5).
type Handler func(ctx context.Context, job *Job) (result json.RawMessage, err error)

// Consume pulls jobs from queue's Pulse stream under a named consumer group
// and dispatches them to handler, one at a time. Callers run multiple
// goroutines calling Consume (same queue, same group) for concurrency,
// mirroring the teacher's worker-pool shape. Consume blocks until ctx is
// cancelled or the sink's channel closes.
func (b *Broker) Consume(ctx context.Context, queue keyspace.Queue, group string, handler Handler) error {
	stream, err := b.pulse.Stream(keyspace.StreamName(queue))
	if err != nil {
		return fmt.Errorf("broker: open stream %q: %w", queue, err)
	}
	sink, err := stream.NewSink(ctx, group, streamopts.WithSinkBlockDuration(0))
	if err != nil {
		return fmt.Errorf("broker: open sink %q/%q: %w", queue, group, err)
	}
	defer sink.Close(context.Background())

	events := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			b.handleEvent(ctx, sink, evt, handler)
		}
	}
}

func (b *Broker) handleEvent(ctx context.Context, sink PulseSink, evt *streaming.Event, handler Handler) {
	var job Job
	if err := json.Unmarshal(evt.Payload, &job); err != nil {
		b.log.Error(ctx, "broker: decode job envelope failed", "err", err)
		_ = sink.Ack(ctx, evt)
		return
	}

	if cancelled, err := b.redis.Exists(ctx, keyspace.CancelJobKey(job.ID)).Result(); err == nil && cancelled > 0 {
		job.State = StateFailed
		job.Error = "cancelled"
		_ = b.saveState(ctx, job)
		_ = sink.Ack(ctx, evt)
		return
	}

	job.State = StateActive
	_ = b.saveState(ctx, job)

	result, herr := handler(ctx, &job)
	job.AttemptsMade++

	if herr == nil {
		job.State = StateCompleted
		job.Result = result
		job.Error = ""
		_ = b.saveState(ctx, job)
		_ = sink.Ack(ctx, evt)
		return
	}

	if !IsRetryable(herr) || job.AttemptsMade >= job.Attempts {
		job.State = StateFailed
		job.Error = herr.Error()
		_ = b.saveState(ctx, job)
		_ = sink.Ack(ctx, evt)
		return
	}

	backoff := defaultBackoff
	if job.Backoff != nil {
		backoff = *job.Backoff
	}
	job.State = StateDelayed
	job.Error = herr.Error()
	if err := b.scheduleDelayed(ctx, job, time.Now().Add(backoff.NextDelay(job.AttemptsMade))); err != nil {
		b.log.Error(ctx, "broker: reschedule retry failed", "jobId", job.ID, "err", err)
	}
	_ = sink.Ack(ctx, evt)
}
