// Package broker implements the multi-queue work-queue abstraction (spec
// §4.1): named queues backed by goa.design/pulse streams, delay/backoff/
// repeat scheduling on a Redis sorted set, job-state lookup, and terminal
// job pruning.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/scalyclaw/scalyclaw/internal/keyspace"
	"github.com/scalyclaw/scalyclaw/internal/telemetry"
)

// Broker is the process-wide queue handle. One Broker instance is shared
// across every subsystem of a process via the runtime handle (design note
// #2); it owns no goroutines until RunDispatcher, RunPruner or Consume is
// called.
type Broker struct {
	redis  *redis.Client
	pulse  PulseClient
	log    telemetry.Logger
	prefix string
}

// Options configures New.
type Options struct {
	Redis  *redis.Client
	Pulse  PulseClient
	Logger telemetry.Logger
}

// New constructs a Broker. Redis and Pulse are required.
func New(opts Options) (*Broker, error) {
	if opts.Redis == nil {
		return nil, errors.New("broker: redis client is required")
	}
	if opts.Pulse == nil {
		return nil, errors.New("broker: pulse client is required")
	}
	log := opts.Logger
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	return &Broker{redis: opts.Redis, pulse: opts.Pulse, log: log}, nil
}

// Enqueue routes spec to its destination queue (keyspace.JobQueueMap),
// validates its payload shape, and either upserts a repeatable scheduler
// entry (Repeat != nil, requires a stable ID) or adds a new one-shot job.
// Returns the job id (broker-assigned for one-shot specs without an ID).
func (b *Broker) Enqueue(ctx context.Context, spec JobSpec) (string, error) {
	queue, ok := keyspace.QueueFor(keyspace.JobName(spec.Name))
	if !ok {
		return "", fmt.Errorf("broker: unknown job name %q", spec.Name)
	}
	if err := ValidatePayload(spec.Name, spec.Data); err != nil {
		return "", err
	}

	id := spec.ID
	if id == "" {
		if spec.Repeat != nil {
			return "", errors.New("broker: repeatable jobs require a stable client-chosen id")
		}
		id = uuid.NewString()
	}

	attempts := spec.Attempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	backoff := defaultBackoff
	if spec.Backoff != nil {
		backoff = *spec.Backoff
	}

	job := Job{
		ID:        id,
		Name:      spec.Name,
		Queue:     string(queue),
		Data:      spec.Data,
		Priority:  spec.Priority,
		Attempts:  attempts,
		Backoff:   &backoff,
		Repeat:    spec.Repeat,
		State:     StateWaiting,
		CreatedAt: time.Now(),
	}
	if spec.Priority > 0 {
		job.State = StatePrioritized
	}

	switch {
	case spec.Repeat != nil:
		if err := b.upsertRepeatable(ctx, job, spec); err != nil {
			return "", err
		}
	case spec.Delay > 0:
		job.State = StateDelayed
		if err := b.scheduleDelayed(ctx, job, time.Now().Add(time.Duration(spec.Delay)*time.Millisecond)); err != nil {
			return "", err
		}
	default:
		if err := b.dispatch(ctx, job); err != nil {
			return "", err
		}
	}

	b.log.Info(ctx, "job enqueued", "jobId", id, "name", spec.Name, "queue", queue)
	return id, nil
}

// dispatch publishes job onto its queue's Pulse stream immediately and
// records its waiting state for GetJobStatus.
func (b *Broker) dispatch(ctx context.Context, job Job) error {
	if err := b.saveState(ctx, job); err != nil {
		return err
	}
	stream, err := b.pulse.Stream(keyspace.StreamName(keyspace.Queue(job.Queue)))
	if err != nil {
		return fmt.Errorf("broker: open stream: %w", err)
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("broker: marshal job: %w", err)
	}
	if _, err := stream.Add(ctx, job.Name, payload); err != nil {
		return fmt.Errorf("broker: publish job: %w", err)
	}
	return b.indexJob(ctx, job.ID)
}

func (b *Broker) saveState(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("broker: marshal job state: %w", err)
	}
	if err := b.redis.Set(ctx, keyspace.JobStateKey(job.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("broker: save job state: %w", err)
	}
	return nil
}

func jobJSON(job *Job) ([]byte, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("broker: marshal job: %w", err)
	}
	return data, nil
}

func (b *Broker) indexJob(ctx context.Context, id string) error {
	return b.redis.SAdd(ctx, keyspace.JobsIndexKey(), id).Err()
}

// GetJobStatus looks up a job's current state.
func (b *Broker) GetJobStatus(ctx context.Context, id string) (*Job, error) {
	data, err := b.redis.Get(ctx, keyspace.JobStateKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("broker: job %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("broker: get job state: %w", err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("broker: decode job state: %w", err)
	}
	return &job, nil
}

// Remove deletes a job. It tries direct job removal first, falling back to
// scheduler (delayed/repeatable) removal, matching spec §4.1.
func (b *Broker) Remove(ctx context.Context, id string) error {
	n, err := b.redis.Del(ctx, keyspace.JobStateKey(id)).Result()
	if err != nil {
		return fmt.Errorf("broker: delete job state: %w", err)
	}
	if n > 0 {
		b.redis.SRem(ctx, keyspace.JobsIndexKey(), id)
	}
	if err := b.removeDelayed(ctx, id); err != nil {
		return err
	}
	return nil
}

// TrackChannelJob adds jobID to jobs:{channelId} so CancelAllForChannel (the
// cancel bus) can find every in-flight job for a channel without the
// orchestrator needing direct Redis access.
func (b *Broker) TrackChannelJob(ctx context.Context, channelID, jobID string) error {
	if err := b.redis.SAdd(ctx, keyspace.ChannelJobsKey(channelID), jobID).Err(); err != nil {
		return fmt.Errorf("broker: track channel job: %w", err)
	}
	return nil
}

// UntrackChannelJob removes jobID from jobs:{channelId} once it reaches a
// terminal state.
func (b *Broker) UntrackChannelJob(ctx context.Context, channelID, jobID string) error {
	if err := b.redis.SRem(ctx, keyspace.ChannelJobsKey(channelID), jobID).Err(); err != nil {
		return fmt.Errorf("broker: untrack channel job: %w", err)
	}
	return nil
}

// IsRetryable reports whether err represents an operational-transient
// failure that should be retried under the job's backoff policy, as opposed
// to a permanent failure. Any non-nil error is currently treated as
// retryable; callers that want a terminal failure return a *PermanentError.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var perm *PermanentError
	return !errors.As(err, &perm)
}

// PermanentError wraps an error that should not be retried even if attempts
// remain; the job is marked failed immediately.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }
