package broker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron"

	"github.com/scalyclaw/scalyclaw/internal/keyspace"
)

// scheduleDelayed inserts job into the delayed sorted set, scored by its due
// time, and persists its state.
func (b *Broker) scheduleDelayed(ctx context.Context, job Job, runAt time.Time) error {
	if err := b.saveState(ctx, job); err != nil {
		return err
	}
	if err := b.indexJob(ctx, job.ID); err != nil {
		return err
	}
	return b.redis.ZAdd(ctx, keyspace.DelayedJobsKey(), redis.Z{
		Score:  float64(runAt.UnixMilli()),
		Member: job.ID,
	}).Err()
}

// upsertRepeatable computes the next run time for a repeatable JobSpec and
// installs (or replaces) its delayed-set entry keyed by the spec's stable
// id, matching spec §4.1's "upsertJobScheduler" semantics.
func (b *Broker) upsertRepeatable(ctx context.Context, job Job, spec JobSpec) error {
	next, err := nextRun(*spec.Repeat, time.Now())
	if err != nil {
		return err
	}
	job.State = StateWaiting
	return b.scheduleDelayed(ctx, job, next)
}

// removeDelayed removes id from the delayed/repeatable sorted set.
func (b *Broker) removeDelayed(ctx context.Context, id string) error {
	if err := b.redis.ZRem(ctx, keyspace.DelayedJobsKey(), id).Err(); err != nil {
		return fmt.Errorf("broker: remove delayed job: %w", err)
	}
	return nil
}

// nextRun computes the next fire time for a Repeat spec relative to from.
func nextRun(r Repeat, from time.Time) (time.Time, error) {
	if r.Cron != "" {
		loc := time.UTC
		if r.TZ != "" {
			l, err := time.LoadLocation(r.TZ)
			if err != nil {
				return time.Time{}, fmt.Errorf("broker: invalid timezone %q: %w", r.TZ, err)
			}
			loc = l
		}
		sched, err := cron.ParseStandard(r.Cron)
		if err != nil {
			return time.Time{}, fmt.Errorf("broker: invalid cron expression %q: %w", r.Cron, err)
		}
		return sched.Next(from.In(loc)), nil
	}
	if r.Every > 0 {
		return from.Add(time.Duration(r.Every) * time.Millisecond), nil
	}
	return time.Time{}, fmt.Errorf("broker: repeat spec needs cron or every")
}

// RunDispatcher drains the delayed sorted set, publishing every job whose
// due time has passed onto its destination queue, and reschedules
// repeatable jobs for their next occurrence. Intended to run as a single
// long-lived goroutine per broker instance (one per node process); multiple
// concurrent dispatchers are safe since ZRangeByScore+ZRem is idempotent
// per member but callers should still run exactly one to avoid duplicate
// dispatch races on the read-then-act window.
func (b *Broker) RunDispatcher(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.drainDue(ctx)
		}
	}
}

func (b *Broker) drainDue(ctx context.Context) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	ids, err := b.redis.ZRangeByScore(ctx, keyspace.DelayedJobsKey(), &redis.ZRangeBy{
		Min: "-inf", Max: now,
	}).Result()
	if err != nil {
		b.log.Error(ctx, "broker: drain delayed jobs failed", "err", err)
		return
	}
	for _, id := range ids {
		if err := b.fireDue(ctx, id); err != nil {
			b.log.Error(ctx, "broker: fire delayed job failed", "jobId", id, "err", err)
		}
	}
}

func (b *Broker) fireDue(ctx context.Context, id string) error {
	job, err := b.GetJobStatus(ctx, id)
	if err != nil {
		// Job state vanished (removed/cancelled) between being listed and
		// fired; drop it from the delayed set and move on.
		return b.removeDelayed(ctx, id)
	}
	job.State = StateWaiting
	if job.Priority > 0 {
		job.State = StatePrioritized
	}
	stream, err := b.pulse.Stream(keyspace.StreamName(keyspace.Queue(job.Queue)))
	if err != nil {
		return fmt.Errorf("broker: open stream: %w", err)
	}
	payload, err := jobJSON(job)
	if err != nil {
		return err
	}
	if _, err := stream.Add(ctx, job.Name, payload); err != nil {
		return fmt.Errorf("broker: publish delayed job: %w", err)
	}
	if err := b.saveState(ctx, *job); err != nil {
		return err
	}
	if job.Repeat == nil {
		return b.removeDelayed(ctx, id)
	}
	next, err := nextRun(*job.Repeat, time.Now())
	if err != nil {
		return err
	}
	return b.redis.ZAdd(ctx, keyspace.DelayedJobsKey(), redis.Z{
		Score:  float64(next.UnixMilli()),
		Member: id,
	}).Err()
}
