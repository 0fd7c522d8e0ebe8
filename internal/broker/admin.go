package broker

import (
	"context"
	"fmt"

	"github.com/scalyclaw/scalyclaw/internal/keyspace"
)

// ListJobs returns every job the broker still has state for (spec §6,
// "GET /api/jobs"). Entries that vanish between indexing and lookup are
// silently skipped, matching the registry's own tolerant-scan style.
func (b *Broker) ListJobs(ctx context.Context) ([]Job, error) {
	ids, err := b.redis.SMembers(ctx, keyspace.JobsIndexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("broker: list job ids: %w", err)
	}
	jobs := make([]Job, 0, len(ids))
	for _, id := range ids {
		job, err := b.GetJobStatus(ctx, id)
		if err != nil {
			continue
		}
		jobs = append(jobs, *job)
	}
	return jobs, nil
}

// Counts tallies ListJobs by state, for GET /api/jobs/counts.
func (b *Broker) Counts(ctx context.Context) (map[State]int, error) {
	jobs, err := b.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[State]int)
	for _, j := range jobs {
		counts[j.State]++
	}
	return counts, nil
}

// Retry resets a failed job's attempt counter and re-dispatches it
// immediately (spec §6, "job retry"). Only jobs in StateFailed are
// retryable; anything else is a no-op error.
func (b *Broker) Retry(ctx context.Context, id string) error {
	job, err := b.GetJobStatus(ctx, id)
	if err != nil {
		return err
	}
	if job.State != StateFailed {
		return fmt.Errorf("broker: job %q is not failed, cannot retry", id)
	}
	job.State = StateWaiting
	job.AttemptsMade = 0
	job.Error = ""
	return b.dispatch(ctx, *job)
}

// ForceFail marks a job failed without running its handler, for
// operator-triggered POST /api/jobs/{id}/fail administrative actions.
func (b *Broker) ForceFail(ctx context.Context, id, reason string) error {
	job, err := b.GetJobStatus(ctx, id)
	if err != nil {
		return err
	}
	job.State = StateFailed
	job.Error = reason
	return b.saveState(ctx, *job)
}

// ForceComplete marks a job completed without running its handler.
func (b *Broker) ForceComplete(ctx context.Context, id string) error {
	job, err := b.GetJobStatus(ctx, id)
	if err != nil {
		return err
	}
	job.State = StateCompleted
	job.Error = ""
	return b.saveState(ctx, *job)
}
