package broker

import (
	"context"
	"sort"
	"time"

	"github.com/scalyclaw/scalyclaw/internal/keyspace"
)

// PruneOptions bounds how long and how many terminal jobs are retained.
type PruneOptions struct {
	MaxAge   time.Duration
	MaxCount int
}

// DefaultPruneOptions matches common BullMQ-style defaults: keep a day's
// worth of terminal jobs, capped at 10k records.
var DefaultPruneOptions = PruneOptions{MaxAge: 24 * time.Hour, MaxCount: 10_000}

// RunPruner periodically removes completed/failed jobs older than
// opts.MaxAge, and trims the index down to opts.MaxCount most-recent
// entries when it grows past that cap.
func (b *Broker) RunPruner(ctx context.Context, interval time.Duration, opts PruneOptions) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.pruneOnce(ctx, opts)
		}
	}
}

func (b *Broker) pruneOnce(ctx context.Context, opts PruneOptions) {
	ids, err := b.redis.SMembers(ctx, keyspace.JobsIndexKey()).Result()
	if err != nil {
		b.log.Error(ctx, "broker: prune list ids failed", "err", err)
		return
	}
	cutoff := time.Now().Add(-opts.MaxAge)
	var terminal []Job
	for _, id := range ids {
		job, err := b.GetJobStatus(ctx, id)
		if err != nil {
			// Already gone; drop from the index.
			b.redis.SRem(ctx, keyspace.JobsIndexKey(), id)
			continue
		}
		if job.State != StateCompleted && job.State != StateFailed {
			continue
		}
		if job.CreatedAt.Before(cutoff) {
			_ = b.Remove(ctx, id)
			continue
		}
		terminal = append(terminal, *job)
	}
	if opts.MaxCount > 0 && len(terminal) > opts.MaxCount {
		sort.Slice(terminal, func(i, j int) bool { return terminal[i].CreatedAt.Before(terminal[j].CreatedAt) })
		for _, job := range terminal[:len(terminal)-opts.MaxCount] {
			_ = b.Remove(ctx, job.ID)
		}
	}
}
