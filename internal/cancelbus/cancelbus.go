// Package cancelbus implements cross-process cancellation (spec §4.3):
// publishing jobIds on a well-known channel, a process-local registry of
// AbortTokens keyed by jobId (adapted from a worker pool's active-session
// registry), a short-TTL cancel flag for handlers that poll between steps,
// and PID kill escalation (SIGTERM then SIGKILL after a grace window).
package cancelbus

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/scalyclaw/scalyclaw/internal/keyspace"
	"github.com/scalyclaw/scalyclaw/internal/telemetry"
)

// AbortToken is whatever a handler's context.CancelFunc is wrapped as; Bus
// only needs to invoke it.
type AbortToken = context.CancelFunc

// Bus is the process-local half of the cancel bus: a registry of abort
// tokens for jobs running in this process, plus Redis publish/flag/PID
// helpers shared across processes. One Bus per process, shared by every
// subsystem that runs cancellable job handlers.
type Bus struct {
	redis *redis.Client
	log   telemetry.Logger

	mu     sync.RWMutex
	tokens map[string]AbortToken
}

// New constructs a Bus.
func New(rdb *redis.Client, logger telemetry.Logger) *Bus {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Bus{redis: rdb, log: logger, tokens: make(map[string]AbortToken)}
}

// Register stores cancel for later lookup by jobID. Call once per job
// handler invocation; pair with Unregister when the handler returns.
func (b *Bus) Register(jobID string, cancel AbortToken) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens[jobID] = cancel
}

// Unregister removes jobID's abort token once its handler has finished.
func (b *Bus) Unregister(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.tokens, jobID)
}

// abortLocal invokes and evicts jobID's abort token if registered in this
// process. Returns true if a token was found.
func (b *Bus) abortLocal(jobID string) bool {
	b.mu.Lock()
	cancel, ok := b.tokens[jobID]
	if ok {
		delete(b.tokens, jobID)
	}
	b.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// PublishCancel publishes jobIds on the well-known cancel-signal channel;
// every process subscribed via Listen aborts any locally registered token
// for each id.
func (b *Bus) PublishCancel(ctx context.Context, jobIDs []string) error {
	if len(jobIDs) == 0 {
		return nil
	}
	data, err := json.Marshal(jobIDs)
	if err != nil {
		return fmt.Errorf("cancelbus: marshal job ids: %w", err)
	}
	if err := b.redis.Publish(ctx, keyspace.ChanCancelSignal, data).Err(); err != nil {
		return fmt.Errorf("cancelbus: publish cancel signal: %w", err)
	}
	return nil
}

// RequestJobCancel publishes jobID for abort, sets a short-TTL cancel flag
// so handlers that only poll between steps (rather than selecting on a
// context) can observe the request, and kills any PID registered for the
// job with SIGTERM followed by SIGKILL after keyspace.KillGraceWindow.
func (b *Bus) RequestJobCancel(ctx context.Context, jobID string) error {
	if err := b.redis.Set(ctx, keyspace.CancelJobKey(jobID), "1", keyspace.CancelFlagTTL).Err(); err != nil {
		return fmt.Errorf("cancelbus: set cancel flag: %w", err)
	}
	if err := b.PublishCancel(ctx, []string{jobID}); err != nil {
		return err
	}
	b.killRegisteredPID(ctx, jobID)
	return nil
}

// CancelAllForChannel cancels every job registered under jobs:{channelId}.
func (b *Bus) CancelAllForChannel(ctx context.Context, channelID string) error {
	jobIDs, err := b.redis.SMembers(ctx, keyspace.ChannelJobsKey(channelID)).Result()
	if err != nil {
		return fmt.Errorf("cancelbus: list channel jobs: %w", err)
	}
	for _, jobID := range jobIDs {
		if err := b.RequestJobCancel(ctx, jobID); err != nil {
			b.log.Error(ctx, "cancelbus: cancel channel job failed", "channelId", channelID, "jobId", jobID, "err", err)
		}
	}
	return nil
}

// IsCancelled reports whether jobID's short-TTL cancel flag is set, for
// handlers that poll between long subprocess steps instead of selecting on
// a context.
func (b *Bus) IsCancelled(ctx context.Context, jobID string) bool {
	n, err := b.redis.Exists(ctx, keyspace.CancelJobKey(jobID)).Result()
	return err == nil && n > 0
}

// ConsumeCancelFlag reports whether jobID's cancel flag was set and, if so,
// deletes it atomically so a single cancellation request is observed at
// most once by a caller that polls between steps (spec §4.11: "a
// shouldStop poll (consumes and clears the cancel flag)").
func (b *Bus) ConsumeCancelFlag(ctx context.Context, jobID string) bool {
	_, err := b.redis.GetDel(ctx, keyspace.CancelJobKey(jobID)).Result()
	return err == nil
}

// RegisterPID records the OS process id running jobID so a cross-process
// RequestJobCancel can escalate to a real kill signal.
func (b *Bus) RegisterPID(ctx context.Context, jobID string, pid int) error {
	if err := b.redis.Set(ctx, keyspace.PIDKey(jobID), strconv.Itoa(pid), keyspace.CancelFlagTTL).Err(); err != nil {
		return fmt.Errorf("cancelbus: register pid: %w", err)
	}
	return nil
}

// UnregisterPID removes jobID's registered PID once its subprocess exits.
func (b *Bus) UnregisterPID(ctx context.Context, jobID string) {
	if err := b.redis.Del(ctx, keyspace.PIDKey(jobID)).Err(); err != nil {
		b.log.Warn(ctx, "cancelbus: unregister pid failed", "jobId", jobID, "err", err)
	}
}

func (b *Bus) killRegisteredPID(ctx context.Context, jobID string) {
	pidStr, err := b.redis.Get(ctx, keyspace.PIDKey(jobID)).Result()
	if err != nil {
		return // no subprocess registered on any process for this job
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		b.log.Warn(ctx, "cancelbus: sigterm failed", "jobId", jobID, "pid", pid, "err", err)
	}
	go func() {
		time.Sleep(keyspace.KillGraceWindow)
		// Signal(0) probes liveness without actually signalling.
		if err := proc.Signal(syscall.Signal(0)); err == nil {
			if err := proc.Signal(syscall.SIGKILL); err != nil {
				b.log.Warn(context.Background(), "cancelbus: sigkill failed", "jobId", jobID, "pid", pid, "err", err)
			}
		}
	}()
}

// Listen subscribes to the cancel-signal channel and aborts locally
// registered tokens as cancellations arrive. Blocks until ctx is cancelled.
func (b *Bus) Listen(ctx context.Context) error {
	sub := b.redis.Subscribe(ctx, keyspace.ChanCancelSignal)
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
			var jobIDs []string
			if err := json.Unmarshal([]byte(msg.Payload), &jobIDs); err != nil {
				b.log.Error(ctx, "cancelbus: decode cancel signal failed", "err", err)
				continue
			}
			for _, id := range jobIDs {
				b.abortLocal(id)
			}
		}
	}
}
