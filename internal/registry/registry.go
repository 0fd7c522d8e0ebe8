// Package registry implements the process registry (spec §4.5): every node,
// worker, and dashboard process registers a heartbeat-refreshed ProcessInfo
// row under a TTL key so peers can discover each other and dead processes
// age out naturally instead of requiring explicit deregistration.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/scalyclaw/scalyclaw/internal/keyspace"
	"github.com/scalyclaw/scalyclaw/internal/telemetry"
)

// Kind is the role a registered process plays.
type Kind string

// Process kinds, in the sort order List applies: node < worker < dashboard.
const (
	KindNode      Kind = "node"
	KindWorker    Kind = "worker"
	KindDashboard Kind = "dashboard"
)

var kindRank = map[Kind]int{KindNode: 0, KindWorker: 1, KindDashboard: 2}

// ProcessInfo describes a running process, stored as JSON at process:{id}.
type ProcessInfo struct {
	ID          string    `json:"id"`
	Type        Kind      `json:"type"`
	Host        string    `json:"host"`
	Port        int       `json:"port,omitempty"`
	Hostname    string    `json:"hostname"`
	StartedAt   time.Time `json:"startedAt"`
	Uptime      string    `json:"uptime"`
	Version     string    `json:"version"`
	Concurrency int       `json:"concurrency,omitempty"`
	AuthToken   string    `json:"authToken,omitempty"`
	TLS         bool      `json:"tls,omitempty"`
}

// Registry manages this process's own heartbeat and lists registered peers.
// One Registry is created per process and Register'd once at startup.
type Registry struct {
	redis *redis.Client
	log   telemetry.Logger

	mu        sync.Mutex
	info      ProcessInfo
	cancel    context.CancelFunc
	deregistered bool
}

// New constructs a Registry bound to redis. logger may be nil.
func New(rdb *redis.Client, logger telemetry.Logger) *Registry {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Registry{redis: rdb, log: logger}
}

// Register writes process:{id} with keyspace.ProcessTTL and starts a
// background heartbeat that re-writes it (with refreshed uptime) every
// keyspace.ProcessHeartbeatEvery until Deregister is called. info.StartedAt defaults to time.Now() if zero.
func (r *Registry) Register(ctx context.Context, info ProcessInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if info.StartedAt.IsZero() {
		info.StartedAt = time.Now()
	}
	r.info = info
	r.deregistered = false

	if err := r.writeLocked(ctx); err != nil {
		return err
	}

	heartbeatCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go r.heartbeatLoop(heartbeatCtx)
	return nil
}

func (r *Registry) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(keyspace.ProcessHeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.mu.Lock()
			if r.deregistered {
				r.mu.Unlock()
				return
			}
			err := r.writeLocked(ctx)
			r.mu.Unlock()
			if err != nil {
				r.log.Error(ctx, "registry: heartbeat failed", "processId", r.info.ID, "err", err)
			}
		}
	}
}

// writeLocked marshals the current info with a refreshed uptime and writes
// it with a fresh TTL. Callers must hold r.mu.
func (r *Registry) writeLocked(ctx context.Context) error {
	r.info.Uptime = time.Since(r.info.StartedAt).Round(time.Second).String()
	data, err := json.Marshal(r.info)
	if err != nil {
		return fmt.Errorf("registry: marshal process info: %w", err)
	}
	if err := r.redis.Set(ctx, keyspace.ProcessKey(r.info.ID), data, keyspace.ProcessTTL).Err(); err != nil {
		return fmt.Errorf("registry: write process key: %w", err)
	}
	return nil
}

// Deregister deletes process:{id} and stops the heartbeat. Safe to call more
// than once or without a prior Register.
func (r *Registry) Deregister(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.deregistered = true
	if r.info.ID == "" {
		return nil
	}
	if err := r.redis.Del(ctx, keyspace.ProcessKey(r.info.ID)).Err(); err != nil {
		return fmt.Errorf("registry: delete process key: %w", err)
	}
	return nil
}

// List scans every registered process:* key, decodes it, and returns the
// set sorted by (type, startedAt) with node < worker < dashboard. Entries
// that fail to decode are skipped and logged, mirroring the vault's
// never-substitute-never-fail-bulk policy for individually corrupt records.
func List(ctx context.Context, rdb *redis.Client, log telemetry.Logger) ([]ProcessInfo, error) {
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	var infos []ProcessInfo
	iter := rdb.Scan(ctx, 0, keyspace.ProcessKey("*"), 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := rdb.Get(ctx, key).Bytes()
		if err != nil {
			if err != redis.Nil {
				log.Warn(ctx, "registry: read process key failed", "key", key, "err", err)
			}
			continue
		}
		var info ProcessInfo
		if err := json.Unmarshal(data, &info); err != nil {
			log.Warn(ctx, "registry: decode process info failed", "key", key, "err", err)
			continue
		}
		infos = append(infos, info)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("registry: scan process keys: %w", err)
	}

	sort.Slice(infos, func(i, j int) bool {
		if kindRank[infos[i].Type] != kindRank[infos[j].Type] {
			return kindRank[infos[i].Type] < kindRank[infos[j].Type]
		}
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos, nil
}

// IDFromKey extracts the process id from a process:{id} key, or "" if key
// does not match that shape.
func IDFromKey(key string) string {
	const prefix = "process:"
	if !strings.HasPrefix(key, prefix) {
		return ""
	}
	return strings.TrimPrefix(key, prefix)
}
