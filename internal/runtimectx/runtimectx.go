// Package runtimectx assembles the process-wide mutable bundle shared by
// every subsystem of a node or worker process: the Redis connection, broker,
// vault, progress/cancel buses, process registry, and telemetry handles
// (design note #1/#2: "one Runtime constructed once at bootstrap, passed
// explicitly to every subsystem that needs it — no package-level globals").
// Grounded on the teacher's api.Server: a struct built once with required
// collaborators, validated before use, with Close replacing the teacher's
// Shutdown (codeready-toolchain-tarsy/pkg/api/server.go).
package runtimectx

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/scalyclaw/scalyclaw/internal/broker"
	"github.com/scalyclaw/scalyclaw/internal/budget"
	"github.com/scalyclaw/scalyclaw/internal/cancelbus"
	"github.com/scalyclaw/scalyclaw/internal/config"
	"github.com/scalyclaw/scalyclaw/internal/progressbus"
	"github.com/scalyclaw/scalyclaw/internal/registry"
	"github.com/scalyclaw/scalyclaw/internal/telemetry"
	"github.com/scalyclaw/scalyclaw/internal/vault"
)

// Runtime is the bundle passed into every subsystem constructor. Vault and
// Budget are nil on a worker process (spec §5: "the vault password file is
// owned by the node; workers never read it").
type Runtime struct {
	Redis    *redis.Client
	Broker   *broker.Broker
	Progress *progressbus.Bus
	Cancel   *cancelbus.Bus
	Registry *registry.Registry
	Vault    *vault.Vault
	Budget   *budget.Budget

	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Tracer  telemetry.Tracer

	Node   *config.NodeConfig
	Worker *config.WorkerConfig
}

// Telemetry bundles the three optional observability handles so callers
// don't have to pass three separate nil-checked params.
type Telemetry struct {
	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Tracer  telemetry.Tracer
}

func (t Telemetry) withDefaults() Telemetry {
	if t.Logger == nil {
		t.Logger = telemetry.NewNoopLogger()
	}
	if t.Metrics == nil {
		t.Metrics = telemetry.NewNoopMetrics()
	}
	if t.Tracer == nil {
		t.Tracer = telemetry.NewNoopTracer()
	}
	return t
}

// PulseOptions bounds stream retention and per-call timeouts; zero values
// take the broker package's own defaults.
type PulseOptions struct {
	StreamMaxLen     int
	OperationTimeout time.Duration
}

func newRedisClient(cfg config.RedisConfig) *redis.Client {
	opts := &redis.Options{Addr: cfg.Addr(), Password: cfg.Password}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return redis.NewClient(opts)
}

// NewNode bootstraps the full Runtime for the primary process: Redis, Pulse
// client, broker, vault, progress/cancel buses, process registry, and
// budget. Fatal-at-boot per spec §7: a ping failure or vault init failure
// returns an error so cmd/node can exit non-zero before registering.
func NewNode(ctx context.Context, cfg *config.NodeConfig, tel Telemetry, pulse PulseOptions) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("runtimectx: node config is required")
	}
	tel = tel.withDefaults()
	rdb := newRedisClient(cfg.Redis)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("runtimectx: redis unreachable: %w", err)
	}

	pulseClient, err := broker.NewPulseClient(broker.PulseClientOptions{
		Redis:            rdb,
		StreamMaxLen:     pulse.StreamMaxLen,
		OperationTimeout: pulse.OperationTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("runtimectx: pulse client: %w", err)
	}
	brk, err := broker.New(broker.Options{Redis: rdb, Pulse: pulseClient, Logger: tel.Logger})
	if err != nil {
		return nil, fmt.Errorf("runtimectx: broker: %w", err)
	}

	v, err := vault.New(vault.Options{Redis: rdb, Logger: tel.Logger, HomeDir: cfg.HomeDir})
	if err != nil {
		return nil, fmt.Errorf("runtimectx: vault: %w", err)
	}

	limits := budget.Limits{
		DailyHardTokens:   cfg.Budget.DailyHardTokens,
		DailySoftTokens:   cfg.Budget.DailySoftTokens,
		MonthlyHardTokens: cfg.Budget.MonthlyHardTokens,
		MonthlySoftTokens: cfg.Budget.MonthlySoftTokens,
	}

	return &Runtime{
		Redis:    rdb,
		Broker:   brk,
		Progress: progressbus.New(rdb),
		Cancel:   cancelbus.New(rdb, tel.Logger),
		Registry: registry.New(rdb, tel.Logger),
		Vault:    v,
		Budget:   budget.New(rdb, limits),
		Logger:   tel.Logger,
		Metrics:  tel.Metrics,
		Tracer:   tel.Tracer,
		Node:     cfg,
	}, nil
}

// NewWorker bootstraps the reduced Runtime for a worker process: Redis,
// broker, progress/cancel buses, and process registry. No vault, no budget
// (spec §5: worker processes never own secrets at rest).
func NewWorker(ctx context.Context, cfg *config.WorkerConfig, tel Telemetry, pulse PulseOptions) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("runtimectx: worker config is required")
	}
	tel = tel.withDefaults()
	rdb := newRedisClient(cfg.Redis)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("runtimectx: redis unreachable: %w", err)
	}

	pulseClient, err := broker.NewPulseClient(broker.PulseClientOptions{
		Redis:            rdb,
		StreamMaxLen:     pulse.StreamMaxLen,
		OperationTimeout: pulse.OperationTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("runtimectx: pulse client: %w", err)
	}
	brk, err := broker.New(broker.Options{Redis: rdb, Pulse: pulseClient, Logger: tel.Logger})
	if err != nil {
		return nil, fmt.Errorf("runtimectx: broker: %w", err)
	}

	return &Runtime{
		Redis:    rdb,
		Broker:   brk,
		Progress: progressbus.New(rdb),
		Cancel:   cancelbus.New(rdb, tel.Logger),
		Registry: registry.New(rdb, tel.Logger),
		Logger:   tel.Logger,
		Metrics:  tel.Metrics,
		Tracer:   tel.Tracer,
		Worker:   cfg,
	}, nil
}

// NewDashboard bootstraps the minimal Runtime the dashboard process needs:
// Redis and the process registry, nothing else (it never touches the
// broker, vault, or budget directly — all of that is reached through the
// node it reverse-proxies to).
func NewDashboard(ctx context.Context, cfg config.RedisConfig, tel Telemetry) (*Runtime, error) {
	tel = tel.withDefaults()
	rdb := newRedisClient(cfg)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("runtimectx: redis unreachable: %w", err)
	}
	return &Runtime{
		Redis:    rdb,
		Registry: registry.New(rdb, tel.Logger),
		Logger:   tel.Logger,
		Metrics:  tel.Metrics,
		Tracer:   tel.Tracer,
	}, nil
}

// Close deregisters the process and closes the Redis connection. Safe to
// call once during graceful shutdown.
func (r *Runtime) Close(ctx context.Context) error {
	var errs []error
	if err := r.Registry.Deregister(ctx); err != nil {
		errs = append(errs, fmt.Errorf("deregister: %w", err))
	}
	if err := r.Redis.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close redis: %w", err))
	}
	return errors.Join(errs...)
}
