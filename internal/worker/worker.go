// Package worker implements the remote tool/skill execution fleet (spec
// §4.10): consumes the tools queue, installs and caches skill bundles
// fetched from the node, spawns sandboxed subprocesses with bounded
// output capture, and rewrites workspace-relative artifact paths into the
// job result. Grounded on the teacher's os/exec-based embedded containerd
// lifecycle (cuemby-warren/pkg/embedded/containerd.go) for the spawn/
// SIGTERM/SIGKILL shape, generalized from one long-lived daemon to
// short-lived per-job subprocesses.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/scalyclaw/scalyclaw/internal/broker"
	"github.com/scalyclaw/scalyclaw/internal/cancelbus"
	"github.com/scalyclaw/scalyclaw/internal/config"
	"github.com/scalyclaw/scalyclaw/internal/keyspace"
	"github.com/scalyclaw/scalyclaw/internal/telemetry"
)

// Worker consumes exactly one queue, tools, handling tool-execution and
// skill-execution jobs (spec §4.10).
type Worker struct {
	cfg    *config.WorkerConfig
	broker *broker.Broker
	cancel *cancelbus.Bus
	log    telemetry.Logger

	skills  *skillCache
	install *installer
}

// New constructs a Worker. cfg, brk, and cancel are required.
func New(cfg *config.WorkerConfig, brk *broker.Broker, cancel *cancelbus.Bus, log telemetry.Logger) (*Worker, error) {
	if cfg == nil {
		return nil, errors.New("worker: config is required")
	}
	if brk == nil {
		return nil, errors.New("worker: broker is required")
	}
	if cancel == nil {
		return nil, errors.New("worker: cancel bus is required")
	}
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	return &Worker{
		cfg:     cfg,
		broker:  brk,
		cancel:  cancel,
		log:     log,
		skills:  newSkillCache(cfg.Workspace, cfg.NodeURL, cfg.AuthToken, &http.Client{Timeout: 60 * time.Second}),
		install: newInstaller(),
	}, nil
}

// Run starts cfg.Concurrency consumer goroutines against the tools queue,
// all sharing one consumer group so the broker load-balances jobs across
// them. Blocks until ctx is cancelled or every consumer returns.
func (w *Worker) Run(ctx context.Context) error {
	concurrency := w.cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	var wg sync.WaitGroup
	errs := make(chan error, concurrency)
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.broker.Consume(ctx, keyspace.QueueTools, "workers", w.handle); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	var joined []error
	for err := range errs {
		joined = append(joined, err)
	}
	return errors.Join(joined...)
}

// WatchSkillsReload subscribes to scalyclaw:skills:reload and clears the
// skill cache on every message (spec §4.10: "On receipt of
// scalyclaw:skills:reload pub/sub message, clear the cache").
func (w *Worker) WatchSkillsReload(ctx context.Context, rdb *redis.Client) error {
	sub := rdb.Subscribe(ctx, keyspace.ChanSkillsReload)
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-ch:
			if !ok {
				return nil
			}
			w.skills.Clear()
		}
	}
}

func (w *Worker) handle(ctx context.Context, job *broker.Job) (json.RawMessage, error) {
	switch keyspace.JobName(job.Name) {
	case keyspace.JobToolExecution:
		return w.handleToolExecution(ctx, job)
	case keyspace.JobSkillExecution:
		return w.handleSkillExecution(ctx, job)
	default:
		return nil, &broker.PermanentError{Err: fmt.Errorf("worker: unsupported job name %q", job.Name)}
	}
}

// toolInput is the conventional shape of ToolExecutionPayload.Input: the
// arguments to pass on the command line, optional stdin, and an optional
// denylist (spec §4.10: "any _deniedCommands denylist enforced by
// post-pattern matching" — leading underscore matching the _workerFiles/
// _workerProcessId convention used in job results).
type toolInput struct {
	Args           []string `json:"args,omitempty"`
	Stdin          string   `json:"stdin,omitempty"`
	DeniedCommands []string `json:"_deniedCommands,omitempty"`
}

func (w *Worker) handleToolExecution(ctx context.Context, job *broker.Job) (json.RawMessage, error) {
	var payload broker.ToolExecutionPayload
	if err := json.Unmarshal(job.Data, &payload); err != nil {
		return nil, &broker.PermanentError{Err: fmt.Errorf("decode tool-execution payload: %w", err)}
	}
	var in toolInput
	if len(payload.Input) > 0 {
		if err := json.Unmarshal(payload.Input, &in); err != nil {
			return nil, &broker.PermanentError{Err: fmt.Errorf("decode tool input: %w", err)}
		}
	}

	timeout := time.Duration(payload.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = keyspace.DefaultExecTimeout
	}

	res, err := run(ctx, execOptions{
		Dir:            w.cfg.Workspace,
		Command:        payload.ToolName,
		Args:           in.Args,
		Stdin:          in.Stdin,
		Secrets:        payload.Secrets,
		Workspace:      w.cfg.Workspace,
		Timeout:        timeout,
		DeniedCommands: in.DeniedCommands,
		JobID:          job.ID,
		Cancel:         w.cancel,
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(res)
}

func (w *Worker) handleSkillExecution(ctx context.Context, job *broker.Job) (json.RawMessage, error) {
	var payload broker.SkillExecutionPayload
	if err := json.Unmarshal(job.Data, &payload); err != nil {
		return nil, &broker.PermanentError{Err: fmt.Errorf("decode skill-execution payload: %w", err)}
	}

	skillDir, err := w.skills.Ensure(ctx, payload.SkillID)
	if err != nil {
		return nil, fmt.Errorf("worker: fetch skill %q: %w", payload.SkillID, err)
	}
	manifest, err := loadManifest(skillDir)
	if err != nil {
		return nil, &broker.PermanentError{Err: err}
	}
	if err := w.install.EnsureInstalled(ctx, skillDir, manifest); err != nil {
		return nil, fmt.Errorf("worker: install skill %q: %w", payload.SkillID, err)
	}

	timeout := time.Duration(payload.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = keyspace.DefaultSkillTimeout
	}

	res, err := run(ctx, execOptions{
		Dir:       skillDir,
		Command:   manifest.EntryCommand,
		Args:      manifest.EntryArgs,
		Stdin:     payload.Input,
		Secrets:   payload.Secrets,
		Workspace: w.cfg.Workspace,
		Timeout:   timeout,
		JobID:     job.ID,
		Cancel:    w.cancel,
	})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("worker: skill %q exited %d: %s", payload.SkillID, res.ExitCode, res.Stderr)
	}
	return rewriteArtifacts(w.cfg.Workspace, res.Stdout, res.Pid)
}
