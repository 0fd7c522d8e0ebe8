// Package systemqueue implements the handler bound to the broker's system
// queue (spec §4.8/§6): the downstream half of a scheduler fire
// (scheduled-fire), asynchronous memory extraction, proactive nudges, and
// vault key rotation. These four job names share one queue and therefore
// one consumer group; routing within the queue mirrors the worker
// package's own switch-on-job-name handler (internal/worker/worker.go)
// generalized from "one queue, two names" to "one queue, four names".
package systemqueue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/scalyclaw/scalyclaw/internal/broker"
	"github.com/scalyclaw/scalyclaw/internal/keyspace"
	"github.com/scalyclaw/scalyclaw/internal/orchestrator"
	"github.com/scalyclaw/scalyclaw/internal/progressbus"
	"github.com/scalyclaw/scalyclaw/internal/telemetry"
	"github.com/scalyclaw/scalyclaw/internal/vault"
)

// MemoryExtractor persists facts asynchronously extracted from a completed
// turn. The actual extraction/embedding pipeline is a named out-of-scope
// collaborator (spec §1: "embedding generation"); implementations may do
// nothing more than record that extraction was requested.
type MemoryExtractor interface {
	Extract(ctx context.Context, channelID, userText, assistantText string) error
}

// Handler processes every job on keyspace.QueueSystem.
type Handler struct {
	progress     *progressbus.Bus
	orchestrator *orchestrator.Orchestrator
	memory       MemoryExtractor
	vault        *vault.Vault
	log          telemetry.Logger
}

// Options configures New. Progress is required; Orchestrator, Memory, and
// Vault may be nil (a worker-less deployment with no scheduled tasks, no
// memory pipeline, or no vault simply no-ops the corresponding job kind).
type Options struct {
	Progress     *progressbus.Bus
	Orchestrator *orchestrator.Orchestrator
	Memory       MemoryExtractor
	Vault        *vault.Vault
	Logger       telemetry.Logger
}

// New constructs a Handler.
func New(opts Options) (*Handler, error) {
	if opts.Progress == nil {
		return nil, fmt.Errorf("systemqueue: progress bus is required")
	}
	log := opts.Logger
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	return &Handler{
		progress:     opts.Progress,
		orchestrator: opts.Orchestrator,
		memory:       opts.Memory,
		vault:        opts.Vault,
		log:          log,
	}, nil
}

// Handle is the broker.Handler bound to the system queue.
func (h *Handler) Handle(ctx context.Context, job *broker.Job) (json.RawMessage, error) {
	switch keyspace.JobName(job.Name) {
	case keyspace.JobScheduledFire:
		return h.handleScheduledFire(ctx, job)
	case keyspace.JobMemoryExtraction:
		return h.handleMemoryExtraction(ctx, job)
	case keyspace.JobProactiveFire:
		return h.handleProactiveFire(ctx, job)
	case keyspace.JobVaultKeyRotation:
		return h.handleVaultKeyRotation(ctx, job)
	default:
		return nil, &broker.PermanentError{Err: fmt.Errorf("systemqueue: unsupported job name %q", job.Name)}
	}
}

// handleScheduledFire delivers a fired ScheduledJob: reminders are
// published directly as a completed progress event; tasks are synthesized
// as a user turn fed into the orchestrator, which itself publishes the
// terminal event (spec §4.8: "for tasks, feed task as a synthesized user
// turn into the orchestrator and deliver only the final result").
func (h *Handler) handleScheduledFire(ctx context.Context, job *broker.Job) (json.RawMessage, error) {
	var payload broker.ScheduledFirePayload
	if err := json.Unmarshal(job.Data, &payload); err != nil {
		return nil, &broker.PermanentError{Err: fmt.Errorf("decode scheduled-fire payload: %w", err)}
	}

	switch payload.Kind {
	case "reminder":
		if err := h.progress.Publish(ctx, payload.ChannelID, progressbus.Event{
			JobID:  job.ID,
			Type:   progressbus.EventComplete,
			Result: payload.Message,
		}); err != nil {
			return nil, fmt.Errorf("systemqueue: publish reminder: %w", err)
		}
		return json.RawMessage(`{"delivered":"reminder"}`), nil

	case "task":
		if h.orchestrator == nil {
			return nil, fmt.Errorf("systemqueue: scheduled task fired with no orchestrator configured")
		}
		shouldStop := func() bool { return false }
		if _, err := h.orchestrator.Run(ctx, orchestrator.RunParams{
			ChannelID:  payload.ChannelID,
			JobID:      job.ID,
			Text:       payload.Task,
			ShouldStop: shouldStop,
		}); err != nil {
			return nil, fmt.Errorf("systemqueue: run scheduled task: %w", err)
		}
		return json.RawMessage(`{"delivered":"task"}`), nil

	default:
		return nil, &broker.PermanentError{Err: fmt.Errorf("systemqueue: unknown scheduled-fire kind %q", payload.Kind)}
	}
}

func (h *Handler) handleMemoryExtraction(ctx context.Context, job *broker.Job) (json.RawMessage, error) {
	var payload broker.MemoryExtractionPayload
	if err := json.Unmarshal(job.Data, &payload); err != nil {
		return nil, &broker.PermanentError{Err: fmt.Errorf("decode memory-extraction payload: %w", err)}
	}
	if h.memory == nil {
		return json.RawMessage(`{"skipped":true}`), nil
	}
	if err := h.memory.Extract(ctx, payload.ChannelID, payload.UserText, payload.AssistantText); err != nil {
		return nil, fmt.Errorf("systemqueue: extract memory: %w", err)
	}
	return json.RawMessage(`{"extracted":true}`), nil
}

func (h *Handler) handleProactiveFire(ctx context.Context, job *broker.Job) (json.RawMessage, error) {
	var payload broker.ProactiveFirePayload
	if err := json.Unmarshal(job.Data, &payload); err != nil {
		return nil, &broker.PermanentError{Err: fmt.Errorf("decode proactive-fire payload: %w", err)}
	}
	if err := h.progress.Publish(ctx, payload.ChannelID, progressbus.Event{
		JobID:  job.ID,
		Type:   progressbus.EventComplete,
		Result: payload.Message,
	}); err != nil {
		return nil, fmt.Errorf("systemqueue: publish proactive message: %w", err)
	}
	return json.RawMessage(`{"delivered":"proactive"}`), nil
}

// handleVaultKeyRotation runs the vault's key rotation algorithm (spec
// §4.4). Nil vault (should not occur on a node process, which always
// constructs one) is a permanent error rather than a silent skip, since a
// rotation job with nowhere to run is a configuration mistake.
func (h *Handler) handleVaultKeyRotation(ctx context.Context, job *broker.Job) (json.RawMessage, error) {
	if h.vault == nil {
		return nil, &broker.PermanentError{Err: fmt.Errorf("systemqueue: vault-key-rotation fired with no vault configured")}
	}
	if err := h.vault.Rotate(ctx); err != nil {
		return nil, fmt.Errorf("systemqueue: rotate vault key: %w", err)
	}
	return json.RawMessage(`{"rotated":true}`), nil
}
