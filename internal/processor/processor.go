// Package processor implements the message/command job pipeline (spec
// §4.11): gate inbound text through the guards pipeline, persist blocked
// messages, drive the orchestrator with a cancel-aware shouldStop poll, and
// publish the terminal progress event. Grounded on spec.md §4.11 verbatim;
// the abort-token register/unregister half mirrors the shape
// internal/cancelbus.Bus already uses for its own process-local registry.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/scalyclaw/scalyclaw/internal/broker"
	"github.com/scalyclaw/scalyclaw/internal/cancelbus"
	"github.com/scalyclaw/scalyclaw/internal/guards"
	"github.com/scalyclaw/scalyclaw/internal/keyspace"
	"github.com/scalyclaw/scalyclaw/internal/orchestrator"
	"github.com/scalyclaw/scalyclaw/internal/progressbus"
	"github.com/scalyclaw/scalyclaw/internal/telemetry"
)

// Store extends orchestrator.MessageStore with the blocked-message record
// spec §4.6 requires ("Failed inbound messages are stored with
// {blocked: true, reason}").
type Store interface {
	orchestrator.MessageStore
	SaveBlocked(ctx context.Context, channelID, text, reason string) error
}

// blockedRejection is what the caller sees in place of a blocked message's
// reason (spec §4.6: "the user sees a generic rejection").
const blockedRejection = "I can't help with that request."

// typingInterval paces the typing-indicator loop while the orchestrator is
// working on a reply.
const typingInterval = 4 * time.Second

// Processor handles message-processing and command jobs pulled off the
// messages queue.
type Processor struct {
	broker       *broker.Broker
	progress     *progressbus.Bus
	cancel       *cancelbus.Bus
	guards       *guards.Pipeline
	orchestrator *orchestrator.Orchestrator
	store        Store
	log          telemetry.Logger
}

// Options configures New.
type Options struct {
	Broker       *broker.Broker
	Progress     *progressbus.Bus
	Cancel       *cancelbus.Bus
	Guards       *guards.Pipeline
	Orchestrator *orchestrator.Orchestrator
	Store        Store
	Logger       telemetry.Logger
}

// New constructs a Processor. Every field of Options is required except
// Logger.
func New(opts Options) (*Processor, error) {
	switch {
	case opts.Broker == nil:
		return nil, fmt.Errorf("processor: broker is required")
	case opts.Progress == nil:
		return nil, fmt.Errorf("processor: progress bus is required")
	case opts.Cancel == nil:
		return nil, fmt.Errorf("processor: cancel bus is required")
	case opts.Guards == nil:
		return nil, fmt.Errorf("processor: guards pipeline is required")
	case opts.Orchestrator == nil:
		return nil, fmt.Errorf("processor: orchestrator is required")
	case opts.Store == nil:
		return nil, fmt.Errorf("processor: store is required")
	}
	log := opts.Logger
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	return &Processor{
		broker:       opts.Broker,
		progress:     opts.Progress,
		cancel:       opts.Cancel,
		guards:       opts.Guards,
		orchestrator: opts.Orchestrator,
		store:        opts.Store,
		log:          log,
	}, nil
}

// Handle is the broker.Handler bound to the messages queue, dispatching on
// job.Name to either the chat pipeline (message-processing) or the command
// pipeline (command). Both follow the same eight-step flow (spec §4.11).
func (p *Processor) Handle(ctx context.Context, job *broker.Job) (json.RawMessage, error) {
	var payload broker.MessageProcessingPayload
	if err := unmarshalPayload(job, &payload); err != nil {
		return nil, &broker.PermanentError{Err: err}
	}

	text := buildText(payload)
	if keyspace.JobName(job.Name) == keyspace.JobCommand {
		if handled, result := p.handleBuiltinCommand(ctx, payload, job.ID); handled {
			return result, nil
		}
	}

	return p.run(ctx, job.ID, payload.ChannelID, text)
}

// run executes steps 2-8 of the pipeline for a fully-assembled text turn.
func (p *Processor) run(ctx context.Context, jobID, channelID, text string) (json.RawMessage, error) {
	// Step 2: inbound guard.
	result, err := p.guards.CheckInbound(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("processor: inbound guard: %w", err)
	}
	if !result.Passed {
		p.guards.RememberBlocked(text)
		if err := p.store.SaveBlocked(ctx, channelID, text, result.Reason); err != nil {
			p.log.Warn(ctx, "processor: persist blocked message failed", "channelId", channelID, "err", err)
		}
		p.publish(ctx, channelID, progressbus.Event{JobID: jobID, Type: progressbus.EventComplete, Result: blockedRejection})
		return successJSON, nil
	}

	// Step 3: cancel flag check, consumed before any work starts.
	if p.cancel.ConsumeCancelFlag(ctx, jobID) {
		return successJSON, nil
	}

	// Step 5: register abort token, start typing indicator.
	runCtx, abort := context.WithCancel(ctx)
	p.cancel.Register(jobID, abort)
	defer p.cancel.Unregister(jobID)

	stopTyping := p.startTyping(runCtx, channelID)
	defer stopTyping()

	// Step 6: orchestrator drives persistence (step 4), the echo guard and
	// completion publish (step 7) internally.
	shouldStop := func() bool { return p.cancel.ConsumeCancelFlag(ctx, jobID) }
	_, runErr := p.orchestrator.Run(runCtx, orchestrator.RunParams{
		ChannelID:  channelID,
		JobID:      jobID,
		Text:       text,
		ShouldStop: shouldStop,
	})
	if runErr != nil {
		p.publish(ctx, channelID, progressbus.Event{JobID: jobID, Type: progressbus.EventError, Error: "something went wrong processing your message"})
		return nil, runErr
	}
	return successJSON, nil
}

func (p *Processor) startTyping(ctx context.Context, channelID string) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(typingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.publish(ctx, channelID, progressbus.Event{Type: progressbus.EventTyping})
			}
		}
	}()
	return func() { close(done) }
}

func (p *Processor) publish(ctx context.Context, channelID string, event progressbus.Event) {
	if err := p.progress.Publish(ctx, channelID, event); err != nil {
		p.log.Warn(ctx, "processor: publish progress event failed", "channelId", channelID, "err", err)
	}
}

// buildText concatenates the message text with a one-line-per-attachment
// summary (spec §4.11 step 1).
func buildText(payload broker.MessageProcessingPayload) string {
	if len(payload.Attachments) == 0 {
		return payload.Text
	}
	var b strings.Builder
	b.WriteString(payload.Text)
	for _, a := range payload.Attachments {
		b.WriteString("\n- attachment: ")
		b.WriteString(a)
	}
	return b.String()
}

func unmarshalPayload(job *broker.Job, out *broker.MessageProcessingPayload) error {
	if err := broker.ValidatePayload(job.Name, job.Data); err != nil {
		return err
	}
	if err := json.Unmarshal(job.Data, out); err != nil {
		return fmt.Errorf("processor: decode message-processing payload: %w", err)
	}
	return nil
}

// successJSON is the result recorded for a job this pipeline handled
// without error, whether or not it produced a chat reply (e.g. a blocked
// or cancelled turn).
var successJSON = json.RawMessage(`{"handled":true}`)
