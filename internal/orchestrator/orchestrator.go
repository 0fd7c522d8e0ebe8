// Package orchestrator implements the guarded, iterative LLM loop (spec
// §4.7): assemble a system prompt, call the chat model, dispatch tool calls
// either locally or to the worker fleet, accumulate conversation history,
// and emit progress events until the model ends its turn or the job is
// cancelled. Grounded on the teacher's plan/await/resume shape in
// runtime/agent/runtime/runtime.go, generalized from Temporal-workflow
// activity dispatch to direct broker enqueue-and-await (spec §9 design
// note: "do not model as a state machine with implicit resumption").
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/scalyclaw/scalyclaw/internal/broker"
	"github.com/scalyclaw/scalyclaw/internal/budget"
	"github.com/scalyclaw/scalyclaw/internal/cancelbus"
	"github.com/scalyclaw/scalyclaw/internal/guards"
	"github.com/scalyclaw/scalyclaw/internal/keyspace"
	"github.com/scalyclaw/scalyclaw/internal/model"
	"github.com/scalyclaw/scalyclaw/internal/progressbus"
	"github.com/scalyclaw/scalyclaw/internal/telemetry"
)

// ToolHandler executes a tool call entirely within the calling process
// (spec §9 design note: "dynamic tool registry", mapping name → handler).
type ToolHandler func(ctx context.Context, channelID string, input json.RawMessage) (string, error)

// MessageStore persists conversation rows. It is a named external
// collaborator (spec §1: "the SQLite message/memory store" is out of
// scope) — the orchestrator only depends on this narrow interface.
type MessageStore interface {
	SaveMessage(ctx context.Context, channelID string, role model.Role, content string) error
}

// fallbackResponse replaces any outbound text the echo guard rejects (spec
// §4.6: "failed outbound responses are replaced with a safe fallback
// string").
const fallbackResponse = "I can't share that response. Let me know if there's something else I can help with."

// genericBudgetExceeded is emitted when a hard token limit blocks a call.
const genericBudgetExceeded = "Daily or monthly token budget has been reached; please try again later."

// maxIterations bounds the loop even if the model never stops calling
// tools, preventing an unbounded job.
const maxIterations = 25

// pollInterval is how often the orchestrator polls a worker-dispatched
// tool/skill job for completion.
const pollInterval = 250 * time.Millisecond

// Options configures New.
type Options struct {
	Model      model.Client
	Broker     *broker.Broker
	Progress   *progressbus.Bus
	Cancel     *cancelbus.Bus
	Budget     *budget.Budget
	Guards     *guards.Pipeline
	Store      MessageStore
	Prompt     PromptSource
	Tools      []model.ToolSpec
	LocalTools map[string]ToolHandler
	ModelClass model.ModelClass
	MaxTokens  int
	Logger     telemetry.Logger
}

// Orchestrator runs the per-channel chat loop described by spec §4.7. One
// instance is shared by every message-processing job handled by a node
// process.
type Orchestrator struct {
	model      model.Client
	broker     *broker.Broker
	progress   *progressbus.Bus
	cancel     *cancelbus.Bus
	budget     *budget.Budget
	guards     *guards.Pipeline
	store      MessageStore
	prompt     *promptCache
	tools      []model.ToolSpec
	localTools map[string]ToolHandler
	modelClass model.ModelClass
	maxTokens  int
	log        telemetry.Logger
}

// New constructs an Orchestrator. Model, Broker, Progress, Cancel, Budget,
// Guards, Store, and Prompt are required.
func New(opts Options) (*Orchestrator, error) {
	if opts.Model == nil {
		return nil, fmt.Errorf("orchestrator: model client is required")
	}
	if opts.Broker == nil {
		return nil, fmt.Errorf("orchestrator: broker is required")
	}
	if opts.Progress == nil {
		return nil, fmt.Errorf("orchestrator: progress bus is required")
	}
	if opts.Cancel == nil {
		return nil, fmt.Errorf("orchestrator: cancel bus is required")
	}
	if opts.Budget == nil {
		return nil, fmt.Errorf("orchestrator: budget is required")
	}
	if opts.Guards == nil {
		return nil, fmt.Errorf("orchestrator: guards pipeline is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("orchestrator: message store is required")
	}
	if opts.Prompt == nil {
		return nil, fmt.Errorf("orchestrator: prompt source is required")
	}
	log := opts.Logger
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	local := opts.LocalTools
	if local == nil {
		local = map[string]ToolHandler{}
	}
	return &Orchestrator{
		model:      opts.Model,
		broker:     opts.Broker,
		progress:   opts.Progress,
		cancel:     opts.Cancel,
		budget:     opts.Budget,
		guards:     opts.Guards,
		store:      opts.Store,
		prompt:     newPromptCache(opts.Prompt),
		tools:      opts.Tools,
		localTools: local,
		modelClass: opts.ModelClass,
		maxTokens:  maxTokens,
		log:        log,
	}, nil
}

// RunParams are the per-call inputs named by spec §4.7:
// "{channelId, text, sendToChannel, abortToken, shouldStop}".
type RunParams struct {
	ChannelID string
	JobID     string
	Text      string
	// ShouldStop is polled at every loop boundary in addition to ctx and
	// the cancel bus's flag (spec §9: "explicit cancellation checks at
	// every boundary").
	ShouldStop func() bool
}

// Run executes the iterative chat loop until the model ends its turn, a
// hard budget limit blocks it, or the job is cancelled. Returns the final
// assistant text on success.
func (o *Orchestrator) Run(ctx context.Context, params RunParams) (string, error) {
	if err := o.store.SaveMessage(ctx, params.ChannelID, model.RoleUser, params.Text); err != nil {
		o.log.Warn(ctx, "orchestrator: save user message failed", "channelId", params.ChannelID, "err", err)
	}

	history := []model.Message{{Role: model.RoleUser, Content: params.Text}}

	for iteration := 0; iteration < maxIterations; iteration++ {
		if o.isAborted(ctx, params) {
			o.abortOutstanding(ctx, params.ChannelID)
			return "", nil
		}

		status, err := o.budget.CheckBefore(ctx)
		if err != nil {
			o.log.Warn(ctx, "orchestrator: budget check failed", "err", err)
		} else if !status.Allowed {
			o.publish(ctx, params, progressbus.Event{JobID: params.JobID, Type: progressbus.EventError, Error: genericBudgetExceeded})
			return "", fmt.Errorf("orchestrator: token budget exceeded")
		} else if status.SoftWarning {
			o.publish(ctx, params, progressbus.Event{JobID: params.JobID, Type: progressbus.EventProgress, Message: "token budget running low"})
		}

		sysPrompt, err := o.prompt.Get(ctx)
		if err != nil {
			return "", fmt.Errorf("orchestrator: build system prompt: %w", err)
		}

		resp, err := o.model.Complete(ctx, &model.Request{
			System:     sysPrompt,
			Messages:   history,
			Tools:      o.tools,
			ModelClass: o.modelClass,
			MaxTokens:  o.maxTokens,
		})
		if err != nil {
			return "", fmt.Errorf("orchestrator: provider call: %w", err)
		}
		if err := o.budget.RecordUsage(ctx, resp.Usage.InputTokens+resp.Usage.OutputTokens); err != nil {
			o.log.Warn(ctx, "orchestrator: record usage failed", "err", err)
		}

		switch resp.StopReason {
		case model.StopToolUse:
			history = append(history, model.Message{Role: model.RoleAssistant, Content: resp.Text, ToolCalls: resp.ToolCalls})
			if strings.TrimSpace(resp.Text) != "" {
				o.publish(ctx, params, progressbus.Event{JobID: params.JobID, Type: progressbus.EventProgress, Message: resp.Text})
			}
			for _, call := range resp.ToolCalls {
				result, err := o.dispatchTool(ctx, params, call)
				if err != nil {
					result = fmt.Sprintf("tool %q failed: %v", call.Name, err)
				}
				history = append(history, model.Message{Role: model.RoleTool, Content: result, ToolCallID: call.ID})
			}
			continue

		case model.StopCancelled:
			o.abortOutstanding(ctx, params.ChannelID)
			return "", nil

		case model.StopEndTurn, model.StopMaxTokens:
			return o.finish(ctx, params, resp.Text)

		default:
			return o.finish(ctx, params, resp.Text)
		}
	}

	o.publish(ctx, params, progressbus.Event{JobID: params.JobID, Type: progressbus.EventError, Error: "too many iterations without a final response"})
	return "", fmt.Errorf("orchestrator: exceeded %d iterations", maxIterations)
}

// finish runs the echo guard over the model's final text, persists and
// publishes the result, and enqueues asynchronous memory extraction.
func (o *Orchestrator) finish(ctx context.Context, params RunParams, text string) (string, error) {
	final := text
	if echo := o.guards.CheckEcho(text); !echo.Passed {
		o.log.Warn(ctx, "orchestrator: echo guard blocked outbound response", "channelId", params.ChannelID, "reason", echo.Reason)
		final = fallbackResponse
	}

	if err := o.store.SaveMessage(ctx, params.ChannelID, model.RoleAssistant, final); err != nil {
		o.log.Warn(ctx, "orchestrator: save assistant message failed", "channelId", params.ChannelID, "err", err)
	}

	if err := o.enqueueMemoryExtraction(ctx, params.ChannelID, params.Text, final); err != nil {
		o.log.Warn(ctx, "orchestrator: enqueue memory extraction failed", "channelId", params.ChannelID, "err", err)
	}

	o.publish(ctx, params, progressbus.Event{JobID: params.JobID, Type: progressbus.EventComplete, Result: final})
	return final, nil
}

func (o *Orchestrator) enqueueMemoryExtraction(ctx context.Context, channelID, userText, assistantText string) error {
	payload, err := json.Marshal(broker.MemoryExtractionPayload{
		ChannelID:     channelID,
		UserText:      userText,
		AssistantText: assistantText,
	})
	if err != nil {
		return fmt.Errorf("marshal memory extraction payload: %w", err)
	}
	_, err = o.broker.Enqueue(ctx, broker.JobSpec{Name: string(keyspace.JobMemoryExtraction), Data: payload})
	return err
}

func (o *Orchestrator) publish(ctx context.Context, params RunParams, event progressbus.Event) {
	if err := o.progress.Publish(ctx, params.ChannelID, event); err != nil {
		o.log.Warn(ctx, "orchestrator: publish progress event failed", "channelId", params.ChannelID, "err", err)
	}
}

func (o *Orchestrator) isAborted(ctx context.Context, params RunParams) bool {
	if ctx.Err() != nil {
		return true
	}
	if params.ShouldStop != nil && params.ShouldStop() {
		return true
	}
	if params.JobID != "" && o.cancel.IsCancelled(ctx, params.JobID) {
		return true
	}
	return false
}

// abortOutstanding cancels every worker-dispatched job still tracked under
// this channel (spec §4.7: "Abort during a tool job → tool job is
// cancelled via cancel bus; loop exits without emitting a final result").
func (o *Orchestrator) abortOutstanding(ctx context.Context, channelID string) {
	if err := o.cancel.CancelAllForChannel(context.Background(), channelID); err != nil {
		o.log.Warn(ctx, "orchestrator: cancel outstanding jobs failed", "channelId", channelID, "err", err)
	}
}
