package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/scalyclaw/scalyclaw/internal/broker"
	"github.com/scalyclaw/scalyclaw/internal/progressbus"
)

// builtinCommands are handled without invoking the orchestrator at all
// (spec §4.11: "Commands (/start, /help, /status, /stop, …) are enqueued
// as command jobs into the same pipeline with a higher priority" — the
// pipeline for these four is a canned reply or a cancel-bus call, not a
// model turn). Any other /command falls through to run() as a synthesized
// user turn.
const (
	cmdStart  = "/start"
	cmdHelp   = "/help"
	cmdStatus = "/status"
	cmdStop   = "/stop"
)

const helpText = `Available commands:
/start  - begin a new conversation
/help   - show this message
/status - report whether work is in progress for this channel
/stop   - cancel any in-flight work for this channel`

const startText = "Hi! I'm ScalyClaw. Send me a message or try /help for commands."

// handleBuiltinCommand handles the four fixed commands directly, returning
// handled=false for anything else so the caller falls through to the
// orchestrator pipeline.
func (p *Processor) handleBuiltinCommand(ctx context.Context, payload broker.MessageProcessingPayload, jobID string) (handled bool, result json.RawMessage) {
	switch strings.ToLower(payload.Command) {
	case cmdStart:
		p.publish(ctx, payload.ChannelID, progressbus.Event{JobID: jobID, Type: progressbus.EventComplete, Result: startText})
		return true, successJSON
	case cmdHelp:
		p.publish(ctx, payload.ChannelID, progressbus.Event{JobID: jobID, Type: progressbus.EventComplete, Result: helpText})
		return true, successJSON
	case cmdStatus:
		p.publish(ctx, payload.ChannelID, progressbus.Event{JobID: jobID, Type: progressbus.EventComplete, Result: p.statusText(ctx, payload.ChannelID, jobID)})
		return true, successJSON
	case cmdStop:
		if err := p.cancel.CancelAllForChannel(ctx, payload.ChannelID); err != nil {
			p.log.Warn(ctx, "processor: /stop cancel failed", "channelId", payload.ChannelID, "err", err)
		}
		p.publish(ctx, payload.ChannelID, progressbus.Event{JobID: jobID, Type: progressbus.EventComplete, Result: "Stopped."})
		return true, successJSON
	default:
		return false, nil
	}
}

func (p *Processor) statusText(ctx context.Context, channelID, jobID string) string {
	busy := 0
	if p.broker != nil {
		jobs, _ := p.broker.ListJobs(ctx)
		for _, j := range jobs {
			var d struct {
				ChannelID string `json:"channelId"`
			}
			if j.ID != jobID && (j.State == broker.StateWaiting || j.State == broker.StateActive || j.State == broker.StatePrioritized) &&
				json.Unmarshal(j.Data, &d) == nil && d.ChannelID == channelID {
				busy++
			}
		}
	}
	if busy > 0 {
		return fmt.Sprintf("Channel %s: %d job(s) in progress.", channelID, busy)
	}
	return fmt.Sprintf("Channel %s: idle.", channelID)
}
