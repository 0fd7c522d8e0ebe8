package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/scalyclaw/scalyclaw/internal/broker"
	"github.com/scalyclaw/scalyclaw/internal/keyspace"
	"github.com/scalyclaw/scalyclaw/internal/model"
)

// skillToolPrefix marks a model-requested tool name as a skill dispatched
// to the worker fleet's skill-execution path rather than its generic
// tool-execution path (e.g. "skill:demo-skill").
const skillToolPrefix = "skill:"

// dispatchTool executes one model-requested tool call, either directly in
// this process (registered in o.localTools) or by enqueuing a job on the
// tools queue and awaiting its terminal state (spec §4.7: "execute locally
// ... or enqueue a tool-execution/skill-execution job ... and await its
// result").
func (o *Orchestrator) dispatchTool(ctx context.Context, params RunParams, call model.ToolCall) (string, error) {
	if handler, ok := o.localTools[call.Name]; ok {
		return handler(ctx, params.ChannelID, call.Input)
	}
	return o.dispatchWorkerTool(ctx, params, call)
}

func (o *Orchestrator) dispatchWorkerTool(ctx context.Context, params RunParams, call model.ToolCall) (string, error) {
	var (
		name    string
		data    []byte
		err     error
	)
	if strings.HasPrefix(call.Name, skillToolPrefix) {
		name = string(keyspace.JobSkillExecution)
		data, err = json.Marshal(broker.SkillExecutionPayload{
			ChannelID: params.ChannelID,
			ParentJob: params.JobID,
			SkillID:   strings.TrimPrefix(call.Name, skillToolPrefix),
			Input:     string(call.Input),
		})
	} else {
		name = string(keyspace.JobToolExecution)
		data, err = json.Marshal(broker.ToolExecutionPayload{
			ChannelID: params.ChannelID,
			ParentJob: params.JobID,
			ToolName:  call.Name,
			Input:     call.Input,
		})
	}
	if err != nil {
		return "", fmt.Errorf("marshal tool payload: %w", err)
	}

	jobID, err := o.broker.Enqueue(ctx, broker.JobSpec{Name: name, Data: data})
	if err != nil {
		return "", fmt.Errorf("enqueue tool job: %w", err)
	}
	if err := o.broker.TrackChannelJob(ctx, params.ChannelID, jobID); err != nil {
		o.log.Warn(ctx, "orchestrator: track channel job failed", "jobId", jobID, "err", err)
	}
	defer func() {
		if err := o.broker.UntrackChannelJob(context.Background(), params.ChannelID, jobID); err != nil {
			o.log.Warn(ctx, "orchestrator: untrack channel job failed", "jobId", jobID, "err", err)
		}
	}()

	return o.awaitJob(ctx, params, jobID)
}

// decodeToolResult unwraps a job's JSON result into the plain string handed
// back to the model, falling back to the raw bytes if the worker didn't
// encode a bare JSON string.
func decodeToolResult(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// awaitJob polls a worker-dispatched job until it reaches a terminal state,
// the parent call is cancelled, or ctx is done.
func (o *Orchestrator) awaitJob(ctx context.Context, params RunParams, jobID string) (string, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		job, err := o.broker.GetJobStatus(ctx, jobID)
		if err != nil {
			return "", fmt.Errorf("poll tool job: %w", err)
		}
		switch job.State {
		case broker.StateCompleted:
			return decodeToolResult(job.Result), nil
		case broker.StateFailed:
			return "", fmt.Errorf("tool job failed: %s", job.Error)
		}

		if o.isAborted(ctx, params) {
			if err := o.cancel.RequestJobCancel(ctx, jobID); err != nil {
				o.log.Warn(ctx, "orchestrator: cancel tool job failed", "jobId", jobID, "err", err)
			}
			return "", fmt.Errorf("tool job cancelled")
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}
