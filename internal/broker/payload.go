package broker

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/scalyclaw/scalyclaw/internal/keyspace"
)

// Design note (spec §9, "duck-typed job payloads"): each JobName has a
// distinct payload schema. Rather than accept any JSON shape, Enqueue
// validates Data against a registered zero-value type for spec.Name and
// rejects unknown tags and unknown fields.

// MessageProcessingPayload is carried by "message-processing" and "command" jobs.
type MessageProcessingPayload struct {
	ChannelID   string   `json:"channelId"`
	Text        string   `json:"text"`
	Attachments []string `json:"attachments,omitempty"`
	Command     string   `json:"command,omitempty"`
	Args        []string `json:"args,omitempty"`
}

// AgentTaskPayload is carried by "agent-task" jobs.
type AgentTaskPayload struct {
	ChannelID string `json:"channelId"`
	AgentID   string `json:"agentId"`
	Input     string `json:"input"`
}

// ToolExecutionPayload is carried by "tool-execution" jobs.
type ToolExecutionPayload struct {
	ChannelID string            `json:"channelId"`
	ParentJob string            `json:"parentJob"`
	ToolName  string            `json:"toolName"`
	Input     json.RawMessage   `json:"input"`
	Secrets   map[string]string `json:"secrets,omitempty"`
	TimeoutMs int               `json:"timeoutMs,omitempty"`
}

// SkillExecutionPayload is carried by "skill-execution" jobs.
type SkillExecutionPayload struct {
	ChannelID string            `json:"channelId"`
	ParentJob string            `json:"parentJob"`
	SkillID   string            `json:"skillId"`
	Input     string            `json:"input"`
	Secrets   map[string]string `json:"secrets,omitempty"`
	TimeoutMs int               `json:"timeoutMs,omitempty"`
}

// ProactiveCheckPayload is carried by "proactive-check" jobs.
type ProactiveCheckPayload struct {
	ChannelID string `json:"channelId"`
}

// ReminderPayload is carried by "reminder" and "recurrent-reminder" jobs.
type ReminderPayload struct {
	ChannelID      string `json:"channelId"`
	Description    string `json:"description"`
	ScheduledJobID string `json:"scheduledJobId"`
}

// TaskPayload is carried by "task" and "recurrent-task" jobs.
type TaskPayload struct {
	ChannelID      string `json:"channelId"`
	Task           string `json:"task"`
	ScheduledJobID string `json:"scheduledJobId"`
}

// MemoryExtractionPayload is carried by "memory-extraction" jobs.
type MemoryExtractionPayload struct {
	ChannelID      string `json:"channelId"`
	UserText       string `json:"userText"`
	AssistantText  string `json:"assistantText"`
}

// ScheduledFirePayload is carried by "scheduled-fire" jobs.
type ScheduledFirePayload struct {
	ChannelID      string `json:"channelId"`
	Kind           string `json:"kind"`
	Message        string `json:"message,omitempty"`
	Task           string `json:"task,omitempty"`
	ScheduledJobID string `json:"scheduledJobId"`
}

// ProactiveFirePayload is carried by "proactive-fire" jobs.
type ProactiveFirePayload struct {
	ChannelID string `json:"channelId"`
	Message   string `json:"message"`
}

// VaultKeyRotationPayload is carried by "vault-key-rotation" jobs. It has no
// fields; rotation parameters live in the vault's own configuration.
type VaultKeyRotationPayload struct{}

// payloadZero returns a pointer to a fresh zero value of the payload type
// registered for name, or nil if name is unknown.
func payloadZero(name keyspace.JobName) any {
	switch name {
	case keyspace.JobMessageProcessing, keyspace.JobCommand:
		return &MessageProcessingPayload{}
	case keyspace.JobAgentTask:
		return &AgentTaskPayload{}
	case keyspace.JobToolExecution:
		return &ToolExecutionPayload{}
	case keyspace.JobSkillExecution:
		return &SkillExecutionPayload{}
	case keyspace.JobProactiveCheck:
		return &ProactiveCheckPayload{}
	case keyspace.JobReminder, keyspace.JobRecurrentReminder:
		return &ReminderPayload{}
	case keyspace.JobTask, keyspace.JobRecurrentTask:
		return &TaskPayload{}
	case keyspace.JobMemoryExtraction:
		return &MemoryExtractionPayload{}
	case keyspace.JobScheduledFire:
		return &ScheduledFirePayload{}
	case keyspace.JobProactiveFire:
		return &ProactiveFirePayload{}
	case keyspace.JobVaultKeyRotation:
		return &VaultKeyRotationPayload{}
	default:
		return nil
	}
}

// ValidatePayload confirms data round-trips through the type registered for
// name, rejecting unknown job names and unknown/extra JSON fields.
func ValidatePayload(name string, data json.RawMessage) error {
	zero := payloadZero(keyspace.JobName(name))
	if zero == nil {
		return fmt.Errorf("broker: unknown job name %q", name)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(zero); err != nil {
		return fmt.Errorf("broker: payload for %q does not match schema: %w", name, err)
	}
	return nil
}
