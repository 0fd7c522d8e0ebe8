// Package keyspace is the single source of truth for Redis key prefixes,
// TTLs, pub/sub channel names, and queue routing. It has no dependencies on
// any other ScalyClaw package, which breaks the cyclic module graph
// described by the runtime: every subsystem imports keyspace, nothing in
// keyspace imports a subsystem.
package keyspace

import (
	"fmt"
	"time"
)

// Queue is the name of a broker queue. One exists per process role.
type Queue string

// The six queues named by the job-routing table. This is the authoritative,
// richer six-queue form; no collapsed "internal" variant exists here.
const (
	QueueMessages  Queue = "messages"
	QueueAgents    Queue = "agents"
	QueueTools     Queue = "tools"
	QueueProactive Queue = "proactive"
	QueueScheduler Queue = "scheduler"
	QueueSystem    Queue = "system"
)

// JobName discriminates job payloads and determines queue routing.
type JobName string

// Job names understood by the broker.
const (
	JobMessageProcessing JobName = "message-processing"
	JobCommand           JobName = "command"
	JobAgentTask         JobName = "agent-task"
	JobToolExecution     JobName = "tool-execution"
	JobSkillExecution    JobName = "skill-execution"
	JobProactiveCheck    JobName = "proactive-check"
	JobReminder          JobName = "reminder"
	JobRecurrentReminder JobName = "recurrent-reminder"
	JobTask              JobName = "task"
	JobRecurrentTask     JobName = "recurrent-task"
	JobMemoryExtraction  JobName = "memory-extraction"
	JobScheduledFire     JobName = "scheduled-fire"
	JobProactiveFire     JobName = "proactive-fire"
	JobVaultKeyRotation  JobName = "vault-key-rotation"
)

// JobQueueMap routes a job name to its destination queue. ∀ job spec s, the
// queue chosen equals JobQueueMap[s.Name] (see spec §8, "Queue routing").
var JobQueueMap = map[JobName]Queue{
	JobMessageProcessing: QueueMessages,
	JobCommand:           QueueMessages,
	JobAgentTask:         QueueAgents,
	JobToolExecution:     QueueTools,
	JobSkillExecution:    QueueTools,
	JobProactiveCheck:    QueueProactive,
	JobReminder:          QueueScheduler,
	JobRecurrentReminder: QueueScheduler,
	JobTask:              QueueScheduler,
	JobRecurrentTask:     QueueScheduler,
	JobMemoryExtraction:  QueueSystem,
	JobScheduledFire:     QueueSystem,
	JobProactiveFire:     QueueSystem,
	JobVaultKeyRotation:  QueueSystem,
}

// QueueFor returns the destination queue for name and whether name is known.
func QueueFor(name JobName) (Queue, bool) {
	q, ok := JobQueueMap[name]
	return q, ok
}

// Pub/sub channel names.
const (
	ChanCancelSignal = "scalyclaw:cancel:signal"
	ChanConfigReload = "scalyclaw:config:reload"
	ChanSkillsReload = "scalyclaw:skills:reload"
	ChanMCPReload    = "scalyclaw:mcp:reload"
)

// ProgressChannel returns the progress pub/sub channel for a channel id.
// Subscribers pattern-subscribe to ProgressChannelPattern.
func ProgressChannel(channelID string) string {
	return "progress:" + channelID
}

// ProgressChannelPattern is the PSUBSCRIBE pattern matching every channel's
// progress stream.
const ProgressChannelPattern = "progress:*"

// Key builders for the flat Redis key-space (spec §6).
func ConfigKey() string                  { return "scalyclaw:config" }
func SecretKey(name string) string       { return "scalyclaw:secret:" + name }
func VaultRecoveryKeyKey() string        { return "scalyclaw:vault:recovery-key" }
func ChannelStateKey(id string) string   { return "scalyclaw:channel:state:" + id }
func RateLimitKey(scope string) string   { return "scalyclaw:ratelimit:" + scope }
func ResponseBufferKey(jobID string) string { return "scalyclaw:response:" + jobID }
func ActivityKey(channelID string) string   { return "scalyclaw:activity:" + channelID }
func ScheduledKey(id string) string      { return "scalyclaw:scheduled:" + id }
func CancelFlagKey() string              { return "scalyclaw:cancel" }
func CancelJobKey(jobID string) string   { return "scalyclaw:cancel:" + jobID }
func PIDKey(jobID string) string         { return "scalyclaw:pid:" + jobID }
func ChannelJobsKey(channelID string) string { return "scalyclaw:jobs:" + channelID }
func ProcessKey(id string) string        { return "process:" + id }
func ProactiveCooldownKey(channelID string) string { return "proactive:cooldown:" + channelID }
func ProactiveDailyKey(channelID string) string    { return "proactive:daily:" + channelID }

// UsageDailyKey / UsageMonthlyKey back the budget helper's token-cost
// aggregation (SPEC_FULL.md §4.7 addition). Not part of spec.md's literal
// key-space table since the budget helper is an ambient-stack addition, but
// namespaced under the same "scalyclaw:" prefix for consistency.
func UsageDailyKey(day string) string     { return "scalyclaw:usage:" + day }
func UsageMonthlyKey(month string) string { return "scalyclaw:usage:" + month }

// DelayedJobsKey is the sorted-set holding delayed/repeatable job envelopes
// awaiting their due time, drained by the broker's dispatcher goroutine.
func DelayedJobsKey() string { return "scalyclaw:delayed" }

// JobStateKey holds a side-record of a job's current lifecycle state (and,
// once finished, its result) for
// GetJobStatus / pruning, since Pulse streams alone don't retain per-job
// lifecycle state once consumed.
func JobStateKey(jobID string) string { return "scalyclaw:jobstate:" + jobID }

// JobsIndexKey is a set of all known job ids, used for pruning sweeps.
func JobsIndexKey() string { return "scalyclaw:jobs:index" }

// StreamName returns the Pulse stream name backing a queue.
func StreamName(q Queue) string { return "scalyclaw:stream:" + string(q) }

// TTLs and windows named throughout the spec.
const (
	ProcessTTL            = 60 * time.Second
	ProcessHeartbeatEvery = 20 * time.Second
	CancelFlagTTL         = 30 * time.Second
	VaultRecoveryKeyTTL   = 10 * time.Minute
	ResponseBufferTTL     = 5 * time.Minute
	ChatWaitTimeout       = 120 * time.Second
	KillGraceWindow       = 3 * time.Second
	DefaultExecTimeout    = 30 * time.Second
	DefaultSkillTimeout   = 30 * time.Second
	StdoutCaptureLimit    = 10 << 20 // 10 MiB
)

// SkillZipPath returns the node HTTP path serving a skill bundle.
func SkillZipPath(skillID string) string {
	return fmt.Sprintf("/api/skills/%s/zip", skillID)
}
