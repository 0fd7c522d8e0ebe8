package broker

import (
	"encoding/json"
	"time"
)

// State is a job's position in its lifecycle (spec §3, Job invariants).
type State string

// Job lifecycle states.
const (
	StateWaiting     State = "waiting"
	StateActive      State = "active"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateDelayed     State = "delayed"
	StatePrioritized State = "prioritized"
)

// BackoffType selects how retry delay grows between attempts.
type BackoffType string

// Backoff strategies.
const (
	BackoffExponential BackoffType = "exp"
	BackoffFixed        BackoffType = "fixed"
)

type (
	// Backoff configures retry delay growth after a handler error.
	Backoff struct {
		Type    BackoffType `json:"type"`
		DelayMs int64       `json:"delayMs"`
	}

	// Repeat configures a recurring job. Exactly one of Cron or Every should
	// be set; TZ applies to Cron evaluation.
	Repeat struct {
		Cron  string `json:"cron,omitempty"`
		Every int64  `json:"every,omitempty"` // milliseconds
		TZ    string `json:"tz,omitempty"`
	}

	// JobSpec describes a unit of work to submit to the broker. The
	// destination queue is derived deterministically from Name
	// (keyspace.JobQueueMap); callers never set it directly.
	JobSpec struct {
		// ID is required for repeatable specs (upserted by id) and optional
		// for one-shot specs (broker-assigned when empty).
		ID       string          `json:"id,omitempty"`
		Name     string          `json:"name"`
		Data     json.RawMessage `json:"data"`
		Priority int             `json:"priority,omitempty"`
		Attempts int             `json:"attempts,omitempty"`
		Backoff  *Backoff        `json:"backoff,omitempty"`
		Delay    int64           `json:"delay,omitempty"` // milliseconds until first run
		Repeat   *Repeat         `json:"repeat,omitempty"`
	}

	// Job is the broker's persisted record of a JobSpec plus lifecycle state.
	Job struct {
		ID          string          `json:"id"`
		Name        string          `json:"name"`
		Queue       string          `json:"queue"`
		Data        json.RawMessage `json:"data"`
		Priority    int             `json:"priority"`
		Attempts    int             `json:"attempts"`
		AttemptsMade int            `json:"attemptsMade"`
		Backoff     *Backoff        `json:"backoff,omitempty"`
		Repeat      *Repeat         `json:"repeat,omitempty"`
		State       State           `json:"state"`
		CreatedAt   time.Time       `json:"createdAt"`
		Result      json.RawMessage `json:"result,omitempty"`
		Error       string          `json:"error,omitempty"`
	}
)

// defaultAttempts is used when a JobSpec omits Attempts.
const defaultAttempts = 3

// defaultBackoff is used when a JobSpec omits Backoff.
var defaultBackoff = Backoff{Type: BackoffExponential, DelayMs: 1000}

// NextDelay computes the retry delay before attempt number `attempt`
// (1-indexed: the delay before the 2nd try is NextDelay(1)).
func (b Backoff) NextDelay(attempt int) time.Duration {
	base := time.Duration(b.DelayMs) * time.Millisecond
	if base <= 0 {
		base = time.Second
	}
	if b.Type == BackoffFixed {
		return base
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}
