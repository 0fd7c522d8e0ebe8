// Package scheduler implements the reminder/task scheduling API (spec
// §4.8): persist a ScheduledJob row, bind it to a broker entry on the
// scheduler queue (one-shot by delay, recurrent by upsertJobScheduler), and
// react to the broker firing that entry by enqueuing a scheduled-fire job on
// the system queue. Grounded on the broker package's own delayed/repeatable
// dispatch (internal/broker/delayed.go) for the upsert-by-id shape, and on
// the teacher's job-handler registration pattern (Consume one queue, switch
// on job name).
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron"

	"github.com/scalyclaw/scalyclaw/internal/broker"
	"github.com/scalyclaw/scalyclaw/internal/keyspace"
	"github.com/scalyclaw/scalyclaw/internal/telemetry"
)

// Kind discriminates what a ScheduledJob fires: a plain reminder message or
// a synthesized task turn fed into the orchestrator.
type Kind string

// Kinds of scheduled work.
const (
	KindReminder Kind = "reminder"
	KindTask     Kind = "task"
)

// Status is a ScheduledJob's lifecycle state.
type Status string

// ScheduledJob lifecycle states.
const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// ScheduledJob is the persisted record behind `scalyclaw:scheduled:{id}`.
type ScheduledJob struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channelId"`
	Kind      Kind      `json:"kind"`
	Message   string    `json:"message,omitempty"` // reminder text
	Task      string    `json:"task,omitempty"`    // task text
	Status    Status    `json:"status"`
	Recurrent bool      `json:"recurrent"`
	Cron      string    `json:"cron,omitempty"`
	Every     int64     `json:"every,omitempty"` // milliseconds
	TZ        string    `json:"tz,omitempty"`
	NextRunAt time.Time `json:"nextRunAt"`
	CreatedAt time.Time `json:"createdAt"`
}

// Scheduler owns the ScheduledJob rows and their broker bindings.
type Scheduler struct {
	redis  *redis.Client
	broker *broker.Broker
	log    telemetry.Logger
}

// New constructs a Scheduler.
func New(rdb *redis.Client, brk *broker.Broker, log telemetry.Logger) *Scheduler {
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	return &Scheduler{redis: rdb, broker: brk, log: log}
}

// CreateReminder schedules a one-shot reminder, delivered delayMs from now.
func (s *Scheduler) CreateReminder(ctx context.Context, channelID, message string, delayMs int64) (string, error) {
	return s.createOneShot(ctx, ScheduledJob{ChannelID: channelID, Kind: KindReminder, Message: message}, keyspace.JobReminder, delayMs)
}

// CreateRecurrentReminder schedules a repeating reminder per repeat.
func (s *Scheduler) CreateRecurrentReminder(ctx context.Context, channelID, message string, repeat broker.Repeat) (string, error) {
	return s.createRecurrent(ctx, ScheduledJob{ChannelID: channelID, Kind: KindReminder, Message: message}, keyspace.JobRecurrentReminder, repeat)
}

// CreateTask schedules a one-shot task turn, delivered delayMs from now.
func (s *Scheduler) CreateTask(ctx context.Context, channelID, task string, delayMs int64) (string, error) {
	return s.createOneShot(ctx, ScheduledJob{ChannelID: channelID, Kind: KindTask, Task: task}, keyspace.JobTask, delayMs)
}

// CreateRecurrentTask schedules a repeating task turn per repeat.
func (s *Scheduler) CreateRecurrentTask(ctx context.Context, channelID, task string, repeat broker.Repeat) (string, error) {
	return s.createRecurrent(ctx, ScheduledJob{ChannelID: channelID, Kind: KindTask, Task: task}, keyspace.JobRecurrentTask, repeat)
}

func (s *Scheduler) createOneShot(ctx context.Context, job ScheduledJob, name keyspace.JobName, delayMs int64) (string, error) {
	job.ID = uuid.NewString()
	job.Status = StatusActive
	job.CreatedAt = time.Now()
	job.NextRunAt = time.Now().Add(time.Duration(delayMs) * time.Millisecond)

	if err := s.save(ctx, job); err != nil {
		return "", err
	}
	data, err := s.firePayload(job)
	if err != nil {
		return "", err
	}
	if _, err := s.broker.Enqueue(ctx, broker.JobSpec{ID: job.ID, Name: string(name), Data: data, Delay: delayMs}); err != nil {
		return "", fmt.Errorf("scheduler: enqueue %s: %w", name, err)
	}
	return job.ID, nil
}

func (s *Scheduler) createRecurrent(ctx context.Context, job ScheduledJob, name keyspace.JobName, repeat broker.Repeat) (string, error) {
	if repeat.Cron == "" && repeat.Every <= 0 {
		return "", errors.New("scheduler: recurrent job requires cron or every")
	}
	job.ID = uuid.NewString()
	job.Status = StatusActive
	job.Recurrent = true
	job.Cron = repeat.Cron
	job.Every = repeat.Every
	job.TZ = repeat.TZ
	job.CreatedAt = time.Now()
	job.NextRunAt = estimateNextRun(repeat, job.CreatedAt)

	if err := s.save(ctx, job); err != nil {
		return "", err
	}
	data, err := s.firePayload(job)
	if err != nil {
		return "", err
	}
	if _, err := s.broker.Enqueue(ctx, broker.JobSpec{ID: job.ID, Name: string(name), Data: data, Repeat: &repeat}); err != nil {
		return "", fmt.Errorf("scheduler: enqueue recurrent %s: %w", name, err)
	}
	return job.ID, nil
}

// firePayload builds the broker payload carried by the reminder/task job
// itself; it is re-read by Handle when the broker fires the entry.
func (s *Scheduler) firePayload(job ScheduledJob) (json.RawMessage, error) {
	switch job.Kind {
	case KindReminder:
		return json.Marshal(broker.ReminderPayload{ChannelID: job.ChannelID, Description: job.Message, ScheduledJobID: job.ID})
	case KindTask:
		return json.Marshal(broker.TaskPayload{ChannelID: job.ChannelID, Task: job.Task, ScheduledJobID: job.ID})
	default:
		return nil, fmt.Errorf("scheduler: unknown kind %q", job.Kind)
	}
}

func (s *Scheduler) save(ctx context.Context, job ScheduledJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("scheduler: marshal scheduled job: %w", err)
	}
	if err := s.redis.Set(ctx, keyspace.ScheduledKey(job.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("scheduler: save scheduled job: %w", err)
	}
	return nil
}

// Get loads one ScheduledJob by id.
func (s *Scheduler) Get(ctx context.Context, id string) (*ScheduledJob, error) {
	data, err := s.redis.Get(ctx, keyspace.ScheduledKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("scheduler: scheduled job %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("scheduler: get scheduled job: %w", err)
	}
	var job ScheduledJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("scheduler: decode scheduled job: %w", err)
	}
	return &job, nil
}

// ListAll scans every `scalyclaw:scheduled:*` row.
func (s *Scheduler) ListAll(ctx context.Context) ([]ScheduledJob, error) {
	var (
		jobs   []ScheduledJob
		cursor uint64
	)
	for {
		keys, next, err := s.redis.Scan(ctx, cursor, "scalyclaw:scheduled:*", 200).Result()
		if err != nil {
			return nil, fmt.Errorf("scheduler: scan scheduled jobs: %w", err)
		}
		for _, key := range keys {
			data, err := s.redis.Get(ctx, key).Bytes()
			if err != nil {
				continue
			}
			var job ScheduledJob
			if err := json.Unmarshal(data, &job); err != nil {
				s.log.Warn(ctx, "scheduler: skipping corrupt scheduled job", "key", key, "err", err)
				continue
			}
			jobs = append(jobs, job)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return jobs, nil
}

// Cancel sets status=cancelled and removes the bound broker entry: direct
// removal for one-shot jobs, scheduler removal for repeatable ones. Distinct
// from aborting currently-running work on the system queue (spec §4.8).
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	job.Status = StatusCancelled
	if err := s.save(ctx, *job); err != nil {
		return err
	}
	return s.broker.Remove(ctx, id)
}

// Complete marks id completed without touching its broker entry. Handle
// marks fired one-shot jobs completed on its own; this is exposed as a
// manual API endpoint (spec §6: "POST /api/scheduler/{id}/complete").
func (s *Scheduler) Complete(ctx context.Context, id string) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	job.Status = StatusCompleted
	return s.save(ctx, *job)
}

// Purge deletes a non-active row outright. Active rows must be cancelled
// first.
func (s *Scheduler) Purge(ctx context.Context, id string) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status == StatusActive {
		return fmt.Errorf("scheduler: cannot purge active job %q", id)
	}
	return s.redis.Del(ctx, keyspace.ScheduledKey(id)).Err()
}

// Handle is the broker.Handler bound to the scheduler queue. It checks the
// ScheduledJob is still active, enqueues the downstream scheduled-fire job,
// and only then marks terminal state: one-shots complete, recurrents
// advance nextRunAt. The terminal marking happens AFTER the downstream
// enqueue so a failure to enqueue leaves the row retryable under the
// broker's own attempts (spec §4.8).
func (s *Scheduler) Handle(ctx context.Context, job *broker.Job) (json.RawMessage, error) {
	scheduledID, err := scheduledJobID(job)
	if err != nil {
		return nil, &broker.PermanentError{Err: err}
	}

	sched, err := s.Get(ctx, scheduledID)
	if err != nil {
		// Already purged or never existed; nothing left to fire.
		return json.RawMessage(`{"skipped":true}`), nil
	}
	if sched.Status != StatusActive {
		return json.RawMessage(`{"skipped":true}`), nil
	}

	payload, err := json.Marshal(broker.ScheduledFirePayload{
		ChannelID:      sched.ChannelID,
		Kind:           string(sched.Kind),
		Message:        sched.Message,
		Task:           sched.Task,
		ScheduledJobID: sched.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("scheduler: marshal scheduled-fire payload: %w", err)
	}
	if _, err := s.broker.Enqueue(ctx, broker.JobSpec{Name: string(keyspace.JobScheduledFire), Data: payload}); err != nil {
		return nil, fmt.Errorf("scheduler: enqueue scheduled-fire: %w", err)
	}

	if sched.Recurrent {
		sched.NextRunAt = estimateNextRun(broker.Repeat{Cron: sched.Cron, Every: sched.Every, TZ: sched.TZ}, time.Now())
		if err := s.save(ctx, *sched); err != nil {
			s.log.Warn(ctx, "scheduler: advance nextRunAt failed", "id", sched.ID, "err", err)
		}
	} else {
		sched.Status = StatusCompleted
		if err := s.save(ctx, *sched); err != nil {
			s.log.Warn(ctx, "scheduler: mark completed failed", "id", sched.ID, "err", err)
		}
	}
	return json.RawMessage(`{"fired":true}`), nil
}

// estimateNextRun mirrors the broker dispatcher's own next-run computation
// (internal/broker/delayed.go nextRun) so ListAll/Handle can display and
// advance NextRunAt without the broker exporting its private scheduling
// internals. An unknown timezone falls back to UTC and a bad cron
// expression falls back to "from"; the broker's own
// dispatcher is the source of truth for actually firing the job.
func estimateNextRun(r broker.Repeat, from time.Time) time.Time {
	if r.Cron != "" {
		loc := time.UTC
		if r.TZ != "" {
			if l, err := time.LoadLocation(r.TZ); err == nil {
				loc = l
			}
		}
		if sched, err := cron.ParseStandard(r.Cron); err == nil {
			return sched.Next(from.In(loc))
		}
		return from
	}
	if r.Every > 0 {
		return from.Add(time.Duration(r.Every) * time.Millisecond)
	}
	return from
}

func scheduledJobID(job *broker.Job) (string, error) {
	var envelope struct {
		ScheduledJobID string `json:"scheduledJobId"`
	}
	if err := json.Unmarshal(job.Data, &envelope); err != nil {
		return "", fmt.Errorf("decode scheduled job envelope: %w", err)
	}
	if envelope.ScheduledJobID == "" {
		return "", errors.New("job payload missing scheduledJobId")
	}
	return envelope.ScheduledJobID, nil
}
