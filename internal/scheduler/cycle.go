package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"schedflow/internal/clock"
	"schedflow/internal/domain"
	"schedflow/internal/queue"
	"schedflow/internal/recurrence"
	"schedflow/internal/task"
)

const (
	// CheckTaskType is the queue type of the schedule check itself.
	CheckTaskType = "schedule_check"
	// CheckQueueName is the lane schedule checks run on, apart from user work.
	CheckQueueName = "scheduler"
)

type ScheduleStore interface {
	DueSchedules(ctx context.Context, until time.Time) ([]domain.Schedule, error)
	UpdateSchedule(ctx context.Context, sch domain.Schedule) error
	DeleteSchedule(ctx context.Context, id string) error
}

type TaskQueue interface {
	Enqueue(ctx context.Context, queueName string, t task.Envelope, taskContext string, priority int) (domain.QueueItem, error)
}

type StatusProvider interface {
	LatestStatus(ctx context.Context, taskType, taskContext string) (domain.Status, bool, error)
}

// Settings are the configuration values the scheduler reads on every use.
type Settings interface {
	DefaultQueueName() string
	Context() string
	CheckThreshold() time.Duration
	TickMinInterval() time.Duration
}

// Result counts what one cycle did with the due schedules.
type Result struct {
	Enqueued int
	Skipped  int
	Failed   int
}

// Cycle turns due schedules into queue items.
type Cycle struct {
	schedules ScheduleStore
	queue     TaskQueue
	status    StatusProvider
	registry  *task.Registry
	settings  Settings
	clock     clock.Clock
}

func NewCycle(schedules ScheduleStore, q TaskQueue, status StatusProvider, registry *task.Registry, settings Settings, clk clock.Clock) *Cycle {
	if clk == nil {
		clk = clock.System{}
	}
	return &Cycle{schedules: schedules, queue: q, status: status, registry: registry, settings: settings, clock: clk}
}

// Register makes the cycle runnable from the queue as a CheckTask.
func (c *Cycle) Register(reg *task.Registry) {
	reg.Register(CheckTaskType, func() task.Task { return &CheckTask{cycle: c} })
}

// Run processes every schedule due at the current time. A failure on one
// schedule is logged and does not stop the others; only a failed lookup of
// the due set is returned.
func (c *Cycle) Run(ctx context.Context) (Result, error) {
	now := c.clock.Now()
	due, err := c.schedules.DueSchedules(ctx, now)
	if err != nil {
		return Result{}, fmt.Errorf("due schedules: %w", err)
	}
	var res Result
	for _, sch := range due {
		enqueued, err := c.fire(ctx, sch, now)
		switch {
		case err != nil:
			res.Failed++
			log.Error().Err(err).
				Str("schedule_id", sch.ID).
				Str("task_type", sch.Task.Type).
				Msg("schedule check failed")
		case enqueued:
			res.Enqueued++
		default:
			res.Skipped++
		}
	}
	if len(due) > 0 {
		log.Info().Int("due", len(due)).Int("enqueued", res.Enqueued).Int("skipped", res.Skipped).Int("failed", res.Failed).Msg("schedule check done")
	}
	return res, nil
}

func (c *Cycle) fire(ctx context.Context, sch domain.Schedule, now time.Time) (bool, error) {
	if sch.Task.Empty() {
		return false, nil
	}
	taskContext := sch.Context
	if taskContext == "" {
		taskContext = c.settings.Context()
	}
	queueName := sch.QueueName
	if queueName == "" {
		queueName = c.settings.DefaultQueueName()
	}

	if sch.Recurring {
		st, ok, err := c.status.LatestStatus(ctx, sch.Task.Type, taskContext)
		if err != nil {
			return false, fmt.Errorf("latest status: %w", err)
		}
		if ok && st.Pending() {
			log.Debug().
				Str("schedule_id", sch.ID).
				Str("task_type", sch.Task.Type).
				Str("status", st.String()).
				Msg("recurring task still pending, not enqueued")
			return false, nil
		}
	}

	t, err := c.registry.Decode(sch.Task)
	if err != nil {
		return false, err
	}

	// A rule that cannot produce a next run must not fire, or it would fire
	// again on every cycle.
	var next time.Time
	if sch.Recurring {
		next, err = recurrence.NextRun(sch.Rule, now.Truncate(time.Minute).Add(time.Minute))
		if err != nil {
			return false, err
		}
	}

	it, err := c.queue.Enqueue(ctx, queueName, sch.Task, taskContext, t.Priority())
	if errors.Is(err, queue.ErrStorageUnavailable) {
		log.Error().Err(err).
			Str("schedule_id", sch.ID).
			Str("task_type", sch.Task.Type).
			RawJSON("payload", payload(sch.Task.Data)).
			Msg("task storage unavailable, schedule left for next check")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("enqueue: %w", err)
	}

	if !sch.Recurring {
		if err := c.schedules.DeleteSchedule(ctx, sch.ID); err != nil {
			return true, fmt.Errorf("delete one-shot schedule: %w", err)
		}
		log.Info().Str("schedule_id", sch.ID).Str("task_id", it.ID).Str("queue", queueName).Msg("one-shot schedule fired")
		return true, nil
	}
	sch.NextSchedule = next
	if err := c.schedules.UpdateSchedule(ctx, sch); err != nil {
		return true, fmt.Errorf("advance schedule: %w", err)
	}
	log.Info().
		Str("schedule_id", sch.ID).
		Str("task_id", it.ID).
		Str("queue", queueName).
		Time("next_run", next).
		Msg("scheduled task enqueued")
	return true, nil
}

func payload(data json.RawMessage) json.RawMessage {
	if len(data) == 0 || !json.Valid(data) {
		return json.RawMessage("null")
	}
	return data
}

// CheckTask runs one schedule check cycle when executed by the runner.
type CheckTask struct {
	cycle *Cycle
}

func (*CheckTask) Type() string  { return CheckTaskType }
func (*CheckTask) Priority() int { return domain.PriorityHigh }

func (t *CheckTask) Execute(ctx context.Context, progress task.Progress) error {
	if t.cycle == nil {
		return fmt.Errorf("%w: schedule check has no cycle", task.ErrAbort)
	}
	if _, err := t.cycle.Run(ctx); err != nil {
		return err
	}
	progress(100)
	return nil
}
