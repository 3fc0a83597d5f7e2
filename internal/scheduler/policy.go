package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"schedflow/internal/clock"
	"schedflow/internal/domain"
	"schedflow/internal/queue"
	"schedflow/internal/task"
)

type CheckHistory interface {
	Latest(ctx context.Context, taskType, taskContext string) (domain.QueueItem, error)
}

// Policy decides whether a new schedule check may be enqueued. The check is
// re-armed once CheckThreshold has elapsed since the last one was enqueued,
// whatever that one's status is.
type Policy struct {
	history  CheckHistory
	settings Settings
	clock    clock.Clock
}

func NewPolicy(history CheckHistory, settings Settings, clk clock.Clock) *Policy {
	if clk == nil {
		clk = clock.System{}
	}
	return &Policy{history: history, settings: settings, clock: clk}
}

func (p *Policy) ShouldEnqueue(ctx context.Context) (bool, error) {
	last, err := p.history.Latest(ctx, CheckTaskType, p.settings.Context())
	if errors.Is(err, queue.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return last.QueueTimestamp.Add(p.settings.CheckThreshold()).Before(p.clock.Now()), nil
}

// Ticker is the entry point hosts call on every external tick. A local rate
// limiter keeps bursts of ticks from reaching storage.
type Ticker struct {
	policy   *Policy
	queue    TaskQueue
	settings Settings
	clock    clock.Clock

	mu       sync.Mutex
	interval time.Duration
	limiter  *rate.Limiter
}

func NewTicker(policy *Policy, q TaskQueue, settings Settings, clk clock.Clock) *Ticker {
	if clk == nil {
		clk = clock.System{}
	}
	return &Ticker{policy: policy, queue: q, settings: settings, clock: clk}
}

// Handle enqueues a schedule check when the policy allows it and reports
// whether it did. Errors are logged, never returned.
func (t *Ticker) Handle(ctx context.Context) bool {
	if !t.allow() {
		return false
	}
	ok, err := t.policy.ShouldEnqueue(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("tick: schedule check policy failed")
		return false
	}
	if !ok {
		return false
	}
	env, err := task.Encode(&CheckTask{})
	if err != nil {
		log.Error().Err(err).Msg("tick: encode schedule check")
		return false
	}
	it, err := t.queue.Enqueue(ctx, CheckQueueName, env, t.settings.Context(), domain.PriorityHigh)
	if err != nil {
		log.Error().Err(err).Str("task_type", CheckTaskType).Msg("tick: enqueue schedule check")
		return false
	}
	log.Debug().Str("task_id", it.ID).Msg("schedule check enqueued")
	return true
}

func (t *Ticker) allow() bool {
	iv := t.settings.TickMinInterval()
	if iv <= 0 {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.limiter == nil || iv != t.interval {
		t.interval = iv
		t.limiter = rate.NewLimiter(rate.Every(iv), 1)
	}
	return t.limiter.AllowN(t.clock.Now(), 1)
}
