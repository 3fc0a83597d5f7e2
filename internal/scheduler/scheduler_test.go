package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schedflow/internal/clock"
	"schedflow/internal/domain"
	"schedflow/internal/queue"
	"schedflow/internal/recurrence"
	"schedflow/internal/task"
)

// Wednesday
var start = time.Date(2018, time.March, 21, 13, 42, 5, 0, time.UTC)

type testSettings struct {
	queueName string
	context   string
	threshold time.Duration
	tickMin   time.Duration
}

func (s testSettings) DefaultQueueName() string       { return s.queueName }
func (s testSettings) Context() string                { return s.context }
func (s testSettings) CheckThreshold() time.Duration  { return s.threshold }
func (s testSettings) TickMinInterval() time.Duration { return s.tickMin }

var defaults = testSettings{queueName: "default", context: "shop-1", threshold: time.Minute, tickMin: time.Second}

type noteTask struct {
	Note string `json:"note"`
}

func (*noteTask) Type() string                                 { return "note" }
func (*noteTask) Priority() int                                { return domain.PriorityLow }
func (*noteTask) Execute(context.Context, task.Progress) error { return nil }

type fixture struct {
	store    *queue.Store
	clock    *clock.Frozen
	registry *task.Registry
	cycle    *Cycle
	facade   *Facade
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := queue.Open(queue.SQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clk := clock.NewFrozen(start)
	st := queue.NewStore(db, queue.SQLite, clk)
	require.NoError(t, st.EnsureSchema(context.Background()))

	reg := task.NewRegistry()
	reg.Register("note", func() task.Task { return &noteTask{} })
	cycle := NewCycle(st, st, st, reg, defaults, clk)
	cycle.Register(reg)
	return &fixture{store: st, clock: clk, registry: reg, cycle: cycle, facade: NewFacade(st, clk)}
}

func noteEnvelope(t *testing.T, note string) task.Envelope {
	t.Helper()
	env, err := task.Encode(&noteTask{Note: note})
	require.NoError(t, err)
	return env
}

func (f *fixture) addSchedule(t *testing.T, sch domain.Schedule) domain.Schedule {
	t.Helper()
	require.NoError(t, f.store.CreateSchedule(context.Background(), &sch))
	return sch
}

func dailyAt(hour, minute int) recurrence.Daily {
	r := recurrence.NewDaily()
	r.Hour, r.Minute = hour, minute
	return r
}

func TestCycleEnqueuesAndAdvancesRecurring(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sch := f.addSchedule(t, domain.Schedule{
		Rule:         dailyAt(13, 42),
		Recurring:    true,
		Task:         noteEnvelope(t, "daily"),
		NextSchedule: time.Date(2018, time.March, 21, 13, 42, 0, 0, time.UTC),
	})

	res, err := f.cycle.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Enqueued: 1}, res)

	it, err := f.store.Latest(ctx, "note", "shop-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, it.Status)
	assert.Equal(t, "default", it.QueueName)
	assert.Equal(t, domain.PriorityLow, it.Priority)
	assert.JSONEq(t, `{"note":"daily"}`, string(it.Task.Data))

	got, err := f.store.GetSchedule(ctx, sch.ID)
	require.NoError(t, err)
	assert.True(t, got.NextSchedule.Equal(time.Date(2018, time.March, 22, 13, 42, 0, 0, time.UTC)), got.NextSchedule)
}

func TestCycleSkipsPendingRecurring(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	due := time.Date(2018, time.March, 21, 13, 0, 0, 0, time.UTC)
	sch := f.addSchedule(t, domain.Schedule{
		Rule:         dailyAt(13, 0),
		Recurring:    true,
		Task:         noteEnvelope(t, "x"),
		NextSchedule: due,
	})
	_, err := f.store.Enqueue(ctx, "default", noteEnvelope(t, "earlier"), "shop-1", 0)
	require.NoError(t, err)

	res, err := f.cycle.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Skipped: 1}, res)

	got, err := f.store.GetSchedule(ctx, sch.ID)
	require.NoError(t, err)
	assert.True(t, got.NextSchedule.Equal(due), "a skipped schedule keeps its next run")

	// a finished run frees the schedule again
	leased, err := f.store.Lease(ctx, f.clock.Now(), 1)
	require.NoError(t, err)
	require.NoError(t, f.store.Complete(ctx, leased[0].ID))

	res, err = f.cycle.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Enqueued: 1}, res)
}

func TestCycleDeletesOneShot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sch := f.addSchedule(t, domain.Schedule{
		QueueName:    "mail",
		Context:      "shop-2",
		Rule:         dailyAt(9, 0),
		Task:         noteEnvelope(t, "once"),
		NextSchedule: start.Add(-time.Hour),
	})
	// one-shot schedules ignore pending runs of the same type
	_, err := f.store.Enqueue(ctx, "mail", noteEnvelope(t, "other"), "shop-2", 0)
	require.NoError(t, err)

	res, err := f.cycle.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Enqueued: 1}, res)

	_, err = f.store.GetSchedule(ctx, sch.ID)
	assert.ErrorIs(t, err, queue.ErrNotFound)
	it, err := f.store.Latest(ctx, "note", "shop-2")
	require.NoError(t, err)
	assert.Equal(t, "mail", it.QueueName)
	assert.JSONEq(t, `{"note":"once"}`, string(it.Task.Data))
}

func TestCycleIsolatesBadSchedules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	bad := recurrence.NewHourly()
	bad.Interval = 0
	past := start.Add(-time.Minute)

	empty := f.addSchedule(t, domain.Schedule{Rule: dailyAt(1, 0), Recurring: true, NextSchedule: past})
	invalid := f.addSchedule(t, domain.Schedule{Rule: bad, Recurring: true, Task: noteEnvelope(t, "bad"), NextSchedule: past})
	unknown := f.addSchedule(t, domain.Schedule{Rule: dailyAt(1, 0), Recurring: true, Task: task.Envelope{Type: "ghost"}, NextSchedule: past})
	good := f.addSchedule(t, domain.Schedule{Rule: dailyAt(1, 0), Recurring: true, Task: noteEnvelope(t, "good"), NextSchedule: past})

	res, err := f.cycle.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Enqueued: 1, Skipped: 1, Failed: 2}, res)

	for _, id := range []string{empty.ID, invalid.ID, unknown.ID} {
		got, err := f.store.GetSchedule(ctx, id)
		require.NoError(t, err)
		assert.True(t, got.NextSchedule.Equal(past), id)
	}
	got, err := f.store.GetSchedule(ctx, good.ID)
	require.NoError(t, err)
	assert.True(t, got.NextSchedule.Equal(time.Date(2018, time.March, 22, 1, 0, 0, 0, time.UTC)))
}

// flakyQueue fails every enqueue of one task type with a storage error.
type flakyQueue struct {
	TaskQueue
	failType string
	calls    int
}

func (q *flakyQueue) Enqueue(ctx context.Context, queueName string, t task.Envelope, taskContext string, priority int) (domain.QueueItem, error) {
	q.calls++
	if t.Type == q.failType {
		return domain.QueueItem{}, fmt.Errorf("%w: disk full", queue.ErrStorageUnavailable)
	}
	return q.TaskQueue.Enqueue(ctx, queueName, t, taskContext, priority)
}

func TestCycleStorageUnavailableLeavesScheduleDue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.registry.Register("other", func() task.Task { return &noteTask{} })
	q := &flakyQueue{TaskQueue: f.store, failType: "note"}
	cycle := NewCycle(f.store, q, f.store, f.registry, defaults, f.clock)

	past := start.Add(-time.Minute)
	failing := f.addSchedule(t, domain.Schedule{Rule: dailyAt(2, 0), Recurring: true, Task: noteEnvelope(t, "n"), NextSchedule: past})
	f.addSchedule(t, domain.Schedule{Rule: dailyAt(2, 0), Recurring: true, Task: task.Envelope{Type: "other"}, NextSchedule: past})

	res, err := cycle.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, q.calls)
	assert.Equal(t, Result{Enqueued: 1, Skipped: 1}, res)

	got, err := f.store.GetSchedule(ctx, failing.ID)
	require.NoError(t, err)
	assert.True(t, got.NextSchedule.Equal(past))
}

func TestCycleDueLookupFailure(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Close())
	_, err := f.cycle.Run(context.Background())
	assert.Error(t, err)
}

func TestCheckTaskRunsCycleFromRegistry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addSchedule(t, domain.Schedule{Rule: dailyAt(3, 0), Recurring: true, Task: noteEnvelope(t, "n"), NextSchedule: start})

	env, err := task.Encode(&CheckTask{})
	require.NoError(t, err)
	tk, err := f.registry.Decode(env)
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityHigh, tk.Priority())

	var progress float64
	require.NoError(t, tk.Execute(ctx, func(p float64) { progress = p }))
	assert.Equal(t, 100.0, progress)
	_, err = f.store.Latest(ctx, "note", "shop-1")
	assert.NoError(t, err)

	// a check task that was never wired aborts
	err = (&CheckTask{}).Execute(ctx, func(float64) {})
	assert.ErrorIs(t, err, task.ErrAbort)
}

func TestPolicyRearmsByElapsedTime(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := NewPolicy(f.store, defaults, f.clock)

	ok, err := p.ShouldEnqueue(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "no previous check")

	env, err := task.Encode(&CheckTask{})
	require.NoError(t, err)
	_, err = f.store.Enqueue(ctx, CheckQueueName, env, "shop-1", domain.PriorityHigh)
	require.NoError(t, err)

	ok, err = p.ShouldEnqueue(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	f.clock.Advance(time.Minute)
	ok, err = p.ShouldEnqueue(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "threshold boundary is exclusive")

	// still queued, but old enough
	f.clock.Advance(time.Millisecond)
	ok, err = p.ShouldEnqueue(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTickerHandle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tk := NewTicker(NewPolicy(f.store, defaults, f.clock), f.store, defaults, f.clock)

	assert.True(t, tk.Handle(ctx))
	assert.False(t, tk.Handle(ctx), "rate limited")

	f.clock.Advance(time.Second)
	assert.False(t, tk.Handle(ctx), "policy threshold not reached")

	f.clock.Advance(time.Minute)
	assert.True(t, tk.Handle(ctx))

	counts, err := f.store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[domain.StatusQueued])

	it, err := f.store.Latest(ctx, CheckTaskType, "shop-1")
	require.NoError(t, err)
	assert.Equal(t, CheckQueueName, it.QueueName)
	assert.Equal(t, domain.PriorityHigh, it.Priority)
}

func TestTickerSwallowsStorageErrors(t *testing.T) {
	f := newFixture(t)
	tk := NewTicker(NewPolicy(f.store, defaults, f.clock), f.store, testSettings{context: "shop-1", threshold: time.Minute}, f.clock)
	require.NoError(t, f.store.Close())
	assert.False(t, tk.Handle(context.Background()))
}

func note() task.Task { return &noteTask{Note: "hello"} }

func TestFacadeHourlyFallsBackToGeneralTime(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sch, err := f.facade.ScheduleHourly(ctx, note, ScheduleConfig{
		Hour:    Int(8),
		Minute:  Int(15),
		EndHour: Int(18),
	})
	require.NoError(t, err)
	assert.True(t, sch.Recurring)
	assert.Equal(t, "note", sch.Task.Type)
	assert.Equal(t, time.Date(2018, time.March, 21, 14, 15, 0, 0, time.UTC), sch.NextSchedule)

	got, err := f.store.GetSchedule(ctx, sch.ID)
	require.NoError(t, err)
	h, ok := got.Rule.(recurrence.Hourly)
	require.True(t, ok)
	assert.Equal(t, 8, h.StartHour)
	assert.Equal(t, 15, h.StartMinute)
	assert.Equal(t, 18, h.EndHour)
	assert.Equal(t, 59, h.EndMinute)
	assert.Equal(t, 1, h.Interval)
}

func TestFacadeKinds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	tests := []struct {
		name string
		call func() (domain.Schedule, error)
		want time.Time
	}{
		{
			name: "daily later today",
			call: func() (domain.Schedule, error) {
				return f.facade.ScheduleDaily(ctx, note, ScheduleConfig{Hour: Int(20)})
			},
			want: time.Date(2018, time.March, 21, 20, 0, 0, 0, time.UTC),
		},
		{
			name: "daily restricted to weekend",
			call: func() (domain.Schedule, error) {
				return f.facade.ScheduleDaily(ctx, note, ScheduleConfig{Hour: Int(6), DaysOfWeek: []int{6, 7}})
			},
			want: time.Date(2018, time.March, 24, 6, 0, 0, 0, time.UTC),
		},
		{
			name: "weekly last friday",
			call: func() (domain.Schedule, error) {
				return f.facade.ScheduleWeekly(ctx, note, ScheduleConfig{Weekday: Int(5), LastWeek: true, Hour: Int(10)})
			},
			want: time.Date(2018, time.March, 30, 10, 0, 0, 0, time.UTC),
		},
		{
			name: "weekly defaults to monday",
			call: func() (domain.Schedule, error) {
				return f.facade.ScheduleWeekly(ctx, note, ScheduleConfig{})
			},
			want: time.Date(2018, time.March, 26, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "monthly already passed",
			call: func() (domain.Schedule, error) {
				return f.facade.ScheduleMonthly(ctx, note, ScheduleConfig{DayOfMonth: Int(15), Hour: Int(4)})
			},
			want: time.Date(2018, time.April, 15, 4, 0, 0, 0, time.UTC),
		},
		{
			name: "yearly",
			call: func() (domain.Schedule, error) {
				return f.facade.ScheduleYearly(ctx, note, ScheduleConfig{Month: Int(7), DayOfMonth: Int(24)})
			},
			want: time.Date(2018, time.July, 24, 0, 0, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sch, err := tt.call()
			require.NoError(t, err)
			assert.Equal(t, tt.want, sch.NextSchedule)
			assert.NotEmpty(t, sch.ID)
		})
	}

	all, err := f.store.ListSchedules(ctx)
	require.NoError(t, err)
	assert.Len(t, all, len(tests), "every call creates a new schedule")
}

func TestFacadeRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.facade.ScheduleDaily(ctx, nil, ScheduleConfig{})
	assert.ErrorIs(t, err, ErrInvalidTaskFactory)

	_, err = f.facade.ScheduleDaily(ctx, func() task.Task { return nil }, ScheduleConfig{})
	assert.ErrorIs(t, err, ErrInvalidTaskFactory)

	_, err = f.facade.ScheduleDaily(ctx, func() task.Task { return (*noteTask)(nil) }, ScheduleConfig{})
	assert.ErrorIs(t, err, ErrInvalidTaskFactory)
	assert.ErrorIs(t, err, task.ErrNilTask)

	_, err = f.facade.ScheduleHourly(ctx, note, ScheduleConfig{Interval: Int(0)})
	assert.ErrorIs(t, err, recurrence.ErrInvalidRule)

	_, err = f.facade.ScheduleDaily(ctx, note, ScheduleConfig{Hour: Int(24)})
	assert.ErrorIs(t, err, recurrence.ErrInvalidRule)

	all, err := f.store.ListSchedules(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestFacadeOneShotFiresOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sch, err := f.facade.ScheduleDaily(ctx, note, ScheduleConfig{Hour: Int(13), Minute: Int(50), Recurring: Bool(false)})
	require.NoError(t, err)
	assert.False(t, sch.Recurring)

	res, err := f.cycle.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{}, res, "not due yet")

	f.clock.Advance(10 * time.Minute)
	res, err = f.cycle.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Enqueued: 1}, res)

	res, err = f.cycle.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
}

func TestFacadeRegisterKeepsExplicitNextRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	at := start.Add(time.Hour)
	sch := &domain.Schedule{Rule: dailyAt(0, 0), Recurring: true, Task: noteEnvelope(t, "r"), NextSchedule: at}
	require.NoError(t, f.facade.Register(ctx, sch))
	assert.Equal(t, at, sch.NextSchedule)

	err := f.facade.Register(ctx, &domain.Schedule{Rule: dailyAt(0, 0)})
	assert.True(t, errors.Is(err, ErrInvalidTaskFactory))
}

func TestServiceTicksUntilCancelled(t *testing.T) {
	f := newFixture(t)
	tk := NewTicker(NewPolicy(f.store, defaults, f.clock), f.store, defaults, f.clock)
	svc := NewService(tk, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()

	require.Eventually(t, func() bool {
		_, err := f.store.Latest(context.Background(), CheckTaskType, "shop-1")
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop")
	}
}
