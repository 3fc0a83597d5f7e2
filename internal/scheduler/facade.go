package scheduler

import (
	"context"
	"errors"
	"fmt"

	"schedflow/internal/clock"
	"schedflow/internal/domain"
	"schedflow/internal/recurrence"
	"schedflow/internal/task"
)

// ErrInvalidTaskFactory is returned when a schedule is registered with a
// factory that does not produce a task. It is never worth retrying.
var ErrInvalidTaskFactory = errors.New("task factory must return a task")

type ScheduleCreator interface {
	CreateSchedule(ctx context.Context, sch *domain.Schedule) error
}

// ScheduleConfig carries the optional fields of a schedule. Nil pointers
// fall back to the defaults of the schedule kind.
type ScheduleConfig struct {
	QueueName string
	Context   string
	// Recurring defaults to true. A one-shot schedule is deleted after it fires.
	Recurring *bool

	Hour   *int
	Minute *int

	// Daily: ISO weekdays; empty means every day.
	DaysOfWeek []int

	// Weekly: ISO weekday, 1 (Monday) by default.
	Weekday  *int
	LastWeek bool
	Weeks    []int

	// Hourly window. The start falls back to Hour/Minute.
	StartHour   *int
	StartMinute *int
	EndHour     *int
	EndMinute   *int
	Interval    *int

	// Monthly and Yearly.
	DayOfMonth *int
	Month      *int
}

// Int returns a pointer to v, for ScheduleConfig literals.
func Int(v int) *int { return &v }

// Bool returns a pointer to v, for ScheduleConfig literals.
func Bool(v bool) *bool { return &v }

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func (c ScheduleConfig) at() recurrence.At {
	at := recurrence.DefaultAt()
	at.Hour = intOr(c.Hour, at.Hour)
	at.Minute = intOr(c.Minute, at.Minute)
	at.Day = intOr(c.DayOfMonth, at.Day)
	at.Month = intOr(c.Month, at.Month)
	return at
}

// Facade is how code registers recurring work. Every call creates a new
// schedule; it never looks for or changes an existing one.
type Facade struct {
	store ScheduleCreator
	clock clock.Clock
}

func NewFacade(store ScheduleCreator, clk clock.Clock) *Facade {
	if clk == nil {
		clk = clock.System{}
	}
	return &Facade{store: store, clock: clk}
}

func (f *Facade) ScheduleHourly(ctx context.Context, factory func() task.Task, cfg ScheduleConfig) (domain.Schedule, error) {
	return f.Schedule(ctx, factory, recurrence.KindHourly, cfg)
}

func (f *Facade) ScheduleDaily(ctx context.Context, factory func() task.Task, cfg ScheduleConfig) (domain.Schedule, error) {
	return f.Schedule(ctx, factory, recurrence.KindDaily, cfg)
}

func (f *Facade) ScheduleWeekly(ctx context.Context, factory func() task.Task, cfg ScheduleConfig) (domain.Schedule, error) {
	return f.Schedule(ctx, factory, recurrence.KindWeekly, cfg)
}

func (f *Facade) ScheduleMonthly(ctx context.Context, factory func() task.Task, cfg ScheduleConfig) (domain.Schedule, error) {
	return f.Schedule(ctx, factory, recurrence.KindMonthly, cfg)
}

func (f *Facade) ScheduleYearly(ctx context.Context, factory func() task.Task, cfg ScheduleConfig) (domain.Schedule, error) {
	return f.Schedule(ctx, factory, recurrence.KindYearly, cfg)
}

// Rule builds the rule of the given kind from the config fields that apply
// to it.
func (c ScheduleConfig) Rule(kind recurrence.Kind) (recurrence.Rule, error) {
	switch kind {
	case recurrence.KindHourly:
		r := recurrence.NewHourly()
		r.At = c.at()
		r.StartHour = intOr(c.StartHour, r.Hour)
		r.StartMinute = intOr(c.StartMinute, r.Minute)
		r.EndHour = intOr(c.EndHour, r.EndHour)
		r.EndMinute = intOr(c.EndMinute, r.EndMinute)
		r.Interval = intOr(c.Interval, r.Interval)
		return r, nil
	case recurrence.KindDaily:
		r := recurrence.NewDaily()
		r.At = c.at()
		r.DaysOfWeek = c.DaysOfWeek
		return r, nil
	case recurrence.KindWeekly:
		r := recurrence.NewWeekly()
		r.At = c.at()
		r.Day = intOr(c.Weekday, 1)
		r.LastWeek = c.LastWeek
		r.Weeks = c.Weeks
		return r, nil
	case recurrence.KindMonthly:
		r := recurrence.NewMonthly()
		r.At = c.at()
		return r, nil
	case recurrence.KindYearly:
		r := recurrence.NewYearly()
		r.At = c.at()
		return r, nil
	}
	return nil, fmt.Errorf("%w: unknown kind %q", recurrence.ErrInvalidRule, kind)
}

// Schedule creates a schedule of any kind.
func (f *Facade) Schedule(ctx context.Context, factory func() task.Task, kind recurrence.Kind, cfg ScheduleConfig) (domain.Schedule, error) {
	rule, err := cfg.Rule(kind)
	if err != nil {
		return domain.Schedule{}, err
	}
	if factory == nil {
		return domain.Schedule{}, fmt.Errorf("%w: nil factory", ErrInvalidTaskFactory)
	}
	env, err := task.Encode(factory())
	if err != nil {
		return domain.Schedule{}, fmt.Errorf("%w: %w", ErrInvalidTaskFactory, err)
	}
	sch := domain.Schedule{
		QueueName: cfg.QueueName,
		Context:   cfg.Context,
		Rule:      rule,
		Recurring: cfg.Recurring == nil || *cfg.Recurring,
		Task:      env,
	}
	if err := f.Register(ctx, &sch); err != nil {
		return domain.Schedule{}, err
	}
	return sch, nil
}

// Register persists a prepared schedule. A zero NextSchedule is computed from
// the rule first.
func (f *Facade) Register(ctx context.Context, sch *domain.Schedule) error {
	if sch.Task.Empty() {
		return fmt.Errorf("%w: schedule has no task", ErrInvalidTaskFactory)
	}
	next, err := recurrence.NextRun(sch.Rule, f.clock.Now())
	if err != nil {
		return err
	}
	if sch.NextSchedule.IsZero() {
		sch.NextSchedule = next
	}
	return f.store.CreateSchedule(ctx, sch)
}
