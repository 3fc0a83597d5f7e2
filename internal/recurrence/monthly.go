package recurrence

import (
	"fmt"
	"time"
)

// Monthly fires on day Day of every month at Hour:Minute. Days past the end
// of a month clamp to its last day.
type Monthly struct {
	At
}

func NewMonthly() Monthly { return Monthly{At: DefaultAt()} }

func (Monthly) Kind() Kind { return KindMonthly }
func (Monthly) isRule()    {}

func (m Monthly) Validate() error {
	if err := m.validateTime(); err != nil {
		return err
	}
	return validDayOfMonth(m.Day)
}

func (m Monthly) Next(now time.Time) time.Time {
	next := clampedDay(now.Year(), now.Month(), m.Day, m.Hour, m.Minute, now.Location())
	if now.After(next) {
		next = clampedDay(now.Year(), now.Month()+1, m.Day, m.Hour, m.Minute, now.Location())
	}
	return next
}

// Yearly fires once a year on Month/Day at Hour:Minute. February 29 clamps to
// the 28th in common years.
type Yearly struct {
	At
}

func NewYearly() Yearly { return Yearly{At: DefaultAt()} }

func (Yearly) Kind() Kind { return KindYearly }
func (Yearly) isRule()    {}

func (y Yearly) Validate() error {
	if err := y.validateTime(); err != nil {
		return err
	}
	if y.Month < 1 || y.Month > 12 {
		return fmt.Errorf("%w: month %d out of range", ErrInvalidRule, y.Month)
	}
	return validDayOfMonth(y.Day)
}

func (y Yearly) Next(now time.Time) time.Time {
	month := time.Month(y.Month)
	next := clampedDay(now.Year(), month, y.Day, y.Hour, y.Minute, now.Location())
	if now.After(next) {
		next = clampedDay(now.Year()+1, month, y.Day, y.Hour, y.Minute, now.Location())
	}
	return next
}

func validDayOfMonth(day int) error {
	if day < 1 || day > 31 {
		return fmt.Errorf("%w: day %d out of range", ErrInvalidRule, day)
	}
	return nil
}
