package recurrence

import (
	"fmt"
	"time"
)

// maxWeekSteps bounds the search for a week number; ISO week 53 recurs at
// most six years apart.
const maxWeekSteps = 53 * 7

// Weekly fires on ISO weekday Day at Hour:Minute.
//
// With LastWeek set it fires only on the last such weekday of each month.
// Otherwise Weeks, when non-empty, restricts firing to those ISO week numbers.
type Weekly struct {
	At
	LastWeek bool  `json:"last_week"`
	Weeks    []int `json:"weeks,omitempty"`
}

func NewWeekly() Weekly { return Weekly{At: DefaultAt()} }

func (Weekly) Kind() Kind { return KindWeekly }
func (Weekly) isRule()    {}

func (w Weekly) Validate() error {
	if err := w.validateTime(); err != nil {
		return err
	}
	if w.Day < 1 || w.Day > 7 {
		return fmt.Errorf("%w: weekday %d out of range", ErrInvalidRule, w.Day)
	}
	for _, wk := range w.Weeks {
		if wk < 1 || wk > 53 {
			return fmt.Errorf("%w: week %d out of range", ErrInvalidRule, wk)
		}
	}
	return nil
}

func (w Weekly) Next(now time.Time) time.Time {
	if w.LastWeek {
		return w.nextLastWeek(now)
	}

	daysToAdd := (7 + w.Day - ISOWeekday(now)) % 7
	next := today(now, daysToAdd, w.Hour, w.Minute)
	if next.Before(now) {
		next = today(now, daysToAdd+7, w.Hour, w.Minute)
	}
	for i := 0; len(w.Weeks) > 0 && i < maxWeekSteps; i++ {
		if _, wk := next.ISOWeek(); contains(w.Weeks, wk) {
			break
		}
		next = dateAt(next.Year(), next.Month(), next.Day()+7, w.Hour, w.Minute, next.Location())
	}
	return next
}

func (w Weekly) nextLastWeek(now time.Time) time.Time {
	next := lastWeekdayOf(now.Year(), now.Month(), w.Day, w.Hour, w.Minute, now.Location())
	if !now.After(next) {
		return next
	}
	year, month := now.Year(), now.Month()+1
	if month > time.December {
		month = time.January
		year++
	}
	return lastWeekdayOf(year, month, w.Day, w.Hour, w.Minute, now.Location())
}

func lastWeekdayOf(year int, month time.Month, weekday, hour, minute int, loc *time.Location) time.Time {
	last := dateAt(year, month+1, 0, hour, minute, loc)
	back := (ISOWeekday(last) - weekday + 7) % 7
	return dateAt(last.Year(), last.Month(), last.Day()-back, hour, minute, loc)
}
