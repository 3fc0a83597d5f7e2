// Package recurrence holds the schedule kinds and their next-run arithmetic.
//
// Every rule works at minute resolution in the location of the instant it is
// evaluated against. Next never returns an instant before its argument.
package recurrence

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Kind string

const (
	KindHourly  Kind = "hourly"
	KindDaily   Kind = "daily"
	KindWeekly  Kind = "weekly"
	KindMonthly Kind = "monthly"
	KindYearly  Kind = "yearly"
)

var ErrInvalidRule = errors.New("invalid schedule rule")

// Rule is implemented by Hourly, Daily, Weekly, Monthly and Yearly only.
type Rule interface {
	Kind() Kind
	Validate() error
	// Next returns the earliest fire time at or after now.
	Next(now time.Time) time.Time
	isRule()
}

// At carries the fields shared by every kind. Day is a day of month for
// Monthly and Yearly and an ISO weekday (1 = Monday) for Weekly.
type At struct {
	Minute int `json:"minute"`
	Hour   int `json:"hour"`
	Day    int `json:"day"`
	Month  int `json:"month"`
}

// DefaultAt is midnight on the first of January.
func DefaultAt() At { return At{Day: 1, Month: 1} }

func (a At) validateTime() error {
	if a.Minute < 0 || a.Minute > 59 {
		return fmt.Errorf("%w: minute %d out of range", ErrInvalidRule, a.Minute)
	}
	if a.Hour < 0 || a.Hour > 23 {
		return fmt.Errorf("%w: hour %d out of range", ErrInvalidRule, a.Hour)
	}
	return nil
}

// NextRun validates r and computes its next fire time relative to now.
func NextRun(r Rule, now time.Time) (time.Time, error) {
	if r == nil {
		return time.Time{}, fmt.Errorf("%w: nil rule", ErrInvalidRule)
	}
	if err := r.Validate(); err != nil {
		return time.Time{}, err
	}
	return r.Next(now), nil
}

// Encode returns the kind discriminator and the JSON parameters of r.
func Encode(r Rule) (Kind, []byte, error) {
	if r == nil {
		return "", nil, fmt.Errorf("%w: nil rule", ErrInvalidRule)
	}
	b, err := json.Marshal(r)
	if err != nil {
		return "", nil, err
	}
	return r.Kind(), b, nil
}

// Decode rebuilds the rule stored under kind. Fields missing from data keep
// the kind's defaults.
func Decode(kind Kind, data []byte) (Rule, error) {
	switch kind {
	case KindHourly:
		r := NewHourly()
		err := unmarshal(data, &r)
		return r, err
	case KindDaily:
		r := NewDaily()
		err := unmarshal(data, &r)
		return r, err
	case KindWeekly:
		r := NewWeekly()
		err := unmarshal(data, &r)
		return r, err
	case KindMonthly:
		r := NewMonthly()
		err := unmarshal(data, &r)
		return r, err
	case KindYearly:
		r := NewYearly()
		err := unmarshal(data, &r)
		return r, err
	}
	return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidRule, kind)
}

func unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode rule: %w", err)
	}
	return nil
}

// ISOWeekday maps Sunday to 7 and keeps Monday..Saturday as 1..6.
func ISOWeekday(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}

func dateAt(year int, month time.Month, day, hour, minute int, loc *time.Location) time.Time {
	return time.Date(year, month, day, hour, minute, 0, 0, loc)
}

// today returns now's calendar day shifted by offset days, at hour:minute.
func today(now time.Time, offset, hour, minute int) time.Time {
	return dateAt(now.Year(), now.Month(), now.Day()+offset, hour, minute, now.Location())
}

// clampedDay builds year/month/day at hour:minute, walking an overflowed day
// back into the month (day 31 in February lands on the 28th or 29th).
func clampedDay(year int, month time.Month, day, hour, minute int, loc *time.Location) time.Time {
	first := dateAt(year, month, 1, hour, minute, loc)
	t := dateAt(first.Year(), first.Month(), day, hour, minute, loc)
	for t.Month() != first.Month() {
		t = t.AddDate(0, 0, -1)
	}
	return t
}

func validWeekdays(days []int) error {
	for _, d := range days {
		if d < 1 || d > 7 {
			return fmt.Errorf("%w: weekday %d out of range", ErrInvalidRule, d)
		}
	}
	return nil
}

func contains(set []int, v int) bool {
	for _, x := range set {
		if x == v {
			return true
		}
	}
	return false
}
