package recurrence

import (
	"fmt"
	"time"
)

// Hourly fires every Interval hours inside the daily window
// StartHour:StartMinute..EndHour:EndMinute, both ends inclusive.
//
// A non-zero Minute replaces a zero StartMinute when building the window start,
// so "every hour at minute 30" needs no explicit start minute. A start minute
// deliberately set to zero cannot be told apart from an unset one.
type Hourly struct {
	At
	StartHour   int `json:"start_hour"`
	StartMinute int `json:"start_minute"`
	EndHour     int `json:"end_hour"`
	EndMinute   int `json:"end_minute"`
	Interval    int `json:"interval"`
}

func NewHourly() Hourly {
	return Hourly{At: DefaultAt(), EndHour: 23, EndMinute: 59, Interval: 1}
}

func (Hourly) Kind() Kind { return KindHourly }
func (Hourly) isRule()    {}

func (h Hourly) Validate() error {
	if err := h.validateTime(); err != nil {
		return err
	}
	if err := (At{Hour: h.StartHour, Minute: h.StartMinute}).validateTime(); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	if err := (At{Hour: h.EndHour, Minute: h.EndMinute}).validateTime(); err != nil {
		return fmt.Errorf("end: %w", err)
	}
	if h.Interval < 1 {
		return fmt.Errorf("%w: interval %d must be at least 1", ErrInvalidRule, h.Interval)
	}
	return nil
}

func (h Hourly) Next(now time.Time) time.Time {
	startMinute := h.StartMinute
	if startMinute == 0 && h.Minute != 0 {
		startMinute = h.Minute
	}
	start := today(now, 0, h.StartHour, startMinute)
	if !now.After(start) {
		return start
	}

	end := today(now, 0, h.EndHour, h.EndMinute)
	restart := today(now, 1, h.StartHour, startMinute)
	if start.After(end) {
		return restart
	}
	if now.Equal(end) {
		return end
	}

	step := time.Duration(h.Interval) * time.Hour
	next := start
	for next.Before(now) {
		next = next.Add(step)
		if next.After(end) {
			return restart
		}
	}
	return next
}
