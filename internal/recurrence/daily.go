package recurrence

import "time"

// Daily fires at Hour:Minute on every ISO weekday in DaysOfWeek. An empty set
// means every day.
type Daily struct {
	At
	DaysOfWeek []int `json:"days_of_week,omitempty"`
}

func NewDaily() Daily { return Daily{At: DefaultAt()} }

func (Daily) Kind() Kind { return KindDaily }
func (Daily) isRule()    {}

func (d Daily) Validate() error {
	if err := d.validateTime(); err != nil {
		return err
	}
	return validWeekdays(d.DaysOfWeek)
}

func (d Daily) runsOn(t time.Time) bool {
	return len(d.DaysOfWeek) == 0 || contains(d.DaysOfWeek, ISOWeekday(t))
}

func (d Daily) Next(now time.Time) time.Time {
	next := today(now, 0, d.Hour, d.Minute)
	if d.runsOn(next) && !now.After(next) {
		return next
	}
	for offset := 1; offset <= 7; offset++ {
		next = today(now, offset, d.Hour, d.Minute)
		if d.runsOn(next) {
			break
		}
	}
	return next
}
