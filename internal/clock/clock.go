package clock

import (
	"sync"
	"time"
)

// Clock supplies the current local time. All scheduling math is relative to it.
type Clock interface {
	Now() time.Time
}

type System struct{}

func (System) Now() time.Time { return time.Now() }

// Frozen is a settable clock for tests.
type Frozen struct {
	mu  sync.Mutex
	now time.Time
}

func NewFrozen(t time.Time) *Frozen { return &Frozen{now: t} }

func (f *Frozen) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Frozen) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

func (f *Frozen) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}
