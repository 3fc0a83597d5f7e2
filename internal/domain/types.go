package domain

import (
	"time"

	"schedflow/internal/recurrence"
	"schedflow/internal/task"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusAborted    Status = "aborted"
)

var AllStatuses = []Status{StatusQueued, StatusInProgress, StatusCompleted, StatusFailed, StatusAborted}

func (s Status) String() string { return string(s) }

// Pending reports whether an item with this status still waits for or occupies a worker.
func (s Status) Pending() bool { return s == StatusQueued || s == StatusInProgress }

const (
	PriorityLow    = 1
	PriorityNormal = 100
	PriorityHigh   = 1000
)

// QueueItem is one execution record of a task.
type QueueItem struct {
	ID                  string
	TaskType            string
	Task                task.Envelope
	Status              Status
	QueueName           string
	Context             string
	Priority            int
	Retries             int
	Progress            float64
	FailureDescription  string
	NextRunAt           time.Time
	QueueTimestamp      time.Time
	StartTimestamp      time.Time
	LastUpdateTimestamp time.Time
	FinishTimestamp     time.Time
}

// Schedule is a persisted recurrence rule plus the next instant it fires.
type Schedule struct {
	ID           string
	QueueName    string
	Context      string
	Rule         recurrence.Rule
	Recurring    bool
	Task         task.Envelope
	NextSchedule time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Kind returns the rule kind, or "" when no rule is attached.
func (s Schedule) Kind() recurrence.Kind {
	if s.Rule == nil {
		return ""
	}
	return s.Rule.Kind()
}

// RunnerStatus identifies the active runner instance.
type RunnerStatus struct {
	GUID       string
	AliveSince time.Time
}

// Expired reports whether the runner has not checked in within maxAlive.
func (r RunnerStatus) Expired(now time.Time, maxAlive time.Duration) bool {
	return r.GUID == "" || now.Sub(r.AliveSince) > maxAlive
}
