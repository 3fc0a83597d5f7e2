package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"schedflow/internal/domain"
	"schedflow/internal/recurrence"
	"schedflow/internal/task"
)

const scheduleColumns = `id,kind,rule,queue_name,context,recurring,task_type,task_data,next_schedule,created_at,updated_at`

func scanSchedule(row scanner) (domain.Schedule, error) {
	var (
		s                      domain.Schedule
		kind, taskType         string
		rule, data             []byte
		next, created, updated int64
	)
	if err := row.Scan(&s.ID, &kind, &rule, &s.QueueName, &s.Context, &s.Recurring, &taskType, &data, &next, &created, &updated); err != nil {
		return domain.Schedule{}, err
	}
	// A rule that no longer decodes is left nil so one broken row does not hide
	// the others; recurrence.NextRun rejects it.
	if r, err := recurrence.Decode(recurrence.Kind(kind), rule); err == nil {
		s.Rule = r
	}
	if taskType != "" {
		s.Task = task.Envelope{Type: taskType, Data: data}
	}
	s.NextSchedule = fromMillis(next)
	s.CreatedAt = fromMillis(created)
	s.UpdatedAt = fromMillis(updated)
	return s, nil
}

// CreateSchedule assigns an id and timestamps and stores s.
func (s *Store) CreateSchedule(ctx context.Context, sch *domain.Schedule) error {
	kind, rule, err := recurrence.Encode(sch.Rule)
	if err != nil {
		return err
	}
	if sch.ID == "" {
		sch.ID = "sch_" + uuid.NewString()
	}
	now := s.clock.Now()
	sch.CreatedAt, sch.UpdatedAt = now, now
	_, err = s.exec(ctx, s.db, `
INSERT INTO schedules (`+scheduleColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		sch.ID, string(kind), rule, sch.QueueName, sch.Context, sch.Recurring, sch.Task.Type, []byte(sch.Task.Data),
		millis(sch.NextSchedule), millis(now), millis(now))
	return err
}

func (s *Store) UpdateSchedule(ctx context.Context, sch domain.Schedule) error {
	kind, rule, err := recurrence.Encode(sch.Rule)
	if err != nil {
		return err
	}
	res, err := s.exec(ctx, s.db, `
UPDATE schedules SET kind=?,rule=?,queue_name=?,context=?,recurring=?,task_type=?,task_data=?,next_schedule=?,updated_at=?
WHERE id=?`,
		string(kind), rule, sch.QueueName, sch.Context, sch.Recurring, sch.Task.Type, []byte(sch.Task.Data),
		millis(sch.NextSchedule), millis(s.clock.Now()), sch.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("schedule %s: %w", sch.ID, ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.exec(ctx, s.db, "DELETE FROM schedules WHERE id=?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) GetSchedule(ctx context.Context, id string) (domain.Schedule, error) {
	row := s.queryRow(ctx, s.db, `SELECT `+scheduleColumns+` FROM schedules WHERE id=?`, id)
	sch, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Schedule{}, ErrNotFound
	}
	return sch, err
}

func (s *Store) ListSchedules(ctx context.Context) ([]domain.Schedule, error) {
	rows, err := s.query(ctx, s.db, `SELECT `+scheduleColumns+` FROM schedules ORDER BY next_schedule, seq`)
	if err != nil {
		return nil, err
	}
	return collectSchedules(rows)
}

// DueSchedules returns schedules with next_schedule <= until, oldest due first.
func (s *Store) DueSchedules(ctx context.Context, until time.Time) ([]domain.Schedule, error) {
	rows, err := s.query(ctx, s.db, `
SELECT `+scheduleColumns+` FROM schedules WHERE next_schedule <= ? ORDER BY next_schedule, seq`, millis(until))
	if err != nil {
		return nil, err
	}
	return collectSchedules(rows)
}

func collectSchedules(rows *sql.Rows) ([]domain.Schedule, error) {
	defer rows.Close()
	var out []domain.Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sch)
	}
	return out, rows.Err()
}
