package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"schedflow/internal/domain"
	"schedflow/internal/task"
)

// leaseScan bounds how many queued rows one lease pass inspects.
const leaseScan = 500

const itemColumns = `id,task_type,task_data,status,queue_name,context,priority,retries,progress,failure_description,
next_run_at,queue_timestamp,start_timestamp,last_update_timestamp,finish_timestamp`

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (domain.QueueItem, error) {
	var (
		it                                      domain.QueueItem
		data                                    []byte
		status                                  string
		nextRun, queued, started, updated, done int64
	)
	err := row.Scan(&it.ID, &it.TaskType, &data, &status, &it.QueueName, &it.Context, &it.Priority, &it.Retries,
		&it.Progress, &it.FailureDescription, &nextRun, &queued, &started, &updated, &done)
	if err != nil {
		return domain.QueueItem{}, err
	}
	it.Status = domain.Status(status)
	it.Task = task.Envelope{Type: it.TaskType, Data: data}
	it.NextRunAt = fromMillis(nextRun)
	it.QueueTimestamp = fromMillis(queued)
	it.StartTimestamp = fromMillis(started)
	it.LastUpdateTimestamp = fromMillis(updated)
	it.FinishTimestamp = fromMillis(done)
	return it, nil
}

// Enqueue stores a new queued item. Driver errors are reported as ErrStorageUnavailable.
func (s *Store) Enqueue(ctx context.Context, queueName string, t task.Envelope, taskContext string, priority int) (domain.QueueItem, error) {
	if t.Empty() {
		return domain.QueueItem{}, errors.New("enqueue: task type is required")
	}
	if priority == 0 {
		priority = domain.PriorityNormal
	}
	now := s.clock.Now()
	it := domain.QueueItem{
		ID:                  "tsk_" + uuid.NewString(),
		TaskType:            t.Type,
		Task:                t,
		Status:              domain.StatusQueued,
		QueueName:           queueName,
		Context:             taskContext,
		Priority:            priority,
		NextRunAt:           now,
		QueueTimestamp:      now,
		LastUpdateTimestamp: now,
	}
	_, err := s.exec(ctx, s.db, `
INSERT INTO queue_items (id,task_type,task_data,status,queue_name,context,priority,retries,progress,failure_description,
  next_run_at,queue_timestamp,start_timestamp,last_update_timestamp,finish_timestamp)
VALUES (?,?,?,?,?,?,?,0,0,'',?,?,0,?,0)`,
		it.ID, it.TaskType, []byte(t.Data), string(it.Status), it.QueueName, it.Context, it.Priority,
		millis(now), millis(now), millis(now))
	if err != nil {
		return domain.QueueItem{}, unavailable(err)
	}
	return it, nil
}

func (s *Store) Get(ctx context.Context, id string) (domain.QueueItem, error) {
	row := s.queryRow(ctx, s.db, `SELECT `+itemColumns+` FROM queue_items WHERE id=?`, id)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.QueueItem{}, ErrNotFound
	}
	return it, err
}

// Latest returns the most recently enqueued item of taskType within taskContext.
func (s *Store) Latest(ctx context.Context, taskType, taskContext string) (domain.QueueItem, error) {
	row := s.queryRow(ctx, s.db, `
SELECT `+itemColumns+` FROM queue_items
WHERE task_type=? AND context=?
ORDER BY seq DESC LIMIT 1`, taskType, taskContext)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.QueueItem{}, ErrNotFound
	}
	return it, err
}

// LatestStatus is Latest reduced to its status; ok is false when the type never ran.
func (s *Store) LatestStatus(ctx context.Context, taskType, taskContext string) (domain.Status, bool, error) {
	it, err := s.Latest(ctx, taskType, taskContext)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return it.Status, true, nil
}

// Lease moves up to limit ready items into progress, highest priority first and
// FIFO within a priority, taking at most one item per queue lane and skipping
// lanes that already have an item in progress.
func (s *Store) Lease(ctx context.Context, now time.Time, limit int) ([]domain.QueueItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	busy := map[string]bool{}
	rows, err := s.query(ctx, tx, `SELECT DISTINCT queue_name FROM queue_items WHERE status=?`, string(domain.StatusInProgress))
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, err
		}
		busy[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.query(ctx, tx, `
SELECT `+itemColumns+` FROM queue_items
WHERE status=? AND next_run_at <= ?
ORDER BY priority DESC, seq ASC
LIMIT ?`, string(domain.StatusQueued), millis(now), leaseScan)
	if err != nil {
		return nil, err
	}
	var picked []domain.QueueItem
	for rows.Next() && len(picked) < limit {
		it, err := scanItem(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		if busy[it.QueueName] {
			continue
		}
		busy[it.QueueName] = true
		picked = append(picked, it)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	leased := picked[:0]
	for _, it := range picked {
		res, err := s.exec(ctx, tx, `
UPDATE queue_items SET status=?, start_timestamp=?, last_update_timestamp=?
WHERE id=? AND status=?`,
			string(domain.StatusInProgress), millis(now), millis(now), it.ID, string(domain.StatusQueued))
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			continue
		}
		it.Status = domain.StatusInProgress
		it.StartTimestamp = now
		it.LastUpdateTimestamp = now
		leased = append(leased, it)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	if len(leased) == 0 {
		return nil, ErrEmpty
	}
	return leased, nil
}

// Progress records progress and refreshes the keep-alive timestamp.
func (s *Store) Progress(ctx context.Context, id string, percent float64) error {
	_, err := s.exec(ctx, s.db, `
UPDATE queue_items SET progress=?, last_update_timestamp=? WHERE id=? AND status=?`,
		percent, millis(s.clock.Now()), id, string(domain.StatusInProgress))
	return err
}

func (s *Store) Complete(ctx context.Context, id string) error {
	now := millis(s.clock.Now())
	return s.finish(ctx, `
UPDATE queue_items SET status=?, progress=100, last_update_timestamp=?, finish_timestamp=?
WHERE id=? AND status=?`, string(domain.StatusCompleted), now, now, id, string(domain.StatusInProgress))
}

func (s *Store) Abort(ctx context.Context, id, reason string) error {
	now := millis(s.clock.Now())
	return s.finish(ctx, `
UPDATE queue_items SET status=?, failure_description=?, last_update_timestamp=?, finish_timestamp=?
WHERE id=? AND status=?`, string(domain.StatusAborted), reason, now, now, id, string(domain.StatusInProgress))
}

// Fail records a failed attempt. While the item has retries left it is
// re-queued to run again after delay; otherwise it ends failed. The resulting
// status is returned.
func (s *Store) Fail(ctx context.Context, it domain.QueueItem, reason string, maxRetries int, delay time.Duration) (domain.Status, error) {
	now := s.clock.Now()
	retries := it.Retries + 1
	status := domain.StatusQueued
	nextRun := now.Add(delay)
	var finished time.Time
	if retries > maxRetries {
		status = domain.StatusFailed
		nextRun = it.NextRunAt
		finished = now
	}
	err := s.finish(ctx, `
UPDATE queue_items SET status=?, retries=?, failure_description=?, next_run_at=?, last_update_timestamp=?, finish_timestamp=?
WHERE id=? AND status=?`,
		string(status), retries, reason, millis(nextRun), millis(now), millis(finished), it.ID, string(domain.StatusInProgress))
	if err != nil {
		return "", err
	}
	return status, nil
}

func (s *Store) finish(ctx context.Context, query string, args ...any) error {
	res, err := s.exec(ctx, s.db, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("queue item %v: %w", args[len(args)-2], ErrNotFound)
	}
	return nil
}

// Inactive lists in-progress items without an update since cutoff.
func (s *Store) Inactive(ctx context.Context, cutoff time.Time) ([]domain.QueueItem, error) {
	rows, err := s.query(ctx, s.db, `
SELECT `+itemColumns+` FROM queue_items
WHERE status=? AND last_update_timestamp < ?
ORDER BY seq`, string(domain.StatusInProgress), millis(cutoff))
	if err != nil {
		return nil, err
	}
	return collectItems(rows)
}

func (s *Store) CountByStatus(ctx context.Context) (map[domain.Status]int, error) {
	rows, err := s.query(ctx, s.db, `SELECT status, COUNT(*) FROM queue_items GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[domain.Status]int, len(domain.AllStatuses))
	for _, st := range domain.AllStatuses {
		counts[st] = 0
	}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[domain.Status(st)] = n
	}
	return counts, rows.Err()
}

func (s *Store) ListRecent(ctx context.Context, limit int) ([]domain.QueueItem, error) {
	rows, err := s.query(ctx, s.db, `SELECT `+itemColumns+` FROM queue_items ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return collectItems(rows)
}

func collectItems(rows *sql.Rows) ([]domain.QueueItem, error) {
	defer rows.Close()
	var items []domain.QueueItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}
