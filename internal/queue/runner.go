package queue

import (
	"context"
	"database/sql"
	"errors"

	"schedflow/internal/domain"
)

const runnerRow = 1

func (s *Store) RunnerStatus(ctx context.Context) (domain.RunnerStatus, error) {
	var (
		st    domain.RunnerStatus
		alive int64
	)
	err := s.queryRow(ctx, s.db, `SELECT guid, alive_since FROM runner_status WHERE id=?`, runnerRow).Scan(&st.GUID, &alive)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RunnerStatus{}, nil
	}
	if err != nil {
		return domain.RunnerStatus{}, err
	}
	st.AliveSince = fromMillis(alive)
	return st, nil
}

// SwapRunnerStatus replaces the runner status only if it still equals expected.
// It reports whether the swap happened; a false result means another instance
// got there first.
func (s *Store) SwapRunnerStatus(ctx context.Context, expected, next domain.RunnerStatus) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if expected.GUID == "" {
		res, err = s.exec(ctx, s.db, `
INSERT INTO runner_status (id, guid, alive_since) VALUES (?,?,?)
ON CONFLICT (id) DO UPDATE SET guid=excluded.guid, alive_since=excluded.alive_since
WHERE runner_status.guid=''`, runnerRow, next.GUID, millis(next.AliveSince))
	} else {
		res, err = s.exec(ctx, s.db, `
UPDATE runner_status SET guid=?, alive_since=? WHERE id=? AND guid=? AND alive_since=?`,
			next.GUID, millis(next.AliveSince), runnerRow, expected.GUID, millis(expected.AliveSince))
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
