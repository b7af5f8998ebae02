package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const taskColumns = `id, frequency, cron_expr, target_user_id, content, created_by, enabled,
	last_run_at, next_run_at, created_at, updated_at`

// CreateTask inserts an enabled task and returns the stored row.
func (s *Store) CreateTask(ctx context.Context, req CreateTaskRequest) (ScheduledTask, error) {
	if _, err := ParseFrequency(string(req.Frequency)); err != nil {
		return ScheduledTask{}, err
	}
	if _, err := ParseCreator(string(req.CreatedBy)); err != nil {
		return ScheduledTask{}, err
	}
	now := s.stamp()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_tasks(frequency, cron_expr, target_user_id, content, created_by, enabled, created_at, updated_at)
		 VALUES(?,?,?,?,?,1,?,?)`,
		string(req.Frequency), strings.TrimSpace(req.CronExpr), req.TargetUserID, req.Content, string(req.CreatedBy), now, now,
	)
	if err != nil {
		return ScheduledTask{}, fmt.Errorf("insert task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return ScheduledTask{}, err
	}
	return s.GetTask(ctx, id)
}

func (s *Store) GetTask(ctx context.Context, id int64) (ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ScheduledTask{}, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	return t, err
}

// ListEnabledTasks returns every task that should have a live job.
func (s *Store) ListEnabledTasks(ctx context.Context) ([]ScheduledTask, error) {
	return s.ListTasks(ctx, TaskFilter{EnabledOnly: true})
}

func (s *Store) ListSystemTasksForUser(ctx context.Context, userID int64) ([]ScheduledTask, error) {
	return s.ListTasks(ctx, TaskFilter{UserID: userID, CreatedBy: BySystem})
}

func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]ScheduledTask, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != 0 {
		where = append(where, "target_user_id = ?")
		args = append(args, f.UserID)
	}
	if f.EnabledOnly {
		where = append(where, "enabled = 1")
	}
	if f.CreatedBy != "" {
		where = append(where, "created_by = ?")
		args = append(args, string(f.CreatedBy))
	}
	q := `SELECT ` + taskColumns + ` FROM scheduled_tasks`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectRow(res, "task", id)
}

// DeleteSystemTasksForUser drops a user's ambient batch and reports how many rows went.
func (s *Store) DeleteSystemTasksForUser(ctx context.Context, userID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM scheduled_tasks WHERE target_user_id = ? AND created_by = 'system'`, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MarkRun records a firing. next may be nil when no further run is planned.
func (s *Store) MarkRun(ctx context.Context, id int64, at time.Time, next *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_tasks SET last_run_at = ?, next_run_at = ? WHERE id = ?`,
		formatTS(at), nullTS(next), id)
	if err != nil {
		return err
	}
	return expectRow(res, "task", id)
}

func (s *Store) SetNextRun(ctx context.Context, id int64, next *time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE scheduled_tasks SET next_run_at = ? WHERE id = ?`, nullTS(next), id)
	if err != nil {
		return err
	}
	return expectRow(res, "task", id)
}

// DisableTask is a single atomic UPDATE; it also clears next_run_at.
func (s *Store) DisableTask(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_tasks SET enabled = 0, next_run_at = NULL WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectRow(res, "task", id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (ScheduledTask, error) {
	var (
		t                    ScheduledTask
		freq, creator        string
		enabled              int
		lastRun, nextRun     sql.NullString
		createdAt, updatedAt string
	)
	if err := r.Scan(&t.ID, &freq, &t.CronExpr, &t.TargetUserID, &t.Content, &creator, &enabled,
		&lastRun, &nextRun, &createdAt, &updatedAt); err != nil {
		return ScheduledTask{}, err
	}
	var err error
	if t.Frequency, err = ParseFrequency(freq); err != nil {
		return ScheduledTask{}, err
	}
	if t.CreatedBy, err = ParseCreator(creator); err != nil {
		return ScheduledTask{}, err
	}
	t.Enabled = enabled != 0
	if t.LastRunAt, err = parseNullTS(lastRun); err != nil {
		return ScheduledTask{}, fmt.Errorf("task %d last_run_at: %w", t.ID, err)
	}
	if t.NextRunAt, err = parseNullTS(nextRun); err != nil {
		return ScheduledTask{}, fmt.Errorf("task %d next_run_at: %w", t.ID, err)
	}
	if t.CreatedAt, err = parseTS(createdAt); err != nil {
		return ScheduledTask{}, fmt.Errorf("task %d created_at: %w", t.ID, err)
	}
	if t.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return ScheduledTask{}, fmt.Errorf("task %d updated_at: %w", t.ID, err)
	}
	return t, nil
}

func expectRow(res sql.Result, what string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", what, id, ErrNotFound)
	}
	return nil
}
