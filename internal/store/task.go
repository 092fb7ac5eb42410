package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pavelanni/autograder/internal/model"
)

var (
	// ErrTaskClaimed is returned when a task is no longer claimable,
	// usually because another worker already took it.
	ErrTaskClaimed = errors.New("task already claimed")
	// ErrTaskActive is returned when an answer already has a pending or
	// in-progress task.
	ErrTaskActive = errors.New("answer already has an active grading task")
	// ErrRetriesExhausted is returned when a task has used its retry budget.
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrTaskNotFailed is returned when retrying a task that has not failed.
	ErrTaskNotFailed = errors.New("task is not failed")
)

const taskColumns = `id, submission_id, answer_id, grading_method, service, service_override, status,
	queue_message_id, started_at, completed_at, result, error_message, retry_count, max_retries,
	created_at, updated_at`

func scanTask(row scanner) (model.GradingTask, error) {
	var t model.GradingTask
	var override, result string
	err := row.Scan(&t.ID, &t.SubmissionID, &t.AnswerID, &t.GradingMethod, &t.Service, &override, &t.Status,
		&t.QueueMessageID, &t.StartedAt, &t.CompletedAt, &result, &t.ErrorMessage, &t.RetryCount, &t.MaxRetries,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return t, err
	}
	if override != "" {
		t.Override = new(model.ServiceConfig)
		if err := decodeJSON(override, t.Override); err != nil {
			return t, fmt.Errorf("task %d service override: %w", t.ID, err)
		}
	}
	if err := decodeJSON(result, &t.Result); err != nil {
		return t, fmt.Errorf("task %d result: %w", t.ID, err)
	}
	return t, nil
}

// CreateTask records a pending task. For answer tasks it fails with
// ErrTaskActive if the answer already has a pending or in-progress task.
func (s *Store) CreateTask(ctx context.Context, t model.GradingTask) (int64, error) {
	var override string
	if t.Override != nil {
		enc, err := encodeJSON(t.Override, "")
		if err != nil {
			return 0, err
		}
		override = enc
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := time.Now()
	if t.AnswerID != nil {
		var active int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM grading_tasks
			 WHERE answer_id = ? AND status IN ('pending', 'in_progress')`, *t.AnswerID,
		).Scan(&active); err != nil {
			return 0, err
		}
		if active > 0 {
			return 0, fmt.Errorf("answer %d: %w", *t.AnswerID, ErrTaskActive)
		}
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO grading_tasks (submission_id, answer_id, grading_method, service, service_override,
		 status, queue_message_id, max_retries, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 'pending', ?, ?, ?, ?)`,
		t.SubmissionID, t.AnswerID, t.GradingMethod, t.Service, override, t.QueueMessageID, t.MaxRetries,
		now, now,
	)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

// GetTask returns a task by ID.
func (s *Store) GetTask(ctx context.Context, id int64) (model.GradingTask, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM grading_tasks WHERE id = ?`, id))
	return t, notFound(err)
}

// SetQueueMessageID links a task to the queue message carrying it.
func (s *Store) SetQueueMessageID(ctx context.Context, id int64, msgID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE grading_tasks SET queue_message_id = ? WHERE id = ?`, msgID, id)
	return err
}

// ClaimTask atomically moves a pending or failed task to in_progress.
// Exactly one caller wins; the others get ErrTaskClaimed.
func (s *Store) ClaimTask(ctx context.Context, id int64) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE grading_tasks SET status = 'in_progress', started_at = ?, updated_at = ?, completed_at = NULL
		 WHERE id = ? AND status IN ('pending', 'failed')`,
		now, now, id,
	)
	if err != nil {
		return fmt.Errorf("claim task %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetTask(ctx, id); err != nil {
			return fmt.Errorf("claim task %d: %w", id, err)
		}
		return fmt.Errorf("claim task %d: %w", id, ErrTaskClaimed)
	}
	return nil
}

// MarkTaskCompleted records the result of an in-progress task.
func (s *Store) MarkTaskCompleted(ctx context.Context, id int64, result map[string]any) error {
	enc, err := encodeJSON(result, "{}")
	if err != nil {
		return err
	}
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE grading_tasks SET status = 'completed', completed_at = ?, updated_at = ?, result = ?,
		   error_message = ''
		 WHERE id = ? AND status = 'in_progress'`,
		now, now, enc, id,
	)
	if err != nil {
		return fmt.Errorf("complete task %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("complete task %d: %w", id, ErrTaskClaimed)
	}
	return nil
}

// MarkTaskFailed records an error on a pending or in-progress task.
func (s *Store) MarkTaskFailed(ctx context.Context, id int64, errMsg string) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE grading_tasks SET status = 'failed', completed_at = ?, updated_at = ?, error_message = ?
		 WHERE id = ? AND status IN ('pending', 'in_progress')`,
		now, now, errMsg, id,
	)
	if err != nil {
		return fmt.Errorf("fail task %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("fail task %d: %w", id, ErrTaskNotFailed)
	}
	return nil
}

// IncrementRetry moves a failed task back to pending and bumps its retry
// count. It is rejected once retry_count has reached max_retries.
func (s *Store) IncrementRetry(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE grading_tasks SET status = 'pending', retry_count = retry_count + 1,
		   started_at = NULL, completed_at = NULL, updated_at = ?
		 WHERE id = ? AND status = 'failed' AND retry_count < max_retries`,
		time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("retry task %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	t, err := s.GetTask(ctx, id)
	if err != nil {
		return fmt.Errorf("retry task %d: %w", id, err)
	}
	if t.Status != model.TaskFailed {
		return fmt.Errorf("retry task %d (%s): %w", id, t.Status, ErrTaskNotFailed)
	}
	return fmt.Errorf("retry task %d (%d/%d): %w", id, t.RetryCount, t.MaxRetries, ErrRetriesExhausted)
}

// FailStaleTasks marks tasks that no worker will finish as failed: pending
// tasks queued before pendingBefore, whose message was lost, and
// in-progress tasks started before runningBefore. It returns their IDs.
func (s *Store) FailStaleTasks(ctx context.Context, pendingBefore, runningBefore time.Time) ([]int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	const stale = `(status = 'pending' AND updated_at < ?) OR (status = 'in_progress' AND started_at < ?)`
	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM grading_tasks WHERE `+stale+` ORDER BY id`, pendingBefore, runningBefore)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	now := time.Now()
	if _, err := tx.ExecContext(ctx,
		`UPDATE grading_tasks SET status = 'failed', completed_at = ?, updated_at = ?,
		   error_message = CASE status WHEN 'pending' THEN 'queue message lost' ELSE 'grading timed out' END
		 WHERE `+stale,
		now, now, pendingBefore, runningBefore,
	); err != nil {
		return nil, err
	}
	return ids, tx.Commit()
}

// TasksByStatus returns up to limit tasks in the given status, oldest
// first. A non-positive limit returns all of them.
func (s *Store) TasksByStatus(ctx context.Context, status model.TaskStatus, limit int) ([]model.GradingTask, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("unknown task status %q", status)
	}
	query := `SELECT ` + taskColumns + ` FROM grading_tasks WHERE status = ? ORDER BY id`
	args := []any{status}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tasks []model.GradingTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *Store) PendingTasks(ctx context.Context) ([]model.GradingTask, error) {
	return s.TasksByStatus(ctx, model.TaskPending, 0)
}

func (s *Store) InProgressTasks(ctx context.Context) ([]model.GradingTask, error) {
	return s.TasksByStatus(ctx, model.TaskInProgress, 0)
}

func (s *Store) CompletedTasks(ctx context.Context) ([]model.GradingTask, error) {
	return s.TasksByStatus(ctx, model.TaskCompleted, 0)
}

func (s *Store) FailedTasks(ctx context.Context) ([]model.GradingTask, error) {
	return s.TasksByStatus(ctx, model.TaskFailed, 0)
}

// TaskStats counts tasks per status and per grading method.
func (s *Store) TaskStats(ctx context.Context) (model.TaskStats, error) {
	stats := model.TaskStats{ByMethod: make(map[string]int)}
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, grading_method, COUNT(*) FROM grading_tasks GROUP BY status, grading_method`)
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	for rows.Next() {
		var status model.TaskStatus
		var method string
		var n int
		if err := rows.Scan(&status, &method, &n); err != nil {
			return stats, err
		}
		stats.Total += n
		stats.ByMethod[method] += n
		switch status {
		case model.TaskPending:
			stats.Pending += n
		case model.TaskInProgress:
			stats.InProgress += n
		case model.TaskCompleted:
			stats.Completed += n
		case model.TaskFailed:
			stats.Failed += n
		}
	}
	return stats, rows.Err()
}
