package model

import "time"

// TaskStatus represents the lifecycle of a grading task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskInProgress, TaskCompleted, TaskFailed:
		return true
	}
	return false
}

// GradingTask records one grading unit of work for a submission,
// optionally scoped to a single answer.
type GradingTask struct {
	ID             int64          `json:"id"`
	SubmissionID   int64          `json:"submission_id"`
	AnswerID       *int64         `json:"answer_id,omitempty"`
	GradingMethod  string         `json:"grading_method"`
	// Service and Override are what the caller asked for; retries reuse them.
	Service        string         `json:"service,omitempty"`
	Override       *ServiceConfig `json:"-"`
	Status         TaskStatus     `json:"status"`
	QueueMessageID string         `json:"queue_message_id,omitempty"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	Result         map[string]any `json:"result,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	RetryCount     int            `json:"retry_count"`
	MaxRetries     int            `json:"max_retries"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// CanRetry reports whether a failed task still has retry budget.
func (t GradingTask) CanRetry() bool {
	return t.Status == TaskFailed && t.RetryCount < t.MaxRetries
}

// Duration returns how long the last run took, or zero if it has not finished.
func (t GradingTask) Duration() time.Duration {
	if t.StartedAt == nil || t.CompletedAt == nil {
		return 0
	}
	return t.CompletedAt.Sub(*t.StartedAt)
}

// TaskStats summarizes the task ledger for operators.
type TaskStats struct {
	Total      int            `json:"total"`
	Pending    int            `json:"pending"`
	InProgress int            `json:"in_progress"`
	Completed  int            `json:"completed"`
	Failed     int            `json:"failed"`
	ByMethod   map[string]int `json:"by_method"`
}
