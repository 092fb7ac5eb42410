package grading

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pavelanni/autograder/internal/model"
	"github.com/pavelanni/autograder/internal/queue"
	"github.com/pavelanni/autograder/internal/store"
)

// RetryTask puts a failed task back on the queue. The store rejects
// tasks that are not failed or have no retries left.
func (o *Orchestrator) RetryTask(ctx context.Context, taskID int64) (model.GradingTask, error) {
	if o.queue == nil {
		return model.GradingTask{}, ErrNoQueue
	}
	if err := o.store.IncrementRetry(ctx, taskID); err != nil {
		return model.GradingTask{}, err
	}
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return task, err
	}

	kind := kindSubmission
	var msgID string
	if task.AnswerID != nil {
		kind = kindAnswer
		msgID, err = o.queue.PublishAnswer(ctx, queue.AnswerUnit{
			TaskID:       task.ID,
			SubmissionID: task.SubmissionID,
			AnswerID:     *task.AnswerID,
			Service:      task.Service,
			Override:     task.Override,
		})
	} else {
		msgID, err = o.queue.PublishSubmission(ctx, queue.SubmissionUnit{
			TaskID:       task.ID,
			SubmissionID: task.SubmissionID,
			Service:      task.Service,
			Override:     task.Override,
		})
	}
	if err != nil {
		o.abandon(ctx, kind, task.ID, err)
		return task, err
	}
	transition(kind, model.TaskPending)
	if err := o.store.SetQueueMessageID(ctx, task.ID, msgID); err != nil {
		return task, err
	}
	task.QueueMessageID = msgID
	o.logger.Info("task requeued", "task_id", task.ID, "retry_count", task.RetryCount, "message_id", msgID)
	return task, nil
}

func (o *Orchestrator) TaskStats(ctx context.Context) (model.TaskStats, error) {
	return o.store.TaskStats(ctx)
}

func (o *Orchestrator) TasksByStatus(ctx context.Context, status model.TaskStatus, limit int) ([]model.GradingTask, error) {
	return o.store.TasksByStatus(ctx, status, limit)
}

// SweepStale fails tasks that no worker will finish and puts them back on
// the queue while they have retries left. Pending tasks go stale after
// maxAge. In-progress tasks get at least the longest configured grading
// timeout plus a minute, so a slow judge call is never cut short.
func (o *Orchestrator) SweepStale(ctx context.Context, maxAge time.Duration) (int, error) {
	timeout, err := o.store.MaxGradingTimeout(ctx)
	if err != nil {
		return 0, err
	}
	now := time.Now()
	return o.requeueStale(ctx, now.Add(-maxAge), now.Add(-max(maxAge, timeout+time.Minute)))
}

// RecoverOrphans requeues every pending or in-progress task last touched
// before the given time. Called at startup with the process start time,
// it picks up units the in-memory queue lost with the previous process.
func (o *Orchestrator) RecoverOrphans(ctx context.Context, before time.Time) (int, error) {
	return o.requeueStale(ctx, before, before)
}

func (o *Orchestrator) requeueStale(ctx context.Context, pendingBefore, runningBefore time.Time) (int, error) {
	if o.queue == nil {
		return 0, ErrNoQueue
	}
	ids, err := o.store.FailStaleTasks(ctx, pendingBefore, runningBefore)
	if err != nil {
		return 0, err
	}
	requeued := 0
	for _, id := range ids {
		_, err := o.RetryTask(ctx, id)
		switch {
		case err == nil:
			requeued++
		case errors.Is(err, store.ErrRetriesExhausted):
			o.giveUp(ctx, id)
		default:
			o.logger.Error("could not requeue stale task", "task_id", id, "error", err)
		}
	}
	if len(ids) > 0 {
		o.logger.Warn("recovered stale grading tasks", "failed", len(ids), "requeued", requeued)
	}
	return requeued, nil
}

// giveUp flags the answer of a task that is out of retries for review.
func (o *Orchestrator) giveUp(ctx context.Context, taskID int64) {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		o.logger.Error("could not load stale task", "task_id", taskID, "error", err)
		return
	}
	if task.AnswerID == nil {
		return
	}
	if err := o.store.FlagForReview(ctx, *task.AnswerID, task.ErrorMessage); err != nil {
		o.logger.Error("could not flag answer", "answer_id", *task.AnswerID, "error", err)
	}
}

// SaveConfig validates and stores a grading configuration.
func (o *Orchestrator) SaveConfig(ctx context.Context, c model.GradingConfiguration) (model.GradingConfiguration, error) {
	if err := o.validator.Config(c); err != nil {
		return c, err
	}
	id, err := o.store.SaveConfig(ctx, c)
	if err != nil {
		return c, fmt.Errorf("save config: %w", err)
	}
	if o.configs != nil {
		if err := o.configs.Invalidate(ctx); err != nil {
			o.logger.Warn("could not invalidate config cache", "error", err)
		}
	}
	o.logger.Info("grading configuration saved", "id", id, "scope", c.Scope, "service", c.GradingService)
	return o.store.GetConfig(ctx, id)
}

// CheckConfig validates a grading configuration without storing it.
func (o *Orchestrator) CheckConfig(c model.GradingConfiguration) error {
	return o.validator.Config(c)
}

// Validate checks a request struct against its validate tags.
func (o *Orchestrator) Validate(v any) error {
	return o.validator.Struct(v)
}

func (o *Orchestrator) Services() []model.ServiceInfo {
	return o.registry.Services()
}
