package grading

import (
	"context"
	"errors"
	"fmt"

	"github.com/pavelanni/autograder/internal/model"
	"github.com/pavelanni/autograder/internal/queue"
	"github.com/pavelanni/autograder/internal/store"
)

// GradeSubmission creates a submission task and queues it. service and
// override are optional and apply to every answer of the submission.
func (o *Orchestrator) GradeSubmission(ctx context.Context, submissionID int64, service string, override *model.ServiceConfig) (int64, error) {
	if o.queue == nil {
		return 0, ErrNoQueue
	}
	sub, err := o.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return 0, fmt.Errorf("submission %d: %w", submissionID, err)
	}
	if sub.Status == model.SubmissionInProgress {
		return 0, fmt.Errorf("submission %d: %w", submissionID, ErrNotSubmitted)
	}
	return o.enqueueSubmission(ctx, submissionID, service, override)
}

func (o *Orchestrator) enqueueSubmission(ctx context.Context, submissionID int64, service string, override *model.ServiceConfig) (int64, error) {
	_, policy := o.registry.Get(ctx, service, nil, nil)
	taskID, err := o.store.CreateTask(ctx, model.GradingTask{
		SubmissionID:  submissionID,
		GradingMethod: policy.GradingService,
		Service:       service,
		Override:      override,
		MaxRetries:    policy.MaxRetries,
	})
	if err != nil {
		return 0, fmt.Errorf("create submission task: %w", err)
	}
	transition(kindSubmission, model.TaskPending)

	msgID, err := o.queue.PublishSubmission(ctx, queue.SubmissionUnit{
		TaskID:       taskID,
		SubmissionID: submissionID,
		Service:      service,
		Override:     override,
	})
	if err != nil {
		o.abandon(ctx, kindSubmission, taskID, err)
		return taskID, err
	}
	if err := o.store.SetQueueMessageID(ctx, taskID, msgID); err != nil {
		o.logger.Warn("could not record queue message", "task_id", taskID, "error", err)
	}
	o.logger.Info("submission queued", "submission_id", submissionID, "task_id", taskID, "message_id", msgID)
	return taskID, nil
}

// BulkGrade queues up to MaxBatch submissions. The batch is rejected as a
// whole if it is too large or any submission does not exist.
func (o *Orchestrator) BulkGrade(ctx context.Context, ids []int64, service string, override *model.ServiceConfig) ([]int64, error) {
	switch {
	case len(ids) == 0:
		return nil, ErrEmptyBatch
	case len(ids) > MaxBatch:
		return nil, fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(ids), MaxBatch)
	}
	if o.queue == nil {
		return nil, ErrNoQueue
	}
	missing, err := o.store.MissingSubmissions(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrSubmissionsNotFound, missing)
	}

	taskIDs := make([]int64, 0, len(ids))
	for _, id := range ids {
		taskID, err := o.enqueueSubmission(ctx, id, service, override)
		if err != nil {
			return taskIDs, fmt.Errorf("submission %d: %w", id, err)
		}
		taskIDs = append(taskIDs, taskID)
	}
	return taskIDs, nil
}

// HandleSubmission runs a submission unit: it queues one answer unit per
// unscored answer, refreshes the totals and completes the task.
func (o *Orchestrator) HandleSubmission(ctx context.Context, u queue.SubmissionUnit) error {
	log := o.logger.With("task_id", u.TaskID, "submission_id", u.SubmissionID)

	if err := o.store.ClaimTask(ctx, u.TaskID); err != nil {
		if errors.Is(err, store.ErrTaskClaimed) || errors.Is(err, store.ErrNotFound) {
			log.Info("skipping submission unit", "reason", err)
			return nil
		}
		return err
	}
	transition(kindSubmission, model.TaskInProgress)

	result, err := o.fanOut(ctx, u)
	if err != nil {
		log.Error("submission grading failed", "error", err)
		if ferr := o.store.MarkTaskFailed(ctx, u.TaskID, err.Error()); ferr != nil {
			return errors.Join(err, ferr)
		}
		transition(kindSubmission, model.TaskFailed)
		if rerr := o.store.IncrementRetry(ctx, u.TaskID); rerr != nil {
			log.Warn("submission task not retried", "error", rerr)
			return nil
		}
		transition(kindSubmission, model.TaskPending)
		return err
	}

	if err := o.store.MarkTaskCompleted(ctx, u.TaskID, result); err != nil {
		log.Warn("could not complete submission task", "error", err)
		return nil
	}
	transition(kindSubmission, model.TaskCompleted)
	log.Info("submission unit done", "result", result)
	return nil
}

func (o *Orchestrator) fanOut(ctx context.Context, u queue.SubmissionUnit) (map[string]any, error) {
	view, err := o.store.GetSubmissionView(ctx, u.SubmissionID)
	if err != nil {
		return nil, err
	}
	graded, enqueued := 0, 0
	for _, av := range view.Answers {
		if av.Answer.IsScored() {
			graded++
			continue
		}
		queued, err := o.enqueueAnswer(ctx, av, u.Service, u.Override)
		if err != nil {
			return nil, err
		}
		if queued {
			enqueued++
		}
	}

	total, pct, err := o.store.CalculateScore(ctx, u.SubmissionID)
	if err != nil {
		return nil, err
	}
	if _, err := o.store.MarkAsGraded(ctx, u.SubmissionID); err != nil {
		return nil, err
	}
	return map[string]any{
		"total_score":      total,
		"percentage":       pct,
		"graded_answers":   graded,
		"enqueued_answers": enqueued,
	}, nil
}

// enqueueAnswer creates an answer task and queues it. It reports false
// when the answer already has an active task.
func (o *Orchestrator) enqueueAnswer(ctx context.Context, av model.AnswerView, service string, override *model.ServiceConfig) (bool, error) {
	_, policy := o.registry.Get(ctx, service, &av.Question, nil)
	method := policy.GradingService
	if av.Question.Type.IsChoice() {
		method = string(model.GradedByAuto)
	}
	taskID, err := o.store.CreateTask(ctx, model.GradingTask{
		SubmissionID:  av.Answer.SubmissionID,
		AnswerID:      &av.Answer.ID,
		GradingMethod: method,
		Service:       service,
		Override:      override,
		MaxRetries:    policy.MaxRetries,
	})
	if errors.Is(err, store.ErrTaskActive) {
		o.logger.Info("answer already queued", "answer_id", av.Answer.ID)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create answer task: %w", err)
	}
	transition(kindAnswer, model.TaskPending)

	msgID, err := o.queue.PublishAnswer(ctx, queue.AnswerUnit{
		TaskID:       taskID,
		SubmissionID: av.Answer.SubmissionID,
		AnswerID:     av.Answer.ID,
		Service:      service,
		Override:     override,
	})
	if err != nil {
		o.abandon(ctx, kindAnswer, taskID, err)
		return false, err
	}
	if err := o.store.SetQueueMessageID(ctx, taskID, msgID); err != nil {
		o.logger.Warn("could not record queue message", "task_id", taskID, "error", err)
	}
	return true, nil
}

// abandon fails a task whose unit never reached the queue.
func (o *Orchestrator) abandon(ctx context.Context, kind string, taskID int64, cause error) {
	if err := o.store.MarkTaskFailed(ctx, taskID, cause.Error()); err != nil {
		o.logger.Error("could not fail unqueued task", "task_id", taskID, "error", err)
		return
	}
	transition(kind, model.TaskFailed)
}

// Regrade clears answers of a submission (all, or only those flagged for
// review) and queues them again. It returns how many answers were queued.
func (o *Orchestrator) Regrade(ctx context.Context, submissionID int64, all bool, service string, override *model.ServiceConfig) (int, error) {
	if o.queue == nil {
		return 0, ErrNoQueue
	}
	if _, err := o.store.GetSubmission(ctx, submissionID); err != nil {
		return 0, fmt.Errorf("submission %d: %w", submissionID, err)
	}
	ids, err := o.store.ResetAnswers(ctx, submissionID, !all)
	if err != nil {
		return 0, err
	}
	if _, _, err := o.store.CalculateScore(ctx, submissionID); err != nil {
		return 0, err
	}

	n := 0
	for _, id := range ids {
		av, err := o.store.GetAnswerView(ctx, id)
		if err != nil {
			return n, err
		}
		queued, err := o.enqueueAnswer(ctx, av, service, override)
		if err != nil {
			return n, err
		}
		if queued {
			n++
		}
	}
	o.logger.Info("regrade queued", "submission_id", submissionID, "all", all, "answers", n)
	return n, nil
}

// Summary reports the outcome of grading a submission in process.
type Summary struct {
	Submission model.Submission `json:"submission"`
	Graded     int              `json:"graded"`
	Review     int              `json:"requires_manual_review"`
	Failed     int              `json:"failed"`
}

// GradeNow grades every unscored answer of a submission in the calling
// goroutine without the queue. Each answer still gets a task so the
// ledger reflects the run. Failed answers are counted, not retried.
func (o *Orchestrator) GradeNow(ctx context.Context, submissionID int64, service string, override *model.ServiceConfig) (Summary, error) {
	var sum Summary
	view, err := o.store.GetSubmissionView(ctx, submissionID)
	if err != nil {
		return sum, fmt.Errorf("submission %d: %w", submissionID, err)
	}
	if view.Submission.Status == model.SubmissionInProgress {
		return sum, fmt.Errorf("submission %d: %w", submissionID, ErrNotSubmitted)
	}

	for _, av := range view.Answers {
		if av.Answer.IsScored() {
			continue
		}
		_, policy := o.registry.Get(ctx, service, &av.Question, nil)
		taskID, err := o.store.CreateTask(ctx, model.GradingTask{
			SubmissionID:  submissionID,
			AnswerID:      &av.Answer.ID,
			GradingMethod: policy.GradingService,
			Service:       service,
			Override:      override,
			MaxRetries:    0,
		})
		if err != nil {
			return sum, fmt.Errorf("answer %d: %w", av.Answer.ID, err)
		}
		u := queue.AnswerUnit{TaskID: taskID, SubmissionID: submissionID, AnswerID: av.Answer.ID, Service: service, Override: override}
		if err := o.HandleAnswer(ctx, u); err != nil {
			return sum, err
		}
		task, err := o.store.GetTask(ctx, taskID)
		if err != nil {
			return sum, err
		}
		switch {
		case task.Status != model.TaskCompleted:
			sum.Failed++
		case task.Result["requires_manual_review"] == true:
			sum.Review++
		default:
			sum.Graded++
		}
	}

	if err := o.refresh(ctx, submissionID); err != nil {
		return sum, err
	}
	sum.Submission, err = o.store.GetSubmission(ctx, submissionID)
	return sum, err
}
