package grading

import (
	"context"
	"errors"
	"fmt"

	"github.com/pavelanni/autograder/internal/metrics"
	"github.com/pavelanni/autograder/internal/model"
	"github.com/pavelanni/autograder/internal/queue"
	"github.com/pavelanni/autograder/internal/scoring"
	"github.com/pavelanni/autograder/internal/store"
)

// HandleAnswer runs one answer unit. It returns an error only when the
// unit should be delivered again; once the task's retries are used up
// the answer is flagged for review and the unit is acknowledged.
func (o *Orchestrator) HandleAnswer(ctx context.Context, u queue.AnswerUnit) error {
	log := o.logger.With("task_id", u.TaskID, "answer_id", u.AnswerID)

	if err := o.store.ClaimTask(ctx, u.TaskID); err != nil {
		if errors.Is(err, store.ErrTaskClaimed) || errors.Is(err, store.ErrNotFound) {
			log.Info("skipping answer unit", "reason", err)
			return nil
		}
		return err
	}
	transition(kindAnswer, model.TaskInProgress)

	res, err := o.gradeAnswer(ctx, u.AnswerID, u.Service, u.Override)
	if err != nil {
		return o.failAnswer(ctx, u, err)
	}

	if err := o.store.MarkTaskCompleted(ctx, u.TaskID, map[string]any{
		"score":                  res.Score,
		"method":                 res.GradedBy,
		"confidence":             res.Confidence,
		"requires_manual_review": res.RequiresManualReview,
	}); err != nil {
		log.Warn("could not complete answer task", "error", err)
		return nil
	}
	transition(kindAnswer, model.TaskCompleted)
	return nil
}

// failAnswer records a failed attempt and decides whether to retry.
func (o *Orchestrator) failAnswer(ctx context.Context, u queue.AnswerUnit, cause error) error {
	log := o.logger.With("task_id", u.TaskID, "answer_id", u.AnswerID)
	log.Error("answer grading failed", "error", cause)
	metrics.AnswersGraded.WithLabelValues(serviceLabel(u.Service), "error").Inc()

	if err := o.store.MarkTaskFailed(ctx, u.TaskID, cause.Error()); err != nil {
		return errors.Join(cause, err)
	}
	transition(kindAnswer, model.TaskFailed)

	err := o.store.IncrementRetry(ctx, u.TaskID)
	switch {
	case err == nil:
		transition(kindAnswer, model.TaskPending)
		return cause
	case errors.Is(err, store.ErrRetriesExhausted):
		log.Warn("retries exhausted, flagging answer for review")
		if ferr := o.store.FlagForReview(ctx, u.AnswerID, cause.Error()); ferr != nil {
			return errors.Join(cause, ferr)
		}
		return nil
	default:
		return errors.Join(cause, err)
	}
}

// HandlePoisoned flags the answer of a unit the queue gave up on. Its
// task is marked failed if it is still open.
func (o *Orchestrator) HandlePoisoned(ctx context.Context, p queue.Poisoned) {
	switch {
	case p.Answer != nil:
		log := o.logger.With("task_id", p.Answer.TaskID, "answer_id", p.Answer.AnswerID)
		if err := o.store.MarkTaskFailed(ctx, p.Answer.TaskID, p.Reason); err == nil {
			transition(kindAnswer, model.TaskFailed)
		}
		if err := o.store.FlagForReview(ctx, p.Answer.AnswerID, p.Reason); err != nil {
			log.Error("could not flag poisoned answer", "error", err)
		}
	case p.Submission != nil:
		if err := o.store.MarkTaskFailed(ctx, p.Submission.TaskID, p.Reason); err == nil {
			transition(kindSubmission, model.TaskFailed)
		}
		o.logger.Error("submission grading abandoned",
			"task_id", p.Submission.TaskID, "submission_id", p.Submission.SubmissionID, "reason", p.Reason)
	}
}

// gradeAnswer scores one answer, stores the result and refreshes the
// submission totals. A returned error means nothing was stored.
func (o *Orchestrator) gradeAnswer(ctx context.Context, answerID int64, service string, override *model.ServiceConfig) (model.GradingResult, error) {
	av, err := o.store.GetAnswerView(ctx, answerID)
	if err != nil {
		return model.GradingResult{}, fmt.Errorf("load answer %d: %w", answerID, err)
	}

	res, policy, err := o.score(ctx, av, service, override)
	if err != nil {
		return model.GradingResult{}, err
	}
	applyPolicy(&res, policy)

	if err := o.store.SaveAnswerResult(ctx, answerID, res); err != nil {
		return model.GradingResult{}, err
	}
	outcome := "scored"
	if res.RequiresManualReview {
		outcome = "review"
	}
	metrics.AnswersGraded.WithLabelValues(string(res.GradedBy), outcome).Inc()
	o.logger.Info("answer graded",
		"answer_id", answerID, "method", res.GradedBy, "score", res.Score,
		"confidence", res.Confidence, "requires_manual_review", res.RequiresManualReview)

	if err := o.refresh(ctx, av.Answer.SubmissionID); err != nil {
		return res, err
	}
	return res, nil
}

// score picks the deterministic path when it applies and the registry's
// strategy otherwise. Remote calls are bounded by the policy timeout.
func (o *Orchestrator) score(ctx context.Context, av model.AnswerView, service string, override *model.ServiceConfig) (model.GradingResult, model.GradingConfiguration, error) {
	if av.Question.Type.IsChoice() {
		res, _ := scoring.Auto(ctx, av)
		return res, model.GradingConfiguration{}, nil
	}

	strategy, policy := o.registry.Get(ctx, service, &av.Question, override)
	if res, ok := scoring.Auto(ctx, av); ok {
		return res, policy, nil
	}

	gctx, cancel := context.WithTimeout(ctx, policy.Timeout())
	defer cancel()
	res, err := strategy.Grade(gctx, av)
	if err != nil {
		return res, policy, fmt.Errorf("grade answer %d with %s: %w", av.Answer.ID, strategy.Name(), err)
	}
	return res, policy, nil
}

// applyPolicy raises the review flag when the configuration asks for it
// or the confidence is under the threshold. Exact-match results are
// always trusted.
func applyPolicy(res *model.GradingResult, policy model.GradingConfiguration) {
	if res.GradedBy == model.GradedByAuto {
		return
	}
	if policy.RequireManualReview || res.Confidence < policy.AutoGradeThreshold {
		res.RequiresManualReview = true
	}
}

// refresh recomputes the submission totals and marks it graded once
// every answer has a score.
func (o *Orchestrator) refresh(ctx context.Context, submissionID int64) error {
	total, pct, err := o.store.CalculateScore(ctx, submissionID)
	if err != nil {
		return err
	}
	graded, err := o.store.MarkAsGraded(ctx, submissionID)
	if err != nil {
		return err
	}
	if graded {
		o.logger.Info("submission graded", "submission_id", submissionID, "total_score", total, "percentage", pct)
	}
	return nil
}

// ManualGrade records an instructor's score for an answer.
func (o *Orchestrator) ManualGrade(ctx context.Context, answerID int64, score float64, feedback string) (model.AnswerView, error) {
	av, err := o.store.GetAnswerView(ctx, answerID)
	if err != nil {
		return av, err
	}
	if score < 0 || score > av.Question.MaxMarks {
		return av, fmt.Errorf("%w: %g not in [0, %g]", ErrScoreOutOfRange, score, av.Question.MaxMarks)
	}
	if err := o.store.SetManualGrade(ctx, answerID, scoring.Round2(score), feedback); err != nil {
		return av, err
	}
	metrics.AnswersGraded.WithLabelValues(string(model.GradedByManual), "scored").Inc()
	if err := o.refresh(ctx, av.Answer.SubmissionID); err != nil {
		return av, err
	}
	return o.store.GetAnswerView(ctx, answerID)
}

func serviceLabel(service string) string {
	if service == "" {
		return "default"
	}
	return service
}
