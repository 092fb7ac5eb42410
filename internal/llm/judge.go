package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"golang.org/x/time/rate"

	"github.com/pavelanni/autograder/internal/i18n"
	"github.com/pavelanni/autograder/internal/llm/prompts"
	"github.com/pavelanni/autograder/internal/metrics"
	"github.com/pavelanni/autograder/internal/model"
	"github.com/pavelanni/autograder/internal/scoring"
)

// ErrTimeout marks a remote call that ran out of time. Callers treat it
// as retryable.
var ErrTimeout = errors.New("grading call timed out")

// Judge grades free-text answers by asking a remote model. Backend and
// response failures become manual-review results; only an expired
// context is returned as an error.
type Judge struct {
	provider Provider
	client   Completer
	cfg      model.ServiceConfig
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// NewJudge builds a judge. A nil client stands for a backend without
// credentials; every answer it sees goes to manual review. A nil limiter
// disables rate limiting.
func NewJudge(p Provider, client Completer, cfg model.ServiceConfig, limiter *rate.Limiter, logger *slog.Logger) *Judge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Judge{
		provider: p,
		client:   client,
		cfg:      cfg,
		limiter:  limiter,
		logger:   logger.With("service", p.Name),
	}
}

func (j *Judge) Name() string { return j.provider.Name }

func (j *Judge) Grade(ctx context.Context, av model.AnswerView) (model.GradingResult, error) {
	by := model.GradedBy(j.provider.Name)
	if scoring.IsBlank(av.Answer.Text) {
		return scoring.EmptyAnswer(ctx, by), nil
	}
	modelName, temperature, maxTokens := j.provider.Settings(j.cfg)
	log := j.logger.With("answer_id", av.Answer.ID, "model", modelName)

	if j.client == nil {
		log.Error("grading backend not configured")
		return j.fallback(ctx, modelName, fmt.Sprintf("%s: %v", j.provider.Name, ErrMissingCredentials)), nil
	}

	prompt, err := prompts.BuildGradePrompt(av.Question, av.Answer.Text)
	if err != nil {
		log.Error("build prompt", "error", err)
		return j.fallback(ctx, modelName, err.Error()), nil
	}

	if j.limiter != nil {
		if err := j.limiter.Wait(ctx); err != nil {
			return model.GradingResult{}, fmt.Errorf("%s rate limit wait: %w: %w", j.provider.Name, ErrTimeout, err)
		}
	}

	start := time.Now()
	comp, err := j.client.Complete(ctx, Request{
		System:      prompts.System,
		Prompt:      prompt,
		Model:       modelName,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	metrics.ObserveLLM(j.provider.Name, start, err)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			log.Warn("grading call timed out", "elapsed", time.Since(start), "error", err)
			return model.GradingResult{}, fmt.Errorf("%s: %w: %w", j.provider.Name, ErrTimeout, err)
		}
		log.Error("grading call failed", "error", err)
		return j.fallback(ctx, modelName, err.Error()), nil
	}
	log.Debug("grading response", "raw", comp.Text)

	verdict, err := ParseVerdict(comp.Text)
	if err != nil {
		log.Error("failed to parse AI response", "error", err)
		return j.fallback(ctx, modelName, "failed to parse AI response: "+err.Error()), nil
	}

	maxMarks := av.Question.MaxMarks
	score := *verdict.Score
	meta := map[string]any{
		"method": j.provider.Name,
		"model":  modelName,
	}
	switch {
	case score > maxMarks:
		log.Warn("score above max marks, capping", "score", score, "max_marks", maxMarks)
		meta["score_capped"] = true
		meta["raw_score"] = score
		score = maxMarks
	case score < 0:
		log.Warn("negative score, flooring", "score", score)
		meta["raw_score"] = score
		score = 0
	}

	confidence := j.provider.DefaultConfidence
	if verdict.Confidence != nil {
		confidence = min(max(*verdict.Confidence, 0), 100)
	}
	meta["confidence"] = confidence
	maps.Copy(meta, comp.Usage)

	log.Info("answer graded", "score", score, "max_marks", maxMarks, "confidence", confidence)
	return model.GradingResult{
		Score:      model.Float(scoring.Round2(score)),
		Feedback:   verdict.Feedback,
		Confidence: confidence,
		GradedBy:   by,
		Metadata:   meta,
	}, nil
}

// fallback is the manual-review result for a failed call. Students see
// only the pending-review message; the error stays in metadata.
func (j *Judge) fallback(ctx context.Context, modelName, reason string) model.GradingResult {
	return model.GradingResult{
		Feedback:             i18n.T(ctx, "PendingReview"),
		GradedBy:             model.GradedBy(j.provider.Name),
		RequiresManualReview: true,
		Metadata: map[string]any{
			"method": j.provider.Name,
			"model":  modelName,
			"error":  reason,
		},
	}
}
