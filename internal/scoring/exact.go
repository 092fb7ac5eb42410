package scoring

import (
	"context"

	"github.com/pavelanni/autograder/internal/model"
)

// ExactMatch grades choice questions by comparing normalized text with
// the correct answer and any acceptable alternatives.
type ExactMatch struct{}

func (ExactMatch) Name() string { return "exact_match" }

func (e ExactMatch) Grade(_ context.Context, av model.AnswerView) (model.GradingResult, error) {
	return e.grade(av), nil
}

func (ExactMatch) grade(av model.AnswerView) model.GradingResult {
	correct := matches(av.Answer.Text, av.Question)
	score := 0.0
	if correct {
		score = max(av.Question.MaxMarks, 0)
	}
	return model.GradingResult{
		Score:      &score,
		Confidence: 100,
		GradedBy:   model.GradedByAuto,
		Metadata: map[string]any{
			"method":  "exact_match",
			"correct": correct,
		},
	}
}

func matches(answer string, q model.Question) bool {
	got := Normalize(answer)
	if got == "" {
		return false
	}
	if got == Normalize(q.CorrectAnswer) {
		return true
	}
	for _, alt := range q.AcceptableAnswers {
		if got == Normalize(alt) {
			return true
		}
	}
	return false
}
