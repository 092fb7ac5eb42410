// Package scoring holds the grading strategies and the deterministic
// scoring rules shared by them.
package scoring

import (
	"context"
	"math"
	"strings"

	"github.com/pavelanni/autograder/internal/i18n"
	"github.com/pavelanni/autograder/internal/model"
)

// Strategy scores one answer. Strategies never persist anything; the
// caller owns storage of the returned result.
//
// An error is returned only for failures the caller should retry, such
// as a remote call running past its deadline. Everything else, including
// backend and parse failures, comes back as a result that requires
// manual review.
type Strategy interface {
	Name() string
	Grade(ctx context.Context, av model.AnswerView) (model.GradingResult, error)
}

// Normalize trims and lowercases text for comparison.
func Normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Round2 rounds to two decimal places, half away from zero.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Clamp bounds a score to [0, maxMarks].
func Clamp(score, maxMarks float64) float64 {
	return min(max(score, 0), max(maxMarks, 0))
}

// IsBlank reports whether an answer is empty or whitespace only.
func IsBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}

// Auto runs the deterministic grading path for a question: exact match
// for choice questions and keyword matching for free-text questions that
// do not use AI grading. Blank free-text answers are always handled here,
// as are questions of an unknown type, which go to manual review.
// It reports false when the answer has to go to a remote judge.
func Auto(ctx context.Context, av model.AnswerView) (model.GradingResult, bool) {
	q := av.Question
	switch {
	case !q.Type.Valid():
		return Unsupported(ctx, q.Type), true
	case q.Type.IsChoice():
		return ExactMatch{}.grade(av), true
	case q.Type.IsFreeText() && IsBlank(av.Answer.Text):
		return EmptyAnswer(ctx, model.GradedByAutoKeyword), true
	case q.Type.IsFreeText() && !q.UseAIGrading:
		return Keyword{GradedBy: model.GradedByAutoKeyword}.grade(ctx, av), true
	}
	return model.GradingResult{}, false
}

// Unsupported is the result for a question type no strategy can grade.
func Unsupported(ctx context.Context, t model.QuestionType) model.GradingResult {
	return model.GradingResult{
		Feedback:             i18n.T(ctx, "UnsupportedType"),
		GradedBy:             model.GradedByAuto,
		RequiresManualReview: true,
		Metadata: map[string]any{
			"method": "unsupported",
			"error":  "unknown question type " + string(t),
		},
	}
}
