package scoring

import (
	"context"
	"fmt"
	"strings"

	"github.com/pavelanni/autograder/internal/i18n"
	"github.com/pavelanni/autograder/internal/model"
)

// maxListedKeywords caps how many matched keywords feedback names.
const maxListedKeywords = 5

// Keyword grades free text by keyword coverage, falling back to word
// overlap with the reference answer when the question has no keywords.
// It never calls out and never fails.
type Keyword struct {
	// GradedBy tags results; auto_keyword on the deterministic path,
	// mock when selected as a grading service.
	GradedBy model.GradedBy
	// SimilarityThreshold is recorded in metadata for reviewers.
	SimilarityThreshold float64
}

func (k Keyword) Name() string { return string(k.GradedBy) }

func (k Keyword) Grade(ctx context.Context, av model.AnswerView) (model.GradingResult, error) {
	return k.grade(ctx, av), nil
}

func (k Keyword) grade(ctx context.Context, av model.AnswerView) model.GradingResult {
	q := av.Question
	if IsBlank(av.Answer.Text) {
		return EmptyAnswer(ctx, k.GradedBy)
	}

	answer := Normalize(av.Answer.Text)
	if ref := Normalize(q.CorrectAnswer); ref != "" && answer == ref {
		return model.GradingResult{
			Score:      model.Float(max(q.MaxMarks, 0)),
			Feedback:   i18n.T(ctx, "PerfectMatch"),
			Confidence: 100,
			GradedBy:   k.GradedBy,
			Metadata:   map[string]any{"method": "exact_match", "correct": true},
		}
	}

	if keywords := cleanKeywords(q.Keywords); len(keywords) > 0 {
		return k.byKeywords(ctx, answer, keywords, q)
	}
	return k.bySimilarity(ctx, answer, q)
}

func (k Keyword) byKeywords(ctx context.Context, answer string, keywords []string, q model.Question) model.GradingResult {
	var matched []string
	for _, kw := range keywords {
		if strings.Contains(answer, strings.ToLower(kw)) {
			matched = append(matched, kw)
		}
	}
	coverage := float64(len(matched)) / float64(len(keywords))

	parts := []string{i18n.Td(ctx, "KeywordScore", map[string]any{
		"Coverage": fmt.Sprintf("%.1f", coverage*100),
	})}
	if len(matched) > 0 {
		listed := matched
		if len(listed) > maxListedKeywords {
			listed = listed[:maxListedKeywords]
		}
		parts = append(parts, i18n.Td(ctx, "MatchedKeywords", map[string]any{
			"Keywords": strings.Join(listed, ", "),
		}))
	} else {
		parts = append(parts, i18n.T(ctx, "NoKeywordsMatched"))
	}
	switch {
	case coverage >= 0.8:
		parts = append(parts, i18n.T(ctx, "KeywordExcellent"))
	case coverage >= 0.5:
		parts = append(parts, i18n.T(ctx, "KeywordGood"))
	default:
		parts = append(parts, i18n.T(ctx, "KeywordLacking"))
	}

	if matched == nil {
		matched = []string{}
	}
	return model.GradingResult{
		Score:      model.Float(Clamp(Round2(q.MaxMarks*coverage*q.KeywordWeight), q.MaxMarks)),
		Feedback:   strings.Join(parts, " "),
		Confidence: Round2(coverage * 100),
		GradedBy:   k.GradedBy,
		Metadata: map[string]any{
			"method":           "keyword_matching",
			"matched_keywords": matched,
			"keyword_score":    coverage,
			"weight":           q.KeywordWeight,
		},
	}
}

func (k Keyword) bySimilarity(ctx context.Context, answer string, q model.Question) model.GradingResult {
	ref := wordSet(Normalize(q.CorrectAnswer))
	if len(ref) == 0 {
		return model.GradingResult{
			Feedback:             i18n.T(ctx, "NoReference"),
			Confidence:           50,
			GradedBy:             k.GradedBy,
			RequiresManualReview: true,
			Metadata: map[string]any{
				"method": "text_similarity",
				"error":  "no reference answer",
			},
		}
	}

	overlap := 0
	for w := range wordSet(answer) {
		if ref[w] {
			overlap++
		}
	}
	similarity := float64(overlap) / float64(len(ref))

	parts := []string{i18n.Td(ctx, "SimilarityScore", map[string]any{
		"Similarity": fmt.Sprintf("%.1f", similarity*100),
	})}
	switch {
	case similarity >= 0.8:
		parts = append(parts, i18n.T(ctx, "SimilarityHigh"))
	case similarity >= 0.5:
		parts = append(parts, i18n.T(ctx, "SimilarityPartial"))
	default:
		parts = append(parts, i18n.T(ctx, "SimilarityLow"))
	}

	meta := map[string]any{
		"method":     "text_similarity",
		"similarity": similarity,
	}
	if k.SimilarityThreshold > 0 {
		meta["similarity_threshold"] = k.SimilarityThreshold
	}
	return model.GradingResult{
		Score:      model.Float(Clamp(Round2(q.MaxMarks*similarity), q.MaxMarks)),
		Feedback:   strings.Join(parts, " "),
		Confidence: Round2(similarity * 100),
		GradedBy:   k.GradedBy,
		Metadata:   meta,
	}
}

// EmptyAnswer is the result for a blank free-text answer: zero marks, flagged
// for review.
func EmptyAnswer(ctx context.Context, by model.GradedBy) model.GradingResult {
	return model.GradingResult{
		Score:                model.Float(0),
		Feedback:             i18n.T(ctx, "NoAnswer"),
		Confidence:           100,
		GradedBy:             by,
		RequiresManualReview: true,
		Metadata:             map[string]any{"method": "empty_answer"},
	}
}

func cleanKeywords(in []string) []string {
	out := make([]string, 0, len(in))
	for _, kw := range in {
		if kw = strings.TrimSpace(kw); kw != "" {
			out = append(out, kw)
		}
	}
	return out
}

func wordSet(s string) map[string]bool {
	words := strings.Fields(s)
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}
