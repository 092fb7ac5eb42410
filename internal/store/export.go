package store

import (
	"context"
	"fmt"
	"time"

	"github.com/pavelanni/autograder/internal/model"
)

// ExportExam builds export-ready grading results for every submission
// of an exam.
func (s *Store) ExportExam(ctx context.Context, examID int64) (*model.GradeExport, error) {
	exam, err := s.GetExam(ctx, examID)
	if err != nil {
		return nil, fmt.Errorf("get exam %d: %w", examID, err)
	}
	subs, err := s.ListSubmissions(ctx, examID)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}

	export := &model.GradeExport{
		ExamID:     exam.ID,
		ExamTitle:  exam.Title,
		ExportedAt: time.Now().UTC(),
		Results:    make([]model.SubmissionResult, 0, len(subs)),
	}
	for _, sub := range subs {
		view, err := s.GetSubmissionView(ctx, sub.ID)
		if err != nil {
			return nil, fmt.Errorf("get submission %d: %w", sub.ID, err)
		}

		answers := make([]model.AnswerResult, 0, len(view.Answers))
		for _, av := range view.Answers {
			answers = append(answers, model.AnswerResult{
				QuestionID:           av.Question.ID,
				QuestionType:         av.Question.Type,
				MaxMarks:             av.Question.MaxMarks,
				Score:                av.Answer.Score,
				GradedBy:             av.Answer.GradedBy,
				Feedback:             av.Answer.Feedback,
				RequiresManualReview: av.Answer.RequiresManualReview,
			})
		}

		export.Results = append(export.Results, model.SubmissionResult{
			SubmissionID: sub.ID,
			StudentID:    sub.StudentID,
			Status:       sub.Status,
			TotalScore:   sub.TotalScore,
			Percentage:   sub.Percentage,
			GradedAt:     sub.GradedAt,
			Answers:      answers,
		})
	}
	return export, nil
}
