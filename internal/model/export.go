package model

import "time"

// GradeExport is the top-level JSON structure for grade export.
type GradeExport struct {
	ExamID     int64              `json:"exam_id"`
	ExamTitle  string             `json:"exam_title"`
	ExportedAt time.Time          `json:"exported_at"`
	Results    []SubmissionResult `json:"results"`
}

// SubmissionResult holds one submission's grading outcome for export.
type SubmissionResult struct {
	SubmissionID int64            `json:"submission_id"`
	StudentID    int64            `json:"student_id"`
	Status       SubmissionStatus `json:"status"`
	TotalScore   *float64         `json:"total_score"`
	Percentage   *float64         `json:"percentage"`
	GradedAt     *time.Time       `json:"graded_at,omitempty"`
	Answers      []AnswerResult   `json:"answers"`
}

// AnswerResult holds per-answer grading data for export.
type AnswerResult struct {
	QuestionID           int64        `json:"question_id"`
	QuestionType         QuestionType `json:"question_type"`
	MaxMarks             float64      `json:"max_marks"`
	Score                *float64     `json:"score"`
	GradedBy             GradedBy     `json:"graded_by"`
	Feedback             string       `json:"feedback"`
	RequiresManualReview bool         `json:"requires_manual_review"`
}
