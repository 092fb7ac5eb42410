package model

import (
	"time"
)

// QuestionType identifies how a question is answered and graded.
type QuestionType string

const (
	QuestionMultipleChoice QuestionType = "multiple_choice"
	QuestionTrueFalse      QuestionType = "true_false"
	QuestionShortAnswer    QuestionType = "short_answer"
	QuestionEssay          QuestionType = "essay"
)

// Valid reports whether t is a known question type.
func (t QuestionType) Valid() bool {
	return t.IsChoice() || t.IsFreeText()
}

// IsChoice reports whether the type is graded by exact match only.
func (t QuestionType) IsChoice() bool {
	return t == QuestionMultipleChoice || t == QuestionTrueFalse
}

// IsFreeText reports whether the type takes free-form text.
func (t QuestionType) IsFreeText() bool {
	return t == QuestionShortAnswer || t == QuestionEssay
}

// SubmissionStatus represents the lifecycle of a submission.
type SubmissionStatus string

const (
	SubmissionInProgress SubmissionStatus = "in_progress"
	SubmissionSubmitted  SubmissionStatus = "submitted"
	SubmissionGraded     SubmissionStatus = "graded"
)

// GradedBy tags which method produced an answer's current score.
type GradedBy string

const (
	GradedByNone        GradedBy = ""
	GradedByAuto        GradedBy = "auto"
	GradedByAutoKeyword GradedBy = "auto_keyword"
	GradedByMock        GradedBy = "mock"
	GradedByOpenAI      GradedBy = "openai"
	GradedByClaude      GradedBy = "claude"
	GradedByGemini      GradedBy = "gemini"
	GradedByManual      GradedBy = "manual"
)

// Exam groups questions. Only the fields grading needs are kept.
type Exam struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
}

// Question represents an exam question as grading sees it.
type Question struct {
	ID                int64        `json:"id"`
	ExamID            int64        `json:"exam_id"`
	Type              QuestionType `json:"type"`
	Text              string       `json:"text"`
	Options           []string     `json:"options,omitempty"`
	MaxMarks          float64      `json:"max_marks"`
	CorrectAnswer     string       `json:"correct_answer"`
	AcceptableAnswers []string     `json:"acceptable_answers,omitempty"`
	Keywords          []string     `json:"keywords,omitempty"`
	KeywordWeight     float64      `json:"keyword_weight"`
	UseAIGrading      bool         `json:"use_ai_grading"`
	GradingRubric     string       `json:"grading_rubric"`
}

// Submission is one student's attempt at an exam.
type Submission struct {
	ID          int64            `json:"id"`
	ExamID      int64            `json:"exam_id"`
	StudentID   int64            `json:"student_id"`
	Status      SubmissionStatus `json:"status"`
	TotalScore  *float64         `json:"total_score,omitempty"`
	Percentage  *float64         `json:"percentage,omitempty"`
	SubmittedAt *time.Time       `json:"submitted_at,omitempty"`
	GradedAt    *time.Time       `json:"graded_at,omitempty"`
}

// Answer is a student's response to one question within a submission.
type Answer struct {
	ID                   int64          `json:"id"`
	SubmissionID         int64          `json:"submission_id"`
	QuestionID           int64          `json:"question_id"`
	Text                 string         `json:"answer_text"`
	Score                *float64       `json:"score,omitempty"`
	Feedback             string         `json:"feedback"`
	GradedBy             GradedBy       `json:"graded_by"`
	GradingMetadata      map[string]any `json:"grading_metadata,omitempty"`
	RequiresManualReview bool           `json:"requires_manual_review"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

// IsScored reports whether the answer carries a score.
func (a Answer) IsScored() bool {
	return a.Score != nil
}

// AnswerView pairs an answer with its question.
type AnswerView struct {
	Answer   Answer
	Question Question
}

// SubmissionView combines a submission with its answers for grading and display.
type SubmissionView struct {
	Submission Submission
	Exam       Exam
	Answers    []AnswerView
}

// AllScored reports whether every answer in the view has a score.
func (v SubmissionView) AllScored() bool {
	for _, a := range v.Answers {
		if !a.Answer.IsScored() {
			return false
		}
	}
	return true
}
