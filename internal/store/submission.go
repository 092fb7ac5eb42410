package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/pavelanni/autograder/internal/model"
)

// CreateSubmission starts an in-progress submission for a student.
func (s *Store) CreateSubmission(ctx context.Context, examID, studentID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO submissions (exam_id, student_id, status) VALUES (?, ?, 'in_progress')`,
		examID, studentID,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// SaveAnswerText stores the student's response to a question, creating
// the answer row on first save. Grading fields are left untouched.
func (s *Store) SaveAnswerText(ctx context.Context, submissionID, questionID int64, text string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO answers (submission_id, question_id, answer_text, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(submission_id, question_id) DO UPDATE SET answer_text = excluded.answer_text,
		   updated_at = excluded.updated_at
		 RETURNING id`,
		submissionID, questionID, text, time.Now(),
	).Scan(&id)
	return id, err
}

// Submit moves an in-progress submission to submitted.
func (s *Store) Submit(ctx context.Context, submissionID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE submissions SET status = 'submitted', submitted_at = ? WHERE id = ? AND status = 'in_progress'`,
		time.Now(), submissionID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("submit %d: %w", submissionID, ErrNotFound)
	}
	return nil
}

const submissionColumns = `id, exam_id, student_id, status, total_score, percentage, submitted_at, graded_at`

func scanSubmission(row scanner) (model.Submission, error) {
	var sub model.Submission
	err := row.Scan(&sub.ID, &sub.ExamID, &sub.StudentID, &sub.Status,
		&sub.TotalScore, &sub.Percentage, &sub.SubmittedAt, &sub.GradedAt)
	return sub, err
}

// GetSubmission returns a submission by ID.
func (s *Store) GetSubmission(ctx context.Context, id int64) (model.Submission, error) {
	sub, err := scanSubmission(s.db.QueryRowContext(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE id = ?`, id))
	return sub, notFound(err)
}

// ListSubmissions returns the submissions of an exam, or all submissions
// when examID is zero.
func (s *Store) ListSubmissions(ctx context.Context, examID int64) ([]model.Submission, error) {
	query := `SELECT ` + submissionColumns + ` FROM submissions`
	var args []any
	if examID != 0 {
		query += ` WHERE exam_id = ?`
		args = append(args, examID)
	}
	query += ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var subs []model.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// MissingSubmissions returns the IDs from ids that have no submission row.
func (s *Store) MissingSubmissions(ctx context.Context, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM submissions WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	found := make(map[int64]bool, len(ids))
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		found[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	var missing []int64
	for _, id := range ids {
		if !found[id] {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

const answerColumns = `a.id, a.submission_id, a.question_id, a.answer_text, a.score, a.feedback,
	a.graded_by, a.grading_metadata, a.requires_manual_review, a.updated_at`

func scanAnswerView(row scanner) (model.AnswerView, error) {
	var a model.Answer
	var meta string
	q, err := scanQuestion(row, &a.ID, &a.SubmissionID, &a.QuestionID, &a.Text, &a.Score, &a.Feedback,
		&a.GradedBy, &meta, &a.RequiresManualReview, &a.UpdatedAt)
	if err != nil {
		return model.AnswerView{}, err
	}
	if err := decodeJSON(meta, &a.GradingMetadata); err != nil {
		return model.AnswerView{}, fmt.Errorf("answer %d metadata: %w", a.ID, err)
	}
	return model.AnswerView{Answer: a, Question: q}, nil
}

// GetAnswerView returns an answer together with its question.
func (s *Store) GetAnswerView(ctx context.Context, answerID int64) (model.AnswerView, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+questionColumns+`, `+answerColumns+`
		 FROM answers a JOIN questions q ON q.id = a.question_id WHERE a.id = ?`, answerID)
	v, err := scanAnswerView(row)
	return v, notFound(err)
}

// GetSubmissionView builds a full view of a submission with its answers
// in question order.
func (s *Store) GetSubmissionView(ctx context.Context, submissionID int64) (*model.SubmissionView, error) {
	sub, err := s.GetSubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	exam, err := s.GetExam(ctx, sub.ExamID)
	if err != nil {
		return nil, fmt.Errorf("exam %d: %w", sub.ExamID, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+questionColumns+`, `+answerColumns+`
		 FROM answers a JOIN questions q ON q.id = a.question_id
		 WHERE a.submission_id = ? ORDER BY q.position, q.id`, submissionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var answers []model.AnswerView
	for rows.Next() {
		v, err := scanAnswerView(rows)
		if err != nil {
			return nil, err
		}
		answers = append(answers, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &model.SubmissionView{
		Submission: sub,
		Exam:       exam,
		Answers:    answers,
	}, nil
}

// SaveAnswerResult persists a grading result on an answer. The review
// flag is sticky: a result can raise it but never clear it. A result
// without a score leaves any existing score and method in place.
func (s *Store) SaveAnswerResult(ctx context.Context, answerID int64, r model.GradingResult) error {
	meta, err := encodeJSON(r.Metadata, "{}")
	if err != nil {
		return err
	}
	var res sql.Result
	if r.Score != nil {
		res, err = s.db.ExecContext(ctx,
			`UPDATE answers SET score = ?, feedback = ?, graded_by = ?, grading_metadata = ?,
			   requires_manual_review = (requires_manual_review OR ?), updated_at = ?
			 WHERE id = ?`,
			*r.Score, r.Feedback, r.GradedBy, meta, r.RequiresManualReview, time.Now(), answerID,
		)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE answers SET feedback = ?, grading_metadata = ?,
			   requires_manual_review = (requires_manual_review OR ?), updated_at = ?
			 WHERE id = ?`,
			r.Feedback, meta, r.RequiresManualReview, time.Now(), answerID,
		)
	}
	if err != nil {
		return fmt.Errorf("save answer %d result: %w", answerID, err)
	}
	return expectRow(res, answerID)
}

// FlagForReview raises the manual review flag and records why in the
// answer's grading metadata.
func (s *Store) FlagForReview(ctx context.Context, answerID int64, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE answers SET requires_manual_review = 1,
		   grading_metadata = json_set(grading_metadata, '$.error', ?), updated_at = ?
		 WHERE id = ?`,
		reason, time.Now(), answerID,
	)
	if err != nil {
		return fmt.Errorf("flag answer %d: %w", answerID, err)
	}
	return expectRow(res, answerID)
}

// SetManualGrade records an instructor's score and clears the review flag.
func (s *Store) SetManualGrade(ctx context.Context, answerID int64, score float64, feedback string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE answers SET score = ?, feedback = ?, graded_by = 'manual',
		   requires_manual_review = 0, updated_at = ?
		 WHERE id = ?`,
		score, feedback, time.Now(), answerID,
	)
	if err != nil {
		return fmt.Errorf("manual grade answer %d: %w", answerID, err)
	}
	return expectRow(res, answerID)
}

// ResetAnswers clears score, method and review flag on the answers of a
// submission (all of them, or only the flagged ones) and reverts the
// submission to submitted. It returns the IDs of the reset answers.
func (s *Store) ResetAnswers(ctx context.Context, submissionID int64, onlyFlagged bool) ([]int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	query := `SELECT id FROM answers WHERE submission_id = ?`
	if onlyFlagged {
		query += ` AND requires_manual_review = 1`
	}
	rows, err := tx.QueryContext(ctx, query+` ORDER BY id`, submissionID)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := time.Now()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE answers SET score = NULL, graded_by = '', feedback = '', grading_metadata = '{}',
			   requires_manual_review = 0, updated_at = ?
			 WHERE id = ?`, now, id); err != nil {
			return nil, fmt.Errorf("reset answer %d: %w", id, err)
		}
	}
	if len(ids) > 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE submissions SET status = 'submitted', graded_at = NULL WHERE id = ? AND status = 'graded'`,
			submissionID); err != nil {
			return nil, fmt.Errorf("revert submission %d: %w", submissionID, err)
		}
	}
	return ids, tx.Commit()
}

// CalculateScore recomputes a submission's total and percentage from the
// current answer scores in one statement. The percentage is relative to
// the sum of the exam's question marks.
func (s *Store) CalculateScore(ctx context.Context, submissionID int64) (total, percentage float64, err error) {
	err = s.db.QueryRowContext(ctx,
		`UPDATE submissions SET
		   total_score = ROUND((SELECT COALESCE(SUM(a.score), 0) FROM answers a
		                         WHERE a.submission_id = submissions.id AND a.score IS NOT NULL), 2),
		   percentage = ROUND((SELECT CASE WHEN COALESCE(SUM(q.max_marks), 0) > 0
		                        THEN MIN(100.0, MAX(0.0,
		                          (SELECT COALESCE(SUM(a.score), 0) FROM answers a
		                            WHERE a.submission_id = submissions.id AND a.score IS NOT NULL)
		                          * 100.0 / SUM(q.max_marks)))
		                        ELSE 0 END
		                       FROM questions q WHERE q.exam_id = submissions.exam_id), 2)
		 WHERE id = ?
		 RETURNING total_score, percentage`,
		submissionID,
	).Scan(&total, &percentage)
	if err != nil {
		return 0, 0, fmt.Errorf("calculate score %d: %w", submissionID, notFound(err))
	}
	return total, percentage, nil
}

// MarkAsGraded flips a submitted submission to graded if every answer
// has a score. It reports whether the transition happened.
func (s *Store) MarkAsGraded(ctx context.Context, submissionID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE submissions SET status = 'graded', graded_at = ?
		 WHERE id = ? AND status = 'submitted'
		   AND NOT EXISTS (SELECT 1 FROM answers WHERE submission_id = ? AND score IS NULL)`,
		time.Now(), submissionID, submissionID,
	)
	if err != nil {
		return false, fmt.Errorf("mark graded %d: %w", submissionID, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func expectRow(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("answer %d: %w", id, ErrNotFound)
	}
	return nil
}
