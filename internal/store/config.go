package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pavelanni/autograder/internal/model"
)

// ErrExamMismatch is returned when a question-scoped configuration names
// an exam the question does not belong to.
var ErrExamMismatch = errors.New("question does not belong to exam")

const configColumns = `id, scope, exam_id, question_id, grading_service, service_config,
	auto_grade_threshold, require_manual_review, grading_timeout, max_retries, is_active, created_at`

func scanConfig(row scanner) (model.GradingConfiguration, error) {
	var c model.GradingConfiguration
	var sc string
	err := row.Scan(&c.ID, &c.Scope, &c.ExamID, &c.QuestionID, &c.GradingService, &sc,
		&c.AutoGradeThreshold, &c.RequireManualReview, &c.GradingTimeout, &c.MaxRetries,
		&c.IsActive, &c.CreatedAt)
	if err != nil {
		return c, err
	}
	if err := decodeJSON(sc, &c.ServiceConfig); err != nil {
		return c, fmt.Errorf("config %d service_config: %w", c.ID, err)
	}
	return c, nil
}

// SaveConfig stores a grading configuration. A question-scoped
// configuration without an exam gets the question's exam. An active
// configuration replaces any other active one for the same target.
func (s *Store) SaveConfig(ctx context.Context, c model.GradingConfiguration) (int64, error) {
	if c.Scope == model.ScopeQuestion && c.QuestionID != nil {
		q, err := s.GetQuestion(ctx, *c.QuestionID)
		if err != nil {
			return 0, fmt.Errorf("question %d: %w", *c.QuestionID, err)
		}
		if c.ExamID != nil && *c.ExamID != q.ExamID {
			return 0, fmt.Errorf("question %d, exam %d: %w", q.ID, *c.ExamID, ErrExamMismatch)
		}
		c.ExamID = &q.ExamID
	}
	sc, err := encodeJSON(c.ServiceConfig, "{}")
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if c.IsActive {
		if _, err := tx.ExecContext(ctx,
			`UPDATE grading_configurations SET is_active = 0
			 WHERE scope = ? AND exam_id IS ? AND question_id IS ? AND is_active = 1`,
			c.Scope, c.ExamID, c.QuestionID); err != nil {
			return 0, fmt.Errorf("deactivate previous config: %w", err)
		}
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO grading_configurations (scope, exam_id, question_id, grading_service, service_config,
		 auto_grade_threshold, require_manual_review, grading_timeout, max_retries, is_active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Scope, c.ExamID, c.QuestionID, c.GradingService, sc, c.AutoGradeThreshold,
		c.RequireManualReview, c.GradingTimeout, c.MaxRetries, c.IsActive, time.Now(),
	)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

// GetConfig returns a configuration by ID.
func (s *Store) GetConfig(ctx context.Context, id int64) (model.GradingConfiguration, error) {
	c, err := scanConfig(s.db.QueryRowContext(ctx,
		`SELECT `+configColumns+` FROM grading_configurations WHERE id = ?`, id))
	return c, notFound(err)
}

// FindActiveConfig returns the newest active configuration for exactly
// one scope target. Exam and question IDs are ignored for scopes that do
// not use them. It returns ErrNotFound when nothing matches.
func (s *Store) FindActiveConfig(ctx context.Context, scope model.ConfigScope, examID, questionID int64) (*model.GradingConfiguration, error) {
	var row *sql.Row
	switch scope {
	case model.ScopeQuestion:
		row = s.db.QueryRowContext(ctx,
			`SELECT `+configColumns+` FROM grading_configurations
			 WHERE scope = 'question' AND question_id = ? AND is_active = 1
			 ORDER BY id DESC LIMIT 1`, questionID)
	case model.ScopeExam:
		row = s.db.QueryRowContext(ctx,
			`SELECT `+configColumns+` FROM grading_configurations
			 WHERE scope = 'exam' AND exam_id = ? AND is_active = 1
			 ORDER BY id DESC LIMIT 1`, examID)
	case model.ScopeGlobal:
		row = s.db.QueryRowContext(ctx,
			`SELECT `+configColumns+` FROM grading_configurations
			 WHERE scope = 'global' AND is_active = 1
			 ORDER BY id DESC LIMIT 1`)
	default:
		return nil, fmt.Errorf("unknown scope %q", scope)
	}
	c, err := scanConfig(row)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// DeleteConfig removes a configuration.
func (s *Store) DeleteConfig(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM grading_configurations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete config %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("config %d: %w", id, ErrNotFound)
	}
	return nil
}

// MaxGradingTimeout returns the longest grading timeout of any active
// configuration, and at least the default timeout.
func (s *Store) MaxGradingTimeout(ctx context.Context) (time.Duration, error) {
	var secs int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(grading_timeout), 0) FROM grading_configurations WHERE is_active = 1`,
	).Scan(&secs); err != nil {
		return 0, err
	}
	return time.Duration(max(secs, model.DefaultGradingTimeout)) * time.Second, nil
}

// ListConfigs returns all configurations, newest first.
func (s *Store) ListConfigs(ctx context.Context) ([]model.GradingConfiguration, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+configColumns+` FROM grading_configurations ORDER BY id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var configs []model.GradingConfiguration
	for rows.Next() {
		c, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, c)
	}
	return configs, rows.Err()
}
