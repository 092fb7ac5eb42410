package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pavelanni/autograder/internal/model"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection serializes writers and keeps ":memory:"
	// databases shared across calls.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS exams (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS questions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		exam_id INTEGER NOT NULL,
		position INTEGER NOT NULL DEFAULT 0,
		type TEXT NOT NULL,
		text TEXT NOT NULL,
		options TEXT NOT NULL DEFAULT '[]',
		max_marks REAL NOT NULL DEFAULT 1,
		correct_answer TEXT NOT NULL DEFAULT '',
		acceptable_answers TEXT NOT NULL DEFAULT '[]',
		keywords TEXT NOT NULL DEFAULT '[]',
		keyword_weight REAL NOT NULL DEFAULT 1,
		use_ai_grading INTEGER NOT NULL DEFAULT 0,
		grading_rubric TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (exam_id) REFERENCES exams(id)
	);

	CREATE TABLE IF NOT EXISTS submissions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		exam_id INTEGER NOT NULL,
		student_id INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'in_progress',
		total_score REAL,
		percentage REAL,
		submitted_at DATETIME,
		graded_at DATETIME,
		FOREIGN KEY (exam_id) REFERENCES exams(id)
	);

	CREATE TABLE IF NOT EXISTS answers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		submission_id INTEGER NOT NULL,
		question_id INTEGER NOT NULL,
		answer_text TEXT NOT NULL DEFAULT '',
		score REAL,
		feedback TEXT NOT NULL DEFAULT '',
		graded_by TEXT NOT NULL DEFAULT '',
		grading_metadata TEXT NOT NULL DEFAULT '{}',
		requires_manual_review INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL,
		UNIQUE (submission_id, question_id),
		FOREIGN KEY (submission_id) REFERENCES submissions(id),
		FOREIGN KEY (question_id) REFERENCES questions(id)
	);

	CREATE TABLE IF NOT EXISTS grading_configurations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		scope TEXT NOT NULL,
		exam_id INTEGER,
		question_id INTEGER,
		grading_service TEXT NOT NULL,
		service_config TEXT NOT NULL DEFAULT '{}',
		auto_grade_threshold REAL NOT NULL DEFAULT 80,
		require_manual_review INTEGER NOT NULL DEFAULT 0,
		grading_timeout INTEGER NOT NULL DEFAULT 300,
		max_retries INTEGER NOT NULL DEFAULT 3,
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS grading_tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		submission_id INTEGER NOT NULL,
		answer_id INTEGER,
		grading_method TEXT NOT NULL DEFAULT '',
		service TEXT NOT NULL DEFAULT '',
		service_override TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		queue_message_id TEXT NOT NULL DEFAULT '',
		started_at DATETIME,
		completed_at DATETIME,
		result TEXT NOT NULL DEFAULT '{}',
		error_message TEXT NOT NULL DEFAULT '',
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY (submission_id) REFERENCES submissions(id)
	);

	CREATE INDEX IF NOT EXISTS idx_grading_tasks_status ON grading_tasks(status);
	CREATE INDEX IF NOT EXISTS idx_grading_configurations_scope
		ON grading_configurations(scope, exam_id, question_id, is_active);

	CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateExam stores an exam and returns its ID.
func (s *Store) CreateExam(ctx context.Context, title string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO exams (title, created_at) VALUES (?, ?)`, title, time.Now())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// DeleteExam removes an exam with its questions, submissions, answers,
// tasks and configurations.
func (s *Store) DeleteExam(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	const subs = `SELECT id FROM submissions WHERE exam_id = ?`
	for _, q := range []string{
		`DELETE FROM grading_tasks WHERE submission_id IN (` + subs + `)`,
		`DELETE FROM answers WHERE submission_id IN (` + subs + `)`,
		`DELETE FROM submissions WHERE exam_id = ?`,
		`DELETE FROM grading_configurations WHERE exam_id = ?`,
		`DELETE FROM questions WHERE exam_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("delete exam %d: %w", id, err)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM exams WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete exam %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("exam %d: %w", id, ErrNotFound)
	}
	return tx.Commit()
}

// GetExam returns an exam by ID.
func (s *Store) GetExam(ctx context.Context, id int64) (model.Exam, error) {
	var e model.Exam
	err := s.db.QueryRowContext(ctx, `SELECT id, title FROM exams WHERE id = ?`, id).Scan(&e.ID, &e.Title)
	return e, notFound(err)
}

// InsertQuestion stores a question. Questions keep insertion order within an exam.
func (s *Store) InsertQuestion(ctx context.Context, q model.Question) (int64, error) {
	options, err := encodeJSON(q.Options, "[]")
	if err != nil {
		return 0, err
	}
	acceptable, err := encodeJSON(q.AcceptableAnswers, "[]")
	if err != nil {
		return 0, err
	}
	keywords, err := encodeJSON(q.Keywords, "[]")
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO questions (exam_id, position, type, text, options, max_marks, correct_answer,
		 acceptable_answers, keywords, keyword_weight, use_ai_grading, grading_rubric)
		 VALUES (?, (SELECT COUNT(*) FROM questions WHERE exam_id = ?), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.ExamID, q.ExamID, q.Type, q.Text, options, q.MaxMarks, q.CorrectAnswer,
		acceptable, keywords, q.KeywordWeight, q.UseAIGrading, q.GradingRubric,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

const questionColumns = `q.id, q.exam_id, q.type, q.text, q.options, q.max_marks, q.correct_answer,
	q.acceptable_answers, q.keywords, q.keyword_weight, q.use_ai_grading, q.grading_rubric`

type scanner interface {
	Scan(dest ...any) error
}

func scanQuestion(row scanner, extra ...any) (model.Question, error) {
	var q model.Question
	var options, acceptable, keywords string
	dest := []any{&q.ID, &q.ExamID, &q.Type, &q.Text, &options, &q.MaxMarks, &q.CorrectAnswer,
		&acceptable, &keywords, &q.KeywordWeight, &q.UseAIGrading, &q.GradingRubric}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return q, err
	}
	if err := decodeJSON(options, &q.Options); err != nil {
		return q, fmt.Errorf("question %d options: %w", q.ID, err)
	}
	if err := decodeJSON(acceptable, &q.AcceptableAnswers); err != nil {
		return q, fmt.Errorf("question %d acceptable answers: %w", q.ID, err)
	}
	if err := decodeJSON(keywords, &q.Keywords); err != nil {
		return q, fmt.Errorf("question %d keywords: %w", q.ID, err)
	}
	return q, nil
}

// GetQuestion returns a question by ID.
func (s *Store) GetQuestion(ctx context.Context, id int64) (model.Question, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+questionColumns+` FROM questions q WHERE q.id = ?`, id)
	q, err := scanQuestion(row)
	return q, notFound(err)
}

// ListQuestions returns the questions of an exam in order.
func (s *Store) ListQuestions(ctx context.Context, examID int64) ([]model.Question, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+questionColumns+` FROM questions q WHERE q.exam_id = ? ORDER BY q.position, q.id`, examID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var questions []model.Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// QuestionCount returns the number of questions in the database.
func (s *Store) QuestionCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM questions`).Scan(&count)
	return count, err
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func encodeJSON(v any, empty string) (string, error) {
	if v == nil {
		return empty, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode json: %w", err)
	}
	if string(b) == "null" {
		return empty, nil
	}
	return string(b), nil
}

func decodeJSON(s string, v any) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}
