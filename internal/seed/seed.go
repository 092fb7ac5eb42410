// Package seed loads exams, submissions and grading configurations from
// YAML fixture files.
package seed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pavelanni/autograder/internal/model"
	"github.com/pavelanni/autograder/internal/store"
	"github.com/pavelanni/autograder/internal/validate"
)

// ErrInvalidFixture marks fixture content that cannot be loaded as written.
var ErrInvalidFixture = errors.New("invalid fixture")

// File is the layout of a fixture file.
type File struct {
	Exams   []Exam   `yaml:"exams" validate:"dive"`
	Configs []Config `yaml:"configs"`
}

type Exam struct {
	Title       string       `yaml:"title"`
	Questions   []Question   `yaml:"questions" validate:"dive"`
	Submissions []Submission `yaml:"submissions"`
}

type Question struct {
	Type              model.QuestionType `yaml:"type" validate:"oneof=multiple_choice true_false short_answer essay"`
	Text              string             `yaml:"text" validate:"required"`
	Options           []string           `yaml:"options" validate:"required_if=Type multiple_choice"`
	MaxMarks          float64            `yaml:"max_marks" validate:"gte=0"`
	CorrectAnswer     string             `yaml:"correct_answer"`
	AcceptableAnswers []string           `yaml:"acceptable_answers"`
	Keywords          []string           `yaml:"keywords"`
	KeywordWeight     *float64           `yaml:"keyword_weight" validate:"omitempty,gte=0,lte=1"`
	UseAIGrading      bool               `yaml:"use_ai_grading"`
	GradingRubric     string             `yaml:"grading_rubric"`
}

// Submission answers the exam's questions in order. Submissions are
// submitted unless Draft is set.
type Submission struct {
	StudentID int64    `yaml:"student_id"`
	Answers   []string `yaml:"answers"`
	Draft     bool     `yaml:"draft"`
}

// Config is a grading configuration. Exam and question scopes refer to
// the file's exams and their questions by 1-based position.
type Config struct {
	Scope               model.ConfigScope `yaml:"scope"`
	Exam                int               `yaml:"exam"`
	Question            int               `yaml:"question"`
	GradingService      string            `yaml:"grading_service"`
	Model               string            `yaml:"model"`
	Temperature         *float64          `yaml:"temperature"`
	MaxTokens           *int              `yaml:"max_tokens"`
	SimilarityThreshold *float64          `yaml:"similarity_threshold"`
	AutoGradeThreshold  *float64          `yaml:"auto_grade_threshold"`
	RequireManualReview bool              `yaml:"require_manual_review"`
	GradingTimeout      int               `yaml:"grading_timeout"`
	MaxRetries          *int              `yaml:"max_retries"`
}

// ConfigSaver validates and stores grading configurations.
type ConfigSaver interface {
	CheckConfig(c model.GradingConfiguration) error
	SaveConfig(ctx context.Context, c model.GradingConfiguration) (model.GradingConfiguration, error)
}

// Result counts what a load created.
type Result struct {
	Skipped     bool `json:"skipped"`
	Exams       int  `json:"exams"`
	Questions   int  `json:"questions"`
	Submissions int  `json:"submissions"`
	Configs     int  `json:"configs"`
}

type Loader struct {
	store     *store.Store
	configs   ConfigSaver
	validator *validate.Validator
	logger    *slog.Logger
}

func New(st *store.Store, configs ConfigSaver, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{store: st, configs: configs, validator: validate.New(nil), logger: logger}
}

// LoadFile loads a fixture file from disk.
func (l *Loader) LoadFile(ctx context.Context, path string) (Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{}, fmt.Errorf("read %s: %w", path, err)
	}
	return l.Load(ctx, path, data)
}

// Load imports fixture data. Content that was already imported, under
// any name, is skipped.
func (l *Loader) Load(ctx context.Context, name string, data []byte) (Result, error) {
	var res Result
	hash := sha256sum(data)
	done, err := l.store.IsImported(ctx, hash)
	if err != nil {
		return res, fmt.Errorf("check import status for %s: %w", name, err)
	}
	if done {
		l.logger.Info("fixture unchanged, skipping", "name", name)
		res.Skipped = true
		return res, nil
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return res, fmt.Errorf("parse %s: %w: %w", name, ErrInvalidFixture, err)
	}
	if err := l.check(f); err != nil {
		return res, fmt.Errorf("%s: %w: %w", name, ErrInvalidFixture, err)
	}

	// A failed load removes whatever it created so a corrected file can be
	// imported from scratch.
	var created imported
	res, err = l.load(ctx, f, &created)
	if err != nil {
		if rerr := l.undo(ctx, created); rerr != nil {
			l.logger.Error("could not undo partial import", "name", name, "error", rerr)
		}
		return Result{}, fmt.Errorf("%s %w", name, err)
	}

	if err := l.store.MarkImported(ctx, hash, name); err != nil {
		return res, fmt.Errorf("record import for %s: %w", name, err)
	}
	l.logger.Info("imported fixture", "name", name, "exams", res.Exams, "questions", res.Questions,
		"submissions", res.Submissions, "configs", res.Configs)
	return res, nil
}

// check rejects a file before anything is written: malformed questions,
// more answers than questions, and configurations pointing outside the file.
func (l *Loader) check(f File) error {
	if err := l.validator.Struct(f); err != nil {
		return err
	}
	for i, e := range f.Exams {
		for _, s := range e.Submissions {
			if len(s.Answers) > len(e.Questions) {
				return fmt.Errorf("exam %d student %d: %d answers for %d questions",
					i+1, s.StudentID, len(s.Answers), len(e.Questions))
			}
		}
	}
	for i, c := range f.Configs {
		if c.Scope == model.ScopeGlobal {
			continue
		}
		if c.Exam < 1 || c.Exam > len(f.Exams) {
			return fmt.Errorf("config %d: exam %d not in file", i+1, c.Exam)
		}
		if n := len(f.Exams[c.Exam-1].Questions); c.Scope == model.ScopeQuestion && (c.Question < 1 || c.Question > n) {
			return fmt.Errorf("config %d: question %d not in exam %d", i+1, c.Question, c.Exam)
		}
	}
	return nil
}

type imported struct {
	exams   []int64
	configs []int64
}

func (l *Loader) load(ctx context.Context, f File, created *imported) (Result, error) {
	var res Result
	questionIDs := make([][]int64, 0, len(f.Exams))
	for i, e := range f.Exams {
		qIDs, err := l.loadExam(ctx, e, &res, created)
		if err != nil {
			return res, fmt.Errorf("exam %d: %w", i+1, err)
		}
		questionIDs = append(questionIDs, qIDs)
	}

	cfgs := make([]model.GradingConfiguration, 0, len(f.Configs))
	for i, c := range f.Configs {
		cfg, err := c.resolve(created.exams, questionIDs)
		if err != nil {
			return res, fmt.Errorf("config %d: %w", i+1, err)
		}
		if err := l.configs.CheckConfig(cfg); err != nil {
			return res, fmt.Errorf("config %d: %w: %w", i+1, ErrInvalidFixture, err)
		}
		cfgs = append(cfgs, cfg)
	}
	for i, cfg := range cfgs {
		saved, err := l.configs.SaveConfig(ctx, cfg)
		if err != nil {
			return res, fmt.Errorf("config %d: %w", i+1, err)
		}
		created.configs = append(created.configs, saved.ID)
		res.Configs++
	}
	return res, nil
}

// undo deletes the exams and configurations of a failed load.
func (l *Loader) undo(ctx context.Context, created imported) error {
	var errs []error
	for _, id := range created.configs {
		if err := l.store.DeleteConfig(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
			errs = append(errs, err)
		}
	}
	for _, id := range created.exams {
		if err := l.store.DeleteExam(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (l *Loader) loadExam(ctx context.Context, e Exam, res *Result, created *imported) ([]int64, error) {
	examID, err := l.store.CreateExam(ctx, e.Title)
	if err != nil {
		return nil, err
	}
	created.exams = append(created.exams, examID)
	res.Exams++

	qIDs := make([]int64, 0, len(e.Questions))
	for _, q := range e.Questions {
		weight := 1.0
		if q.KeywordWeight != nil {
			weight = *q.KeywordWeight
		}
		id, err := l.store.InsertQuestion(ctx, model.Question{
			ExamID:            examID,
			Type:              q.Type,
			Text:              q.Text,
			Options:           q.Options,
			MaxMarks:          q.MaxMarks,
			CorrectAnswer:     q.CorrectAnswer,
			AcceptableAnswers: q.AcceptableAnswers,
			Keywords:          q.Keywords,
			KeywordWeight:     weight,
			UseAIGrading:      q.UseAIGrading,
			GradingRubric:     q.GradingRubric,
		})
		if err != nil {
			return nil, fmt.Errorf("insert question: %w", err)
		}
		qIDs = append(qIDs, id)
		res.Questions++
	}

	for _, s := range e.Submissions {
		subID, err := l.store.CreateSubmission(ctx, examID, s.StudentID)
		if err != nil {
			return nil, err
		}
		for i, text := range s.Answers {
			if _, err := l.store.SaveAnswerText(ctx, subID, qIDs[i], text); err != nil {
				return nil, err
			}
		}
		if !s.Draft {
			if err := l.store.Submit(ctx, subID); err != nil {
				return nil, err
			}
		}
		res.Submissions++
	}
	return qIDs, nil
}

// resolve maps 1-based exam and question positions in the file to IDs.
func (c Config) resolve(examIDs []int64, questionIDs [][]int64) (model.GradingConfiguration, error) {
	cfg := model.DefaultConfiguration(c.GradingService)
	cfg.Scope = c.Scope
	cfg.ServiceConfig = model.ServiceConfig{
		Model:               c.Model,
		Temperature:         c.Temperature,
		MaxTokens:           c.MaxTokens,
		SimilarityThreshold: c.SimilarityThreshold,
	}
	cfg.RequireManualReview = c.RequireManualReview
	if c.AutoGradeThreshold != nil {
		cfg.AutoGradeThreshold = *c.AutoGradeThreshold
	}
	if c.GradingTimeout > 0 {
		cfg.GradingTimeout = c.GradingTimeout
	}
	if c.MaxRetries != nil {
		cfg.MaxRetries = *c.MaxRetries
	}

	if c.Scope == model.ScopeGlobal {
		return cfg, nil
	}
	if c.Exam < 1 || c.Exam > len(examIDs) {
		return cfg, fmt.Errorf("exam %d not in file: %w", c.Exam, ErrInvalidFixture)
	}
	examID := examIDs[c.Exam-1]
	cfg.ExamID = &examID
	if c.Scope == model.ScopeQuestion {
		qIDs := questionIDs[c.Exam-1]
		if c.Question < 1 || c.Question > len(qIDs) {
			return cfg, fmt.Errorf("question %d not in exam %d: %w", c.Question, c.Exam, ErrInvalidFixture)
		}
		questionID := qIDs[c.Question-1]
		cfg.QuestionID = &questionID
	}
	return cfg, nil
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
