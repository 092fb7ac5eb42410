// Package grading drives submissions and answers through grading: it
// creates tasks, hands units to the queue, runs strategies, persists
// results and keeps submission totals current.
package grading

import (
	"context"
	"errors"
	"log/slog"

	"github.com/pavelanni/autograder/internal/metrics"
	"github.com/pavelanni/autograder/internal/model"
	"github.com/pavelanni/autograder/internal/queue"
	"github.com/pavelanni/autograder/internal/registry"
	"github.com/pavelanni/autograder/internal/store"
	"github.com/pavelanni/autograder/internal/validate"
)

// MaxBatch caps the number of submissions in one bulk request.
const MaxBatch = 100

var (
	ErrBatchTooLarge       = errors.New("too many submissions in one batch")
	ErrEmptyBatch          = errors.New("no submissions given")
	ErrSubmissionsNotFound = errors.New("submissions not found")
	ErrNotSubmitted        = errors.New("submission has not been submitted")
	ErrScoreOutOfRange     = errors.New("score out of range")
	ErrNoQueue             = errors.New("no work queue configured")
)

const (
	kindSubmission = "submission"
	kindAnswer     = "answer"
)

// Publisher hands grading units to workers.
type Publisher interface {
	PublishSubmission(ctx context.Context, u queue.SubmissionUnit) (string, error)
	PublishAnswer(ctx context.Context, u queue.AnswerUnit) (string, error)
}

// Invalidator drops cached configuration lookups.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

type Orchestrator struct {
	store     *store.Store
	registry  *registry.Registry
	validator *validate.Validator
	queue     Publisher
	configs   Invalidator
	logger    *slog.Logger
}

// New builds an orchestrator. The publisher is set later with SetQueue
// because the queue needs the orchestrator's handlers first.
func New(st *store.Store, reg *registry.Registry, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:     st,
		registry:  reg,
		validator: validate.New(reg),
		logger:    logger,
	}
}

func (o *Orchestrator) SetQueue(p Publisher) { o.queue = p }

// SetConfigCache registers a cache to flush whenever a configuration is saved.
func (o *Orchestrator) SetConfigCache(c Invalidator) { o.configs = c }

// Handlers returns the queue callbacks served by this orchestrator.
func (o *Orchestrator) Handlers() queue.Handlers {
	return queue.Handlers{
		Submission: o.HandleSubmission,
		Answer:     o.HandleAnswer,
		Poisoned:   o.HandlePoisoned,
	}
}

func transition(kind string, status model.TaskStatus) {
	metrics.TaskTransitions.WithLabelValues(kind, string(status)).Inc()
}
