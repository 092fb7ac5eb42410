// Package queue carries grading work between the API and the workers
// over an in-process watermill pub/sub.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"

	"github.com/pavelanni/autograder/internal/model"
)

const (
	TopicSubmissions = "grading.submissions"
	TopicAnswers     = "grading.answers"
	TopicPoison      = "grading.poison"
)

// SubmissionUnit asks for every answer of a submission to be graded.
type SubmissionUnit struct {
	TaskID       int64                `json:"task_id"`
	SubmissionID int64                `json:"submission_id"`
	Service      string               `json:"service,omitempty"`
	Override     *model.ServiceConfig `json:"override,omitempty"`
}

// AnswerUnit asks for one answer to be graded.
type AnswerUnit struct {
	TaskID       int64                `json:"task_id"`
	SubmissionID int64                `json:"submission_id"`
	AnswerID     int64                `json:"answer_id"`
	Service      string               `json:"service,omitempty"`
	Override     *model.ServiceConfig `json:"override,omitempty"`
}

// Poisoned is a unit that kept failing after all retries.
type Poisoned struct {
	Topic      string
	Reason     string
	Submission *SubmissionUnit
	Answer     *AnswerUnit
}

// Handlers process the units. A returned error is retried.
type Handlers struct {
	Submission func(ctx context.Context, u SubmissionUnit) error
	Answer     func(ctx context.Context, u AnswerUnit) error
	Poisoned   func(ctx context.Context, p Poisoned)
}

type Config struct {
	// Workers is the number of answer handlers running in parallel.
	Workers int
	// SubmissionRetries and SubmissionRetryInterval drive the exponential
	// backoff of submission units.
	SubmissionRetries       int
	SubmissionRetryInterval time.Duration
	// AnswerRetries and AnswerRetryInterval drive the fixed backoff of
	// answer units.
	AnswerRetries       int
	AnswerRetryInterval time.Duration
}

// DefaultConfig matches the defaults of the serve command.
func DefaultConfig() Config {
	return Config{
		Workers:                 4,
		SubmissionRetries:       model.DefaultMaxRetries,
		SubmissionRetryInterval: 60 * time.Second,
		AnswerRetries:           model.DefaultMaxRetries,
		AnswerRetryInterval:     30 * time.Second,
	}
}

type Queue struct {
	pubSub  *gochannel.GoChannel
	router  *message.Router
	workers int
	logger  *slog.Logger
}

// maxBackoff caps a retry delay at this many initial intervals.
const maxBackoff = 10

// backoff builds the retry middleware. A zero MaxInterval would collapse
// every delay after the first to nothing.
func backoff(retries int, interval time.Duration, multiplier float64, logger watermill.LoggerAdapter) middleware.Retry {
	return middleware.Retry{
		MaxRetries:      retries,
		InitialInterval: interval,
		MaxInterval:     maxBackoff * interval,
		Multiplier:      multiplier,
		Logger:          logger,
	}
}

// New wires the router. Nothing is consumed until Run or Start.
func New(cfg Config, h Handlers, logger *slog.Logger) (*Queue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	wlog := watermill.NewSlogLogger(logger.With("component", "queue"))

	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, wlog)
	router, err := message.NewRouter(message.RouterConfig{}, wlog)
	if err != nil {
		return nil, fmt.Errorf("create router: %w", err)
	}

	poison, err := middleware.PoisonQueue(pubSub, TopicPoison)
	if err != nil {
		return nil, fmt.Errorf("poison queue: %w", err)
	}
	router.AddMiddleware(poison)

	q := &Queue{pubSub: pubSub, router: router, workers: cfg.Workers, logger: logger}

	if h.Submission != nil {
		retry := backoff(cfg.SubmissionRetries, cfg.SubmissionRetryInterval, 2, wlog)
		router.AddNoPublisherHandler("grade-submissions", TopicSubmissions, pubSub,
			decode(h.Submission)).AddMiddleware(retry.Middleware, middleware.Recoverer)
	}
	if h.Answer != nil {
		retry := backoff(cfg.AnswerRetries, cfg.AnswerRetryInterval, 1, wlog)
		for i := range cfg.Workers {
			router.AddNoPublisherHandler(fmt.Sprintf("grade-answers-%d", i), answerTopic(i), pubSub,
				decode(h.Answer)).AddMiddleware(retry.Middleware, middleware.Recoverer)
		}
	}
	router.AddNoPublisherHandler("poisoned", TopicPoison, pubSub, q.poisoned(h.Poisoned))
	return q, nil
}

func answerTopic(shard int) string {
	return fmt.Sprintf("%s.%d", TopicAnswers, shard)
}

func decode[T any](fn func(context.Context, T) error) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		var u T
		if err := json.Unmarshal(msg.Payload, &u); err != nil {
			return fmt.Errorf("decode message %s: %w", msg.UUID, err)
		}
		return fn(msg.Context(), u)
	}
}

// poisoned never fails so a broken unit cannot loop through the poison topic.
func (q *Queue) poisoned(fn func(context.Context, Poisoned)) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		p := Poisoned{
			Topic:  msg.Metadata.Get(middleware.PoisonedTopicKey),
			Reason: msg.Metadata.Get(middleware.ReasonForPoisonedKey),
		}
		var err error
		switch {
		case p.Topic == TopicSubmissions:
			p.Submission = new(SubmissionUnit)
			err = json.Unmarshal(msg.Payload, p.Submission)
		default:
			p.Answer = new(AnswerUnit)
			err = json.Unmarshal(msg.Payload, p.Answer)
		}
		if err != nil {
			q.logger.Error("undecodable poisoned message", "uuid", msg.UUID, "topic", p.Topic, "error", err)
			return nil
		}
		q.logger.Warn("grading unit gave up", "topic", p.Topic, "reason", p.Reason)
		if fn != nil {
			fn(msg.Context(), p)
		}
		return nil
	}
}

// Run consumes messages until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) error {
	return q.router.Run(ctx)
}

// Start runs the router in the background and returns once it is
// consuming. Messages published earlier would have no subscriber.
func (q *Queue) Start(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- q.router.Run(ctx) }()
	select {
	case <-q.router.Running():
		return nil
	case err := <-errc:
		return fmt.Errorf("start router: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the router and the pub/sub.
func (q *Queue) Close() error {
	if err := q.router.Close(); err != nil {
		return err
	}
	return q.pubSub.Close()
}

// PublishSubmission enqueues a submission unit and returns its message ID.
func (q *Queue) PublishSubmission(ctx context.Context, u SubmissionUnit) (string, error) {
	return q.publish(ctx, TopicSubmissions, u)
}

// PublishAnswer enqueues an answer unit. Units for the same answer always
// land on the same worker.
func (q *Queue) PublishAnswer(ctx context.Context, u AnswerUnit) (string, error) {
	return q.publish(ctx, answerTopic(int(u.AnswerID%int64(q.workers))), u)
}

func (q *Queue) publish(ctx context.Context, topic string, v any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode %s message: %w", topic, err)
	}
	// Units outlive the request that queued them, so ctx is not attached.
	msg := message.NewMessage(uuid.NewString(), payload)
	if err := q.pubSub.Publish(topic, msg); err != nil {
		return "", fmt.Errorf("publish %s: %w", topic, err)
	}
	return msg.UUID, nil
}
