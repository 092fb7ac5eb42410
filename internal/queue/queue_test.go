package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		Workers:                 2,
		SubmissionRetries:       2,
		SubmissionRetryInterval: time.Millisecond,
		AnswerRetries:           2,
		AnswerRetryInterval:     time.Millisecond,
	}
}

func startQueue(t *testing.T, h Handlers) *Queue {
	t.Helper()
	return startQueueWith(t, testConfig(), h)
}

func startQueueWith(t *testing.T, cfg Config, h Handlers) *Queue {
	t.Helper()
	q, err := New(cfg, h, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		q.Close()
	})
	if err := q.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return q
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for handler")
	}
	var zero T
	return zero
}

func TestPublishAndConsume(t *testing.T) {
	subs := make(chan SubmissionUnit, 1)
	answers := make(chan AnswerUnit, 4)
	q := startQueue(t, Handlers{
		Submission: func(_ context.Context, u SubmissionUnit) error { subs <- u; return nil },
		Answer:     func(_ context.Context, u AnswerUnit) error { answers <- u; return nil },
	})
	ctx := context.Background()

	id, err := q.PublishSubmission(ctx, SubmissionUnit{TaskID: 1, SubmissionID: 10, Service: "openai"})
	if err != nil {
		t.Fatalf("PublishSubmission: %v", err)
	}
	if id == "" {
		t.Error("empty message id")
	}
	got := waitFor(t, subs)
	if got.SubmissionID != 10 || got.Service != "openai" {
		t.Errorf("got %+v", got)
	}

	seen := map[int64]bool{}
	for _, answerID := range []int64{5, 6, 7} {
		if _, err := q.PublishAnswer(ctx, AnswerUnit{TaskID: answerID, SubmissionID: 10, AnswerID: answerID}); err != nil {
			t.Fatalf("PublishAnswer: %v", err)
		}
	}
	for range 3 {
		seen[waitFor(t, answers).AnswerID] = true
	}
	for _, id := range []int64{5, 6, 7} {
		if !seen[id] {
			t.Errorf("answer %d not delivered", id)
		}
	}
}

func TestAnswerRetried(t *testing.T) {
	var calls atomic.Int32
	done := make(chan struct{})
	q := startQueue(t, Handlers{
		Answer: func(context.Context, AnswerUnit) error {
			if calls.Add(1) < 3 {
				return errors.New("transient")
			}
			close(done)
			return nil
		},
	})
	if _, err := q.PublishAnswer(context.Background(), AnswerUnit{AnswerID: 1}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, done)
	if n := calls.Load(); n != 3 {
		t.Errorf("handler called %d times, want 3", n)
	}
}

func TestPoisonedAfterRetries(t *testing.T) {
	var calls atomic.Int32
	poisoned := make(chan Poisoned, 1)
	q := startQueue(t, Handlers{
		Answer: func(context.Context, AnswerUnit) error {
			calls.Add(1)
			return errors.New("always broken")
		},
		Poisoned: func(_ context.Context, p Poisoned) { poisoned <- p },
	})
	if _, err := q.PublishAnswer(context.Background(), AnswerUnit{TaskID: 3, AnswerID: 8}); err != nil {
		t.Fatal(err)
	}
	p := waitFor(t, poisoned)
	if p.Answer == nil || p.Answer.AnswerID != 8 || p.Answer.TaskID != 3 {
		t.Fatalf("poisoned unit = %+v", p)
	}
	if p.Reason == "" {
		t.Error("poisoned reason is empty")
	}
	// one attempt plus two retries
	if n := calls.Load(); n != 3 {
		t.Errorf("handler called %d times, want 3", n)
	}
}

func TestPanicRecovered(t *testing.T) {
	poisoned := make(chan Poisoned, 1)
	q := startQueue(t, Handlers{
		Submission: func(context.Context, SubmissionUnit) error { panic("boom") },
		Poisoned:   func(_ context.Context, p Poisoned) { poisoned <- p },
	})
	if _, err := q.PublishSubmission(context.Background(), SubmissionUnit{SubmissionID: 2}); err != nil {
		t.Fatal(err)
	}
	p := waitFor(t, poisoned)
	if p.Submission == nil || p.Submission.SubmissionID != 2 {
		t.Errorf("poisoned unit = %+v", p)
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		name       string
		interval   time.Duration
		multiplier float64
		want       time.Duration
	}{
		{"submissions", time.Minute, 2, 10 * time.Minute},
		{"answers", 30 * time.Second, 1, 5 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := backoff(3, tt.interval, tt.multiplier, nil)
			if r.MaxInterval != tt.want || r.InitialInterval != tt.interval || r.MaxRetries != 3 {
				t.Errorf("retry = %+v", r)
			}
		})
	}
}

// attempts records when a handler ran and signals after n calls.
type attempts struct {
	n    int
	at   chan time.Time
	done chan struct{}
}

func newAttempts(n int) *attempts {
	return &attempts{n: n, at: make(chan time.Time, n), done: make(chan struct{})}
}

func (a *attempts) record() error {
	a.at <- time.Now()
	if len(a.at) == a.n {
		close(a.done)
	}
	return errors.New("still failing")
}

func (a *attempts) gaps(t *testing.T) []time.Duration {
	t.Helper()
	waitFor(t, a.done)
	var times []time.Time
	for range a.n {
		times = append(times, <-a.at)
	}
	gaps := make([]time.Duration, 0, a.n-1)
	for i := 1; i < len(times); i++ {
		gaps = append(gaps, times[i].Sub(times[i-1]))
	}
	return gaps
}

func TestRetryDelays(t *testing.T) {
	const interval = 20 * time.Millisecond
	cfg := testConfig()
	cfg.Workers = 1
	cfg.SubmissionRetries, cfg.SubmissionRetryInterval = 3, interval
	cfg.AnswerRetries, cfg.AnswerRetryInterval = 3, interval

	subs, answers := newAttempts(4), newAttempts(4)
	q := startQueueWith(t, cfg, Handlers{
		Submission: func(context.Context, SubmissionUnit) error { return subs.record() },
		Answer:     func(context.Context, AnswerUnit) error { return answers.record() },
	})
	ctx := context.Background()
	if _, err := q.PublishSubmission(ctx, SubmissionUnit{TaskID: 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := q.PublishAnswer(ctx, AnswerUnit{TaskID: 2}); err != nil {
		t.Fatal(err)
	}

	// submission delays double, answer delays stay flat; none collapse to zero
	for i, gap := range subs.gaps(t) {
		if want := interval << i; gap < want*3/4 {
			t.Errorf("submission retry %d after %v, want about %v", i+1, gap, want)
		}
	}
	for i, gap := range answers.gaps(t) {
		if gap < interval*3/4 {
			t.Errorf("answer retry %d after %v, want about %v", i+1, gap, interval)
		}
	}
}
