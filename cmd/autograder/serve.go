package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pavelanni/autograder/internal/grading"
	"github.com/pavelanni/autograder/internal/handler"
	"github.com/pavelanni/autograder/internal/i18n"
	"github.com/pavelanni/autograder/internal/metrics"
	"github.com/pavelanni/autograder/internal/queue"
	"github.com/pavelanni/autograder/internal/seed"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the grading workers and the operator API",
		RunE:  runServe,
	}
	f := cmd.Flags()
	commonFlags(f)
	serviceFlags(f)
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("api-token", "", "Bearer token required on /api routes (empty disables auth)")
	f.IntP("workers", "w", 4, "Number of answer grading workers")
	f.Int("submission-retries", 3, "Retries for a failing submission unit")
	f.Duration("submission-retry-interval", 60*time.Second, "Initial backoff between submission retries")
	f.Int("answer-retries", 3, "Retries for a failing answer unit")
	f.Duration("answer-retry-interval", 30*time.Second, "Backoff between answer retries")
	f.Duration("stale-after", 15*time.Minute, "Requeue pending tasks older than this; in-progress tasks also get the grading timeout")
	f.StringSlice("fixtures", nil, "YAML fixture files to load at startup (repeatable)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	started := time.Now()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lang := v.GetString("lang")
	if err := i18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}
	metrics.Init()

	svc, err := openServices(ctx, v)
	if err != nil {
		return err
	}
	defer svc.Close()

	logger := slog.Default()
	orch := grading.New(svc.store, svc.registry, logger)
	orch.SetConfigCache(svc.configs)

	qcfg := queue.DefaultConfig()
	qcfg.Workers = v.GetInt("workers")
	qcfg.SubmissionRetries = v.GetInt("submission-retries")
	qcfg.SubmissionRetryInterval = v.GetDuration("submission-retry-interval")
	qcfg.AnswerRetries = v.GetInt("answer-retries")
	qcfg.AnswerRetryInterval = v.GetDuration("answer-retry-interval")
	q, err := queue.New(qcfg, orch.Handlers(), logger)
	if err != nil {
		return fmt.Errorf("create queue: %w", err)
	}
	defer q.Close()
	if err := q.Start(ctx); err != nil {
		return fmt.Errorf("start queue: %w", err)
	}
	orch.SetQueue(q)

	if n, err := orch.RecoverOrphans(ctx, started); err != nil {
		return fmt.Errorf("recover tasks: %w", err)
	} else if n > 0 {
		slog.Info("requeued tasks from previous run", "count", n)
	}

	loader := seed.New(svc.store, orch, logger)
	for _, path := range v.GetStringSlice("fixtures") {
		if _, err := loader.LoadFile(ctx, path); err != nil {
			return fmt.Errorf("load fixtures: %w", err)
		}
	}

	go sweepStale(ctx, orch, v.GetDuration("stale-after"))

	h := handler.New(svc.store, orch, loader, handler.Config{
		Lang:  lang,
		Token: v.GetString("api-token"),
	}, logger)
	srv := &http.Server{
		Addr:              v.GetString("addr"),
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("starting server",
			"addr", srv.Addr,
			"lang", lang,
			"workers", qcfg.Workers,
			"default_service", svc.registry.DefaultService(),
			"config_cache", svc.redis != nil,
		)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// sweepStale periodically requeues tasks whose unit was lost or whose
// worker never finished them.
func sweepStale(ctx context.Context, orch *grading.Orchestrator, maxAge time.Duration) {
	if maxAge <= 0 {
		return
	}
	ticker := time.NewTicker(min(maxAge/2, time.Minute))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := orch.SweepStale(ctx, maxAge); err != nil {
				slog.Error("sweep stale tasks", "error", err)
			}
		}
	}
}
