package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/pavelanni/autograder/internal/export"
	"github.com/pavelanni/autograder/internal/grading"
	"github.com/pavelanni/autograder/internal/i18n"
	"github.com/pavelanni/autograder/internal/seed"
	"github.com/pavelanni/autograder/internal/store"
)

func gradeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grade SUBMISSION_ID...",
		Short: "Grade submissions in process, without the queue",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runGrade,
	}
	f := cmd.Flags()
	commonFlags(f)
	serviceFlags(f)
	f.String("service", "", "Grading service to use instead of the configured one")
	return cmd
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed FILE...",
		Short: "Load exams, submissions and grading configurations from YAML",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runSeed,
	}
	f := cmd.Flags()
	commonFlags(f)
	serviceFlags(f)
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export grading results of an exam",
		RunE:  runExport,
	}
	f := cmd.Flags()
	commonFlags(f)
	f.Int64("exam-id", 0, "Exam to export (required)")
	f.StringP("format", "f", "json", "Output format (json, xlsx)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")

	_ = cmd.MarkFlagRequired("exam-id")

	return cmd
}

func runGrade(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid submission ID %q", a)
		}
		ids = append(ids, id)
	}
	if err := i18n.Init(v.GetString("lang")); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	svc, err := openServices(ctx, v)
	if err != nil {
		return err
	}
	defer svc.Close()
	orch := grading.New(svc.store, svc.registry, slog.Default())

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	for _, id := range ids {
		sum, err := orch.GradeNow(ctx, id, v.GetString("service"), nil)
		if err != nil {
			return fmt.Errorf("grade submission %d: %w", id, err)
		}
		if err := enc.Encode(sum); err != nil {
			return err
		}
	}
	return nil
}

func runSeed(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	svc, err := openServices(ctx, v)
	if err != nil {
		return err
	}
	defer svc.Close()
	orch := grading.New(svc.store, svc.registry, slog.Default())
	orch.SetConfigCache(svc.configs)
	loader := seed.New(svc.store, orch, slog.Default())

	for _, path := range args {
		res, err := loader.LoadFile(ctx, path)
		if err != nil {
			return err
		}
		if res.Skipped {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: already imported\n", path)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d exams, %d questions, %d submissions, %d configs\n",
			path, res.Exams, res.Questions, res.Submissions, res.Configs)
	}
	return nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	format, err := export.ParseFormat(v.GetString("format"))
	if err != nil {
		return err
	}

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	exp, err := db.ExportExam(cmd.Context(), v.GetInt64("exam-id"))
	if err != nil {
		return fmt.Errorf("export exam: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = cmd.OutOrStdout()
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if err := export.Write(w, exp, format); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	slog.Info("exported results", "exam_id", exp.ExamID, "submissions", len(exp.Results), "format", format)
	return nil
}
