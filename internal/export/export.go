// Package export writes grading results as JSON or as an Excel workbook.
package export

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/pavelanni/autograder/internal/model"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatXLSX Format = "xlsx"
)

// ContentType is the MIME type of files written in f.
func (f Format) ContentType() string {
	if f == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "application/json"
}

// ParseFormat accepts a format name, case-insensitively.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSON, FormatXLSX:
		return f, nil
	}
	return "", fmt.Errorf("unknown export format %q (want json or xlsx)", s)
}

// Write encodes exp in the given format.
func Write(w io.Writer, exp *model.GradeExport, format Format) error {
	switch format {
	case FormatJSON:
		return WriteJSON(w, exp)
	case FormatXLSX:
		return WriteXLSX(w, exp)
	}
	return fmt.Errorf("unknown export format %q", format)
}

func WriteJSON(w io.Writer, exp *model.GradeExport) error {
	data, err := json.MarshalIndent(exp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

const (
	sheetResults = "Results"
	sheetAnswers = "Answers"
)

// WriteXLSX writes a workbook with one row per submission on the
// Results sheet and one row per answer on the Answers sheet.
func WriteXLSX(w io.Writer, exp *model.GradeExport) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetResults); err != nil {
		return err
	}
	if _, err := f.NewSheet(sheetAnswers); err != nil {
		return err
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}

	questions := questionOrder(exp)
	header := []any{"Submission", "Student", "Status", "Total", "Percentage", "Graded at"}
	for i, q := range questions {
		header = append(header, fmt.Sprintf("Q%d (%g)", i+1, q.MaxMarks))
	}
	if err := writeRow(f, sheetResults, 1, header); err != nil {
		return err
	}
	for i, res := range exp.Results {
		scores := make(map[int64]*float64, len(res.Answers))
		for _, a := range res.Answers {
			scores[a.QuestionID] = a.Score
		}
		row := []any{res.SubmissionID, res.StudentID, string(res.Status),
			cell(res.TotalScore), cell(res.Percentage), timeCell(res.GradedAt)}
		for _, q := range questions {
			row = append(row, cell(scores[q.QuestionID]))
		}
		if err := writeRow(f, sheetResults, i+2, row); err != nil {
			return err
		}
	}

	if err := writeRow(f, sheetAnswers, 1, []any{"Submission", "Student", "Question", "Type",
		"Max marks", "Score", "Graded by", "Needs review", "Feedback"}); err != nil {
		return err
	}
	r := 2
	for _, res := range exp.Results {
		for _, a := range res.Answers {
			if err := writeRow(f, sheetAnswers, r, []any{res.SubmissionID, res.StudentID, a.QuestionID,
				string(a.QuestionType), a.MaxMarks, cell(a.Score), string(a.GradedBy),
				a.RequiresManualReview, a.Feedback}); err != nil {
				return err
			}
			r++
		}
	}

	for _, sheet := range []string{sheetResults, sheetAnswers} {
		if err := f.SetRowStyle(sheet, 1, 1, bold); err != nil {
			return err
		}
	}
	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func writeRow(f *excelize.File, sheet string, row int, values []any) error {
	addr, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	return f.SetSheetRow(sheet, addr, &values)
}

// questionOrder lists every question answered in the export, in the
// order first seen.
func questionOrder(exp *model.GradeExport) []model.AnswerResult {
	seen := make(map[int64]bool)
	var out []model.AnswerResult
	for _, res := range exp.Results {
		for _, a := range res.Answers {
			if !seen[a.QuestionID] {
				seen[a.QuestionID] = true
				out = append(out, a)
			}
		}
	}
	return out
}

func cell(v *float64) any {
	if v == nil {
		return ""
	}
	return *v
}

func timeCell(t *time.Time) any {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
