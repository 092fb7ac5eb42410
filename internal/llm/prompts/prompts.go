package prompts

import (
	"bytes"
	_ "embed"
	"regexp"
	"strings"
	"text/template"
	"unicode/utf8"

	"github.com/pavelanni/autograder/internal/model"
)

// System is the system instruction sent with every grading prompt.
const System = "You are an expert grading assistant for educational assessments. " +
	"Provide fair, objective, and constructive feedback."

const maxAnswerRunes = 10000

var (
	studentAnswerRegex      = regexp.MustCompile(`(?i)</?\s*student-answer\b[^>]*>`)
	systemInstructionsRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

//go:embed grade.tmpl
var gradeText string

var gradeTemplate = template.Must(template.New("grade").Parse(gradeText))

// GradeData holds template data for the grading prompt.
type GradeData struct {
	QuestionType    string
	QuestionText    string
	MaxMarks        float64
	Answer          string
	ReferenceAnswer string
	Rubric          string
	KeyConcepts     string
}

// BuildGradePrompt renders the grading prompt for one answer.
func BuildGradePrompt(q model.Question, answer string) (string, error) {
	data := GradeData{
		QuestionType:    displayType(q.Type),
		QuestionText:    q.Text,
		MaxMarks:        q.MaxMarks,
		Answer:          sanitizeAnswer(answer),
		ReferenceAnswer: strings.TrimSpace(q.CorrectAnswer),
		Rubric:          strings.TrimSpace(q.GradingRubric),
		KeyConcepts:     strings.Join(q.Keywords, ", "),
	}

	var buf bytes.Buffer
	if err := gradeTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func displayType(t model.QuestionType) string {
	switch t {
	case model.QuestionMultipleChoice:
		return "Multiple Choice"
	case model.QuestionTrueFalse:
		return "True/False"
	case model.QuestionShortAnswer:
		return "Short Answer"
	case model.QuestionEssay:
		return "Essay"
	}
	return string(t)
}

func sanitizeAnswer(answer string) string {
	answer = studentAnswerRegex.ReplaceAllString(answer, "")
	answer = systemInstructionsRegex.ReplaceAllString(answer, "")
	answer = strings.TrimSpace(answer)

	if answer == "" {
		return "[No answer provided]"
	}

	if utf8.RuneCountInString(answer) > maxAnswerRunes {
		runes := []rune(answer)
		answer = string(runes[:maxAnswerRunes]) + "\n\n[Answer truncated due to length]"
	}

	return answer
}
