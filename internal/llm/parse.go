package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Verdict is the JSON object a model is asked to return.
type Verdict struct {
	Score      *float64 `json:"score"`
	Feedback   string   `json:"feedback"`
	Confidence *float64 `json:"confidence"`
}

var ErrMissingScore = errors.New("response has no score")

// StripFence returns the contents of the first fenced code block in
// text, preferring a ```json block. Text without a fence is returned
// trimmed.
func StripFence(text string) string {
	for _, open := range []string{"```json", "```"} {
		_, rest, ok := strings.Cut(text, open)
		if !ok {
			continue
		}
		body, _, _ := strings.Cut(rest, "```")
		return strings.TrimSpace(body)
	}
	return strings.TrimSpace(text)
}

// ParseVerdict decodes a model response into a Verdict.
func ParseVerdict(text string) (Verdict, error) {
	var v Verdict
	if err := json.Unmarshal([]byte(StripFence(text)), &v); err != nil {
		return v, fmt.Errorf("parse grading response: %w", err)
	}
	if v.Score == nil {
		return v, ErrMissingScore
	}
	return v, nil
}
