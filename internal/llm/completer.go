package llm

import (
	"context"
	"errors"
)

// Request is one grading call to a remote model.
type Request struct {
	System      string
	Prompt      string
	Model       string
	Temperature float64
	MaxTokens   int
}

// Completion is the text a backend returned plus whatever usage
// counters it reports, keyed the way they are stored in answer metadata.
type Completion struct {
	Text  string
	Usage map[string]any
}

// Completer sends a prompt to a remote model and returns its text.
type Completer interface {
	Complete(ctx context.Context, req Request) (Completion, error)
}

// ErrEmptyResponse is returned when a backend answers without content.
var ErrEmptyResponse = errors.New("empty response")
