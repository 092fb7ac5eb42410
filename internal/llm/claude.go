package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Claude talks to the Anthropic Messages API.
type Claude struct {
	client anthropic.Client
}

func NewClaude(apiKey string, opts ...option.RequestOption) *Claude {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &Claude{client: anthropic.NewClient(opts...)}
}

func (c *Claude) Complete(ctx context.Context, req Request) (Completion, error) {
	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(req.Model),
		MaxTokens:   int64(req.MaxTokens),
		Temperature: anthropic.Float(req.Temperature),
		System:      []anthropic.TextBlockParam{{Text: req.System}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	})
	if err != nil {
		return Completion{}, fmt.Errorf("claude messages: %w", err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return Completion{}, fmt.Errorf("claude: %w", ErrEmptyResponse)
	}
	return Completion{
		Text: sb.String(),
		Usage: map[string]any{
			"input_tokens":  msg.Usage.InputTokens,
			"output_tokens": msg.Usage.OutputTokens,
			"stop_reason":   string(msg.StopReason),
		},
	}, nil
}
