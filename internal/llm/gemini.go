package llm

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// Gemini talks to the Gemini API through the Google GenAI SDK.
type Gemini struct {
	client *genai.Client
}

func NewGemini(ctx context.Context, apiKey string) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &Gemini{client: client}, nil
}

func (g *Gemini) Complete(ctx context.Context, req Request) (Completion, error) {
	resp, err := g.client.Models.GenerateContent(ctx, req.Model, genai.Text(req.Prompt), &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(req.System, genai.RoleUser),
		Temperature:       genai.Ptr(float32(req.Temperature)),
		MaxOutputTokens:   int32(req.MaxTokens),
		ResponseMIMEType:  "application/json",
	})
	if err != nil {
		return Completion{}, fmt.Errorf("gemini generate content: %w", err)
	}
	text := resp.Text()
	if text == "" {
		return Completion{}, fmt.Errorf("gemini: %w", ErrEmptyResponse)
	}
	usage := map[string]any{}
	if u := resp.UsageMetadata; u != nil {
		usage["prompt_tokens"] = u.PromptTokenCount
		usage["completion_tokens"] = u.CandidatesTokenCount
		usage["tokens_used"] = u.TotalTokenCount
	}
	return Completion{Text: text, Usage: usage}, nil
}
