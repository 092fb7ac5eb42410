package llm

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/pavelanni/autograder/internal/model"
)

// Provider describes a remote grading backend: its defaults, the models
// it is known to serve and the parameter bounds it accepts.
type Provider struct {
	Name               string
	DisplayName        string
	Models             []string
	DefaultModel       string
	DefaultTemperature float64
	DefaultMaxTokens   int
	MaxTemperature     float64
	// MaxTokensLimit is the largest accepted max_tokens; zero means unbounded.
	MaxTokensLimit int
	// DefaultConfidence is used when the model omits its confidence.
	DefaultConfidence float64
}

var (
	OpenAIProvider = Provider{
		Name:               string(model.GradedByOpenAI),
		DisplayName:        "OpenAI GPT",
		Models:             []string{"gpt-4", "gpt-4-turbo", "gpt-4o", "gpt-4o-mini", "gpt-3.5-turbo"},
		DefaultModel:       "gpt-4o-mini",
		DefaultTemperature: 0.3,
		DefaultMaxTokens:   500,
		MaxTemperature:     2,
		MaxTokensLimit:     4000,
		DefaultConfidence:  80,
	}
	ClaudeProvider = Provider{
		Name:        string(model.GradedByClaude),
		DisplayName: "Anthropic Claude",
		Models: []string{
			"claude-3-5-sonnet-20241022",
			"claude-3-5-sonnet-20240620",
			"claude-3-opus-20240229",
			"claude-3-sonnet-20240229",
			"claude-3-haiku-20240307",
		},
		DefaultModel:       "claude-3-5-sonnet-20241022",
		DefaultTemperature: 0.3,
		DefaultMaxTokens:   1024,
		MaxTemperature:     1,
		MaxTokensLimit:     4096,
		DefaultConfidence:  85,
	}
	GeminiProvider = Provider{
		Name:               string(model.GradedByGemini),
		DisplayName:        "Google Gemini",
		Models:             []string{"gemini-1.5-pro", "gemini-1.5-flash", "gemini-1.0-pro"},
		DefaultModel:       "gemini-1.5-flash",
		DefaultTemperature: 0.3,
		DefaultMaxTokens:   1024,
		MaxTemperature:     2,
		DefaultConfidence:  80,
	}
)

var providers = map[string]Provider{
	OpenAIProvider.Name: OpenAIProvider,
	ClaudeProvider.Name: ClaudeProvider,
	GeminiProvider.Name: GeminiProvider,
}

// LookupProvider returns the provider registered under name.
func LookupProvider(name string) (Provider, bool) {
	p, ok := providers[name]
	return p, ok
}

var (
	ErrMissingCredentials = errors.New("api key not configured")
	ErrInvalidTemperature = errors.New("invalid temperature")
	ErrInvalidMaxTokens   = errors.New("invalid max_tokens")
)

// Settings resolves the model, temperature and max tokens for a call,
// applying provider defaults to unset fields.
func (p Provider) Settings(sc model.ServiceConfig) (modelName string, temperature float64, maxTokens int) {
	modelName, temperature, maxTokens = p.DefaultModel, p.DefaultTemperature, p.DefaultMaxTokens
	if sc.Model != "" {
		modelName = sc.Model
	}
	if sc.Temperature != nil {
		temperature = *sc.Temperature
	}
	if sc.MaxTokens != nil {
		maxTokens = *sc.MaxTokens
	}
	return modelName, temperature, maxTokens
}

// KnownModel reports whether m is on the provider's model list.
func (p Provider) KnownModel(m string) bool {
	return slices.Contains(p.Models, m)
}

// ValidateConfig checks a service configuration against the provider's
// bounds. apiKey is the credential that would be used when the
// configuration carries none. Unknown models only log a warning since
// provider catalogs change faster than this list.
func (p Provider) ValidateConfig(sc model.ServiceConfig, apiKey string, logger *slog.Logger) error {
	if sc.APIKey == "" && apiKey == "" {
		return fmt.Errorf("%s: %w", p.Name, ErrMissingCredentials)
	}
	if sc.Model != "" && !p.KnownModel(sc.Model) {
		logger.Warn("unknown model", "service", p.Name, "model", sc.Model)
	}
	if t := sc.Temperature; t != nil && (*t < 0 || *t > p.MaxTemperature) {
		return fmt.Errorf("%s: %w: %g (must be 0-%g)", p.Name, ErrInvalidTemperature, *t, p.MaxTemperature)
	}
	if m := sc.MaxTokens; m != nil {
		if *m < 1 || (p.MaxTokensLimit > 0 && *m > p.MaxTokensLimit) {
			return fmt.Errorf("%s: %w: %d", p.Name, ErrInvalidMaxTokens, *m)
		}
	}
	return nil
}
