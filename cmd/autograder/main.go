package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	"github.com/pavelanni/autograder/internal/cache"
	"github.com/pavelanni/autograder/internal/llm"
	"github.com/pavelanni/autograder/internal/registry"
	"github.com/pavelanni/autograder/internal/store"
)

func main() {
	// A missing .env file is normal outside development.
	_ = godotenv.Load()

	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "autograder",
		Short:        "Automated grading pipeline for online exams",
		SilenceUsage: true,
	}

	serve := serveCmd()
	root.AddCommand(serve, gradeCmd(), seedCmd(), exportCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `autograder --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

// commonFlags registers the flags every command shares.
func commonFlags(f *pflag.FlagSet) {
	f.String("db", "autograder.db", "SQLite database path")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

// serviceFlags registers the flags that configure grading backends.
func serviceFlags(f *pflag.FlagSet) {
	f.String("default-service", registry.FallbackService, "Grading service used when no configuration applies")
	f.String("redis-url", "", "Redis URL for caching grading configurations (empty disables caching)")
	f.String("openai-key", "", "OpenAI API key")
	f.String("openai-url", "", "OpenAI-compatible API base URL (empty for api.openai.com)")
	f.String("anthropic-key", "", "Anthropic API key")
	f.String("gemini-key", "", "Google Gemini API key")
	f.Float64("llm-rps", 5, "Requests per second allowed to each LLM provider (0 = unlimited)")
	f.StringP("lang", "l", "en", "Feedback language (en, ru)")
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("AUTOGRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("autograder")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/autograder")
	v.AddConfigPath("/etc/autograder")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

// services holds what every grading command builds from its flags.
type services struct {
	store    *store.Store
	registry *registry.Registry
	configs  *cache.Configs
	redis    *redis.Client
}

func (s *services) Close() {
	if s.redis != nil {
		s.redis.Close()
	}
	s.store.Close()
}

// openServices opens the database, the optional configuration cache and
// the service registry with every LLM backend.
func openServices(ctx context.Context, v *viper.Viper) (*services, error) {
	logger := slog.Default()
	st, err := store.New(v.GetString("db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s := &services{store: st}

	if url := v.GetString("redis-url"); url != "" {
		client, err := cache.NewClient(ctx, url)
		if err != nil {
			// Grading works without the cache, only slower.
			slog.Warn("redis unavailable, configuration cache disabled", "error", err)
		} else {
			s.redis = client
		}
	}
	s.configs = cache.NewConfigs(st, s.redis, logger)

	s.registry = registry.New(s.configs, v.GetString("default-service"), logger)
	var limit rate.Limit = rate.Inf
	if rps := v.GetFloat64("llm-rps"); rps > 0 {
		limit = rate.Limit(rps)
	}
	s.registry.Register(llm.OpenAIProvider.Name, &llm.Backend{
		Provider: llm.OpenAIProvider,
		APIKey:   v.GetString("openai-key"),
		NewClient: func(key string) (llm.Completer, error) {
			return llm.NewOpenAI(v.GetString("openai-url"), key), nil
		},
		Limiter: rate.NewLimiter(limit, 1),
		Logger:  logger,
	})
	s.registry.Register(llm.ClaudeProvider.Name, &llm.Backend{
		Provider: llm.ClaudeProvider,
		APIKey:   v.GetString("anthropic-key"),
		NewClient: func(key string) (llm.Completer, error) {
			return llm.NewClaude(key), nil
		},
		Limiter: rate.NewLimiter(limit, 1),
		Logger:  logger,
	})
	s.registry.Register(llm.GeminiProvider.Name, &llm.Backend{
		Provider: llm.GeminiProvider,
		APIKey:   v.GetString("gemini-key"),
		NewClient: func(key string) (llm.Completer, error) {
			g, err := llm.NewGemini(context.Background(), key)
			if err != nil {
				return nil, err
			}
			return g, nil
		},
		Limiter: rate.NewLimiter(limit, 1),
		Logger:  logger,
	})

	for _, svc := range s.registry.Services() {
		slog.Debug("grading service registered", "name", svc.Name, "configured", svc.Configured)
	}
	return s, nil
}
