package llm

import (
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/pavelanni/autograder/internal/model"
	"github.com/pavelanni/autograder/internal/scoring"
)

// Backend turns service configurations into judges for one provider.
// Judges built from configurations without their own key share one
// client built from APIKey.
type Backend struct {
	Provider Provider
	// APIKey is the default credential; empty means unconfigured.
	APIKey string
	// NewClient builds a client for a credential.
	NewClient func(apiKey string) (Completer, error)
	// Limiter is shared by every judge of this backend. Nil disables limiting.
	Limiter *rate.Limiter
	Logger  *slog.Logger

	once   sync.Once
	client Completer
	err    error
}

// New builds a judge for a service configuration.
func (b *Backend) New(cfg model.ServiceConfig) scoring.Strategy {
	return NewJudge(b.Provider, b.clientFor(cfg.APIKey), cfg, b.Limiter, b.Logger)
}

func (b *Backend) clientFor(key string) Completer {
	if key != "" && key != b.APIKey {
		c, err := b.NewClient(key)
		if err != nil {
			b.logger().Error("create client", "service", b.Provider.Name, "error", err)
			return nil
		}
		return c
	}
	if b.APIKey == "" {
		return nil
	}
	b.once.Do(func() {
		b.client, b.err = b.NewClient(b.APIKey)
	})
	if b.err != nil {
		b.logger().Error("create client", "service", b.Provider.Name, "error", b.err)
		return nil
	}
	return b.client
}

// Describe reports the backend in the service catalog.
func (b *Backend) Describe() model.ServiceInfo {
	return model.ServiceInfo{
		Name:         b.Provider.Name,
		DisplayName:  b.Provider.DisplayName,
		Models:       b.Provider.Models,
		DefaultModel: b.Provider.DefaultModel,
		RequiresKey:  true,
		Configured:   b.APIKey != "",
	}
}

// ValidateConfig checks cfg against the provider bounds, counting the
// backend's default credential.
func (b *Backend) ValidateConfig(cfg model.ServiceConfig) error {
	return b.Provider.ValidateConfig(cfg, b.APIKey, b.logger())
}

func (b *Backend) logger() *slog.Logger {
	if b.Logger == nil {
		return slog.Default()
	}
	return b.Logger
}
