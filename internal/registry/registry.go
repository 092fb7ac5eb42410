// Package registry maps grading service names to strategies and resolves
// which service and policy apply to a question.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pavelanni/autograder/internal/model"
	"github.com/pavelanni/autograder/internal/scoring"
	"github.com/pavelanni/autograder/internal/store"
)

// FallbackService is used whenever a requested service is not registered.
const FallbackService = string(model.GradedByMock)

var ErrUnknownService = errors.New("unknown grading service")

// Factory builds a strategy for a service configuration.
type Factory interface {
	New(cfg model.ServiceConfig) scoring.Strategy
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(cfg model.ServiceConfig) scoring.Strategy

func (f FactoryFunc) New(cfg model.ServiceConfig) scoring.Strategy { return f(cfg) }

// Describer is implemented by factories that can describe themselves in
// the service catalog.
type Describer interface {
	Describe() model.ServiceInfo
}

// ConfigValidator is implemented by factories that check their service
// configuration before it is saved.
type ConfigValidator interface {
	ValidateConfig(cfg model.ServiceConfig) error
}

// ConfigSource finds the active grading configuration for one scope.
type ConfigSource interface {
	FindActiveConfig(ctx context.Context, scope model.ConfigScope, examID, questionID int64) (*model.GradingConfiguration, error)
}

// Registry is built once at startup and passed to the orchestrator.
type Registry struct {
	mu             sync.RWMutex
	factories      map[string]Factory
	order          []string
	configs        ConfigSource
	defaultService string
	logger         *slog.Logger
}

// New creates a registry with the mock service already registered.
// An empty defaultService means mock.
func New(configs ConfigSource, defaultService string, logger *slog.Logger) *Registry {
	if defaultService == "" {
		defaultService = FallbackService
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		factories:      make(map[string]Factory),
		configs:        configs,
		defaultService: defaultService,
		logger:         logger,
	}
	r.Register(FallbackService, Mock{})
	return r
}

// Register adds or replaces the factory for a service name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; !ok {
		r.order = append(r.order, name)
	}
	r.factories[name] = f
	r.logger.Debug("registered grading service", "service", name)
}

// Has reports whether a service name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// DefaultService returns the service used when no configuration applies.
func (r *Registry) DefaultService() string {
	return r.defaultService
}

// Get returns the strategy and policy to grade an answer to q.
//
// The policy comes from the first active configuration for the question,
// its exam, or globally, in that order, or the defaults when none exists.
// An explicit serviceName overrides the configured service, and a
// non-nil override replaces its service configuration. Unregistered
// names fall back to the mock service.
func (r *Registry) Get(ctx context.Context, serviceName string, q *model.Question, override *model.ServiceConfig) (scoring.Strategy, model.GradingConfiguration) {
	policy := model.DefaultConfiguration(r.defaultService)
	if q != nil {
		if cfg := r.Resolve(ctx, *q); cfg != nil {
			policy = *cfg
		}
	}

	name := policy.GradingService
	if serviceName != "" && serviceName != name {
		name = serviceName
		policy.ServiceConfig = model.ServiceConfig{}
	}
	if override != nil {
		policy.ServiceConfig = *override
	}

	r.mu.RLock()
	f, ok := r.factories[name]
	if !ok {
		r.logger.Warn("grading service not found, falling back", "service", name, "fallback", FallbackService)
		name = FallbackService
		f = r.factories[FallbackService]
	}
	r.mu.RUnlock()

	policy.GradingService = name
	return f.New(policy.ServiceConfig), policy
}

// Resolve returns the active configuration that applies to q by scope
// precedence, or nil when none does. Lookup errors are logged and
// treated as a miss so grading can continue.
func (r *Registry) Resolve(ctx context.Context, q model.Question) *model.GradingConfiguration {
	if r.configs == nil {
		return nil
	}
	for _, scope := range []model.ConfigScope{model.ScopeQuestion, model.ScopeExam, model.ScopeGlobal} {
		cfg, err := r.configs.FindActiveConfig(ctx, scope, q.ExamID, q.ID)
		if err == nil {
			return cfg
		}
		if !errors.Is(err, store.ErrNotFound) {
			r.logger.Warn("error fetching grading config", "scope", scope, "question_id", q.ID, "error", err)
		}
	}
	return nil
}

// ValidateServiceConfig checks a configuration for a named service at
// save time. Unknown names are rejected here even though grading would
// fall back for them.
func (r *Registry) ValidateServiceConfig(name string, cfg model.ServiceConfig) error {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownService, name)
	}
	if v, ok := f.(ConfigValidator); ok {
		return v.ValidateConfig(cfg)
	}
	return nil
}

// Services lists the registered services in registration order.
func (r *Registry) Services() []model.ServiceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.ServiceInfo, 0, len(r.order))
	for _, name := range r.order {
		info := model.ServiceInfo{Name: name, DisplayName: name, Configured: true}
		if d, ok := r.factories[name].(Describer); ok {
			info = d.Describe()
			info.Name = name
		}
		out = append(out, info)
	}
	return out
}
