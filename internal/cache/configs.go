package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pavelanni/autograder/internal/model"
	"github.com/pavelanni/autograder/internal/store"
)

// ConfigTTL bounds how long a configuration lookup is served from cache.
const ConfigTTL = 5 * time.Minute

// ConfigFinder is the lookup the cache sits in front of.
type ConfigFinder interface {
	FindActiveConfig(ctx context.Context, scope model.ConfigScope, examID, questionID int64) (*model.GradingConfiguration, error)
}

// configEntry records misses as well as hits so that questions without
// their own configuration do not hit the database on every answer.
type configEntry struct {
	Found  bool                        `json:"found"`
	Config *model.GradingConfiguration `json:"config,omitempty"`
}

// Configs caches active configuration lookups.
type Configs struct {
	source ConfigFinder
	cache  *Helper
	ttl    time.Duration
	logger *slog.Logger
}

// NewConfigs wraps source. A nil client returns a pass-through cache.
func NewConfigs(source ConfigFinder, client *redis.Client, logger *slog.Logger) *Configs {
	if logger == nil {
		logger = slog.Default()
	}
	return &Configs{
		source: source,
		cache:  NewHelper(client, "autograder:config:"),
		ttl:    ConfigTTL,
		logger: logger,
	}
}

func configKey(scope model.ConfigScope, examID, questionID int64) string {
	switch scope {
	case model.ScopeQuestion:
		return fmt.Sprintf("question:%d", questionID)
	case model.ScopeExam:
		return fmt.Sprintf("exam:%d", examID)
	default:
		return string(scope)
	}
}

// FindActiveConfig returns the cached lookup or asks the source.
// Cache failures are logged and never fail the lookup.
func (c *Configs) FindActiveConfig(ctx context.Context, scope model.ConfigScope, examID, questionID int64) (*model.GradingConfiguration, error) {
	key := configKey(scope, examID, questionID)

	var entry configEntry
	err := c.cache.Get(ctx, key, &entry)
	switch {
	case err == nil:
		if !entry.Found {
			return nil, store.ErrNotFound
		}
		return entry.Config, nil
	case errors.Is(err, ErrCacheNotFound), errors.Is(err, ErrCacheNotAvailable):
	default:
		c.logger.Warn("config cache read failed", "key", key, "error", err)
	}

	cfg, err := c.source.FindActiveConfig(ctx, scope, examID, questionID)
	switch {
	case err == nil:
		entry = configEntry{Found: true, Config: cfg}
	case errors.Is(err, store.ErrNotFound):
		entry = configEntry{}
	default:
		return nil, err
	}
	if serr := c.cache.Set(ctx, key, entry, c.ttl); serr != nil {
		c.logger.Warn("config cache write failed", "key", key, "error", serr)
	}
	return cfg, err
}

// Invalidate drops every cached lookup.
func (c *Configs) Invalidate(ctx context.Context) error {
	return c.cache.InvalidatePattern(ctx, "*")
}
