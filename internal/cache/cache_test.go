package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/pavelanni/autograder/internal/model"
	"github.com/pavelanni/autograder/internal/store"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestHelperGetSet(t *testing.T) {
	mr, client := newTestRedis(t)
	h := NewHelper(client, "t:")
	ctx := context.Background()

	var got map[string]int
	if err := h.Get(ctx, "k", &got); !errors.Is(err, ErrCacheNotFound) {
		t.Fatalf("Get on empty cache: got %v, want ErrCacheNotFound", err)
	}
	if err := h.Set(ctx, "k", map[string]int{"a": 1}, time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !mr.Exists("t:k") {
		t.Fatal("key not stored with prefix")
	}
	if err := h.Get(ctx, "k", &got); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got["a"] != 1 {
		t.Errorf("got %v", got)
	}

	mr.FastForward(2 * time.Minute)
	if err := h.Get(ctx, "k", &got); !errors.Is(err, ErrCacheNotFound) {
		t.Errorf("Get after TTL: got %v, want ErrCacheNotFound", err)
	}
}

func TestHelperInvalidatePattern(t *testing.T) {
	mr, client := newTestRedis(t)
	h := NewHelper(client, "t:")
	ctx := context.Background()

	for _, k := range []string{"a:1", "a:2", "b:1"} {
		if err := h.Set(ctx, k, 1, time.Minute); err != nil {
			t.Fatal(err)
		}
	}
	if err := mr.Set("other", "x"); err != nil {
		t.Fatal(err)
	}
	if err := h.InvalidatePattern(ctx, "a:*"); err != nil {
		t.Fatalf("InvalidatePattern: %v", err)
	}
	if mr.Exists("t:a:1") || mr.Exists("t:a:2") {
		t.Error("matching keys survived")
	}
	if !mr.Exists("t:b:1") || !mr.Exists("other") {
		t.Error("non-matching keys removed")
	}
}

func TestHelperNilClient(t *testing.T) {
	h := NewHelper(nil, "t:")
	ctx := context.Background()
	if h.Enabled() {
		t.Error("Enabled with nil client")
	}
	if err := h.Set(ctx, "k", 1, time.Minute); err != nil {
		t.Errorf("Set: %v", err)
	}
	var v int
	if err := h.Get(ctx, "k", &v); !errors.Is(err, ErrCacheNotAvailable) {
		t.Errorf("Get: got %v, want ErrCacheNotAvailable", err)
	}
	if err := h.InvalidatePattern(ctx, "*"); err != nil {
		t.Errorf("InvalidatePattern: %v", err)
	}
}

type countingFinder struct {
	calls   int
	configs map[model.ConfigScope]*model.GradingConfiguration
	err     error
}

func (f *countingFinder) FindActiveConfig(_ context.Context, scope model.ConfigScope, _, _ int64) (*model.GradingConfiguration, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if c, ok := f.configs[scope]; ok {
		return c, nil
	}
	return nil, store.ErrNotFound
}

func TestConfigsCachesHitsAndMisses(t *testing.T) {
	_, client := newTestRedis(t)
	finder := &countingFinder{configs: map[model.ConfigScope]*model.GradingConfiguration{
		model.ScopeGlobal: {ID: 9, Scope: model.ScopeGlobal, GradingService: "openai"},
	}}
	c := NewConfigs(finder, client, nil)
	ctx := context.Background()

	for range 3 {
		cfg, err := c.FindActiveConfig(ctx, model.ScopeGlobal, 0, 0)
		if err != nil {
			t.Fatalf("global: %v", err)
		}
		if cfg.ID != 9 || cfg.GradingService != "openai" {
			t.Errorf("got %+v", cfg)
		}
		if _, err := c.FindActiveConfig(ctx, model.ScopeQuestion, 1, 2); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("question: got %v, want ErrNotFound", err)
		}
	}
	if finder.calls != 2 {
		t.Errorf("source called %d times, want 2", finder.calls)
	}

	if err := c.Invalidate(ctx); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, err := c.FindActiveConfig(ctx, model.ScopeGlobal, 0, 0); err != nil {
		t.Fatal(err)
	}
	if finder.calls != 3 {
		t.Errorf("source called %d times after invalidate, want 3", finder.calls)
	}
}

func TestConfigsSourceErrorNotCached(t *testing.T) {
	_, client := newTestRedis(t)
	finder := &countingFinder{err: errors.New("db down")}
	c := NewConfigs(finder, client, nil)
	ctx := context.Background()

	for range 2 {
		if _, err := c.FindActiveConfig(ctx, model.ScopeExam, 1, 0); err == nil {
			t.Fatal("expected error")
		}
	}
	if finder.calls != 2 {
		t.Errorf("source called %d times, want 2", finder.calls)
	}
}

func TestConfigsWithoutRedis(t *testing.T) {
	finder := &countingFinder{}
	c := NewConfigs(finder, nil, nil)
	ctx := context.Background()
	for range 2 {
		if _, err := c.FindActiveConfig(ctx, model.ScopeGlobal, 0, 0); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("got %v", err)
		}
	}
	if finder.calls != 2 {
		t.Errorf("source called %d times, want 2", finder.calls)
	}
}

func TestConfigsCacheDown(t *testing.T) {
	mr, client := newTestRedis(t)
	finder := &countingFinder{configs: map[model.ConfigScope]*model.GradingConfiguration{
		model.ScopeExam: {ID: 4, Scope: model.ScopeExam},
	}}
	c := NewConfigs(finder, client, nil)
	mr.Close()

	cfg, err := c.FindActiveConfig(context.Background(), model.ScopeExam, 3, 0)
	if err != nil {
		t.Fatalf("lookup with redis down: %v", err)
	}
	if cfg.ID != 4 {
		t.Errorf("got %+v", cfg)
	}
}
