package i18n

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
)

//go:embed locales/*.json
var localeFS embed.FS

type ctxKey struct{}

var (
	mu          sync.RWMutex
	bundle      *i18n.Bundle
	defaultLang = "en"
)

// Init loads the translation bundle and makes lang the fallback language
// for contexts that carry no localizer.
func Init(lang string) error {
	b, err := load(lang)
	if err != nil {
		return err
	}
	mu.Lock()
	bundle = b
	defaultLang = lang
	mu.Unlock()
	return nil
}

func load(lang string) (*i18n.Bundle, error) {
	tag, err := language.Parse(lang)
	if err != nil {
		return nil, fmt.Errorf("parse language %q: %w", lang, err)
	}

	b := i18n.NewBundle(tag)
	b.RegisterUnmarshalFunc("json", json.Unmarshal)

	entries, err := localeFS.ReadDir("locales")
	if err != nil {
		return nil, fmt.Errorf("read locales dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := localeFS.ReadFile("locales/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("read locale file %s: %w", e.Name(), err)
		}
		if _, err := b.ParseMessageFileBytes(data, e.Name()); err != nil {
			return nil, fmt.Errorf("parse locale file %s: %w", e.Name(), err)
		}
		slog.Debug("loaded locale file", "file", e.Name())
	}
	return b, nil
}

// current returns the active bundle, loading the English one on first use
// so that scoring works in tests and tools that never call Init.
func current() (*i18n.Bundle, string) {
	mu.RLock()
	b, lang := bundle, defaultLang
	mu.RUnlock()
	if b != nil {
		return b, lang
	}

	mu.Lock()
	defer mu.Unlock()
	if bundle == nil {
		loaded, err := load("en")
		if err != nil {
			// Embedded files are part of the binary; failing here is a build defect.
			panic(err)
		}
		bundle = loaded
	}
	return bundle, defaultLang
}

// NewLocalizer creates a localizer for the given languages in order of
// preference. Entries may be Accept-Language header values.
func NewLocalizer(langs ...string) *i18n.Localizer {
	b, def := current()
	return i18n.NewLocalizer(b, append(langs, def)...)
}

// WithLocalizer stores a localizer in the context.
func WithLocalizer(ctx context.Context, loc *i18n.Localizer) context.Context {
	return context.WithValue(ctx, ctxKey{}, loc)
}

// WithLang is a shortcut for WithLocalizer(ctx, NewLocalizer(lang)).
func WithLang(ctx context.Context, lang string) context.Context {
	return WithLocalizer(ctx, NewLocalizer(lang))
}

func localizerFromCtx(ctx context.Context) *i18n.Localizer {
	if loc, ok := ctx.Value(ctxKey{}).(*i18n.Localizer); ok {
		return loc
	}
	b, def := current()
	return i18n.NewLocalizer(b, def)
}

// T translates a message by ID.
func T(ctx context.Context, msgID string) string {
	return Td(ctx, msgID, nil)
}

// Td translates a message by ID with template data.
func Td(ctx context.Context, msgID string, data map[string]any) string {
	loc := localizerFromCtx(ctx)
	s, err := loc.Localize(&i18n.LocalizeConfig{
		MessageID:    msgID,
		TemplateData: data,
	})
	if err != nil {
		slog.Warn("missing translation", "id", msgID, "error", err)
		return msgID
	}
	return s
}
