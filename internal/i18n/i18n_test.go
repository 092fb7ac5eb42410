package i18n

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func initLang(t *testing.T, lang string) context.Context {
	t.Helper()
	if err := Init(lang); err != nil {
		t.Fatalf("Init(%q): %v", lang, err)
	}
	t.Cleanup(func() { _ = Init("en") })
	return WithLang(context.Background(), lang)
}

func TestTranslateEnglish(t *testing.T) {
	ctx := initLang(t, "en")

	if got := T(ctx, "NoAnswer"); got != "No answer provided." {
		t.Errorf("T(NoAnswer) = %q, want 'No answer provided.'", got)
	}
	if got := T(ctx, "NoReference"); got != "Unable to grade: no reference answer available." {
		t.Errorf("T(NoReference) = %q", got)
	}
}

func TestTranslateRussian(t *testing.T) {
	ctx := initLang(t, "ru")

	if got := T(ctx, "NoAnswer"); got != "Ответ не дан." {
		t.Errorf("T(NoAnswer) = %q, want 'Ответ не дан.'", got)
	}
}

func TestTemplateDataTranslation(t *testing.T) {
	ctx := initLang(t, "en")

	got := Td(ctx, "KeywordScore", map[string]any{"Coverage": "66.7"})
	if got != "Keyword matching score: 66.7%." {
		t.Errorf("Td(KeywordScore) = %q", got)
	}
}

func TestMissingKey(t *testing.T) {
	ctx := initLang(t, "en")

	if got := T(ctx, "NonExistentKey"); got != "NonExistentKey" {
		t.Errorf("T(NonExistentKey) = %q, want 'NonExistentKey'", got)
	}
}

func TestContextWithoutLocalizer(t *testing.T) {
	if got := T(context.Background(), "PendingReview"); got != "Your answer is pending instructor review." {
		t.Errorf("T(PendingReview) = %q", got)
	}
}

func TestMiddlewareAcceptLanguage(t *testing.T) {
	if err := Init("en"); err != nil {
		t.Fatalf("Init: %v", err)
	}

	var got string
	h := Middleware("en")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = T(r.Context(), "ExactCorrect")
	}))

	tests := []struct {
		header string
		want   string
	}{
		{"", "Correct answer."},
		{"ru-RU,ru;q=0.9", "Верный ответ."},
		{"fr", "Correct answer."},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Accept-Language", tt.header)
			}
			h.ServeHTTP(httptest.NewRecorder(), req)
			if got != tt.want {
				t.Errorf("Accept-Language %q: got %q, want %q", tt.header, got, tt.want)
			}
		})
	}
}
