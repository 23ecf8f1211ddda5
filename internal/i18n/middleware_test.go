package i18n

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMiddleware_DetectLanguage(t *testing.T) {
	tests := []struct {
		name   string
		cookie string
		accept string
		want   string
	}{
		{"по умолчанию", "", "", DefaultLang},
		{"cookie", "ru", "en-US", "ru"},
		{"cookie в верхнем регистре", "RU", "", "ru"},
		{"неподдерживаемая cookie", "de", "ru-RU,ru;q=0.9", "ru"},
		{"Accept-Language", "", "ru-RU,en;q=0.5", "ru"},
		{"неизвестный язык", "", "ja-JP", DefaultLang},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = LangFromContext(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: LangCookieName, Value: tt.cookie})
			}
			if tt.accept != "" {
				req.Header.Set("Accept-Language", tt.accept)
			}
			h.ServeHTTP(httptest.NewRecorder(), req)

			if got != tt.want {
				t.Errorf("язык = %q, ожидался %q", got, tt.want)
			}
		})
	}
}
