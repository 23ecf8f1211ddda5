// middleware.go — язык ответа API.
package i18n

import (
	"net/http"

	"golang.org/x/text/language"
)

// LangCookieName — cookie с явно выбранным языком.
const LangCookieName = "lang"

// Middleware кладёт язык запроса в контекст.
// Приоритет: cookie "lang", затем Accept-Language, затем DefaultLang.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(WithLang(r.Context(), detectLanguage(r))))
	})
}

func detectLanguage(r *http.Request) string {
	if cookie, err := r.Cookie(LangCookieName); err == nil {
		if lang, ok := supported(cookie.Value); ok {
			return lang
		}
	}
	if accept := r.Header.Get("Accept-Language"); accept != "" {
		return MatchLanguage(accept)
	}
	return DefaultLang
}

// supported нормализует значение cookie ("RU" → "ru").
func supported(lang string) (string, bool) {
	tag, err := language.Parse(lang)
	if err != nil {
		return "", false
	}
	for _, t := range SupportedLanguages {
		if t == tag {
			return tag.String(), true
		}
	}
	return "", false
}
