// Пакет i18n — тексты уведомлений и писем (en, ru) на каталогах
// golang.org/x/text/message. Язык уведомлений задаётся DI_NOTIFY_LANG,
// язык ответа API определяет Middleware.
package i18n

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"strings"
	"sync"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

// DefaultLang — язык, на который откатываются отсутствующие переводы.
const DefaultLang = "en"

// SupportedLanguages — поддерживаемые языки в порядке предпочтения.
var SupportedLanguages = []language.Tag{language.English, language.Russian}

var matcher = language.NewMatcher(SupportedLanguages)

type langKey struct{}

// Bundle — каталоги переводов. Заполняется при старте, дальше только чтение.
type Bundle struct {
	builder *catalog.Builder
	logger  *slog.Logger

	mu       sync.RWMutex
	keys     map[string]map[string]struct{} // язык → ключи каталога
	printers map[string]*message.Printer
}

// NewBundle создаёт пустой Bundle.
func NewBundle(logger *slog.Logger) *Bundle {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Bundle{
		builder:  catalog.NewBuilder(catalog.Fallback(language.English)),
		logger:   logger,
		keys:     make(map[string]map[string]struct{}),
		printers: make(map[string]*message.Printer),
	}
}

// Load собирает Bundle из встроенных locales/<lang>.json.
func Load(logger *slog.Logger) (*Bundle, error) {
	b := NewBundle(logger)
	files, err := fs.Glob(LocaleFS, "locales/*.json")
	if err != nil {
		return nil, err
	}
	for _, name := range files {
		data, err := LocaleFS.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("i18n: чтение %s: %w", name, err)
		}
		if err := b.LoadMessages(strings.TrimSuffix(path.Base(name), ".json"), data); err != nil {
			return nil, err
		}
	}
	if _, ok := b.keys[DefaultLang]; !ok {
		return nil, fmt.Errorf("i18n: нет каталога %s", DefaultLang)
	}
	return b, nil
}

// LoadMessages добавляет плоский JSON-каталог {"ключ": "формат"} для языка.
func (b *Bundle) LoadMessages(lang string, data []byte) error {
	tag, err := language.Parse(lang)
	if err != nil {
		return fmt.Errorf("i18n: язык %q: %w", lang, err)
	}
	var messages map[string]string
	if err := json.Unmarshal(data, &messages); err != nil {
		return fmt.Errorf("i18n: каталог %s: %w", lang, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	keys := b.keys[lang]
	if keys == nil {
		keys = make(map[string]struct{}, len(messages))
		b.keys[lang] = keys
	}
	for key, msg := range messages {
		if err := b.builder.SetString(tag, key, msg); err != nil {
			return fmt.Errorf("i18n: %s/%s: %w", lang, key, err)
		}
		keys[key] = struct{}{}
	}
	b.printers[lang] = message.NewPrinter(tag, message.Catalog(b.builder))

	b.logger.Debug("Каталог переводов загружен",
		slog.String("lang", lang),
		slog.Int("keys", len(messages)),
	)
	return nil
}

// printerFor выбирает язык, в каталоге которого есть ключ: сначала
// запрошенный, затем DefaultLang. nil — ключа нет нигде.
func (b *Bundle) printerFor(lang, key string) *message.Printer {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, l := range []string{lang, DefaultLang} {
		if _, ok := b.keys[l][key]; ok {
			return b.printers[l]
		}
	}
	return nil
}

// Translate возвращает перевод без подстановок; неизвестный ключ — сам ключ.
func (b *Bundle) Translate(lang, key string) string {
	p := b.printerFor(lang, key)
	if p == nil {
		return key
	}
	return p.Sprintf(key)
}

// Translatef возвращает перевод с подстановкой аргументов по формату каталога.
func (b *Bundle) Translatef(lang, key string, args ...any) string {
	p := b.printerFor(lang, key)
	if p == nil {
		return key
	}
	return p.Sprintf(key, args...)
}

// WithLang помещает язык в контекст.
func WithLang(ctx context.Context, lang string) context.Context {
	return context.WithValue(ctx, langKey{}, lang)
}

// LangFromContext возвращает язык запроса, по умолчанию DefaultLang.
func LangFromContext(ctx context.Context) string {
	if lang, ok := ctx.Value(langKey{}).(string); ok && lang != "" {
		return lang
	}
	return DefaultLang
}

// MatchLanguage сопоставляет Accept-Language с поддерживаемыми языками.
func MatchLanguage(acceptLanguage string) string {
	_, idx := language.MatchStrings(matcher, acceptLanguage)
	base, _ := SupportedLanguages[idx].Base()
	return base.String()
}
