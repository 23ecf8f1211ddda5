// logging.go — журнал HTTP-запросов.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// statusRecorder запоминает код ответа и число записанных байт.
// Код фиксируется первым WriteHeader или первым Write.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (rec *statusRecorder) WriteHeader(code int) {
	if !rec.wroteHeader {
		rec.status = code
		rec.wroteHeader = true
	}
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *statusRecorder) Write(b []byte) (int, error) {
	rec.wroteHeader = true
	n, err := rec.ResponseWriter.Write(b)
	rec.bytes += int64(n)
	return n, err
}

// Unwrap нужен http.ResponseController (Flush в SSE).
func (rec *statusRecorder) Unwrap() http.ResponseWriter {
	return rec.ResponseWriter
}

// requestNote копит атрибуты, добавленные по ходу обработки запроса:
// субъект токена, пользователь, сессия мастера.
type requestNote struct {
	mu    sync.Mutex
	attrs []slog.Attr
}

type noteKey struct{}

// Annotate добавляет атрибуты в запись журнала текущего запроса.
// Вне RequestLogger ничего не делает.
func Annotate(ctx context.Context, attrs ...slog.Attr) {
	note, _ := ctx.Value(noteKey{}).(*requestNote)
	if note == nil {
		return
	}
	note.mu.Lock()
	note.attrs = append(note.attrs, attrs...)
	note.mu.Unlock()
}

func levelFor(status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status >= http.StatusBadRequest:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// RequestLogger пишет одну запись на запрос. Путь нормализуется так же,
// как в метриках; уровень — по коду ответа (5xx ERROR, 4xx WARN).
// Атрибуты из Annotate дописываются в конец записи.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	logger = logger.With(slog.String("component", "http"))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			note := &requestNote{}
			ctx := context.WithValue(r.Context(), noteKey{}, note)
			rec := newStatusRecorder(w)

			next.ServeHTTP(rec, r.WithContext(ctx))

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", normalizePath(r.URL.Path)),
				slog.Int("status", rec.status),
				slog.Duration("duration", time.Since(start)),
				slog.Int64("bytes", rec.bytes),
				slog.String("remote_addr", r.RemoteAddr),
			}
			note.mu.Lock()
			attrs = append(attrs, note.attrs...)
			note.mu.Unlock()

			logger.LogAttrs(ctx, levelFor(rec.status), "HTTP запрос", attrs...)
		})
	}
}
