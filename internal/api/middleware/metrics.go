// metrics.go — Prometheus HTTP метрики Disclosure Intake.
// Регистрирует метрики: di_http_requests_total, di_http_request_duration_seconds.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP метрики
var (
	// httpRequestsTotal — общее количество HTTP-запросов.
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "di_http_requests_total",
			Help: "Общее количество HTTP-запросов к Disclosure Intake",
		},
		[]string{"method", "path", "status"},
	)

	// httpRequestDuration — гистограмма длительности HTTP-запросов.
	// SSE-поток учитывается только в счётчике.
	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "di_http_request_duration_seconds",
			Help:    "Длительность HTTP-запросов к Disclosure Intake в секундах",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// eventsPath — путь SSE-потока.
const eventsPath = "/api/v1/events"

// MetricsMiddleware возвращает HTTP middleware для сбора Prometheus метрик.
// Записывает количество запросов и длительность для каждого endpoint.
func MetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Нормализуем путь для лейблов метрик
			// (заменяем идентификаторы на {id} для предотвращения кардинальности)
			normalizedPath := normalizePath(r.URL.Path)

			rec := newStatusRecorder(w)
			next.ServeHTTP(rec, r)

			status := strconv.Itoa(rec.status)
			httpRequestsTotal.WithLabelValues(r.Method, normalizedPath, status).Inc()
			if normalizedPath != eventsPath {
				httpRequestDuration.WithLabelValues(r.Method, normalizedPath).Observe(time.Since(start).Seconds())
			}
		})
	}
}

// dynamicSegments — сегменты пути, следующие за коллекцией и
// являющиеся идентификаторами или именами.
var dynamicSegments = map[string]string{
	"disclosures":   "{id}",
	"attachments":   "{attachmentID}",
	"notifications": "{id}",
	"users":         "{id}",
	"steps":         "{step}",
}

// staticSegments — значения, которые после коллекции являются
// частью маршрута, а не идентификатором.
var staticSegments = map[string]bool{
	"unread-count": true,
	"read-all":     true,
}

// normalizePath заменяет идентификаторы в пути на шаблоны.
// /api/v1/disclosures/42/attachments/7 → /api/v1/disclosures/{id}/attachments/{attachmentID}
// /api/v1/wizard/attachments/<uuid>.pdf → /api/v1/wizard/attachments/{attachmentID}
func normalizePath(path string) string {
	if !strings.HasPrefix(path, "/api/") {
		return path
	}

	segments := strings.Split(path, "/")
	for i := 1; i < len(segments); i++ {
		placeholder, ok := dynamicSegments[segments[i-1]]
		if !ok || segments[i] == "" || staticSegments[segments[i]] {
			continue
		}
		// Шаги мастера — конечный набор, кардинальность ограничена.
		if placeholder == "{step}" {
			continue
		}
		segments[i] = placeholder
	}
	return strings.Join(segments, "/")
}
