// health.go — пробы Kubernetes и экспорт метрик.
package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bigkaa/disclosure-intake/internal/config"
)

const serviceName = "disclosure-intake"

// Статусы проверки зависимости, от лучшего к худшему.
const (
	statusOK       = "ok"
	statusDegraded = "degraded"
	statusFail     = "fail"
)

var statusRank = map[string]int{statusOK: 0, statusDegraded: 1, statusFail: 2}

var dependencyUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "di_dependency_status",
	Help: "Результат последней readiness-проверки: 1 ok, 0.5 degraded, 0 fail.",
}, []string{"dependency"})

// ReadinessChecker — проверка одной зависимости.
type ReadinessChecker interface {
	// CheckReady возвращает "ok", "degraded" или "fail" и пояснение.
	CheckReady() (status string, message string)
}

type namedChecker struct {
	name    string
	checker ReadinessChecker
}

// HealthHandler — /health/live, /health/ready и /metrics.
type HealthHandler struct {
	checks  []namedChecker
	metrics http.Handler
}

// NewHealthHandler собирает readiness из PostgreSQL и Keycloak
// (nil — проверка всегда fail) и Redis (nil — Redis не настроен,
// в ответ не попадает).
func NewHealthHandler(pgChecker, kcChecker, redisChecker ReadinessChecker) *HealthHandler {
	checks := []namedChecker{
		{"postgresql", pgChecker},
		{"keycloak", kcChecker},
	}
	if redisChecker != nil {
		checks = append(checks, namedChecker{"redis", redisChecker})
	}
	return &HealthHandler{checks: checks, metrics: promhttp.Handler()}
}

type checkResult struct {
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

type healthResponse struct {
	Status    string                 `json:"status"`
	Timestamp string                 `json:"timestamp"`
	Version   string                 `json:"version"`
	Service   string                 `json:"service"`
	Checks    map[string]checkResult `json:"checks,omitempty"`
}

func newHealthResponse(status string) healthResponse {
	return healthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   config.Version,
		Service:   serviceName,
	}
}

// HealthLive — процесс жив; зависимости не проверяются.
func (h *HealthHandler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, newHealthResponse(statusOK))
}

// HealthReady опрашивает зависимости параллельно. Итог — худший статус;
// fail отдаётся как 503, degraded остаётся 200.
func (h *HealthHandler) HealthReady(w http.ResponseWriter, _ *http.Request) {
	results := make([]checkResult, len(h.checks))
	var wg sync.WaitGroup
	for i, c := range h.checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = run(c)
		}()
	}
	wg.Wait()

	resp := newHealthResponse(statusOK)
	resp.Checks = make(map[string]checkResult, len(h.checks))
	for i, c := range h.checks {
		r := results[i]
		resp.Checks[c.name] = r
		if statusRank[r.Status] > statusRank[resp.Status] {
			resp.Status = r.Status
		}
	}

	code := http.StatusOK
	if resp.Status == statusFail {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// GetMetrics — экспорт Prometheus.
func (h *HealthHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.metrics.ServeHTTP(w, r)
}

func run(c namedChecker) checkResult {
	if c.checker == nil {
		dependencyUp.WithLabelValues(c.name).Set(0)
		return checkResult{Status: statusFail, Message: "не инициализирован"}
	}

	start := time.Now()
	status, msg := c.checker.CheckReady()
	if _, known := statusRank[status]; !known {
		msg = "неизвестный статус " + status + ": " + msg
		status = statusFail
	}

	switch status {
	case statusOK:
		dependencyUp.WithLabelValues(c.name).Set(1)
	case statusDegraded:
		dependencyUp.WithLabelValues(c.name).Set(0.5)
	default:
		dependencyUp.WithLabelValues(c.name).Set(0)
	}
	return checkResult{Status: status, Message: msg, DurationMS: time.Since(start).Milliseconds()}
}
