// handler.go — основной обработчик API Disclosure Intake.
// Объединяет доменные обработчики и делегирует запросы в сервисный слой.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/disclosure-intake/internal/api/errors"
	"github.com/bigkaa/disclosure-intake/internal/domain/lifecycle"
	"github.com/bigkaa/disclosure-intake/internal/domain/model"
	"github.com/bigkaa/disclosure-intake/internal/push"
	"github.com/bigkaa/disclosure-intake/internal/service"
	"github.com/bigkaa/disclosure-intake/internal/storage"
)

// maxJSONBody — ограничение тела JSON-запроса.
const maxJSONBody = 1 << 20

// maxMultipartMemory — буфер multipart в памяти, остальное во временных файлах.
const maxMultipartMemory = 32 << 20

// Ограничения multipart-запроса: тело не больше maxUploadFiles файлов
// предельного размера плюс multipartOverhead на заголовки частей и поля.
const (
	maxUploadFiles       = 10
	multipartOverhead    = 64 << 10
	defaultAttachmentMax = 10 << 20
)

// Wizard — мастер подачи сообщения.
type Wizard interface {
	Types(ctx context.Context) ([]*model.DisclosureType, error)
	Draft(ctx context.Context, sessionID string) (*model.Draft, error)
	Step(ctx context.Context, sessionID, step string) (*service.StepView, error)
	SaveDetails(ctx context.Context, sessionID string, in service.DetailsInput) (*model.Draft, error)
	SavePersons(ctx context.Context, sessionID, role string, people []model.Person) (*model.Draft, error)
	AddAttachments(ctx context.Context, sessionID string, files []service.FileUpload) (*service.AttachmentResult, error)
	RemoveAttachment(ctx context.Context, sessionID, storedName string) (*model.Draft, error)
	Back(ctx context.Context, sessionID, step string, people []model.Person) (string, error)
	Review(ctx context.Context, sessionID, lang string) (*service.ReviewView, error)
	Commit(ctx context.Context, sessionID string, actor *model.Actor) (*model.Disclosure, error)
	Discard(ctx context.Context, sessionID string) error
}

// Workflow — назначение, проверка и просмотр сообщений.
type Workflow interface {
	Assign(ctx context.Context, actor *model.Actor, disclosureID, examinerID int64) (*service.AssignResult, error)
	SubmitReview(ctx context.Context, actor *model.Actor, disclosureID int64, in service.ReviewInput) (*model.FinalReview, error)
	Reject(ctx context.Context, actor *model.Actor, disclosureID int64, reason string) (*model.Disclosure, error)
	AddComment(ctx context.Context, actor *model.Actor, disclosureID int64, body string) (*model.Comment, error)
	List(ctx context.Context, actor *model.Actor, filter model.DisclosureFilter, lang string) (*service.DisclosureList, error)
	Get(ctx context.Context, actor *model.Actor, id int64, lang string) (*model.DisclosureDetail, error)
	OpenAttachment(ctx context.Context, actor *model.Actor, disclosureID, attachmentID int64) (*model.Attachment, io.ReadCloser, error)
	OpenReport(ctx context.Context, actor *model.Actor, disclosureID int64) (string, io.ReadCloser, error)
}

// Verifier — подтверждение адреса и подписки по ссылке из письма.
type Verifier interface {
	RequestEmailConfirmation(ctx context.Context, actor *model.Actor) (*model.EmailVerification, error)
	ConfirmEmail(ctx context.Context, actor *model.Actor, id int64, token string) error
	Subscribe(ctx context.Context, actor *model.Actor, disclosureID int64, email string) (*model.EmailVerification, error)
	ConfirmSubscription(ctx context.Context, actor *model.Actor, id int64, token, code string) (*model.ReportSubscription, error)
}

// Notifications — чтение уведомлений пользователя.
type Notifications interface {
	List(ctx context.Context, actor *model.Actor, unreadOnly bool, limit, offset int) ([]model.Notification, error)
	UnreadCount(ctx context.Context, actor *model.Actor) (int, error)
	MarkRead(ctx context.Context, actor *model.Actor, id int64) error
	MarkAllRead(ctx context.Context, actor *model.Actor) (int64, error)
}

// Users — действующий пользователь и администрирование пользователей.
type Users interface {
	ActorResolver
	List(ctx context.Context, actor *model.Actor, filter model.UserFilter, limit, offset int) ([]*model.User, error)
	Update(ctx context.Context, actor *model.Actor, id int64, role *string, isActive *bool) (*model.User, error)
}

// EventHub — подписка SSE-клиентов на push-группы.
type EventHub interface {
	Subscribe(keys []string) *push.Subscriber
	Unsubscribe(sub *push.Subscriber)
}

// APIHandler — обработчик API Disclosure Intake.
type APIHandler struct {
	health        *HealthHandler
	wizard        Wizard
	workflow      Workflow
	verifier      Verifier
	notifications Notifications
	users         Users
	hub           EventHub
	keepAlive     time.Duration
	uploadLimit   int64
	logger        *slog.Logger
}

// Deps — зависимости APIHandler.
type Deps struct {
	Health        *HealthHandler
	Wizard        Wizard
	Workflow      Workflow
	Verifier      Verifier
	Notifications Notifications
	Users         Users
	Hub           EventHub
	// SSEKeepAlive — интервал комментариев keep-alive в SSE-потоке
	SSEKeepAlive time.Duration
	// AttachmentMaxBytes — предельный размер одного файла; 0 — 10 МиБ
	AttachmentMaxBytes int64
}

// NewAPIHandler создаёт основной обработчик API.
func NewAPIHandler(deps Deps, logger *slog.Logger) *APIHandler {
	keepAlive := deps.SSEKeepAlive
	if keepAlive <= 0 {
		keepAlive = 25 * time.Second
	}
	attachmentMax := deps.AttachmentMaxBytes
	if attachmentMax <= 0 {
		attachmentMax = defaultAttachmentMax
	}
	return &APIHandler{
		uploadLimit:   attachmentMax*maxUploadFiles + multipartOverhead,
		health:        deps.Health,
		wizard:        deps.Wizard,
		workflow:      deps.Workflow,
		verifier:      deps.Verifier,
		notifications: deps.Notifications,
		users:         deps.Users,
		hub:           deps.Hub,
		keepAlive:     keepAlive,
		logger:        logger.With(slog.String("component", "api_handler")),
	}
}

// parseMultipart разбирает multipart-тело не больше uploadLimit байт.
// false — ответ с ошибкой уже записан.
func (h *APIHandler) parseMultipart(w http.ResponseWriter, r *http.Request) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.uploadLimit)
	err := r.ParseMultipartForm(maxMultipartMemory)
	if err == nil {
		return true
	}

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
		apierrors.PayloadTooLarge(w, fmt.Sprintf("Тело запроса больше %d байт", h.uploadLimit))
		return false
	}
	apierrors.ValidationError(w, fmt.Sprintf("Ошибка парсинга multipart: %s", err.Error()))
	return false
}

// HealthLive — liveness probe (делегируется в HealthHandler).
func (h *APIHandler) HealthLive(w http.ResponseWriter, r *http.Request) {
	h.health.HealthLive(w, r)
}

// HealthReady — readiness probe (делегируется в HealthHandler).
func (h *APIHandler) HealthReady(w http.ResponseWriter, r *http.Request) {
	h.health.HealthReady(w, r)
}

// GetMetrics — Prometheus метрики (делегируется в HealthHandler).
func (h *APIHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.health.GetMetrics(w, r)
}

// --- Вспомогательные функции ---

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// decodeJSON читает JSON-тело запроса в dst.
// При ошибке пишет 400 и возвращает false.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		apierrors.ValidationError(w, fmt.Sprintf("Некорректное тело запроса: %s", err.Error()))
		return false
	}
	return true
}

// pathID извлекает положительный числовой параметр пути.
// При ошибке пишет 404 и возвращает false.
func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		apierrors.NotFound(w, "Ресурс не найден")
		return 0, false
	}
	return id, true
}

// queryInt читает необязательный целочисленный параметр запроса.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("параметр %s: ожидается целое число", name)
	}
	return v, nil
}

// queryInt64 читает необязательный идентификатор из параметров запроса.
func queryInt64(r *http.Request, name string) (*int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("параметр %s: ожидается целое число", name)
	}
	return &v, nil
}

// queryBool читает необязательный логический параметр запроса.
func queryBool(r *http.Request, name string) (*bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, fmt.Errorf("параметр %s: ожидается true или false", name)
	}
	return &v, nil
}

// writeServiceError переводит ошибку сервисного слоя в HTTP-ответ.
func (h *APIHandler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve       *service.ValidationError
		te       *lifecycle.TransitionError
		cooldown *service.CooldownError
	)

	switch {
	case errors.As(err, &ve):
		apierrors.FieldErrors(w, "Ошибка валидации входных данных", ve.Fields)
	case errors.As(err, &te):
		apierrors.InvalidTransition(w, te.Error())
	case errors.As(err, &cooldown):
		apierrors.TooManyRequests(w, cooldown.RetryAfter, cooldown.Error())
	case errors.Is(err, service.ErrValidation):
		apierrors.ValidationError(w, err.Error())
	case errors.Is(err, service.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		apierrors.NotFound(w, "Ресурс не найден")
	case errors.Is(err, service.ErrUnauthorized):
		apierrors.Unauthorized(w, "Требуется аутентификация")
	case errors.Is(err, service.ErrForbidden):
		apierrors.Forbidden(w, "Недостаточно прав")
	case errors.Is(err, service.ErrConflict):
		apierrors.Conflict(w, err.Error())
	case errors.Is(err, service.ErrTokenRejected):
		apierrors.TokenRejected(w, "Ссылка недействительна или устарела")
	case errors.Is(err, service.ErrDeliveryFailed):
		apierrors.DeliveryFailed(w, "Не удалось отправить письмо, попробуйте позже")
	case errors.Is(err, service.ErrIDPUnavailable):
		apierrors.IDPUnavailable(w, "Справочник пользователей недоступен")
	case errors.Is(err, context.Canceled):
		// Клиент отключился, ответ никто не прочитает.
		h.logger.Debug("Запрос отменён клиентом", slog.String("path", r.URL.Path))
	default:
		h.logger.Error("Внутренняя ошибка обработки запроса",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка")
	}
}
