// Пакет errors — конструкторы ошибок API Disclosure Intake.
// Единый формат: {"error": {"code": "...", "message": "...", "fields": {...}}}.
// Все HTTP-ответы с ошибками должны использовать WriteError.
package errors

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// Машиночитаемые коды ошибок.
const (
	CodeValidationError   = "VALIDATION_ERROR"
	CodeNotFound          = "NOT_FOUND"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeForbidden         = "FORBIDDEN"
	CodeEmailUnconfirmed  = "EMAIL_UNCONFIRMED"
	CodeConflict          = "CONFLICT"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeTokenRejected     = "TOKEN_REJECTED"
	CodeTooManyRequests   = "TOO_MANY_REQUESTS"
	CodePayloadTooLarge   = "PAYLOAD_TOO_LARGE"
	CodeDeliveryFailed    = "DELIVERY_FAILED"
	CodeIDPUnavailable    = "IDP_UNAVAILABLE"
	CodeInternalError     = "INTERNAL_ERROR"
)

// errorBody — структура тела ответа ошибки.
type errorBody struct {
	Error errorDetail `json:"error"`
}

// errorDetail — детали ошибки.
type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// Fields — ошибки по полям (только для VALIDATION_ERROR)
	Fields map[string]string `json:"fields,omitempty"`
}

// WriteError записывает ответ ошибки в стандартном формате.
// statusCode — HTTP статус-код, code — машиночитаемый код, message — описание.
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	write(w, statusCode, errorDetail{Code: code, Message: message})
}

func write(w http.ResponseWriter, statusCode int, detail errorDetail) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorBody{Error: detail})
}

// --- Конструкторы для типичных ошибок ---

// ValidationError — 400 некорректные входные данные.
func ValidationError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeValidationError, message)
}

// FieldErrors — 400 с ошибками по полям.
func FieldErrors(w http.ResponseWriter, message string, fields map[string]string) {
	write(w, http.StatusBadRequest, errorDetail{
		Code:    CodeValidationError,
		Message: message,
		Fields:  fields,
	})
}

// NotFound — 404 ресурс не найден.
func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, CodeNotFound, message)
}

// Unauthorized — 401 требуется аутентификация.
func Unauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, CodeUnauthorized, message)
}

// Forbidden — 403 недостаточно прав.
func Forbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, CodeForbidden, message)
}

// EmailUnconfirmed — 403 адрес электронной почты не подтверждён.
func EmailUnconfirmed(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, CodeEmailUnconfirmed, message)
}

// Conflict — 409 конфликт состояния ресурса.
func Conflict(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, CodeConflict, message)
}

// InvalidTransition — 409 переход жизненного цикла недопустим.
func InvalidTransition(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, CodeInvalidTransition, message)
}

// TokenRejected — 400 ссылка подтверждения недействительна.
// Причина (истёк, использован, не совпал) не раскрывается.
func TokenRejected(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeTokenRejected, message)
}

// TooManyRequests — 429 с заголовком Retry-After (секунды, не меньше 1).
func TooManyRequests(w http.ResponseWriter, retryAfter time.Duration, message string) {
	seconds := int(retryAfter.Round(time.Second).Seconds())
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	WriteError(w, http.StatusTooManyRequests, CodeTooManyRequests, message)
}

// PayloadTooLarge — 413 тело запроса больше допустимого.
func PayloadTooLarge(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusRequestEntityTooLarge, CodePayloadTooLarge, message)
}

// DeliveryFailed — 502 письмо не отправлено.
func DeliveryFailed(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadGateway, CodeDeliveryFailed, message)
}

// IDPUnavailable — 502 Identity Provider (Keycloak) недоступен.
func IDPUnavailable(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadGateway, CodeIDPUnavailable, message)
}

// InternalError — 500 внутренняя ошибка.
func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, CodeInternalError, message)
}
