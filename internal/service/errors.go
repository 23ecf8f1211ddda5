// errors.go — ошибки бизнес-логики сервисного слоя.
package service

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	// ErrNotFound — ресурс не найден.
	ErrNotFound = errors.New("ресурс не найден")
	// ErrConflict — конфликт состояния (например, адрес уже подтверждён).
	ErrConflict = errors.New("конфликт состояния ресурса")
	// ErrValidation — ошибка валидации входных данных.
	ErrValidation = errors.New("ошибка валидации")
	// ErrUnauthorized — действующий пользователь не определён.
	ErrUnauthorized = errors.New("требуется аутентификация")
	// ErrForbidden — недостаточно прав.
	ErrForbidden = errors.New("недостаточно прав")
	// ErrTokenRejected — токен подтверждения отклонён (причина не раскрывается).
	ErrTokenRejected = errors.New("ссылка недействительна или устарела")
	// ErrCooldown — повторная отправка письма раньше допустимого.
	ErrCooldown = errors.New("повторная отправка пока недоступна")
	// ErrDeliveryFailed — письмо не отправлено.
	ErrDeliveryFailed = errors.New("не удалось отправить письмо")
	// ErrIDPUnavailable — справочник пользователей (Keycloak) недоступен.
	ErrIDPUnavailable = errors.New("Identity Provider недоступен")
)

// ValidationError — ошибки валидации по полям.
// Ключ — имя поля во внешнем представлении, значение — описание.
type ValidationError struct {
	Fields map[string]string
}

// NewValidationError создаёт пустой набор ошибок полей.
func NewValidationError() *ValidationError {
	return &ValidationError{Fields: make(map[string]string)}
}

// Add добавляет ошибку поля. Первая ошибка поля сохраняется.
func (e *ValidationError) Add(field, message string) {
	if _, exists := e.Fields[field]; !exists {
		e.Fields[field] = message
	}
}

// Empty — ошибок нет.
func (e *ValidationError) Empty() bool {
	return len(e.Fields) == 0
}

// OrNil возвращает e как error или nil, если ошибок нет.
func (e *ValidationError) OrNil() error {
	if e.Empty() {
		return nil
	}
	return e
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "ошибка валидации: " + strings.Join(parts, "; ")
}

// Is позволяет errors.Is(err, ErrValidation).
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// fieldError — ValidationError с одним полем.
func fieldError(field, message string) *ValidationError {
	ve := NewValidationError()
	ve.Add(field, message)
	return ve
}

// CooldownError — письмо запрошено раньше окончания паузы.
type CooldownError struct {
	RetryAfter time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("повторная отправка возможна через %d с", int(e.RetryAfter.Round(time.Second).Seconds()))
}

// Is позволяет errors.Is(err, ErrCooldown).
func (e *CooldownError) Is(target error) bool {
	return target == ErrCooldown
}
