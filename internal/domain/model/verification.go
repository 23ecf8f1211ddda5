package model

import "time"

// Назначения токенов подтверждения (email_verifications.purpose).
const (
	PurposeConfirmEmail = "confirm_email"
	// PurposeSubscribeReportPrefix + код сообщения
	PurposeSubscribeReportPrefix = "subscribe_report:"
)

// EmailVerification — одноразовый токен. В БД хранится только хэш.
type EmailVerification struct {
	ID     int64
	UserID int64
	// TokenHash — SHA-256 сырого токена, hex (64 символа)
	TokenHash string
	// Purpose — назначение токена
	Purpose string
	// Email — адрес, на который отправлен токен
	Email      string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	ConsumedAt *time.Time
	// Attempts — количество неудачных проверок
	Attempts int
}

// IsConsumed — токен уже использован.
func (v *EmailVerification) IsConsumed() bool {
	return v.ConsumedAt != nil
}

// IsExpired — срок действия истёк на момент now.
func (v *EmailVerification) IsExpired(now time.Time) bool {
	return !now.Before(v.ExpiresAt)
}
