// Пакет model — доменные модели Disclosure Intake.
package model

import "time"

// User — пользователь справочника (Keycloak), зеркалированный в локальную БД.
// Хранится в таблице users. Удаляется только при отсутствии истории.
type User struct {
	// ID — суррогатный идентификатор
	ID int64 `json:"id"`
	// ExternalID — идентификатор пользователя в IdP (sub)
	ExternalID string `json:"external_id"`
	// Username — имя пользователя в справочнике
	Username string `json:"username"`
	// DisplayName — отображаемое имя
	DisplayName string `json:"display_name"`
	// Email — адрес электронной почты
	Email string `json:"email"`
	// Department — подразделение из справочника
	Department string `json:"department,omitempty"`
	// Role — локальная роль (user, examiner, admin)
	Role string `json:"role"`
	// IsActive — false означает, что вход и действия запрещены
	IsActive bool `json:"is_active"`
	// EmailConfirmed — адрес подтверждён по ссылке из письма
	EmailConfirmed bool `json:"email_confirmed"`
	// EmailConfirmedAt — время подтверждения адреса
	EmailConfirmedAt *time.Time `json:"email_confirmed_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// CanLogin — пользователь активен и подтвердил email.
func (u *User) CanLogin() bool {
	return u.IsActive && u.EmailConfirmed
}

// UserFilter — параметры фильтрации списка пользователей.
type UserFilter struct {
	Role     *string
	IsActive *bool
}

// Actor — действующий пользователь запроса.
// Role — итоговая роль: max(роль из IdP, локальная роль).
type Actor struct {
	User *User
	Role string
}

// ID возвращает идентификатор пользователя или 0, если действующего пользователя нет.
func (a *Actor) ID() int64 {
	if a == nil || a.User == nil {
		return 0
	}
	return a.User.ID
}
