// Пакет keycloak — справочник пользователей поверх Keycloak Admin REST API.
// models.go — модели данных Keycloak.
package keycloak

import "strings"

// TokenResponse — ответ на запрос токена через Client Credentials flow.
type TokenResponse struct {
	AccessToken string `json:"access_token"` //nolint:gosec // G117: структура токена OAuth2
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// KeycloakUser — пользователь в Keycloak.
type KeycloakUser struct { //nolint:revive // stuttering допустим — внешний API Keycloak
	ID            string              `json:"id"`
	Username      string              `json:"username"`
	Email         string              `json:"email"`
	FirstName     string              `json:"firstName"`
	LastName      string              `json:"lastName"`
	Enabled       bool                `json:"enabled"`
	EmailVerified bool                `json:"emailVerified"`
	Attributes    map[string][]string `json:"attributes,omitempty"`
}

// DisplayName — «Имя Фамилия», при отсутствии обоих — username.
func (u *KeycloakUser) DisplayName() string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return u.Username
	}
	return name
}

// Attribute возвращает первое значение атрибута или пустую строку.
func (u *KeycloakUser) Attribute(name string) string {
	if v := u.Attributes[name]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// KeycloakGroup — группа в Keycloak.
type KeycloakGroup struct { //nolint:revive // stuttering допустим — внешний API Keycloak
	ID   string `json:"id"`
	Name string `json:"name"`
	Path string `json:"path"`
}
