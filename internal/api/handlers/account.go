// account.go — профиль действующего пользователя, подтверждение адреса
// и подписки на обновления сообщений.
package handlers

import (
	"net/http"
	"strconv"
	"time"

	apierrors "github.com/bigkaa/disclosure-intake/internal/api/errors"
	"github.com/bigkaa/disclosure-intake/internal/domain/model"
	"github.com/bigkaa/disclosure-intake/internal/domain/rbac"
)

// meResponse — профиль действующего пользователя.
type meResponse struct {
	User         *model.User       `json:"user"`
	Role         string            `json:"role"`
	Capabilities []rbac.Capability `json:"capabilities"`
}

// verificationResponse — выданная ссылка подтверждения (без токена).
type verificationResponse struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"expires_at"`
}

func toVerificationResponse(v *model.EmailVerification) verificationResponse {
	return verificationResponse{ID: v.ID, Email: v.Email, ExpiresAt: v.ExpiresAt}
}

// subscribeRequest — тело POST /disclosures/{id}/subscriptions.
// Пустой email — основной адрес пользователя.
type subscribeRequest struct {
	Email string `json:"email"`
}

// subscriptionResponse — подтверждённая подписка.
type subscriptionResponse struct {
	ID           int64     `json:"id"`
	DisclosureID int64     `json:"disclosure_id"`
	Email        string    `json:"email"`
	ConfirmedAt  time.Time `json:"confirmed_at"`
}

// GetMe обрабатывает GET /api/v1/me.
func (h *APIHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOrFail(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, meResponse{
		User:         actor.User,
		Role:         actor.Role,
		Capabilities: rbac.Capabilities(actor.Role),
	})
}

// RequestEmailConfirmation обрабатывает POST /api/v1/account/email-confirmation.
// Повторный запрос раньше паузы — 429 с Retry-After.
func (h *APIHandler) RequestEmailConfirmation(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOrFail(w, r)
	if !ok {
		return
	}

	v, err := h.verifier.RequestEmailConfirmation(r.Context(), actor)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toVerificationResponse(v))
}

// ConfirmEmail обрабатывает GET /api/v1/account/email-confirmation/confirm?id=&token=.
func (h *APIHandler) ConfirmEmail(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOrFail(w, r)
	if !ok {
		return
	}

	id, token, ok := verificationParams(w, r)
	if !ok {
		return
	}

	if err := h.verifier.ConfirmEmail(r.Context(), actor, id, token); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"email_confirmed": true})
}

// Subscribe обрабатывает POST /api/v1/disclosures/{id}/subscriptions.
// Подписка начинает действовать после перехода по ссылке из письма.
func (h *APIHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOrFail(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var in subscribeRequest
	if r.ContentLength != 0 {
		if !decodeJSON(w, r, &in) {
			return
		}
	}

	v, err := h.verifier.Subscribe(r.Context(), actor, id, in.Email)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toVerificationResponse(v))
}

// ConfirmSubscription обрабатывает GET /api/v1/subscriptions/confirm?id=&token=&code=.
func (h *APIHandler) ConfirmSubscription(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOrFail(w, r)
	if !ok {
		return
	}

	id, token, ok := verificationParams(w, r)
	if !ok {
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		apierrors.FieldErrors(w, "Ошибка валидации входных данных", map[string]string{"code": "обязательный параметр"})
		return
	}

	sub, err := h.verifier.ConfirmSubscription(r.Context(), actor, id, token, code)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, subscriptionResponse{
		ID:           sub.ID,
		DisclosureID: sub.DisclosureID,
		Email:        sub.Email,
		ConfirmedAt:  sub.ConfirmedAt,
	})
}

// verificationParams извлекает id и token ссылки подтверждения.
// Некорректные параметры неотличимы от недействительной ссылки.
func verificationParams(w http.ResponseWriter, r *http.Request) (int64, string, bool) {
	q := r.URL.Query()
	id, err := strconv.ParseInt(q.Get("id"), 10, 64)
	token := q.Get("token")
	if err != nil || id <= 0 || token == "" {
		apierrors.TokenRejected(w, "Ссылка недействительна или устарела")
		return 0, "", false
	}
	return id, token, true
}
