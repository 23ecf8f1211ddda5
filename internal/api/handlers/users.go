// users.go — администрирование пользователей.
package handlers

import (
	"net/http"

	apierrors "github.com/bigkaa/disclosure-intake/internal/api/errors"
	"github.com/bigkaa/disclosure-intake/internal/domain/model"
)

// updateUserRequest — тело PATCH /api/v1/users/{id}.
type updateUserRequest struct {
	Role     *string `json:"role"`
	IsActive *bool   `json:"is_active"`
}

// userListResponse — страница пользователей.
type userListResponse struct {
	Items []*model.User `json:"items"`
}

// ListUsers обрабатывает GET /api/v1/users?role=&active=&limit=&offset=.
func (h *APIHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOrFail(w, r)
	if !ok {
		return
	}

	var filter model.UserFilter
	if role := r.URL.Query().Get("role"); role != "" {
		filter.Role = &role
	}
	active, err := queryBool(r, "active")
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	filter.IsActive = active

	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	users, err := h.users.List(r.Context(), actor, filter, limit, offset)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if users == nil {
		users = []*model.User{}
	}
	writeJSON(w, http.StatusOK, userListResponse{Items: users})
}

// UpdateUser обрабатывает PATCH /api/v1/users/{id}.
func (h *APIHandler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOrFail(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var in updateUserRequest
	if !decodeJSON(w, r, &in) {
		return
	}

	user, err := h.users.Update(r.Context(), actor, id, in.Role, in.IsActive)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}
