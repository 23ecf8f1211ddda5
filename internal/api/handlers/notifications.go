// notifications.go — чтение уведомлений и SSE-поток push-событий.
package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	apierrors "github.com/bigkaa/disclosure-intake/internal/api/errors"
	"github.com/bigkaa/disclosure-intake/internal/domain/model"
	"github.com/bigkaa/disclosure-intake/internal/push"
)

// notificationListResponse — страница уведомлений.
type notificationListResponse struct {
	Items []model.Notification `json:"items"`
}

// ListNotifications обрабатывает GET /api/v1/notifications?unread=&limit=&offset=.
func (h *APIHandler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOrFail(w, r)
	if !ok {
		return
	}

	unread, err := queryBool(r, "unread")
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
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

	items, err := h.notifications.List(r.Context(), actor, unread != nil && *unread, limit, offset)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, notificationListResponse{Items: items})
}

// UnreadCount обрабатывает GET /api/v1/notifications/unread-count.
func (h *APIHandler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOrFail(w, r)
	if !ok {
		return
	}

	count, err := h.notifications.UnreadCount(r.Context(), actor)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": count})
}

// MarkNotificationRead обрабатывает POST /api/v1/notifications/{id}/read.
func (h *APIHandler) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOrFail(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	if err := h.notifications.MarkRead(r.Context(), actor, id); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MarkAllNotificationsRead обрабатывает POST /api/v1/notifications/read-all.
func (h *APIHandler) MarkAllNotificationsRead(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOrFail(w, r)
	if !ok {
		return
	}

	n, err := h.notifications.MarkAllRead(r.Context(), actor)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"updated": n})
}

// Events обрабатывает GET /api/v1/events — SSE-поток уведомлений.
// Клиент подписывается на все группы своей идентичности.
// Формат: id: n:<id>\nevent: notification\ndata: {json}\n\n
func (h *APIHandler) Events(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOrFail(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Отключаем буферизацию Nginx

	// http.ResponseController находит http.Flusher через Unwrap()
	// обёрток logging и metrics middleware.
	rc := http.NewResponseController(w)
	if err := rc.Flush(); err != nil {
		apierrors.InternalError(w, "SSE не поддерживается")
		return
	}
	// Поток живёт дольше WriteTimeout сервера.
	_ = rc.SetWriteDeadline(time.Time{})

	sub := h.hub.Subscribe(push.ChannelKeys(model.Recipient{
		UserID:   actor.ID(),
		Email:    actor.User.Email,
		Username: actor.User.Username,
	}))
	defer h.hub.Unsubscribe(sub)

	h.logger.Debug("SSE клиент подключён",
		slog.Int64("user_id", actor.ID()),
		slog.String("remote_addr", r.RemoteAddr),
	)

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE клиент отключён", slog.Int64("user_id", actor.ID()))
			return

		case msg, open := <-sub.C:
			if !open {
				return
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", msg.ID, msg.Event, msg.Data); err != nil {
				return
			}
			_ = rc.Flush()

		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			_ = rc.Flush()
		}
	}
}
