// actor.go — разрешение действующего пользователя запроса.
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	apierrors "github.com/bigkaa/disclosure-intake/internal/api/errors"
	"github.com/bigkaa/disclosure-intake/internal/api/middleware"
	"github.com/bigkaa/disclosure-intake/internal/domain/model"
)

// ActorResolver определяет действующего пользователя по claims токена.
type ActorResolver interface {
	ResolveActor(ctx context.Context, claims *middleware.AuthClaims) (*model.Actor, error)
}

type actorKey struct{}

// WithActor помещает действующего пользователя в контекст.
func WithActor(ctx context.Context, actor *model.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext извлекает действующего пользователя из контекста (nil если нет).
func ActorFromContext(ctx context.Context) *model.Actor {
	actor, _ := ctx.Value(actorKey{}).(*model.Actor)
	return actor
}

// RequireActor возвращает middleware, разрешающее действующего пользователя
// по claims JWT. Неактивный пользователь получает 403.
// requireConfirmed — пользователь с неподтверждённым адресом получает 403
// (не задаётся только для маршрутов подтверждения адреса).
func RequireActor(resolver ActorResolver, requireConfirmed bool, logger *slog.Logger) func(http.Handler) http.Handler {
	logger = logger.With(slog.String("component", "actor"))
	h := &APIHandler{logger: logger}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := middleware.ClaimsFromContext(r.Context())
			if claims == nil {
				apierrors.Unauthorized(w, "Требуется аутентификация")
				return
			}

			actor, err := resolver.ResolveActor(r.Context(), claims)
			if err != nil {
				h.writeServiceError(w, r, err)
				return
			}

			if !actor.User.IsActive {
				logger.Info("Запрос неактивного пользователя отклонён",
					slog.Int64("user_id", actor.ID()),
				)
				apierrors.Forbidden(w, "Учётная запись деактивирована")
				return
			}
			if requireConfirmed && !actor.User.EmailConfirmed {
				apierrors.EmailUnconfirmed(w, "Подтвердите адрес электронной почты")
				return
			}

			middleware.Annotate(r.Context(),
				slog.Int64("user_id", actor.ID()),
				slog.String("role", actor.Role),
			)
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

// actorOrFail возвращает действующего пользователя или пишет 401.
func actorOrFail(w http.ResponseWriter, r *http.Request) (*model.Actor, bool) {
	actor := ActorFromContext(r.Context())
	if actor == nil || actor.User == nil {
		apierrors.Unauthorized(w, "Требуется аутентификация")
		return nil, false
	}
	return actor, true
}
