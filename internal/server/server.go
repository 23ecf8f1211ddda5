// Пакет server — HTTP-сервер Disclosure Intake с graceful shutdown.
// Без TLS — HTTP внутри кластера, TLS termination на API Gateway.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/disclosure-intake/internal/api/handlers"
	"github.com/bigkaa/disclosure-intake/internal/api/middleware"
	"github.com/bigkaa/disclosure-intake/internal/config"
	"github.com/bigkaa/disclosure-intake/internal/i18n"
	"github.com/bigkaa/disclosure-intake/internal/session"
)

// Server — HTTP-сервер Disclosure Intake.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// Deps — зависимости маршрутизатора.
type Deps struct {
	// Handler — обработчик API
	Handler *handlers.APIHandler
	// Auth — JWT middleware (nil — без аутентификации, только для тестов)
	Auth func(http.Handler) http.Handler
	// Actors — разрешение действующего пользователя
	Actors handlers.ActorResolver
	// Sessions — middleware анонимной сессии мастера
	Sessions func(http.Handler) http.Handler
}

// New создаёт новый HTTP-сервер с настроенными routes и middleware.
func New(cfg *config.Config, logger *slog.Logger, deps Deps) *Server {
	// Отмена контекста запросов при shutdown завершает SSE-потоки.
	baseCtx, cancel := context.WithCancel(context.Background())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      NewRouter(logger, deps),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return baseCtx },
	}
	srv.RegisterOnShutdown(cancel)

	return &Server{
		httpServer: srv,
		logger:     logger,
		cfg:        cfg,
	}
}

// sessionLogPrefix — сколько символов идентификатора сессии попадает в журнал.
const sessionLogPrefix = 8

// annotateSession добавляет в журнал запроса префикс идентификатора сессии мастера.
func annotateSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := session.IDFromContext(r.Context()); id != "" {
			middleware.Annotate(r.Context(), slog.String("session", id[:min(len(id), sessionLogPrefix)]))
		}
		next.ServeHTTP(w, r)
	})
}

// NewRouter собирает маршруты API.
//
// Health и metrics проверяются Kubernetes напрямую, без JWT.
// Профиль и подтверждение адреса доступны до подтверждения email,
// остальные маршруты требуют подтверждённого адреса.
func NewRouter(logger *slog.Logger, deps Deps) http.Handler {
	h := deps.Handler
	router := chi.NewRouter()

	// Глобальные middleware (применяются ко ВСЕМ маршрутам)
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.RequestLogger(logger))
	router.Use(i18n.Middleware)

	router.Get("/health/live", h.HealthLive)
	router.Get("/health/ready", h.HealthReady)
	router.Get("/metrics", h.GetMetrics)

	router.Route("/api/v1", func(api chi.Router) {
		if deps.Auth != nil {
			api.Use(deps.Auth)
		}

		api.Group(func(r chi.Router) {
			r.Use(handlers.RequireActor(deps.Actors, false, logger))

			r.Get("/me", h.GetMe)
			r.Post("/account/email-confirmation", h.RequestEmailConfirmation)
			r.Get("/account/email-confirmation/confirm", h.ConfirmEmail)
		})

		api.Group(func(r chi.Router) {
			r.Use(handlers.RequireActor(deps.Actors, true, logger))

			r.Get("/disclosure-types", h.ListDisclosureTypes)

			r.Route("/wizard", func(wz chi.Router) {
				if deps.Sessions != nil {
					wz.Use(deps.Sessions, annotateSession)
				}
				wz.Get("/draft", h.GetDraft)
				wz.Delete("/draft", h.DiscardDraft)
				wz.Get("/steps/{step}", h.GetStep)
				wz.Post("/steps/{step}", h.SaveStep)
				wz.Post("/steps/{step}/back", h.StepBack)
				wz.Delete("/attachments/{name}", h.RemoveAttachment)
				wz.Post("/commit", h.CommitDraft)
			})

			r.Route("/disclosures", func(d chi.Router) {
				d.Get("/", h.ListDisclosures)
				d.Route("/{id}", func(one chi.Router) {
					one.Get("/", h.GetDisclosure)
					one.Post("/assign", h.AssignExaminer)
					one.Post("/review", h.SubmitReview)
					one.Get("/review/report", h.DownloadReport)
					one.Post("/reject", h.RejectDisclosure)
					one.Post("/comments", h.AddComment)
					one.Get("/attachments/{attachmentID}", h.DownloadAttachment)
					one.Post("/subscriptions", h.Subscribe)
				})
			})
			r.Get("/subscriptions/confirm", h.ConfirmSubscription)

			r.Get("/notifications", h.ListNotifications)
			r.Get("/notifications/unread-count", h.UnreadCount)
			r.Post("/notifications/read-all", h.MarkAllNotificationsRead)
			r.Post("/notifications/{id}/read", h.MarkNotificationRead)
			r.Get("/events", h.Events)

			r.Get("/users", h.ListUsers)
			r.Patch("/users/{id}", h.UpdateUser)
		})
	})

	return router
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM).
// При получении сигнала выполняется graceful shutdown.
func (s *Server) Run() error {
	// Канал для ошибок сервера
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
		)

		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Ожидание сигнала завершения
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
