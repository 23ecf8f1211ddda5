// Точка входа Disclosure Intake — сервиса приёма сообщений о нарушениях.
// Загружает конфигурацию, применяет миграции, подключается к PostgreSQL
// и Redis, создаёт хранилище вложений, клиентов Keycloak и SMTP,
// сервисный слой и API handlers, запускает topologymetrics и
// HTTP-сервер с JWT middleware и graceful shutdown.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/bigkaa/disclosure-intake/internal/api/handlers"
	"github.com/bigkaa/disclosure-intake/internal/api/middleware"
	"github.com/bigkaa/disclosure-intake/internal/config"
	"github.com/bigkaa/disclosure-intake/internal/database"
	"github.com/bigkaa/disclosure-intake/internal/draft"
	"github.com/bigkaa/disclosure-intake/internal/i18n"
	"github.com/bigkaa/disclosure-intake/internal/keycloak"
	"github.com/bigkaa/disclosure-intake/internal/mail"
	"github.com/bigkaa/disclosure-intake/internal/push"
	"github.com/bigkaa/disclosure-intake/internal/repository"
	"github.com/bigkaa/disclosure-intake/internal/server"
	"github.com/bigkaa/disclosure-intake/internal/service"
	"github.com/bigkaa/disclosure-intake/internal/session"
	"github.com/bigkaa/disclosure-intake/internal/storage"
	"github.com/bigkaa/disclosure-intake/internal/storage/filestore"
	"github.com/bigkaa/disclosure-intake/internal/storage/s3store"
)

const (
	// Таймаут HTTP-клиентов Keycloak (JWKS, Admin API, readiness)
	keycloakClientTimeout = 10 * time.Second
	// Буфер очереди push-сообщений одного SSE-клиента
	pushSubscriberBuffer = 16
)

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("Disclosure Intake запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
	)

	if os.Getenv("DI_DEPHEALTH_GROUP") == "" {
		logger.Warn("DI_DEPHEALTH_GROUP не задана, используется значение по умолчанию",
			slog.String("default", cfg.DephealthGroup),
		)
	}

	// 3. Применение миграций БД
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Подключение к PostgreSQL (pgxpool)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// 4.1 Адаптер pgxpool → *sql.DB для topologymetrics (connection pool mode)
	pgDB := stdlib.OpenDBFromPool(pool)
	defer pgDB.Close()

	// 5. Redis (опционально): черновики и рассылка push между репликами
	redisClient, err := database.ConnectRedis(ctx, cfg.RedisURL, logger)
	if err != nil {
		logger.Error("Ошибка подключения к Redis", slog.String("error", err.Error()))
		os.Exit(1)
	}

	hub := push.NewHub(pushSubscriberBuffer, logger)

	var (
		drafts       draft.Store
		publisher    push.Publisher = hub
		redisChecker handlers.ReadinessChecker
	)
	if redisClient != nil {
		defer redisClient.Close()

		drafts = draft.NewRedisStore(redisClient, cfg.DraftTTL)
		broadcaster := push.NewRedisBroadcaster(redisClient, cfg.RedisPushChannel, hub, logger)
		publisher = broadcaster
		redisChecker = database.NewRedisReadinessChecker(redisClient)

		go func() {
			if runErr := broadcaster.Run(ctx); runErr != nil {
				logger.Error("Рассылка push через Redis остановлена", slog.String("error", runErr.Error()))
			}
		}()
		logger.Info("Черновики и push через Redis",
			slog.String("channel", cfg.RedisPushChannel),
		)
	} else {
		drafts = draft.NewMemoryStore(cfg.DraftMemorySize, cfg.DraftTTL)
		logger.Info("DI_REDIS_URL не задан, черновики хранятся в памяти процесса",
			slog.Int("max_drafts", cfg.DraftMemorySize),
		)
	}

	// 6. Хранилище вложений
	var backend storage.Backend
	switch cfg.StorageBackend {
	case config.StorageBackendS3:
		backend, err = s3store.New(ctx, s3store.Options{
			Endpoint:        cfg.S3Endpoint,
			Region:          cfg.S3Region,
			Bucket:          cfg.S3Bucket,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		})
	default:
		backend, err = filestore.New(cfg.StorageDataDir)
	}
	if err != nil {
		logger.Error("Ошибка инициализации хранилища вложений",
			slog.String("backend", cfg.StorageBackend),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	files := storage.NewService(backend, storage.Policy{
		Extensions: cfg.AttachmentExtensions,
		MaxBytes:   cfg.AttachmentMaxBytes,
	}, logger)
	logger.Info("Хранилище вложений инициализировано", slog.String("backend", cfg.StorageBackend))

	// 7. Keycloak Admin API клиент и кэш справочника пользователей
	var httpClient *http.Client // nil — стандартный пул CA
	if cfg.KeycloakCACertPath != "" {
		httpClient, err = middleware.HTTPClientWithCA(cfg.KeycloakCACertPath, keycloakClientTimeout)
		if err != nil {
			logger.Error("Ошибка загрузки CA-сертификата",
				slog.String("path", cfg.KeycloakCACertPath),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
		logger.Info("CA-сертификат загружен", slog.String("path", cfg.KeycloakCACertPath))
	}
	kcClient := keycloak.New(
		cfg.KeycloakURL,
		cfg.KeycloakRealm,
		cfg.KeycloakClientID,
		cfg.KeycloakClientSecret,
		httpClient,
		logger,
	)
	directory := keycloak.NewDirectory(kcClient, cfg.DirectoryCacheSize, cfg.DirectoryCacheTTL, logger)
	logger.Info("Keycloak клиент создан",
		slog.String("url", cfg.KeycloakURL),
		slog.String("realm", cfg.KeycloakRealm),
	)

	// 8. SMTP и каталоги переводов
	mailer := mail.NewSender(mail.Options{
		Host:       cfg.SMTPHost,
		Port:       cfg.SMTPPort,
		Username:   cfg.SMTPUsername,
		Password:   cfg.SMTPPassword,
		From:       cfg.SMTPFrom,
		RequireTLS: cfg.SMTPRequireTLS,
		Timeout:    cfg.SMTPTimeout,
	}, logger)

	bundle, err := i18n.Load(logger)
	if err != nil {
		logger.Error("Ошибка загрузки переводов", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 9. Repositories и сервисы
	stores := service.NewStores(pool)
	txRunner := repository.NewTxRunner(pool)
	// Фиксация черновика переносит файлы вложений и не повторяется;
	// остальные транзакции затрагивают только БД.
	commitUoW := service.NewUnitOfWork(txRunner)
	uow := service.NewUnitOfWork(txRunner.Retrying())

	notifier := service.NewNotifier(stores, publisher, mailer, bundle, cfg.NotifyLang, logger)
	wizardSvc := service.NewWizardService(drafts, stores, commitUoW, files, notifier, logger)
	workflowSvc := service.NewWorkflowService(stores, uow, files, notifier, logger)
	verificationSvc := service.NewVerificationService(stores, uow, mailer, bundle, notifier,
		service.VerificationConfig{
			TTL:         cfg.VerificationTTL,
			Cooldown:    cfg.VerificationCooldown,
			MaxAttempts: cfg.VerificationMaxAttempts,
			BaseURL:     cfg.PublicBaseURL,
			Lang:        cfg.NotifyLang,
		}, logger)
	userSvc := service.NewUserService(stores.Users, directory,
		cfg.RoleAdminGroups, cfg.RoleExaminerGroups, logger)

	// 10. Анонимные сессии мастера подачи
	sessions, err := session.NewManager(cfg.SessionSecret, cfg.SessionSecure, cfg.DraftTTL, logger)
	if err != nil {
		logger.Error("Ошибка создания менеджера сессий", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 11. Readiness checkers (PostgreSQL + Keycloak + Redis)
	pgChecker := database.NewReadinessChecker(pool)
	kcChecker, err := middleware.NewKeycloakReadinessChecker(cfg.JWTJWKSURL, cfg.KeycloakCACertPath, keycloakClientTimeout)
	if err != nil {
		logger.Error("Ошибка создания Keycloak readiness checker", slog.String("error", err.Error()))
		os.Exit(1)
	}
	healthHandler := handlers.NewHealthHandler(pgChecker, kcChecker, redisChecker)

	// 12. API handler
	apiHandler := handlers.NewAPIHandler(handlers.Deps{
		Health:        healthHandler,
		Wizard:        wizardSvc,
		Workflow:      workflowSvc,
		Verifier:      verificationSvc,
		Notifications: notifier,
		Users:         userSvc,
		Hub:           hub,
		SSEKeepAlive:  cfg.SSEKeepAlive,

		AttachmentMaxBytes: cfg.AttachmentMaxBytes,
	}, logger)

	// 13. JWT middleware
	jwtAuth, err := middleware.NewJWTAuth(
		cfg.JWTJWKSURL,
		cfg.KeycloakCACertPath,
		cfg.JWTIssuer,
		cfg.RoleAdminGroups,
		cfg.RoleExaminerGroups,
		keycloakClientTimeout,
		cfg.JWKSRefreshInterval,
		cfg.JWTLeeway,
		logger,
	)
	if err != nil {
		logger.Error("Ошибка создания JWT middleware", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("JWT middleware инициализирован",
		slog.String("jwks_url", cfg.JWTJWKSURL),
		slog.String("issuer", cfg.JWTIssuer),
	)

	// 14. topologymetrics — мониторинг зависимостей (PostgreSQL + Keycloak)
	dephealthSvc, dephealthErr := service.NewDephealthService(service.DephealthConfig{
		ServiceID:       "disclosure-intake",
		Group:           cfg.DephealthGroup,
		PgConnURL:       cfg.DatabaseURL(),
		KeycloakJWKSURL: cfg.JWTJWKSURL,
		CheckInterval:   cfg.DephealthCheckInterval,
	}, pgDB, logger)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
		dephealthSvc = nil
	} else if startErr := dephealthSvc.Start(ctx); startErr != nil {
		logger.Warn("Ошибка запуска topologymetrics", slog.String("error", startErr.Error()))
		dephealthSvc = nil
	} else {
		logger.Info("topologymetrics запущен",
			slog.String("group", cfg.DephealthGroup),
			slog.String("check_interval", cfg.DephealthCheckInterval.String()),
		)
	}

	// 15. Создание и запуск HTTP-сервера
	srv := server.New(cfg, logger, server.Deps{
		Handler:  apiHandler,
		Auth:     jwtAuth.Middleware(),
		Actors:   userSvc,
		Sessions: sessions.Middleware,
	})
	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 16. Остановка фоновых задач
	logger.Info("Останавливаем фоновые задачи...")
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}
	cancel()

	logger.Info("Disclosure Intake остановлен")
}
