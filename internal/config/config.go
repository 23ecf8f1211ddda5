// Пакет config — загрузка и валидация конфигурации Disclosure Intake
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Бэкенды хранения вложений.
const (
	StorageBackendDisk = "disk"
	StorageBackendS3   = "s3"
)

// Config содержит все параметры конфигурации сервиса.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string
	// Публичный базовый URL (используется в ссылках из писем)
	PublicBaseURL string

	// --- PostgreSQL ---

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string
	// Максимум соединений пула
	DBMaxConns int
	// Время простоя, после которого соединение закрывается
	DBMaxConnIdleTime time.Duration

	// --- Redis (опционально) ---

	// URL Redis (redis://host:port/db). Пустой — черновики в памяти процесса,
	// push только внутри инстанса.
	RedisURL string
	// Канал Redis pub/sub для межинстансной доставки push
	RedisPushChannel string

	// --- Keycloak ---

	KeycloakURL          string
	KeycloakRealm        string
	KeycloakClientID     string
	KeycloakClientSecret string
	// Путь к CA-сертификату для TLS-соединений с Keycloak (опционально)
	KeycloakCACertPath string

	// --- JWT ---

	JWTIssuer  string
	JWTJWKSURL string
	// Допустимое отклонение времени при проверке JWT
	JWTLeeway time.Duration
	// Интервал обновления JWKS-ключей
	JWKSRefreshInterval time.Duration

	// --- Маппинг групп → ролей ---

	RoleAdminGroups    []string
	RoleExaminerGroups []string

	// --- Справочник пользователей ---

	DirectoryCacheSize int
	DirectoryCacheTTL  time.Duration

	// --- Сессии и черновики ---

	// Ключ шифрования cookie сессии (AES-256-GCM)
	SessionSecret string
	// Secure flag для cookie сессии
	SessionSecure bool
	// Время жизни черновика
	DraftTTL time.Duration
	// Максимальное количество черновиков в памяти (без Redis)
	DraftMemorySize int

	// --- Вложения ---

	// Бэкенд хранения: disk или s3
	StorageBackend string
	// Директория хранения вложений (disk)
	StorageDataDir string
	// Допустимые расширения вложений
	AttachmentExtensions []string
	// Максимальный размер вложения в байтах
	AttachmentMaxBytes int64

	// --- S3 (опционально) ---

	S3Endpoint        string
	S3Region          string
	S3Bucket          string
	S3AccessKeyID     string
	S3SecretAccessKey string

	// --- SMTP ---

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	// Требовать STARTTLS
	SMTPRequireTLS bool
	SMTPTimeout    time.Duration

	// --- Токены подтверждения ---

	VerificationTTL         time.Duration
	VerificationCooldown    time.Duration
	VerificationMaxAttempts int

	// --- Уведомления ---

	// Язык текстов уведомлений (en, ru)
	NotifyLang string
	// Интервал keep-alive для SSE
	SSEKeepAlive time.Duration

	// --- topologymetrics ---

	DephealthGroup         string
	DephealthCheckInterval time.Duration

	// --- Graceful shutdown ---

	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	cfg.Port, err = getEnvInt("DI_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("DI_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("DI_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("DI_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("DI_LOG_LEVEL: %w", err)
	}

	cfg.LogFormat = getEnvDefault("DI_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("DI_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	cfg.PublicBaseURL = strings.TrimRight(getEnvDefault("DI_PUBLIC_BASE_URL", "http://localhost:8080"), "/")

	// --- PostgreSQL ---

	cfg.DBHost, err = getEnvRequired("DI_DB_HOST")
	if err != nil {
		return nil, err
	}

	cfg.DBPort, err = getEnvInt("DI_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("DI_DB_PORT: %w", err)
	}

	cfg.DBName, err = getEnvRequired("DI_DB_NAME")
	if err != nil {
		return nil, err
	}

	cfg.DBUser, err = getEnvRequired("DI_DB_USER")
	if err != nil {
		return nil, err
	}

	cfg.DBPassword, err = getEnvRequired("DI_DB_PASSWORD")
	if err != nil {
		return nil, err
	}

	cfg.DBSSLMode = getEnvDefault("DI_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return nil, fmt.Errorf("DI_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}

	cfg.DBMaxConns, err = getEnvInt("DI_DB_MAX_CONNS", 10)
	if err != nil {
		return nil, fmt.Errorf("DI_DB_MAX_CONNS: %w", err)
	}
	if cfg.DBMaxConns < 1 {
		return nil, fmt.Errorf("DI_DB_MAX_CONNS: значение %d должно быть положительным", cfg.DBMaxConns)
	}

	cfg.DBMaxConnIdleTime, err = getEnvDuration("DI_DB_MAX_CONN_IDLE_TIME", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("DI_DB_MAX_CONN_IDLE_TIME: %w", err)
	}

	// --- Redis ---

	cfg.RedisURL = getEnvDefault("DI_REDIS_URL", "")
	cfg.RedisPushChannel = getEnvDefault("DI_REDIS_PUSH_CHANNEL", "disclosure-intake:push")

	// --- Keycloak ---

	cfg.KeycloakURL, err = getEnvRequired("DI_KEYCLOAK_URL")
	if err != nil {
		return nil, err
	}
	cfg.KeycloakURL = strings.TrimRight(cfg.KeycloakURL, "/")

	cfg.KeycloakRealm = getEnvDefault("DI_KEYCLOAK_REALM", "disclosure")

	cfg.KeycloakClientID, err = getEnvRequired("DI_KEYCLOAK_CLIENT_ID")
	if err != nil {
		return nil, err
	}

	cfg.KeycloakClientSecret, err = getEnvRequired("DI_KEYCLOAK_CLIENT_SECRET")
	if err != nil {
		return nil, err
	}

	cfg.KeycloakCACertPath = getEnvDefault("DI_KEYCLOAK_CA_CERT_PATH", "")

	// --- JWT ---

	cfg.JWTIssuer = getEnvDefault("DI_JWT_ISSUER",
		fmt.Sprintf("%s/realms/%s", cfg.KeycloakURL, cfg.KeycloakRealm))

	cfg.JWTJWKSURL = getEnvDefault("DI_JWT_JWKS_URL",
		fmt.Sprintf("%s/realms/%s/protocol/openid-connect/certs", cfg.KeycloakURL, cfg.KeycloakRealm))

	cfg.JWTLeeway, err = getEnvDuration("DI_JWT_LEEWAY", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DI_JWT_LEEWAY: %w", err)
	}

	cfg.JWKSRefreshInterval, err = getEnvDuration("DI_JWKS_REFRESH_INTERVAL", 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("DI_JWKS_REFRESH_INTERVAL: %w", err)
	}

	// --- Маппинг групп → ролей ---

	cfg.RoleAdminGroups = parseCSV(getEnvDefault("DI_ROLE_ADMIN_GROUPS", "disclosure-admins"))
	cfg.RoleExaminerGroups = parseCSV(getEnvDefault("DI_ROLE_EXAMINER_GROUPS", "disclosure-examiners"))

	// --- Справочник пользователей ---

	cfg.DirectoryCacheSize, err = getEnvInt("DI_DIRECTORY_CACHE_SIZE", 1000)
	if err != nil {
		return nil, fmt.Errorf("DI_DIRECTORY_CACHE_SIZE: %w", err)
	}
	if cfg.DirectoryCacheSize < 1 {
		return nil, fmt.Errorf("DI_DIRECTORY_CACHE_SIZE: значение %d должно быть положительным", cfg.DirectoryCacheSize)
	}

	cfg.DirectoryCacheTTL, err = getEnvDuration("DI_DIRECTORY_CACHE_TTL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("DI_DIRECTORY_CACHE_TTL: %w", err)
	}

	// --- Сессии и черновики ---

	cfg.SessionSecret = getEnvDefault("DI_SESSION_SECRET", "")

	cfg.SessionSecure, err = getEnvBool("DI_SESSION_SECURE", strings.HasPrefix(cfg.PublicBaseURL, "https"))
	if err != nil {
		return nil, fmt.Errorf("DI_SESSION_SECURE: %w", err)
	}

	cfg.DraftTTL, err = getEnvDuration("DI_DRAFT_TTL", 2*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("DI_DRAFT_TTL: %w", err)
	}

	cfg.DraftMemorySize, err = getEnvInt("DI_DRAFT_MEMORY_SIZE", 10000)
	if err != nil {
		return nil, fmt.Errorf("DI_DRAFT_MEMORY_SIZE: %w", err)
	}

	// --- Вложения ---

	cfg.StorageBackend = getEnvDefault("DI_STORAGE_BACKEND", StorageBackendDisk)
	if cfg.StorageBackend != StorageBackendDisk && cfg.StorageBackend != StorageBackendS3 {
		return nil, fmt.Errorf("DI_STORAGE_BACKEND: недопустимое значение %q, допустимые: disk, s3", cfg.StorageBackend)
	}

	cfg.StorageDataDir = getEnvDefault("DI_STORAGE_DATA_DIR", "./data")

	cfg.AttachmentExtensions = parseExtensions(getEnvDefault("DI_ATTACHMENT_EXTENSIONS",
		".pdf,.doc,.docx,.xls,.xlsx,.ppt,.pptx,.txt,.jpg,.jpeg,.png,.zip"))
	if len(cfg.AttachmentExtensions) == 0 {
		return nil, fmt.Errorf("DI_ATTACHMENT_EXTENSIONS: список расширений пуст")
	}

	cfg.AttachmentMaxBytes, err = getEnvInt64("DI_ATTACHMENT_MAX_BYTES", 10*1024*1024)
	if err != nil {
		return nil, fmt.Errorf("DI_ATTACHMENT_MAX_BYTES: %w", err)
	}
	if cfg.AttachmentMaxBytes < 1 {
		return nil, fmt.Errorf("DI_ATTACHMENT_MAX_BYTES: значение %d должно быть положительным", cfg.AttachmentMaxBytes)
	}

	// --- S3 ---

	cfg.S3Endpoint = getEnvDefault("DI_S3_ENDPOINT", "")
	cfg.S3Region = getEnvDefault("DI_S3_REGION", "us-east-1")
	cfg.S3Bucket = getEnvDefault("DI_S3_BUCKET", "")
	cfg.S3AccessKeyID = getEnvDefault("DI_S3_ACCESS_KEY_ID", "")
	cfg.S3SecretAccessKey = getEnvDefault("DI_S3_SECRET_ACCESS_KEY", "")
	if cfg.StorageBackend == StorageBackendS3 && cfg.S3Bucket == "" {
		return nil, fmt.Errorf("DI_S3_BUCKET: обязателен при DI_STORAGE_BACKEND=s3")
	}

	// --- SMTP ---

	cfg.SMTPHost, err = getEnvRequired("DI_SMTP_HOST")
	if err != nil {
		return nil, err
	}

	cfg.SMTPPort, err = getEnvInt("DI_SMTP_PORT", 587)
	if err != nil {
		return nil, fmt.Errorf("DI_SMTP_PORT: %w", err)
	}

	cfg.SMTPUsername = getEnvDefault("DI_SMTP_USERNAME", "")
	cfg.SMTPPassword = getEnvDefault("DI_SMTP_PASSWORD", "")
	cfg.SMTPFrom = getEnvDefault("DI_SMTP_FROM", "no-reply@disclosure.local")

	cfg.SMTPRequireTLS, err = getEnvBool("DI_SMTP_REQUIRE_TLS", false)
	if err != nil {
		return nil, fmt.Errorf("DI_SMTP_REQUIRE_TLS: %w", err)
	}

	cfg.SMTPTimeout, err = getEnvDuration("DI_SMTP_TIMEOUT", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DI_SMTP_TIMEOUT: %w", err)
	}

	// --- Токены подтверждения ---

	cfg.VerificationTTL, err = getEnvDuration("DI_VERIFICATION_TTL", 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("DI_VERIFICATION_TTL: %w", err)
	}

	cfg.VerificationCooldown, err = getEnvDuration("DI_VERIFICATION_COOLDOWN", time.Minute)
	if err != nil {
		return nil, fmt.Errorf("DI_VERIFICATION_COOLDOWN: %w", err)
	}

	cfg.VerificationMaxAttempts, err = getEnvInt("DI_VERIFICATION_MAX_ATTEMPTS", 5)
	if err != nil {
		return nil, fmt.Errorf("DI_VERIFICATION_MAX_ATTEMPTS: %w", err)
	}
	if cfg.VerificationMaxAttempts < 1 {
		return nil, fmt.Errorf("DI_VERIFICATION_MAX_ATTEMPTS: значение %d должно быть положительным", cfg.VerificationMaxAttempts)
	}

	// --- Уведомления ---

	cfg.NotifyLang = getEnvDefault("DI_NOTIFY_LANG", "en")
	if cfg.NotifyLang != "en" && cfg.NotifyLang != "ru" {
		return nil, fmt.Errorf("DI_NOTIFY_LANG: недопустимое значение %q, допустимые: en, ru", cfg.NotifyLang)
	}

	cfg.SSEKeepAlive, err = getEnvDuration("DI_SSE_KEEPALIVE", 25*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DI_SSE_KEEPALIVE: %w", err)
	}

	// --- topologymetrics ---

	cfg.DephealthGroup = getEnvDefault("DI_DEPHEALTH_GROUP", "disclosure")

	cfg.DephealthCheckInterval, err = getEnvDuration("DI_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DI_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// --- Graceful shutdown ---

	cfg.ShutdownTimeout, err = getEnvDuration("DI_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DI_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		dsnValue(c.DBHost), c.DBPort, dsnValue(c.DBName), dsnValue(c.DBUser), dsnValue(c.DBPassword), c.DBSSLMode,
	)
}

// dsnValue экранирует значение keyword/value DSN по правилам libpq.
func dsnValue(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}

// MigrationURL возвращает URL для golang-migrate (схема pgx5).
// Учётные данные экранируются, таблица версий отделена от прикладных.
func (c *Config) MigrationURL() string {
	u := url.URL{
		Scheme: "pgx5",
		User:   url.UserPassword(c.DBUser, c.DBPassword),
		Host:   net.JoinHostPort(c.DBHost, strconv.Itoa(c.DBPort)),
		Path:   "/" + c.DBName,
	}
	q := url.Values{}
	q.Set("sslmode", c.DBSSLMode)
	q.Set("x-migrations-table", "di_schema_migrations")
	u.RawQuery = q.Encode()
	return u.String()
}

// DatabaseURL возвращает URL PostgreSQL без пароля (для лейблов метрик).
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%d/%s", c.DBHost, c.DBPort, c.DBName)
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvInt64 — как getEnvInt, но для размеров в байтах.
func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvBool возвращает булево значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное булево значение: %q", val)
	}
	return b, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}

// parseCSV разбирает строку, разделённую запятыми, на срез строк.
// Пробелы вокруг элементов убираются, пустые элементы игнорируются.
func parseCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// parseExtensions нормализует список расширений: нижний регистр, ведущая точка.
func parseExtensions(s string) []string {
	items := parseCSV(s)
	result := make([]string, 0, len(items))
	for _, ext := range items {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		result = append(result, ext)
	}
	return result
}
