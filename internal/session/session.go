// Пакет session — анонимная сессия мастера подачи: случайный идентификатор
// черновика в запечатанной (AES-256-GCM) cookie.
package session

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hkdf"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// CookieName — имя cookie сессии. Входит в AAD: значение, перенесённое
// в cookie с другим именем, не откроется.
const CookieName = "di_session"

// formatV1 — первый байт запечатанного значения.
const formatV1 byte = 1

const keyInfo = "disclosure-intake session v1"

var (
	errMalformed = errors.New("повреждённое значение сессии")
	errExpired   = errors.New("сессия простаивала дольше допустимого")
)

// Data — содержимое cookie.
type Data struct {
	ID string `json:"sid"`
	// IssuedAt — выдача сессии, Unix.
	IssuedAt int64 `json:"iat"`
	// SeenAt — последний запрос с этой сессией, Unix. Простой дольше
	// maxAge делает сессию недействительной независимо от срока cookie.
	SeenAt int64 `json:"seen"`
}

// Manager выдаёт и проверяет cookie сессии.
type Manager struct {
	aead   cipher.AEAD
	secure bool
	maxAge time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewManager создаёт менеджер. secret — 32 байта в base64 либо
// произвольная строка, из которой ключ выводится через HKDF-SHA256.
// Пустой secret — случайный ключ: сессии не переживают рестарт.
// maxAge — допустимый простой, совпадает с TTL черновика.
func NewManager(secret string, secure bool, maxAge time.Duration, logger *slog.Logger) (*Manager, error) {
	logger = logger.With(slog.String("component", "session"))

	key, err := deriveKey(secret)
	if err != nil {
		return nil, err
	}
	if secret == "" {
		logger.Warn("DI_SESSION_SECRET не задан, используется случайный ключ")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("AES: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("GCM: %w", err)
	}

	return &Manager{aead: aead, secure: secure, maxAge: maxAge, now: time.Now, logger: logger}, nil
}

func deriveKey(secret string) ([]byte, error) {
	if secret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("генерация ключа сессии: %w", err)
		}
		return key, nil
	}
	if raw, err := base64.StdEncoding.DecodeString(secret); err == nil && len(raw) == 32 {
		return raw, nil
	}
	key, err := hkdf.Key(sha256.New, []byte(secret), nil, keyInfo, 32)
	if err != nil {
		return nil, fmt.Errorf("вывод ключа сессии: %w", err)
	}
	return key, nil
}

// Seal запечатывает Data: версия || nonce || шифртекст, base64url без паддинга.
func (m *Manager) Seal(data *Data) (string, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("сериализация сессии: %w", err)
	}

	out := make([]byte, 1+m.aead.NonceSize(), 1+m.aead.NonceSize()+len(payload)+m.aead.Overhead())
	out[0] = formatV1
	nonce := out[1:]
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	out = m.aead.Seal(out, nonce, payload, []byte(CookieName))
	return base64.RawURLEncoding.EncodeToString(out), nil
}

// Open проверяет и раскрывает значение cookie.
func (m *Manager) Open(value string) (*Data, error) {
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil || len(raw) < 1+m.aead.NonceSize() || raw[0] != formatV1 {
		return nil, errMalformed
	}
	nonce, sealed := raw[1:1+m.aead.NonceSize()], raw[1+m.aead.NonceSize():]

	payload, err := m.aead.Open(nil, nonce, sealed, []byte(CookieName))
	if err != nil {
		return nil, errMalformed
	}

	var data Data
	if err := json.Unmarshal(payload, &data); err != nil || data.ID == "" {
		return nil, errMalformed
	}
	if m.maxAge > 0 && m.now().Sub(time.Unix(data.SeenAt, 0)) > m.maxAge {
		return nil, errExpired
	}
	return &data, nil
}

// FromRequest возвращает сессию запроса; nil, nil — cookie нет.
func (m *Manager) FromRequest(r *http.Request) (*Data, error) {
	cookie, err := r.Cookie(CookieName)
	if errors.Is(err, http.ErrNoCookie) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m.Open(cookie.Value)
}

// Middleware кладёт идентификатор сессии в контекст. Нет cookie или она
// недействительна — выдаётся новая сессия. Каждый запрос продлевает срок.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		now := m.now()
		data, err := m.FromRequest(r)
		if err != nil {
			m.logger.Debug("Cookie сессии отклонена, выдаётся новая", slog.String("error", err.Error()))
		}
		if data == nil {
			data = &Data{ID: uuid.NewString(), IssuedAt: now.Unix()}
		}
		data.SeenAt = now.Unix()

		value, err := m.Seal(data)
		if err != nil {
			m.logger.Error("Не удалось запечатать сессию", slog.String("error", err.Error()))
			http.Error(w, "session error", http.StatusInternalServerError)
			return
		}
		http.SetCookie(w, &http.Cookie{
			Name:     CookieName,
			Value:    value,
			Path:     "/api/v1/wizard",
			MaxAge:   int(m.maxAge.Seconds()),
			HttpOnly: true,
			Secure:   m.secure,
			SameSite: http.SameSiteStrictMode,
		})

		next.ServeHTTP(w, r.WithContext(WithID(r.Context(), data.ID)))
	})
}

type contextKey struct{}

// WithID помещает идентификатор сессии в контекст.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// IDFromContext возвращает идентификатор сессии или "".
func IDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}
