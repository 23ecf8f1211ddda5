// client.go — чтение справочника пользователей из Keycloak Admin REST API
// от имени service account (Client Credentials flow).
package keycloak

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"
)

// ErrUserNotFound — пользователь отсутствует в справочнике.
var ErrUserNotFound = errors.New("пользователь не найден в справочнике")

// errTokenRejected — Admin API отверг service account token (отозван, сменён ключ realm).
var errTokenRejected = errors.New("токен service account отвергнут")

var keycloakRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "di_keycloak_requests_total",
	Help: "Запросы к Keycloak Admin API по операциям и результату.",
}, []string{"operation", "outcome"})

const (
	// Токен обновляется заранее, чтобы не истёк в полёте.
	tokenRefreshSkew = 30 * time.Second
	// Верхняя граница числа групп одного пользователя.
	maxUserGroups     = 200
	defaultAPITimeout = 30 * time.Second
	// Ограничение тела ответа с ошибкой, попадающего в текст error.
	errorBodyLimit = 512
)

// serviceToken — кэшированный access token service account.
type serviceToken struct {
	value     string
	expiresAt time.Time
}

func (t serviceToken) usable(now time.Time) bool {
	return t.value != "" && now.Add(tokenRefreshSkew).Before(t.expiresAt)
}

// Client — клиент справочника Keycloak.
type Client struct {
	tokenURL     string
	adminURL     string
	clientID     string
	clientSecret string

	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.RWMutex
	token   serviceToken
	refresh singleflight.Group
}

// New создаёт клиент справочника. httpClient может нести TLS-конфигурацию
// с корпоративным CA; nil — клиент с таймаутом по умолчанию.
func New(baseURL, realm, clientID, clientSecret string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultAPITimeout}
	}
	base := strings.TrimRight(baseURL, "/")
	realmPath := url.PathEscape(realm)

	return &Client{
		tokenURL:     base + "/realms/" + realmPath + "/protocol/openid-connect/token",
		adminURL:     base + "/admin/realms/" + realmPath,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   httpClient,
		logger:       logger.With(slog.String("component", "keycloak_client")),
		now:          time.Now,
	}
}

// accessToken возвращает действующий токен. Параллельные обновления
// схлопываются в один запрос к token endpoint.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.RLock()
	tok := c.token
	c.mu.RUnlock()
	if tok.usable(c.now()) {
		return tok.value, nil
	}

	v, err, _ := c.refresh.Do("token", func() (any, error) {
		c.mu.RLock()
		cur := c.token
		c.mu.RUnlock()
		if cur.usable(c.now()) {
			return cur.value, nil
		}

		fresh, err := c.requestToken(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.token = fresh
		c.mu.Unlock()
		c.logger.Debug("Токен service account обновлён", slog.Time("expires_at", fresh.expiresAt))
		return fresh.value, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// dropToken сбрасывает кэш, если в нём всё ещё отвергнутый токен.
func (c *Client) dropToken(rejected string) {
	c.mu.Lock()
	if c.token.value == rejected {
		c.token = serviceToken{}
	}
	c.mu.Unlock()
}

func (c *Client) requestToken(ctx context.Context) (serviceToken, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return serviceToken{}, fmt.Errorf("создание запроса токена: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	issuedAt := c.now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		keycloakRequestsTotal.WithLabelValues("token", "error").Inc()
		return serviceToken{}, fmt.Errorf("запрос токена Keycloak: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		keycloakRequestsTotal.WithLabelValues("token", "rejected").Inc()
		return serviceToken{}, fmt.Errorf("token endpoint вернул %d: %s", resp.StatusCode, errorBody(resp.Body))
	}

	var body TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		keycloakRequestsTotal.WithLabelValues("token", "error").Inc()
		return serviceToken{}, fmt.Errorf("декодирование токена: %w", err)
	}
	if body.AccessToken == "" {
		keycloakRequestsTotal.WithLabelValues("token", "error").Inc()
		return serviceToken{}, errors.New("token endpoint вернул пустой access_token")
	}
	keycloakRequestsTotal.WithLabelValues("token", "ok").Inc()

	return serviceToken{
		value:     body.AccessToken,
		expiresAt: issuedAt.Add(time.Duration(body.ExpiresIn) * time.Second),
	}, nil
}

// fetch выполняет GET к Admin API и декодирует JSON-ответ.
// Отвергнутый токен сбрасывается, запрос повторяется один раз со свежим.
func fetch[T any](ctx context.Context, c *Client, operation, path string) (T, error) {
	var out T
	err := c.doGet(ctx, path, &out)
	if errors.Is(err, errTokenRejected) {
		c.logger.Warn("Admin API отверг токен, запрашиваем новый", slog.String("operation", operation))
		err = c.doGet(ctx, path, &out)
	}

	switch {
	case err == nil:
		keycloakRequestsTotal.WithLabelValues(operation, "ok").Inc()
	case errors.Is(err, ErrUserNotFound):
		keycloakRequestsTotal.WithLabelValues(operation, "not_found").Inc()
	default:
		keycloakRequestsTotal.WithLabelValues(operation, "error").Inc()
	}
	if err != nil {
		return out, fmt.Errorf("%s: %w", operation, err)
	}
	return out, nil
}

func (c *Client) doGet(ctx context.Context, path string, target any) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.adminURL+path, nil)
	if err != nil {
		return fmt.Errorf("создание запроса: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("запрос к Admin API: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrUserNotFound
	case resp.StatusCode == http.StatusUnauthorized:
		c.dropToken(token)
		return errTokenRejected
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("Admin API вернул %d: %s", resp.StatusCode, errorBody(resp.Body))
	}

	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("декодирование ответа: %w", err)
	}
	return nil
}

func errorBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, errorBodyLimit))
	return strings.TrimSpace(string(b))
}

// GetUser возвращает пользователя по Keycloak ID (subject токена).
func (c *Client) GetUser(ctx context.Context, id string) (*KeycloakUser, error) {
	user, err := fetch[KeycloakUser](ctx, c, "get_user", "/users/"+url.PathEscape(id))
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetUserGroups возвращает прямые группы пользователя.
func (c *Client) GetUserGroups(ctx context.Context, userID string) ([]KeycloakGroup, error) {
	q := url.Values{}
	q.Set("briefRepresentation", "true")
	q.Set("max", fmt.Sprint(maxUserGroups))

	return fetch[[]KeycloakGroup](ctx, c, "get_user_groups",
		"/users/"+url.PathEscape(userID)+"/groups?"+q.Encode())
}
