// auth.go — проверка Bearer JWT, выданного realm Keycloak.
// Middleware только аутентифицирует: локальная роль и статус учётной записи
// применяются позже, в handlers.RequireActor.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	apierrors "github.com/bigkaa/disclosure-intake/internal/api/errors"
	"github.com/bigkaa/disclosure-intake/internal/domain/rbac"
)

var authRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "di_auth_rejections_total",
	Help: "Отклонённые Bearer-токены по причине.",
}, []string{"reason"})

// Причины отказа. Текст ошибки уходит клиенту, Label — в метрику.
var (
	errNoHeader  = rejection{"missing", "Отсутствует заголовок Authorization"}
	errNotBearer = rejection{"malformed", "Неверный формат Authorization: ожидается Bearer <token>"}
	errExpired   = rejection{"expired", "Срок действия токена истёк"}
	errInvalid   = rejection{"invalid", "Невалидный токен"}
	errNoSubject = rejection{"no_subject", "Отсутствует sub в токене"}
)

type rejection struct {
	Label   string
	Message string
}

func (r rejection) Error() string { return r.Message }

type claimsKey struct{}

// AuthClaims — личность из проверенного токена.
type AuthClaims struct {
	// Subject — sub (ID пользователя Keycloak), внешний ключ учётной записи.
	Subject           string
	PreferredUsername string
	Email             string
	Name              string
	// Roles — realm_access.roles.
	Roles  []string
	Groups []string
	// IdpRole — роль по группам и ролям realm; стартовая роль новой
	// учётной записи и верхняя граница для синхронизации.
	IdpRole string
}

// tokenClaims — payload access token Keycloak.
type tokenClaims struct {
	jwt.RegisteredClaims
	PreferredUsername string   `json:"preferred_username"`
	Email             string   `json:"email"`
	Name              string   `json:"name"`
	Groups            []string `json:"groups,omitempty"`
	RealmAccess       struct {
		Roles []string `json:"roles"`
	} `json:"realm_access"`
}

// JWTAuth — аутентификация по JWKS realm.
type JWTAuth struct {
	keys   keyfunc.Keyfunc
	parser *jwt.Parser
	groups rbac.GroupMapping
	logger *slog.Logger
}

// NewJWTAuth создаёт middleware, подтягивающий ключи с jwksURL.
// Первый неудачный запрос JWKS не мешает старту: ключи догрузятся
// при следующем обновлении.
func NewJWTAuth(
	jwksURL string,
	caCertPath string,
	issuer string,
	adminGroups, examinerGroups []string,
	jwksClientTimeout time.Duration,
	jwksRefreshInterval time.Duration,
	jwtLeeway time.Duration,
	logger *slog.Logger,
) (*JWTAuth, error) {
	client := &http.Client{Timeout: jwksClientTimeout}
	if caCertPath != "" {
		var err error
		if client, err = HTTPClientWithCA(caCertPath, jwksClientTimeout); err != nil {
			return nil, err
		}
	}

	storage, err := jwkset.NewStorageFromHTTP(jwksURL, jwkset.HTTPClientStorageOptions{
		Client:                    client,
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           jwksRefreshInterval,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Error("Не удалось обновить JWKS",
				slog.String("url", jwksURL),
				slog.String("error", err.Error()),
			)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("JWKS storage: %w", err)
	}

	kf, err := keyfunc.New(keyfunc.Options{Storage: storage})
	if err != nil {
		return nil, fmt.Errorf("keyfunc: %w", err)
	}
	return newJWTAuth(kf, issuer, adminGroups, examinerGroups, jwtLeeway, logger), nil
}

// NewJWTAuthWithKeyfunc собирает middleware на готовой keyfunc (статический JWKS в тестах).
func NewJWTAuthWithKeyfunc(kf keyfunc.Keyfunc, issuer string, adminGroups, examinerGroups []string, logger *slog.Logger) *JWTAuth {
	return newJWTAuth(kf, issuer, adminGroups, examinerGroups, 0, logger)
}

func newJWTAuth(kf keyfunc.Keyfunc, issuer string, adminGroups, examinerGroups []string, leeway time.Duration, logger *slog.Logger) *JWTAuth {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(leeway),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}

	return &JWTAuth{
		keys:   kf,
		parser: jwt.NewParser(opts...),
		groups: rbac.GroupMapping{Admin: adminGroups, Examiner: examinerGroups},
		logger: logger.With(slog.String("component", "jwt_auth")),
	}
}

// Middleware возвращает HTTP middleware; при успехе claims доступны
// через ClaimsFromContext.
func (j *JWTAuth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := j.authenticate(r)
			if err != nil {
				var rej rejection
				if !errors.As(err, &rej) {
					rej = errInvalid
				}
				authRejectionsTotal.WithLabelValues(rej.Label).Inc()
				Annotate(r.Context(), slog.String("auth_rejected", rej.Label))
				apierrors.Unauthorized(w, rej.Message)
				return
			}
			Annotate(r.Context(), slog.String("subject", claims.Subject))
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

func (j *JWTAuth) authenticate(r *http.Request) (*AuthClaims, error) {
	raw, err := bearerToken(r.Header.Get("Authorization"))
	if err != nil {
		return nil, err
	}

	var tc tokenClaims
	if _, err := j.parser.ParseWithClaims(raw, &tc, j.keys.KeyfuncCtx(r.Context())); err != nil {
		j.logger.Debug("Токен отклонён",
			slog.String("error", err.Error()),
			slog.String("remote_addr", r.RemoteAddr),
		)
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, errExpired
		}
		return nil, errInvalid
	}
	if strings.TrimSpace(tc.Subject) == "" {
		return nil, errNoSubject
	}
	return j.toAuthClaims(&tc), nil
}

// bearerToken извлекает токен из значения Authorization.
func bearerToken(header string) (string, error) {
	if header == "" {
		return "", errNoHeader
	}
	scheme, token, ok := strings.Cut(header, " ")
	token = strings.TrimSpace(token)
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", errNotBearer
	}
	return token, nil
}

// toAuthClaims: роль по группам, realm_access.roles может только повысить её.
func (j *JWTAuth) toAuthClaims(tc *tokenClaims) *AuthClaims {
	candidates := []string{j.groups.Role(tc.Groups)}
	for _, role := range tc.RealmAccess.Roles {
		if rbac.IsValidRole(role) {
			candidates = append(candidates, role)
		}
	}

	return &AuthClaims{
		Subject:           tc.Subject,
		PreferredUsername: tc.PreferredUsername,
		Email:             tc.Email,
		Name:              tc.Name,
		Roles:             tc.RealmAccess.Roles,
		Groups:            tc.Groups,
		IdpRole:           rbac.HighestRole(candidates),
	}
}

// WithClaims помещает claims в контекст.
func WithClaims(ctx context.Context, claims *AuthClaims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// ClaimsFromContext возвращает claims запроса или nil.
func ClaimsFromContext(ctx context.Context) *AuthClaims {
	claims, _ := ctx.Value(claimsKey{}).(*AuthClaims)
	return claims
}
