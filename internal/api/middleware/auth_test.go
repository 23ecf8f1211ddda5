package middleware

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// testKeyID — идентификатор ключа для тестов.
const testKeyID = "test-key-di"

const testIssuer = "https://keycloak.test/realms/disclosure"

// generateTestKey генерирует RSA ключ для тестов.
func generateTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	return key
}

// buildJWKSetJSON строит JWKS JSON из RSA публичного ключа.
func buildJWKSetJSON(pub *rsa.PublicKey, kid string) json.RawMessage {
	jwks := map[string]any{
		"keys": []map[string]any{
			{
				"kty": "RSA",
				"kid": kid,
				"use": "sig",
				"alg": "RS256",
				"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
			},
		},
	}

	data, _ := json.Marshal(jwks)
	return data
}

// testLogger создаёт logger для тестов.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newTestJWTAuth создаёт JWTAuth для тестов.
func newTestJWTAuth(t *testing.T, key *rsa.PrivateKey) *JWTAuth {
	t.Helper()
	kf, err := keyfunc.NewJWKSetJSON(buildJWKSetJSON(&key.PublicKey, testKeyID))
	if err != nil {
		t.Fatalf("не удалось создать keyfunc: %v", err)
	}

	return NewJWTAuthWithKeyfunc(
		kf,
		testIssuer,
		[]string{"disclosure-admins"},
		[]string{"disclosure-examiners"},
		testLogger(),
	)
}

// generateUserToken генерирует JWT пользователя.
func generateUserToken(t *testing.T, key *rsa.PrivateKey, issuer, sub string, roles, groups []string, expired bool) string {
	t.Helper()

	exp := time.Now().Add(time.Hour)
	if expired {
		exp = time.Now().Add(-time.Hour)
	}

	claims := jwt.MapClaims{
		"sub":                sub,
		"preferred_username": "jdoe",
		"email":              "jdoe@corp.test",
		"name":               "John Doe",
		"iss":                issuer,
		"exp":                jwt.NewNumericDate(exp),
		"nbf":                jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		"iat":                jwt.NewNumericDate(time.Now()),
	}
	if len(roles) > 0 {
		claims["realm_access"] = map[string]any{"roles": roles}
	}
	if len(groups) > 0 {
		claims["groups"] = groups
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKeyID
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatal(err)
	}
	return tokenStr
}

// serveWithToken прогоняет запрос с токеном через middleware и возвращает claims.
func serveWithToken(t *testing.T, auth *JWTAuth, header string) (*httptest.ResponseRecorder, *AuthClaims) {
	t.Helper()

	var got *AuthClaims
	handler := auth.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec, got
}

// TestJWTAuth_ValidUserToken — валидный JWT.
func TestJWTAuth_ValidUserToken(t *testing.T) {
	key := generateTestKey(t)
	auth := newTestJWTAuth(t, key)

	token := generateUserToken(t, key, testIssuer, "user-123", nil, []string{"disclosure-examiners"}, false)
	rec, claims := serveWithToken(t, auth, "Bearer "+token)

	if rec.Code != http.StatusOK {
		t.Fatalf("ожидался статус 200, получен %d, тело: %s", rec.Code, rec.Body.String())
	}
	if claims == nil {
		t.Fatal("claims не найдены в контексте")
	}
	if claims.Subject != "user-123" {
		t.Errorf("ожидался sub=user-123, получен %s", claims.Subject)
	}
	if claims.PreferredUsername != "jdoe" || claims.Email != "jdoe@corp.test" || claims.Name != "John Doe" {
		t.Errorf("неожиданные claims: %+v", claims)
	}
	if claims.IdpRole != "examiner" {
		t.Errorf("ожидался IdpRole=examiner, получен %s", claims.IdpRole)
	}
}

// TestJWTAuth_Rejected — токены, не проходящие проверку.
func TestJWTAuth_Rejected(t *testing.T) {
	key := generateTestKey(t)
	auth := newTestJWTAuth(t, key)

	tests := []struct {
		name   string
		header string
	}{
		{"без заголовка", ""},
		{"basic auth", "Basic dXNlcjpwYXNz"},
		{"без префикса bearer", "token123"},
		{"пустой bearer", "Bearer "},
		{"просроченный", "Bearer " + generateUserToken(t, key, testIssuer, "user-123", nil, nil, true)},
		{"чужой issuer", "Bearer " + generateUserToken(t, key, "https://other.test/realms/x", "user-123", nil, nil, false)},
		{"мусор", "Bearer not.a.jwt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, claims := serveWithToken(t, auth, tt.header)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("ожидался статус 401, получен %d", rec.Code)
			}
			if claims != nil {
				t.Error("handler не должен быть вызван")
			}
		})
	}
}

// TestJWTAuth_RoleMapping — маппинг групп и realm_access.roles в роль IdP.
func TestJWTAuth_RoleMapping(t *testing.T) {
	key := generateTestKey(t)
	auth := newTestJWTAuth(t, key)

	tests := []struct {
		name   string
		roles  []string
		groups []string
		want   string
	}{
		{"без групп", nil, nil, "user"},
		{"группа проверяющих", nil, []string{"disclosure-examiners"}, "examiner"},
		{"группа администраторов", nil, []string{"staff", "disclosure-admins"}, "admin"},
		{"роль realm повышает", []string{"admin", "default-roles-disclosure"}, nil, "admin"},
		{"неизвестные роли игнорируются", []string{"offline_access"}, []string{"disclosure-examiners"}, "examiner"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := generateUserToken(t, key, testIssuer, "user-1", tt.roles, tt.groups, false)
			rec, claims := serveWithToken(t, auth, "Bearer "+token)
			if rec.Code != http.StatusOK {
				t.Fatalf("ожидался статус 200, получен %d", rec.Code)
			}
			if claims.IdpRole != tt.want {
				t.Errorf("IdpRole = %s, ожидалось %s", claims.IdpRole, tt.want)
			}
		})
	}
}

func TestJWTAuth_RejectionReasons(t *testing.T) {
	key := generateTestKey(t)
	auth := newTestJWTAuth(t, key)

	hs := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1", "iss": testIssuer, "exp": jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	hsToken, err := hs.SignedString([]byte("shared-secret"))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		header string
		reason string
		msg    string
	}{
		{"без заголовка", "", "missing", "Отсутствует заголовок"},
		{"просроченный", "Bearer " + generateUserToken(t, key, testIssuer, "user-1", nil, nil, true), "expired", "истёк"},
		{"без sub", "Bearer " + generateUserToken(t, key, testIssuer, "", nil, nil, false), "no_subject", "sub"},
		{"HS256 вместо RS256", "Bearer " + hsToken, "invalid", "Невалидный"},
		{"схема без токена", "bearer", "malformed", "ожидается Bearer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := testutil.ToFloat64(authRejectionsTotal.WithLabelValues(tt.reason))
			rec, _ := serveWithToken(t, auth, tt.header)

			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("ожидался 401, получен %d", rec.Code)
			}
			if !strings.Contains(rec.Body.String(), tt.msg) {
				t.Errorf("тело %q не содержит %q", rec.Body.String(), tt.msg)
			}
			if got := testutil.ToFloat64(authRejectionsTotal.WithLabelValues(tt.reason)) - before; got != 1 {
				t.Errorf("счётчик %s вырос на %v, ожидалось 1", tt.reason, got)
			}
		})
	}
}

func TestJWTAuth_GroupPathAccepted(t *testing.T) {
	key := generateTestKey(t)
	auth := newTestJWTAuth(t, key)

	token := generateUserToken(t, key, testIssuer, "user-1", nil, []string{"/disclosure-admins"}, false)
	rec, claims := serveWithToken(t, auth, "Bearer "+token)
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидался 200, получен %d", rec.Code)
	}
	if claims.IdpRole != "admin" {
		t.Errorf("IdpRole = %s, ожидалось admin", claims.IdpRole)
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header  string
		want    string
		wantErr error
	}{
		{"Bearer abc", "abc", nil},
		{"BEARER  abc ", "abc", nil},
		{"", "", errNoHeader},
		{"Bearer", "", errNotBearer},
		{"Token abc", "", errNotBearer},
	}
	for _, tt := range tests {
		got, err := bearerToken(tt.header)
		if got != tt.want || !errors.Is(err, tt.wantErr) {
			t.Errorf("bearerToken(%q) = %q, %v; ожидалось %q, %v", tt.header, got, err, tt.want, tt.wantErr)
		}
	}
}

func TestClaimsFromContext(t *testing.T) {
	if ClaimsFromContext(context.Background()) != nil {
		t.Error("ожидался nil для пустого контекста")
	}

	ctx := WithClaims(context.Background(), &AuthClaims{Subject: "user-42"})
	if got := ClaimsFromContext(ctx); got == nil || got.Subject != "user-42" {
		t.Errorf("ожидался sub=user-42, получено %+v", got)
	}
}
