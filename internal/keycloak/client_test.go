package keycloak

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeRealm — минимальный Keycloak: token endpoint и Admin API realm "disclosure".
type fakeRealm struct {
	tokenCalls atomic.Int32
	// tokens выдаются по очереди; последний повторяется.
	tokens []string
	status int
	admin  http.HandlerFunc
}

func (f *fakeRealm) serveToken(w http.ResponseWriter, r *http.Request) {
	n := int(f.tokenCalls.Add(1))
	if f.status != 0 {
		w.WriteHeader(f.status)
		w.Write([]byte(`{"error":"invalid_client"}`))
		return
	}
	if err := r.ParseForm(); err != nil || r.Form.Get("grant_type") != "client_credentials" ||
		r.Form.Get("client_id") != "disclosure-intake" || r.Form.Get("client_secret") != "test-secret" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	tok := "token-1"
	if len(f.tokens) > 0 {
		tok = f.tokens[min(n, len(f.tokens))-1]
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(TokenResponse{AccessToken: tok, TokenType: "Bearer", ExpiresIn: 300})
}

func newFakeRealm(t *testing.T, f *fakeRealm) *Client {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /realms/disclosure/protocol/openid-connect/token", f.serveToken)
	mux.HandleFunc("/admin/realms/disclosure/", func(w http.ResponseWriter, r *http.Request) {
		if f.admin == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		f.admin(w, r)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return New(srv.URL+"/", "disclosure", "disclosure-intake", "test-secret", srv.Client(), testLogger())
}

func TestClient_TokenReusedUntilSkew(t *testing.T) {
	f := &fakeRealm{tokens: []string{"token-1", "token-2"}}
	c := newFakeRealm(t, f)
	ctx := context.Background()

	for range 3 {
		tok, err := c.accessToken(ctx)
		if err != nil {
			t.Fatalf("accessToken: %v", err)
		}
		if tok != "token-1" {
			t.Errorf("ожидался token-1, получен %s", tok)
		}
	}
	if f.tokenCalls.Load() != 1 {
		t.Errorf("ожидался 1 запрос токена, было %d", f.tokenCalls.Load())
	}

	// Сдвиг часов внутрь окна упреждающего обновления.
	c.now = func() time.Time { return time.Now().Add(300*time.Second - tokenRefreshSkew + time.Second) }
	tok, err := c.accessToken(ctx)
	if err != nil {
		t.Fatalf("accessToken: %v", err)
	}
	if tok != "token-2" {
		t.Errorf("ожидался token-2 после обновления, получен %s", tok)
	}
}

func TestClient_ConcurrentRefreshSingleRequest(t *testing.T) {
	f := &fakeRealm{}
	c := newFakeRealm(t, f)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.accessToken(context.Background()); err != nil {
				t.Errorf("accessToken: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := f.tokenCalls.Load(); got != 1 {
		t.Errorf("ожидался 1 запрос токена, было %d", got)
	}
}

func TestClient_TokenEndpointError(t *testing.T) {
	c := newFakeRealm(t, &fakeRealm{status: http.StatusUnauthorized})

	_, err := c.GetUser(context.Background(), "user-123")
	if err == nil {
		t.Fatal("ожидалась ошибка, получен nil")
	}
	if !strings.Contains(err.Error(), "401") || !strings.Contains(err.Error(), "invalid_client") {
		t.Errorf("ошибка должна содержать статус и тело: %v", err)
	}
}

func TestClient_GetUser(t *testing.T) {
	c := newFakeRealm(t, &fakeRealm{admin: func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token-1" {
			t.Errorf("неверный Authorization: %s", r.Header.Get("Authorization"))
		}
		if r.URL.Path != "/admin/realms/disclosure/users/user-123" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"user-123","username":"jdoe","email":"jdoe@corp.test",
			"firstName":"John","lastName":"Doe","enabled":true,
			"attributes":{"department":["Finance"]}}`))
	}})

	user, err := c.GetUser(context.Background(), "user-123")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if user.DisplayName() != "John Doe" {
		t.Errorf("DisplayName = %q, ожидалось John Doe", user.DisplayName())
	}
	if user.Attribute(departmentAttribute) != "Finance" {
		t.Errorf("department = %q, ожидалось Finance", user.Attribute(departmentAttribute))
	}
}

func TestClient_GetUser_NotFound(t *testing.T) {
	c := newFakeRealm(t, &fakeRealm{})

	_, err := c.GetUser(context.Background(), "missing")
	if !errors.Is(err, ErrUserNotFound) {
		t.Errorf("ожидалась ErrUserNotFound, получено %v", err)
	}
}

func TestClient_RejectedTokenRetriedOnce(t *testing.T) {
	f := &fakeRealm{tokens: []string{"revoked", "token-2"}}
	f.admin = func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token-2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"user-123","username":"jdoe","enabled":true}`))
	}
	c := newFakeRealm(t, f)

	user, err := c.GetUser(context.Background(), "user-123")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if user.Username != "jdoe" {
		t.Errorf("Username = %q", user.Username)
	}
	if f.tokenCalls.Load() != 2 {
		t.Errorf("ожидалось 2 запроса токена, было %d", f.tokenCalls.Load())
	}
}

func TestClient_RejectedTwiceFails(t *testing.T) {
	f := &fakeRealm{admin: func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}}
	c := newFakeRealm(t, f)

	_, err := c.GetUser(context.Background(), "user-123")
	if !errors.Is(err, errTokenRejected) {
		t.Errorf("ожидалась errTokenRejected, получено %v", err)
	}
	if f.tokenCalls.Load() != 2 {
		t.Errorf("повтор должен быть ровно один, запросов токена: %d", f.tokenCalls.Load())
	}
}

func TestClient_GetUserGroups(t *testing.T) {
	c := newFakeRealm(t, &fakeRealm{admin: func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/admin/realms/disclosure/users/user-123/groups" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.URL.Query().Get("briefRepresentation") != "true" || r.URL.Query().Get("max") == "" {
			t.Errorf("неожиданный query: %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode([]KeycloakGroup{
			{ID: "g-1", Name: "disclosure-examiners", Path: "/disclosure-examiners"},
		})
	}})

	groups, err := c.GetUserGroups(context.Background(), "user-123")
	if err != nil {
		t.Fatalf("GetUserGroups: %v", err)
	}
	if len(groups) != 1 || groups[0].Name != "disclosure-examiners" {
		t.Errorf("неожиданные группы: %+v", groups)
	}
}

func TestClient_ServerErrorBodyTruncated(t *testing.T) {
	c := newFakeRealm(t, &fakeRealm{admin: func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(strings.Repeat("x", 4*errorBodyLimit)))
	}})

	_, err := c.GetUser(context.Background(), "user-123")
	if err == nil {
		t.Fatal("ожидалась ошибка")
	}
	if errors.Is(err, ErrUserNotFound) {
		t.Error("500 не должен превращаться в ErrUserNotFound")
	}
	if len(err.Error()) > 2*errorBodyLimit {
		t.Errorf("тело ошибки не обрезано: %d байт", len(err.Error()))
	}
}

func TestKeycloakUser_DisplayNameFallback(t *testing.T) {
	u := KeycloakUser{Username: "jdoe"}
	if u.DisplayName() != "jdoe" {
		t.Errorf("DisplayName = %q, ожидалось jdoe", u.DisplayName())
	}
	if u.Attribute("department") != "" {
		t.Error("отсутствующий атрибут должен быть пустым")
	}
}
