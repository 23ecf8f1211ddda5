package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// jwksBodyLimit — верхняя граница размера документа JWKS.
const jwksBodyLimit = 1 << 20

// KeycloakReadinessChecker проверяет, что realm публикует ключ подписи RS256.
type KeycloakReadinessChecker struct {
	jwksURL string
	client  *http.Client
	timeout time.Duration
}

// NewKeycloakReadinessChecker создаёт проверку JWKS endpoint.
func NewKeycloakReadinessChecker(jwksURL, caCertPath string, timeout time.Duration) (*KeycloakReadinessChecker, error) {
	client := &http.Client{Timeout: timeout}
	if caCertPath != "" {
		var err error
		if client, err = HTTPClientWithCA(caCertPath, timeout); err != nil {
			return nil, err
		}
	}
	return &KeycloakReadinessChecker{jwksURL: jwksURL, client: client, timeout: timeout}, nil
}

type jwksDocument struct {
	Keys []struct {
		Kty string `json:"kty"`
		Use string `json:"use"`
		Alg string `json:"alg"`
	} `json:"keys"`
}

// signingKeys — ключи, пригодные для проверки RS256 (use пустой или "sig").
func (d jwksDocument) signingKeys() int {
	n := 0
	for _, k := range d.Keys {
		if k.Kty == "RSA" && (k.Use == "" || k.Use == "sig") && (k.Alg == "" || k.Alg == "RS256") {
			n++
		}
	}
	return n
}

// CheckReady: недоступен JWKS — fail; нет пригодных ключей — degraded
// (новые токены проверить нельзя, но процесс жив).
func (k *KeycloakReadinessChecker) CheckReady() (status, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.jwksURL, http.NoBody)
	if err != nil {
		return "fail", "запрос JWKS: " + err.Error()
	}
	req.Header.Set("Accept", "application/json")

	resp, err := k.client.Do(req) //nolint:gosec // G704: URL из конфигурации
	if err != nil {
		return "fail", fmt.Sprintf("JWKS недоступен: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "fail", fmt.Sprintf("JWKS вернул статус %d", resp.StatusCode)
	}

	var doc jwksDocument
	if err := json.NewDecoder(io.LimitReader(resp.Body, jwksBodyLimit)).Decode(&doc); err != nil {
		return "degraded", fmt.Sprintf("JWKS: невалидный JSON: %v", err)
	}
	n := doc.signingKeys()
	if n == 0 {
		return "degraded", fmt.Sprintf("JWKS: нет ключей RS256 (всего %d)", len(doc.Keys))
	}
	return "ok", fmt.Sprintf("ключей подписи: %d", n)
}
