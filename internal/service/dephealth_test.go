package service

import "testing"

func TestJWKSHealthPath(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want string
	}{
		{"путь realm", "https://keycloak.local/realms/disclosure/protocol/openid-connect/certs", "/realms/disclosure/protocol/openid-connect/certs"},
		{"без пути", "https://keycloak.local", "/health"},
		{"некорректный URL", "://bad", "/health"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := jwksHealthPath(tt.url); got != tt.want {
				t.Errorf("jwksHealthPath(%q) = %q, want %q", tt.url, got, tt.want)
			}
		})
	}
}
