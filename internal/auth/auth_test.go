package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/rakunlabs/fluxo/internal/config"
)

func TestAuthenticateAPIKey(t *testing.T) {
	a := New(config.Auth{
		APIKeys: []config.APIKeyConfig{
			{ID: "key-1", Secret: "sk-abc", Scopes: []string{ScopeFlowRead, ScopeFlowExecute}},
		},
	})

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-API-Key", "sk-abc")

	id, err := a.Authenticate(r)
	require.NoError(t, err)
	require.Equal(t, "key-1", id.Subject)
	require.True(t, id.HasScope(ScopeFlowRead))
	require.False(t, id.HasScope(ScopeRunRead))
}

func TestAuthenticateAPIKeyUnknown(t *testing.T) {
	a := New(config.Auth{})
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-API-Key", "nope")

	_, err := a.Authenticate(r)
	require.ErrorIs(t, err, ErrUnauthenticated)
}

func TestAuthenticateJWT(t *testing.T) {
	secret := "test-jwt-secret"
	a := New(config.Auth{JWTSecret: secret})

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "user-42",
		"scope": "run:read flow:execute",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+signed)

	id, err := a.Authenticate(r)
	require.NoError(t, err)
	require.Equal(t, "user-42", id.Subject)
	require.True(t, id.HasScope(ScopeRunRead))
	require.True(t, id.HasScope(ScopeFlowExecute))
}

func TestAuthenticateJWTWrongSecret(t *testing.T) {
	a := New(config.Auth{JWTSecret: "correct-secret"})

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "user-1"})
	signed, err := token.SignedString([]byte("wrong-secret"))
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+signed)

	_, err = a.Authenticate(r)
	require.ErrorIs(t, err, ErrUnauthenticated)
}

func TestAuthenticatePublicAccessFallback(t *testing.T) {
	a := New(config.Auth{
		PublicAccess:  true,
		DefaultScopes: []string{ScopeFlowRead},
	})

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	id, err := a.Authenticate(r)
	require.NoError(t, err)
	require.Equal(t, "anonymous", id.Subject)
	require.True(t, id.HasScope(ScopeFlowRead))
}

func TestAuthenticateNoCredentialsRejected(t *testing.T) {
	a := New(config.Auth{})
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	_, err := a.Authenticate(r)
	require.ErrorIs(t, err, ErrUnauthenticated)
}
