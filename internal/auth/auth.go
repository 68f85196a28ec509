// Package auth implements the flow execution surface's authentication and
// scope checking (§6.1): bearer JWTs, static X-API-Key headers, and the
// unauthenticated default scope set for public deployments.
package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rakunlabs/fluxo/internal/config"
)

// Scope names gating the HTTP surface, per §6.1.
const (
	ScopeFlowRead         = "flow:read"
	ScopeFlowExecute      = "flow:execute"
	ScopeFlowExecuteAsync = "flow:execute:async"
	ScopeRunRead          = "run:read"
)

// Identity is the authenticated (or anonymous-but-public) caller derived
// from a request.
type Identity struct {
	Subject string
	Scopes  map[string]bool
}

// HasScope reports whether id carries scope.
func (id Identity) HasScope(scope string) bool {
	return id.Scopes[scope]
}

var ErrUnauthenticated = errors.New("auth: unauthenticated")

// Authenticator resolves an Identity from an incoming request, per cfg.
type Authenticator struct {
	cfg    config.Auth
	keys   map[string]config.APIKeyConfig
	jwtKey []byte
}

func New(cfg config.Auth) *Authenticator {
	keys := make(map[string]config.APIKeyConfig, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		keys[k.Secret] = k
	}

	var jwtKey []byte
	if cfg.JWTSecret != "" {
		jwtKey = []byte(cfg.JWTSecret)
	}

	return &Authenticator{cfg: cfg, keys: keys, jwtKey: jwtKey}
}

// Authenticate resolves the caller identity from r's X-API-Key header or
// Authorization: Bearer JWT. When neither is present and cfg.PublicAccess is
// set, it returns the configured DefaultScopes for an anonymous subject.
func (a *Authenticator) Authenticate(r *http.Request) (Identity, error) {
	if key := r.Header.Get("X-API-Key"); key != "" {
		cfg, ok := a.keys[key]
		if !ok {
			return Identity{}, ErrUnauthenticated
		}
		return Identity{Subject: cfg.ID, Scopes: scopeSet(cfg.Scopes)}, nil
	}

	if bearer := r.Header.Get("Authorization"); bearer != "" {
		token := strings.TrimPrefix(bearer, "Bearer ")
		if token == bearer {
			return Identity{}, ErrUnauthenticated
		}
		return a.authenticateJWT(token)
	}

	if a.cfg.PublicAccess {
		return Identity{Subject: "anonymous", Scopes: scopeSet(a.cfg.DefaultScopes)}, nil
	}

	return Identity{}, ErrUnauthenticated
}

func (a *Authenticator) authenticateJWT(raw string) (Identity, error) {
	if a.jwtKey == nil {
		return Identity{}, ErrUnauthenticated
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("auth: unexpected signing method")
		}
		return a.jwtKey, nil
	})
	if err != nil {
		return Identity{}, ErrUnauthenticated
	}

	subject, _ := claims["sub"].(string)

	var scopes []string
	switch v := claims["scope"].(type) {
	case string:
		scopes = strings.Fields(v)
	case []any:
		for _, s := range v {
			if str, ok := s.(string); ok {
				scopes = append(scopes, str)
			}
		}
	}

	return Identity{Subject: subject, Scopes: scopeSet(scopes)}, nil
}

func scopeSet(scopes []string) map[string]bool {
	out := make(map[string]bool, len(scopes))
	for _, s := range scopes {
		out[s] = true
	}
	return out
}
