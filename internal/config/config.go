// Package config loads Fluxo's configuration via chu's loader stack: file
// + environment overlay (FLUXO_ env prefix), optional external secret
// loaders, and logi for log-level wiring.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rakunlabs/alan"
	_ "github.com/rakunlabs/chu/loader/external/loaderconsul"
	_ "github.com/rakunlabs/chu/loader/external/loadervault"
	"github.com/rakunlabs/chu/loader/loaderenv"
	"github.com/rakunlabs/logi"

	mforwardauth "github.com/rakunlabs/ada/middleware/forwardauth"
	"github.com/rakunlabs/chu"
	"github.com/rakunlabs/tell"
)

var Service = ""

type Config struct {
	LogLevel string `cfg:"log_level,no_prefix" default:"info"`

	Store     Store       `cfg:"store"`
	Server    Server      `cfg:"server"`
	Auth      Auth        `cfg:"auth"`
	RateLimit RateLimit   `cfg:"rate_limit"`
	Run       Run         `cfg:"run"`
	Telemetry tell.Config `cfg:"telemetry,noprefix"`
}

type Server struct {
	BasePath string `cfg:"base_path"`

	Port string `cfg:"port" default:"8080"`
	Host string `cfg:"host"`

	// ForwardAuth, if set, configures the API to forward auth requests to an
	// external authentication service.
	ForwardAuth *mforwardauth.ForwardAuth `cfg:"forward_auth"`

	// AdminToken, if set, protects the flow-management endpoints
	// (/api/v1/flows/*) with bearer token authentication. If not set, flow
	// management is disabled (403 Forbidden) and only flow execution and run
	// inspection endpoints are reachable.
	AdminToken string `cfg:"admin_token" log:"-"`

	// UserHeader is the HTTP header name carrying the authenticated caller's
	// identity, populated by the forward auth middleware.
	UserHeader string `cfg:"user_header" default:"X-User"`

	// Alan, if set, enables distributed clustering via UDP peer discovery so
	// multiple fluxod instances can elect a leader for the TTL sweeper.
	Alan *alan.Config `cfg:"alan"`
}

// Auth configures bearer/JWT and API-key authentication for the flow
// execution surface (§6.1). Scopes gate flow:read, flow:execute,
// flow:execute:async, and run:read. Unauthenticated requests fall back to
// DefaultScopes when PublicAccess is true.
type Auth struct {
	// JWTSecret verifies bearer tokens signed with HMAC. Empty disables JWT
	// verification; API keys still work.
	JWTSecret string `cfg:"jwt_secret" log:"-"`

	// APIKeys is a list of static keys usable as "X-API-Key: <key>", each
	// scoped independently. These are the only API keys recognised; there
	// is no stored or admin-managed key set.
	APIKeys []APIKeyConfig `cfg:"api_keys"`

	// PublicAccess, when true, grants DefaultScopes to unauthenticated
	// requests instead of rejecting them with 401.
	PublicAccess bool `cfg:"public_access"`

	// DefaultScopes is the scope set granted to unauthenticated callers when
	// PublicAccess is enabled.
	DefaultScopes []string `cfg:"default_scopes" default:"[\"flow:read\",\"flow:execute\",\"flow:execute:async\",\"run:read\"]"`
}

// APIKeyConfig describes one statically configured API key.
type APIKeyConfig struct {
	ID     string   `cfg:"id" json:"id"`
	Secret string   `cfg:"secret" json:"secret" log:"-"`
	Scopes []string `cfg:"scopes" json:"scopes"`
}

// RateLimit configures the shared-resource rate limiter (§5). Limit and
// Window apply to every rate-limited route; a Flow-API's own RateLimit
// policy is not consulted. RedisAddr, when set, backs the counters with Redis so
// multiple fluxod replicas share limiter state instead of each tracking its
// own process-local counts.
type RateLimit struct {
	Limit     int           `cfg:"limit" default:"60"`
	Window    time.Duration `cfg:"window" default:"1m"`
	RedisAddr string        `cfg:"redis_addr"`
}

// Run holds the Run Service's TTL and cleanup settings (§4.5.3). fluxod
// reads only SweepInterval, the cleanup sweeper's cadence; DefaultTTL,
// MaxTTL and DefaultTimeout are loaded but not applied to runs.
type Run struct {
	DefaultTTL     time.Duration `cfg:"default_ttl" default:"5m"`
	MaxTTL         time.Duration `cfg:"max_ttl" default:"1h"`
	DefaultTimeout time.Duration `cfg:"default_timeout" default:"60s"`
	SweepInterval  time.Duration `cfg:"sweep_interval" default:"30s"`
}

type Store struct {
	Postgres *StorePostgres `cfg:"postgres"`

	// EncryptionKey, if set, enables AES-256-GCM encryption for sensitive
	// Flow-API fields (webhook URLs) at rest. Any
	// non-empty string works; it is derived to 32 bytes internally. Empty
	// disables encryption.
	EncryptionKey string `cfg:"encryption_key" log:"-"`
}

type StorePostgres struct {
	TablePrefix     *string        `cfg:"table_prefix"`
	Datasource      string         `cfg:"datasource" log:"-"`
	Schema          string         `cfg:"schema"`
	ConnMaxLifetime *time.Duration `cfg:"conn_max_lifetime"`
	MaxIdleConns    *int           `cfg:"max_idle_conns"`
	MaxOpenConns    *int           `cfg:"max_open_conns"`

	Migrate Migrate `cfg:"migrate"`
}

type Migrate struct {
	Table  string            `cfg:"table"`
	Values map[string]string `cfg:"values"`
}

func Load(ctx context.Context, path string) (*Config, error) {
	var cfg Config
	if err := chu.Load(ctx, path, &cfg, chu.WithLoaderOption(loaderenv.New(loaderenv.WithPrefix("FLUXO_")))); err != nil {
		return nil, err
	}

	if err := logi.SetLogLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("set log level %s: %w", cfg.LogLevel, err)
	}

	slog.Info("loaded configuration", "config", chu.MarshalMap(cfg))

	return &cfg, nil
}
