// Package server implements the HTTP Surface (§6.1): flow management,
// synchronous/asynchronous flow execution, run inspection, and the
// OpenAPI description generator, built on ada's router and middleware
// chain.
package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/rakunlabs/ada"

	mcors "github.com/rakunlabs/ada/middleware/cors"
	mforwardauth "github.com/rakunlabs/ada/middleware/forwardauth"
	mlog "github.com/rakunlabs/ada/middleware/log"
	mrecover "github.com/rakunlabs/ada/middleware/recover"
	mrequestid "github.com/rakunlabs/ada/middleware/requestid"
	mserver "github.com/rakunlabs/ada/middleware/server"
	mtelemetry "github.com/rakunlabs/ada/middleware/telemetry"

	"github.com/rakunlabs/fluxo/internal/auth"
	"github.com/rakunlabs/fluxo/internal/cluster"
	"github.com/rakunlabs/fluxo/internal/config"
	"github.com/rakunlabs/fluxo/internal/ratelimit"
	"github.com/rakunlabs/fluxo/internal/runstore"
)

type Server struct {
	config config.Server

	server *ada.Server

	flows   runstore.FlowStore
	runs    *runstore.Service
	auth    *auth.Authenticator
	limiter ratelimit.Limiter
	rlCfg   config.RateLimit

	// cluster is the optional distributed coordination layer (alan). nil
	// when clustering is not configured (single-instance mode); in that
	// case this instance always acts as the TTL sweeper leader.
	cluster *cluster.Cluster

	// setEncryptionKey applies a rotated webhook-encryption key to this
	// replica's own store. nil when the store has nothing to encrypt
	// (in-memory mode), in which case RotateEncryptionKeyAPI is disabled.
	setEncryptionKey func([]byte)
}

// New wires the ada router, middleware chain, and route table for the flow
// execution surface using nested route groups per resource.
func New(cfg config.Server, authCfg config.Auth, rlCfg config.RateLimit, flows runstore.FlowStore, runs *runstore.Service, cl *cluster.Cluster, setEncryptionKey func([]byte)) (*Server, error) {
	limiter, err := ratelimit.New(ratelimit.Config{
		Limit:         rlCfg.Limit,
		Window:        rlCfg.Window,
		RedisAddr:     rlCfg.RedisAddr,
	})
	if err != nil {
		return nil, err
	}

	mux := ada.New()
	mux.Use(
		mrecover.Middleware(),
		mserver.Middleware(config.Service),
		mcors.Middleware(),
		mrequestid.Middleware(),
		mlog.Middleware(),
		mtelemetry.Middleware(),
	)

	s := &Server{
		config:           cfg,
		server:           mux,
		flows:            flows,
		runs:             runs,
		auth:             auth.New(authCfg),
		limiter:          limiter,
		rlCfg:            rlCfg,
		cluster:          cl,
		setEncryptionKey: setEncryptionKey,
	}

	if cfg.BasePath != "" {
		slog.Info("configuring server with base path", "base_path", cfg.BasePath)
	}

	baseGroup := mux.Group(cfg.BasePath)

	if cfg.ForwardAuth != nil {
		slog.Info("forward auth enabled", "url", cfg.ForwardAuth.Address)
		baseGroup.Use(mforwardauth.Middleware(mforwardauth.WithConfig(*cfg.ForwardAuth)))
	} else {
		slog.Info("forward auth disabled (no forward_auth config)")
	}

	apiGroup := baseGroup.Group("/api")

	// Flow management: create/update/delete need the admin token; reads and
	// executions are scope-checked.
	flowsGroup := apiGroup.Group("/v1/flows")
	flowsGroup.GET("", s.ListFlowsAPI)
	flowsGroup.POST("", s.CreateFlowAPI)
	flowsGroup.GET("/*", s.GetFlowAPI)
	flowsGroup.PUT("/*", s.UpdateFlowAPI)
	flowsGroup.DELETE("/*", s.DeleteFlowAPI)
	flowsGroup.GET("/*/openapi.json", s.FlowOpenAPIAPI)
	flowsGroup.GET("/*/schema", s.FlowSchemaAPI)
	flowsGroup.POST("/*/run", s.RunFlowAPI)
	flowsGroup.POST("/*/execute", s.ExecuteFlowSyncAPI)
	flowsGroup.POST("/*/execute-async", s.ExecuteFlowAsyncAPI)

	// Flow-API (addressable, slug-routed) management.
	flowAPIsGroup := apiGroup.Group("/v1/flow-apis")
	flowAPIsGroup.GET("", s.ListFlowAPIsAPI)
	flowAPIsGroup.POST("", s.CreateFlowAPIRecordAPI)
	flowAPIsGroup.GET("/*", s.GetFlowAPIRecordAPI)
	flowAPIsGroup.PUT("/*", s.UpdateFlowAPIRecordAPI)
	flowAPIsGroup.DELETE("/*", s.DeleteFlowAPIRecordAPI)

	// Public, slug-addressed flow invocation (§4.6 Flow-to-API surface).
	publicGroup := apiGroup.Group("/v1/f")
	publicGroup.POST("/*/run", s.RunFlowAPIPublic)
	publicGroup.GET("/*/schema", s.FlowAPISchemaAPI)
	publicGroup.POST("/*/execute", s.ExecuteFlowAPISyncAPI)
	publicGroup.POST("/*/execute-async", s.ExecuteFlowAPIAsyncAPI)
	publicGroup.GET("/*/openapi.json", s.FlowAPIOpenAPIAPI)

	// Run inspection.
	runsGroup := apiGroup.Group("/v1/runs")
	runsGroup.GET("", s.ListRunsAPI)
	runsGroup.GET("/*", s.GetRunAPI)
	runsGroup.POST("/*/cancel", s.CancelRunAPI)

	// Cluster-wide administrative operations.
	adminGroup := apiGroup.Group("/v1/admin")
	adminGroup.POST("/encryption-key", s.RotateEncryptionKeyAPI)

	return s, nil
}

func (s *Server) Start(ctx context.Context) error {
	return s.server.StartWithContext(ctx, net.JoinHostPort(s.config.Host, s.config.Port))
}

// requireAdmin protects flow/flow-api management endpoints with the
// configured bearer admin token, applied inline so individual handlers
// stay directly readable. If no admin token is configured, management is
// disabled entirely.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if s.config.AdminToken == "" {
		httpResponse(w, "admin token not configured", http.StatusForbidden)
		return false
	}

	authz := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(authz) <= len(prefix) || authz[:len(prefix)] != prefix {
		httpResponse(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	if authz[len(prefix):] != s.config.AdminToken {
		httpResponse(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

// requireScope authenticates r and checks scope, writing the appropriate
// 401/403 response on failure.
func (s *Server) requireScope(w http.ResponseWriter, r *http.Request, scope string) (auth.Identity, bool) {
	id, err := s.auth.Authenticate(r)
	if err != nil {
		httpResponse(w, "unauthorized", http.StatusUnauthorized)
		return auth.Identity{}, false
	}
	if !id.HasScope(scope) {
		httpResponse(w, "forbidden: missing scope "+scope, http.StatusForbidden)
		return auth.Identity{}, false
	}
	return id, true
}

// applyRateLimit checks key against the limiter and writes
// X-RateLimit-Limit/Remaining/Reset headers. When the limit is exceeded it
// writes 429 and returns false.
func (s *Server) applyRateLimit(w http.ResponseWriter, r *http.Request, key string) bool {
	decision, err := s.limiter.Allow(r.Context(), key)
	if err != nil {
		slog.Error("rate limiter error", "error", err)
		return true
	}

	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))

	if !decision.Allowed {
		httpResponse(w, "rate limit exceeded", http.StatusTooManyRequests)
		return false
	}
	return true
}
