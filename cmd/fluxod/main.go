package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rakunlabs/into"
	"github.com/rakunlabs/logi"

	"github.com/rakunlabs/fluxo/internal/cluster"
	"github.com/rakunlabs/fluxo/internal/config"
	"github.com/rakunlabs/fluxo/internal/fcrypto"
	"github.com/rakunlabs/fluxo/internal/runstore"
	"github.com/rakunlabs/fluxo/internal/runstore/memory"
	"github.com/rakunlabs/fluxo/internal/runstore/postgres"
	"github.com/rakunlabs/fluxo/internal/server"
)

var (
	name    = "fluxod"
	version = "v0.0.0"
)

func main() {
	config.Service = name + "/" + version

	into.Init(run,
		into.WithLogger(logi.InitializeLog(logi.WithCaller(false))),
		into.WithMsgf("%s [%s]", name, version),
	)
}

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	flowStore, runStore, closeStore, err := newStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer closeStore()

	// Node and run timeouts are enforced per-execute-call via ExecuteOptions;
	// the scheduler's own defaults only apply when a caller leaves them unset.
	runs := runstore.New(runStore, cfg.Server.BasePath+"/api/v1/runs")

	cl, err := cluster.New(cfg.Server.Alan)
	if err != nil {
		return fmt.Errorf("failed to initialize cluster: %w", err)
	}

	pg, isPostgres := runStore.(*postgres.Postgres)
	var setEncryptionKey func([]byte)
	if isPostgres {
		setEncryptionKey = pg.SetEncryptionKey
	}

	if cl != nil {
		go func() {
			onNewKey := func(newKey []byte) {}
			if isPostgres {
				onNewKey = func(newKey []byte) { pg.SetEncryptionKey(newKey) }
			}
			if err := cl.Start(ctx, onNewKey); err != nil && ctx.Err() == nil {
				slog.Error("cluster stopped", "error", err)
			}
		}()
		defer cl.Stop() //nolint:errcheck
	}

	srv, err := server.New(cfg.Server, cfg.Auth, cfg.RateLimit, flowStore, runs, cl, setEncryptionKey)
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}

	go sweepLoop(ctx, runs, cl, cfg.Run.SweepInterval)

	slog.Info("starting fluxod", "host", cfg.Server.Host, "port", cfg.Server.Port)
	return srv.Start(ctx)
}

// newStore builds the Run Service's backing store from config: a Postgres
// store when store.postgres is configured, an in-process map otherwise.
func newStore(ctx context.Context, cfg *config.Config) (runstore.FlowStore, runstore.Store, func(), error) {
	noop := func() {}

	if cfg.Store.Postgres == nil {
		slog.Info("using in-memory run store (not durable across restarts)")
		m := memory.New()
		return m, m, noop, nil
	}

	var encKey []byte
	if cfg.Store.EncryptionKey != "" {
		key, err := fcrypto.DeriveKey(cfg.Store.EncryptionKey)
		if err != nil {
			return nil, nil, noop, fmt.Errorf("derive encryption key: %w", err)
		}
		encKey = key
	}

	pgCfg := postgres.Config{
		Datasource:    cfg.Store.Postgres.Datasource,
		Schema:        cfg.Store.Postgres.Schema,
		MigrateTable:  cfg.Store.Postgres.Migrate.Table,
		MigrateValues: cfg.Store.Postgres.Migrate.Values,
	}
	if cfg.Store.Postgres.TablePrefix != nil {
		pgCfg.TablePrefix = *cfg.Store.Postgres.TablePrefix
	}
	if cfg.Store.Postgres.ConnMaxLifetime != nil {
		pgCfg.ConnMaxLifetime = *cfg.Store.Postgres.ConnMaxLifetime
	}
	if cfg.Store.Postgres.MaxIdleConns != nil {
		pgCfg.MaxIdleConns = *cfg.Store.Postgres.MaxIdleConns
	}
	if cfg.Store.Postgres.MaxOpenConns != nil {
		pgCfg.MaxOpenConns = *cfg.Store.Postgres.MaxOpenConns
	}

	slog.Info("connecting to postgres run store")
	pg, err := postgres.New(ctx, pgCfg, encKey)
	if err != nil {
		return nil, nil, noop, fmt.Errorf("connect postgres: %w", err)
	}

	return pg, pg, func() { pg.Close() }, nil //nolint:errcheck
}

// sweepLoop periodically expires terminal runs past their TTL. When cl is
// non-nil, only the replica holding the sweeper lock performs the sweep, so
// a cluster of fluxod instances shares a single active sweeper.
func sweepLoop(ctx context.Context, runs *runstore.Service, cl *cluster.Cluster, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	if cl != nil {
		if err := cl.LockSweeper(ctx); err != nil {
			slog.Warn("could not acquire ttl sweeper lock, not sweeping on this replica", "error", err)
			return
		}
		defer cl.UnlockSweeper() //nolint:errcheck
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := runs.CleanupExpiredRuns(ctx)
			if err != nil {
				slog.Error("ttl sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("ttl sweep expired runs", "count", n)
			}
		}
	}
}
