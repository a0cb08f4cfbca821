package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/activator/internal/config"
	"github.com/pitabwire/activator/internal/idempotency"
	"github.com/pitabwire/activator/internal/observability"
	"github.com/pitabwire/activator/internal/openapi"
	"github.com/pitabwire/activator/internal/store"
)

// closer releases a connection opened during startup.
type closer func()

func (c closer) close() {
	if c != nil {
		c()
	}
}

// buildSpecSources resolves configured spec files against the specs
// directory and attaches each service's base URL.
func buildSpecSources(cfg *config.Config) []openapi.SpecSource {
	sources := make([]openapi.SpecSource, len(cfg.Specs.Sources))
	for i, s := range cfg.Specs.Sources {
		specPath := s.SpecFile
		if cfg.Specs.Directory != "" && !filepath.IsAbs(specPath) {
			specPath = filepath.Join(cfg.Specs.Directory, specPath)
		}
		sources[i] = openapi.SpecSource{
			ServiceID: s.ServiceID,
			BaseURL:   cfg.Services[s.ServiceID].BaseURL,
			SpecPath:  specPath,
		}
	}
	return sources
}

func openPostgres(ctx context.Context, cfg config.StoreConfig) (*pgxpool.Pool, error) {
	dsn := os.Getenv(cfg.DSNEnv)
	if dsn == "" {
		return nil, fmt.Errorf("store: %s environment variable not set", cfg.DSNEnv)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse DSN: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
	}
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return pool, nil
}

func openRedis(ctx context.Context, addrEnv string, db int) (*redis.Client, error) {
	addr := os.Getenv(addrEnv)
	if addr == "" {
		return nil, fmt.Errorf("redis: %s environment variable not set", addrEnv)
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", addr, err)
	}
	return client, nil
}

// sessionStore is a store.Store that can report its own health.
type sessionStore interface {
	store.Store
	observability.HealthChecker
}

func buildStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (sessionStore, closer, error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Warn("using in-memory session store; sessions are lost on restart")
		return store.NewMemoryStore(), nil, nil
	case "redis":
		client, err := openRedis(ctx, cfg.AddrEnv, cfg.DB)
		if err != nil {
			return nil, nil, err
		}
		return store.NewRedisStore(client), func() { _ = client.Close() }, nil
	case "postgres":
		pool, err := openPostgres(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return store.NewPgStore(pool), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}

// idempotencyStore is an idempotency.Store that can report its own health.
type idempotencyStore interface {
	idempotency.Store
	observability.HealthChecker
}

func buildIdempotencyStore(ctx context.Context, cfg config.IdempotencyConfig, logger *zap.Logger) (idempotencyStore, closer, error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory idempotency store")
		return idempotency.NewMemoryStore(time.Minute), nil, nil
	case "redis":
		client, err := openRedis(ctx, cfg.AddrEnv, cfg.DB)
		if err != nil {
			return nil, nil, err
		}
		return idempotency.NewRedisStore(client), func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported idempotency driver: %q", cfg.Driver)
	}
}
