package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/hurttlocker/dornt/internal/config"
	"github.com/hurttlocker/dornt/internal/kv"
	"github.com/hurttlocker/dornt/internal/kv/gcskv"
	"github.com/hurttlocker/dornt/internal/kv/pgkv"
	"github.com/hurttlocker/dornt/internal/kv/rediskv"
	"github.com/hurttlocker/dornt/internal/kv/sqlitekv"
)

// OpenStore connects the configured KV backend.
func OpenStore(ctx context.Context, cfg config.StorageConfig) (kv.Store, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return kv.NewMemory(), nil
	case config.BackendSQLite:
		return sqlitekv.New(sqlitekv.Config{Path: cfg.DSN})
	case config.BackendRedis:
		rc, err := redisConfig(cfg)
		if err != nil {
			return nil, err
		}
		return rediskv.New(rc)
	case config.BackendGCS:
		return gcskv.New(ctx, gcsConfig(cfg))
	case config.BackendPostgres:
		return pgkv.New(pgkv.Config{DSN: cfg.DSN})
	default:
		return nil, fmt.Errorf("%w: unknown storage backend %q", config.ErrInvalid, cfg.Backend)
	}
}

// redisConfig accepts a plain host:port or a redis:// URL carrying
// credentials and database number.
func redisConfig(cfg config.StorageConfig) (rediskv.Config, error) {
	rc := rediskv.Config{Addr: cfg.DSN, Prefix: cfg.Prefix}
	if strings.HasPrefix(cfg.DSN, "redis://") || strings.HasPrefix(cfg.DSN, "rediss://") {
		opts, err := redis.ParseURL(cfg.DSN)
		if err != nil {
			return rc, fmt.Errorf("%w: parsing redis url: %v", config.ErrInvalid, err)
		}
		rc.Addr, rc.Password, rc.DB, rc.PoolSize = opts.Addr, opts.Password, opts.DB, opts.PoolSize
	}
	return rc, nil
}

// gcsConfig accepts a bare bucket or gs://bucket/prefix. An explicit
// storage prefix wins over one in the URL.
func gcsConfig(cfg config.StorageConfig) gcskv.Config {
	bucket, prefix := cfg.DSN, ""
	if rest, ok := strings.CutPrefix(cfg.DSN, "gs://"); ok {
		bucket, prefix, _ = strings.Cut(rest, "/")
	}
	if cfg.Prefix != "" {
		prefix = cfg.Prefix
	}
	return gcskv.Config{
		Bucket:          bucket,
		Prefix:          prefix,
		EmulatorHost:    cfg.EmulatorHost,
		CredentialsFile: cfg.CredentialsFile,
	}
}
