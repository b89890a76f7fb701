package persistence

import (
	"context"
	"fmt"

	"github.com/dpup/trailblog/server/internal/config"
)

// Open creates the backend selected by cfg.Backend
func Open(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(cfg.QuotaBytes), nil
	case "sqlite":
		return OpenSQLite(cfg.SQLitePath, cfg.QuotaBytes)
	case "redis":
		return ConnectRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisPrefix, cfg.QuotaBytes)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// PolicyFromConfig builds the pruning policy from storage settings
func PolicyFromConfig(cfg config.StorageConfig) Policy {
	return Policy{
		CleanupThreshold: cfg.CleanupThreshold,
		KeepBackups:      cfg.KeepBackups,
	}
}
