package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"chunkclaims.ai/internal/config"
	"chunkclaims.ai/internal/persistence/store"
)

// openStore picks the persistent backend. CC_STORE_BACKEND overrides store.backend,
// CC_POSTGRES_DSN overrides store.postgres_dsn.
func openStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (*store.Store, error) {
	backend := cfg.Backend
	if v := strings.ToLower(strings.TrimSpace(os.Getenv("CC_STORE_BACKEND"))); v != "" {
		backend = v
	}
	switch backend {
	case "", "sqlite":
		return store.OpenSQLite(cfg.SQLitePath, logger.Named("store"))
	case "postgres", "pg":
		dsn := cfg.PostgresDSN
		if v := strings.TrimSpace(os.Getenv("CC_POSTGRES_DSN")); v != "" {
			dsn = v
		}
		if dsn == "" {
			return nil, fmt.Errorf("store backend postgres but no dsn configured")
		}
		return store.OpenPostgres(ctx, dsn, logger.Named("store"))
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", backend)
	}
}
