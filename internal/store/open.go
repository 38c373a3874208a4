package store

import (
	"context"
	"log/slog"

	"jobctl/internal/config"
)

// Open selects the backend from configuration: Redis when REDIS_ADDR is set,
// otherwise files under STATE_DIR, otherwise memory.
func Open(ctx context.Context, cfg *config.ClientConfig) (Store, error) {
	switch {
	case cfg.RedisAddr != "":
		slog.Debug("Using Redis store", "addr", cfg.RedisAddr, "db", cfg.RedisDB)
		return NewRedis(ctx, RedisConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPass, DB: cfg.RedisDB})
	case cfg.StateDir != "":
		slog.Debug("Using file store", "dir", cfg.StateDir)
		return NewFile(cfg.StateDir)
	default:
		slog.Debug("Using memory store")
		return NewMemory(), nil
	}
}
