package storage

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Open initializes the storage backend selected by config.Driver:
// "memory", "postgres" (default) or "sqlite".
func Open(config DatabaseConfig, logger *zap.Logger) (Storage, error) {
	driver := strings.ToLower(strings.TrimSpace(config.Driver))

	switch driver {
	case "memory":
		logger.Info("Using in-memory storage")
		return NewMemoryStorage(), nil
	case "", "postgres", "postgresql":
		logger.Info("Using PostgreSQL storage")
		return NewPostgresStorage(config, logger)
	case "sqlite", "sqlite3":
		logger.Info("Using SQLite storage")
		return NewSQLiteStorage(config.Path, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", config.Driver)
	}
}
