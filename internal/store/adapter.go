// Package store persists connectivity probe sweeps in SQLite or MySQL.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"portal-bridge/config"
)

// DatabaseAdapter hides the differences between SQLite and MySQL.
type DatabaseAdapter interface {
	Open() error
	Close() error
	Ping(ctx context.Context) error

	GetDB() *sql.DB

	InitSchema() error

	BuildLimit(limit int) string

	GetConnectionStats() ConnectionStats
	GetDatabaseType() string
}

// ConnectionStats mirrors sql.DBStats for the API.
type ConnectionStats struct {
	OpenConnections  int           `json:"open_connections"`
	IdleConnections  int           `json:"idle_connections"`
	InUseConnections int           `json:"in_use_connections"`
	WaitCount        int64         `json:"wait_count"`
	WaitDuration     time.Duration `json:"wait_duration"`
}

func connectionStats(db *sql.DB) ConnectionStats {
	if db == nil {
		return ConnectionStats{}
	}
	s := db.Stats()
	return ConnectionStats{
		OpenConnections:  s.OpenConnections,
		IdleConnections:  s.Idle,
		InUseConnections: s.InUse,
		WaitCount:        s.WaitCount,
		WaitDuration:     s.WaitDuration,
	}
}

// NewDatabaseAdapter picks the adapter for cfg.Type.
func NewDatabaseAdapter(cfg config.StoreConfig, logger *slog.Logger) (DatabaseAdapter, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dbType := cfg.Type
	if dbType == "" {
		// Host or database name implies MySQL
		if cfg.Host != "" || cfg.Database != "" {
			dbType = "mysql"
		} else {
			dbType = "sqlite"
		}
	}

	switch dbType {
	case "sqlite":
		return NewSQLiteAdapter(cfg, logger), nil
	case "mysql":
		return NewMySQLAdapter(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
}

func limitClause(limit int) string {
	if limit <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d", limit)
}
