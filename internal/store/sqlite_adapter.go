package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"portal-bridge/config"
)

//go:embed schema.sql
var sqliteSchemaFS embed.FS

// SQLiteAdapter stores probe history in a local SQLite file.
type SQLiteAdapter struct {
	path   string
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteAdapter creates an unopened adapter.
func NewSQLiteAdapter(cfg config.StoreConfig, logger *slog.Logger) *SQLiteAdapter {
	path := cfg.Path
	if path == "" {
		path = "data/diagnostics.db"
	}
	return &SQLiteAdapter{path: path, logger: logger}
}

func (s *SQLiteAdapter) dsn() string {
	if s.path == ":memory:" {
		return ":memory:?_pragma=foreign_keys(1)"
	}
	return s.path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(10000)&_pragma=foreign_keys(1)"
}

// Open connects, creating the parent directory if needed.
func (s *SQLiteAdapter) Open() error {
	s.logger.Info("🗄️ Opening SQLite store", "path", s.path)

	if s.path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", s.dsn())
	if err != nil {
		return fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// A single connection serialises writers
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	s.db = db
	s.logger.Info("✅ SQLite store ready")
	return nil
}

func (s *SQLiteAdapter) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteAdapter) Ping(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not opened")
	}
	return s.db.PingContext(ctx)
}

func (s *SQLiteAdapter) GetDB() *sql.DB {
	return s.db
}

// InitSchema applies the embedded schema; it is idempotent.
func (s *SQLiteAdapter) InitSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	schema, err := sqliteSchemaFS.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("failed to read schema.sql: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, string(schema)); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

func (s *SQLiteAdapter) BuildLimit(limit int) string {
	return limitClause(limit)
}

func (s *SQLiteAdapter) GetConnectionStats() ConnectionStats {
	return connectionStats(s.db)
}

func (s *SQLiteAdapter) GetDatabaseType() string {
	return "sqlite"
}
