package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"portal-bridge/config"
)

//go:embed mysql_schema.sql
var mysqlSchemaFS embed.FS

// MySQLAdapter stores probe history in a shared MySQL database.
type MySQLAdapter struct {
	cfg    config.StoreConfig
	db     *sql.DB
	logger *slog.Logger
}

// NewMySQLAdapter creates an unopened adapter with pool defaults applied.
func NewMySQLAdapter(cfg config.StoreConfig, logger *slog.Logger) *MySQLAdapter {
	if cfg.Port == 0 {
		cfg.Port = 3306
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 10
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = time.Hour
	}
	return &MySQLAdapter{cfg: cfg, logger: logger}
}

// buildDSN renders the driver DSN; the password never reaches the logs.
func (m *MySQLAdapter) buildDSN() (string, error) {
	if m.cfg.Host == "" {
		return "", fmt.Errorf("MySQL host is required")
	}
	if m.cfg.Database == "" {
		return "", fmt.Errorf("MySQL database name is required")
	}
	if m.cfg.Username == "" {
		return "", fmt.Errorf("MySQL username is required")
	}

	dc := mysql.NewConfig()
	dc.User = m.cfg.Username
	dc.Passwd = m.cfg.Password
	dc.Net = "tcp"
	dc.Addr = net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	dc.DBName = m.cfg.Database
	dc.ParseTime = true
	dc.Loc = time.UTC
	dc.Timeout = 30 * time.Second
	dc.ReadTimeout = 30 * time.Second
	dc.WriteTimeout = 30 * time.Second
	dc.Params = map[string]string{"charset": "utf8mb4"}

	return dc.FormatDSN(), nil
}

func (m *MySQLAdapter) Open() error {
	dsn, err := m.buildDSN()
	if err != nil {
		return fmt.Errorf("failed to build DSN: %w", err)
	}

	m.logger.Info("🗄️ Opening MySQL store", "host", m.cfg.Host, "database", m.cfg.Database)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(m.cfg.MaxOpenConns)
	db.SetMaxIdleConns(m.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(m.cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to ping MySQL database: %w", err)
	}

	m.db = db
	m.logger.Info("✅ MySQL store ready", "max_open_conns", m.cfg.MaxOpenConns)
	return nil
}

func (m *MySQLAdapter) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}

func (m *MySQLAdapter) Ping(ctx context.Context) error {
	if m.db == nil {
		return fmt.Errorf("database not opened")
	}
	return m.db.PingContext(ctx)
}

func (m *MySQLAdapter) GetDB() *sql.DB {
	return m.db
}

// InitSchema runs the embedded schema one statement at a time; the driver
// does not accept multi-statement strings by default.
func (m *MySQLAdapter) InitSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	schema, err := mysqlSchemaFS.ReadFile("mysql_schema.sql")
	if err != nil {
		return fmt.Errorf("failed to read mysql_schema.sql: %w", err)
	}

	for _, stmt := range splitSQLStatements(string(schema)) {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

func (m *MySQLAdapter) BuildLimit(limit int) string {
	return limitClause(limit)
}

func (m *MySQLAdapter) GetConnectionStats() ConnectionStats {
	return connectionStats(m.db)
}

func (m *MySQLAdapter) GetDatabaseType() string {
	return "mysql"
}

// splitSQLStatements splits on semicolons, dropping comment-only lines.
func splitSQLStatements(schema string) []string {
	var lines []string
	for _, line := range strings.Split(schema, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		lines = append(lines, line)
	}

	var out []string
	for _, stmt := range strings.Split(strings.Join(lines, "\n"), ";") {
		if s := strings.TrimSpace(stmt); s != "" {
			out = append(out, s)
		}
	}
	return out
}
