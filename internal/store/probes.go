package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"portal-bridge/config"
)

// ProbeRecord is one target's result within a sweep.
type ProbeRecord struct {
	SweepID    string        `json:"sweep_id"`
	Label      string        `json:"label"`
	URL        string        `json:"url"`
	Strategy   string        `json:"strategy,omitempty"`
	Status     string        `json:"status"`
	StatusCode int           `json:"status_code,omitempty"`
	Latency    time.Duration `json:"-"`
	LatencyMS  int64         `json:"latency_ms"`
	Error      string        `json:"error,omitempty"`
	CheckedAt  time.Time     `json:"checked_at"`
}

// ProbeStore reads and writes probe history.
type ProbeStore struct {
	adapter DatabaseAdapter
	logger  *slog.Logger
}

// OpenProbeStore opens the configured database and ensures the schema.
func OpenProbeStore(cfg config.StoreConfig, logger *slog.Logger) (*ProbeStore, error) {
	adapter, err := NewDatabaseAdapter(cfg, logger)
	if err != nil {
		return nil, err
	}
	return NewProbeStore(adapter, logger)
}

// NewProbeStore opens adapter and initialises its schema.
func NewProbeStore(adapter DatabaseAdapter, logger *slog.Logger) (*ProbeStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := adapter.Open(); err != nil {
		return nil, err
	}
	if err := adapter.InitSchema(); err != nil {
		adapter.Close()
		return nil, err
	}
	return &ProbeStore{adapter: adapter, logger: logger}, nil
}

func (s *ProbeStore) Close() error {
	return s.adapter.Close()
}

// DatabaseType reports "sqlite" or "mysql".
func (s *ProbeStore) DatabaseType() string {
	return s.adapter.GetDatabaseType()
}

// Stats returns pool statistics.
func (s *ProbeStore) Stats() ConnectionStats {
	return s.adapter.GetConnectionStats()
}

// Record stores every result of one sweep atomically.
func (s *ProbeStore) Record(ctx context.Context, records []ProbeRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.adapter.GetDB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO probe_results
		(sweep_id, label, url, strategy, status, status_code, latency_ms, error, checked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		latency := r.LatencyMS
		if latency == 0 && r.Latency > 0 {
			latency = r.Latency.Milliseconds()
		}
		if _, err := stmt.ExecContext(ctx, r.SweepID, r.Label, r.URL, r.Strategy, r.Status,
			r.StatusCode, latency, r.Error, r.CheckedAt.UnixMilli()); err != nil {
			return fmt.Errorf("insert probe result %s: %w", r.Label, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// LatestSweep returns the results of the most recent sweep, in label order.
func (s *ProbeStore) LatestSweep(ctx context.Context) ([]ProbeRecord, error) {
	var sweepID string
	err := s.adapter.GetDB().QueryRowContext(ctx,
		"SELECT sweep_id FROM probe_results ORDER BY checked_at DESC, id DESC"+s.adapter.BuildLimit(1)).Scan(&sweepID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find latest sweep: %w", err)
	}

	return s.query(ctx, "WHERE sweep_id = ? ORDER BY label ASC", 0, sweepID)
}

// History returns up to limit results, newest first; label "" means all
// targets.
func (s *ProbeStore) History(ctx context.Context, label string, limit int) ([]ProbeRecord, error) {
	if label == "" {
		return s.query(ctx, "ORDER BY checked_at DESC, id DESC", limit)
	}
	return s.query(ctx, "WHERE label = ? ORDER BY checked_at DESC, id DESC", limit, label)
}

// Cleanup deletes results older than retention.
func (s *ProbeStore) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UnixMilli()
	res, err := s.adapter.GetDB().ExecContext(ctx, "DELETE FROM probe_results WHERE checked_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup probe results: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info(fmt.Sprintf("🧹 Removed %d probe results older than %s", n, retention))
	}
	return n, nil
}

func (s *ProbeStore) query(ctx context.Context, where string, limit int, args ...interface{}) ([]ProbeRecord, error) {
	q := `SELECT sweep_id, label, url, strategy, status, status_code, latency_ms, error, checked_at
		FROM probe_results ` + where + s.adapter.BuildLimit(limit)

	rows, err := s.adapter.GetDB().QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query probe results: %w", err)
	}
	defer rows.Close()

	var out []ProbeRecord
	for rows.Next() {
		var r ProbeRecord
		var checkedAt int64
		if err := rows.Scan(&r.SweepID, &r.Label, &r.URL, &r.Strategy, &r.Status, &r.StatusCode,
			&r.LatencyMS, &r.Error, &checkedAt); err != nil {
			return nil, fmt.Errorf("scan probe result: %w", err)
		}
		r.Latency = time.Duration(r.LatencyMS) * time.Millisecond
		r.CheckedAt = time.UnixMilli(checkedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}
