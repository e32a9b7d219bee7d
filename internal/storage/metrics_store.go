package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Snapshot keys
const (
	KeyBatteryMetrics    = "battery_metrics"
	KeyOptimizationLevel = "optimization_level"
	KeyEmergency         = "emergency"
	KeyActiveTasks       = "active_tasks"
)

// MetricsStore is a JSON key-value snapshot that survives restarts.
type MetricsStore struct {
	db  *DB
	now func() time.Time
}

// NewMetricsStore creates a new metrics store
func NewMetricsStore(db *DB) *MetricsStore {
	return &MetricsStore{db: db, now: time.Now}
}

// Put stores v under key, replacing any previous value.
func (s *MetricsStore) Put(ctx context.Context, key string, v any) error {
	return s.PutAll(ctx, map[string]any{key: v})
}

// PutAll stores every entry atomically.
func (s *MetricsStore) PutAll(ctx context.Context, entries map[string]any) error {
	now := s.now().UTC()
	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		for key, v := range entries {
			data, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("encode %s: %w", key, err)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO metrics_snapshot (key, value, updated_at) VALUES (?, ?, ?)
				ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
			`, key, string(data), now)
			if err != nil {
				return fmt.Errorf("store %s: %w", key, err)
			}
		}
		return nil
	})
}

// Get decodes the value under key into v. It reports false if the key is absent.
func (s *MetricsStore) Get(ctx context.Context, key string, v any) (bool, error) {
	var data string
	err := s.db.conn.QueryRowContext(ctx,
		`SELECT value FROM metrics_snapshot WHERE key = ?`, key).Scan(&data)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// UpdatedAt returns when key was last written.
func (s *MetricsStore) UpdatedAt(ctx context.Context, key string) (time.Time, bool, error) {
	var at time.Time
	err := s.db.conn.QueryRowContext(ctx,
		`SELECT updated_at FROM metrics_snapshot WHERE key = ?`, key).Scan(&at)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return at, true, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *MetricsStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.conn.ExecContext(ctx, `DELETE FROM metrics_snapshot WHERE key = ?`, key)
	return err
}
