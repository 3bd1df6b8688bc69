package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// SettingsKey is the kv key holding the sync settings blob.
const SettingsKey = "sync_settings"

// Settings is the user sync policy.
type Settings struct {
	AutoSync           bool     `json:"autoSync"`
	ConflictResolution Strategy `json:"conflictResolution"`
	MaxRetries         int      `json:"maxRetries"`
	BatchSize          int      `json:"batchSize"`
}

// DefaultSettings returns the settings used before any update.
func DefaultSettings() Settings {
	return Settings{
		AutoSync:           false,
		ConflictResolution: StrategyAsk,
		MaxRetries:         3,
		BatchSize:          10,
	}
}

// GetValue reads a kv entry. ok is false when the key is absent.
func (s *Store) GetValue(ctx context.Context, key string, dst any) (ok bool, err error) {
	var raw string
	err = s.DB.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// PutValue writes a kv entry as JSON.
func (s *Store) PutValue(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(raw), s.nowMs())
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// GetSettings returns the stored settings, or DefaultSettings when unset.
// Fields missing from an older blob keep their defaults.
func (s *Store) GetSettings(ctx context.Context) (Settings, error) {
	st := DefaultSettings()
	if _, err := s.GetValue(ctx, SettingsKey, &st); err != nil {
		return DefaultSettings(), err
	}
	return st, nil
}

// PutSettings persists settings.
func (s *Store) PutSettings(ctx context.Context, st Settings) error {
	return s.PutValue(ctx, SettingsKey, st)
}
