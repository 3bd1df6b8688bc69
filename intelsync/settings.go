package intelsync

import (
	"context"
	"sync"

	"github.com/hazyhaar/intelsync/intelsync/internal/store"
)

// SettingsPatch updates some settings; nil fields are kept.
type SettingsPatch struct {
	AutoSync           *bool     `json:"autoSync,omitempty"`
	ConflictResolution *Strategy `json:"conflictResolution,omitempty" validate:"omitempty,oneof=ask merge replace keep_both"`
	MaxRetries         *int      `json:"maxRetries,omitempty" validate:"omitempty,gte=1,lte=100"`
	BatchSize          *int      `json:"batchSize,omitempty" validate:"omitempty,gte=1,lte=1000"`
}

// SettingsStore holds the sync policy.
type SettingsStore struct {
	mu    sync.Mutex
	store *store.Store
}

// Get returns the current settings, defaults if never set.
func (ss *SettingsStore) Get(ctx context.Context) (SyncSettings, error) {
	st, err := ss.store.GetSettings(ctx)
	if err != nil {
		return st, &StorageError{Op: "settings", Err: err}
	}
	return st, nil
}

// Update validates p, merges it over the current settings and persists
// the result.
func (ss *SettingsStore) Update(ctx context.Context, p SettingsPatch) (SyncSettings, error) {
	if err := checkStruct(&p); err != nil {
		return SyncSettings{}, err
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()

	cur, err := ss.Get(ctx)
	if err != nil {
		return cur, err
	}
	if p.AutoSync != nil {
		cur.AutoSync = *p.AutoSync
	}
	if p.ConflictResolution != nil {
		cur.ConflictResolution = *p.ConflictResolution
	}
	if p.MaxRetries != nil {
		cur.MaxRetries = *p.MaxRetries
	}
	if p.BatchSize != nil {
		cur.BatchSize = *p.BatchSize
	}
	if err := ss.store.PutSettings(ctx, cur); err != nil {
		return SyncSettings{}, &StorageError{Op: "settings", Err: err}
	}
	return cur, nil
}
