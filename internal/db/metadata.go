package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Metadata keys.
const (
	MetaDeviceID          = "device_id"
	MetaLastAppliedLogID  = "last_applied_log_id"
	MetaLastPinnedHeadID  = "last_pinned_head_id"
	MetaLastSyncTimestamp = "last_sync_timestamp"
)

// GetMeta returns the value stored under key and whether it was present.
func (s *store) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.q.QueryRowContext(ctx, `SELECT value FROM sync_metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get metadata %s: %w", key, err)
	}
	return value, true, nil
}

// SetMeta stores value under key.
func (s *store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.q.ExecContext(ctx, `
	INSERT INTO sync_metadata (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set metadata %s: %w", key, err)
	}
	return nil
}

// getMetaInt64 returns the integer stored under key, or 0 when absent.
func (s *store) getMetaInt64(ctx context.Context, key string) (int64, error) {
	v, ok, err := s.GetMeta(ctx, key)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("metadata %s is not an integer (%q): %w", key, v, err)
	}
	return n, nil
}

// LastPinnedHeadID returns the backtracking high-water mark (0 when unset).
func (s *store) LastPinnedHeadID(ctx context.Context) (int64, error) {
	return s.getMetaInt64(ctx, MetaLastPinnedHeadID)
}

// SetLastPinnedHeadID stores the backtracking high-water mark.
func (s *store) SetLastPinnedHeadID(ctx context.Context, id int64) error {
	return s.SetMeta(ctx, MetaLastPinnedHeadID, strconv.FormatInt(id, 10))
}

// LastAppliedLogID returns the id of the last remote log applied.
func (s *store) LastAppliedLogID(ctx context.Context) (string, error) {
	v, _, err := s.GetMeta(ctx, MetaLastAppliedLogID)
	return v, err
}

// SetLastAppliedLogID records the id of the last remote log applied.
func (s *store) SetLastAppliedLogID(ctx context.Context, id string) error {
	return s.SetMeta(ctx, MetaLastAppliedLogID, id)
}

// LastSyncTime returns when the last sync cycle finished (zero when never).
func (s *store) LastSyncTime(ctx context.Context) (time.Time, error) {
	ms, err := s.getMetaInt64(ctx, MetaLastSyncTimestamp)
	if err != nil || ms == 0 {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

// SetLastSyncTime records when a sync cycle finished.
func (s *store) SetLastSyncTime(ctx context.Context, t time.Time) error {
	return s.SetMeta(ctx, MetaLastSyncTimestamp, strconv.FormatInt(t.UnixMilli(), 10))
}

// DeviceID returns this database's device id, generating and persisting a new
// UUID on first use.
func (db *DB) DeviceID(ctx context.Context) (string, error) {
	id, ok, err := db.GetMeta(ctx, MetaDeviceID)
	if err != nil {
		return "", err
	}
	if ok && id != "" {
		return id, nil
	}

	id = uuid.NewString()
	// Another process may have raced us; keep whichever id landed first.
	if _, err := db.conn.ExecContext(ctx,
		`INSERT INTO sync_metadata (key, value) VALUES (?, ?) ON CONFLICT(key) DO NOTHING`,
		MetaDeviceID, id); err != nil {
		return "", fmt.Errorf("failed to store device id: %w", err)
	}
	id, _, err = db.GetMeta(ctx, MetaDeviceID)
	return id, err
}
