package db

import (
	"time"
)

const (
	SettingWatchExpiration   = "watch_expiration"
	SettingWatchHistoryID    = "watch_history_id"
	SettingAdminPasswordHash = "admin_password_hash"
)

type Setting struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}

// GetSetting returns a single setting by key.
// Returns ErrNotFound if the setting does not exist.
func (db *DB) GetSetting(key string) (*Setting, error) {
	row := db.conn.QueryRow(
		`SELECT key, value, updated_at FROM settings WHERE key = ?`,
		key,
	)

	var s Setting
	if err := row.Scan(&s.Key, &s.Value, &s.UpdatedAt); err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

// SetSetting upserts a setting value.
func (db *DB) SetSetting(key, value string) (*Setting, error) {
	_, err := db.conn.Exec(
		`INSERT INTO settings (key, value, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now(),
	)
	if err != nil {
		return nil, err
	}
	return db.GetSetting(key)
}

// DeleteSetting removes a setting. Returns ErrNotFound if it doesn't exist.
func (db *DB) DeleteSetting(key string) error {
	res, err := db.conn.Exec(`DELETE FROM settings WHERE key = ?`, key)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
