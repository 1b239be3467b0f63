package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// HistoryCursor is the last history id inspected for a mailbox.
type HistoryCursor struct {
	Mailbox   string    `json:"mailbox"`
	HistoryID string    `json:"historyId"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func cursorKey(mailbox string) string {
	return strings.ToLower(strings.TrimSpace(mailbox))
}

// GetCursor returns the stored cursor for a mailbox.
// Returns ErrNotFound if the mailbox has never been seeded.
func (db *DB) GetCursor(mailbox string) (*HistoryCursor, error) {
	row := db.conn.QueryRow(
		`SELECT mailbox, history_id, updated_at FROM history_cursors WHERE mailbox = ?`,
		cursorKey(mailbox),
	)

	var c HistoryCursor
	if err := row.Scan(&c.Mailbox, &c.HistoryID, &c.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// SetCursor upserts the cursor for a mailbox. Ordering is the caller's concern.
func (db *DB) SetCursor(mailbox, historyID string) (*HistoryCursor, error) {
	historyID = strings.TrimSpace(historyID)
	if historyID == "" {
		return nil, errors.New("history id is required")
	}

	_, err := db.conn.Exec(
		`INSERT INTO history_cursors (mailbox, history_id, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (mailbox) DO UPDATE SET history_id = excluded.history_id, updated_at = excluded.updated_at`,
		cursorKey(mailbox), historyID, now(),
	)
	if err != nil {
		return nil, fmt.Errorf("upsert cursor: %w", err)
	}
	return db.GetCursor(mailbox)
}
