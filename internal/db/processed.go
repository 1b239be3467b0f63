package db

import (
	"fmt"
	"time"
)

// Outcome records why a message entered the processed set
type Outcome string

const (
	OutcomeReplied        Outcome = "replied"
	OutcomeReplyFailed    Outcome = "reply_failed"
	OutcomeFromSelf       Outcome = "from_self"
	OutcomeUntracked      Outcome = "untracked"
	OutcomeInactiveThread Outcome = "inactive_thread"
	OutcomeMissing        Outcome = "missing"
)

// ProcessedMessage is one entry of the dedup set
type ProcessedMessage struct {
	MessageID   string    `json:"messageId"`
	ThreadID    string    `json:"threadId"`
	Outcome     Outcome   `json:"outcome"`
	ProcessedAt time.Time `json:"processedAt"`
}

// IsProcessed reports whether a message id is already in the processed set
func (db *DB) IsProcessed(messageID string) (bool, error) {
	var n int
	err := db.conn.QueryRow(
		"SELECT COUNT(1) FROM processed_messages WHERE message_id = ?", messageID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query processed: %w", err)
	}
	return n > 0, nil
}

// MarkProcessed adds a message to the processed set. It returns false when the
// message was already present; the first outcome recorded wins.
func (db *DB) MarkProcessed(messageID, threadID string, outcome Outcome) (bool, error) {
	result, err := db.conn.Exec(`
		INSERT INTO processed_messages (message_id, thread_id, outcome, processed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (message_id) DO NOTHING
	`, messageID, threadID, outcome, now())
	if err != nil {
		return false, fmt.Errorf("insert processed: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// GetProcessed returns the processed-set entry for a message
func (db *DB) GetProcessed(messageID string) (*ProcessedMessage, error) {
	var p ProcessedMessage
	err := db.conn.QueryRow(`
		SELECT message_id, thread_id, outcome, processed_at
		FROM processed_messages WHERE message_id = ?
	`, messageID).Scan(&p.MessageID, &p.ThreadID, &p.Outcome, &p.ProcessedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// CountProcessed returns the size of the processed set
func (db *DB) CountProcessed() (int, error) {
	var n int
	if err := db.conn.QueryRow("SELECT COUNT(1) FROM processed_messages").Scan(&n); err != nil {
		return 0, fmt.Errorf("count processed: %w", err)
	}
	return n, nil
}
