package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Reply is a detected reply in a tracked thread and the outcome of answering it
type Reply struct {
	ID            string    `json:"id"`
	ThreadID      string    `json:"threadId"`
	MessageID     string    `json:"messageId"`
	Sender        string    `json:"sender"`
	Excerpt       string    `json:"excerpt"`
	SentMessageID *string   `json:"sentMessageId,omitempty"`
	Error         *string   `json:"error,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// CreateReplyInput contains fields for recording a reply
type CreateReplyInput struct {
	ThreadID      string
	MessageID     string
	Sender        string
	Excerpt       string
	SentMessageID *string
	Error         *string
}

// CreateReply records a reply
func (db *DB) CreateReply(input CreateReplyInput) (*Reply, error) {
	id := NewID()
	_, err := db.conn.Exec(`
		INSERT INTO replies (id, thread_id, message_id, sender, excerpt, sent_message_id, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, id, input.ThreadID, input.MessageID, input.Sender, input.Excerpt,
		NullString(input.SentMessageID), NullString(input.Error), now())
	if err != nil {
		return nil, fmt.Errorf("insert reply: %w", err)
	}

	row := db.conn.QueryRow(`
		SELECT id, thread_id, message_id, sender, excerpt, sent_message_id, error, created_at
		FROM replies WHERE id = ?
	`, id)
	return scanReply(row.Scan)
}

// ListReplies returns replies, newest first. An empty threadID lists all threads.
func (db *DB) ListReplies(threadID string, limit int) ([]*Reply, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, thread_id, message_id, sender, excerpt, sent_message_id, error, created_at
		FROM replies`
	var args []any
	if threadID != "" {
		query += " WHERE thread_id = ?"
		args = append(args, threadID)
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query replies: %w", err)
	}
	defer rows.Close()

	replies := make([]*Reply, 0)
	for rows.Next() {
		r, err := scanReply(rows.Scan)
		if err != nil {
			return nil, err
		}
		replies = append(replies, r)
	}
	return replies, rows.Err()
}

func scanReply(scan scanFunc) (*Reply, error) {
	var r Reply
	var sentMessageID, errMsg sql.NullString
	err := scan(&r.ID, &r.ThreadID, &r.MessageID, &r.Sender, &r.Excerpt, &sentMessageID, &errMsg, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.SentMessageID = StringPtr(sentMessageID)
	r.Error = StringPtr(errMsg)
	return &r, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
