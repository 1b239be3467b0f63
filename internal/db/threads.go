package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ThreadStatus is the lifecycle state of a tracked thread
type ThreadStatus string

const (
	ThreadStatusActive ThreadStatus = "active"
	ThreadStatusPaused ThreadStatus = "paused"
	ThreadStatusClosed ThreadStatus = "closed"
)

// TrackedThread is a mailbox conversation the bot started and watches.
// ThreadID is the provider's thread identifier; ID is our own ULID.
type TrackedThread struct {
	ID               string       `json:"id"`
	ThreadID         string       `json:"threadId"`
	Participant      string       `json:"participant"`
	Subject          string       `json:"subject"`
	InitialMessageID *string      `json:"initialMessageId,omitempty"`
	Status           ThreadStatus `json:"status"`
	CreatedAt        time.Time    `json:"createdAt"`
	UpdatedAt        time.Time    `json:"updatedAt"`
}

// CreateThreadInput contains fields for tracking a new thread
type CreateThreadInput struct {
	ThreadID         string
	Participant      string
	Subject          string
	InitialMessageID *string
}

// CreateThread starts tracking a provider thread
func (db *DB) CreateThread(input CreateThreadInput) (*TrackedThread, error) {
	threadID := strings.TrimSpace(input.ThreadID)
	if threadID == "" {
		return nil, errors.New("thread id is required")
	}

	id := NewID()
	ts := now()
	_, err := db.conn.Exec(`
		INSERT INTO tracked_threads (id, thread_id, participant, subject, initial_message_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, id, threadID, strings.TrimSpace(input.Participant), input.Subject, NullString(input.InitialMessageID), ThreadStatusActive, ts, ts)
	if err != nil {
		return nil, fmt.Errorf("insert thread: %w", err)
	}

	return db.GetThread(id)
}

// GetThread retrieves a tracked thread by ID
func (db *DB) GetThread(id string) (*TrackedThread, error) {
	row := db.conn.QueryRow(`
		SELECT id, thread_id, participant, subject, initial_message_id, status, created_at, updated_at
		FROM tracked_threads WHERE id = ?
	`, id)

	t, err := scanThread(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// GetThreadByProviderID retrieves a tracked thread by the provider thread ID
func (db *DB) GetThreadByProviderID(threadID string) (*TrackedThread, error) {
	row := db.conn.QueryRow(`
		SELECT id, thread_id, participant, subject, initial_message_id, status, created_at, updated_at
		FROM tracked_threads WHERE thread_id = ?
	`, threadID)

	t, err := scanThread(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// ListThreads returns tracked threads, newest first. An empty status lists all.
func (db *DB) ListThreads(status ThreadStatus) ([]*TrackedThread, error) {
	query := `
		SELECT id, thread_id, participant, subject, initial_message_id, status, created_at, updated_at
		FROM tracked_threads`
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query threads: %w", err)
	}
	defer rows.Close()

	threads := make([]*TrackedThread, 0)
	for rows.Next() {
		t, err := scanThread(rows.Scan)
		if err != nil {
			return nil, err
		}
		threads = append(threads, t)
	}

	return threads, rows.Err()
}

// UpdateThreadStatus sets the lifecycle status of a tracked thread
func (db *DB) UpdateThreadStatus(id string, status ThreadStatus) (*TrackedThread, error) {
	result, err := db.conn.Exec(
		"UPDATE tracked_threads SET status = ?, updated_at = ? WHERE id = ?",
		status, now(), id,
	)
	if err != nil {
		return nil, fmt.Errorf("update thread: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, ErrNotFound
	}

	return db.GetThread(id)
}

// DeleteThread stops tracking a thread entirely
func (db *DB) DeleteThread(id string) error {
	result, err := db.conn.Exec("DELETE FROM tracked_threads WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

func scanThread(scan scanFunc) (*TrackedThread, error) {
	var t TrackedThread
	var initialMessageID sql.NullString

	err := scan(
		&t.ID, &t.ThreadID, &t.Participant, &t.Subject, &initialMessageID,
		&t.Status, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.InitialMessageID = StringPtr(initialMessageID)

	return &t, nil
}
