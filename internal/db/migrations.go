package db

import (
	"fmt"
)

// Migrate runs all database migrations
func (db *DB) Migrate() error {
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY,
			version INTEGER NOT NULL UNIQUE,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var currentVersion int
	row := db.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("get current version: %w", err)
	}

	for _, m := range migrations {
		if m.version > currentVersion {
			if err := db.runMigration(m); err != nil {
				return fmt.Errorf("migration %d: %w", m.version, err)
			}
		}
	}

	return nil
}

type migration struct {
	version int
	sql     string
}

func (db *DB) runMigration(m migration) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.sql); err != nil {
		return err
	}

	if _, err := tx.Exec("INSERT INTO migrations (version) VALUES (?)", m.version); err != nil {
		return err
	}

	return tx.Commit()
}

var migrations = []migration{
	{
		version: 1,
		sql: `
			-- Conversations the bot started and watches for replies
			CREATE TABLE tracked_threads (
				id TEXT PRIMARY KEY,
				thread_id TEXT NOT NULL UNIQUE,
				participant TEXT NOT NULL,
				subject TEXT NOT NULL DEFAULT '',
				initial_message_id TEXT,
				status TEXT NOT NULL DEFAULT 'active',
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL
			);

			-- Last inspected history id, one row per mailbox
			CREATE TABLE history_cursors (
				mailbox TEXT PRIMARY KEY,
				history_id TEXT NOT NULL,
				updated_at DATETIME NOT NULL
			);

			-- Messages already acted upon (the dedup set)
			CREATE TABLE processed_messages (
				message_id TEXT PRIMARY KEY,
				thread_id TEXT NOT NULL DEFAULT '',
				outcome TEXT NOT NULL,
				processed_at DATETIME NOT NULL
			);

			-- Replies detected in tracked threads and what we sent back
			CREATE TABLE replies (
				id TEXT PRIMARY KEY,
				thread_id TEXT NOT NULL,
				message_id TEXT NOT NULL,
				sender TEXT NOT NULL,
				excerpt TEXT NOT NULL,
				sent_message_id TEXT,
				error TEXT,
				created_at DATETIME NOT NULL
			);

			CREATE INDEX idx_processed_thread ON processed_messages(thread_id);
			CREATE INDEX idx_replies_thread ON replies(thread_id, created_at);
		`,
	},
	{
		version: 2,
		sql: `
			-- Small key/value store for watch state and the admin password hash
			CREATE TABLE settings (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				updated_at DATETIME NOT NULL
			);
		`,
	},
}
