package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

type DB struct {
	conn *sql.DB
}

// DefaultPath returns the default database path (~/.threadwatch/threadwatch.db)
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "threadwatch.db"
	}
	return filepath.Join(home, ".threadwatch", "threadwatch.db")
}

// Open opens or creates the database at the given path
func Open(path string) (*DB, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection serializes writes and keeps ":memory:" databases
	// alive across pool checkouts.
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &DB{conn: conn}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// NewID generates a new ULID
func NewID() string {
	return ulid.Make().String()
}

// scanFunc is the common signature shared by (*sql.Row).Scan and (*sql.Rows).Scan,
// allowing a single scan function per entity to handle both cases.
type scanFunc func(dest ...any) error

// NullString converts a string pointer to sql.NullString
func NullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// StringPtr converts sql.NullString to string pointer
func StringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}

func now() time.Time {
	return time.Now().UTC()
}
