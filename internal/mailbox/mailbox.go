// Package mailbox talks to the mail provider: it walks the change history,
// fetches messages, sends replies and manages push watches.
package mailbox

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrHistoryExpired means the start history ID is older than the
	// provider retains; the caller has to reseed its cursor.
	ErrHistoryExpired = errors.New("mailbox: history id expired")
	// ErrUnauthorized means the stored credentials were rejected.
	ErrUnauthorized = errors.New("mailbox: credentials rejected")
	// ErrMessageNotFound means a message listed in history no longer exists.
	ErrMessageNotFound = errors.New("mailbox: message not found")
	// ErrUnavailable means calls are being short-circuited after repeated
	// provider failures.
	ErrUnavailable = errors.New("mailbox: provider unavailable")
)

// MessageRef identifies a message inside its thread.
type MessageRef struct {
	ID       string
	ThreadID string
}

// HistoryRecord is one entry of the mailbox change log.
type HistoryRecord struct {
	ID    uint64
	Added []MessageRef
}

// HistoryPage is one page of a history listing.
type HistoryPage struct {
	Records       []HistoryRecord
	NextPageToken string
	// HistoryID is the mailbox's current history ID, zero when absent.
	HistoryID uint64
}

// Message is a fetched message with the headers replies need.
type Message struct {
	ID         string
	ThreadID   string
	MessageID  string
	From       string
	To         []string
	Cc         []string
	Subject    string
	References []string
	Body       string
	HistoryID  uint64
}

// Outgoing is a rendered message ready for a transport.
type Outgoing struct {
	ThreadID   string
	From       string
	Recipients []string
	Raw        []byte
}

// Sent is what a transport reports back.
type Sent struct {
	ID       string
	ThreadID string
}

// Watch is an active push subscription.
type Watch struct {
	HistoryID  uint64
	Expiration time.Time
}

// Profile describes the authenticated mailbox.
type Profile struct {
	EmailAddress string
	HistoryID    uint64
}

// Sender delivers rendered messages.
type Sender interface {
	Send(ctx context.Context, msg Outgoing) (Sent, error)
}

// Provider is the full mailbox API the tracker depends on.
type Provider interface {
	Sender
	ListHistory(ctx context.Context, startID uint64, pageToken string) (HistoryPage, error)
	GetMessage(ctx context.Context, id string) (Message, error)
	Watch(ctx context.Context, topic string, labelIDs []string) (Watch, error)
	Stop(ctx context.Context) error
	Profile(ctx context.Context) (Profile, error)
}
