// Package tracker answers replies in tracked mail threads. A Session walks
// the mailbox history from a persisted cursor on every push notification,
// skips messages it has already handled and replies to the rest.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"text/template"
	"time"

	"github.com/miguel-bm/threadwatch/internal/compose"
	"github.com/miguel-bm/threadwatch/internal/db"
	"github.com/miguel-bm/threadwatch/internal/mailbox"
)

// Reply modes.
const (
	ModeReplyAll = "reply_all"
	ModeEcho     = "echo"
)

var (
	// ErrMissingHistoryID rejects a notification without a history ID.
	ErrMissingHistoryID = errors.New("tracker: notification has no history id")
	// ErrWatchNotConfigured means no Pub/Sub topic is configured.
	ErrWatchNotConfigured = errors.New("tracker: watch topic is not configured")
)

// Notification is a decoded mailbox push notification.
type Notification struct {
	EmailAddress string
	HistoryID    uint64
}

// Notifier receives a short summary of every answered reply.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Publisher receives session events for live observers.
type Publisher interface {
	Publish(Event)
}

// Event types.
const (
	EventCursorAdvanced = "cursor_advanced"
	EventCursorReseeded = "cursor_reseeded"
	EventReplyDetected  = "reply_detected"
	EventReplySent      = "reply_sent"
	EventReplyFailed    = "reply_failed"
	EventThreadStarted  = "thread_started"
	EventThreadUpdated  = "thread_updated"
	EventWatchStarted   = "watch_started"
	EventWatchStopped   = "watch_stopped"
)

// Event describes something the session did.
type Event struct {
	Type      string    `json:"type"`
	ThreadID  string    `json:"threadId,omitempty"`
	MessageID string    `json:"messageId,omitempty"`
	HistoryID string    `json:"historyId,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// Options configure a Session.
type Options struct {
	// Address is the bot's own mailbox.
	Address string
	// Mode is ModeReplyAll (default) or ModeEcho.
	Mode string
	// Sender delivers replies. Defaults to the provider.
	Sender mailbox.Sender
	// Notifier and Publisher are optional.
	Notifier  Notifier
	Publisher Publisher
	// ReplyTemplate and EchoTemplate override the default bodies.
	ReplyTemplate string
	EchoTemplate  string
	// WatchTopic is the fully qualified Pub/Sub topic for StartWatch.
	WatchTopic  string
	WatchLabels []string
}

// Session owns the cursor, the tracked threads and the processed set of one
// mailbox. All state lives in the database; the mutex serializes passes so
// concurrent deliveries cannot act on the same message twice.
type Session struct {
	db       *db.DB
	provider mailbox.Provider
	sender   mailbox.Sender
	notifier Notifier
	events   Publisher

	address     string
	mode        string
	replyTmpl   *template.Template
	echoTmpl    *template.Template
	watchTopic  string
	watchLabels []string

	mu  sync.Mutex
	now func() time.Time
}

// New creates a session for opts.Address.
func New(database *db.DB, provider mailbox.Provider, opts Options) (*Session, error) {
	if database == nil || provider == nil {
		return nil, errors.New("tracker: database and provider are required")
	}
	address := compose.Address(opts.Address)
	if address == "" {
		return nil, errors.New("tracker: mailbox address is required")
	}

	mode := opts.Mode
	if mode == "" {
		mode = ModeReplyAll
	}
	if mode != ModeReplyAll && mode != ModeEcho {
		return nil, fmt.Errorf("tracker: unknown reply mode %q", mode)
	}

	replyTmpl, err := compose.ParseTemplate("reply", opts.ReplyTemplate, compose.DefaultReplyTemplate)
	if err != nil {
		return nil, err
	}
	echoTmpl, err := compose.ParseTemplate("echo", opts.EchoTemplate, compose.DefaultEchoTemplate)
	if err != nil {
		return nil, err
	}

	sender := opts.Sender
	if sender == nil {
		sender = provider
	}
	labels := opts.WatchLabels
	if len(labels) == 0 {
		labels = []string{"INBOX"}
	}

	return &Session{
		db:          database,
		provider:    provider,
		sender:      sender,
		notifier:    opts.Notifier,
		events:      opts.Publisher,
		address:     address,
		mode:        mode,
		replyTmpl:   replyTmpl,
		echoTmpl:    echoTmpl,
		watchTopic:  opts.WatchTopic,
		watchLabels: labels,
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// Address returns the monitored mailbox.
func (s *Session) Address() string {
	return s.address
}

// Mode returns the reply mode.
func (s *Session) Mode() string {
	return s.mode
}

func (s *Session) publish(e Event) {
	if s.events == nil {
		return
	}
	if e.At.IsZero() {
		e.At = s.now()
	}
	s.events.Publish(e)
}

// cursor returns the stored cursor and whether one exists.
func (s *Session) cursor() (uint64, bool, error) {
	c, err := s.db.GetCursor(s.address)
	if errors.Is(err, db.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load cursor: %w", err)
	}
	id, err := strconv.ParseUint(c.HistoryID, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("stored cursor %q is not numeric: %w", c.HistoryID, err)
	}
	return id, true, nil
}

// advanceCursor stores next when it is beyond the current cursor. It never
// moves the cursor backwards and reports whether it moved.
func (s *Session) advanceCursor(current uint64, exists bool, next uint64) (bool, error) {
	if next == 0 || (exists && next <= current) {
		return false, nil
	}
	if _, err := s.db.SetCursor(s.address, strconv.FormatUint(next, 10)); err != nil {
		return false, fmt.Errorf("store cursor: %w", err)
	}
	return true, nil
}

// Cursor returns the stored history ID, or 0 when the session is unseeded.
func (s *Session) Cursor() (uint64, error) {
	id, _, err := s.cursor()
	return id, err
}
