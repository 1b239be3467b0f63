package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/miguel-bm/threadwatch/internal/compose"
	"github.com/miguel-bm/threadwatch/internal/db"
	"github.com/miguel-bm/threadwatch/internal/mailbox"
	"github.com/miguel-bm/threadwatch/internal/threadlifecycle"
)

// StartThreadInput describes the first message of a new tracked thread.
type StartThreadInput struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// StartThread sends a new message to in.To and tracks the thread it opens.
// The message always goes through the provider, which is the only transport
// that reports the new thread's ID.
func (s *Session) StartThread(ctx context.Context, in StartThreadInput) (*db.TrackedThread, error) {
	to := compose.Address(in.To)
	if to == "" || !strings.Contains(to, "@") {
		return nil, fmt.Errorf("tracker: invalid recipient %q", in.To)
	}
	if strings.TrimSpace(in.Body) == "" {
		return nil, errors.New("tracker: body is required")
	}

	messageID := compose.NewMessageID(s.address)
	raw, err := compose.Build(compose.Message{
		From:      s.address,
		To:        []string{to},
		Subject:   in.Subject,
		Body:      in.Body,
		MessageID: messageID,
		Date:      s.now(),
	})
	if err != nil {
		return nil, err
	}

	// Held across send and insert so a fast reply is not seen as untracked.
	s.mu.Lock()
	defer s.mu.Unlock()

	sent, err := s.provider.Send(ctx, mailbox.Outgoing{
		From:       s.address,
		Recipients: []string{to},
		Raw:        raw,
	})
	if err != nil {
		return nil, fmt.Errorf("send initial message: %w", err)
	}
	if sent.ThreadID == "" {
		return nil, errors.New("tracker: provider returned no thread id")
	}

	thread, err := s.db.CreateThread(db.CreateThreadInput{
		ThreadID:         sent.ThreadID,
		Participant:      to,
		Subject:          in.Subject,
		InitialMessageID: &messageID,
	})
	if err != nil {
		return nil, err
	}

	// The initial message itself shows up in history; it needs no answer.
	if sent.ID != "" {
		if _, err := s.db.MarkProcessed(sent.ID, sent.ThreadID, db.OutcomeFromSelf); err != nil {
			slog.Warn("failed to mark initial message processed", "message_id", sent.ID, "error", err)
		}
	}

	slog.Info("tracked thread started", "thread_id", thread.ThreadID, "participant", to)
	s.publish(Event{Type: EventThreadStarted, ThreadID: thread.ThreadID, Detail: to})
	return thread, nil
}

// TransitionThread applies a lifecycle event to the thread with our ID id.
func (s *Session) TransitionThread(id string, event threadlifecycle.Event) (*db.TrackedThread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	thread, err := s.db.GetThread(id)
	if err != nil {
		return nil, err
	}
	tr, err := threadlifecycle.Apply(thread.Status, event)
	if err != nil {
		return nil, err
	}
	if !tr.Changed {
		return thread, nil
	}

	updated, err := s.db.UpdateThreadStatus(id, tr.To)
	if err != nil {
		return nil, err
	}
	slog.Info("thread status changed", "thread_id", updated.ThreadID, "from", tr.From, "to", tr.To)
	s.publish(Event{Type: EventThreadUpdated, ThreadID: updated.ThreadID, Detail: string(tr.To)})
	return updated, nil
}

// Threads lists tracked threads, optionally filtered by status.
func (s *Session) Threads(status db.ThreadStatus) ([]*db.TrackedThread, error) {
	return s.db.ListThreads(status)
}
