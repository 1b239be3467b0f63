package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/miguel-bm/threadwatch/internal/compose"
	"github.com/miguel-bm/threadwatch/internal/db"
	"github.com/miguel-bm/threadwatch/internal/mailbox"
	"github.com/miguel-bm/threadwatch/internal/quote"
	"github.com/miguel-bm/threadwatch/internal/threadlifecycle"
)

// Result summarizes one notification pass.
type Result struct {
	// Skipped is set when the notification was for another mailbox.
	Skipped bool `json:"skipped,omitempty"`
	// Reseeded is set when the history had expired and the cursor was
	// moved to the notification's history ID without processing.
	Reseeded     bool   `json:"reseeded,omitempty"`
	Seeded       bool   `json:"seeded,omitempty"`
	Records      int    `json:"records"`
	Processed    int    `json:"processed"`
	Duplicates   int    `json:"duplicates"`
	Replied      int    `json:"replied"`
	Failed       int    `json:"failed"`
	CursorBefore uint64 `json:"cursorBefore,string"`
	CursorAfter  uint64 `json:"cursorAfter,string"`
}

// HandleNotification runs one incremental pass for n. Notifications for
// another mailbox are skipped before the history ID is checked.
//
// Messages are listed strictly after the stored cursor (seeded from n when
// none exists). Each message not yet processed is handled and added to the
// processed set. On success the cursor advances to the highest history ID
// observed; any listing or fetch error aborts the pass and leaves the cursor
// where it was, so the range is retried on the next delivery.
func (s *Session) HandleNotification(ctx context.Context, n Notification) (Result, error) {
	if !compose.SameAddress(n.EmailAddress, s.address) {
		slog.Info("notification for different mailbox skipped", "mailbox", n.EmailAddress, "expected", s.address)
		return Result{Skipped: true}, nil
	}
	if n.HistoryID == 0 {
		return Result{}, ErrMissingHistoryID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists, err := s.cursor()
	if err != nil {
		return Result{}, err
	}
	res := Result{CursorBefore: current, CursorAfter: current}
	start := current
	if !exists {
		start = n.HistoryID
		res.Seeded = true
		slog.Warn("no stored cursor, starting after notification history id", "history_id", n.HistoryID)
	}

	records, listed, err := s.listHistory(ctx, start)
	if errors.Is(err, mailbox.ErrHistoryExpired) {
		return s.reseed(current, exists, n.HistoryID, res)
	}
	if err != nil {
		return res, err
	}
	res.Records = len(records)

	highest := start
	if listed > highest {
		highest = listed
	}
	if listed == 0 && n.HistoryID > highest {
		highest = n.HistoryID
	}

	seen := make(map[string]struct{})
	for _, rec := range records {
		if rec.ID > highest {
			highest = rec.ID
		}
		for _, ref := range rec.Added {
			if _, dup := seen[ref.ID]; dup {
				continue
			}
			seen[ref.ID] = struct{}{}

			done, err := s.db.IsProcessed(ref.ID)
			if err != nil {
				return res, fmt.Errorf("check processed %s: %w", ref.ID, err)
			}
			if done {
				res.Duplicates++
				slog.Debug("message already processed", "message_id", ref.ID)
				continue
			}

			outcome, err := s.processMessage(ctx, ref)
			if err != nil {
				return res, err
			}
			if _, err := s.db.MarkProcessed(ref.ID, ref.ThreadID, outcome); err != nil {
				return res, fmt.Errorf("mark processed %s: %w", ref.ID, err)
			}
			res.Processed++
			switch outcome {
			case db.OutcomeReplied:
				res.Replied++
			case db.OutcomeReplyFailed:
				res.Failed++
			}
		}
	}

	moved, err := s.advanceCursor(current, exists, highest)
	if err != nil {
		return res, err
	}
	if moved {
		res.CursorAfter = highest
		s.publish(Event{Type: EventCursorAdvanced, HistoryID: strconv.FormatUint(highest, 10)})
	}
	slog.Info("notification processed",
		"history_id", n.HistoryID,
		"cursor_before", res.CursorBefore,
		"cursor_after", res.CursorAfter,
		"records", res.Records,
		"processed", res.Processed,
		"duplicates", res.Duplicates,
		"replied", res.Replied,
		"failed", res.Failed,
	)
	return res, nil
}

// listHistory follows page tokens until the listing is exhausted. It returns
// the records in order and the highest mailbox history ID reported.
func (s *Session) listHistory(ctx context.Context, start uint64) ([]mailbox.HistoryRecord, uint64, error) {
	var (
		records []mailbox.HistoryRecord
		latest  uint64
		token   string
	)
	for {
		page, err := s.provider.ListHistory(ctx, start, token)
		if err != nil {
			return nil, 0, fmt.Errorf("list history after %d: %w", start, err)
		}
		records = append(records, page.Records...)
		if page.HistoryID > latest {
			latest = page.HistoryID
		}
		if page.NextPageToken == "" || page.NextPageToken == token {
			return records, latest, nil
		}
		token = page.NextPageToken
	}
}

func (s *Session) reseed(current uint64, exists bool, notified uint64, res Result) (Result, error) {
	slog.Warn("history expired, reseeding cursor from notification", "cursor", current, "history_id", notified)
	moved, err := s.advanceCursor(current, exists, notified)
	if err != nil {
		return res, err
	}
	res.Reseeded = true
	if moved {
		res.CursorAfter = notified
		s.publish(Event{Type: EventCursorReseeded, HistoryID: strconv.FormatUint(notified, 10)})
	}
	return res, nil
}

// processMessage decides what to do with one new message and does it. Only
// errors that should abort the pass are returned; a failed reply is an
// outcome, not an error.
func (s *Session) processMessage(ctx context.Context, ref mailbox.MessageRef) (db.Outcome, error) {
	thread, err := s.db.GetThreadByProviderID(ref.ThreadID)
	if errors.Is(err, db.ErrNotFound) {
		slog.Debug("message outside tracked threads", "message_id", ref.ID, "thread_id", ref.ThreadID)
		return db.OutcomeUntracked, nil
	}
	if err != nil {
		return "", fmt.Errorf("load thread %s: %w", ref.ThreadID, err)
	}
	if !threadlifecycle.Accepts(thread.Status) {
		slog.Info("message in inactive thread skipped", "message_id", ref.ID, "thread_id", ref.ThreadID, "status", thread.Status)
		return db.OutcomeInactiveThread, nil
	}

	msg, err := s.provider.GetMessage(ctx, ref.ID)
	if errors.Is(err, mailbox.ErrMessageNotFound) {
		slog.Warn("message vanished before it could be fetched", "message_id", ref.ID)
		return db.OutcomeMissing, nil
	}
	if err != nil {
		return "", fmt.Errorf("fetch message %s: %w", ref.ID, err)
	}

	sender := compose.Address(msg.From)
	if sender == "" || compose.SameAddress(sender, s.address) {
		slog.Debug("message from self or unknown sender", "message_id", ref.ID, "from", msg.From)
		return db.OutcomeFromSelf, nil
	}

	latest := quote.Latest(msg.Body)
	slog.Info("reply detected", "message_id", ref.ID, "thread_id", ref.ThreadID, "from", sender)
	s.publish(Event{Type: EventReplyDetected, ThreadID: thread.ThreadID, MessageID: msg.ID, Detail: sender})

	input := db.CreateReplyInput{
		ThreadID:  thread.ThreadID,
		MessageID: msg.ID,
		Sender:    sender,
		Excerpt:   latest,
	}
	sent, sendErr := s.reply(ctx, thread, msg, sender, latest)
	if sendErr != nil {
		errText := sendErr.Error()
		input.Error = &errText
	} else if sent.ID != "" {
		input.SentMessageID = &sent.ID
	}
	if _, err := s.db.CreateReply(input); err != nil {
		slog.Warn("failed to record reply", "message_id", msg.ID, "error", err)
	}

	if sendErr != nil {
		slog.Error("reply send failed", "message_id", msg.ID, "thread_id", thread.ThreadID, "error", sendErr)
		s.publish(Event{Type: EventReplyFailed, ThreadID: thread.ThreadID, MessageID: msg.ID, Detail: sendErr.Error()})
		return db.OutcomeReplyFailed, nil
	}

	slog.Info("reply sent", "message_id", msg.ID, "thread_id", thread.ThreadID, "mode", s.mode, "sent_id", sent.ID)
	s.publish(Event{Type: EventReplySent, ThreadID: thread.ThreadID, MessageID: msg.ID, Detail: sent.ID})
	s.notify(ctx, thread, msg, sender, latest)
	return db.OutcomeReplied, nil
}

// reply composes and sends the answer to msg according to the session mode.
func (s *Session) reply(ctx context.Context, thread *db.TrackedThread, msg mailbox.Message, sender, latest string) (mailbox.Sent, error) {
	subject := msg.Subject
	if subject == "" {
		subject = thread.Subject
	}
	data := compose.BodyData{
		Sender:    sender,
		Subject:   subject,
		Latest:    latest,
		ThreadID:  thread.ThreadID,
		MessageID: msg.ID,
	}
	threading := compose.ThreadHeaders(msg.MessageID, msg.References)

	out := compose.Message{
		From:       s.address,
		MessageID:  compose.NewMessageID(s.address),
		InReplyTo:  threading.InReplyTo,
		References: threading.References,
	}

	switch s.mode {
	case ModeEcho:
		body, err := compose.Render(s.echoTmpl, data)
		if err != nil {
			return mailbox.Sent{}, err
		}
		out.To = []string{s.address}
		out.Subject = compose.EchoSubject(subject)
		out.Body = body
	default:
		body, err := compose.Render(s.replyTmpl, data)
		if err != nil {
			return mailbox.Sent{}, err
		}
		rcpts := compose.ReplyAll(compose.Incoming{
			MessageID:  msg.MessageID,
			From:       msg.From,
			To:         msg.To,
			Cc:         msg.Cc,
			Subject:    msg.Subject,
			References: msg.References,
		}, s.address)
		out.To = rcpts.To
		out.Cc = rcpts.Cc
		out.Subject = compose.ReplySubject(subject)
		out.Body = body
	}
	out.Date = s.now()

	raw, err := compose.Build(out)
	if err != nil {
		return mailbox.Sent{}, err
	}
	return s.sender.Send(ctx, mailbox.Outgoing{
		ThreadID:   thread.ThreadID,
		From:       s.address,
		Recipients: out.Recipients(),
		Raw:        raw,
	})
}

func (s *Session) notify(ctx context.Context, thread *db.TrackedThread, msg mailbox.Message, sender, latest string) {
	if s.notifier == nil {
		return
	}
	subject := msg.Subject
	if subject == "" {
		subject = thread.Subject
	}
	var b strings.Builder
	fmt.Fprintf(&b, "New reply in '%s' from %s\n\n", subject, sender)
	b.WriteString(latest)
	if err := s.notifier.Notify(ctx, b.String()); err != nil {
		slog.Warn("reply notification failed", "message_id", msg.ID, "error", err)
	}
}
