package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/miguel-bm/threadwatch/internal/db"
	"github.com/miguel-bm/threadwatch/internal/mailbox"
)

const (
	watchRetryDelay = 5 * time.Minute
	maxRenewalSleep = 12 * time.Hour
)

// StartWatch subscribes the mailbox to push notifications. The watch's
// history ID seeds the cursor only when none is stored; an existing cursor
// is kept so history since the last pass is still replayed.
func (s *Session) StartWatch(ctx context.Context) (mailbox.Watch, error) {
	if s.watchTopic == "" {
		return mailbox.Watch{}, ErrWatchNotConfigured
	}
	w, err := s.provider.Watch(ctx, s.watchTopic, s.watchLabels)
	if err != nil {
		return mailbox.Watch{}, fmt.Errorf("start watch: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, exists, err := s.cursor()
	if err != nil {
		return w, err
	}
	if !exists && w.HistoryID > 0 {
		if _, err := s.advanceCursor(0, false, w.HistoryID); err != nil {
			return w, err
		}
		slog.Info("cursor seeded from watch", "history_id", w.HistoryID)
	}
	if _, err := s.db.SetSetting(db.SettingWatchExpiration, w.Expiration.UTC().Format(time.RFC3339)); err != nil {
		return w, fmt.Errorf("store watch expiration: %w", err)
	}
	if _, err := s.db.SetSetting(db.SettingWatchHistoryID, strconv.FormatUint(w.HistoryID, 10)); err != nil {
		return w, fmt.Errorf("store watch history id: %w", err)
	}

	slog.Info("watch started", "topic", s.watchTopic, "labels", s.watchLabels, "expires", w.Expiration)
	s.publish(Event{Type: EventWatchStarted, HistoryID: strconv.FormatUint(w.HistoryID, 10), Detail: w.Expiration.Format(time.RFC3339)})
	return w, nil
}

// StopWatch cancels push notifications and forgets the stored expiration.
func (s *Session) StopWatch(ctx context.Context) error {
	if err := s.provider.Stop(ctx); err != nil {
		return fmt.Errorf("stop watch: %w", err)
	}
	for _, key := range []string{db.SettingWatchExpiration, db.SettingWatchHistoryID} {
		if err := s.db.DeleteSetting(key); err != nil && !errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("clear %s: %w", key, err)
		}
	}
	slog.Info("watch stopped")
	s.publish(Event{Type: EventWatchStopped})
	return nil
}

// WatchExpiration returns the stored watch expiry; ok is false when no watch
// has been started.
func (s *Session) WatchExpiration() (time.Time, bool, error) {
	setting, err := s.db.GetSetting(db.SettingWatchExpiration)
	if errors.Is(err, db.ErrNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	exp, err := time.Parse(time.RFC3339, setting.Value)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("stored watch expiration %q: %w", setting.Value, err)
	}
	return exp, true, nil
}

// RunWatchRenewal keeps the watch alive until ctx is done, re-issuing it
// renewBefore ahead of each expiry. Gmail watches lapse after seven days.
func (s *Session) RunWatchRenewal(ctx context.Context, renewBefore time.Duration) error {
	if s.watchTopic == "" {
		return ErrWatchNotConfigured
	}
	for {
		wait, err := s.renewIfDue(ctx, renewBefore)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("watch renewal failed", "error", err, "retry_in", watchRetryDelay)
			wait = watchRetryDelay
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// renewIfDue starts the watch when it is missing or close to expiry and
// returns how long to sleep before checking again.
func (s *Session) renewIfDue(ctx context.Context, renewBefore time.Duration) (time.Duration, error) {
	exp, ok, err := s.WatchExpiration()
	if err != nil {
		return 0, err
	}
	now := s.now()
	if !ok || exp.Sub(now) <= renewBefore {
		w, err := s.StartWatch(ctx)
		if err != nil {
			return 0, err
		}
		exp = w.Expiration
	}
	return renewalDelay(exp.Sub(now) - renewBefore), nil
}

func renewalDelay(untilRenewal time.Duration) time.Duration {
	switch {
	case untilRenewal < time.Minute:
		return time.Minute
	case untilRenewal > maxRenewalSleep:
		return maxRenewalSleep
	default:
		return untilRenewal
	}
}

// Status is a snapshot of the session for introspection.
type Status struct {
	Address         string     `json:"address"`
	Mode            string     `json:"mode"`
	Cursor          string     `json:"cursor,omitempty"`
	CursorUpdatedAt *time.Time `json:"cursorUpdatedAt,omitempty"`
	WatchTopic      string     `json:"watchTopic,omitempty"`
	WatchExpiration *time.Time `json:"watchExpiration,omitempty"`
	ActiveThreads   int        `json:"activeThreads"`
	TotalThreads    int        `json:"totalThreads"`
	Processed       int        `json:"processed"`
}

// Status reports the cursor, watch and counters.
func (s *Session) Status() (Status, error) {
	st := Status{Address: s.address, Mode: s.mode, WatchTopic: s.watchTopic}

	c, err := s.db.GetCursor(s.address)
	switch {
	case err == nil:
		st.Cursor = c.HistoryID
		updated := c.UpdatedAt
		st.CursorUpdatedAt = &updated
	case !errors.Is(err, db.ErrNotFound):
		return st, err
	}

	if exp, ok, err := s.WatchExpiration(); err != nil {
		return st, err
	} else if ok {
		st.WatchExpiration = &exp
	}

	threads, err := s.db.ListThreads("")
	if err != nil {
		return st, err
	}
	st.TotalThreads = len(threads)
	for _, t := range threads {
		if t.Status == db.ThreadStatusActive {
			st.ActiveThreads++
		}
	}

	if st.Processed, err = s.db.CountProcessed(); err != nil {
		return st, err
	}
	return st, nil
}
