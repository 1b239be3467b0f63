package tracker

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/miguel-bm/threadwatch/internal/db"
	"github.com/miguel-bm/threadwatch/internal/mailbox"
	"github.com/miguel-bm/threadwatch/internal/threadlifecycle"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestStartThread(t *testing.T) {
	provider := newFakeProvider()
	provider.sendRes = mailbox.Sent{ID: "s0", ThreadID: "t9"}
	events := &recordingPublisher{}
	s, database := newTestSession(t, provider, Options{Publisher: events})

	thread, err := s.StartThread(ctx, StartThreadInput{To: "Alice <a@x.com>", Subject: "Hello", Body: "Hi there"})
	if err != nil {
		t.Fatalf("StartThread: %v", err)
	}
	if thread.ThreadID != "t9" || thread.Participant != "a@x.com" || thread.Status != db.ThreadStatusActive {
		t.Fatalf("thread = %+v", thread)
	}
	if thread.InitialMessageID == nil || !strings.HasPrefix(*thread.InitialMessageID, "<") {
		t.Fatalf("initial message id = %v", thread.InitialMessageID)
	}

	out := provider.sent[0]
	if out.ThreadID != "" || strings.Join(out.Recipients, ",") != "a@x.com" {
		t.Fatalf("outgoing = %+v", out)
	}
	msg := parseSent(t, out)
	if msg.Header.Get("Subject") != "Hello" || msg.Header.Get("Message-Id") != *thread.InitialMessageID {
		t.Fatalf("headers: %v", msg.Header)
	}

	p, err := database.GetProcessed("s0")
	if err != nil || p.Outcome != db.OutcomeFromSelf {
		t.Fatalf("initial message processed = %+v, err = %v", p, err)
	}
	if got := strings.Join(events.types(), ","); got != EventThreadStarted {
		t.Fatalf("events = %s", got)
	}
}

func TestStartThreadRejectsBadInput(t *testing.T) {
	provider := newFakeProvider()
	s, _ := newTestSession(t, provider, Options{})

	if _, err := s.StartThread(ctx, StartThreadInput{To: "not-an-address", Body: "x"}); err == nil {
		t.Fatal("expected recipient error")
	}
	if _, err := s.StartThread(ctx, StartThreadInput{To: "a@x.com", Body: "  "}); err == nil {
		t.Fatal("expected body error")
	}
	if provider.sentCount() != 0 {
		t.Fatalf("sent %d messages", provider.sentCount())
	}
}

func TestStartThreadSendFailureTracksNothing(t *testing.T) {
	provider := newFakeProvider()
	provider.sendErr = errors.New("boom")
	s, database := newTestSession(t, provider, Options{})

	if _, err := s.StartThread(ctx, StartThreadInput{To: "a@x.com", Subject: "Hi", Body: "Hello"}); err == nil {
		t.Fatal("expected send error")
	}
	threads, err := database.ListThreads("")
	if err != nil || len(threads) != 0 {
		t.Fatalf("threads = %v, err = %v", threads, err)
	}
}

func TestTransitionThread(t *testing.T) {
	events := &recordingPublisher{}
	s, database := newTestSession(t, newFakeProvider(), Options{Publisher: events})
	thread := trackThread(t, database, "t1")

	paused, err := s.TransitionThread(thread.ID, threadlifecycle.EventPause)
	if err != nil || paused.Status != db.ThreadStatusPaused {
		t.Fatalf("pause: %+v, %v", paused, err)
	}
	// A repeated pause is a no-op and publishes nothing.
	if _, err := s.TransitionThread(thread.ID, threadlifecycle.EventPause); err != nil {
		t.Fatalf("repeat pause: %v", err)
	}
	if _, err := s.TransitionThread(thread.ID, threadlifecycle.EventClose); err != nil {
		t.Fatalf("close: %v", err)
	}
	_, err = s.TransitionThread(thread.ID, threadlifecycle.EventResume)
	if !errors.Is(err, threadlifecycle.ErrInvalidTransition) {
		t.Fatalf("resume closed thread: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := s.TransitionThread("missing", threadlifecycle.EventPause); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if got := strings.Join(events.types(), ","); got != "thread_updated,thread_updated" {
		t.Fatalf("events = %s", got)
	}
}

func TestStartWatchSeedsEmptyCursor(t *testing.T) {
	provider := newFakeProvider()
	provider.watch = mailbox.Watch{HistoryID: 700, Expiration: fixedNow.Add(7 * 24 * time.Hour)}
	s, _ := newTestSession(t, provider, Options{WatchTopic: "projects/p/topics/t"})

	w, err := s.StartWatch(ctx)
	if err != nil {
		t.Fatalf("StartWatch: %v", err)
	}
	if w.HistoryID != 700 || cursorOf(t, s) != 700 {
		t.Fatalf("watch %+v, cursor %d", w, cursorOf(t, s))
	}
	exp, ok, err := s.WatchExpiration()
	if err != nil || !ok || !exp.Equal(w.Expiration) {
		t.Fatalf("expiration = %v, %v, %v", exp, ok, err)
	}
}

func TestStartWatchKeepsExistingCursor(t *testing.T) {
	provider := newFakeProvider()
	provider.watch = mailbox.Watch{HistoryID: 700, Expiration: fixedNow.Add(time.Hour)}
	s, database := newTestSession(t, provider, Options{WatchTopic: "projects/p/topics/t"})
	seedCursor(t, database, "100")

	if _, err := s.StartWatch(ctx); err != nil {
		t.Fatal(err)
	}
	if cursorOf(t, s) != 100 {
		t.Fatalf("cursor = %d, want 100", cursorOf(t, s))
	}
}

func TestStartWatchRequiresTopic(t *testing.T) {
	provider := newFakeProvider()
	s, _ := newTestSession(t, provider, Options{})
	if _, err := s.StartWatch(ctx); !errors.Is(err, ErrWatchNotConfigured) {
		t.Fatalf("expected ErrWatchNotConfigured, got %v", err)
	}
	if provider.watches != 0 {
		t.Fatal("provider watch called without topic")
	}
}

func TestStopWatchClearsExpiration(t *testing.T) {
	provider := newFakeProvider()
	provider.watch = mailbox.Watch{HistoryID: 10, Expiration: fixedNow}
	s, _ := newTestSession(t, provider, Options{WatchTopic: "projects/p/topics/t"})

	if _, err := s.StartWatch(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.StopWatch(ctx); err != nil {
		t.Fatalf("StopWatch: %v", err)
	}
	if !provider.stopped {
		t.Fatal("provider stop not called")
	}
	if _, ok, err := s.WatchExpiration(); ok || err != nil {
		t.Fatalf("expiration still stored: ok=%v err=%v", ok, err)
	}
	// Stopping twice is harmless.
	if err := s.StopWatch(ctx); err != nil {
		t.Fatalf("second StopWatch: %v", err)
	}
}

func TestRenewIfDue(t *testing.T) {
	provider := newFakeProvider()
	provider.watch = mailbox.Watch{HistoryID: 10, Expiration: fixedNow.Add(7 * 24 * time.Hour)}
	s, database := newTestSession(t, provider, Options{WatchTopic: "projects/p/topics/t"})
	s.now = func() time.Time { return fixedNow }

	// No watch yet: start one.
	wait, err := s.renewIfDue(ctx, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if provider.watches != 1 || wait != maxRenewalSleep {
		t.Fatalf("watches=%d wait=%v", provider.watches, wait)
	}

	// Fresh watch: nothing to do.
	if _, err := s.renewIfDue(ctx, 24*time.Hour); err != nil {
		t.Fatal(err)
	}
	if provider.watches != 1 {
		t.Fatalf("fresh watch renewed: watches=%d", provider.watches)
	}

	// Close to expiry: renew.
	soon := fixedNow.Add(2 * time.Hour).Format(time.RFC3339)
	if _, err := database.SetSetting(db.SettingWatchExpiration, soon); err != nil {
		t.Fatal(err)
	}
	if _, err := s.renewIfDue(ctx, 24*time.Hour); err != nil {
		t.Fatal(err)
	}
	if provider.watches != 2 {
		t.Fatalf("expiring watch not renewed: watches=%d", provider.watches)
	}
}

func TestRenewalDelayBounds(t *testing.T) {
	cases := []struct {
		in, want time.Duration
	}{
		{-time.Hour, time.Minute},
		{30 * time.Second, time.Minute},
		{3 * time.Hour, 3 * time.Hour},
		{48 * time.Hour, maxRenewalSleep},
	}
	for _, tc := range cases {
		if got := renewalDelay(tc.in); got != tc.want {
			t.Errorf("renewalDelay(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestStatus(t *testing.T) {
	provider := newFakeProvider()
	provider.watch = mailbox.Watch{HistoryID: 42, Expiration: fixedNow}
	s, database := newTestSession(t, provider, Options{WatchTopic: "projects/p/topics/t"})

	st, err := s.Status()
	if err != nil {
		t.Fatal(err)
	}
	if st.Cursor != "" || st.WatchExpiration != nil || st.TotalThreads != 0 {
		t.Fatalf("empty status = %+v", st)
	}

	trackThread(t, database, "t1")
	paused := trackThread(t, database, "t2")
	if _, err := s.TransitionThread(paused.ID, threadlifecycle.EventPause); err != nil {
		t.Fatal(err)
	}
	if _, err := database.MarkProcessed("m1", "t1", db.OutcomeUntracked); err != nil {
		t.Fatal(err)
	}
	if _, err := s.StartWatch(ctx); err != nil {
		t.Fatal(err)
	}

	st, err = s.Status()
	if err != nil {
		t.Fatal(err)
	}
	if st.Address != "bot@x.com" || st.Mode != ModeReplyAll || st.Cursor != "42" {
		t.Fatalf("status = %+v", st)
	}
	if st.TotalThreads != 2 || st.ActiveThreads != 1 || st.Processed != 1 {
		t.Fatalf("counts = %+v", st)
	}
	if st.WatchExpiration == nil || !st.WatchExpiration.Equal(fixedNow) {
		t.Fatalf("watch expiration = %v", st.WatchExpiration)
	}
}
