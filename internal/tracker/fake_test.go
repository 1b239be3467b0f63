package tracker

import (
	"bytes"
	"context"
	"net/mail"
	"sync"
	"testing"

	"github.com/miguel-bm/threadwatch/internal/db"
	"github.com/miguel-bm/threadwatch/internal/mailbox"
)

type fakeProvider struct {
	mu sync.Mutex

	pages      map[string]mailbox.HistoryPage
	listErr    error
	listStarts []uint64

	messages map[string]mailbox.Message
	getErrs  map[string]error
	gets     []string

	sendErr error
	sendRes mailbox.Sent
	sent    []mailbox.Outgoing

	watch    mailbox.Watch
	watchErr error
	watches  int
	stopped  bool
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		pages:    map[string]mailbox.HistoryPage{},
		messages: map[string]mailbox.Message{},
		getErrs:  map[string]error{},
	}
}

func (f *fakeProvider) ListHistory(ctx context.Context, startID uint64, pageToken string) (mailbox.HistoryPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listStarts = append(f.listStarts, startID)
	if f.listErr != nil {
		return mailbox.HistoryPage{}, f.listErr
	}
	return f.pages[pageToken], nil
}

func (f *fakeProvider) GetMessage(ctx context.Context, id string) (mailbox.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets = append(f.gets, id)
	if err := f.getErrs[id]; err != nil {
		return mailbox.Message{}, err
	}
	msg, ok := f.messages[id]
	if !ok {
		return mailbox.Message{}, mailbox.ErrMessageNotFound
	}
	return msg, nil
}

func (f *fakeProvider) Send(ctx context.Context, out mailbox.Outgoing) (mailbox.Sent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, out)
	if f.sendErr != nil {
		return mailbox.Sent{}, f.sendErr
	}
	res := f.sendRes
	if res.ThreadID == "" {
		res.ThreadID = out.ThreadID
	}
	return res, nil
}

func (f *fakeProvider) Watch(ctx context.Context, topic string, labelIDs []string) (mailbox.Watch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watches++
	return f.watch, f.watchErr
}

func (f *fakeProvider) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func (f *fakeProvider) Profile(ctx context.Context) (mailbox.Profile, error) {
	return mailbox.Profile{EmailAddress: "bot@x.com"}, nil
}

func (f *fakeProvider) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeNotifier struct {
	mu    sync.Mutex
	texts []string
}

func (n *fakeNotifier) Notify(ctx context.Context, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.texts = append(n.texts, text)
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(e Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

func openTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return database
}

func newTestSession(t *testing.T, provider *fakeProvider, opts Options) (*Session, *db.DB) {
	t.Helper()
	database := openTestDB(t)
	if opts.Address == "" {
		opts.Address = "bot@x.com"
	}
	s, err := New(database, provider, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, database
}

func trackThread(t *testing.T, database *db.DB, threadID string) *db.TrackedThread {
	t.Helper()
	thread, err := database.CreateThread(db.CreateThreadInput{
		ThreadID:    threadID,
		Participant: "a@x.com",
		Subject:     "Hello",
	})
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	return thread
}

func parseSent(t *testing.T, out mailbox.Outgoing) *mail.Message {
	t.Helper()
	msg, err := mail.ReadMessage(bytes.NewReader(out.Raw))
	if err != nil {
		t.Fatalf("parse sent message: %v", err)
	}
	return msg
}
