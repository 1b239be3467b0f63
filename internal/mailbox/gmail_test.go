package mailbox

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/api/option"
)

func newTestGmail(t *testing.T, mux *http.ServeMux) *Gmail {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	g, err := NewGmail(context.Background(),
		option.WithEndpoint(srv.URL+"/"),
		option.WithHTTPClient(srv.Client()),
	)
	if err != nil {
		t.Fatalf("NewGmail: %v", err)
	}
	return g
}

func writeAPIError(w http.ResponseWriter, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": code, "message": http.StatusText(code)},
	})
}

func TestGmailListHistory(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /gmail/v1/users/me/history", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("startHistoryId") != "100" {
			t.Errorf("startHistoryId = %q", q.Get("startHistoryId"))
		}
		if q.Get("historyTypes") != "messageAdded" {
			t.Errorf("historyTypes = %q", q.Get("historyTypes"))
		}
		w.Header().Set("Content-Type", "application/json")
		if q.Get("pageToken") == "" {
			w.Write([]byte(`{"history":[{"id":"101","messagesAdded":[{"message":{"id":"m1","threadId":"t1"}}]}],"nextPageToken":"p2","historyId":"110"}`))
			return
		}
		w.Write([]byte(`{"history":[{"id":"102","messagesAdded":[{"message":{"id":"m2","threadId":"t2"}},{"message":{"id":"m3","threadId":"t1"}}]}],"historyId":"110"}`))
	})
	g := newTestGmail(t, mux)

	page, err := g.ListHistory(context.Background(), 100, "")
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if page.NextPageToken != "p2" || page.HistoryID != 110 {
		t.Fatalf("unexpected page: %+v", page)
	}
	if len(page.Records) != 1 || page.Records[0].ID != 101 || page.Records[0].Added[0].ID != "m1" {
		t.Fatalf("unexpected records: %+v", page.Records)
	}

	page, err = g.ListHistory(context.Background(), 100, "p2")
	if err != nil {
		t.Fatalf("ListHistory page 2: %v", err)
	}
	if page.NextPageToken != "" || len(page.Records[0].Added) != 2 {
		t.Fatalf("unexpected second page: %+v", page)
	}
	if page.Records[0].Added[1] != (MessageRef{ID: "m3", ThreadID: "t1"}) {
		t.Fatalf("unexpected ref: %+v", page.Records[0].Added[1])
	}
}

func TestGmailListHistoryExpired(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /gmail/v1/users/me/history", func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, http.StatusNotFound)
	})
	g := newTestGmail(t, mux)

	_, err := g.ListHistory(context.Background(), 1, "")
	if !errors.Is(err, ErrHistoryExpired) {
		t.Fatalf("expected ErrHistoryExpired, got %v", err)
	}
}

func TestGmailUnauthorized(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /gmail/v1/users/me/profile", func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, http.StatusUnauthorized)
	})
	g := newTestGmail(t, mux)

	_, err := g.Profile(context.Background())
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestGmailClientErrorsDoNotTripBreaker(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /gmail/v1/users/me/messages/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, http.StatusNotFound)
	})
	g := newTestGmail(t, mux)

	for i := 0; i < 10; i++ {
		_, err := g.GetMessage(context.Background(), "gone")
		if !errors.Is(err, ErrMessageNotFound) {
			t.Fatalf("call %d: expected ErrMessageNotFound, got %v", i, err)
		}
	}
	if g.BreakerState() != "closed" {
		t.Fatalf("breaker state = %s, want closed", g.BreakerState())
	}
}

func TestGmailHistoryExpiredAfterMissingMessages(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /gmail/v1/users/me/messages/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, http.StatusNotFound)
	})
	mux.HandleFunc("GET /gmail/v1/users/me/history", func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, http.StatusNotFound)
	})
	g := newTestGmail(t, mux)

	for i := 0; i < 6; i++ {
		if _, err := g.GetMessage(context.Background(), "gone"); !errors.Is(err, ErrMessageNotFound) {
			t.Fatalf("call %d: expected ErrMessageNotFound, got %v", i, err)
		}
	}
	_, err := g.ListHistory(context.Background(), 1, "")
	if !errors.Is(err, ErrHistoryExpired) {
		t.Fatalf("expected ErrHistoryExpired, got %v", err)
	}
	if errors.Is(err, ErrUnavailable) {
		t.Fatalf("breaker opened on client errors: %v", err)
	}
	if g.BreakerState() != "closed" {
		t.Fatalf("breaker state = %s, want closed", g.BreakerState())
	}
}

func TestGmailServerErrorsTripBreaker(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /gmail/v1/users/me/profile", func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, http.StatusServiceUnavailable)
	})
	g := newTestGmail(t, mux)

	var err error
	for i := 0; i < 7; i++ {
		_, err = g.Profile(context.Background())
	}
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable once the breaker opens, got %v", err)
	}
}

func TestGmailGetMessage(t *testing.T) {
	body := base64.URLEncoding.EncodeToString([]byte("Thanks!\n\nOn Mon, Jan 1, 2024 at 10:00 AM John <j@x.com> wrote:\n> original"))
	mux := http.NewServeMux()
	mux.HandleFunc("GET /gmail/v1/users/me/messages/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("format") != "full" {
			t.Errorf("format = %q", r.URL.Query().Get("format"))
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":        r.PathValue("id"),
			"threadId":  "t1",
			"historyId": "120",
			"payload": map[string]any{
				"mimeType": "multipart/alternative",
				"headers": []map[string]string{
					{"name": "From", "value": "John <j@x.com>"},
					{"name": "To", "value": "bot@x.com, a@x.com"},
					{"name": "Cc", "value": "b@x.com"},
					{"name": "Subject", "value": "Re: Hello"},
					{"name": "Message-Id", "value": "<in@x.com>"},
					{"name": "References", "value": "<root@x.com>"},
				},
				"parts": []map[string]any{
					{"mimeType": "text/html", "body": map[string]any{"data": base64.URLEncoding.EncodeToString([]byte("<p>ignored</p>"))}},
					{"mimeType": "text/plain", "body": map[string]any{"data": body}},
				},
			},
		})
	})
	g := newTestGmail(t, mux)

	msg, err := g.GetMessage(context.Background(), "m1")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if msg.ID != "m1" || msg.ThreadID != "t1" || msg.HistoryID != 120 {
		t.Fatalf("unexpected ids: %+v", msg)
	}
	if msg.From != "John <j@x.com>" || msg.Subject != "Re: Hello" || msg.MessageID != "<in@x.com>" {
		t.Fatalf("unexpected headers: %+v", msg)
	}
	if len(msg.To) != 1 || msg.To[0] != "bot@x.com, a@x.com" || len(msg.Cc) != 1 {
		t.Fatalf("unexpected recipients: to=%v cc=%v", msg.To, msg.Cc)
	}
	if len(msg.References) != 1 || msg.References[0] != "<root@x.com>" {
		t.Fatalf("unexpected references: %v", msg.References)
	}
	if msg.Body == "" || msg.Body[:7] != "Thanks!" {
		t.Fatalf("unexpected body: %q", msg.Body)
	}
}

func TestGmailSend(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /gmail/v1/users/me/messages/send", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Raw      string `json:"raw"`
			ThreadID string `json:"threadId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		raw, err := base64.URLEncoding.DecodeString(req.Raw)
		if err != nil || string(raw) != "Subject: hi\r\n\r\nbody\r\n" {
			t.Errorf("raw = %q err=%v", raw, err)
		}
		if req.ThreadID != "t1" {
			t.Errorf("threadId = %q", req.ThreadID)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"s1","threadId":"t1"}`))
	})
	g := newTestGmail(t, mux)

	sent, err := g.Send(context.Background(), Outgoing{ThreadID: "t1", Raw: []byte("Subject: hi\r\n\r\nbody\r\n")})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if sent != (Sent{ID: "s1", ThreadID: "t1"}) {
		t.Fatalf("unexpected sent: %+v", sent)
	}
}

func TestGmailWatchAndStop(t *testing.T) {
	var stopped atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("POST /gmail/v1/users/me/watch", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			TopicName string   `json:"topicName"`
			LabelIDs  []string `json:"labelIds"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.TopicName != "projects/p/topics/gmail" || len(req.LabelIDs) != 1 || req.LabelIDs[0] != "INBOX" {
			t.Errorf("unexpected watch request: %+v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"historyId":"500","expiration":"1704103200000"}`))
	})
	mux.HandleFunc("POST /gmail/v1/users/me/stop", func(w http.ResponseWriter, r *http.Request) {
		stopped.Store(true)
		w.WriteHeader(http.StatusNoContent)
	})
	g := newTestGmail(t, mux)

	watch, err := g.Watch(context.Background(), "projects/p/topics/gmail", []string{"INBOX"})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if watch.HistoryID != 500 {
		t.Fatalf("historyId = %d", watch.HistoryID)
	}
	if want := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC); !watch.Expiration.Equal(want) {
		t.Fatalf("expiration = %v, want %v", watch.Expiration, want)
	}

	if err := g.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !stopped.Load() {
		t.Fatal("stop endpoint not called")
	}
}

func TestGmailProfile(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /gmail/v1/users/me/profile", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"emailAddress":"bot@x.com","historyId":"42"}`))
	})
	g := newTestGmail(t, mux)

	p, err := g.Profile(context.Background())
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if p != (Profile{EmailAddress: "bot@x.com", HistoryID: 42}) {
		t.Fatalf("unexpected profile: %+v", p)
	}
}
