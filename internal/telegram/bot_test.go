package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestNotifySendsMessage(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bot123:abc/sendMessage" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Write([]byte(`{"ok":true,"result":{}}`))
	}))
	defer srv.Close()

	n := NewNotifier("123:abc", "42", srv.URL+"/")
	if err := n.Notify(context.Background(), "New reply from a@x.com"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if got["chat_id"] != "42" || got["text"] != "New reply from a@x.com" {
		t.Fatalf("unexpected payload: %v", got)
	}
}

func TestNotifyReportsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"ok":false,"description":"Bad Request: chat not found"}`))
	}))
	defer srv.Close()

	err := NewNotifier("123:abc", "42", srv.URL).Notify(context.Background(), "hi")
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("expected chat not found error, got %v", err)
	}
}

func TestNotifyRedactsTokenOnTransportError(t *testing.T) {
	err := NewNotifier("123:secret", "42", "http://127.0.0.1:1").Notify(context.Background(), "hi")
	if err == nil {
		t.Fatal("expected transport error")
	}
	if strings.Contains(err.Error(), "123:secret") {
		t.Fatalf("token leaked in error: %v", err)
	}
}

func TestTruncate(t *testing.T) {
	long := strings.Repeat("é", maxMessageLen+10)
	out := truncate(long, maxMessageLen)
	if utf8.RuneCountInString(out) > maxMessageLen {
		t.Fatalf("truncated to %d runes", utf8.RuneCountInString(out))
	}
	if !strings.HasSuffix(out, "…") {
		t.Fatalf("missing ellipsis")
	}
	if truncate("short", maxMessageLen) != "short" {
		t.Fatal("short text changed")
	}
}
