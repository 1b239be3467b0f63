package api

import (
	"net/http"
	"strings"
	"testing"
)

func TestUnknownAPIRouteReturnsJSON404(t *testing.T) {
	env := setupTestEnv(t)
	env.setup("testpass123")

	resp := env.get("/api/does-not-exist")
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
	if ct := resp.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("expected JSON content type, got %q", ct)
	}

	var body map[string]string
	decodeResponse(t, resp, &body)
	if body["error"] == "" {
		t.Fatalf("expected structured error body, got %s", resp.Body.String())
	}
}

func TestWebhookRejectsGetWithJSON405(t *testing.T) {
	env := setupReadyEnv(t)

	resp := env.get("/webhook?token=push-secret")
	if resp.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.Code)
	}
	var body map[string]string
	decodeResponse(t, resp, &body)
	if body["error"] == "" {
		t.Fatalf("expected structured error body, got %s", resp.Body.String())
	}
}

func TestUnknownThreadReturnsJSON404(t *testing.T) {
	env := setupReadyEnv(t)
	env.setup("testpass123")

	resp := env.get("/api/threads/999")
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
	var body map[string]string
	decodeResponse(t, resp, &body)
	if body["error"] == "" {
		t.Fatalf("expected structured error body, got %s", resp.Body.String())
	}
}
