// Package telegram pushes reply summaries to a Telegram chat.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const DefaultBaseURL = "https://api.telegram.org"

// Telegram rejects longer messages.
const maxMessageLen = 4096

// Notifier sends plain-text messages to one chat through the Bot API.
type Notifier struct {
	token   string
	chatID  string
	baseURL string
	client  *http.Client
}

// NewNotifier creates a notifier for chatID. An empty baseURL selects the
// public Bot API.
func NewNotifier(token, chatID, baseURL string) *Notifier {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Notifier{
		token:   token,
		chatID:  chatID,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// Notify sends text to the configured chat.
func (n *Notifier) Notify(ctx context.Context, text string) error {
	text = truncate(text, maxMessageLen)
	payload := map[string]any{
		"chat_id":                  n.chatID,
		"text":                     text,
		"disable_web_page_preview": true,
	}
	if err := n.sendJSON(ctx, "sendMessage", payload); err != nil {
		return err
	}
	slog.Debug("telegram notification sent", "chat_id", n.chatID, "len", len(text))
	return nil
}

func (n *Notifier) sendJSON(ctx context.Context, method string, payload any) error {
	apiURL := fmt.Sprintf("%s/bot%s/%s", n.baseURL, n.token, method)

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		// The URL carries the bot token; keep it out of logs.
		return fmt.Errorf("telegram %s failed: %s", method, redact(err.Error(), n.token))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("telegram read response: %w", err)
	}
	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return fmt.Errorf("telegram %s: status %d: %w", method, resp.StatusCode, err)
	}
	if !result.OK {
		return fmt.Errorf("telegram %s: status %d: %s", method, resp.StatusCode, result.Description)
	}
	return nil
}

func truncate(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max-2]) + "\n…"
}

func redact(s, secret string) string {
	if secret == "" {
		return s
	}
	return strings.ReplaceAll(s, secret, "<redacted>")
}
