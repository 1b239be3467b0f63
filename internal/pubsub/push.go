// Package pubsub decodes Cloud Pub/Sub push deliveries carrying Gmail
// mailbox notifications.
package pubsub

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ErrMalformed marks a delivery that can never be processed; the push
// endpoint answers it with a 4xx so Pub/Sub stops retrying.
var ErrMalformed = errors.New("pubsub: malformed push payload")

// MaxBodyBytes bounds a push request body.
const MaxBodyBytes = 1 << 20

// Envelope is the JSON body of a push request.
type Envelope struct {
	Message struct {
		Data        string            `json:"data"`
		MessageID   string            `json:"messageId"`
		PublishTime string            `json:"publishTime"`
		Attributes  map[string]string `json:"attributes,omitempty"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// Notification is the decoded Gmail payload.
type Notification struct {
	EmailAddress string
	HistoryID    uint64
	// DeliveryID is the Pub/Sub message ID, for logging.
	DeliveryID   string
	Subscription string
}

type payload struct {
	EmailAddress string          `json:"emailAddress"`
	HistoryID    json.RawMessage `json:"historyId"`
}

// DecodePush reads a push request body. Every failure wraps ErrMalformed.
func DecodePush(r io.Reader) (Notification, error) {
	body, err := io.ReadAll(io.LimitReader(r, MaxBodyBytes+1))
	if err != nil {
		return Notification{}, fmt.Errorf("%w: read body: %w", ErrMalformed, err)
	}
	if len(body) > MaxBodyBytes {
		return Notification{}, fmt.Errorf("%w: body exceeds %d bytes", ErrMalformed, MaxBodyBytes)
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Notification{}, fmt.Errorf("%w: envelope: %w", ErrMalformed, err)
	}
	if env.Message.Data == "" {
		return Notification{}, fmt.Errorf("%w: message.data is empty", ErrMalformed)
	}

	data, err := decodeBase64(env.Message.Data)
	if err != nil {
		return Notification{}, fmt.Errorf("%w: message.data: %w", ErrMalformed, err)
	}

	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Notification{}, fmt.Errorf("%w: notification: %w", ErrMalformed, err)
	}
	historyID, err := parseHistoryID(p.HistoryID)
	if err != nil {
		return Notification{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	return Notification{
		EmailAddress: strings.TrimSpace(p.EmailAddress),
		HistoryID:    historyID,
		DeliveryID:   env.Message.MessageID,
		Subscription: env.Subscription,
	}, nil
}

// decodeBase64 accepts standard and URL-safe alphabets, padded or not.
func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if data, err := enc.DecodeString(s); err == nil {
			return data, nil
		}
	}
	return nil, errors.New("not valid base64")
}

// parseHistoryID accepts a JSON number or numeric string. An absent, null or
// empty historyId yields zero, leaving the rejection to the caller once it
// has checked the mailbox.
func parseHistoryID(raw json.RawMessage) (uint64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, nil
	}
	text := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return 0, fmt.Errorf("historyId: %w", err)
		}
		text = strings.TrimSpace(text)
		if text == "" {
			return 0, nil
		}
	}
	id, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("historyId %q is not a positive integer", text)
	}
	if id == 0 {
		return 0, errors.New("historyId must be positive")
	}
	return id, nil
}
