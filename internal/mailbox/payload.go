package mailbox

import (
	"encoding/base64"
	"strings"

	"google.golang.org/api/gmail/v1"
)

func parseMessage(msg *gmail.Message) Message {
	out := Message{
		ID:        msg.Id,
		ThreadID:  msg.ThreadId,
		HistoryID: msg.HistoryId,
	}
	if msg.Payload == nil {
		return out
	}

	headers := msg.Payload.Headers
	out.MessageID = header(headers, "Message-ID")
	out.From = header(headers, "From")
	out.Subject = header(headers, "Subject")
	out.To = headerValues(headers, "To")
	out.Cc = headerValues(headers, "Cc")
	if refs := header(headers, "References"); refs != "" {
		out.References = strings.Fields(refs)
	}

	if text, ok := findBody(msg.Payload, "text/plain"); ok {
		out.Body = text
	} else if html, ok := findBody(msg.Payload, "text/html"); ok {
		out.Body = htmlToText(html)
	}
	return out
}

// findBody returns the first part of mimeType in depth-first order.
func findBody(part *gmail.MessagePart, mimeType string) (string, bool) {
	if part == nil {
		return "", false
	}
	if strings.EqualFold(part.MimeType, mimeType) && part.Body != nil && part.Body.Data != "" {
		if data, err := decodeData(part.Body.Data); err == nil {
			return string(data), true
		}
	}
	for _, child := range part.Parts {
		if text, ok := findBody(child, mimeType); ok {
			return text, true
		}
	}
	return "", false
}

// decodeData decodes Gmail's base64url body data, padded or not.
func decodeData(data string) ([]byte, error) {
	if decoded, err := base64.URLEncoding.DecodeString(data); err == nil {
		return decoded, nil
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
}

func header(headers []*gmail.MessagePartHeader, name string) string {
	for _, h := range headers {
		if h != nil && strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

func headerValues(headers []*gmail.MessagePartHeader, name string) []string {
	var out []string
	for _, h := range headers {
		if h != nil && strings.EqualFold(h.Name, name) && strings.TrimSpace(h.Value) != "" {
			out = append(out, h.Value)
		}
	}
	return out
}
