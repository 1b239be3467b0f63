package compose

import (
	"bytes"
	"errors"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"strings"
	"time"
)

// Message is an outgoing plain-text email.
type Message struct {
	From       string
	To         []string
	Cc         []string
	Subject    string
	Body       string
	MessageID  string
	InReplyTo  string
	References []string
	Date       time.Time
}

// Recipients returns every envelope recipient of m, de-duplicated.
func (m Message) Recipients() []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(m.To)+len(m.Cc))
	for _, addr := range Addresses(append(append([]string{}, m.To...), m.Cc...)...) {
		key := strings.ToLower(addr)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, addr)
	}
	return out
}

// Build renders m as RFC 5322 bytes with CRLF line endings.
func Build(m Message) ([]byte, error) {
	if strings.TrimSpace(m.From) == "" {
		return nil, errors.New("compose: from address is required")
	}
	if len(m.Recipients()) == 0 {
		return nil, errors.New("compose: at least one recipient is required")
	}

	subject := sanitizeHeader(m.Subject)
	if subject == "" {
		subject = "(no subject)"
	}
	date := m.Date
	if date.IsZero() {
		date = time.Now()
	}
	messageID := NormalizeMessageID(m.MessageID)
	if messageID == "" {
		messageID = NewMessageID(m.From)
	}

	headers := []string{
		fmt.Sprintf("From: %s", sanitizeHeader(m.From)),
		fmt.Sprintf("To: %s", joinHeader(m.To)),
	}
	if len(m.Cc) > 0 {
		headers = append(headers, fmt.Sprintf("Cc: %s", joinHeader(m.Cc)))
	}
	headers = append(headers,
		fmt.Sprintf("Subject: %s", mime.QEncoding.Encode("utf-8", subject)),
		fmt.Sprintf("Date: %s", date.Format(time.RFC1123Z)),
		fmt.Sprintf("Message-ID: %s", messageID),
	)
	if inReplyTo := NormalizeMessageID(m.InReplyTo); inReplyTo != "" {
		headers = append(headers, fmt.Sprintf("In-Reply-To: %s", inReplyTo))
	}
	if len(m.References) > 0 {
		refs := make([]string, 0, len(m.References))
		for _, ref := range m.References {
			if normalized := NormalizeMessageID(ref); normalized != "" {
				refs = append(refs, normalized)
			}
		}
		if len(refs) > 0 {
			headers = append(headers, fmt.Sprintf("References: %s", strings.Join(refs, " ")))
		}
	}
	headers = append(headers,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=UTF-8",
		"Content-Transfer-Encoding: quoted-printable",
	)

	var body bytes.Buffer
	qp := quotedprintable.NewWriter(&body)
	if _, err := qp.Write([]byte(normalizeBody(m.Body))); err != nil {
		return nil, fmt.Errorf("compose: encode body: %w", err)
	}
	if err := qp.Close(); err != nil {
		return nil, fmt.Errorf("compose: encode body: %w", err)
	}

	var out bytes.Buffer
	out.WriteString(strings.Join(headers, "\r\n"))
	out.WriteString("\r\n\r\n")
	out.Write(body.Bytes())
	out.WriteString("\r\n")
	return out.Bytes(), nil
}

func joinHeader(values []string) string {
	clean := make([]string, 0, len(values))
	for _, value := range values {
		if value = sanitizeHeader(value); value != "" {
			clean = append(clean, value)
		}
	}
	return strings.Join(clean, ", ")
}

func normalizeBody(body string) string {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	body = strings.ReplaceAll(body, "\r", "\n")
	body = strings.ReplaceAll(body, "\n", "\r\n")
	return strings.TrimSpace(body)
}
