package compose

import (
	"fmt"
	"strings"
	"time"
)

// Threading carries the headers that keep a reply in its conversation.
type Threading struct {
	InReplyTo  string
	References []string
}

// ThreadHeaders answers a message with the given Message-ID and References.
// The new References list is the incoming one followed by the incoming
// Message-ID, angle-bracketed and without duplicates.
func ThreadHeaders(messageID string, references []string) Threading {
	id := NormalizeMessageID(messageID)

	seen := map[string]struct{}{}
	refs := make([]string, 0, len(references)+1)
	add := func(ref string) {
		ref = NormalizeMessageID(ref)
		if ref == "" {
			return
		}
		if _, ok := seen[ref]; ok {
			return
		}
		seen[ref] = struct{}{}
		refs = append(refs, ref)
	}
	for _, ref := range references {
		for _, field := range strings.Fields(ref) {
			add(field)
		}
	}
	add(id)

	return Threading{InReplyTo: id, References: refs}
}

// ReplySubject prefixes subject with "Re: " unless it already has one.
func ReplySubject(subject string) string {
	subject = sanitizeHeader(subject)
	if subject == "" {
		return "Re: (no subject)"
	}
	if len(subject) >= 3 && strings.EqualFold(subject[:3], "re:") {
		return subject
	}
	return "Re: " + subject
}

// NormalizeMessageID wraps value in angle brackets. Empty input stays empty.
func NormalizeMessageID(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if strings.HasPrefix(value, "<") && strings.HasSuffix(value, ">") {
		return value
	}
	trimmed := strings.Trim(value, "<>")
	if trimmed == "" {
		return ""
	}
	return "<" + trimmed + ">"
}

// NewMessageID returns a fresh Message-ID under the domain of address.
func NewMessageID(address string) string {
	domain := "localhost"
	address = Address(address)
	if at := strings.LastIndex(address, "@"); at >= 0 && at < len(address)-1 {
		domain = address[at+1:]
	}
	return fmt.Sprintf("<%d.threadwatch@%s>", time.Now().UnixNano(), domain)
}

func sanitizeHeader(value string) string {
	value = strings.ReplaceAll(value, "\r", " ")
	value = strings.ReplaceAll(value, "\n", " ")
	return strings.TrimSpace(value)
}
