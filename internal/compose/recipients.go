// Package compose builds reply-all messages: recipients, threading headers,
// bodies and the raw RFC 5322 bytes handed to a transport.
package compose

import (
	"net/mail"
	"sort"
	"strings"
)

// Incoming is the subset of a received message needed to answer it.
type Incoming struct {
	MessageID  string
	From       string
	To         []string
	Cc         []string
	Subject    string
	References []string
}

// Recipients of a reply.
type Recipients struct {
	To []string
	Cc []string
}

// ReplyAll addresses the reply to the sender of in and copies everyone else
// who received it, except self. Addresses are compared case-insensitively,
// de-duplicated and sorted.
func ReplyAll(in Incoming, self string) Recipients {
	sender := Address(in.From)
	senderKey := strings.ToLower(sender)
	selfKey := strings.ToLower(Address(self))

	seen := map[string]struct{}{}
	cc := make([]string, 0, len(in.To)+len(in.Cc))
	for _, group := range [][]string{in.To, in.Cc} {
		for _, addr := range Addresses(group...) {
			key := strings.ToLower(addr)
			if key == selfKey || key == senderKey {
				continue
			}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			cc = append(cc, addr)
		}
	}
	sort.Slice(cc, func(i, j int) bool {
		return strings.ToLower(cc[i]) < strings.ToLower(cc[j])
	})

	out := Recipients{Cc: cc}
	if sender != "" {
		out.To = []string{sender}
	}
	return out
}

// Address returns the bare address in a single header value such as
// "John <j@x.com>". Values that do not parse fall back to the text between
// angle brackets, then to the trimmed input.
func Address(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if addr, err := mail.ParseAddress(value); err == nil {
		return addr.Address
	}
	if open := strings.LastIndex(value, "<"); open >= 0 {
		if end := strings.Index(value[open:], ">"); end > 0 {
			return strings.TrimSpace(value[open+1 : open+end])
		}
	}
	return value
}

// Addresses flattens header values that may each hold a comma-separated list.
func Addresses(values ...string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if list, err := mail.ParseAddressList(value); err == nil {
			for _, addr := range list {
				out = append(out, addr.Address)
			}
			continue
		}
		for _, part := range splitList(value) {
			if addr, ok := validAddress(part); ok {
				out = append(out, addr)
			}
		}
	}
	return out
}

// splitList splits a header list on commas outside quoted strings and angle
// brackets, so a display name such as "Doe, John" stays whole.
func splitList(value string) []string {
	var parts []string
	var quoted, escaped bool
	depth, start := 0, 0
	for i := 0; i < len(value); i++ {
		c := value[i]
		switch {
		case escaped:
			escaped = false
		case quoted && c == '\\':
			escaped = true
		case c == '"':
			quoted = !quoted
		case quoted:
		case c == '<':
			depth++
		case c == '>' && depth > 0:
			depth--
		case c == ',' && depth == 0:
			parts = append(parts, value[start:i])
			start = i + 1
		}
	}
	return append(parts, value[start:])
}

// validAddress returns the bare address of one list entry, or false when the
// entry does not hold a deliverable address.
func validAddress(entry string) (string, bool) {
	addr := Address(entry)
	if addr == "" {
		return "", false
	}
	parsed, err := mail.ParseAddress(addr)
	if err != nil {
		return "", false
	}
	return parsed.Address, true
}

// SameAddress reports whether two header values name the same mailbox.
func SameAddress(a, b string) bool {
	a, b = Address(a), Address(b)
	return a != "" && strings.EqualFold(a, b)
}
