package compose

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

// DefaultReplyTemplate answers the participants of a thread.
const DefaultReplyTemplate = `Hi,

Thanks for your message. This is what we received from {{.Sender}}:

{{quote .Latest}}

This reply was sent automatically.
`

// DefaultEchoTemplate summarizes a reply for the bot's own mailbox.
const DefaultEchoTemplate = `A new reply was received in thread '{{.Subject}}'.

From: {{.Sender}}

--- Latest Reply Content ---
{{.Latest}}
--- End of Reply ---

Tracked Thread ID: {{.ThreadID}}
Original Message ID of reply: {{.MessageID}}
`

// BodyData is what reply and echo templates render.
type BodyData struct {
	Sender    string
	Subject   string
	Latest    string
	ThreadID  string
	MessageID string
}

// ParseTemplate parses a body template. An empty text selects fallback.
func ParseTemplate(name, text, fallback string) (*template.Template, error) {
	if text == "" {
		text = fallback
	}
	tmpl, err := template.New(name).Funcs(template.FuncMap{"quote": quoteLines}).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("compose: parse %s template: %w", name, err)
	}
	return tmpl, nil
}

// Render executes tmpl with data.
func Render(tmpl *template.Template, data BodyData) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("compose: render %s: %w", tmpl.Name(), err)
	}
	return buf.String(), nil
}

// EchoSubject is the subject of the self-addressed summary of a reply.
func EchoSubject(subject string) string {
	return fmt.Sprintf("Echo: Reply in '%s'", sanitizeHeader(subject))
}

func quoteLines(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if line == "" {
			lines[i] = ">"
			continue
		}
		lines[i] = "> " + line
	}
	return strings.Join(lines, "\n")
}
