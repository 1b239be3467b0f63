// Package quote extracts the newest human-written part of a plain-text
// email reply by cutting away the quoted conversation below it.
package quote

import (
	"regexp"
	"strings"
)

// attributionLine matches reply attribution headers such as
//
//	On Mon, Jan 1, 2024 at 10:00 AM John <j@x.com> wrote:
//	Le lun. 1 janv. 2024 à 10:00, John <j@x.com> a écrit :
//	Le lun. 1 janv. 2024, John <j@x.com> écrit :
//	El lun, 1 ene 2024 a las 10:00, John (<j@x.com>) escribió:
//	Am Mo., 1. Jan. 2024 um 10:00 Uhr schrieb John <j@x.com>:
//
// The header must carry a year or a clock time, and may be wrapped onto a
// second line the way Gmail folds long sender names.
var attributionLine = regexp.MustCompile(
	`(?im)^[ \t]*(?:on|le|el|am)[ \t]+[^\n]*?(?:\d{4}|\d{1,2}:\d{2})[^\n]*(?:\n[^\n]*)?` +
		`(?:wrote|(?:a[ \t]+)?écrit|escribió|schrieb)[^\n]*:[ \t\r]*$`,
)

// Latest returns only the newest reply in body.
//
// An attribution header wins: everything before it is returned, trimmed.
// Otherwise the body is cut at the first line starting with ">". A ">" used in
// ordinary prose ahead of the real quote therefore truncates too early; that
// is a known limitation of the heuristic. A body that starts with a quoted
// line (bottom-posting) and a body with no quote markers come back whole,
// trimmed.
func Latest(body string) string {
	if idx := HeaderIndex(body); idx >= 0 {
		return strings.TrimSpace(body[:idx])
	}

	lines := strings.Split(body, "\n")
	for i, line := range lines {
		if !strings.HasPrefix(strings.TrimSpace(line), ">") {
			continue
		}
		if i == 0 {
			break
		}
		return strings.TrimSpace(strings.Join(lines[:i], "\n"))
	}
	return strings.TrimSpace(body)
}

// HeaderIndex returns the byte offset of the first attribution header in
// body, or -1 when there is none.
func HeaderIndex(body string) int {
	loc := attributionLine.FindStringIndex(body)
	if loc == nil {
		return -1
	}
	return loc[0]
}
