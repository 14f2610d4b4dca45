// Package text cleans up feed-supplied HTML fragments so descriptions can
// be stored and rendered as plain text.
package text

import (
	"html"
	"regexp"
	"strings"
)

var (
	brTagPattern      = regexp.MustCompile(`((\r\n)|\r|\n)*<br */?>((\r\n)|\r|\n)*`)
	htmlTagPattern    = regexp.MustCompile(`<[^<>]*>`)
	multiBreakPattern = regexp.MustCompile(`((\r\n)|\r|\n){3,}`)
)

// Sanitize strips HTML tags from a feed description, converting <br> tags
// to line breaks, unescaping entities, and collapsing runs of blank lines.
func Sanitize(s string) string {
	if s == "" {
		return ""
	}
	out := brTagPattern.ReplaceAllString(s, "\n")
	out = htmlTagPattern.ReplaceAllString(out, "")
	out = html.UnescapeString(out)
	out = multiBreakPattern.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}
