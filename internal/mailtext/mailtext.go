// Package mailtext reduces mail bodies to the plain text the parsers expect.
package mailtext

import (
	"html"
	"regexp"
	"strings"
)

var (
	invisibleBlocks = regexp.MustCompile(`(?is)<(style|script|head)[^>]*>.*?</(style|script|head)>`)
	lineBreaks      = regexp.MustCompile(`(?i)<br\s*/?>|</(p|div|tr|li|h[1-6])>`)
	tags            = regexp.MustCompile(`<[^>]*>`)
)

// FromHTML renders an HTML body as text, one block element per line.
func FromHTML(body string) string {
	body = invisibleBlocks.ReplaceAllString(body, "")
	body = lineBreaks.ReplaceAllString(body, "\n")
	body = tags.ReplaceAllString(body, "")
	body = strings.ReplaceAll(html.UnescapeString(body), "\u00a0", " ")
	return Clean(body)
}

// Clean trims every line, drops empty lines and normalizes line endings.
func Clean(body string) string {
	body = strings.ReplaceAll(body, "\r\n", "\n")

	var lines []string
	for _, line := range strings.Split(body, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}
