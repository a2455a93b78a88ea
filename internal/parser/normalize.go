package parser

import (
	"regexp"
	"strings"
)

var (
	spaceRun   = regexp.MustCompile(` +`)
	newlineRun = regexp.MustCompile(`\n{3,}`)
)

// Normalize strips NUL bytes (Postgres rejects them in text columns),
// collapses runs of spaces and of three or more newlines, and trims.
// Normalize(Normalize(s)) == Normalize(s).
func Normalize(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	s = spaceRun.ReplaceAllString(s, " ")
	s = newlineRun.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
