// Package sanitize cleans user input and flags script or query injection attempts.
package sanitize

import (
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// Kind classifies a suspicious input.
type Kind string

const (
	KindXSS       Kind = "xss"
	KindInjection Kind = "sql_injection"
)

// Finding describes one suspicious field.
type Finding struct {
	Field string
	Kind  Kind
	Input string
}

var (
	xssPattern = regexp.MustCompile(`(?i)(<\s*/?\s*(script|iframe|object|embed|svg|style|link|meta)\b|javascript\s*:|vbscript\s*:|data\s*:\s*text/html|\bon[a-z]+\s*=)`)

	// Only structural shapes: a quote closed and followed by a tautology or a
	// comment, a stacked destructive statement, or a UNION SELECT. Bare SQL
	// keywords appear in ordinary notes and are not flagged.
	injectionPattern = regexp.MustCompile(`(?i)(\bunion\s+(all\s+)?select\b|'\s*(or|and)\s+'?\w+'?\s*(=|<|>|like\b)|'\s*(--|#|/\*|;)|;\s*(drop\s+(table|database)|truncate\s+table|shutdown|exec(ute)?\s)|\b(sleep|benchmark)\s*\(\s*\d|\bwaitfor\s+delay\s+')`)
)

const phoneChars = "0123456789+- ()"

// Sanitizer strips markup from text fields.
type Sanitizer struct {
	policy *bluemonday.Policy
}

// New returns a Sanitizer that allows no markup at all.
func New() *Sanitizer {
	return &Sanitizer{policy: bluemonday.StrictPolicy()}
}

// Text removes all HTML from s and trims surrounding whitespace.
// The result is HTML-escaped plain text.
func (s *Sanitizer) Text(in string) string {
	return strings.TrimSpace(s.policy.Sanitize(in))
}

// Phone strips markup and keeps only characters valid in a phone number.
func (s *Sanitizer) Phone(in string) string {
	stripped := html.UnescapeString(s.policy.Sanitize(in))
	var b strings.Builder
	for _, r := range stripped {
		if strings.ContainsRune(phoneChars, r) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// HasMarkup reports whether in contains markup or script vectors.
func (s *Sanitizer) HasMarkup(in string) bool {
	if xssPattern.MatchString(in) {
		return true
	}
	if !strings.ContainsAny(in, "<>") {
		return false
	}
	return s.policy.Sanitize(in) != html.EscapeString(in)
}

// HasInjection reports whether in looks like a query injection attempt.
func HasInjection(in string) bool {
	return injectionPattern.MatchString(in)
}

// Inspect checks each field and returns the first finding per field.
func (s *Sanitizer) Inspect(fields map[string]string) []Finding {
	var out []Finding
	for name, v := range fields {
		switch {
		case v == "":
		case s.HasMarkup(v):
			out = append(out, Finding{Field: name, Kind: KindXSS, Input: v})
		case HasInjection(v):
			out = append(out, Finding{Field: name, Kind: KindInjection, Input: v})
		}
	}
	return out
}
