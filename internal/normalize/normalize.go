// Package normalize holds the key normalization rules shared by task loading,
// target resolution, and reconciliation.
package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Target trims whitespace and adds an https scheme when none is present.
func Target(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	if !strings.Contains(s, "://") {
		s = "https://" + strings.TrimPrefix(s, "//")
	}
	return s
}

// CanonicalTarget strips the fragment, the query, and trailing separators so
// that equivalent links compare equal.
func CanonicalTarget(raw string) string {
	s := strings.TrimSpace(raw)
	if i := strings.IndexByte(s, '#'); i >= 0 {
		s = s[:i]
	}
	if i := strings.IndexByte(s, '?'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimRight(s, "/")
}

// Name applies NFKC normalization and case folding, then drops all
// whitespace.
func Name(raw string) string {
	if raw == "" {
		return ""
	}
	folded := cases.Fold().String(norm.NFKC.String(raw))
	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		if unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
