package model

import (
	"net/http"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// RedactedValue replaces the value of every sensitive header in run logs.
const RedactedValue = "***redacted***"

// TruncationMarker is appended to values cut by Truncate.
const TruncationMarker = "…(truncated)"

var sensitiveHeaderParts = []string{"authorization", "cookie", "token", "apikey"}

// SensitiveHeader reports whether a header's value must never be logged.
// Names are compared with case and separators removed, so X-API-Key,
// x_api_key and XApiKey are all caught.
func SensitiveHeader(name string) bool {
	folded := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return -1
	}, name)
	for _, part := range sensitiveHeaderParts {
		if strings.Contains(folded, part) {
			return true
		}
	}
	return false
}

// RedactHeaders flattens h for logging with sensitive values replaced.
func RedactHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if SensitiveHeader(k) {
			out[k] = RedactedValue
			continue
		}
		out[k] = strings.Join(h[k], ", ")
	}
	return out
}

// Truncate cuts s to at most n runes, marking the cut.
func Truncate(s string, n int) string {
	if n < 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + TruncationMarker
}
