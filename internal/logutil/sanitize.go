package logutil

import "strings"

// SanitizeForLog removes newlines and control characters from user-provided
// strings to prevent log injection attacks where attackers could inject
// fake log entries by including newline characters.
func SanitizeForLog(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	var result strings.Builder
	result.Grow(len(s))
	for _, r := range s {
		if r >= 32 && r != 127 {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// ShortID renders a client-supplied persistent identifier for log lines:
// sanitized and cut to its first 8 characters.
func ShortID(id string) string {
	id = SanitizeForLog(id)
	if r := []rune(id); len(r) > 8 {
		return string(r[:8])
	}
	return id
}
