package logger

import "strings"

const previewLimit = 80

// Preview returns a bounded log-safe preview of viewer text.
func Preview(text string) string {
	trimmed := strings.TrimSpace(text)
	runes := []rune(trimmed)
	if len(runes) <= previewLimit {
		return trimmed
	}

	return string(runes[:previewLimit]) + "..."
}
