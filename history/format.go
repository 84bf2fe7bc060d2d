package history

import (
	"fmt"
	"strings"
)

// formatContext renders records as a context block, one paragraph per exchange.
func formatContext(scope string, records []*Record) string {
	if len(records) == 0 {
		return ""
	}

	var parts []string
	parts = append(parts, fmt.Sprintf("Previous conversation (%s):", scope))
	for _, r := range records {
		parts = append(parts, r.Format())
	}
	return strings.Join(parts, "\n\n")
}

// truncateLog truncates text for logging.
func truncateLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
