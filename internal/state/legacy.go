package state

import (
	"strings"

	"alexwatch/internal/protocol"
)

// LegacyProgressStatus infers a progress status from free text. It exists
// only for servers that do not send the status field and is never consulted
// when the field is present.
func LegacyProgressStatus(message string) protocol.ProgressStatus {
	text := strings.ToLower(message)
	switch {
	case containsAny(text, "failed", "failure", "error"):
		return protocol.ProgressFailed
	case containsAny(text, "completed", "complete", "finished", "done", "✓"):
		return protocol.ProgressCompleted
	case containsAny(text, "starting", "started", "begin"):
		return protocol.ProgressStarted
	default:
		return protocol.ProgressRunning
	}
}

func containsAny(text string, keywords ...string) bool {
	for _, keyword := range keywords {
		if strings.Contains(text, keyword) {
			return true
		}
	}
	return false
}
