package takeover

import (
	"strings"

	"github.com/chatforge/jobs-service/internal/database"
)

// ShouldRespond reports whether an expired takeover leaves a user message
// waiting for an answer: the most recent message exists, was authored by
// the user, and is non-empty.
func ShouldRespond(last *database.Message) bool {
	if last == nil {
		return false
	}
	if last.Role != "user" {
		return false
	}
	return strings.TrimSpace(last.Content) != ""
}
