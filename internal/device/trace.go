package device

import (
	"log"

	"github.com/google/uuid"
)

// newTraceID tags one logical Call (across all of its retries) with a short
// correlation id, so `[DEBUG]` lines from overlapping calls on the same
// device can be told apart in a shared log stream.
func newTraceID() string {
	return uuid.NewString()[:8]
}

func debugf(trace, format string, args ...any) {
	log.Printf("[DEBUG] device trace=%s "+format, append([]any{trace}, args...)...)
}
