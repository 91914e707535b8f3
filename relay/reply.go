package relay

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// DefaultMaxReplyChars is the character budget for one reply.
const DefaultMaxReplyChars = 3000

// TruncationMarker is appended to replies cut at the character budget.
const TruncationMarker = "...\n\n(truncated)"

var (
	// ErrTransportClosed is returned by Run when the event stream ends.
	ErrTransportClosed = errors.New("transport closed")
	// ErrOutboxStopped is returned by Enqueue after the writer loop exits.
	ErrOutboxStopped = errors.New("reply outbox stopped")
	// ErrCancelled is the cause attached to operator-cancelled tasks.
	ErrCancelled = errors.New("analysis cancelled")
	// errTimeout is the cause attached when a task exceeds its deadline.
	errTimeout = errors.New("analysis timed out")
)

// Truncate trims text and caps it at max characters, appending
// TruncationMarker when anything was cut. Text of exactly max characters is
// returned unchanged.
func Truncate(text string, max int) string {
	text = strings.TrimSpace(text)
	if max <= 0 || utf8.RuneCountInString(text) <= max {
		return text
	}
	n := 0
	for i := range text {
		if n == max {
			return text[:i] + TruncationMarker
		}
		n++
	}
	return text
}

func failureText(desc string) string {
	return "Analysis failed: " + desc
}

func timeoutText(d time.Duration) string {
	return fmt.Sprintf("Analysis failed: timed out after %s", d)
}

const (
	cancelledText = "Analysis cancelled"
	busyText      = "Busy right now, please send the link again in a few minutes."
)
