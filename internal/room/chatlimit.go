package room

import (
	"html"
	"strings"
	"time"
)

// Chat message limits.
const (
	MaxMessageRunes   = 200
	maxMessagesPerMin = 30
	minMessageGap     = time.Second
)

// ChatLimiter enforces the per-sender message rate: at most 30 messages a
// minute with at least a second between messages. Purely local; the
// transport is never consulted.
type ChatLimiter struct {
	lastMessage time.Time
	count       int
}

// Allow reports whether a message may be sent at the given instant.
func (l *ChatLimiter) Allow(now time.Time) bool {
	if now.Sub(l.lastMessage) > time.Minute {
		l.count = 0
	}
	if l.count >= maxMessagesPerMin {
		return false
	}
	if !l.lastMessage.IsZero() && now.Sub(l.lastMessage) < minMessageGap {
		return false
	}
	return true
}

// Record notes that a message was sent.
func (l *ChatLimiter) Record(now time.Time) {
	l.lastMessage = now
	l.count++
}

// SanitizeMessage trims, length-bounds, and escapes markup in an outgoing
// chat message. Returns the empty string for blank input.
func SanitizeMessage(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	runes := []rune(text)
	if len(runes) > MaxMessageRunes {
		text = string(runes[:MaxMessageRunes])
	}
	return html.EscapeString(text)
}
