package room

import (
	"strings"
	"time"

	"github.com/jaevor/go-nanoid"
	"github.com/rebel47/StudySync/internal/presence"
	"github.com/rebel47/StudySync/internal/timer"
)

// TTL is how long a room lingers with no live participants before the
// transport may destroy it.
const TTL = 6 * time.Hour

// Room is the replicated record shared by every participant. The current
// host is the sole writer of Timer; each participant is the sole writer
// of its own entry in Participants. HostID is advisory and may lag.
type Room struct {
	ID           string                          `json:"id"`
	CreatedAt    time.Time                       `json:"created_at"`
	ExpiresAt    time.Time                       `json:"expires_at"`
	HostID       string                          `json:"host_id"`
	Participants map[string]presence.Participant `json:"participants"`
	Timer        timer.Snapshot                  `json:"timer"`
}

// Expired reports whether the room's lingering time-to-live has lapsed.
func (r Room) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// ChatMessage is one entry in the room's append-only chat feed.
type ChatMessage struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"sender_id,omitempty"`
	SenderName string    `json:"sender_name"`
	Text       string    `json:"text"`
	SentAt     time.Time `json:"sent_at"`
	System     bool      `json:"system,omitempty"`
}

// Room codes are short, human-typable, and unambiguous (no 0/O/1/I).
const (
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeLength   = 6
)

var newCode = func() func() string {
	gen, err := nanoid.CustomASCII(codeAlphabet, codeLength)
	if err != nil {
		panic(err)
	}
	return gen
}()

// NewCode generates a fresh room code.
func NewCode() string {
	return newCode()
}

// NormalizeCode upper-cases and trims a user-typed room code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
