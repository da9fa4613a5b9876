package gateway

import (
	"encoding/json"
	"time"

	"github.com/rebel47/StudySync/internal/presence"
	"github.com/rebel47/StudySync/internal/timer"
)

// RoomEvent is the envelope for every server-to-client message.
type RoomEvent struct {
	ID        string          `json:"id"`
	RoomID    string          `json:"room_id"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// EventType represents the type of room event.
type EventType string

const (
	EventTypeJoined       EventType = "Joined"
	EventTypePresence     EventType = "PresenceChanged"
	EventTypeHostChanged  EventType = "HostChanged"
	EventTypeTimerSynced  EventType = "TimerSynced"
	EventTypeChatMessage  EventType = "ChatMessage"
	EventTypeConnectivity EventType = "ConnectivityChanged"
	EventTypeCompleted    EventType = "TimerCompleted"
	EventTypeError        EventType = "Error"
)

// JoinedPayload confirms the connection's place in the room.
type JoinedPayload struct {
	RoomID      string                 `json:"room_id"`
	Participant presence.Participant   `json:"participant"`
	IsHost      bool                   `json:"is_host"`
	Timer       timer.Snapshot         `json:"timer"`
	Peers       []presence.Participant `json:"peers"`
}

// PresencePayload carries the live participant set, join order.
type PresencePayload struct {
	Participants []presence.Participant `json:"participants"`
}

// HostChangedPayload announces a host hand-off.
type HostChangedPayload struct {
	HostID string `json:"host_id"`
	IsYou  bool   `json:"is_you"`
}

// ConnectivityPayload reports transport health.
type ConnectivityPayload struct {
	Connected bool `json:"connected"`
}

// CompletedPayload announces a finished interval.
type CompletedPayload struct {
	Mode        timer.Mode `json:"mode"`
	FocusCount  int        `json:"focus_count"`
	CompletedAt time.Time  `json:"completed_at"`
}

// ErrorPayload carries a user-visible failure.
type ErrorPayload struct {
	Message string `json:"message"`
}

// ClientCommand is the client-to-server message format.
type ClientCommand struct {
	Type        CommandType `json:"type"`
	Mode        string      `json:"mode,omitempty"`
	DurationSec int         `json:"duration_sec,omitempty"`
	Text        string      `json:"text,omitempty"`
}

// CommandType represents a client command.
type CommandType string

const (
	CommandStart   CommandType = "start"
	CommandPause   CommandType = "pause"
	CommandReset   CommandType = "reset"
	CommandSetMode CommandType = "set_mode"
	CommandChat    CommandType = "chat"
	CommandLeave   CommandType = "leave"
)
