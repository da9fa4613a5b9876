package room

import (
	"context"
	"time"

	"github.com/rebel47/StudySync/internal/presence"
	"github.com/rebel47/StudySync/internal/timer"
)

// Handlers receive change notifications for a subscribed room. The
// transport invokes them serially per subscription.
type Handlers struct {
	OnTimerChanged        func(timer.Snapshot)
	OnParticipantsChanged func(map[string]presence.Participant)
	OnChatMessage         func(ChatMessage)
	OnRoomDeleted         func()
}

// Unsubscribe releases a subscription. Safe to call more than once.
type Unsubscribe func()

// Transport is the publish/subscribe channel a session runs against. Two
// realizations ship: a NATS JetStream KV bucket (the hosted realtime
// database) and an in-process bus (the same-device broadcast channel).
//
// Now is the shared clock every replicated timestamp is stamped with. If
// each client stamped JoinedAt or StartedAtEpoch with its own
// unsynchronized clock, elapsed-time recomputation would drift.
type Transport interface {
	SetRoom(ctx context.Context, r Room) error
	GetRoom(ctx context.Context, roomID string) (Room, error)
	UpdateTimer(ctx context.Context, roomID string, snap timer.Snapshot) error
	UpdateHost(ctx context.Context, roomID, hostID string) error
	SetParticipant(ctx context.Context, roomID string, p presence.Participant) error
	RemoveParticipant(ctx context.Context, roomID, participantID string) error
	AppendChatMessage(ctx context.Context, roomID string, msg ChatMessage) error
	Subscribe(ctx context.Context, roomID string, h Handlers) (Unsubscribe, error)
	Now() time.Time
}
