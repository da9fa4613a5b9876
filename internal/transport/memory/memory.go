// Package memory is the in-process Transport: the Go analogue of a
// same-device broadcast channel. All sessions sharing one Bus see each
// other; state lives in a map guarded by a mutex and change notifications
// fan out over buffered per-subscriber channels.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/rebel47/StudySync/internal/presence"
	"github.com/rebel47/StudySync/internal/room"
	"github.com/rebel47/StudySync/internal/timer"
)

const subscriberBuffer = 64

type eventKind int

const (
	eventTimer eventKind = iota
	eventParticipants
	eventChat
	eventDeleted
)

type event struct {
	kind         eventKind
	snap         timer.Snapshot
	participants map[string]presence.Participant
	msg          room.ChatMessage
}

type subscriber struct {
	handlers room.Handlers
	ch       chan event
	done     chan struct{}
}

type roomEntry struct {
	rec  room.Room
	subs map[int]*subscriber
}

// Bus implements room.Transport for sessions in the same process.
type Bus struct {
	clock clockwork.Clock

	mu      sync.Mutex
	rooms   map[string]*roomEntry
	nextSub int
}

// NewBus returns an empty bus using the given clock as the shared
// timestamp source.
func NewBus(clock clockwork.Clock) *Bus {
	return &Bus{
		clock: clock,
		rooms: make(map[string]*roomEntry),
	}
}

// Now implements the shared clock every replicated timestamp uses.
func (b *Bus) Now() time.Time {
	return b.clock.Now()
}

// SetRoom creates or replaces a room record.
func (b *Bus) SetRoom(_ context.Context, r room.Room) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.rooms[r.ID]
	if !ok {
		entry = &roomEntry{subs: make(map[int]*subscriber)}
		b.rooms[r.ID] = entry
	}
	entry.rec = cloneRoom(r)
	return nil
}

// GetRoom returns a room record, treating expired lingering rooms as
// gone.
func (b *Bus) GetRoom(_ context.Context, roomID string) (room.Room, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.rooms[roomID]
	if !ok {
		return room.Room{}, room.ErrRoomNotFound
	}
	if entry.rec.Expired(b.clock.Now()) && len(entry.rec.Participants) <= 1 {
		return room.Room{}, room.ErrRoomNotFound
	}
	return cloneRoom(entry.rec), nil
}

// UpdateTimer overwrites the room's timer snapshot and notifies
// subscribers. Last write wins; there is no version comparison.
func (b *Bus) UpdateTimer(_ context.Context, roomID string, snap timer.Snapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.rooms[roomID]
	if !ok {
		return room.ErrRoomNotFound
	}
	entry.rec.Timer = snap
	b.broadcast(entry, event{kind: eventTimer, snap: snap})
	return nil
}

// UpdateHost updates the advisory host pointer.
func (b *Bus) UpdateHost(_ context.Context, roomID, hostID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.rooms[roomID]
	if !ok {
		return room.ErrRoomNotFound
	}
	entry.rec.HostID = hostID
	return nil
}

// SetParticipant inserts or overwrites one participant record. Activity
// extends the room's lingering time-to-live.
func (b *Bus) SetParticipant(_ context.Context, roomID string, p presence.Participant) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.rooms[roomID]
	if !ok {
		return room.ErrRoomNotFound
	}
	if entry.rec.Participants == nil {
		entry.rec.Participants = make(map[string]presence.Participant)
	}
	entry.rec.Participants[p.ID] = p
	entry.rec.ExpiresAt = b.clock.Now().Add(room.TTL)
	b.broadcast(entry, event{kind: eventParticipants, participants: cloneParticipants(entry.rec.Participants)})
	return nil
}

// RemoveParticipant drops a participant; the room is destroyed when the
// last one leaves.
func (b *Bus) RemoveParticipant(_ context.Context, roomID, participantID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.rooms[roomID]
	if !ok {
		return room.ErrRoomNotFound
	}
	delete(entry.rec.Participants, participantID)
	if len(entry.rec.Participants) == 0 {
		b.deleteRoom(roomID, entry)
		return nil
	}
	b.broadcast(entry, event{kind: eventParticipants, participants: cloneParticipants(entry.rec.Participants)})
	return nil
}

// AppendChatMessage fans a chat message out to subscribers. Messages are
// not retained beyond delivery; there is no history.
func (b *Bus) AppendChatMessage(_ context.Context, roomID string, msg room.ChatMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.rooms[roomID]
	if !ok {
		return room.ErrRoomNotFound
	}
	b.broadcast(entry, event{kind: eventChat, msg: msg})
	return nil
}

// Subscribe registers handlers for a room's change feed. Handlers run on
// a dedicated goroutine so publishers never re-enter subscriber locks.
func (b *Bus) Subscribe(_ context.Context, roomID string, h room.Handlers) (room.Unsubscribe, error) {
	b.mu.Lock()
	entry, ok := b.rooms[roomID]
	if !ok {
		b.mu.Unlock()
		return nil, room.ErrRoomNotFound
	}
	id := b.nextSub
	b.nextSub++
	sub := &subscriber{
		handlers: h,
		ch:       make(chan event, subscriberBuffer),
		done:     make(chan struct{}),
	}
	entry.subs[id] = sub
	b.mu.Unlock()

	go sub.pump()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if e, ok := b.rooms[roomID]; ok {
				delete(e.subs, id)
			}
			b.mu.Unlock()
			close(sub.done)
		})
	}, nil
}

// Sweep destroys lingering expired rooms. The owning process calls it
// periodically; each call is independent, like every other eviction in
// the protocol.
func (b *Bus) Sweep() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	removed := 0
	for id, entry := range b.rooms {
		if entry.rec.Expired(now) && len(entry.rec.Participants) <= 1 {
			b.deleteRoom(id, entry)
			removed++
		}
	}
	return removed
}

// deleteRoom removes the room and tells subscribers. Caller holds b.mu.
func (b *Bus) deleteRoom(roomID string, entry *roomEntry) {
	b.broadcast(entry, event{kind: eventDeleted})
	delete(b.rooms, roomID)
	log.Debug().Str("room_id", roomID).Msg("room destroyed")
}

// broadcast enqueues an event for every subscriber, dropping for slow
// ones rather than blocking the publisher. Caller holds b.mu.
func (b *Bus) broadcast(entry *roomEntry, ev event) {
	for _, sub := range entry.subs {
		select {
		case sub.ch <- ev:
		default:
			log.Warn().Msg("subscriber buffer full, dropping event")
		}
	}
}

func (s *subscriber) pump() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.ch:
			s.dispatch(ev)
		}
	}
}

func (s *subscriber) dispatch(ev event) {
	switch ev.kind {
	case eventTimer:
		if s.handlers.OnTimerChanged != nil {
			s.handlers.OnTimerChanged(ev.snap)
		}
	case eventParticipants:
		if s.handlers.OnParticipantsChanged != nil {
			s.handlers.OnParticipantsChanged(ev.participants)
		}
	case eventChat:
		if s.handlers.OnChatMessage != nil {
			s.handlers.OnChatMessage(ev.msg)
		}
	case eventDeleted:
		if s.handlers.OnRoomDeleted != nil {
			s.handlers.OnRoomDeleted()
		}
	}
}

func cloneRoom(r room.Room) room.Room {
	out := r
	out.Participants = cloneParticipants(r.Participants)
	return out
}

func cloneParticipants(in map[string]presence.Participant) map[string]presence.Participant {
	out := make(map[string]presence.Participant, len(in))
	for id, p := range in {
		out[id] = p
	}
	return out
}
