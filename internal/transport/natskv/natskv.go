// Package natskv is the hosted-database Transport: room state lives in a
// NATS JetStream key-value bucket and chat rides a plain subject. KV
// watchers are the change feed.
//
// Layout under one bucket, keyed by room code:
//
//	<code>.meta        room identity and lingering expiry
//	<code>.host        advisory host pointer
//	<code>.timer       the timer snapshot (host is sole writer)
//	<code>.part.<id>   one key per participant (owner is sole writer)
//
// Splitting the record across keys preserves the single-writer-per-field
// discipline: concurrent heartbeats and timer broadcasts never
// read-modify-write each other's data.
package natskv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/rebel47/StudySync/internal/presence"
	"github.com/rebel47/StudySync/internal/room"
	"github.com/rebel47/StudySync/internal/timer"
)

// Config holds NATS connection and bucket settings.
type Config struct {
	URL           string
	Bucket        string
	ChatPrefix    string
	MaxReconnects int
	ReconnectWait time.Duration
	// BucketTTL garbage-collects keys of abandoned rooms. Active rooms
	// refresh their keys every heartbeat, so this only needs to outlast
	// the room lingering TTL.
	BucketTTL time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Bucket:        "studysync_rooms",
		ChatPrefix:    "studysync.chat",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		BucketTTL:     room.TTL + time.Hour,
	}
}

// Transport implements room.Transport over JetStream KV.
type Transport struct {
	cfg   Config
	clock clockwork.Clock
	nc    *nats.Conn
	kv    jetstream.KeyValue
}

type metaRecord struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type hostRecord struct {
	HostID string `json:"host_id"`
}

// New connects to NATS and ensures the room bucket exists.
func New(ctx context.Context, cfg Config, clock clockwork.Clock) (*Transport, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: "StudySync room state",
		TTL:         cfg.BucketTTL,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure KV bucket: %w", err)
	}

	return &Transport{cfg: cfg, clock: clock, nc: nc, kv: kv}, nil
}

// Close releases the NATS connection.
func (t *Transport) Close() {
	if t.nc != nil {
		t.nc.Close()
	}
}

// Now returns the node clock. Every session on the node stamps replicated
// timestamps from the same source, which approximates the shared server
// clock the protocol depends on.
func (t *Transport) Now() time.Time {
	return t.clock.Now()
}

func metaKey(code string) string     { return code + ".meta" }
func hostKey(code string) string     { return code + ".host" }
func timerKey(code string) string    { return code + ".timer" }
func partKey(code, id string) string { return code + ".part." + id }

func (t *Transport) chatSubject(code string) string {
	return t.cfg.ChatPrefix + "." + code
}

func (t *Transport) put(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if _, err := t.kv.Put(ctx, key, data); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// SetRoom writes the full initial record.
func (t *Transport) SetRoom(ctx context.Context, r room.Room) error {
	meta := metaRecord{ID: r.ID, CreatedAt: r.CreatedAt, ExpiresAt: r.ExpiresAt}
	if err := t.put(ctx, metaKey(r.ID), meta); err != nil {
		return err
	}
	if err := t.put(ctx, hostKey(r.ID), hostRecord{HostID: r.HostID}); err != nil {
		return err
	}
	if err := t.put(ctx, timerKey(r.ID), r.Timer); err != nil {
		return err
	}
	for _, p := range r.Participants {
		if err := t.put(ctx, partKey(r.ID, p.ID), p); err != nil {
			return err
		}
	}
	return nil
}

// GetRoom assembles the record from its keys. Unknown and expired
// lingering rooms read as not found.
func (t *Transport) GetRoom(ctx context.Context, roomID string) (room.Room, error) {
	entry, err := t.kv.Get(ctx, metaKey(roomID))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return room.Room{}, room.ErrRoomNotFound
	}
	if err != nil {
		return room.Room{}, fmt.Errorf("get room meta: %w", err)
	}
	var meta metaRecord
	if err := json.Unmarshal(entry.Value(), &meta); err != nil {
		return room.Room{}, fmt.Errorf("decode room meta: %w", err)
	}

	rec := room.Room{
		ID:           meta.ID,
		CreatedAt:    meta.CreatedAt,
		ExpiresAt:    meta.ExpiresAt,
		Participants: make(map[string]presence.Participant),
	}

	if entry, err := t.kv.Get(ctx, hostKey(roomID)); err == nil {
		var host hostRecord
		if err := json.Unmarshal(entry.Value(), &host); err == nil {
			rec.HostID = host.HostID
		}
	}
	if entry, err := t.kv.Get(ctx, timerKey(roomID)); err == nil {
		if err := json.Unmarshal(entry.Value(), &rec.Timer); err != nil {
			return room.Room{}, fmt.Errorf("decode timer: %w", err)
		}
	}

	lister, err := t.kv.ListKeysFiltered(ctx, roomID+".part.>")
	if err != nil {
		return room.Room{}, fmt.Errorf("list participants: %w", err)
	}
	for key := range lister.Keys() {
		entry, err := t.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var p presence.Participant
		if err := json.Unmarshal(entry.Value(), &p); err != nil {
			continue
		}
		rec.Participants[p.ID] = p
	}

	if rec.Expired(t.clock.Now()) && len(rec.Participants) <= 1 {
		return room.Room{}, room.ErrRoomNotFound
	}
	return rec, nil
}

// UpdateTimer overwrites the timer key. Last write wins.
func (t *Transport) UpdateTimer(ctx context.Context, roomID string, snap timer.Snapshot) error {
	return t.put(ctx, timerKey(roomID), snap)
}

// UpdateHost overwrites the advisory host pointer.
func (t *Transport) UpdateHost(ctx context.Context, roomID, hostID string) error {
	return t.put(ctx, hostKey(roomID), hostRecord{HostID: hostID})
}

// SetParticipant writes the caller's own record and refreshes the room's
// lingering expiry, keeping active rooms ahead of garbage collection.
func (t *Transport) SetParticipant(ctx context.Context, roomID string, p presence.Participant) error {
	if err := t.put(ctx, partKey(roomID, p.ID), p); err != nil {
		return err
	}
	now := t.clock.Now()
	meta := metaRecord{ID: roomID, ExpiresAt: now.Add(room.TTL)}
	if entry, err := t.kv.Get(ctx, metaKey(roomID)); err == nil {
		var prev metaRecord
		if json.Unmarshal(entry.Value(), &prev) == nil {
			meta.CreatedAt = prev.CreatedAt
		}
	}
	return t.put(ctx, metaKey(roomID), meta)
}

// RemoveParticipant deletes the participant key and destroys the room
// when the last participant leaves.
func (t *Transport) RemoveParticipant(ctx context.Context, roomID, participantID string) error {
	if err := t.kv.Delete(ctx, partKey(roomID, participantID)); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("remove participant: %w", err)
	}

	lister, err := t.kv.ListKeysFiltered(ctx, roomID+".part.>")
	if err != nil {
		return nil
	}
	remaining := 0
	for range lister.Keys() {
		remaining++
	}
	if remaining > 0 {
		return nil
	}

	for _, key := range []string{timerKey(roomID), hostKey(roomID), metaKey(roomID)} {
		if err := t.kv.Delete(ctx, key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
			log.Warn().Err(err).Str("key", key).Msg("room cleanup delete failed")
		}
	}
	log.Info().Str("room_id", roomID).Msg("room destroyed")
	return nil
}

// AppendChatMessage publishes the message on the room's chat subject.
// Delivery only; there is no history.
func (t *Transport) AppendChatMessage(ctx context.Context, roomID string, msg room.ChatMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal chat message: %w", err)
	}
	if err := t.nc.Publish(t.chatSubject(roomID), data); err != nil {
		return fmt.Errorf("publish chat message: %w", err)
	}
	return nil
}

// Subscribe watches the room's KV keys and chat subject, translating raw
// updates into the handler surface. The watcher maintains the full
// participant map so every change delivers a complete presence exchange.
func (t *Transport) Subscribe(ctx context.Context, roomID string, h room.Handlers) (room.Unsubscribe, error) {
	watcher, err := t.kv.Watch(ctx, roomID+".>")
	if err != nil {
		return nil, fmt.Errorf("watch room keys: %w", err)
	}

	chatSub, err := t.nc.Subscribe(t.chatSubject(roomID), func(m *nats.Msg) {
		var msg room.ChatMessage
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			log.Warn().Err(err).Str("room_id", roomID).Msg("bad chat payload")
			return
		}
		if h.OnChatMessage != nil {
			h.OnChatMessage(msg)
		}
	})
	if err != nil {
		watcher.Stop()
		return nil, fmt.Errorf("subscribe chat: %w", err)
	}

	done := make(chan struct{})
	go t.pumpWatcher(roomID, watcher, h, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			if err := watcher.Stop(); err != nil {
				log.Debug().Err(err).Msg("watcher stop")
			}
			if err := chatSub.Unsubscribe(); err != nil {
				log.Debug().Err(err).Msg("chat unsubscribe")
			}
		})
	}, nil
}

// pumpWatcher consumes KV updates for one subscription. The initial
// replay is swallowed (the subscriber seeded from GetRoom); afterwards
// each participant or timer change is dispatched.
func (t *Transport) pumpWatcher(roomID string, watcher jetstream.KeyWatcher, h room.Handlers, done <-chan struct{}) {
	participants := make(map[string]presence.Participant)
	replaying := true

	for {
		select {
		case <-done:
			return
		case entry, ok := <-watcher.Updates():
			if !ok {
				return
			}
			if entry == nil {
				// End of initial replay.
				replaying = false
				continue
			}
			t.dispatchEntry(roomID, entry, participants, replaying, h)
		}
	}
}

func (t *Transport) dispatchEntry(roomID string, entry jetstream.KeyValueEntry, participants map[string]presence.Participant, replaying bool, h room.Handlers) {
	key := entry.Key()
	deleted := entry.Operation() == jetstream.KeyValueDelete || entry.Operation() == jetstream.KeyValuePurge

	switch {
	case strings.HasPrefix(key, roomID+".part."):
		if deleted {
			delete(participants, strings.TrimPrefix(key, roomID+".part."))
		} else {
			var p presence.Participant
			if err := json.Unmarshal(entry.Value(), &p); err != nil {
				log.Warn().Err(err).Str("key", key).Msg("bad participant payload")
				return
			}
			participants[p.ID] = p
		}
		if !replaying && h.OnParticipantsChanged != nil {
			out := make(map[string]presence.Participant, len(participants))
			for id, p := range participants {
				out[id] = p
			}
			h.OnParticipantsChanged(out)
		}

	case key == timerKey(roomID):
		if deleted || replaying {
			return
		}
		var snap timer.Snapshot
		if err := json.Unmarshal(entry.Value(), &snap); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("bad timer payload")
			return
		}
		if h.OnTimerChanged != nil {
			h.OnTimerChanged(snap)
		}

	case key == metaKey(roomID):
		if deleted && !replaying && h.OnRoomDeleted != nil {
			h.OnRoomDeleted()
		}
	}
}
