package presence

import (
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

// Participant is one member of a room. Each client writes only its own
// record; everyone reads all of them.
type Participant struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"name"`
	IsHost      bool      `json:"is_host"`
	JoinedAt    time.Time `json:"joined_at"`
	LastSeenAt  time.Time `json:"last_seen"`
}

// Tracker maintains the believed-live participant set from presence
// events and periodic heartbeats. It is not safe for concurrent use; the
// owning session serializes access.
type Tracker struct {
	participants map[string]Participant
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{participants: make(map[string]Participant)}
}

// RecordJoin inserts or overwrites a participant record. A record arriving
// for an evicted participant is simply a rejoin.
func (t *Tracker) RecordJoin(p Participant) {
	t.participants[p.ID] = p
}

// RecordHeartbeat updates LastSeenAt for a known participant. A heartbeat
// for a participant already evicted is a no-op, not an error; the next
// full presence exchange re-inserts them.
func (t *Tracker) RecordHeartbeat(id string, at time.Time) {
	p, ok := t.participants[id]
	if !ok {
		return
	}
	if at.After(p.LastSeenAt) {
		p.LastSeenAt = at
		t.participants[id] = p
	}
}

// Remove drops a participant, typically on an observed leave.
func (t *Tracker) Remove(id string) {
	delete(t.participants, id)
}

// SweepStale evicts every participant whose last heartbeat is older than
// the timeout and returns the evicted records. Each client sweeps on its
// own schedule; membership converges within a sweep cycle.
func (t *Tracker) SweepStale(now time.Time, timeout time.Duration) []Participant {
	var evicted []Participant
	for id, p := range t.participants {
		if now.Sub(p.LastSeenAt) > timeout {
			evicted = append(evicted, p)
			delete(t.participants, id)
		}
	}
	if len(evicted) > 0 {
		log.Debug().Int("evicted", len(evicted)).Msg("swept stale participants")
	}
	return evicted
}

// Get returns a participant record by id.
func (t *Tracker) Get(id string) (Participant, bool) {
	p, ok := t.participants[id]
	return p, ok
}

// Len returns the number of believed-live participants.
func (t *Tracker) Len() int { return len(t.participants) }

// Snapshot returns a copy of the current participant mapping.
func (t *Tracker) Snapshot() map[string]Participant {
	out := make(map[string]Participant, len(t.participants))
	for id, p := range t.participants {
		out[id] = p
	}
	return out
}

// Sorted returns participants ordered by JoinedAt, ties broken by ID.
// This is the ordering the host tie-break rule is defined over.
func (t *Tracker) Sorted() []Participant {
	out := make([]Participant, 0, len(t.participants))
	for _, p := range t.participants {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}
