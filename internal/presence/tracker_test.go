package presence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func member(id string, joined time.Time) Participant {
	return Participant{
		ID:          id,
		DisplayName: "user-" + id,
		JoinedAt:    joined,
		LastSeenAt:  joined,
	}
}

func TestTracker_RecordJoinAndGet(t *testing.T) {
	tr := NewTracker()
	tr.RecordJoin(member("a", base))

	p, ok := tr.Get("a")
	require.True(t, ok)
	assert.Equal(t, "user-a", p.DisplayName)
	assert.Equal(t, 1, tr.Len())
}

func TestTracker_HeartbeatUpdatesLastSeen(t *testing.T) {
	tr := NewTracker()
	tr.RecordJoin(member("a", base))

	tr.RecordHeartbeat("a", base.Add(5*time.Second))

	p, _ := tr.Get("a")
	assert.Equal(t, base.Add(5*time.Second), p.LastSeenAt)
}

func TestTracker_HeartbeatIgnoresOlderTimestamp(t *testing.T) {
	tr := NewTracker()
	tr.RecordJoin(member("a", base))
	tr.RecordHeartbeat("a", base.Add(10*time.Second))

	tr.RecordHeartbeat("a", base.Add(3*time.Second))

	p, _ := tr.Get("a")
	assert.Equal(t, base.Add(10*time.Second), p.LastSeenAt)
}

func TestTracker_HeartbeatForUnknownIsNoop(t *testing.T) {
	tr := NewTracker()
	tr.RecordHeartbeat("ghost", base)
	assert.Equal(t, 0, tr.Len())
}

func TestTracker_SweepStaleEvicts(t *testing.T) {
	tr := NewTracker()
	tr.RecordJoin(member("a", base))
	tr.RecordJoin(member("b", base))
	tr.RecordHeartbeat("b", base.Add(10*time.Second))

	evicted := tr.SweepStale(base.Add(16*time.Second), 15*time.Second)

	require.Len(t, evicted, 1)
	assert.Equal(t, "a", evicted[0].ID)
	assert.Equal(t, 1, tr.Len())
	_, ok := tr.Get("b")
	assert.True(t, ok)
}

func TestTracker_SweepExactlyAtTimeoutKeeps(t *testing.T) {
	tr := NewTracker()
	tr.RecordJoin(member("a", base))

	evicted := tr.SweepStale(base.Add(15*time.Second), 15*time.Second)
	assert.Empty(t, evicted)
	assert.Equal(t, 1, tr.Len())
}

func TestTracker_RejoinAfterEviction(t *testing.T) {
	tr := NewTracker()
	tr.RecordJoin(member("a", base))
	tr.SweepStale(base.Add(time.Minute), 15*time.Second)
	require.Equal(t, 0, tr.Len())

	// A heartbeat alone cannot resurrect the record.
	tr.RecordHeartbeat("a", base.Add(time.Minute))
	assert.Equal(t, 0, tr.Len())

	// A full record re-inserts it.
	tr.RecordJoin(member("a", base.Add(time.Minute)))
	assert.Equal(t, 1, tr.Len())
}

func TestTracker_SortedByJoinTimeThenID(t *testing.T) {
	tr := NewTracker()
	tr.RecordJoin(member("c", base.Add(2*time.Second)))
	tr.RecordJoin(member("b", base))
	tr.RecordJoin(member("a", base))

	sorted := tr.Sorted()
	require.Len(t, sorted, 3)
	assert.Equal(t, "a", sorted[0].ID)
	assert.Equal(t, "b", sorted[1].ID)
	assert.Equal(t, "c", sorted[2].ID)
}

func TestTracker_SnapshotIsCopy(t *testing.T) {
	tr := NewTracker()
	tr.RecordJoin(member("a", base))

	snap := tr.Snapshot()
	delete(snap, "a")

	assert.Equal(t, 1, tr.Len())
}
