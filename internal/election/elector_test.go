package election

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/rebel47/StudySync/internal/presence"
)

var base = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func trackerWith(ps ...presence.Participant) *presence.Tracker {
	tr := presence.NewTracker()
	for _, p := range ps {
		tr.RecordJoin(p)
	}
	return tr
}

func member(id string, joined time.Time, host bool) presence.Participant {
	return presence.Participant{ID: id, JoinedAt: joined, LastSeenAt: joined, IsHost: host}
}

func TestHasActiveHost(t *testing.T) {
	assert.False(t, HasActiveHost(trackerWith(
		member("a", base, false),
		member("b", base.Add(time.Second), false),
	)))
	assert.True(t, HasActiveHost(trackerWith(
		member("a", base, false),
		member("b", base.Add(time.Second), true),
	)))
}

func TestWinner_EmptyRoom(t *testing.T) {
	_, ok := Winner(trackerWith())
	assert.False(t, ok)
}

func TestWinner_EarliestJoinWins(t *testing.T) {
	w, ok := Winner(trackerWith(
		member("late", base.Add(time.Minute), false),
		member("early", base, false),
	))
	assert.True(t, ok)
	assert.Equal(t, "early", w.ID)
}

func TestWinner_TieBrokenByID(t *testing.T) {
	w, _ := Winner(trackerWith(
		member("bbb", base, false),
		member("aaa", base, false),
	))
	assert.Equal(t, "aaa", w.ID)
}

func TestShouldPromote_NoHostAndLocalWins(t *testing.T) {
	tr := trackerWith(
		member("a", base, false),
		member("b", base.Add(time.Second), false),
	)
	assert.True(t, ShouldPromote(tr, "a"))
	assert.False(t, ShouldPromote(tr, "b"))
}

func TestShouldPromote_ActiveHostBlocks(t *testing.T) {
	tr := trackerWith(
		member("a", base, false),
		member("b", base.Add(time.Second), true),
	)
	assert.False(t, ShouldPromote(tr, "a"))
}

func TestShouldPromote_AfterHostEviction(t *testing.T) {
	tr := trackerWith(
		member("host", base, true),
		member("a", base.Add(time.Second), false),
		member("b", base.Add(2*time.Second), false),
	)
	assert.False(t, ShouldPromote(tr, "a"))

	tr.Remove("host")
	assert.True(t, ShouldPromote(tr, "a"))
	assert.False(t, ShouldPromote(tr, "b"))
}

func TestShouldDemote_NonHostNever(t *testing.T) {
	tr := trackerWith(
		member("a", base, false),
		member("b", base.Add(time.Second), true),
	)
	assert.False(t, ShouldDemote(tr, "a"))
}

func TestShouldDemote_SingleHostKeepsRole(t *testing.T) {
	tr := trackerWith(
		member("a", base, true),
		member("b", base.Add(time.Second), false),
	)
	assert.False(t, ShouldDemote(tr, "a"))
}

func TestShouldDemote_DualHostResolvesDeterministically(t *testing.T) {
	// Both claim host after a partition heals. The earlier joiner keeps
	// the role; the other steps down.
	tr := trackerWith(
		member("early", base, true),
		member("late", base.Add(time.Second), true),
	)
	assert.False(t, ShouldDemote(tr, "early"))
	assert.True(t, ShouldDemote(tr, "late"))
}

func TestElection_IndependentEvaluationsConverge(t *testing.T) {
	// Two clients with identical snapshots must pick the same winner.
	ps := []presence.Participant{
		member("x", base.Add(3*time.Second), false),
		member("y", base, false),
		member("z", base.Add(time.Second), false),
	}
	w1, _ := Winner(trackerWith(ps...))
	w2, _ := Winner(trackerWith(ps[2], ps[0], ps[1]))
	assert.Equal(t, w1.ID, w2.ID)
}
