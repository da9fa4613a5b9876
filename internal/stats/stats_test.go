package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	s, err := Open(":memory:")
	require.NoError(t, err)
	return s
}

func record(name, mode string, dur int, at time.Time) *SessionRecord {
	return &SessionRecord{
		ParticipantName: name,
		RoomID:          "AAAA22",
		Mode:            mode,
		DurationSeconds: dur,
		CompletedAt:     at,
	}
}

func TestStore_RecordAndSummarize(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Record(record("Ana", "focus", 1500, base)))
	require.NoError(t, s.Record(record("Ana", "focus", 1500, base.Add(time.Hour))))
	require.NoError(t, s.Record(record("Ana", "short-break", 300, base.Add(30*time.Minute))))
	require.NoError(t, s.Record(record("Ben", "focus", 1500, base)))

	sum, err := s.Summarize("Ana")
	require.NoError(t, err)
	assert.Equal(t, int64(2), sum.FocusSessions)
	assert.Equal(t, int64(3000), sum.TotalFocusedSecs)
	assert.Equal(t, "Ana", sum.ParticipantName)
}

func TestStore_SummarizeIgnoresBreaks(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Record(record("Ana", "short-break", 300, base)))

	_, err := s.Summarize("Ana")
	assert.ErrorIs(t, err, ErrNoSessions)
}

func TestStore_SummarizeUnknownParticipant(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Summarize("nobody")
	assert.ErrorIs(t, err, ErrNoSessions)
}

func TestStore_RecentNewestFirst(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Record(record("Ana", "focus", 1500, base)))
	require.NoError(t, s.Record(record("Ana", "focus", 900, base.Add(2*time.Hour))))
	require.NoError(t, s.Record(record("Ana", "focus", 600, base.Add(time.Hour))))

	recs, err := s.Recent("Ana", 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, 900, recs[0].DurationSeconds)
	assert.Equal(t, 600, recs[1].DurationSeconds)
}

func TestStore_RecentEmpty(t *testing.T) {
	s := openTestStore(t)
	recs, err := s.Recent("Ana", 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
}
